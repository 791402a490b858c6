package watcher

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/towerd/chain"
	"github.com/lightningnetwork/towerd/responder"
	"github.com/lightningnetwork/towerd/wtcrypto"
	"github.com/lightningnetwork/towerd/wtdb"
)

// doWatch processes every block delivered through the block queue until the
// shutdown message is received.
//
// NOTE: This must be run as a goroutine.
func (w *Watcher) doWatch(ctx context.Context) {
	for {
		msg, err := w.cfg.BlockQueue.Next(ctx)
		if err != nil {
			return
		}
		if msg.Shutdown {
			msg.Ack()
			return
		}

		err = w.processBlock(msg.Hash)
		msg.Ack()

		switch {
		case errors.Is(err, chain.ErrShuttingDown):
			return

		case err != nil:
			w.log.Criticalf("Unable to process block %v: %v",
				msg.Hash, err)
			w.cfg.FatalError(err)

			return
		}
	}
}

func (w *Watcher) processBlock(hash chainhash.Hash) error {
	block, err := w.cfg.Blocks.GetBlock(&hash, true)
	if err != nil {
		return err
	}

	w.log.Infof("New block received: block_hash=%v, height=%d",
		block.Hash, block.Height)

	locators := LocatorMap(block.Txids)

	lastKnown := w.LastKnownBlock()
	if lastKnown != (chainhash.Hash{}) && block.PrevHash != lastKnown {
		w.log.Warnf("Reorg detected, fixing locator cache: "+
			"block_hash=%v, prev_block_hash=%v, "+
			"last_known_block=%v", block.Hash, block.PrevHash,
			lastKnown)

		err := w.locatorCache.Fix(block.Hash, w.cfg.Blocks)
		if err != nil {
			return err
		}
	} else {
		w.locatorCache.Update(block.Hash, locators)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.state.Appointments) > 0 {
		if err := w.processBreachesLocked(block, locators); err != nil {
			return err
		}

		if len(w.state.Appointments) == 0 {
			w.log.Info("No more pending appointments")
		}
	}

	if err := w.cfg.DB.StoreLastBlockHashWatcher(hash); err != nil {
		return err
	}
	w.lastKnownBlock = hash

	return nil
}

// processBreachesLocked drops the outdated appointments and hands the
// breaches found in block to the responder.
func (w *Watcher) processBreachesLocked(block *chain.Block,
	locators map[wtdb.Locator]chainhash.Hash) error {

	// Some of the outdated appointments may have been triggered already,
	// those belong to the responder.
	var outdated []wtdb.UUID
	for _, uuid := range w.cfg.Gatekeeper.GetOutdatedAppointments(
		block.Height,
	) {

		if _, ok := w.state.Appointments[uuid]; ok {
			outdated = append(outdated, uuid)
		}
	}
	err := w.cfg.Cleaner.DeleteAppointments(outdated, &w.state, w.cfg.DB)
	if err != nil {
		return err
	}

	valid, invalid, err := w.filterBreachesLocked(
		w.getBreachesLocked(locators),
	)
	if err != nil {
		return err
	}

	var triggered, toDelete []wtdb.UUID
	for uuid, breach := range valid {
		receipt, err := w.cfg.Responder.HandleBreach(breach, block.Hash)
		if err != nil {
			// The responder already tracks the breaches handed over
			// so far.
			flagErr := w.cfg.Cleaner.FlagTriggeredAppointments(
				triggered, &w.state, w.cfg.DB,
			)
			if flagErr != nil {
				return errors.Join(err, flagErr)
			}

			return err
		}

		if receipt.Delivered {
			triggered = append(triggered, uuid)
		} else {
			toDelete = append(toDelete, uuid)
		}
	}
	toDelete = append(toDelete, invalid...)

	owners := make(map[wtdb.UUID]wtdb.UserID, len(toDelete))
	for _, uuid := range toDelete {
		owners[uuid] = w.state.Appointments[uuid].UserID
	}

	err = w.cfg.Cleaner.FlagTriggeredAppointments(
		triggered, &w.state, w.cfg.DB,
	)
	if err != nil {
		return err
	}
	err = w.cfg.Cleaner.DeleteAppointments(toDelete, &w.state, w.cfg.DB)
	if err != nil {
		return err
	}

	return w.cfg.Gatekeeper.DeleteAppointments(owners)
}

// getBreachesLocked returns the locators of the block that are being
// watched, together with the dispute txid they point to.
func (w *Watcher) getBreachesLocked(
	locators map[wtdb.Locator]chainhash.Hash) (
	breaches map[wtdb.Locator]chainhash.Hash) {

	breaches = make(map[wtdb.Locator]chainhash.Hash)
	for locator, txid := range locators {
		if _, ok := w.state.LocatorUUIDMap[locator]; !ok {
			continue
		}

		breaches[locator] = txid
		w.log.Infof("Breach found for locator: locator=%v, "+
			"dispute_txid=%v", locator, txid)
	}

	return breaches
}

// decryptedBlob is the outcome of checking a blob against a dispute.
type decryptedBlob struct {
	penaltyTxID  chainhash.Hash
	penaltyRawTx []byte
	err          error
}

// filterBreachesLocked decrypts the appointments matching breaches. Blobs
// shared by several appointments are only decrypted once.
func (w *Watcher) filterBreachesLocked(
	breaches map[wtdb.Locator]chainhash.Hash) (
	map[wtdb.UUID]*responder.BreachInfo, []wtdb.UUID, error) {

	var (
		valid     = make(map[wtdb.UUID]*responder.BreachInfo)
		invalid   []wtdb.UUID
		decrypted = make(map[string]decryptedBlob)
	)

	for locator, disputeTxID := range breaches {
		for _, uuid := range w.state.LocatorUUIDMap[locator] {
			breach, err := w.checkCachedBreach(
				uuid, disputeTxID, decrypted,
			)
			switch {
			case isBreachError(err):
				w.log.Infof("Appointment cannot be acted "+
					"upon: uuid=%v, err=%v", uuid, err)
				invalid = append(invalid, uuid)

			case err != nil:
				return nil, nil, err

			default:
				valid[uuid] = breach
			}
		}
	}

	return valid, invalid, nil
}

// checkCachedBreach checks the appointment of uuid against disputeTxID,
// reusing the outcome of a previous check of the same blob.
func (w *Watcher) checkCachedBreach(uuid wtdb.UUID,
	disputeTxID chainhash.Hash,
	decrypted map[string]decryptedBlob) (*responder.BreachInfo, error) {

	appt, err := w.cfg.DB.LoadWatcherAppointment(uuid)
	if err != nil {
		return nil, err
	}

	key := string(disputeTxID[:]) + string(appt.EncryptedBlob)
	if result, ok := decrypted[key]; ok {
		if result.err != nil {
			return nil, result.err
		}

		return &responder.BreachInfo{
			UUID:         uuid,
			Locator:      appt.Locator,
			DisputeTxID:  disputeTxID,
			PenaltyTxID:  result.penaltyTxID,
			PenaltyRawTx: result.penaltyRawTx,
			UserID:       appt.UserID,
		}, nil
	}

	breach, err := checkBreach(uuid, appt, disputeTxID)
	if err != nil {
		decrypted[key] = decryptedBlob{err: err}
		return nil, err
	}
	decrypted[key] = decryptedBlob{
		penaltyTxID:  breach.PenaltyTxID,
		penaltyRawTx: breach.PenaltyRawTx,
	}

	return breach, nil
}

// isBreachError reports whether err is an expected outcome of decrypting a
// blob, as opposed to a failure of the tower.
func isBreachError(err error) bool {
	return errors.Is(err, wtcrypto.ErrEncryption) ||
		errors.Is(err, chain.ErrInvalidTransactionFormat)
}
