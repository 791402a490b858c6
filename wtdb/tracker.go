package wtdb

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// TransactionTracker is the responder's record of a penalty transaction that
// was broadcast in response to a breach.
type TransactionTracker struct {
	// Locator is the locator of the appointment that was triggered.
	Locator Locator

	// DisputeTxID is the id of the breaching commitment transaction.
	DisputeTxID chainhash.Hash

	// PenaltyTxID is the id of the justice transaction.
	PenaltyTxID chainhash.Hash

	// PenaltyRawTx is the serialized justice transaction.
	PenaltyRawTx []byte

	// UserID is the owner of the triggered appointment.
	UserID UserID
}

// Summary returns the fields of the tracker kept in memory by the responder.
func (t *TransactionTracker) Summary() TrackerSummary {
	return TrackerSummary{
		PenaltyTxID: t.PenaltyTxID,
		UserID:      t.UserID,
	}
}

// TrackerSummary is the in-memory footprint of a tracker.
type TrackerSummary struct {
	PenaltyTxID chainhash.Hash
	UserID      UserID
}

const (
	trkLocatorType     tlv.Type = 0
	trkDisputeTxIDType tlv.Type = 1
	trkPenaltyTxIDType tlv.Type = 2
	trkPenaltyRawType  tlv.Type = 3
	trkUserIDType      tlv.Type = 4
)

func (t *TransactionTracker) stream(locator *[]byte,
	userID *[UserIDSize]byte) (*tlv.Stream, error) {

	return tlv.NewStream(
		tlv.MakePrimitiveRecord(trkLocatorType, locator),
		tlv.MakePrimitiveRecord(
			trkDisputeTxIDType, (*[32]byte)(&t.DisputeTxID),
		),
		tlv.MakePrimitiveRecord(
			trkPenaltyTxIDType, (*[32]byte)(&t.PenaltyTxID),
		),
		tlv.MakePrimitiveRecord(trkPenaltyRawType, &t.PenaltyRawTx),
		tlv.MakePrimitiveRecord(trkUserIDType, userID),
	)
}

// Encode writes the tracker as a tlv stream.
func (t *TransactionTracker) Encode(w io.Writer) error {
	locator := t.Locator[:]
	userID := [UserIDSize]byte(t.UserID)

	stream, err := t.stream(&locator, &userID)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a tracker from a tlv stream.
func (t *TransactionTracker) Decode(r io.Reader) error {
	var (
		locator []byte
		userID  [UserIDSize]byte
	)

	stream, err := t.stream(&locator, &userID)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	t.Locator, err = LocatorFromBytes(locator)
	if err != nil {
		return err
	}
	t.UserID = userID

	return nil
}
