package wtdb

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// LocatorSize is the length of a locator in bytes.
	LocatorSize = 16

	// UUIDSize is the length of an appointment identifier, the output of
	// hash160.
	UUIDSize = 20

	// UserIDSize is 33-bytes; it is a serialized, compressed public key.
	UserIDSize = 33
)

var (
	// ErrInvalidLocator signals that a locator could not be parsed.
	ErrInvalidLocator = errors.New("locator must be 16 bytes")

	// ErrInvalidUserID signals that the user id is not a 33-byte
	// compressed public key encoding.
	ErrInvalidUserID = errors.New("user id must be a 33-byte hex " +
		"encoded compressed public key starting with 02 or 03")
)

// Locator is the 16-byte prefix of a dispute transaction id, taken in the
// byte order the id is displayed in. It is used to match transactions found
// in blocks against pending appointments.
type Locator [LocatorSize]byte

// ComputeLocator derives the locator for the passed transaction id.
func ComputeLocator(txid *chainhash.Hash) Locator {
	var l Locator

	// chainhash stores the id reversed with respect to its hex encoding.
	for i := 0; i < LocatorSize; i++ {
		l[i] = txid[chainhash.HashSize-1-i]
	}

	return l
}

// LocatorFromBytes copies a raw locator, failing if it has the wrong size.
func LocatorFromBytes(b []byte) (Locator, error) {
	var l Locator
	if len(b) != LocatorSize {
		return l, ErrInvalidLocator
	}
	copy(l[:], b)

	return l, nil
}

// ParseLocator decodes a hex encoded locator.
func ParseLocator(s string) (Locator, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}

	return LocatorFromBytes(b)
}

// String returns the hex encoding of the locator.
func (l Locator) String() string {
	return hex.EncodeToString(l[:])
}

// UUID identifies an appointment internally. It is derived from the locator
// and the owner, so resubmitting the same locator as the same user updates
// the existing appointment.
type UUID [UUIDSize]byte

// NewUUID computes hash160(locator || user_id).
func NewUUID(locator Locator, userID UserID) UUID {
	preimage := make([]byte, 0, LocatorSize+UserIDSize)
	preimage = append(preimage, locator[:]...)
	preimage = append(preimage, userID[:]...)

	var u UUID
	copy(u[:], btcutil.Hash160(preimage))

	return u
}

// String returns the hex encoding of the uuid.
func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

// UserID is the compressed public key a user registered with. Requests are
// authenticated by recovering this key from a signature.
type UserID [UserIDSize]byte

// NewUserIDFromPubKey creates a new UserID from a public key.
func NewUserIDFromPubKey(pubKey *btcec.PublicKey) UserID {
	var id UserID
	copy(id[:], pubKey.SerializeCompressed())

	return id
}

// ParseUserID decodes a hex encoded user id. Only the format is checked, the
// key is not required to be a valid curve point.
func ParseUserID(s string) (UserID, error) {
	var id UserID
	if len(s) != 2*UserIDSize {
		return id, ErrInvalidUserID
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, ErrInvalidUserID
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return id, ErrInvalidUserID
	}
	copy(id[:], b)

	return id, nil
}

// String returns a hex encoding of the user id.
func (u UserID) String() string {
	return hex.EncodeToString(u[:])
}
