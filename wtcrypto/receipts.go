package wtcrypto

import (
	"encoding/binary"

	"github.com/lightningnetwork/towerd/wtdb"
	"github.com/tv42/zbase32"
)

// RegistrationReceipt returns the message the tower signs when a user
// registers: user_id || available_slots || subscription_expiry.
func RegistrationReceipt(userID wtdb.UserID, availableSlots,
	subscriptionExpiry uint32) []byte {

	receipt := make([]byte, 0, wtdb.UserIDSize+8)
	receipt = append(receipt, userID[:]...)
	receipt = binary.BigEndian.AppendUint32(receipt, availableSlots)
	receipt = binary.BigEndian.AppendUint32(receipt, subscriptionExpiry)

	return receipt
}

// AppointmentReceipt returns the message the tower signs when it accepts an
// appointment: the raw user signature followed by the start block.
func AppointmentReceipt(userSignature string, startBlock uint32) ([]byte,
	error) {

	sig, err := zbase32.DecodeString(userSignature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	return binary.BigEndian.AppendUint32(sig, startBlock), nil
}
