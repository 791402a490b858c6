package wtdb

import (
	"encoding/binary"
	"errors"
	"io"
	"maps"

	"github.com/lightningnetwork/lnd/tlv"
)

// ErrCorruptUserInfo is returned when a persisted user record cannot be
// decoded.
var ErrCorruptUserInfo = errors.New("corrupt user info record")

// UserInfo is the subscription state of a registered user.
type UserInfo struct {
	// AvailableSlots is the number of slots the user can still spend on
	// appointments.
	AvailableSlots uint32

	// SubscriptionExpiry is the block height at which the subscription
	// expires.
	SubscriptionExpiry uint32

	// Appointments maps every appointment owned by the user to the number
	// of slots it was charged.
	Appointments map[UUID]uint32
}

// NewUserInfo creates a user record with no appointments.
func NewUserInfo(availableSlots, subscriptionExpiry uint32) *UserInfo {
	return &UserInfo{
		AvailableSlots:     availableSlots,
		SubscriptionExpiry: subscriptionExpiry,
		Appointments:       make(map[UUID]uint32),
	}
}

// Copy returns a deep copy of the user record.
func (u *UserInfo) Copy() *UserInfo {
	return &UserInfo{
		AvailableSlots:     u.AvailableSlots,
		SubscriptionExpiry: u.SubscriptionExpiry,
		Appointments:       maps.Clone(u.Appointments),
	}
}

const (
	userSlotsType        tlv.Type = 0
	userExpiryType       tlv.Type = 1
	userAppointmentsType tlv.Type = 2

	// appointmentEntrySize is a uuid followed by its big endian uint32
	// slot cost.
	appointmentEntrySize = UUIDSize + 4
)

// Encode writes the user record as a tlv stream.
func (u *UserInfo) Encode(w io.Writer) error {
	appointments := make(
		[]byte, 0, len(u.Appointments)*appointmentEntrySize,
	)
	for uuid, cost := range u.Appointments {
		appointments = append(appointments, uuid[:]...)
		appointments = binary.BigEndian.AppendUint32(appointments, cost)
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(userSlotsType, &u.AvailableSlots),
		tlv.MakePrimitiveRecord(userExpiryType, &u.SubscriptionExpiry),
		tlv.MakePrimitiveRecord(userAppointmentsType, &appointments),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a user record from a tlv stream.
func (u *UserInfo) Decode(r io.Reader) error {
	var appointments []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(userSlotsType, &u.AvailableSlots),
		tlv.MakePrimitiveRecord(userExpiryType, &u.SubscriptionExpiry),
		tlv.MakePrimitiveRecord(userAppointmentsType, &appointments),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	if len(appointments)%appointmentEntrySize != 0 {
		return ErrCorruptUserInfo
	}

	u.Appointments = make(
		map[UUID]uint32, len(appointments)/appointmentEntrySize,
	)
	for len(appointments) > 0 {
		var uuid UUID
		copy(uuid[:], appointments[:UUIDSize])
		cost := binary.BigEndian.Uint32(
			appointments[UUIDSize:appointmentEntrySize],
		)
		u.Appointments[uuid] = cost

		appointments = appointments[appointmentEntrySize:]
	}

	return nil
}
