package wtdb

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// MaxSlotBlobHexLen is the number of hex characters of encrypted blob
	// covered by a single subscription slot.
	MaxSlotBlobHexLen = 2 * 2048
)

// Appointment is a request from a user to watch for the dispute
// transaction identified by Locator, and to respond with the penalty
// transaction held in EncryptedBlob once it is seen.
type Appointment struct {
	// Locator is the prefix of the dispute transaction id.
	Locator Locator

	// EncryptedBlob is the penalty transaction encrypted under a key
	// derived from the dispute transaction id.
	EncryptedBlob []byte

	// ToSelfDelay is the CSV delay of the to_self output of the dispute
	// transaction.
	ToSelfDelay uint32
}

// Serialize returns the byte representation users sign when submitting the
// appointment: locator || encrypted_blob || to_self_delay.
func (a *Appointment) Serialize() []byte {
	var b bytes.Buffer
	b.Write(a.Locator[:])
	b.Write(a.EncryptedBlob)

	var delay [4]byte
	binary.BigEndian.PutUint32(delay[:], a.ToSelfDelay)
	b.Write(delay[:])

	return b.Bytes()
}

// RequiredSlots returns the number of subscription slots the appointment
// consumes, one per MaxSlotBlobHexLen hex characters of blob.
func (a *Appointment) RequiredSlots() uint32 {
	hexLen := 2 * len(a.EncryptedBlob)

	return uint32((hexLen + MaxSlotBlobHexLen - 1) / MaxSlotBlobHexLen)
}

// ExtendedAppointment is an Appointment accepted by the tower, annotated with
// its owner and the block it started being watched at.
type ExtendedAppointment struct {
	Appointment

	// UserID is the owner of the appointment.
	UserID UserID

	// UserSignature is the user's signature over the serialized
	// appointment.
	UserSignature string

	// StartBlock is the height of the tower's best block when the
	// appointment was accepted.
	StartBlock uint32
}

// UUID returns the internal identifier of the appointment.
func (e *ExtendedAppointment) UUID() UUID {
	return NewUUID(e.Locator, e.UserID)
}

// Summary returns the fields of the appointment kept in memory by the
// watcher.
func (e *ExtendedAppointment) Summary() AppointmentSummary {
	return AppointmentSummary{
		Locator: e.Locator,
		UserID:  e.UserID,
	}
}

// AppointmentSummary is the in-memory footprint of a watched appointment.
// The full record stays on disk.
type AppointmentSummary struct {
	Locator Locator
	UserID  UserID
}

const (
	apptLocatorType     tlv.Type = 0
	apptBlobType        tlv.Type = 1
	apptToSelfDelayType tlv.Type = 2
	apptUserIDType      tlv.Type = 3
	apptSignatureType   tlv.Type = 4
	apptStartBlockType  tlv.Type = 5
)

// Encode writes the appointment as a tlv stream.
func (e *ExtendedAppointment) Encode(w io.Writer) error {
	locator := e.Locator[:]
	userID := [UserIDSize]byte(e.UserID)
	sig := []byte(e.UserSignature)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(apptLocatorType, &locator),
		tlv.MakePrimitiveRecord(apptBlobType, &e.EncryptedBlob),
		tlv.MakePrimitiveRecord(apptToSelfDelayType, &e.ToSelfDelay),
		tlv.MakePrimitiveRecord(apptUserIDType, &userID),
		tlv.MakePrimitiveRecord(apptSignatureType, &sig),
		tlv.MakePrimitiveRecord(apptStartBlockType, &e.StartBlock),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads an appointment from a tlv stream.
func (e *ExtendedAppointment) Decode(r io.Reader) error {
	var (
		locator []byte
		userID  [UserIDSize]byte
		sig     []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(apptLocatorType, &locator),
		tlv.MakePrimitiveRecord(apptBlobType, &e.EncryptedBlob),
		tlv.MakePrimitiveRecord(apptToSelfDelayType, &e.ToSelfDelay),
		tlv.MakePrimitiveRecord(apptUserIDType, &userID),
		tlv.MakePrimitiveRecord(apptSignatureType, &sig),
		tlv.MakePrimitiveRecord(apptStartBlockType, &e.StartBlock),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}

	e.Locator, err = LocatorFromBytes(locator)
	if err != nil {
		return err
	}
	e.UserID = userID
	e.UserSignature = string(sig)

	return nil
}
