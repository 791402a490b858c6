package watcher

import (
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/towerd/wtdb"
)

// MinToSelfDelay is the smallest to_self_delay an appointment may carry.
const MinToSelfDelay = 20

// InspectionCode tells apart the reasons an appointment is malformed.
type InspectionCode uint8

const (
	// CodeEmptyField is used when a mandatory field is missing.
	CodeEmptyField InspectionCode = iota + 1

	// CodeInvalidLocator is used when the locator is not 16 hex encoded
	// bytes.
	CodeInvalidLocator

	// CodeInvalidBlob is used when the encrypted blob is not hex.
	CodeInvalidBlob

	// CodeToSelfDelayTooSmall is used when the to_self_delay is below
	// the minimum accepted by the tower.
	CodeToSelfDelayTooSmall
)

// String returns a human readable name of the code.
func (c InspectionCode) String() string {
	switch c {
	case CodeEmptyField:
		return "EmptyField"
	case CodeInvalidLocator:
		return "InvalidLocator"
	case CodeInvalidBlob:
		return "InvalidBlob"
	case CodeToSelfDelayTooSmall:
		return "ToSelfDelayTooSmall"
	default:
		return fmt.Sprintf("InspectionCode(%d)", uint8(c))
	}
}

// InspectionError is returned for appointments that do not pass
// inspection.
type InspectionError struct {
	Code   InspectionCode
	Reason string
}

// Error returns the reason the appointment was rejected.
func (e *InspectionError) Error() string {
	return fmt.Sprintf("inspection failed (%v): %s", e.Code, e.Reason)
}

// Inspector checks the format of appointments sent by users.
type Inspector struct {
	minToSelfDelay uint32
}

// NewInspector creates an inspector enforcing minToSelfDelay.
func NewInspector(minToSelfDelay uint32) *Inspector {
	if minToSelfDelay == 0 {
		minToSelfDelay = MinToSelfDelay
	}

	return &Inspector{minToSelfDelay: minToSelfDelay}
}

// Inspect parses a hex encoded appointment.
func (i *Inspector) Inspect(locatorHex, blobHex string,
	toSelfDelay uint32) (*wtdb.Appointment, error) {

	switch {
	case locatorHex == "":
		return nil, &InspectionError{
			Code:   CodeEmptyField,
			Reason: "empty locator received",
		}

	case blobHex == "":
		return nil, &InspectionError{
			Code:   CodeEmptyField,
			Reason: "empty encrypted_blob received",
		}
	}

	locator, err := wtdb.ParseLocator(locatorHex)
	if err != nil {
		return nil, &InspectionError{
			Code:   CodeInvalidLocator,
			Reason: "wrong locator format: " + locatorHex,
		}
	}

	blob, err := hex.DecodeString(blobHex)
	if err != nil {
		return nil, &InspectionError{
			Code:   CodeInvalidBlob,
			Reason: "wrong encrypted_blob format",
		}
	}

	if toSelfDelay < i.minToSelfDelay {
		return nil, &InspectionError{
			Code: CodeToSelfDelayTooSmall,
			Reason: fmt.Sprintf("to_self_delay too small. The "+
				"to_self_delay should be at least %d "+
				"(current: %d)", i.minToSelfDelay,
				toSelfDelay),
		}
	}

	return &wtdb.Appointment{
		Locator:       locator,
		EncryptedBlob: blob,
		ToSelfDelay:   toSelfDelay,
	}, nil
}
