package watcher_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/lightningnetwork/towerd/watcher"
	"github.com/stretchr/testify/require"
)

// TestInspect covers the format checks of incoming appointments.
func TestInspect(t *testing.T) {
	t.Parallel()

	validLocator := strings.Repeat("ab", 16)

	tests := []struct {
		name        string
		locator     string
		blob        string
		toSelfDelay uint32
		code        watcher.InspectionCode
	}{
		{
			name:        "valid",
			locator:     validLocator,
			blob:        "00ff",
			toSelfDelay: watcher.MinToSelfDelay,
		},
		{
			name:        "empty locator",
			blob:        "00ff",
			toSelfDelay: watcher.MinToSelfDelay,
			code:        watcher.CodeEmptyField,
		},
		{
			name:        "empty blob",
			locator:     validLocator,
			toSelfDelay: watcher.MinToSelfDelay,
			code:        watcher.CodeEmptyField,
		},
		{
			name:        "short locator",
			locator:     validLocator[:30],
			blob:        "00ff",
			toSelfDelay: watcher.MinToSelfDelay,
			code:        watcher.CodeInvalidLocator,
		},
		{
			name:        "non hex locator",
			locator:     strings.Repeat("zz", 16),
			blob:        "00ff",
			toSelfDelay: watcher.MinToSelfDelay,
			code:        watcher.CodeInvalidLocator,
		},
		{
			name:        "non hex blob",
			locator:     validLocator,
			blob:        "0g",
			toSelfDelay: watcher.MinToSelfDelay,
			code:        watcher.CodeInvalidBlob,
		},
		{
			name:        "small to_self_delay",
			locator:     validLocator,
			blob:        "00ff",
			toSelfDelay: watcher.MinToSelfDelay - 1,
			code:        watcher.CodeToSelfDelayTooSmall,
		},
	}

	inspector := watcher.NewInspector(0)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			appt, err := inspector.Inspect(
				test.locator, test.blob, test.toSelfDelay,
			)
			if test.code == 0 {
				require.NoError(t, err)
				require.Equal(t, validLocator,
					appt.Locator.String())
				require.Equal(t, []byte{0x00, 0xff},
					appt.EncryptedBlob)

				return
			}

			var inspectionErr *watcher.InspectionError
			require.True(t, errors.As(err, &inspectionErr))
			require.Equal(t, test.code, inspectionErr.Code)
		})
	}
}
