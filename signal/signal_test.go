package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterceptor(t *testing.T) {
	interceptor, err := Intercept(nil)
	require.NoError(t, err)
	require.True(t, interceptor.Listening())

	_, err = Intercept(nil)
	require.ErrorIs(t, err, ErrAlreadyStarted)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(5 * time.Second):
		t.Fatal("interceptor did not shut down")
	}
	require.False(t, interceptor.Listening())

	// Further requests do not block.
	interceptor.RequestShutdown()

	// A new interceptor can be created once the previous one exited.
	require.Eventually(t, func() bool {
		next, err := Intercept(nil)
		if err != nil {
			return false
		}
		next.RequestShutdown()
		<-next.ShutdownChannel()

		return true
	}, 5*time.Second, 10*time.Millisecond)
}
