package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)
	require.True(t, interceptor.Listening())

	_, err = Intercept()
	require.Error(t, err)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel not closed")
	}
	require.False(t, interceptor.Alive())

	// A second request after shutdown must not block.
	interceptor.RequestShutdown()

	require.Eventually(t, func() bool {
		return !interceptor.Listening()
	}, time.Second, 10*time.Millisecond)
}
