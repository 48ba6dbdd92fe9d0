package subscribe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// TestFanOut checks that every client receives every update in order.
func TestFanOut(t *testing.T) {
	t.Parallel()

	s := NewServer[int]()
	_, err := s.Subscribe()
	require.ErrorIs(t, err, ErrServerNotStarted)
	require.ErrorIs(t, s.SendUpdate(1), ErrServerNotStarted)

	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	c1, err := s.Subscribe()
	require.NoError(t, err)
	c2, err := s.Subscribe()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.SendUpdate(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	for _, c := range []*Client[int]{c1, c2} {
		for i := 0; i < 10; i++ {
			upd, err := c.Next(ctx)
			require.NoError(t, err)
			require.Equal(t, i, upd)
		}
	}
}

// TestCancel checks that a cancelled client stops receiving updates while the
// others keep going.
func TestCancel(t *testing.T) {
	t.Parallel()

	s := NewServer[string]()
	require.NoError(t, s.Start())

	c1, err := s.Subscribe()
	require.NoError(t, err)
	c2, err := s.Subscribe()
	require.NoError(t, err)

	c1.Cancel()
	select {
	case <-c1.Quit():
	case <-time.After(testTimeout):
		t.Fatal("client not cancelled")
	}

	require.NoError(t, s.SendUpdate("tip"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err = c1.Next(ctx)
	require.ErrorIs(t, err, ErrClientCancelled)

	upd, err := c2.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "tip", upd)

	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.SendUpdate("late"), ErrServerShuttingDown)

	select {
	case <-c2.Quit():
	case <-time.After(testTimeout):
		t.Fatal("client not stopped with server")
	}
}
