package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_EmptyInputReturnsEmptyOutput(t *testing.T) {
	out, err := Run(context.Background(), DefaultConfig(), []int{}, func(_ context.Context, v int) (int, error) {
		return v, nil
	})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRun_PreservesInputOrderUnderConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 4

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	out, err := Run(context.Background(), cfg, items, func(_ context.Context, v int) (int, error) {
		// stagger completion so workers finish out of submission order
		time.Sleep(time.Duration(20-v%5) * time.Millisecond)
		return v * 2, nil
	})
	require.NoError(t, err)
	require.Len(t, out, 20)
	for i, r := range out {
		require.NoError(t, r.Err)
		require.Equal(t, i, r.Index)
		require.Equal(t, i*2, r.Value)
	}
}

func TestRun_CapacityErrorBacksOffAndRetries(t *testing.T) {
	cfg := Config{
		PoolSize:                 1,
		MinDispatchDelay:         time.Millisecond,
		MaxDispatchDelay:         50 * time.Millisecond,
		BackoffMultiplier:        2.0,
		RecoveryStep:             time.Millisecond,
		MaxCapacityRetryDuration: time.Minute,
	}

	var attempts int32
	out, err := Run(context.Background(), cfg, []int{1}, func(_ context.Context, v int) (int, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return 0, &CapacityError{Reason: "rate limited"}
		}
		return v, nil
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	require.Equal(t, 1, out[0].Value)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestRun_NonCapacityErrorIsTerminalPerItem(t *testing.T) {
	cfg := DefaultConfig()
	items := []int{1, 2, 3}
	out, err := Run(context.Background(), cfg, items, func(_ context.Context, v int) (int, error) {
		if v == 2 {
			return 0, errAlways
		}
		return v, nil
	})
	require.NoError(t, err)
	require.NoError(t, out[0].Err)
	require.Error(t, out[1].Err)
	require.NoError(t, out[2].Err)
}

var errAlways = &staticErr{"boom"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	bad := DefaultConfig()
	bad.PoolSize = 0
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BackoffMultiplier = 1
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxDispatchDelay = -1
	require.Error(t, bad.Validate())
}
