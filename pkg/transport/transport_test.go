package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", NormalizeUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.Equal(t, "ffe0", NormalizeUUID(" FFE0 "))
	assert.Equal(t, CharKey("ffe0", "FFE1"), CharKey("FFE0", "ffe1"))
}

func TestRegistry(t *testing.T) {
	var (
		reg   Registry[func(int)]
		calls int
	)

	first := reg.Add(func(v int) { calls += v })
	reg.Add(func(v int) { calls += 10 * v })
	require.Equal(t, 2, reg.Len())

	for _, fn := range reg.Snapshot() {
		fn(1)
	}
	assert.Equal(t, 11, calls)

	require.NoError(t, first.Unsubscribe())
	require.NoError(t, first.Unsubscribe())
	assert.Equal(t, 1, reg.Len())
}

func TestSubscriptionFuncNil(t *testing.T) {
	var sub SubscriptionFunc
	assert.NoError(t, sub.Unsubscribe())
}

func TestRadioStateString(t *testing.T) {
	assert.Equal(t, "powered_on", RadioPoweredOn.String())
	assert.Equal(t, "unknown", RadioUnknown.String())
}

func TestRunContext(t *testing.T) {
	errFailed := errors.New("failed")
	assert.NoError(t, runContext(context.Background(), func() error { return nil }, nil))
	assert.ErrorIs(t, runContext(context.Background(), func() error { return errFailed }, nil), errFailed)

	// A stalled call is abandoned once the context is done
	var (
		stalled  = make(chan struct{})
		canceled = make(chan struct{})
	)
	defer close(stalled)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := runContext(ctx, func() error {
		<-stalled
		return nil
	}, func() { close(canceled) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-canceled:
	default:
		t.Fatalf("cancel function was not called")
	}
}
