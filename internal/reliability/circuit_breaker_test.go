package reliability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
}

func (l *recordingListener) OnStateChange(_ string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, from.String()+"->"+to.String())
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transitions...)
}

func quietBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	opts = append(opts, WithBreakerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewCircuitBreaker(opts...)
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("starts in closed state", func(t *testing.T) {
		cb := quietBreaker(WithName("orders"))
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, "orders", cb.Name())
		assert.True(t, cb.NextRetry().IsZero())
	})

	t.Run("passes through the function result", func(t *testing.T) {
		cb := quietBreaker()

		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		cb := quietBreaker(WithName("orders"), WithFailureThreshold(3), WithTimeout(time.Minute))

		for i := 0; i < 3; i++ {
			require.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
		}
		assert.Equal(t, StateOpen, cb.GetState())

		called := false
		err := cb.Execute(ctx, func() error { called = true; return nil })

		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, "orders", cbErr.Name)
		assert.WithinDuration(t, time.Now().Add(time.Minute), cbErr.NextRetry, 5*time.Second)
	})

	t.Run("half-opens after the timeout and closes on success", func(t *testing.T) {
		listener := &recordingListener{}
		cb := quietBreaker(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))
		cb.AddListener(listener)

		cb.Execute(ctx, func() error { return boom })
		require.Equal(t, StateOpen, cb.GetState())

		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, StateHalfOpen, cb.GetState())

		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, listener.snapshot())
	})

	t.Run("ignored errors do not count", func(t *testing.T) {
		permanent := errors.New("bad message")
		cb := quietBreaker(
			WithFailureThreshold(1),
			WithFailurePredicate(func(err error) bool { return err != nil && !errors.Is(err, permanent) }),
		)

		for i := 0; i < 5; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, func() error { return permanent }), permanent)
		}
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("cancelled context skips the call", func(t *testing.T) {
		cb := quietBreaker()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := cb.Execute(cancelled, func() error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
