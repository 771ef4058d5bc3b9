package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBind(t *testing.T) {
	t.Run("rejects nil arguments", func(t *testing.T) {
		r := NewRegistry()
		assert.ErrorIs(t, r.Bind(nil, newFakeFactory("f")), ErrInvalidArgument)
		assert.ErrorIs(t, r.Bind(endpoint("a"), nil), ErrInvalidArgument)
	})

	t.Run("generates id for empty endpoint id", func(t *testing.T) {
		r := NewRegistry()
		ep := endpoint("")
		require.NoError(t, r.Bind(ep, newFakeFactory("f")))

		assert.True(t, strings.HasPrefix(ep.ID(), GeneratedIDPrefix))
		_, err := r.Lookup(ep.ID())
		assert.NoError(t, err)
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		r := NewRegistry()
		f := newFakeFactory("f")
		require.NoError(t, r.Bind(endpoint("dup"), f))

		err := r.Bind(endpoint("dup"), f)
		assert.ErrorIs(t, err, ErrDuplicateEndpoint)
		assert.Equal(t, 1, f.count())
	})

	t.Run("propagates container creation errors unchanged", func(t *testing.T) {
		r := NewRegistry()
		original := &ContainerCreationError{EndpointID: "a", Err: errors.New("no queues")}
		f := ContainerFactoryFunc(func(Endpoint) (Container, error) { return nil, original })

		err := r.Bind(endpoint("a"), f)
		assert.Same(t, original, err)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("nil container is a creation error", func(t *testing.T) {
		r := NewRegistry()
		f := ContainerFactoryFunc(func(Endpoint) (Container, error) { return nil, nil })
		assert.ErrorIs(t, r.Bind(endpoint("a"), f), ErrContainerCreation)
	})

	t.Run("lookup returns the same container every time", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Bind(endpoint("a"), newFakeFactory("f")))

		first, err := r.Lookup("a")
		require.NoError(t, err)
		second, err := r.Lookup("a")
		require.NoError(t, err)
		assert.Same(t, first, second)

		_, err = r.Lookup("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list all keeps insertion order", func(t *testing.T) {
		r := NewRegistry()
		f := newFakeFactory("f")
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, r.Bind(endpoint(id), f))
		}
		assert.Equal(t, []string{"c", "a", "b"}, r.IDs())

		all := r.ListAll()
		require.Len(t, all, 3)
		for i, c := range all {
			assert.Same(t, f.created[i], c)
		}
	})

	t.Run("concurrent binds keep ids unique", func(t *testing.T) {
		r := NewRegistry()
		f := newFakeFactory("f")

		var wg sync.WaitGroup
		errs := make(chan error, 40)
		for i := 0; i < 20; i++ {
			wg.Add(2)
			id := fmt.Sprintf("ep-%d", i)
			for j := 0; j < 2; j++ {
				go func() {
					defer wg.Done()
					errs <- r.Bind(endpoint(id), f)
				}()
			}
		}
		wg.Wait()
		close(errs)

		var dups int
		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrDuplicateEndpoint)
				dups++
			}
		}
		assert.Equal(t, 20, dups)
		assert.Equal(t, 20, r.Len())
	})
}

func TestRegistryLifecycle(t *testing.T) {
	bindN := func(t *testing.T, n int) (*Registry, []*fakeContainer) {
		t.Helper()
		r := NewRegistry()
		f := newFakeFactory("f")
		for i := 1; i <= n; i++ {
			require.NoError(t, r.Bind(endpoint(fmt.Sprintf("c%d", i)), f))
		}
		return r, f.created
	}

	t.Run("start failure is isolated and aggregated", func(t *testing.T) {
		r, containers := bindN(t, 3)
		containers[1].startErr = errors.New("broker refused")

		err := r.StartAll(context.Background())
		var lifecycle *LifecycleError
		require.ErrorAs(t, err, &lifecycle)
		assert.Equal(t, "start", lifecycle.Op)
		assert.Equal(t, []string{"c2"}, lifecycle.FailedIDs())
		assert.ErrorIs(t, err, ErrLifecycle)
		assert.ErrorIs(t, err, containers[1].startErr)

		for _, c := range containers {
			assert.Equal(t, 1, c.starts)
		}
		assert.True(t, containers[0].IsRunning())
		assert.False(t, containers[1].IsRunning())
		assert.True(t, containers[2].IsRunning())

		state, _ := r.State("c2")
		assert.Equal(t, StateBound, state)
	})

	t.Run("every failing container is named", func(t *testing.T) {
		r, containers := bindN(t, 4)
		containers[0].startErr = errors.New("a")
		containers[3].startErr = errors.New("b")

		err := r.StartAll(context.Background())
		var lifecycle *LifecycleError
		require.ErrorAs(t, err, &lifecycle)
		assert.Equal(t, []string{"c1", "c4"}, lifecycle.FailedIDs())
	})

	t.Run("stop only touches started containers", func(t *testing.T) {
		r, containers := bindN(t, 3)
		containers[1].startErr = errors.New("boom")
		_ = r.StartAll(context.Background())

		require.NoError(t, r.StopAll(context.Background()))
		assert.Equal(t, 1, containers[0].stops)
		assert.Equal(t, 0, containers[1].stops)
		assert.Equal(t, 1, containers[2].stops)
	})

	t.Run("stop failures are aggregated", func(t *testing.T) {
		r, containers := bindN(t, 3)
		require.NoError(t, r.StartAll(context.Background()))
		containers[0].stopErr = errors.New("timeout")

		err := r.StopAll(context.Background())
		var lifecycle *LifecycleError
		require.ErrorAs(t, err, &lifecycle)
		assert.Equal(t, "stop", lifecycle.Op)
		assert.Equal(t, []string{"c1"}, lifecycle.FailedIDs())
		assert.Equal(t, 1, containers[2].stops)
	})

	t.Run("restart is allowed", func(t *testing.T) {
		r, containers := bindN(t, 1)
		ctx := context.Background()
		require.NoError(t, r.StartAll(ctx))
		require.NoError(t, r.StartAll(ctx))
		require.NoError(t, r.StopAll(ctx))
		require.NoError(t, r.StartAll(ctx))

		assert.Equal(t, 2, containers[0].starts)
		state, _ := r.State("c1")
		assert.Equal(t, StateStarted, state)
	})

	t.Run("shutdown destroys stopped containers only", func(t *testing.T) {
		r, containers := bindN(t, 2)
		containers[1].startErr = errors.New("never started")
		_ = r.StartAll(context.Background())

		require.NoError(t, r.Shutdown(context.Background()))
		assert.True(t, containers[0].destroyed)
		assert.False(t, containers[1].destroyed)

		state, _ := r.State("c1")
		assert.Equal(t, StateDestroyed, state)
		state, _ = r.State("c2")
		assert.Equal(t, StateBound, state)

		require.NoError(t, r.StartAll(context.Background()))
		assert.Equal(t, 1, containers[0].starts)
	})

	t.Run("destroyed ids stay reserved", func(t *testing.T) {
		r, _ := bindN(t, 1)
		require.NoError(t, r.StartAll(context.Background()))
		require.NoError(t, r.Shutdown(context.Background()))
		assert.ErrorIs(t, r.Bind(endpoint("c1"), newFakeFactory("f")), ErrDuplicateEndpoint)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "bound", StateBound.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
}
