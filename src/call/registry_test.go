package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/callbridge/src/logger"
	"github.com/square-key-labs/callbridge/src/models"
)

func idleHandler() *Handler {
	return NewHandler(Deps{Logger: logger.Discard()})
}

func TestRegistryConcurrentGetOrCreateRunsFactoryOnce(t *testing.T) {
	r := NewRegistry()
	var runs atomic.Int32
	factory := func(ctx context.Context) (*Handler, error) {
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return idleHandler(), nil
	}

	const callers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*Handler, callers)
		created atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			h, isNew, err := r.GetOrCreate(context.Background(), "abc123", factory)
			assert.NoError(t, err)
			results[i] = h
			if isNew {
				created.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), created.Load())
	for _, h := range results {
		assert.Same(t, results[0], h)
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistryFailedFactoryIsNotStored(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("engine down")

	_, _, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())

	h, isNew, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return idleHandler(), nil
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotNil(t, h)
}

func TestRegistryExistingHandlerIsReturned(t *testing.T) {
	r := NewRegistry()
	first, _, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return idleHandler(), nil
	})
	require.NoError(t, err)

	second, isNew, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		t.Fatal("factory must not run for a live call")
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, first, second)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return idleHandler(), nil
	})
	require.NoError(t, err)

	r.Remove("abc123")
	r.Remove("abc123")
	r.Remove("never-existed")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryForgetsEndedCalls(t *testing.T) {
	r := NewRegistry()
	h, _, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return idleHandler(), nil
	})
	require.NoError(t, err)

	h.End(models.EndHangup)
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get("abc123")
	assert.False(t, ok)
}

func TestRegistryKeepsReplacementAfterOldHandlerEnds(t *testing.T) {
	r := NewRegistry()
	old, _, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return idleHandler(), nil
	})
	require.NoError(t, err)

	r.Remove("abc123")
	replacement, _, err := r.GetOrCreate(context.Background(), "abc123", func(ctx context.Context) (*Handler, error) {
		return idleHandler(), nil
	})
	require.NoError(t, err)

	old.End(models.EndHangup)
	got, ok := r.Get("abc123")
	require.True(t, ok)
	assert.Same(t, replacement, got)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	var handlers []*Handler
	for _, id := range []string{"a", "b", "c"} {
		h, _, err := r.GetOrCreate(context.Background(), id, func(ctx context.Context) (*Handler, error) {
			return idleHandler(), nil
		})
		require.NoError(t, err)
		handlers = append(handlers, h)
	}

	r.CloseAll(models.EndShutdown)
	assert.Equal(t, 0, r.Len())
	for _, h := range handlers {
		select {
		case <-h.Done():
		default:
			t.Fatal("handler not ended")
		}
	}
}
