package call

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/square-key-labs/callbridge/src/models"
)

// Factory builds and initializes a handler for one call
type Factory func(ctx context.Context) (*Handler, error)

// Registry maps live call ids to their handlers. Concurrent requests for the
// same id share a single factory run.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]*Handler
	group    singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*Handler)}
}

// Get returns the live handler for callID
func (r *Registry) Get(callID string) (*Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[callID]
	return h, ok
}

// GetOrCreate returns the handler for callID, building it with factory when
// there is none. The bool reports whether this caller's factory run created
// it. Failed runs are not stored.
func (r *Registry) GetOrCreate(ctx context.Context, callID string, factory Factory) (*Handler, bool, error) {
	if h, ok := r.Get(callID); ok {
		return h, false, nil
	}

	created := false
	v, err, _ := r.group.Do(callID, func() (interface{}, error) {
		if h, ok := r.Get(callID); ok {
			return h, nil
		}
		h, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.handlers[callID] = h
		r.mu.Unlock()
		h.onFinish(func() { r.remove(callID, h) })

		created = true
		return h, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Handler), created, nil
}

// Remove forgets callID. Removing an unknown id is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, callID)
}

// remove forgets callID only while it still maps to h
func (r *Registry) remove(callID string, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[callID] == h {
		delete(r.handlers, callID)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// CloseAll ends every live call and waits for them to finalize
func (r *Registry) CloseAll(reason models.EndReason) {
	r.mu.Lock()
	handlers := make([]*Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error {
			h.End(reason)
			return nil
		})
	}
	_ = g.Wait()
}
