package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the pending result of one execution. Foreground calls return an
// already-settled handle; background calls return one that settles when the
// queue drainer finishes (or abandons) the item.
type Handle struct {
	id       string
	mode     ExecutionMode
	queuedAt time.Time

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newHandle(mode ExecutionMode) *Handle {
	return &Handle{
		id:       uuid.New().String(),
		mode:     mode,
		queuedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

// ID returns the handle's unique id.
func (h *Handle) ID() string { return h.id }

// Mode returns the mode the call was routed to.
func (h *Handle) Mode() ExecutionMode { return h.mode }

// Done is closed once the handle has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle settles or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(result any) {
	h.once.Do(func() {
		h.result = result
		close(h.done)
	})
}

func (h *Handle) reject(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
