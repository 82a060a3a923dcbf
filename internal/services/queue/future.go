package queue

import (
	"context"
	"sync"

	"github.com/cf-ai-groupchat-go/internal/models"
)

// Future is the pending outcome of an enqueued request
type Future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result models.GenerationResult
	err    error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the request id
func (f *Future) ID() string { return f.id }

// Done is closed once the request reached a terminal state
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the request finishes or ctx ends. The error is
// models.ErrRequestCancelled when the request was cleared before dispatch;
// provider failures never surface here, they resolve as fallback results.
func (f *Future) Wait(ctx context.Context) (models.GenerationResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return models.GenerationResult{}, ctx.Err()
	}
}

func (f *Future) resolve(res models.GenerationResult, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
	})
}
