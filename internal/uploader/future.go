package uploader

import (
	"sync"

	"github.com/arkivault/arkivault-go/internal/store"
)

// Future is a one-shot fulfillable result handle for a queued upload.
// Exactly one fulfillment wins; later calls are no-ops.
type Future struct {
	once sync.Once
	done chan struct{}

	file *store.File
	err  error
}

// NewFuture creates an unfulfilled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete fulfills the future with an uploaded file record.
func (f *Future) Complete(file *store.File) {
	f.once.Do(func() {
		f.file = file
		close(f.done)
	})
}

// Fail fulfills the future with an error.
func (f *Future) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is fulfilled either way.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until fulfillment and returns the outcome.
func (f *Future) Result() (*store.File, error) {
	<-f.done

	return f.file, f.err
}
