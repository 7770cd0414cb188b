// Package buffer provides a thread-safe blocking element queue used to hand
// streamed reply fragments from a producer goroutine to a consuming transport.
//
// The queue has a fixed capacity and blocks on both ends: Add blocks while
// the queue is full (back-pressure on the model provider), Next blocks while
// it is empty. CloseWrite lets the consumer drain remaining elements;
// CloseWithError tears both ends down immediately.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrDone is returned by Next after CloseWrite once the queue is drained.
var ErrDone = errors.New("buffer: done")

// Block is a fixed-capacity blocking FIFO of T.
type Block[T any] struct {
	cond *sync.Cond

	mu         sync.Mutex
	buf        []T
	head, tail int64
	closeWrite bool
	closeErr   error
}

// NewBlock creates a Block with the given capacity.
func NewBlock[T any](capacity int) *Block[T] {
	b := &Block[T]{buf: make([]T, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add appends one element, blocking while the queue is full.
// Returns an error if the queue has been closed.
func (b *Block[T]) Add(t T) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return fmt.Errorf("buffer: add to closed queue: %w", b.closeErr)
	}
	if b.closeWrite {
		return fmt.Errorf("buffer: add to closed queue: %w", io.ErrClosedPipe)
	}
	size := int64(len(b.buf))
	for b.tail-b.head == size {
		b.cond.Wait()
		if b.closeErr != nil {
			return fmt.Errorf("buffer: add to closed queue: %w", b.closeErr)
		}
		if b.closeWrite {
			return fmt.Errorf("buffer: add to closed queue: %w", io.ErrClosedPipe)
		}
	}
	b.buf[b.tail%size] = t
	b.tail++
	b.cond.Signal()
	return nil
}

// Next removes and returns the oldest element, blocking while the queue is
// empty. After CloseWrite it drains remaining elements, then returns ErrDone.
func (b *Block[T]) Next() (t T, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		err = fmt.Errorf("buffer: next on closed queue: %w", b.closeErr)
		return
	}
	for b.head == b.tail {
		if b.closeWrite {
			err = ErrDone
			return
		}
		b.cond.Wait()
		if b.closeErr != nil {
			err = fmt.Errorf("buffer: next on closed queue: %w", b.closeErr)
			return
		}
	}
	t = b.buf[b.head%int64(len(b.buf))]
	b.head++
	b.cond.Signal()
	return t, nil
}

// Len returns the number of buffered elements.
func (b *Block[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tail - b.head)
}

// CloseWrite marks the producer side closed. Pending and future Next calls
// drain the queue and then return ErrDone. Add returns an error afterwards.
func (b *Block[T]) CloseWrite() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeWrite {
		return nil
	}
	b.closeWrite = true
	b.cond.Broadcast()
	return nil
}

// Close tears the queue down immediately; pending operations are unblocked
// with io.ErrClosedPipe.
func (b *Block[T]) Close() error {
	return b.CloseWithError(nil)
}

// CloseWithError tears the queue down immediately with the given error.
// A nil err defaults to io.ErrClosedPipe. Only the first close sticks.
func (b *Block[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeErr != nil {
		return nil
	}
	b.closeErr = err
	b.closeWrite = true
	b.cond.Broadcast()
	return nil
}

// Err returns the error the queue was closed with, if any.
func (b *Block[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeErr
}
