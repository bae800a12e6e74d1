package peerlink

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrMuxSealed is returned by Add after Seal or Close.
var ErrMuxSealed = errors.New("mux is sealed")

// Source produces items until it returns an error. io.EOF ends the
// source without being reported to the consumer.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

// Next calls f(ctx).
func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

type oneSource[T any] struct {
	item T
	done atomic.Bool
}

func (s *oneSource[T]) Next(context.Context) (T, error) {
	if s.done.Swap(true) {
		var zero T
		return zero, io.EOF
	}
	return s.item, nil
}

// One returns a source that yields item once.
func One[T any](item T) Source[T] {
	return &oneSource[T]{item: item}
}

type result[T any] struct {
	item T
	err  error
}

// Mux merges any number of sources into one sequence, yielding items in
// the order they become ready. Sources may be added while the sequence is
// being consumed. Order is preserved within a single source only.
type Mux[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan result[T]

	mu       sync.Mutex
	active   int
	sealed   bool
	finished bool
	drop     func(T)
}

// NewMux creates an empty Mux whose result queue holds size items.
func NewMux[T any](size int) *Mux[T] {
	if size < 0 {
		size = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mux[T]{
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan result[T], size),
	}
}

// Add registers src and starts pulling from it.
func (m *Mux[T]) Add(src Source[T]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrMuxSealed
	}

	m.active++
	go m.run(src)
	return nil
}

// Seal marks that no further sources will be added. Once every current
// source is exhausted, Next returns io.EOF.
func (m *Mux[T]) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sealed = true
	m.finish()
}

// Close seals the mux and cancels the context handed to its sources.
func (m *Mux[T]) Close() {
	m.cancel()
	m.Seal()
}

// OnDrop sets f to receive items pulled from a source but discarded because
// the mux closed before they were consumed.
func (m *Mux[T]) OnDrop(f func(T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = f
}

// Next returns the next ready item. A source error is returned once, after
// which that source is dropped.
func (m *Mux[T]) Next(ctx context.Context) (T, error) {
	select {
	case r, ok := <-m.results:
		if !ok {
			var zero T
			return zero, io.EOF
		}
		return r.item, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// All ranges over the sequence until it ends or ctx is done. Source errors
// are yielded alongside a zero item.
func (m *Mux[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := m.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(item, err) {
				return
			}
			if err != nil && ctx.Err() != nil {
				return
			}
		}
	}
}

func (m *Mux[T]) run(src Source[T]) {
	defer m.release()

	for {
		item, err := src.Next(m.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || m.ctx.Err() != nil {
				return
			}
			m.push(result[T]{err: err})
			return
		}

		if !m.push(result[T]{item: item}) {
			m.discard(item)
			return
		}
	}
}

func (m *Mux[T]) push(r result[T]) bool {
	select {
	case m.results <- r:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Mux[T]) discard(item T) {
	m.mu.Lock()
	drop := m.drop
	m.mu.Unlock()

	if drop != nil {
		drop(item)
	}
}

func (m *Mux[T]) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active--
	m.finish()
}

// finish closes the result queue once sealed and drained of producers.
// Callers hold m.mu.
func (m *Mux[T]) finish() {
	if m.sealed && m.active == 0 && !m.finished {
		m.finished = true
		close(m.results)
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
