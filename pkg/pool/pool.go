package pool

import (
	"fmt"
	"sync"
)

// Resettable objects are zeroed automatically on Put.
type Resettable interface {
	Reset()
}

// Pool is a typed wrapper around sync.Pool. The constructor is validated
// once so Get never needs a checked assertion on the hot path.
type Pool[T any] struct {
	pool sync.Pool
}

func New[T any](newFn func() T) (*Pool[T], error) {
	if newFn == nil {
		return nil, fmt.Errorf("pool: constructor must not be nil")
	}
	if any(newFn()) == nil {
		return nil, fmt.Errorf("pool: constructor returned nil")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any { return newFn() },
		},
	}, nil
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // constructor validated in New
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
