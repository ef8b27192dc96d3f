package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Connector lazily opens one shared handle and memoizes it. Concurrent
// callers that arrive before the first successful open share a single
// in-flight attempt. A failed attempt is not memoized and is not retried;
// the next Get starts a fresh attempt.
type Connector[T any] struct {
	open  func(context.Context) (T, error)
	group singleflight.Group

	mu     sync.RWMutex
	handle T
	ready  bool
}

// NewConnector returns a Connector that uses open to establish the handle.
func NewConnector[T any](open func(context.Context) (T, error)) *Connector[T] {
	return &Connector[T]{open: open}
}

func (c *Connector[T]) cached() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle, c.ready
}

// Get returns the memoized handle, opening it first if needed. The context
// of the caller that starts an attempt governs that attempt for everyone
// waiting on it.
func (c *Connector[T]) Get(ctx context.Context) (T, error) {
	if h, ok := c.cached(); ok {
		return h, nil
	}

	v, err, _ := c.group.Do("connect", func() (any, error) {
		if h, ok := c.cached(); ok {
			return h, nil
		}

		h, err := c.open(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.handle, c.ready = h, true
		c.mu.Unlock()
		return h, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Close releases the handle through release, if one is held, and resets the
// connector so that a later Get opens a new one.
func (c *Connector[T]) Close(release func(T) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		return nil
	}

	h := c.handle
	var zero T
	c.handle, c.ready = zero, false
	return release(h)
}
