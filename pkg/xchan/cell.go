package xchan

import (
	"context"
	"sync"
	"time"
)

type Opt func(cell *Cell)

func WithTestRetard(pauseDuration time.Duration) Opt {
	return func(cell *Cell) {
		cell.testRetarder = func() {
			time.Sleep(pauseDuration)
		}
	}
}

// MakeCell returns an empty single-assignment cell: the first Set wins,
// every reader observes that same value forever.
func MakeCell(opts ...Opt) *Cell {
	c := &Cell{
		doneCh:       make(chan struct{}),
		testRetarder: func() {}, // default without retarder
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Cell struct {
	mx     sync.Mutex
	doneCh chan struct{}
	v      interface{}

	testRetarder func()
}

// Set stores v if the cell is still empty and reports whether it did.
func (c *Cell) Set(v interface{}) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	select {
	case <-c.doneCh:
		return false
	default:
		c.testRetarder() // for concurrent set test
		c.v = v
		close(c.doneCh)
	}
	return true
}

func (c *Cell) Done() <-chan struct{} {
	return c.doneCh
}

func (c *Cell) Get() (interface{}, bool) {
	select {
	case <-c.doneCh:
		return c.v, true // v is never written after doneCh is closed
	default:
		return nil, false
	}
}

// Wait blocks until the cell is set or ctx is done.
func (c *Cell) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.doneCh:
		return c.v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
