// Package shutdown provides the process-wide gate that drains in-flight
// flows before the runtime stops
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kode4food/stalwart/pkg/util/call"
)

// Coordinator counts registered running operations and refuses new ones once
// shutdown has begun
type Coordinator struct {
	mu       sync.Mutex
	running  int
	shutdown bool
	drained  chan struct{}
}

var ErrShutdownTimeout = errors.New("shutdown timed out with work running")

// NewCoordinator creates a Coordinator
func NewCoordinator() *Coordinator {
	return &Coordinator{
		drained: make(chan struct{}),
	}
}

// RegisterRunningFunction records one more running operation and returns its
// release. Once shutdown has been signaled it returns false and no release
func (c *Coordinator) RegisterRunningFunction() (call.Release, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, false
	}
	c.running++
	return call.Once(c.release), true
}

// PerformShutdown stops admitting work and blocks until every registered
// operation has released or ctx is done
func (c *Coordinator) PerformShutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.shutdown {
		c.shutdown = true
		if c.running == 0 {
			close(c.drained)
		}
	}
	c.mu.Unlock()

	select {
	case <-c.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d running: %w",
			ErrShutdownTimeout, c.Running(), ctx.Err())
	}
}

// ShutdownInitiated reports whether PerformShutdown has been called
func (c *Coordinator) ShutdownInitiated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Running returns the number of registered operations not yet released
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
	if c.shutdown && c.running == 0 {
		close(c.drained)
	}
}
