// Package limit bounds how many recovery operations run at once
package limit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/kode4food/stalwart/pkg/util/call"
)

// Semaphore is a counting permit pool
type Semaphore struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// NewSemaphore creates a Semaphore with size permits. A size below one is
// raised to one
func NewSemaphore(size int) *Semaphore {
	if size < 1 {
		size = 1
	}
	return &Semaphore{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Acquire blocks until a permit is available or ctx is done. The returned
// release may be called any number of times
func (s *Semaphore) Acquire(ctx context.Context) (call.Release, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return s.releaser(), nil
}

// TryAcquire takes a permit only if one is immediately available
func (s *Semaphore) TryAcquire() (call.Release, bool) {
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	return s.releaser(), true
}

// Available returns the number of free permits
func (s *Semaphore) Available() int {
	return int(s.size - s.inUse.Load())
}

// Size returns the total number of permits
func (s *Semaphore) Size() int {
	return int(s.size)
}

func (s *Semaphore) releaser() call.Release {
	s.inUse.Add(1)
	return call.Once(func() {
		s.inUse.Add(-1)
		s.sem.Release(1)
	})
}
