package limit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/limit"
)

func TestTryAcquire(t *testing.T) {
	sem := limit.NewSemaphore(2)
	assert.Equal(t, 2, sem.Size())

	r1, ok := sem.TryAcquire()
	require.True(t, ok)
	r2, ok := sem.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, 0, sem.Available())

	_, ok = sem.TryAcquire()
	assert.False(t, ok)

	r1()
	r1()
	assert.Equal(t, 1, sem.Available())

	r3, ok := sem.TryAcquire()
	require.True(t, ok)
	r2()
	r3()
	assert.Equal(t, 2, sem.Available())
}

func TestAcquireBlocks(t *testing.T) {
	sem := limit.NewSemaphore(1)
	release, err := sem.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := sem.Acquire(context.Background())
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while saturated")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestAcquireCanceled(t *testing.T) {
	sem := limit.NewSemaphore(1)
	_, ok := sem.TryAcquire()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sem.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, sem.Available())
}

func TestMinimumSize(t *testing.T) {
	assert.Equal(t, 1, limit.NewSemaphore(0).Size())
}
