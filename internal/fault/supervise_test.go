package fault_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/fault"
)

func TestSuperviseRestartsFailedLoop(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	r := fault.Func(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		fault.Supervise(ctx, fault.ComponentCrashed, r, time.Millisecond,
			func(ctx context.Context) error {
				runs++
				switch runs {
				case 1:
					return errors.New("store down")
				case 2:
					panic("boom")
				}
				<-ctx.Done()
				return ctx.Err()
			},
		)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 2
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 3, runs)
	assert.Equal(t, fault.ComponentCrashed, fault.ComponentOf(reported[0]))
	assert.EqualError(t, reported[0], "crashed-watchdog: store down")
	assert.ErrorIs(t, reported[1], fault.ErrPanic)
}

func TestSuperviseStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	fault.Supervise(ctx, fault.ComponentReplica, fault.Func(func(error) {
		t.Fatal("nothing should be reported")
	}), time.Hour, func(ctx context.Context) error {
		called = true
		return ctx.Err()
	})
	assert.True(t, called)
}
