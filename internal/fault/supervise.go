package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RestartDelay is how long a supervised loop waits before restarting
const RestartDelay = 5 * time.Second

var (
	ErrPanic        = errors.New("loop panicked")
	ErrLoopReturned = errors.New("loop returned before shutdown")
)

// Supervise runs loop until ctx is done. Every error or panic that ends the
// loop early is reported under component and the loop is started again after
// delay
func Supervise(
	ctx context.Context, component string, r Reporter, delay time.Duration,
	loop func(context.Context) error,
) {
	b := backoff.WithContext(backoff.NewConstantBackOff(delay), ctx)
	_ = backoff.RetryNotify(func() error {
		err := protect(ctx, loop)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return ErrLoopReturned
		}
		return err
	}, b, func(err error, _ time.Duration) {
		r.Report(New(component, err))
	})
}

func protect(
	ctx context.Context, loop func(context.Context) error,
) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	return loop(ctx)
}
