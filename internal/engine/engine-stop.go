package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/kode4food/stalwart/pkg/log"
)

const leaveTimeout = 5 * time.Second

// Stop refuses new executions, waits for running ones to finish within the
// configured shutdown timeout, then stops every background loop and leaves
// the replica registry
func (e *Engine) Stop() error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("Engine stopping",
		slog.Int("running", e.Running()))

	ctx, cancel := context.WithTimeout(
		context.Background(), e.config.ShutdownTimeout,
	)
	defer cancel()

	drainErr := e.shutdown.PerformShutdown(ctx)
	if drainErr != nil {
		slog.Warn("Running flows did not drain", log.Error(drainErr))
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.leases.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}

	e.leave()
	if drainErr != nil {
		return drainErr
	}
	slog.Info("Engine stopped")
	return nil
}

func (e *Engine) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := e.replicas.Leave(ctx); err != nil {
		slog.Error("Failed to leave replica registry", log.Error(err))
	}
}
