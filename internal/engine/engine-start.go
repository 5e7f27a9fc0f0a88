package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kode4food/stalwart/pkg/log"
)

// Start initializes the store, joins the replica registry, and launches the
// lease, scheduler, membership, and watchdog loops. Flow types can no longer
// be registered once Start has been called
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	slog.Info("Engine starting",
		log.ReplicaID(e.ReplicaID()))

	if err := e.initialize(e.ctx); err != nil {
		e.cancel()
		return err
	}

	e.leases.Start(e.ctx)
	e.wg.Go(func() {
		e.scheduler.Run(e.ctx)
	})
	e.wg.Go(func() {
		e.replicas.Run(e.ctx)
	})
	for _, ft := range e.registry.all() {
		for _, s := range strategies {
			r := newRestarter(e, ft, s)
			e.wg.Go(func() {
				r.Run(e.ctx)
			})
		}
	}

	e.ready.Store(true)
	slog.Info("Engine started",
		log.ReplicaID(e.ReplicaID()),
		slog.Int("flow_types", len(e.registry.Types())))
	return nil
}

func (e *Engine) initialize(ctx context.Context) error {
	if err := e.store.Initialize(ctx); err != nil {
		return fmt.Errorf("store initialize: %w", err)
	}
	if err := e.registry.seal(ctx, e); err != nil {
		return err
	}
	if err := e.replicas.Initialize(ctx); err != nil {
		return fmt.Errorf("replica initialize: %w", err)
	}
	return nil
}
