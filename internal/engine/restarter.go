package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kode4food/stalwart/internal/engine/flowopt"
	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/log"
)

type (
	// Strategy selects the flows one kind of watchdog restarts
	Strategy interface {
		// Component names the watchdog in framework errors
		Component() string

		// Cause labels the restarts in metrics
		Cause() string

		// Frequency returns how often the flow type is scanned
		Frequency(opts *flowopt.Options) time.Duration

		// Eligible lists the flows of the type due for restart at now
		Eligible(
			ctx context.Context, st store.FlowStore, typ api.StoredType,
			now time.Time,
		) ([]api.IDAndEpoch, error)
	}

	// restarter is the scanning loop shared by every Strategy
	restarter struct {
		engine   *Engine
		ft       *flowType
		strategy Strategy
	}
)

func newRestarter(e *Engine, ft *flowType, s Strategy) *restarter {
	return &restarter{
		engine:   e,
		ft:       ft,
		strategy: s,
	}
}

// Run scans after the configured startup delay until ctx is done. A failed
// scan is reported and the loop restarts after a fixed delay
func (r *restarter) Run(ctx context.Context) {
	if !sleep(ctx, r.engine.config.StartupDelay) {
		return
	}
	fault.Supervise(ctx, r.strategy.Component(), r.engine.reporter,
		fault.RestartDelay, r.loop,
	)
}

func (r *restarter) loop(ctx context.Context) error {
	freq := r.strategy.Frequency(r.ft.opts)
	for {
		start := time.Now()
		if err := r.scan(ctx); err != nil {
			return err
		}
		if !sleep(ctx, max(freq-time.Since(start), 0)) {
			return nil
		}
	}
}

// scan restarts the eligible flows this replica is not already renewing,
// those of its own partition first
func (r *restarter) scan(ctx context.Context) error {
	e := r.engine
	candidates, err := r.strategy.Eligible(
		ctx, e.store, r.ft.stored, e.clock(),
	)
	if err != nil {
		return err
	}
	candidates = e.leases.FilterOutContains(candidates)

	for _, c := range orderCandidates(candidates, e.Cluster()) {
		if ctx.Err() != nil {
			return nil
		}
		permit, ok := r.ft.permits.TryAcquire()
		if !ok {
			slog.Debug("Restart permits exhausted, skipping turn",
				log.FlowType(r.ft.name),
				log.Component(r.strategy.Component()))
			return nil
		}
		adm, err := e.restart(ctx, r.ft, c, r.strategy.Cause(), permit)
		switch {
		case errors.Is(err, ErrShuttingDown):
			return nil
		case err != nil:
			return err
		case adm == nil:
			e.metrics.Conflicts.WithLabelValues(string(r.ft.name)).Inc()
			continue
		}
		e.executeAsync(adm)
	}
	return nil
}

// orderCandidates puts the flows whose partition this replica owns first,
// shuffling each group to spread contention between replicas
func orderCandidates(
	candidates []api.IDAndEpoch, cluster api.ClusterInfo,
) []api.IDAndEpoch {
	own := make([]api.IDAndEpoch, 0, len(candidates))
	var rest []api.IDAndEpoch
	for _, c := range candidates {
		if cluster.Owns(partitionHash(c.ID)) {
			own = append(own, c)
			continue
		}
		rest = append(rest, c)
	}
	shuffle(own)
	shuffle(rest)
	return append(own, rest...)
}

func partitionHash(id api.StoredID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.String()))
	return h.Sum32()
}

func shuffle(s []api.IDAndEpoch) {
	rand.Shuffle(len(s), func(i, j int) {
		s[i], s[j] = s[j], s[i]
	})
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
