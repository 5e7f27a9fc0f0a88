package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kode4food/stalwart/internal/config"
	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/lease"
	"github.com/kode4food/stalwart/internal/metrics"
	"github.com/kode4food/stalwart/internal/replica"
	"github.com/kode4food/stalwart/internal/scheduler"
	"github.com/kode4food/stalwart/internal/shutdown"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Engine admits, executes, and recovers the flows of a Registry
	Engine struct {
		config     *config.Config
		store      store.Store
		registry   *Registry
		serializer Serializer
		reporter   fault.Reporter
		metrics    *metrics.Metrics
		clock      scheduler.Clock
		leases     *lease.Registry
		shutdown   *shutdown.Coordinator
		scheduler  *scheduler.Scheduler
		replicas   *replica.Watchdog
		ctx        context.Context
		cancel     context.CancelFunc
		wg         sync.WaitGroup
		started    atomic.Bool
		ready      atomic.Bool
		stopped    atomic.Bool
	}

	// Dependencies are the collaborators an Engine is built from
	Dependencies struct {
		Store            store.Store
		Registry         *Registry
		Serializer       Serializer
		Reporter         fault.Reporter
		Metrics          *metrics.Metrics
		Clock            scheduler.Clock
		TimerConstructor scheduler.TimerConstructor
	}
)

var (
	ErrMissingDependency = errors.New("missing dependency")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrNotStarted        = errors.New("engine not started")
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrShuttingDown      = errors.New("engine shutting down")
	ErrShutdownTimeout   = errors.New("shutdown timeout exceeded")
	ErrUnknownFlowType   = errors.New("unknown flow type")
)

// New creates an Engine for the flows of deps.Registry. The engine does not
// touch the store until Start is called
func New(cfg *config.Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Serializer == nil {
		deps.Serializer = JSONSerializer{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.TimerConstructor == nil {
		deps.TimerConstructor = scheduler.NewTimer
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:     cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		serializer: deps.Serializer,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		shutdown:   shutdown.NewCoordinator(),
		scheduler:  scheduler.New(deps.Clock, deps.TimerConstructor),
		ctx:        ctx,
		cancel:     cancel,
	}
	if deps.Reporter == nil {
		deps.Reporter = fault.Logger()
	}
	e.reporter = fault.Multi(deps.Reporter, fault.Func(e.countFault))
	e.scheduler.OnError(func(err error) {
		e.reporter.Report(fault.New(fault.ComponentScheduler, err))
	})
	e.leases = lease.NewRegistry(lease.Config{
		Store:    deps.Store,
		Reporter: e.reporter,
		Metrics:  deps.Metrics,
		Clock:    deps.Clock,
	})
	e.replicas = replica.NewWatchdog(replica.Config{
		ReplicaID:          cfg.ReplicaID,
		HeartbeatFrequency: cfg.ReplicaHeartbeatFrequency,
		Store:              deps.Store,
		Scheduler:          e.scheduler,
		Reporter:           e.reporter,
		Metrics:            deps.Metrics,
		Clock:              deps.Clock,
	})

	if err := deps.Registry.bind(e); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Now returns the current wall time from Engine's configured clock
func (e *Engine) Now() time.Time {
	return e.clock()
}

// ReplicaID returns the identity this Engine stamps as owner of its flows
func (e *Engine) ReplicaID() api.ReplicaID {
	return e.config.ReplicaID
}

// Cluster returns this replica's latest view of the live cluster
func (e *Engine) Cluster() api.ClusterInfo {
	return e.replicas.Cluster()
}

// Metrics returns the instruments the Engine updates
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Registry returns the flow types the Engine executes
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Running returns the number of executions currently registered with the
// shutdown coordinator
func (e *Engine) Running() int {
	return e.shutdown.Running()
}

// IsRunning reports whether the Engine has started and not yet begun to
// shut down
func (e *Engine) IsRunning() bool {
	return e.ready.Load() && !e.shutdown.ShutdownInitiated()
}

func (e *Engine) countFault(err error) {
	e.metrics.FrameworkErrors.WithLabelValues(fault.ComponentOf(err)).Inc()
}

func (d Dependencies) validate() error {
	if d.Store == nil {
		return fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if d.Registry == nil {
		return fmt.Errorf("%w: registry", ErrMissingDependency)
	}
	return nil
}
