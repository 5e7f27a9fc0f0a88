package helpers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/internal/config"
	"github.com/kode4food/stalwart/internal/engine"
	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/metrics"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/internal/store/memory"
	"github.com/kode4food/stalwart/internal/store/redis"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// TestEngineEnv holds all the components needed for engine testing
	TestEngineEnv struct {
		Engine   *engine.Engine
		Registry *engine.Registry
		Store    store.Store
		Config   *config.Config
		Metrics  *metrics.Metrics
		Faults   *FaultRecorder
		Redis    *miniredis.Miniredis
		Cleanup  func()
	}

	// FaultRecorder is a fault.Reporter that keeps every error it receives
	FaultRecorder struct {
		mu     sync.Mutex
		faults []error
	}
)

// TestReplicaID is the replica identity of the engine a TestEngineEnv builds
const TestReplicaID api.ReplicaID = "test-replica"

// NewTestConfig creates a configuration with debug logging and frequencies
// short enough for the watchdogs to act within a test
func NewTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LogLevel = "debug"
	cfg.ReplicaID = TestReplicaID
	cfg.ReplicaHeartbeatFrequency = 20 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Flow = config.FlowConfig{
		LeaseLength:             200 * time.Millisecond,
		CrashCheckFrequency:     20 * time.Millisecond,
		PostponedCheckFrequency: 20 * time.Millisecond,
		MaxParallelRetries:      config.DefaultMaxParallelRetries,
	}
	return cfg
}

// NewTestEngine creates a test engine environment backed by the in-memory
// store. Flow types are registered on env.Registry before starting
func NewTestEngine(t *testing.T) *TestEngineEnv {
	t.Helper()
	return newTestEngine(t, memory.New(), nil)
}

// NewRedisTestEngine creates a test engine environment backed by the redis
// store, served by an in-process miniredis
func NewRedisTestEngine(t *testing.T) *TestEngineEnv {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{
		Addr:            server.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
	t.Cleanup(func() { _ = client.Close() })
	st := redis.NewWithClient(client, "test")
	return newTestEngine(t, st, server)
}

func newTestEngine(
	t *testing.T, st store.Store, server *miniredis.Miniredis,
) *TestEngineEnv {
	t.Helper()
	env := &TestEngineEnv{
		Registry: engine.NewRegistry(),
		Store:    st,
		Config:   NewTestConfig(),
		Metrics:  metrics.NewWithRegistry(prometheus.NewRegistry()),
		Faults:   &FaultRecorder{},
		Redis:    server,
	}
	eng, err := engine.New(env.Config, env.Dependencies(env.Registry))
	assert.NoError(t, err)
	env.Engine = eng
	env.Cleanup = func() {
		if eng != nil {
			_ = eng.Stop()
		}
		_ = st.Close()
	}
	return env
}

// Dependencies returns engine dependencies that share this environment's
// store, metrics, and fault recorder
func (e *TestEngineEnv) Dependencies(
	reg *engine.Registry,
) engine.Dependencies {
	return engine.Dependencies{
		Store:    e.Store,
		Registry: reg,
		Metrics:  e.Metrics,
		Reporter: e.Faults,
	}
}

// NewEngineInstance creates another engine sharing the same store under a
// different replica identity. Used to simulate a peer replica, or a process
// restarting after a crash
func (e *TestEngineEnv) NewEngineInstance(
	id api.ReplicaID, reg *engine.Registry,
) (*engine.Engine, error) {
	cfg := *e.Config
	cfg.ReplicaID = id
	deps := e.Dependencies(reg)
	deps.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	return engine.New(&cfg, deps)
}

// GetFunction reads the stored record of a flow directly from the store
func (e *TestEngineEnv) GetFunction(
	ctx context.Context, id api.StoredID,
) (*api.StoredFlow, error) {
	return e.Store.GetFunction(ctx, id)
}

// StoredID resolves the stored identity of a flow through the store's type
// registry
func (e *TestEngineEnv) StoredID(id api.FlowID) (api.StoredID, error) {
	typ, err := e.Store.Types().InsertOrGet(context.Background(), id.Type)
	if err != nil {
		return api.StoredID{}, err
	}
	return api.StoredID{Type: typ, Instance: id.Instance}, nil
}

// Report records err
func (r *FaultRecorder) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, err)
}

// Faults returns a copy of every recorded error
func (r *FaultRecorder) Faults() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]error, len(r.faults))
	copy(res, r.faults)
	return res
}

// Components returns the component of every recorded error, in order
func (r *FaultRecorder) Components() []string {
	faults := r.Faults()
	res := make([]string, len(faults))
	for i, err := range faults {
		res[i] = fault.ComponentOf(err)
	}
	return res
}

// WithTestEnv creates a test engine environment, executes the provided
// function with it, and ensures cleanup happens automatically
func WithTestEnv(t *testing.T, fn func(*TestEngineEnv)) {
	t.Helper()
	testEnv := NewTestEngine(t)
	defer testEnv.Cleanup()
	fn(testEnv)
}

// WithRedisTestEnv is WithTestEnv backed by the redis store
func WithRedisTestEnv(t *testing.T, fn func(*TestEngineEnv)) {
	t.Helper()
	testEnv := NewRedisTestEngine(t)
	defer testEnv.Cleanup()
	fn(testEnv)
}

// WithStartedEngine creates a test engine, lets register add flow types to
// its registry, starts it, executes the provided function with the
// environment, and ensures cleanup happens automatically
func WithStartedEngine(
	t *testing.T, register func(*engine.Registry), fn func(*TestEngineEnv),
) {
	t.Helper()
	WithTestEnv(t, func(env *TestEngineEnv) {
		if register != nil {
			register(env.Registry)
		}
		if !assert.NoError(t, env.Engine.Start()) {
			return
		}
		fn(env)
	})
}
