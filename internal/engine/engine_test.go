package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/assert/helpers"
	"github.com/kode4food/stalwart/internal/engine"
	"github.com/kode4food/stalwart/internal/shutdown"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
)

func TestNew(t *testing.T) {
	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		assert.NotNil(t, env.Engine)
		assert.False(t, env.Engine.IsRunning())
		assert.Equal(t, helpers.TestReplicaID, env.Engine.ReplicaID())
		assert.Zero(t, env.Engine.Running())
	})
}

func TestNewMissingDependency(t *testing.T) {
	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		tests := []struct {
			name string
			edit func(*engine.Dependencies)
		}{
			{
				name: "store",
				edit: func(deps *engine.Dependencies) {
					deps.Store = nil
				},
			},
			{
				name: "registry",
				edit: func(deps *engine.Dependencies) {
					deps.Registry = nil
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				deps := env.Dependencies(engine.NewRegistry())
				tt.edit(&deps)

				eng, err := engine.New(helpers.NewTestConfig(), deps)
				assert.Nil(t, eng)
				assert.True(t, errors.Is(err, engine.ErrMissingDependency))
			})
		}
	})
}

func TestNewInvalidConfig(t *testing.T) {
	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		cfg := helpers.NewTestConfig()
		cfg.Flow.MaxParallelRetries = 0

		eng, err := engine.New(cfg, env.Dependencies(engine.NewRegistry()))
		assert.Nil(t, eng)
		assert.ErrorIs(t, err, engine.ErrInvalidConfig)
	})
}

func TestStartTwice(t *testing.T) {
	helpers.WithStartedEngine(t, nil, func(env *helpers.TestEngineEnv) {
		assert.True(t, env.Engine.IsRunning())
		assert.ErrorIs(t, env.Engine.Start(), engine.ErrAlreadyStarted)
	})
}

func TestStopNotStarted(t *testing.T) {
	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		assert.ErrorIs(t, env.Engine.Stop(), engine.ErrNotStarted)
	})
}

func TestStopIdempotent(t *testing.T) {
	helpers.WithStartedEngine(t, nil, func(env *helpers.TestEngineEnv) {
		assert.NoError(t, env.Engine.Stop())
		assert.NoError(t, env.Engine.Stop())
		assert.False(t, env.Engine.IsRunning())
	})
}

func TestOperationsBeforeStart(t *testing.T) {
	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		fl := registerEcho(t, env.Registry)

		_, err := fl.Run(context.Background(), "a", "hi")
		assert.ErrorIs(t, err, engine.ErrNotStarted)

		_, err = env.Engine.GetFlow(
			context.Background(), api.NewFlowID("echo", "a"),
		)
		assert.ErrorIs(t, err, engine.ErrNotStarted)
	})
}

func TestUnknownFlowType(t *testing.T) {
	helpers.WithStartedEngine(t, nil, func(env *helpers.TestEngineEnv) {
		_, err := env.Engine.Schedule(
			context.Background(), api.NewFlowID("missing", "a"), nil,
		)
		assert.ErrorIs(t, err, engine.ErrUnknownFlowType)
	})
}

func TestInvalidFlowID(t *testing.T) {
	register := func(reg *engine.Registry) {
		registerEcho(t, reg)
	}
	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		_, err := env.Engine.Schedule(
			context.Background(), api.NewFlowID("echo", "bad id"), nil,
		)
		assert.Error(t, err)
	})
}

func TestCluster(t *testing.T) {
	helpers.WithStartedEngine(t, nil, func(env *helpers.TestEngineEnv) {
		cl := env.Engine.Cluster()
		assert.Equal(t, helpers.TestReplicaID, cl.ReplicaID)
		assert.Equal(t, 0, cl.Offset)
		assert.Equal(t, 1, cl.Count)

		replicas, err := env.Store.Replicas().GetAll(context.Background())
		require.NoError(t, err)
		require.Len(t, replicas, 1)
		assert.Equal(t, helpers.TestReplicaID, replicas[0].ID)
	})
}

func TestClusterWithPeer(t *testing.T) {
	helpers.WithStartedEngine(t, nil, func(env *helpers.TestEngineEnv) {
		peer, err := env.NewEngineInstance("peer", engine.NewRegistry())
		require.NoError(t, err)
		require.NoError(t, peer.Start())

		assert.Eventually(t, func() bool {
			return env.Engine.Cluster().Count == 2 &&
				peer.Cluster().Count == 2
		}, 5*time.Second, 10*time.Millisecond)
		assert.NotEqual(t,
			env.Engine.Cluster().Offset, peer.Cluster().Offset,
		)

		require.NoError(t, peer.Stop())
		assert.Eventually(t, func() bool {
			return env.Engine.Cluster().Count == 1
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestStopDrainsRunningFlows(t *testing.T) {
	release := make(chan struct{})
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerBlocking(t, reg, release)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		ok, err := fl.Schedule(ctx, "a", "hi")
		require.NoError(t, err)
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			return env.Engine.Running() == 1
		}, 5*time.Second, 10*time.Millisecond)

		stopped := make(chan error, 1)
		go func() {
			stopped <- env.Engine.Stop()
		}()

		assert.Eventually(t, func() bool {
			return !env.Engine.IsRunning()
		}, 5*time.Second, 10*time.Millisecond)

		_, err = fl.Schedule(ctx, "b", "refused")
		assert.ErrorIs(t, err, engine.ErrShuttingDown)

		close(release)
		select {
		case err := <-stopped:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}

		f, err := fl.Status(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, api.StatusSucceeded, f.Status)
	})
}

func TestStopWaitsForScheduleAt(t *testing.T) {
	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		gated := &gatedStore{
			Store:   env.Store,
			entered: make(chan struct{}),
			gate:    make(chan struct{}),
		}
		reg := engine.NewRegistry()
		registerEcho(t, reg)
		deps := env.Dependencies(reg)
		deps.Store = gated
		eng, err := engine.New(env.Config, deps)
		require.NoError(t, err)
		require.NoError(t, eng.Start())

		id := api.NewFlowID("echo", "later")
		at := time.Now().Add(time.Hour)
		scheduled := make(chan error, 1)
		go func() {
			_, err := eng.ScheduleAt(context.Background(), id, nil, at)
			scheduled <- err
		}()
		<-gated.entered

		stopped := make(chan error, 1)
		go func() {
			stopped <- eng.Stop()
		}()
		assert.Eventually(t, func() bool {
			return !eng.IsRunning()
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, eng.Running())
		select {
		case <-stopped:
			t.Fatal("engine stopped during admission")
		case <-time.After(50 * time.Millisecond):
		}

		_, err = eng.ScheduleAt(context.Background(),
			api.NewFlowID("echo", "refused"), nil, at,
		)
		assert.ErrorIs(t, err, engine.ErrShuttingDown)

		close(gated.gate)
		assert.NoError(t, <-scheduled)
		select {
		case err := <-stopped:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not stop")
		}
	})
}

func TestStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	helpers.WithTestEnv(t, func(env *helpers.TestEngineEnv) {
		env.Config.ShutdownTimeout = 100 * time.Millisecond
		fl := registerBlocking(t, env.Registry, release)
		require.NoError(t, env.Engine.Start())

		_, err := fl.Schedule(context.Background(), "a", "hi")
		require.NoError(t, err)
		assert.Eventually(t, func() bool {
			return env.Engine.Running() == 1
		}, 5*time.Second, 10*time.Millisecond)

		err = env.Engine.Stop()
		assert.ErrorIs(t, err, shutdown.ErrShutdownTimeout)
	})
}

type gatedStore struct {
	store.Store
	entered chan struct{}
	gate    chan struct{}
}

// CreateFunction blocks the first postponed admission until gate closes
func (s *gatedStore) CreateFunction(
	ctx context.Context, f api.NewFlow,
) (bool, error) {
	if f.Status == api.StatusPostponed && f.ID.Instance == "later" {
		close(s.entered)
		<-s.gate
	}
	return s.Store.CreateFunction(ctx, f)
}

func registerEcho(
	t *testing.T, reg *engine.Registry,
) *engine.Flow[string, string] {
	t.Helper()
	fl, err := engine.Register(reg, "echo",
		func(
			_ context.Context, _ *engine.Workflow, in string,
		) engine.Result[string] {
			return engine.Succeed(in + "!")
		},
	)
	require.NoError(t, err)
	return fl
}

// registerBlocking registers a flow that waits for release, or for its
// context to end, before echoing its input
func registerBlocking(
	t *testing.T, reg *engine.Registry, release <-chan struct{},
) *engine.Flow[string, string] {
	t.Helper()
	fl, err := engine.Register(reg, "blocking",
		func(
			ctx context.Context, _ *engine.Workflow, in string,
		) engine.Result[string] {
			select {
			case <-release:
				return engine.Succeed(in)
			case <-ctx.Done():
				return engine.Fail[string](ctx.Err())
			}
		},
	)
	require.NoError(t, err)
	return fl
}
