package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/assert/helpers"
	"github.com/kode4food/stalwart/internal/engine"
	"github.com/kode4food/stalwart/pkg/api"

	as "github.com/kode4food/stalwart/internal/assert"
)

func TestRunSucceeds(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerEcho(t, reg)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		res, err := fl.Run(context.Background(), "a", "hi")
		require.NoError(t, err)
		assert.Equal(t, "hi!", res)

		id := storedID(t, env, "echo", "a")
		f := as.New(t).FlowStatus(env, id, api.StatusSucceeded, 0)
		require.NotNil(t, f)
		assert.JSONEq(t, `"hi!"`, string(f.Result))
		assert.Equal(t, `"hi"`, string(f.Param))

		m := env.Metrics
		assert.Equal(t, 1.0, testutil.ToFloat64(
			m.Admitted.WithLabelValues("echo"),
		))
		assert.Equal(t, 1.0, testutil.ToFloat64(
			m.Outcomes.WithLabelValues("echo", string(api.StatusSucceeded)),
		))
	})
}

func TestRunFails(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "failing",
			func(
				_ context.Context, _ *engine.Workflow, in string,
			) engine.Result[string] {
				return engine.Fail[string](errors.New("bad " + in))
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		_, err := fl.Run(context.Background(), "a", "input")
		assert.ErrorIs(t, err, api.ErrFlowFailed)

		var failed *api.FlowFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, "bad input", failed.Message)
		assert.Equal(t, api.NewFlowID("failing", "a"), failed.ID)

		id := storedID(t, env, "failing", "a")
		f := as.New(t).FlowStatus(env, id, api.StatusFailed, 0)
		require.NotNil(t, f)
		require.NotNil(t, f.Exception)
		assert.Equal(t, "bad input", f.Exception.Message)

		_, err = fl.Wait(context.Background(), "a")
		assert.ErrorIs(t, err, api.ErrFlowFailed)
	})
}

func TestRunPanics(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "panicky",
			func(
				context.Context, *engine.Workflow, string,
			) engine.Result[string] {
				panic("kaboom")
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		_, err := fl.Run(context.Background(), "a", "x")
		var failed *api.FlowFailedError
		require.ErrorAs(t, err, &failed)
		assert.Contains(t, failed.Message, engine.ErrFlowPanicked.Error())
		assert.Contains(t, failed.Message, "kaboom")
		assert.Zero(t, env.Engine.Running())
	})
}

func TestUndecodableParam(t *testing.T) {
	register := func(reg *engine.Registry) {
		_, err := engine.Register(reg, "numbers",
			func(
				_ context.Context, _ *engine.Workflow, in int,
			) engine.Result[int] {
				return engine.Succeed(in * 2)
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ok, err := env.Engine.Schedule(context.Background(),
			api.NewFlowID("numbers", "a"), []byte(`"not a number"`),
		)
		require.NoError(t, err)
		require.True(t, ok)

		id := storedID(t, env, "numbers", "a")
		f := as.New(t).EventuallyFlowStatus(env, id, api.StatusFailed)
		require.NotNil(t, f)
		assert.Contains(t, f.Exception.Message,
			engine.ErrDecodeParam.Error(),
		)
	})
}

func TestRunIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "counted",
			func(
				_ context.Context, _ *engine.Workflow, in string,
			) engine.Result[string] {
				calls.Add(1)
				return engine.Succeed(in)
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		res, err := fl.Run(ctx, "a", "first")
		require.NoError(t, err)
		assert.Equal(t, "first", res)

		res, err = fl.Run(ctx, "a", "second")
		require.NoError(t, err)
		assert.Equal(t, "first", res)

		ok, err := fl.Schedule(ctx, "a", "third")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestRunWaitsForExistingExecution(t *testing.T) {
	release := make(chan struct{})
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerBlocking(t, reg, release)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		ok, err := fl.Schedule(ctx, "a", "original")
		require.NoError(t, err)
		require.True(t, ok)

		type result struct {
			value string
			err   error
		}
		done := make(chan result, 1)
		go func() {
			res, err := fl.Run(ctx, "a", "duplicate")
			done <- result{res, err}
		}()

		select {
		case <-done:
			t.Fatal("duplicate run should wait for the execution")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case r := <-done:
			require.NoError(t, r.err)
			assert.Equal(t, "original", r.value)
		case <-time.After(5 * time.Second):
			t.Fatal("duplicate run never completed")
		}
	})
}

func TestWaitMissingFlow(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerEcho(t, reg)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		_, err := fl.Wait(context.Background(), "missing")
		assert.ErrorIs(t, err, api.ErrFlowNotFound)

		_, err = fl.Status(context.Background(), "missing")
		assert.ErrorIs(t, err, api.ErrFlowNotFound)
	})
}

func TestPostponeThenResume(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "later",
			func(
				_ context.Context, wf *engine.Workflow, in string,
			) engine.Result[string] {
				if wf.Epoch == 0 {
					return engine.PostponeFor[string](10 * time.Millisecond)
				}
				return engine.Succeed(in)
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		_, err := fl.Run(context.Background(), "a", "resumed")
		assert.ErrorIs(t, err, api.ErrFlowPostponed)

		id := storedID(t, env, "later", "a")
		f := as.New(t).EventuallyFlowStatus(env, id, api.StatusSucceeded)
		require.NotNil(t, f)
		assert.Equal(t, api.Epoch(1), f.Epoch)

		res, err := fl.Wait(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, "resumed", res)
	})
}

func TestSuspendUntilInterrupted(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerSuspending(t, reg)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		_, err := fl.Run(ctx, "a", "x")
		assert.ErrorIs(t, err, api.ErrFlowSuspended)

		id := storedID(t, env, "suspending", "a")
		as.New(t).FlowStatus(env, id, api.StatusSuspended, 0)

		ok, err := fl.Interrupt(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		f := as.New(t).EventuallyFlowStatus(env, id, api.StatusSucceeded)
		require.NotNil(t, f)
		assert.Equal(t, int64(1), f.Interrupts)

		res, err := fl.Wait(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "woken 1", res)
	})
}

func TestInterruptDuringExecution(t *testing.T) {
	release := make(chan struct{})
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "racing",
			func(
				_ context.Context, wf *engine.Workflow, _ string,
			) engine.Result[string] {
				if wf.Interrupts > 0 {
					return engine.Succeed("interrupted")
				}
				<-release
				return engine.Suspend[string]()
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		ok, err := fl.Schedule(ctx, "a", "x")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = fl.Interrupt(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		close(release)

		id := storedID(t, env, "racing", "a")
		as.New(t).EventuallyFlowStatus(env, id, api.StatusSucceeded)

		res, err := fl.Wait(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "interrupted", res)
	})
}

func TestInterruptMissingFlow(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerSuspending(t, reg)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ok, err := fl.Interrupt(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestScheduleAt(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerEcho(t, reg)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		at := time.Now().Add(100 * time.Millisecond)
		ok, err := fl.ScheduleAt(ctx, "a", "later", at)
		require.NoError(t, err)
		require.True(t, ok)

		id := storedID(t, env, "echo", "a")
		f, err := env.GetFunction(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, f)
		if f.Status == api.StatusPostponed {
			assert.Equal(t, at.UnixMilli(), f.Expires)
			assert.Empty(t, f.Owner)
		}

		ok, err = fl.ScheduleAt(ctx, "a", "again", at)
		require.NoError(t, err)
		assert.False(t, ok)

		f = as.New(t).EventuallyFlowStatus(env, id, api.StatusSucceeded)
		require.NotNil(t, f)
		assert.Equal(t, api.Epoch(1), f.Epoch)

		res, err := fl.Wait(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "later!", res)
	})
}

func TestScheduleRestart(t *testing.T) {
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "parked",
			func(
				_ context.Context, wf *engine.Workflow, in string,
			) engine.Result[string] {
				if wf.Epoch == 0 {
					return engine.Postpone[string](wf.Now().Add(time.Hour))
				}
				return engine.Succeed(in)
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		_, err := fl.Run(ctx, "a", "restarted")
		require.ErrorIs(t, err, api.ErrFlowPostponed)

		require.NoError(t, fl.ScheduleRestart(ctx, "a"))

		id := storedID(t, env, "parked", "a")
		as.New(t).EventuallyFlowStatus(env, id, api.StatusSucceeded)

		err = fl.ScheduleRestart(ctx, "a")
		assert.ErrorIs(t, err, api.ErrUnexpectedState)

		err = fl.ScheduleRestart(ctx, "missing")
		assert.ErrorIs(t, err, api.ErrFlowNotFound)
	})
}

func TestStalePersistConflicts(t *testing.T) {
	release := make(chan struct{})
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		fl = registerBlocking(t, reg, release)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		ctx := context.Background()
		id := storedID(t, env, "blocking", "a")

		done := make(chan error, 1)
		go func() {
			_, err := fl.Run(ctx, "a", "x")
			done <- err
		}()

		as.New(t).Eventually(func() bool {
			f, err := env.GetFunction(ctx, id)
			return err == nil && f != nil
		}, as.DefaultTimeout, "flow never admitted")

		expires := time.Now().Add(50 * time.Millisecond).UnixMilli()
		f, err := env.Store.RestartExecution(ctx, id, 0, expires, "other")
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, api.Epoch(1), f.Epoch)

		close(release)
		select {
		case err := <-done:
			assert.ErrorIs(t, err, api.ErrConcurrencyConflict)
		case <-time.After(5 * time.Second):
			t.Fatal("run never completed")
		}
		assert.LessOrEqual(t, 1.0, testutil.ToFloat64(
			env.Metrics.Conflicts.WithLabelValues("blocking"),
		))

		f = as.New(t).EventuallyFlowStatus(env, id, api.StatusSucceeded)
		require.NotNil(t, f)
		assert.Greater(t, f.Epoch, api.Epoch(1))
	})
}

func TestLongExecutionKeepsLease(t *testing.T) {
	var calls atomic.Int32
	var fl *engine.Flow[string, string]
	register := func(reg *engine.Registry) {
		var err error
		fl, err = engine.Register(reg, "slow",
			func(
				ctx context.Context, _ *engine.Workflow, in string,
			) engine.Result[string] {
				calls.Add(1)
				select {
				case <-time.After(600 * time.Millisecond):
					return engine.Succeed(in)
				case <-ctx.Done():
					return engine.Fail[string](ctx.Err())
				}
			},
		)
		require.NoError(t, err)
	}

	helpers.WithStartedEngine(t, register, func(env *helpers.TestEngineEnv) {
		res, err := fl.Run(context.Background(), "a", "done")
		require.NoError(t, err)
		assert.Equal(t, "done", res)
		assert.Equal(t, int32(1), calls.Load())

		id := storedID(t, env, "slow", "a")
		as.New(t).FlowStatus(env, id, api.StatusSucceeded, 0)
		assert.Less(t, 0.0, testutil.ToFloat64(env.Metrics.LeaseRenewals))
	})
}

func registerSuspending(
	t *testing.T, reg *engine.Registry,
) *engine.Flow[string, string] {
	t.Helper()
	fl, err := engine.Register(reg, "suspending",
		func(
			_ context.Context, wf *engine.Workflow, _ string,
		) engine.Result[string] {
			if wf.Interrupts == 0 {
				return engine.Suspend[string]()
			}
			return engine.Succeed(fmt.Sprintf("woken %d", wf.Interrupts))
		},
	)
	require.NoError(t, err)
	return fl
}

func storedID(
	t *testing.T, env *helpers.TestEngineEnv, typ api.FlowType,
	inst api.Instance,
) api.StoredID {
	t.Helper()
	id, err := env.StoredID(api.NewFlowID(typ, inst))
	require.NoError(t, err)
	return id
}
