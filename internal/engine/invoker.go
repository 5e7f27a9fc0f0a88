package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/metrics"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/log"
	"github.com/kode4food/stalwart/pkg/util/call"
)

type (
	// admission is an execution that owns its flow at wf.Epoch. Its
	// releases run exactly once, when execution ends or is abandoned
	admission struct {
		ft       *flowType
		wf       *Workflow
		param    []byte
		releases *call.Releases
	}

	// completion is how a flow ended, from either a local execution or
	// the stored record
	completion struct {
		status    api.Status
		result    []byte
		exception *api.StoredException
	}
)

// Persist operations named in concurrency conflicts
const (
	opSucceed         = "succeed"
	opFail            = "fail"
	opPostpone        = "postpone"
	opSuspend         = "suspend"
	opScheduleRestart = "schedule restart"
)

const awaitInterval = 100 * time.Millisecond

var (
	ErrFlowPanicked = errors.New("flow panicked")
	ErrDecodeParam  = errors.New("cannot decode flow parameter")
)

// admit creates the flow record at epoch 0, owned by this replica, and
// returns the execution that must follow. It returns nil if the record
// already existed
func (e *Engine) admit(
	ctx context.Context, ft *flowType, inst api.Instance, param []byte,
) (*admission, error) {
	release, ok := e.shutdown.RegisterRunningFunction()
	if !ok {
		return nil, ErrShuttingDown
	}
	rel := call.NewReleases()
	rel.Add(release)

	now := e.clock()
	expires := api.LeaseExpiry(now, ft.opts.LeaseLength)
	id := ft.storedID(inst)
	created, err := e.store.CreateFunction(ctx, api.NewFlow{
		ID:        id,
		Param:     param,
		Status:    api.StatusExecuting,
		Expires:   expires,
		Owner:     e.ReplicaID(),
		Timestamp: now.UnixMilli(),
	})
	if err != nil || !created {
		rel.Release()
		return nil, err
	}

	e.metrics.Admitted.WithLabelValues(string(ft.name)).Inc()
	rel.Add(ft.leases.Track(id, 0, expires))
	wf := e.newWorkflow(ft, inst, 0, 0)
	slog.Debug("Flow admitted",
		log.FlowID(wf.ID),
		log.Epoch(wf.Epoch))
	return &admission{ft: ft, wf: wf, param: param, releases: rel}, nil
}

// restart bumps the epoch of a flow stored at target.Epoch and returns the
// execution that must follow. It returns nil if another executor got there
// first. The permit, if any, is held until that execution ends
func (e *Engine) restart(
	ctx context.Context, ft *flowType, target api.IDAndEpoch, cause string,
	permit call.Release,
) (*admission, error) {
	rel := call.NewReleases()
	rel.Add(permit)
	release, ok := e.shutdown.RegisterRunningFunction()
	if !ok {
		rel.Release()
		return nil, ErrShuttingDown
	}
	rel.Add(release)

	now := e.clock()
	expires := api.LeaseExpiry(now, ft.opts.LeaseLength)
	f, err := e.store.RestartExecution(
		ctx, target.ID, target.Epoch, expires, e.ReplicaID(),
	)
	if err != nil || f == nil {
		rel.Release()
		return nil, err
	}

	e.metrics.Restarts.WithLabelValues(string(ft.name), cause).Inc()
	rel.Add(ft.leases.Track(f.ID, f.Epoch, expires))
	wf := e.newWorkflow(ft, f.ID.Instance, f.Epoch, f.Interrupts)
	slog.Info("Flow restarted",
		log.FlowID(wf.ID),
		log.Epoch(wf.Epoch),
		slog.String("cause", cause))
	return &admission{ft: ft, wf: wf, param: f.Param, releases: rel}, nil
}

// execute runs the flow function and persists its outcome. A persist that
// the store rejects yields a ConcurrencyConflictError; store errors are
// returned as they are and never retried
func (e *Engine) execute(
	ctx context.Context, adm *admission,
) (api.Outcome, error) {
	defer adm.releases.Release()

	start := e.clock()
	outcome := e.invoke(ctx, adm)
	e.metrics.ObserveExecution(string(adm.ft.name), e.clock().Sub(start))

	if err := e.persist(ctx, adm, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (e *Engine) executeAsync(adm *admission) {
	e.wg.Go(func() {
		_, err := e.execute(e.ctx, adm)
		e.reportExecution(adm.wf, err)
	})
}

func (e *Engine) reportExecution(wf *Workflow, err error) {
	switch {
	case err == nil:
	case errors.Is(err, api.ErrConcurrencyConflict):
		wf.Logger().Warn("Execution superseded", log.Error(err))
	default:
		e.reporter.Report(fault.New(fault.ComponentInvoker,
			fmt.Errorf("%s: %w", wf.ID, err),
		))
	}
}

func (e *Engine) invoke(
	ctx context.Context, adm *admission,
) (res api.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			res = api.Fail(fmt.Errorf("%w: %v", ErrFlowPanicked, r))
		}
	}()
	return adm.ft.run(ctx, adm.wf, e.serializer, adm.param)
}

func (e *Engine) persist(
	ctx context.Context, adm *admission, o api.Outcome,
) error {
	wf := adm.wf
	id := wf.StoredID
	now := e.clock()
	ts := now.UnixMilli()

	var op string
	var ok bool
	var err error
	switch o.Kind {
	case api.OutcomeSucceeded:
		op = opSucceed
		ok, err = e.store.SucceedFunction(ctx, id, o.Result, ts, wf.Epoch)
	case api.OutcomeFailed:
		op = opFail
		ok, err = e.store.FailFunction(
			ctx, id, api.NewStoredException(o.Err), ts, wf.Epoch,
		)
	case api.OutcomePostponed:
		op = opPostpone
		ok, err = e.store.PostponeFunction(
			ctx, id, o.Until.UnixMilli(), ts, wf.Epoch,
		)
	default:
		op = opSuspend
		ok, err = e.store.SuspendFunction(
			ctx, id, wf.Interrupts, ts, wf.Epoch,
		)
	}
	if err != nil {
		return err
	}
	if !ok {
		e.metrics.Conflicts.WithLabelValues(string(adm.ft.name)).Inc()
		return api.NewConcurrencyConflict(wf.ID, wf.Epoch, op)
	}

	e.metrics.Outcomes.WithLabelValues(
		string(adm.ft.name), string(o.Status()),
	).Inc()
	slog.Debug("Flow outcome persisted",
		log.FlowID(wf.ID),
		log.Epoch(wf.Epoch),
		log.Status(o.Status()))

	if o.Kind == api.OutcomePostponed &&
		o.Until.Sub(now) < adm.ft.opts.PostponedCheckFrequency {
		e.scheduleLocalRestart(adm.ft,
			api.IDAndEpoch{ID: id, Epoch: wf.Epoch}, o.Until,
		)
	}
	return nil
}

// scheduleLocalRestart re-admits a parked flow at the given time without
// waiting for the postponed watchdog's next scan
func (e *Engine) scheduleLocalRestart(
	ft *flowType, target api.IDAndEpoch, at time.Time,
) {
	e.scheduler.Schedule(e.ctx, restartKey(target.ID), at,
		func(ctx context.Context) error {
			return e.localRestart(ctx, ft, target)
		},
	)
}

func (e *Engine) localRestart(
	ctx context.Context, ft *flowType, target api.IDAndEpoch,
) error {
	adm, err := e.restart(ctx, ft, target, metrics.CauseLocal, nil)
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	if err != nil {
		return err
	}
	if adm != nil {
		e.executeAsync(adm)
	}
	return nil
}

// await polls the store until the flow is no longer Executing
func (e *Engine) await(
	ctx context.Context, ft *flowType, inst api.Instance,
) (completion, error) {
	id := ft.storedID(inst)
	ticker := time.NewTicker(awaitInterval)
	defer ticker.Stop()
	for {
		f, err := e.store.GetFunction(ctx, id)
		if err != nil {
			return completion{}, err
		}
		if f == nil {
			return completion{}, fmt.Errorf("%w: %s",
				api.ErrFlowNotFound, ft.flowID(inst))
		}
		if f.Status != api.StatusExecuting {
			return completion{
				status:    f.Status,
				result:    f.Result,
				exception: f.Exception,
			}, nil
		}
		select {
		case <-ctx.Done():
			return completion{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// run admits and executes the flow inline, or waits for the existing
// execution when the flow was already admitted
func (e *Engine) run(
	ctx context.Context, ft *flowType, inst api.Instance, param []byte,
) (completion, error) {
	adm, err := e.admit(ctx, ft, inst, param)
	if err != nil {
		return completion{}, err
	}
	if adm == nil {
		return e.await(ctx, ft, inst)
	}
	o, err := e.execute(ctx, adm)
	if err != nil {
		return completion{}, err
	}
	c := completion{status: o.Status(), result: o.Result}
	if o.Kind == api.OutcomeFailed {
		c.exception = api.NewStoredException(o.Err)
	}
	return c, nil
}

func (e *Engine) newWorkflow(
	ft *flowType, inst api.Instance, epoch api.Epoch, interrupts int64,
) *Workflow {
	return &Workflow{
		ID:         ft.flowID(inst),
		StoredID:   ft.storedID(inst),
		Epoch:      epoch,
		Interrupts: interrupts,
		engine:     e,
	}
}

func decodeCompletion[R any](
	ser Serializer, id api.FlowID, c completion,
) (R, error) {
	var res R
	switch c.status {
	case api.StatusSucceeded:
		if len(c.result) == 0 {
			return res, nil
		}
		err := ser.Unmarshal(c.result, &res)
		return res, err
	case api.StatusFailed:
		exc := c.exception
		if exc == nil {
			exc = api.NewStoredException(nil)
		}
		return res, &api.FlowFailedError{
			ID:      id,
			Message: exc.Message,
			Type:    exc.Type,
		}
	case api.StatusPostponed:
		return res, fmt.Errorf("%w: %s", api.ErrFlowPostponed, id)
	case api.StatusSuspended:
		return res, fmt.Errorf("%w: %s", api.ErrFlowSuspended, id)
	default:
		return res, fmt.Errorf("%w: %s is %s",
			api.ErrUnexpectedState, id, c.status)
	}
}

func restartKey(id api.StoredID) string {
	return "flow/" + id.String() + "/restart"
}
