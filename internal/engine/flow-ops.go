package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kode4food/stalwart/pkg/api"
)

// Schedule admits a flow and executes it in the background. It returns
// false without executing anything if the flow was already admitted
func (e *Engine) Schedule(
	ctx context.Context, id api.FlowID, param []byte,
) (bool, error) {
	ft, err := e.flowType(id)
	if err != nil {
		return false, err
	}
	adm, err := e.admit(ctx, ft, id.Instance, param)
	if err != nil || adm == nil {
		return false, err
	}
	e.executeAsync(adm)
	return true, nil
}

// ScheduleAt admits a flow as Postponed so that it first executes at the
// given time. It returns false if the flow was already admitted
func (e *Engine) ScheduleAt(
	ctx context.Context, id api.FlowID, param []byte, at time.Time,
) (bool, error) {
	ft, err := e.flowType(id)
	if err != nil {
		return false, err
	}
	release, ok := e.shutdown.RegisterRunningFunction()
	if !ok {
		return false, ErrShuttingDown
	}
	defer release()

	now := e.clock()
	created, err := e.store.CreateFunction(ctx, api.NewFlow{
		ID:        ft.storedID(id.Instance),
		Param:     param,
		Status:    api.StatusPostponed,
		Expires:   at.UnixMilli(),
		Timestamp: now.UnixMilli(),
	})
	if err != nil || !created {
		return false, err
	}
	e.metrics.Admitted.WithLabelValues(string(ft.name)).Inc()
	if at.Sub(now) < ft.opts.PostponedCheckFrequency {
		e.scheduleLocalRestart(ft,
			api.IDAndEpoch{ID: ft.storedID(id.Instance)}, at,
		)
	}
	return true, nil
}

// GetFlow returns the stored record of a flow
func (e *Engine) GetFlow(
	ctx context.Context, id api.FlowID,
) (*api.StoredFlow, error) {
	ft, err := e.flowType(id)
	if err != nil {
		return nil, err
	}
	f, err := e.store.GetFunction(ctx, ft.storedID(id.Instance))
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrFlowNotFound, id)
	}
	return f, nil
}

// Interrupt signals the flows, waking those that are Suspended. It returns
// the number of flows that exist
func (e *Engine) Interrupt(
	ctx context.Context, ids ...api.FlowID,
) (int, error) {
	types := make([]*flowType, len(ids))
	stored := make([]api.StoredID, len(ids))
	for i, id := range ids {
		ft, err := e.flowType(id)
		if err != nil {
			return 0, err
		}
		types[i] = ft
		stored[i] = ft.storedID(id.Instance)
	}

	n, err := e.store.Interrupt(ctx, stored)
	if err != nil || n == 0 {
		return n, err
	}

	now := e.clock()
	for i, id := range stored {
		f, err := e.store.GetFunction(ctx, id)
		if err != nil {
			return n, err
		}
		if f != nil && f.Status == api.StatusPostponed &&
			f.Expires <= now.UnixMilli() {
			e.scheduleLocalRestart(types[i], f.IDAndEpoch(), now)
		}
	}
	return n, nil
}

// ScheduleRestart makes a Postponed or Suspended flow due immediately
func (e *Engine) ScheduleRestart(ctx context.Context, id api.FlowID) error {
	ft, err := e.flowType(id)
	if err != nil {
		return err
	}
	f, err := e.GetFlow(ctx, id)
	if err != nil {
		return err
	}
	switch f.Status {
	case api.StatusPostponed, api.StatusSuspended:
	default:
		return fmt.Errorf("%w: %s is %s",
			api.ErrUnexpectedState, id, f.Status)
	}

	ok, err := e.store.SetFunctionState(
		ctx, f.ID, api.StatusPostponed, 0, f.Epoch,
	)
	if err != nil {
		return err
	}
	if !ok {
		return api.NewConcurrencyConflict(id, f.Epoch, opScheduleRestart)
	}
	e.scheduleLocalRestart(ft, f.IDAndEpoch(), e.clock())
	return nil
}

// ExpiredFlows lists Executing and Postponed flows of every type whose
// expiry has passed
func (e *Engine) ExpiredFlows(
	ctx context.Context,
) ([]api.IDAndEpoch, error) {
	return e.store.GetExpiredFunctions(ctx, e.clock().UnixMilli())
}

// ResolveID maps a stored flow identity back to its FlowID
func (e *Engine) ResolveID(id api.StoredID) (api.FlowID, bool) {
	ft, ok := e.registry.byStored(id.Type)
	if !ok {
		return api.FlowID{}, false
	}
	return ft.flowID(id.Instance), true
}

func (e *Engine) flowType(id api.FlowID) (*flowType, error) {
	if !e.ready.Load() {
		return nil, ErrNotStarted
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	ft, ok := e.registry.lookup(id.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlowType, id.Type)
	}
	return ft, nil
}
