package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kode4food/stalwart/internal/engine/flowopt"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Func is the body of a flow type. It runs under the epoch carried by
	// wf and reports how the execution ended through its Result
	Func[P, R any] func(ctx context.Context, wf *Workflow, in P) Result[R]

	// Flow is the typed handle of a registered flow type
	Flow[P, R any] struct {
		ft  *flowType
		reg *Registry
	}
)

// Register adds a flow type to the registry and returns its typed handle
func Register[P, R any](
	reg *Registry, typ api.FlowType, fn Func[P, R], opts ...flowopt.Applier,
) (*Flow[P, R], error) {
	ft := &flowType{
		name:     typ,
		appliers: opts,
		run: func(
			ctx context.Context, wf *Workflow, ser Serializer, param []byte,
		) api.Outcome {
			var in P
			if len(param) > 0 {
				if err := ser.Unmarshal(param, &in); err != nil {
					return api.Fail(fmt.Errorf("%w: %w", ErrDecodeParam, err))
				}
			}
			return fn(ctx, wf, in).outcome(ser, wf.Now())
		},
	}
	if err := reg.add(ft); err != nil {
		return nil, err
	}
	return &Flow[P, R]{ft: ft, reg: reg}, nil
}

// Type returns the flow type name
func (f *Flow[P, R]) Type() api.FlowType {
	return f.ft.name
}

// Run admits the flow and executes it on the calling goroutine, returning
// its result. If the flow was already admitted, Run waits for the existing
// execution instead. A flow that parks itself returns ErrFlowPostponed or
// ErrFlowSuspended and a failed one returns a FlowFailedError
func (f *Flow[P, R]) Run(
	ctx context.Context, inst api.Instance, in P,
) (R, error) {
	var zero R
	e, param, err := f.prepare(inst, in)
	if err != nil {
		return zero, err
	}
	c, err := e.run(ctx, f.ft, inst, param)
	if err != nil {
		return zero, err
	}
	return decodeCompletion[R](e.serializer, f.ft.flowID(inst), c)
}

// Schedule admits the flow and executes it in the background. It returns
// false if the flow was already admitted
func (f *Flow[P, R]) Schedule(
	ctx context.Context, inst api.Instance, in P,
) (bool, error) {
	e, param, err := f.prepare(inst, in)
	if err != nil {
		return false, err
	}
	return e.Schedule(ctx, f.ft.flowID(inst), param)
}

// ScheduleAt admits the flow so that it first executes at the given time
func (f *Flow[P, R]) ScheduleAt(
	ctx context.Context, inst api.Instance, in P, at time.Time,
) (bool, error) {
	e, param, err := f.prepare(inst, in)
	if err != nil {
		return false, err
	}
	return e.ScheduleAt(ctx, f.ft.flowID(inst), param, at)
}

// Wait blocks until the flow stops Executing and returns its result
func (f *Flow[P, R]) Wait(ctx context.Context, inst api.Instance) (R, error) {
	var zero R
	e, err := f.engine(inst)
	if err != nil {
		return zero, err
	}
	c, err := e.await(ctx, f.ft, inst)
	if err != nil {
		return zero, err
	}
	return decodeCompletion[R](e.serializer, f.ft.flowID(inst), c)
}

// Status returns the stored record of the flow
func (f *Flow[P, R]) Status(
	ctx context.Context, inst api.Instance,
) (*api.StoredFlow, error) {
	e, err := f.engine(inst)
	if err != nil {
		return nil, err
	}
	return e.GetFlow(ctx, f.ft.flowID(inst))
}

// Interrupt signals the flow, waking it if it is Suspended. It returns
// false if the flow does not exist
func (f *Flow[P, R]) Interrupt(
	ctx context.Context, inst api.Instance,
) (bool, error) {
	e, err := f.engine(inst)
	if err != nil {
		return false, err
	}
	n, err := e.Interrupt(ctx, f.ft.flowID(inst))
	return n > 0, err
}

// ScheduleRestart makes a Postponed or Suspended flow due immediately
func (f *Flow[P, R]) ScheduleRestart(
	ctx context.Context, inst api.Instance,
) error {
	e, err := f.engine(inst)
	if err != nil {
		return err
	}
	return e.ScheduleRestart(ctx, f.ft.flowID(inst))
}

func (f *Flow[P, R]) engine(inst api.Instance) (*Engine, error) {
	e, err := f.reg.boundEngine()
	if err != nil {
		return nil, err
	}
	if _, err := e.flowType(f.ft.flowID(inst)); err != nil {
		return nil, err
	}
	return e, nil
}

func (f *Flow[P, R]) prepare(
	inst api.Instance, in P,
) (*Engine, []byte, error) {
	e, err := f.engine(inst)
	if err != nil {
		return nil, nil, err
	}
	param, err := e.serializer.Marshal(in)
	if err != nil {
		return nil, nil, err
	}
	return e, param, nil
}
