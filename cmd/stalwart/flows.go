package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kode4food/stalwart/internal/engine"
)

type delayParam struct {
	Millis int64           `json:"ms"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Built-in flow types served by the stalwart binary
const (
	EchoFlow   = "echo"
	DelayFlow  = "delay"
	SignalFlow = "signal"
)

// registerFlows installs the flow types this binary can execute
func registerFlows(reg *engine.Registry) error {
	if _, err := engine.Register(reg, EchoFlow, echo); err != nil {
		return err
	}
	if _, err := engine.Register(reg, DelayFlow, delay); err != nil {
		return err
	}
	_, err := engine.Register(reg, SignalFlow, awaitSignal)
	return err
}

func echo(
	_ context.Context, _ *engine.Workflow, in json.RawMessage,
) engine.Result[json.RawMessage] {
	return engine.Succeed(in)
}

// delay parks for the requested time on its first execution and then
// completes with the supplied value
func delay(
	_ context.Context, wf *engine.Workflow, in delayParam,
) engine.Result[json.RawMessage] {
	if wf.Epoch == 0 && in.Millis > 0 {
		wf.Logger().Debug("Delaying flow")
		return engine.PostponeFor[json.RawMessage](
			time.Duration(in.Millis) * time.Millisecond,
		)
	}
	return engine.Succeed(in.Value)
}

// awaitSignal waits for an interrupt and reports how many it received
func awaitSignal(
	_ context.Context, wf *engine.Workflow, _ json.RawMessage,
) engine.Result[int64] {
	if wf.Interrupts == 0 {
		return engine.Suspend[int64]()
	}
	return engine.Succeed(wf.Interrupts)
}
