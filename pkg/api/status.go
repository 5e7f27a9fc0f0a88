package api

import "github.com/kode4food/stalwart/pkg/util"

// Status is the stored state of a flow
type Status string

const (
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPostponed Status = "postponed"
	StatusSuspended Status = "suspended"
)

// FlowTransitions lists the valid status changes of a flow. Every inbound
// transition to Executing bumps the epoch
var FlowTransitions = util.StateTransitions[Status]{
	StatusExecuting: util.SetOf(
		StatusSucceeded,
		StatusFailed,
		StatusPostponed,
		StatusSuspended,
	),
	StatusPostponed: util.SetOf(
		StatusExecuting,
	),
	StatusSuspended: util.SetOf(
		StatusExecuting,
		StatusPostponed,
	),
	StatusSucceeded: {},
	StatusFailed:    {},
}

// IsTerminal returns whether the status can never change again
func (s Status) IsTerminal() bool {
	return FlowTransitions.IsTerminal(s)
}

// IsValid returns whether the status is one of the known statuses
func (s Status) IsValid() bool {
	_, ok := FlowTransitions[s]
	return ok
}

// CanTransition returns whether a flow may move from s to next
func (s Status) CanTransition(next Status) bool {
	return FlowTransitions.CanTransition(s, next)
}
