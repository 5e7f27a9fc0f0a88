package api

import "time"

type (
	// OutcomeKind enumerates the ways a flow execution can end
	OutcomeKind int

	// Outcome is what a flow body returns at the execution boundary. Only
	// the field matching Kind is meaningful
	Outcome struct {
		Kind   OutcomeKind
		Result []byte
		Err    error
		Until  time.Time
	}
)

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeFailed
	OutcomePostponed
	OutcomeSuspended
)

// Succeed returns an Outcome carrying a serialized result
func Succeed(result []byte) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Result: result}
}

// Fail returns an Outcome carrying the error that failed the flow
func Fail(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Postpone returns an Outcome delaying the flow until the given time
func Postpone(until time.Time) Outcome {
	return Outcome{Kind: OutcomePostponed, Until: until}
}

// Suspend returns an Outcome parking the flow until it is interrupted
func Suspend() Outcome {
	return Outcome{Kind: OutcomeSuspended}
}

// Status returns the stored status this outcome persists as
func (o Outcome) Status() Status {
	switch o.Kind {
	case OutcomeSucceeded:
		return StatusSucceeded
	case OutcomeFailed:
		return StatusFailed
	case OutcomePostponed:
		return StatusPostponed
	default:
		return StatusSuspended
	}
}
