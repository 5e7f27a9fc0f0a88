package engine

import (
	"time"

	"github.com/kode4food/stalwart/pkg/api"
)

// Result is what a flow function returns. Build one with Succeed, Fail,
// Postpone, PostponeFor, or Suspend
type Result[R any] struct {
	kind  api.OutcomeKind
	value R
	err   error
	until time.Time
	delay time.Duration
}

// Succeed completes the flow with a value
func Succeed[R any](v R) Result[R] {
	return Result[R]{kind: api.OutcomeSucceeded, value: v}
}

// Fail completes the flow with an error
func Fail[R any](err error) Result[R] {
	return Result[R]{kind: api.OutcomeFailed, err: err}
}

// Postpone parks the flow until the given time
func Postpone[R any](until time.Time) Result[R] {
	return Result[R]{kind: api.OutcomePostponed, until: until}
}

// PostponeFor parks the flow for a duration measured from when its outcome
// is persisted
func PostponeFor[R any](d time.Duration) Result[R] {
	return Result[R]{kind: api.OutcomePostponed, delay: d}
}

// Suspend parks the flow until it is interrupted
func Suspend[R any]() Result[R] {
	return Result[R]{kind: api.OutcomeSuspended}
}

// Kind returns which outcome the Result represents
func (r Result[R]) Kind() api.OutcomeKind {
	return r.kind
}

func (r Result[R]) outcome(
	ser Serializer, now time.Time,
) api.Outcome {
	switch r.kind {
	case api.OutcomeSucceeded:
		data, err := ser.Marshal(r.value)
		if err != nil {
			return api.Fail(err)
		}
		return api.Succeed(data)
	case api.OutcomeFailed:
		return api.Fail(r.err)
	case api.OutcomePostponed:
		if r.until.IsZero() {
			return api.Postpone(now.Add(r.delay))
		}
		return api.Postpone(r.until)
	default:
		return api.Suspend()
	}
}
