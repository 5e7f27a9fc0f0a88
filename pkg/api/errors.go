package api

import (
	"errors"
	"fmt"
)

type (
	// ConcurrencyConflictError reports a persist or restart rejected
	// because the stored epoch no longer matched the expected one
	ConcurrencyConflictError struct {
		ID    FlowID
		Epoch Epoch
		Op    string
	}

	// FlowFailedError carries the persisted failure of a flow to callers
	// waiting for its result
	FlowFailedError struct {
		ID      FlowID
		Message string
		Type    string
	}
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnexpectedState     = errors.New("unexpected flow state")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrFlowPostponed       = errors.New("flow postponed")
	ErrFlowSuspended       = errors.New("flow suspended")
	ErrFlowFailed          = errors.New("flow failed")
)

// NewConcurrencyConflict builds a ConcurrencyConflictError
func NewConcurrencyConflict(
	id FlowID, epoch Epoch, op string,
) *ConcurrencyConflictError {
	return &ConcurrencyConflictError{ID: id, Epoch: epoch, Op: op}
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s: %s of %s at epoch %d",
		ErrConcurrencyConflict, e.Op, e.ID, e.Epoch)
}

// Is matches ErrConcurrencyConflict
func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

func (e *FlowFailedError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s (%s)",
			ErrFlowFailed, e.ID, e.Message, e.Type)
	}
	return fmt.Sprintf("%s: %s: %s", ErrFlowFailed, e.ID, e.Message)
}

// Is matches ErrFlowFailed
func (e *FlowFailedError) Is(target error) bool {
	return target == ErrFlowFailed
}

// NewStoredException converts an error into its persisted form
func NewStoredException(err error) *StoredException {
	if err == nil {
		return &StoredException{Message: "unknown failure"}
	}
	return &StoredException{
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", err),
	}
}
