package assert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/internal/config"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Getter reads stored flow records
	Getter interface {
		GetFunction(
			ctx context.Context, id api.StoredID,
		) (*api.StoredFlow, error)
	}

	// Wrapper wraps testify assertions with stalwart-specific helpers
	Wrapper struct {
		*testing.T
		*assert.Assertions
	}
)

const (
	// DefaultRetryInterval is the polling interval for Eventually checks
	DefaultRetryInterval = 10 * time.Millisecond

	// DefaultTimeout bounds Eventually checks made by the flow helpers
	DefaultTimeout = 5 * time.Second
)

// New creates a new test assertion wrapper with testify's assertions plus
// stalwart-specific helpers
func New(t *testing.T) *Wrapper {
	return &Wrapper{
		T:          t,
		Assertions: assert.New(t),
	}
}

// ConfigValid asserts that a configuration is valid
func (w *Wrapper) ConfigValid(cfg *config.Config) {
	w.Helper()
	w.NoError(cfg.Validate())
	w.True(cfg.APIPort > 0 && cfg.APIPort <= config.MaxTCPPort)
	w.NotEmpty(cfg.ReplicaID)
}

// ConfigInvalid asserts that a configuration is invalid
func (w *Wrapper) ConfigInvalid(cfg *config.Config, contains string) {
	w.Helper()
	err := cfg.Validate()
	if !w.Error(err) {
		return
	}
	if contains != "" {
		w.Contains(err.Error(), contains)
	}
}

// FlowStatus asserts the stored status and epoch of a flow
func (w *Wrapper) FlowStatus(
	get Getter, id api.StoredID, status api.Status, epoch api.Epoch,
) *api.StoredFlow {
	w.Helper()
	f, err := get.GetFunction(context.Background(), id)
	if !w.NoError(err) || !w.NotNil(f, "flow %s should exist", id) {
		return nil
	}
	w.Equal(status, f.Status, "flow %s status", id)
	w.Equal(epoch, f.Epoch, "flow %s epoch", id)
	return f
}

// EventuallyFlowStatus waits until the flow is stored with the given status
// and returns the record
func (w *Wrapper) EventuallyFlowStatus(
	get Getter, id api.StoredID, status api.Status,
) *api.StoredFlow {
	w.Helper()
	var res *api.StoredFlow
	w.Eventually(func() bool {
		f, err := get.GetFunction(context.Background(), id)
		if err != nil || f == nil || f.Status != status {
			return false
		}
		res = f
		return true
	}, DefaultTimeout, "flow %s never reached %s", id, status)
	return res
}

// Eventually runs a condition repeatedly until it passes or times out
func (w *Wrapper) Eventually(
	condition func() bool, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(DefaultRetryInterval)
	}
	w.Fail(msg, args...)
}

// EventuallyWithError runs a condition that returns an error until it succeeds
// or times out
func (w *Wrapper) EventuallyWithError(
	condition func() error, timeout time.Duration, msg string, args ...any,
) {
	w.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		err := condition()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(DefaultRetryInterval)
	}
	if lastErr != nil {
		w.Fail(msg+": last error: "+lastErr.Error(), args...)
		return
	}
	w.Fail(msg, args...)
}
