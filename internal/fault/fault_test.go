package fault_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/fault"
)

type captureTransport struct {
	events []*sentry.Event
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("redis down")
	err := fmt.Errorf("tick: %w", fault.New(fault.ComponentLease, cause))

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, fault.ComponentLease, fault.ComponentOf(err))
	assert.Equal(t, "unknown", fault.ComponentOf(cause))
	assert.Contains(t, err.Error(), "lease: redis down")
	assert.NoError(t, fault.New(fault.ComponentLease, nil))
}

func TestErrorKeepsOriginalComponent(t *testing.T) {
	cause := errors.New("redis down")
	inner := fault.New(fault.ComponentReplica, cause)
	err := fault.New(fault.ComponentScheduler, inner)

	assert.Same(t, inner, err)
	assert.Equal(t, fault.ComponentReplica, fault.ComponentOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestLoggerReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	r := fault.LoggerTo(logger)
	r.Report(fault.New(fault.ComponentReplica, errors.New("boom")))

	out := buf.String()
	assert.Contains(t, out, "Framework error")
	assert.Contains(t, out, "component=replica-watchdog")
	assert.Contains(t, out, "boom")
}

func TestMultiAndFunc(t *testing.T) {
	var a, b []error
	r := fault.Multi(
		fault.Func(func(err error) { a = append(a, err) }),
		nil,
		fault.Func(func(err error) { b = append(b, err) }),
	)

	err := errors.New("boom")
	r.Report(err)
	assert.Equal(t, []error{err}, a)
	assert.Equal(t, []error{err}, b)
}

func TestSentryReporter(t *testing.T) {
	transport := &captureTransport{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:       "https://key@sentry.example.com/1",
		Transport: transport,
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	r := fault.Sentry(hub)
	r.Report(fault.New(fault.ComponentCrashed, errors.New("boom")))

	require.Len(t, transport.events, 1)
	ev := transport.events[0]
	assert.Equal(t, fault.ComponentCrashed, ev.Tags["component"])
	require.NotEmpty(t, ev.Exception)
}

func (t *captureTransport) Configure(sentry.ClientOptions) {}

func (t *captureTransport) SendEvent(ev *sentry.Event) {
	t.events = append(t.events, ev)
}

func (t *captureTransport) Flush(time.Duration) bool { return true }

func (t *captureTransport) FlushWithContext(context.Context) bool {
	return true
}

func (t *captureTransport) Close() {}
