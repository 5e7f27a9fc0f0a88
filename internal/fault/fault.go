// Package fault funnels framework errors raised by background loops into a
// single reporting hook supplied by the embedding application
package fault

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"

	"github.com/kode4food/stalwart/pkg/log"
)

type (
	// Reporter receives every framework error that a loop absorbs
	Reporter interface {
		Report(err error)
	}

	// Func adapts a function to the Reporter interface
	Func func(err error)

	// Error tags a framework error with the component that raised it
	Error struct {
		Component string
		Err       error
	}

	logReporter struct {
		logger *slog.Logger
	}

	sentryReporter struct {
		hub *sentry.Hub
	}

	multiReporter []Reporter
)

// Framework components
const (
	ComponentLease     = "lease"
	ComponentCrashed   = "crashed-watchdog"
	ComponentPostponed = "postponed-watchdog"
	ComponentReplica   = "replica-watchdog"
	ComponentScheduler = "scheduler"
	ComponentInvoker   = "invoker"
)

// New wraps err with the component that raised it. A nil err stays nil and
// an already tagged err keeps its original component
func New(component string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Component: component, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ComponentOf returns the component that raised err, if it was tagged
func ComponentOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Component
	}
	return "unknown"
}

// Report implements Reporter
func (f Func) Report(err error) {
	f(err)
}

// Logger reports errors through slog.Default at error level
func Logger() Reporter {
	return &logReporter{}
}

// LoggerTo reports errors through the given logger at error level
func LoggerTo(logger *slog.Logger) Reporter {
	return &logReporter{logger: logger}
}

func (r *logReporter) Report(err error) {
	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("Framework error",
		log.Component(ComponentOf(err)),
		log.Error(err))
}

// Sentry reports errors to the given sentry hub, tagged by component
func Sentry(hub *sentry.Hub) Reporter {
	return &sentryReporter{hub: hub}
}

func (r *sentryReporter) Report(err error) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ComponentOf(err))
		r.hub.CaptureException(err)
	})
}

// Multi reports every error to each of the given reporters
func Multi(reporters ...Reporter) Reporter {
	var res multiReporter
	for _, r := range reporters {
		if r != nil {
			res = append(res, r)
		}
	}
	return res
}

func (m multiReporter) Report(err error) {
	for _, r := range m {
		r.Report(err)
	}
}
