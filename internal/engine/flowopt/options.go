package flowopt

import (
	"time"

	"github.com/kode4food/stalwart/internal/config"
)

type (
	// Options contains the recovery settings of one flow type
	Options = config.FlowConfig

	// Applier mutates Options during flow type registration
	Applier func(*Options)
)

// DefaultOptions returns a copy of base with the appliers applied
func DefaultOptions(base config.FlowConfig, apps ...Applier) *Options {
	opt := base
	ApplyOptions(&opt, apps...)
	return &opt
}

// ApplyOptions applies option appliers in order
func ApplyOptions(opt *Options, apps ...Applier) {
	for _, app := range apps {
		app(opt)
	}
}

// WithLeaseLength sets how long an execution's lease lasts between
// renewals. Zero disables renewal and the lease never expires
func WithLeaseLength(d time.Duration) Applier {
	return func(opt *Options) {
		opt.LeaseLength = d
	}
}

// WithCrashCheckFrequency sets how often expired leases are scanned for
func WithCrashCheckFrequency(d time.Duration) Applier {
	return func(opt *Options) {
		opt.CrashCheckFrequency = d
	}
}

// WithPostponedCheckFrequency sets how often due postponed flows are scanned
// for
func WithPostponedCheckFrequency(d time.Duration) Applier {
	return func(opt *Options) {
		opt.PostponedCheckFrequency = d
	}
}

// WithMaxParallelRetries bounds how many recovered executions of the type
// run at once
func WithMaxParallelRetries(n int) Applier {
	return func(opt *Options) {
		opt.MaxParallelRetries = n
	}
}
