package engine

import (
	"context"
	"time"

	"github.com/kode4food/stalwart/internal/engine/flowopt"
	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/metrics"
	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	crashedStrategy   struct{}
	postponedStrategy struct{}
)

var (
	// Crashed restarts Executing flows whose lease has expired
	Crashed Strategy = crashedStrategy{}

	// Postponed restarts Postponed flows whose resume time has passed
	Postponed Strategy = postponedStrategy{}

	strategies = []Strategy{Crashed, Postponed}
)

func (crashedStrategy) Component() string {
	return fault.ComponentCrashed
}

func (crashedStrategy) Cause() string {
	return metrics.CauseCrashed
}

func (crashedStrategy) Frequency(opts *flowopt.Options) time.Duration {
	return opts.CrashCheckFrequency
}

func (crashedStrategy) Eligible(
	ctx context.Context, st store.FlowStore, typ api.StoredType, now time.Time,
) ([]api.IDAndEpoch, error) {
	return st.GetCrashedFunctions(ctx, typ, now.UnixMilli())
}

func (postponedStrategy) Component() string {
	return fault.ComponentPostponed
}

func (postponedStrategy) Cause() string {
	return metrics.CausePostponed
}

func (postponedStrategy) Frequency(opts *flowopt.Options) time.Duration {
	return opts.PostponedCheckFrequency
}

func (postponedStrategy) Eligible(
	ctx context.Context, st store.FlowStore, typ api.StoredType, now time.Time,
) ([]api.IDAndEpoch, error) {
	return st.GetPostponedFunctions(ctx, typ, now.UnixMilli())
}
