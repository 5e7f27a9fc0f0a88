// Package lease keeps the store's lease expiry fresh for every flow this
// replica is executing, batching renewals per configured lease length
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kode4food/stalwart/internal/fault"
	"github.com/kode4food/stalwart/internal/metrics"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/util/call"
)

type (
	// Store is the part of the storage contract leases depend on
	Store interface {
		RenewLeases(
			ctx context.Context, leases []api.LeaseUpdate, leaseExpiration int64,
		) (int, error)
		GetFunctionsStatus(
			ctx context.Context, ids []api.StoredID,
		) ([]api.StatusAndEpoch, error)
	}

	// Config carries the collaborators shared by every Aggregator
	Config struct {
		Store    Store
		Reporter fault.Reporter
		Metrics  *metrics.Metrics
		Clock    func() time.Time
	}

	// Aggregator renews the leases of every tracked flow sharing one lease
	// length
	Aggregator struct {
		Config
		length  time.Duration
		mu      sync.Mutex
		entries map[api.StoredID]entry
		wake    chan struct{}
	}

	entry struct {
		epoch   api.Epoch
		expires int64
	}
)

const (
	minWait    = 10 * time.Millisecond
	maxRetry   = time.Second
	idleWait   = time.Hour
	lengthAttr = "lease_length"
)

// NewAggregator creates an Aggregator for the given lease length. A
// non-positive length produces an inert Aggregator whose Run returns
// immediately
func NewAggregator(cfg Config, length time.Duration) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Reporter == nil {
		cfg.Reporter = fault.Logger()
	}
	return &Aggregator{
		Config:  cfg,
		length:  length,
		entries: map[api.StoredID]entry{},
		wake:    make(chan struct{}, 1),
	}
}

// Length returns the lease length this Aggregator renews for
func (a *Aggregator) Length() time.Duration {
	return a.length
}

// Inert reports whether leases of this length are never renewed
func (a *Aggregator) Inert() bool {
	return a.length <= 0
}

// Set registers or refreshes a flow for renewal. It does nothing if a higher
// epoch of the flow is already tracked
func (a *Aggregator) Set(id api.StoredID, epoch api.Epoch, expires int64) {
	a.mu.Lock()
	if cur, ok := a.entries[id]; ok && cur.epoch > epoch {
		a.mu.Unlock()
		return
	}
	a.entries[id] = entry{epoch: epoch, expires: expires}
	a.mu.Unlock()
	a.updateGauge()
	a.notify()
}

// ConditionalRemove stops renewing a flow only if it is still tracked at the
// given epoch
func (a *Aggregator) ConditionalRemove(id api.StoredID, epoch api.Epoch) {
	a.mu.Lock()
	cur, ok := a.entries[id]
	if !ok || cur.epoch != epoch {
		a.mu.Unlock()
		return
	}
	delete(a.entries, id)
	a.mu.Unlock()
	a.updateGauge()
}

// Track registers a flow and returns the release that conditionally removes
// it again
func (a *Aggregator) Track(
	id api.StoredID, epoch api.Epoch, expires int64,
) call.Release {
	a.Set(id, epoch, expires)
	return call.Once(func() {
		a.ConditionalRemove(id, epoch)
	})
}

// Contains reports whether the flow is tracked at the given epoch or later
func (a *Aggregator) Contains(id api.StoredID, epoch api.Epoch) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.entries[id]
	return ok && cur.epoch >= epoch
}

// FilterOutContains returns the candidates this Aggregator is not renewing
func (a *Aggregator) FilterOutContains(
	candidates []api.IDAndEpoch,
) []api.IDAndEpoch {
	res := make([]api.IDAndEpoch, 0, len(candidates))
	for _, c := range candidates {
		if !a.Contains(c.ID, c.Epoch) {
			res = append(res, c)
		}
	}
	return res
}

// Len returns the number of tracked flows
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Run renews due leases until ctx is done. Store failures are reported and
// retried; they never end the loop
func (a *Aggregator) Run(ctx context.Context) {
	if a.Inert() {
		return
	}
	timer := time.NewTimer(a.renewDue(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-timer.C:
		}
		timer.Reset(a.renewDue(ctx))
	}
}

// renewDue renews every lease within half a lease length of expiry and
// returns how long to wait before the next pass
func (a *Aggregator) renewDue(ctx context.Context) time.Duration {
	now := a.Clock()
	half := a.length / 2
	threshold := now.Add(half).UnixMilli()

	due, next := a.collectDue(threshold)
	if len(due) == 0 {
		return a.untilDue(now, next, idleWait)
	}

	expires := api.LeaseExpiry(now, a.length)
	n, err := a.Store.RenewLeases(ctx, due, expires)
	if err != nil {
		a.report(err)
		return a.retryDelay()
	}
	if a.Metrics != nil {
		a.Metrics.LeaseRenewals.Add(float64(n))
	}

	if n == len(due) {
		a.advance(due, expires)
		return a.untilDue(now, next, half)
	}
	if err := a.reconcile(ctx, due); err != nil {
		a.report(err)
		return a.retryDelay()
	}
	return minWait
}

// untilDue returns how long to wait before the lease expiring at next falls
// within half a lease length of expiry, capped at limit. A zero next has no
// pending lease
func (a *Aggregator) untilDue(
	now time.Time, next int64, limit time.Duration,
) time.Duration {
	wait := limit
	if next != 0 {
		wait = min(wait, time.UnixMilli(next).Add(-a.length/2).Sub(now))
	}
	return max(wait, minWait)
}

func (a *Aggregator) collectDue(threshold int64) ([]api.LeaseUpdate, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var due []api.LeaseUpdate
	var next int64
	for id, e := range a.entries {
		if e.expires <= threshold {
			due = append(due, api.LeaseUpdate{ID: id, ExpectedEpoch: e.epoch})
			continue
		}
		if next == 0 || e.expires < next {
			next = e.expires
		}
	}
	return due, next
}

func (a *Aggregator) advance(renewed []api.LeaseUpdate, expires int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range renewed {
		if cur, ok := a.entries[l.ID]; ok && cur.epoch == l.ExpectedEpoch {
			a.entries[l.ID] = entry{epoch: cur.epoch, expires: expires}
		}
	}
}

// reconcile consults the store after a partial renewal, evicting every flow
// that is no longer Executing at the tracked epoch
func (a *Aggregator) reconcile(
	ctx context.Context, due []api.LeaseUpdate,
) error {
	ids := make([]api.StoredID, len(due))
	for i, l := range due {
		ids[i] = l.ID
	}
	statuses, err := a.Store.GetFunctionsStatus(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[api.StoredID]api.StatusAndEpoch, len(statuses))
	for _, st := range statuses {
		byID[st.ID] = st
	}

	evicted := 0
	a.mu.Lock()
	for _, l := range due {
		cur, ok := a.entries[l.ID]
		if !ok || cur.epoch != l.ExpectedEpoch {
			continue
		}
		st, found := byID[l.ID]
		if !found || st.Status != api.StatusExecuting || st.Epoch != cur.epoch {
			delete(a.entries, l.ID)
			evicted++
			continue
		}
		a.entries[l.ID] = entry{epoch: cur.epoch, expires: st.Expires}
	}
	a.mu.Unlock()

	if evicted > 0 {
		slog.Debug("Evicted stale leases",
			slog.Int("count", evicted),
			slog.Duration(lengthAttr, a.length))
		if a.Metrics != nil {
			a.Metrics.LeaseEvictions.Add(float64(evicted))
		}
		a.updateGauge()
	}
	return nil
}

func (a *Aggregator) retryDelay() time.Duration {
	return max(min(a.length/4, maxRetry), minWait)
}

func (a *Aggregator) report(err error) {
	a.Reporter.Report(fault.New(fault.ComponentLease, err))
}

func (a *Aggregator) notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Aggregator) updateGauge() {
	if a.Metrics == nil {
		return
	}
	a.Metrics.LeasesTracked.WithLabelValues(a.length.String()).
		Set(float64(a.Len()))
}
