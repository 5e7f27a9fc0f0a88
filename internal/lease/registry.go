package lease

import (
	"context"
	"sync"
	"time"

	"github.com/kode4food/stalwart/pkg/api"
)

// Registry owns one Aggregator per distinct lease length
type Registry struct {
	cfg  Config
	mu   sync.Mutex
	aggs map[time.Duration]*Aggregator
	ctx  context.Context
	wg   sync.WaitGroup
}

// NewRegistry creates an empty Registry
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:  cfg,
		aggs: map[time.Duration]*Aggregator{},
	}
}

// For returns the Aggregator for the lease length, creating it on first use.
// Aggregators created after Start begin renewing immediately
func (r *Registry) For(length time.Duration) *Aggregator {
	if length < 0 {
		length = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.aggs[length]; ok {
		return a
	}
	a := NewAggregator(r.cfg, length)
	r.aggs[length] = a
	if r.ctx != nil {
		r.run(a)
	}
	return a
}

// Start runs every Aggregator until ctx is done
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx != nil {
		return
	}
	r.ctx = ctx
	for _, a := range r.aggs {
		r.run(a)
	}
}

// Wait blocks until every running Aggregator has returned
func (r *Registry) Wait() {
	r.wg.Wait()
}

// FilterOutContains removes the candidates any Aggregator is renewing
func (r *Registry) FilterOutContains(
	candidates []api.IDAndEpoch,
) []api.IDAndEpoch {
	r.mu.Lock()
	aggs := make([]*Aggregator, 0, len(r.aggs))
	for _, a := range r.aggs {
		aggs = append(aggs, a)
	}
	r.mu.Unlock()

	for _, a := range aggs {
		candidates = a.FilterOutContains(candidates)
	}
	return candidates
}

// Len returns the number of flows tracked across every Aggregator
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := 0
	for _, a := range r.aggs {
		res += a.Len()
	}
	return res
}

func (r *Registry) run(a *Aggregator) {
	ctx := r.ctx
	r.wg.Go(func() {
		a.Run(ctx)
	})
}
