package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/kode4food/stalwart/internal/engine/flowopt"
	"github.com/kode4food/stalwart/internal/lease"
	"github.com/kode4food/stalwart/internal/limit"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Registry holds the flow types an Engine executes. It is bound to
	// exactly one Engine and sealed once that Engine starts
	Registry struct {
		mu     sync.RWMutex
		types  map[api.FlowType]*flowType
		engine *Engine
		sealed bool
	}

	flowType struct {
		name     api.FlowType
		appliers []flowopt.Applier
		run      runFunc

		// assigned when the registry is sealed
		stored  api.StoredType
		opts    *flowopt.Options
		leases  *lease.Aggregator
		permits *limit.Semaphore
	}

	runFunc func(
		ctx context.Context, wf *Workflow, ser Serializer, param []byte,
	) api.Outcome
)

var (
	ErrInvalidFlowType    = errors.New("invalid flow type")
	ErrFlowTypeExists     = errors.New("flow type already registered")
	ErrInvalidFlowOptions = errors.New("invalid flow options")
	ErrRegistryBound      = errors.New("registry already bound to an engine")
	ErrRegistrySealed     = errors.New("registry sealed by engine start")
	ErrNotBound           = errors.New("registry not bound to an engine")
)

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		types: map[api.FlowType]*flowType{},
	}
}

// Types returns the registered flow type names in sorted order
func (r *Registry) Types() []api.FlowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]api.FlowType, 0, len(r.types))
	for name := range r.types {
		res = append(res, name)
	}
	slices.Sort(res)
	return res
}

// Contains reports whether the flow type is registered
func (r *Registry) Contains(typ api.FlowType) bool {
	_, ok := r.lookup(typ)
	return ok
}

func (r *Registry) add(ft *flowType) error {
	if ft.name == "" || api.InvalidIDChars.MatchString(string(ft.name)) {
		return fmt.Errorf("%w: %q", ErrInvalidFlowType, ft.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRegistrySealed, ft.name)
	}
	if _, ok := r.types[ft.name]; ok {
		return fmt.Errorf("%w: %s", ErrFlowTypeExists, ft.name)
	}
	r.types[ft.name] = ft
	return nil
}

func (r *Registry) lookup(typ api.FlowType) (*flowType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ft, ok := r.types[typ]
	return ft, ok
}

func (r *Registry) byStored(id api.StoredType) (*flowType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.sealed {
		return nil, false
	}
	for _, ft := range r.types {
		if ft.stored == id {
			return ft, true
		}
	}
	return nil, false
}

func (r *Registry) all() []*flowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*flowType, 0, len(r.types))
	for _, ft := range r.types {
		res = append(res, ft)
	}
	slices.SortFunc(res, func(a, b *flowType) int {
		return cmp.Compare(a.name, b.name)
	})
	return res
}

func (r *Registry) bind(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.engine != nil {
		return ErrRegistryBound
	}
	r.engine = e
	return nil
}

func (r *Registry) boundEngine() (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.engine == nil {
		return nil, ErrNotBound
	}
	return r.engine, nil
}

// seal resolves every flow type's options and stored identifier and
// prevents further registration
func (r *Registry) seal(ctx context.Context, e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil
	}
	types := e.store.Types()
	for _, ft := range r.types {
		opts := flowopt.DefaultOptions(e.config.Flow, ft.appliers...)
		if err := opts.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w",
				ErrInvalidFlowOptions, ft.name, err)
		}
		stored, err := types.InsertOrGet(ctx, ft.name)
		if err != nil {
			return err
		}
		ft.stored = stored
		ft.opts = opts
		ft.leases = e.leases.For(opts.LeaseLength)
		ft.permits = limit.NewSemaphore(opts.MaxParallelRetries)
	}
	r.sealed = true
	return nil
}

func (ft *flowType) storedID(inst api.Instance) api.StoredID {
	return api.StoredID{Type: ft.stored, Instance: inst}
}

func (ft *flowType) flowID(inst api.Instance) api.FlowID {
	return api.NewFlowID(ft.name, inst)
}
