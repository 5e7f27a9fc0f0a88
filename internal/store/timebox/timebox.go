// Package timebox stores flows as event-sourced aggregates on a timebox
// store. Each flow is its own aggregate whose commands compare the expected
// epoch, and a separate index aggregate holds the lease view the watchdogs
// query
package timebox

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/kode4food/timebox"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/util"
)

type (
	// Store keeps flow, type, and replica records as timebox aggregates
	Store struct {
		cfg Config
		mu  sync.RWMutex
		ex  *executors
	}

	// Config locates the redis server backing the timebox stores
	Config struct {
		Addr      string
		Password  string
		DB        int
		Prefix    string
		CacheSize int
	}

	executors struct {
		tb       *timebox.Timebox
		flows    *timebox.Executor[*flowState]
		index    *timebox.Executor[*indexState]
		types    *timebox.Executor[*typeState]
		replicas *timebox.Executor[*replicaState]
	}

	// flowCommand returns the state its raised events produce, or nil when
	// it declines to change the flow
	flowCommand func(*flowState, *flowAggregator) (*flowState, error)

	typeStore    Store
	replicaStore Store
)

const (
	DefaultCacheSize = 4096

	snapshotWorkers     = 4
	snapshotQueueSize   = 1000
	snapshotSaveTimeout = 30 * time.Second
)

var (
	ErrCreateTimebox = errors.New("failed to create timebox")
	ErrCreateStore   = errors.New("failed to create timebox store")
)

var _ store.Store = (*Store)(nil)

// New creates a Store. No connection is made until Initialize
func New(cfg Config) *Store {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	return &Store{cfg: cfg}
}

// Initialize opens the timebox stores and reads the index aggregate to
// confirm the server is reachable
func (s *Store) Initialize(ctx context.Context) error {
	ex, err := s.open()
	if err != nil {
		return err
	}
	_, err = ex.index.Exec(ctx, indexKey,
		func(*indexState, *indexAggregator) error {
			return nil
		},
	)
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ex == nil {
		return nil
	}
	err := s.ex.tb.Close()
	s.ex = nil
	return err
}

func (s *Store) Types() store.TypeStore {
	return (*typeStore)(s)
}

func (s *Store) Replicas() store.ReplicaStore {
	return (*replicaStore)(s)
}

func (s *Store) open() (*executors, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ex != nil {
		return s.ex, nil
	}

	tb, err := timebox.NewTimebox(timebox.Config{
		MaxRetries: timebox.DefaultMaxRetries,
		CacheSize:  s.cfg.CacheSize,
		Workers:    true,
	})
	if err != nil {
		return nil, errors.Join(ErrCreateTimebox, err)
	}

	flows, err := tb.NewStore(s.storeConfig("flow"))
	if err != nil {
		_ = tb.Close()
		return nil, errors.Join(ErrCreateStore, err)
	}

	catalog, err := tb.NewStore(s.storeConfig("catalog"))
	if err != nil {
		_ = tb.Close()
		return nil, errors.Join(ErrCreateStore, err)
	}

	s.ex = &executors{
		tb: tb,
		flows: timebox.NewExecutor(
			flows, newFlowState, flowAppliers,
		),
		index: timebox.NewExecutor(
			catalog, newIndexState, indexAppliers,
		),
		types: timebox.NewExecutor(
			catalog, newTypeState, typeAppliers,
		),
		replicas: timebox.NewExecutor(
			catalog, newReplicaState, replicaAppliers,
		),
	}
	return s.ex, nil
}

func (s *Store) storeConfig(name string) timebox.StoreConfig {
	prefix := name
	if s.cfg.Prefix != "" {
		prefix = s.cfg.Prefix + "-" + name
	}
	return timebox.StoreConfig{
		Addr:         s.cfg.Addr,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		Prefix:       prefix,
		WorkerCount:  snapshotWorkers,
		MaxQueueSize: snapshotQueueSize,
		SaveTimeout:  snapshotSaveTimeout,
		TrimEvents:   true,
	}
}

func (s *Store) current() (*executors, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ex == nil {
		return nil, store.ErrClosed
	}
	return s.ex, nil
}

func (s *Store) CreateFunction(
	ctx context.Context, f api.NewFlow,
) (bool, error) {
	return s.mutate(ctx, f.ID,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			if st.Flow != nil {
				return nil, nil
			}
			return emit(ag, st, flowCreated, applyCreated, f)
		},
	)
}

func (s *Store) GetFunction(
	ctx context.Context, id api.StoredID,
) (*api.StoredFlow, error) {
	st, err := s.read(ctx, id)
	if err != nil || st.Flow == nil {
		return nil, err
	}
	return cloneFlow(st.Flow), nil
}

func (s *Store) RestartExecution(
	ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
	leaseExpiration int64, owner api.ReplicaID,
) (*api.StoredFlow, error) {
	var res *api.StoredFlow
	_, err := s.mutate(ctx, id,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			res = nil
			f := st.Flow
			if f == nil || f.Epoch != expectedEpoch || f.Status.IsTerminal() {
				return nil, nil
			}
			next, err := emit(ag, st, flowRestarted, applyRestarted,
				restartedEvent{Expires: leaseExpiration, Owner: owner},
			)
			if err == nil {
				res = cloneFlow(next.Flow)
			}
			return next, err
		},
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) RenewLeases(
	ctx context.Context, leases []api.LeaseUpdate, leaseExpiration int64,
) (int, error) {
	var changed []indexEntry
	for _, l := range leases {
		next, err := s.exec(ctx, l.ID,
			func(st *flowState, ag *flowAggregator) (*flowState, error) {
				f := st.Flow
				if f == nil || f.Epoch != l.ExpectedEpoch ||
					f.Status != api.StatusExecuting {
					return nil, nil
				}
				return emit(ag, st, leaseRenewed, applyRenewed,
					renewedEvent{Expires: leaseExpiration},
				)
			},
		)
		if err != nil {
			return len(changed), err
		}
		if next != nil {
			changed = append(changed, next.entry(l.ID))
		}
	}
	return len(changed), s.reindex(ctx, changed...)
}

func (s *Store) GetFunctionsStatus(
	ctx context.Context, ids []api.StoredID,
) ([]api.StatusAndEpoch, error) {
	res := make([]api.StatusAndEpoch, 0, len(ids))
	for _, id := range ids {
		st, err := s.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Flow != nil {
			res = append(res, st.Flow.StatusAndEpoch())
		}
	}
	return res, nil
}

func (s *Store) SucceedFunction(
	ctx context.Context, id api.StoredID, result []byte, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			return emit(ag, st, flowSucceeded, applySucceeded,
				succeededEvent{Result: result, Timestamp: timestamp},
			)
		},
	)
}

func (s *Store) FailFunction(
	ctx context.Context, id api.StoredID, exc *api.StoredException,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			return emit(ag, st, flowFailed, applyFailed,
				failedEvent{Exception: exc, Timestamp: timestamp},
			)
		},
	)
}

func (s *Store) PostponeFunction(
	ctx context.Context, id api.StoredID, until int64, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			return emit(ag, st, flowPostponed, applyPostponed,
				postponedEvent{Until: until, Timestamp: timestamp},
			)
		},
	)
}

func (s *Store) SuspendFunction(
	ctx context.Context, id api.StoredID, expectedInterrupts int64,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			return emit(ag, st, flowSuspended, applySuspended,
				suspendedEvent{
					ExpectedInterrupts: expectedInterrupts,
					Timestamp:          timestamp,
				},
			)
		},
	)
}

func (s *Store) SetFunctionState(
	ctx context.Context, id api.StoredID, status api.Status, expires int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	if !store.ValidTargetStatus(status) {
		return false, store.ErrInvalidStatus
	}
	return s.mutate(ctx, id,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			f := st.Flow
			if f == nil || f.Epoch != expectedEpoch || f.Status.IsTerminal() {
				return nil, nil
			}
			return emit(ag, st, flowStateSet, applyStateSet,
				stateSetEvent{Status: status, Expires: expires},
			)
		},
	)
}

func (s *Store) DeleteFunction(
	ctx context.Context, id api.StoredID,
) (bool, error) {
	return s.mutate(ctx, id,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			if st.Flow == nil {
				return nil, nil
			}
			return emit(ag, st, flowDeleted, applyDeleted, emptyEvent{})
		},
	)
}

func (s *Store) Interrupt(
	ctx context.Context, ids []api.StoredID,
) (int, error) {
	var changed []indexEntry
	for _, id := range ids {
		next, err := s.exec(ctx, id,
			func(st *flowState, ag *flowAggregator) (*flowState, error) {
				if st.Flow == nil {
					return nil, nil
				}
				return emit(ag, st, flowInterrupted, applyInterrupted,
					emptyEvent{},
				)
			},
		)
		if err != nil {
			return len(changed), err
		}
		if next != nil {
			changed = append(changed, next.entry(id))
		}
	}
	return len(changed), s.reindex(ctx, changed...)
}

func (s *Store) GetExpiredFunctions(
	ctx context.Context, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, func(e *indexEntry) bool {
		return (e.Status == api.StatusExecuting ||
			e.Status == api.StatusPostponed) && e.Expires < before
	})
}

func (s *Store) GetCrashedFunctions(
	ctx context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, func(e *indexEntry) bool {
		return e.ID.Type == typ && e.Status == api.StatusExecuting &&
			e.Expires < before
	})
}

func (s *Store) GetPostponedFunctions(
	ctx context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, func(e *indexEntry) bool {
		return e.ID.Type == typ && e.Status == api.StatusPostponed &&
			e.Expires < before
	})
}

func (s *Store) RescheduleCrashedFunctions(
	ctx context.Context, owner api.ReplicaID,
) (int, error) {
	owned, err := s.entries(ctx, func(e *indexEntry) bool {
		return e.Status == api.StatusExecuting && e.Owner == owner
	})
	if err != nil {
		return 0, err
	}

	var changed []indexEntry
	for _, e := range owned {
		next, err := s.exec(ctx, e.ID,
			func(st *flowState, ag *flowAggregator) (*flowState, error) {
				f := st.Flow
				if f == nil || f.Status != api.StatusExecuting ||
					f.Owner != owner {
					return nil, nil
				}
				return emit(ag, st, ownerReleased, applyOwnerReleased,
					emptyEvent{},
				)
			},
		)
		if err != nil {
			return len(changed), err
		}
		if next != nil {
			changed = append(changed, next.entry(e.ID))
		}
	}
	return len(changed), s.reindex(ctx, changed...)
}

func (s *Store) GetOwnerReplicas(
	ctx context.Context,
) ([]api.ReplicaID, error) {
	owned, err := s.entries(ctx, func(e *indexEntry) bool {
		return e.Status == api.StatusExecuting && e.Owner != ""
	})
	if err != nil {
		return nil, err
	}
	owners := util.Set[api.ReplicaID]{}
	for _, e := range owned {
		owners.Add(e.Owner)
	}
	return util.Sorted(owners), nil
}

// complete applies a completion to an Executing flow at expectedEpoch
func (s *Store) complete(
	ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
	cmd flowCommand,
) (bool, error) {
	return s.mutate(ctx, id,
		func(st *flowState, ag *flowAggregator) (*flowState, error) {
			f := st.Flow
			if f == nil || f.Epoch != expectedEpoch ||
				f.Status != api.StatusExecuting {
				return nil, nil
			}
			return cmd(st, ag)
		},
	)
}

// mutate runs cmd against a single flow and updates the index when the
// command changed it
func (s *Store) mutate(
	ctx context.Context, id api.StoredID, cmd flowCommand,
) (bool, error) {
	next, err := s.exec(ctx, id, cmd)
	if err != nil || next == nil {
		return false, err
	}
	return true, s.reindex(ctx, next.entry(id))
}

func (s *Store) exec(
	ctx context.Context, id api.StoredID, cmd flowCommand,
) (*flowState, error) {
	ex, err := s.current()
	if err != nil {
		return nil, err
	}
	var next *flowState
	_, err = ex.flows.Exec(ctx, flowKey(id),
		func(st *flowState, ag *flowAggregator) error {
			var err error
			next, err = cmd(st, ag)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) read(
	ctx context.Context, id api.StoredID,
) (*flowState, error) {
	var res *flowState
	_, err := s.exec(ctx, id,
		func(st *flowState, _ *flowAggregator) (*flowState, error) {
			res = st
			return nil, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) reindex(ctx context.Context, entries ...indexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ex, err := s.current()
	if err != nil {
		return err
	}
	_, err = ex.index.Exec(ctx, indexKey,
		func(st *indexState, ag *indexAggregator) error {
			for _, e := range entries {
				next, err := emit(ag, st, entryUpdated, applyEntry, e)
				if err != nil {
					return err
				}
				st = next
			}
			return nil
		},
	)
	return err
}

func (s *Store) entries(
	ctx context.Context, pred func(*indexEntry) bool,
) ([]*indexEntry, error) {
	ex, err := s.current()
	if err != nil {
		return nil, err
	}
	var res []*indexEntry
	_, err = ex.index.Exec(ctx, indexKey,
		func(st *indexState, _ *indexAggregator) error {
			res = nil
			for _, e := range st.Flows {
				if pred(e) {
					c := *e
					res = append(res, &c)
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) query(
	ctx context.Context, pred func(*indexEntry) bool,
) ([]api.IDAndEpoch, error) {
	found, err := s.entries(ctx, pred)
	if err != nil {
		return nil, err
	}
	var res []api.IDAndEpoch
	for _, e := range found {
		res = append(res, api.IDAndEpoch{ID: e.ID, Epoch: e.Epoch})
	}
	store.SortIDAndEpochs(res)
	return res, nil
}

func (s *typeStore) InsertOrGet(
	ctx context.Context, typ api.FlowType,
) (api.StoredType, error) {
	ex, err := (*Store)(s).current()
	if err != nil {
		return 0, err
	}
	var res api.StoredType
	_, err = ex.types.Exec(ctx, typesKey,
		func(st *typeState, ag *typeAggregator) error {
			if id, ok := st.Types[typ]; ok {
				res = id
				return nil
			}
			if len(st.Types) >= math.MaxUint16 {
				return store.ErrTooManyTypes
			}
			res = api.StoredType(len(st.Types) + 1)
			_, err := emit(ag, st, typeAssigned, applyTypeAssigned,
				typeAssignedEvent{Type: typ, ID: res},
			)
			return err
		},
	)
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *typeStore) GetAll(
	ctx context.Context,
) (map[api.FlowType]api.StoredType, error) {
	ex, err := (*Store)(s).current()
	if err != nil {
		return nil, err
	}
	var res map[api.FlowType]api.StoredType
	_, err = ex.types.Exec(ctx, typesKey,
		func(st *typeState, _ *typeAggregator) error {
			res = maps.Clone(st.Types)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = map[api.FlowType]api.StoredType{}
	}
	return res, nil
}

func (s *replicaStore) Insert(ctx context.Context, r api.StoredReplica) error {
	return s.exec(ctx, func(st *replicaState, ag *replicaAggregator) error {
		_, err := emit(ag, st, replicaInserted, applyReplicaInserted, r)
		return err
	})
}

func (s *replicaStore) Delete(ctx context.Context, id api.ReplicaID) error {
	return s.exec(ctx, func(st *replicaState, ag *replicaAggregator) error {
		if _, ok := st.Replicas[id]; !ok {
			return nil
		}
		_, err := emit(ag, st, replicaDeleted, applyReplicaDeleted,
			replicaDeletedEvent{ID: id},
		)
		return err
	})
}

func (s *replicaStore) GetAll(
	ctx context.Context,
) ([]api.StoredReplica, error) {
	var res []api.StoredReplica
	err := s.exec(ctx, func(st *replicaState, _ *replicaAggregator) error {
		res = make([]api.StoredReplica, 0, len(st.Replicas))
		for id, hb := range st.Replicas {
			res = append(res, api.StoredReplica{ID: id, Heartbeat: hb})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b api.StoredReplica) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res, nil
}

func (s *replicaStore) UpdateHeartbeat(
	ctx context.Context, id api.ReplicaID, heartbeat int64,
) (bool, error) {
	var found bool
	err := s.exec(ctx, func(st *replicaState, ag *replicaAggregator) error {
		if _, found = st.Replicas[id]; !found {
			return nil
		}
		_, err := emit(ag, st, heartbeatReceived, applyHeartbeat,
			api.StoredReplica{ID: id, Heartbeat: heartbeat},
		)
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *replicaStore) exec(
	ctx context.Context, cmd timebox.Command[*replicaState],
) error {
	ex, err := (*Store)(s).current()
	if err != nil {
		return err
	}
	_, err = ex.replicas.Exec(ctx, replicaKey, cmd)
	return err
}

func cloneFlow(f *api.StoredFlow) *api.StoredFlow {
	res := *f
	res.Param = slices.Clone(f.Param)
	res.Result = slices.Clone(f.Result)
	if f.Exception != nil {
		e := *f.Exception
		res.Exception = &e
	}
	return &res
}
