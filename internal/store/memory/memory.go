// Package memory provides an in-process Store for tests and single-node use
package memory

import (
	"cmp"
	"context"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
	"github.com/kode4food/stalwart/pkg/util"
)

type (
	// Store keeps every record in maps guarded by a single mutex
	Store struct {
		mu       sync.Mutex
		flows    map[api.StoredID]*api.StoredFlow
		types    map[api.FlowType]api.StoredType
		replicas map[api.ReplicaID]int64
	}

	typeStore    Store
	replicaStore Store
)

var _ store.Store = (*Store)(nil)

// New creates an empty memory Store
func New() *Store {
	return &Store{
		flows:    map[api.StoredID]*api.StoredFlow{},
		types:    map[api.FlowType]api.StoredType{},
		replicas: map[api.ReplicaID]int64{},
	}
}

func (s *Store) Initialize(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Types() store.TypeStore {
	return (*typeStore)(s)
}

func (s *Store) Replicas() store.ReplicaStore {
	return (*replicaStore)(s)
}

func (s *Store) CreateFunction(_ context.Context, f api.NewFlow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; ok {
		return false, nil
	}
	s.flows[f.ID] = &api.StoredFlow{
		ID:        f.ID,
		Param:     slices.Clone(f.Param),
		Status:    f.Status,
		Epoch:     0,
		Expires:   f.Expires,
		Owner:     f.Owner,
		Timestamp: f.Timestamp,
	}
	return true, nil
}

func (s *Store) GetFunction(
	_ context.Context, id api.StoredID,
) (*api.StoredFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		return cloneFlow(f), nil
	}
	return nil, nil
}

func (s *Store) RestartExecution(
	_ context.Context, id api.StoredID, expectedEpoch api.Epoch,
	leaseExpiration int64, owner api.ReplicaID,
) (*api.StoredFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok || f.Epoch != expectedEpoch || f.Status.IsTerminal() {
		return nil, nil
	}
	f.Epoch++
	f.Status = api.StatusExecuting
	f.Expires = leaseExpiration
	f.Owner = owner
	return cloneFlow(f), nil
}

func (s *Store) RenewLeases(
	_ context.Context, leases []api.LeaseUpdate, leaseExpiration int64,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, l := range leases {
		f, ok := s.flows[l.ID]
		if !ok || f.Epoch != l.ExpectedEpoch {
			continue
		}
		if f.Status != api.StatusExecuting {
			continue
		}
		f.Expires = leaseExpiration
		count++
	}
	return count, nil
}

func (s *Store) GetFunctionsStatus(
	_ context.Context, ids []api.StoredID,
) ([]api.StatusAndEpoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]api.StatusAndEpoch, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.flows[id]; ok {
			res = append(res, f.StatusAndEpoch())
		}
	}
	return res, nil
}

func (s *Store) SucceedFunction(
	_ context.Context, id api.StoredID, result []byte, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(id, expectedEpoch, func(f *api.StoredFlow) {
		f.Status = api.StatusSucceeded
		f.Result = slices.Clone(result)
		f.Timestamp = timestamp
	}), nil
}

func (s *Store) FailFunction(
	_ context.Context, id api.StoredID, exc *api.StoredException,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(id, expectedEpoch, func(f *api.StoredFlow) {
		f.Status = api.StatusFailed
		if exc != nil {
			e := *exc
			f.Exception = &e
		}
		f.Timestamp = timestamp
	}), nil
}

func (s *Store) PostponeFunction(
	_ context.Context, id api.StoredID, until int64, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(id, expectedEpoch, func(f *api.StoredFlow) {
		f.Status = api.StatusPostponed
		f.Expires = until
		f.Timestamp = timestamp
	}), nil
}

func (s *Store) SuspendFunction(
	_ context.Context, id api.StoredID, expectedInterrupts int64,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(id, expectedEpoch, func(f *api.StoredFlow) {
		f.Timestamp = timestamp
		if f.Interrupts > expectedInterrupts {
			f.Status = api.StatusPostponed
			f.Expires = 0
			return
		}
		f.Status = api.StatusSuspended
		f.Expires = api.NeverExpires
	}), nil
}

func (s *Store) SetFunctionState(
	_ context.Context, id api.StoredID, status api.Status, expires int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	if !store.ValidTargetStatus(status) {
		return false, store.ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok || f.Epoch != expectedEpoch || f.Status.IsTerminal() {
		return false, nil
	}
	f.Status = status
	f.Expires = expires
	f.Owner = ""
	return true, nil
}

func (s *Store) DeleteFunction(
	_ context.Context, id api.StoredID,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return false, nil
	}
	delete(s.flows, id)
	return true, nil
}

func (s *Store) Interrupt(
	_ context.Context, ids []api.StoredID,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range ids {
		f, ok := s.flows[id]
		if !ok {
			continue
		}
		count++
		f.Interrupts++
		if f.Status == api.StatusSuspended {
			f.Status = api.StatusPostponed
			f.Expires = 0
		}
	}
	return count, nil
}

func (s *Store) GetExpiredFunctions(
	_ context.Context, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(func(f *api.StoredFlow) bool {
		return (f.Status == api.StatusExecuting ||
			f.Status == api.StatusPostponed) && f.Expires < before
	}), nil
}

func (s *Store) GetCrashedFunctions(
	_ context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(func(f *api.StoredFlow) bool {
		return f.ID.Type == typ && f.Status == api.StatusExecuting &&
			f.Expires < before
	}), nil
}

func (s *Store) GetPostponedFunctions(
	_ context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(func(f *api.StoredFlow) bool {
		return f.ID.Type == typ && f.Status == api.StatusPostponed &&
			f.Expires < before
	}), nil
}

func (s *Store) RescheduleCrashedFunctions(
	_ context.Context, owner api.ReplicaID,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, f := range s.flows {
		if f.Status != api.StatusExecuting || f.Owner != owner {
			continue
		}
		f.Owner = ""
		f.Expires = 0
		count++
	}
	return count, nil
}

func (s *Store) GetOwnerReplicas(
	context.Context,
) ([]api.ReplicaID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := util.Set[api.ReplicaID]{}
	for _, f := range s.flows {
		if f.Status == api.StatusExecuting && f.Owner != "" {
			owners.Add(f.Owner)
		}
	}
	return util.Sorted(owners), nil
}

func (s *Store) complete(
	id api.StoredID, expectedEpoch api.Epoch, apply func(*api.StoredFlow),
) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok || f.Epoch != expectedEpoch || f.Status != api.StatusExecuting {
		return false
	}
	apply(f)
	f.Owner = ""
	return true
}

func (s *Store) query(pred func(*api.StoredFlow) bool) []api.IDAndEpoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []api.IDAndEpoch
	for _, f := range s.flows {
		if pred(f) {
			res = append(res, f.IDAndEpoch())
		}
	}
	store.SortIDAndEpochs(res)
	return res
}

func (s *typeStore) InsertOrGet(
	_ context.Context, typ api.FlowType,
) (api.StoredType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.types[typ]; ok {
		return id, nil
	}
	if len(s.types) >= math.MaxUint16 {
		return 0, store.ErrTooManyTypes
	}
	id := api.StoredType(len(s.types) + 1)
	s.types[typ] = id
	return id, nil
}

func (s *typeStore) GetAll(
	context.Context,
) (map[api.FlowType]api.StoredType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.types), nil
}

func (s *replicaStore) Insert(_ context.Context, r api.StoredReplica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[r.ID] = r.Heartbeat
	return nil
}

func (s *replicaStore) Delete(_ context.Context, id api.ReplicaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, id)
	return nil
}

func (s *replicaStore) GetAll(
	context.Context,
) ([]api.StoredReplica, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]api.StoredReplica, 0, len(s.replicas))
	for id, hb := range s.replicas {
		res = append(res, api.StoredReplica{ID: id, Heartbeat: hb})
	}
	slices.SortFunc(res, func(a, b api.StoredReplica) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res, nil
}

func (s *replicaStore) UpdateHeartbeat(
	_ context.Context, id api.ReplicaID, heartbeat int64,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replicas[id]; !ok {
		return false, nil
	}
	s.replicas[id] = heartbeat
	return true, nil
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
