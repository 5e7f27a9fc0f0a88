package timebox

import (
	"encoding/json"
	"maps"
	"strconv"

	"github.com/kode4food/timebox"

	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// flowState is the aggregate of a single flow record. Revision counts
	// every applied event, including deletion, so index updates can be
	// ordered
	flowState struct {
		Flow     *api.StoredFlow `json:"flow,omitempty"`
		Revision int64           `json:"revision"`
	}

	// indexState lists the lease view of every flow, keyed by StoredID
	indexState struct {
		Flows map[string]*indexEntry `json:"flows"`
	}

	indexEntry struct {
		ID       api.StoredID  `json:"id"`
		Status   api.Status    `json:"status,omitempty"`
		Epoch    api.Epoch     `json:"epoch"`
		Expires  int64         `json:"expires"`
		Owner    api.ReplicaID `json:"owner,omitempty"`
		Revision int64         `json:"revision"`
	}

	typeState struct {
		Types map[api.FlowType]api.StoredType `json:"types"`
	}

	replicaState struct {
		Replicas map[api.ReplicaID]int64 `json:"replicas"`
	}

	flowAggregator    = timebox.Aggregator[*flowState]
	indexAggregator   = timebox.Aggregator[*indexState]
	typeAggregator    = timebox.Aggregator[*typeState]
	replicaAggregator = timebox.Aggregator[*replicaState]

	restartedEvent struct {
		Expires int64         `json:"expires"`
		Owner   api.ReplicaID `json:"owner"`
	}

	renewedEvent struct {
		Expires int64 `json:"expires"`
	}

	succeededEvent struct {
		Result    []byte `json:"result,omitempty"`
		Timestamp int64  `json:"timestamp"`
	}

	failedEvent struct {
		Exception *api.StoredException `json:"exception,omitempty"`
		Timestamp int64                `json:"timestamp"`
	}

	postponedEvent struct {
		Until     int64 `json:"until"`
		Timestamp int64 `json:"timestamp"`
	}

	suspendedEvent struct {
		ExpectedInterrupts int64 `json:"expected_interrupts"`
		Timestamp          int64 `json:"timestamp"`
	}

	stateSetEvent struct {
		Status  api.Status `json:"status"`
		Expires int64      `json:"expires"`
	}

	emptyEvent struct{}

	typeAssignedEvent struct {
		Type api.FlowType   `json:"type"`
		ID   api.StoredType `json:"id"`
	}

	replicaDeletedEvent struct {
		ID api.ReplicaID `json:"id"`
	}
)

const (
	flowPrefix    = "flow"
	indexPrefix   = "index"
	typesPrefix   = "types"
	replicaPrefix = "replicas"
)

const (
	flowCreated       = timebox.EventType("flow_created")
	flowRestarted     = timebox.EventType("flow_restarted")
	leaseRenewed      = timebox.EventType("lease_renewed")
	flowSucceeded     = timebox.EventType("flow_succeeded")
	flowFailed        = timebox.EventType("flow_failed")
	flowPostponed     = timebox.EventType("flow_postponed")
	flowSuspended     = timebox.EventType("flow_suspended")
	flowStateSet      = timebox.EventType("flow_state_set")
	flowInterrupted   = timebox.EventType("flow_interrupted")
	ownerReleased     = timebox.EventType("owner_released")
	flowDeleted       = timebox.EventType("flow_deleted")
	entryUpdated      = timebox.EventType("entry_updated")
	typeAssigned      = timebox.EventType("type_assigned")
	replicaInserted   = timebox.EventType("replica_inserted")
	replicaDeleted    = timebox.EventType("replica_deleted")
	heartbeatReceived = timebox.EventType("heartbeat_received")
)

var (
	indexKey   = timebox.NewAggregateID(indexPrefix)
	typesKey   = timebox.NewAggregateID(typesPrefix)
	replicaKey = timebox.NewAggregateID(replicaPrefix)

	flowAppliers = timebox.Appliers[*flowState]{
		flowCreated:     timebox.MakeApplier(applyCreated),
		flowRestarted:   timebox.MakeApplier(applyRestarted),
		leaseRenewed:    timebox.MakeApplier(applyRenewed),
		flowSucceeded:   timebox.MakeApplier(applySucceeded),
		flowFailed:      timebox.MakeApplier(applyFailed),
		flowPostponed:   timebox.MakeApplier(applyPostponed),
		flowSuspended:   timebox.MakeApplier(applySuspended),
		flowStateSet:    timebox.MakeApplier(applyStateSet),
		flowInterrupted: timebox.MakeApplier(applyInterrupted),
		ownerReleased:   timebox.MakeApplier(applyOwnerReleased),
		flowDeleted:     timebox.MakeApplier(applyDeleted),
	}

	indexAppliers = timebox.Appliers[*indexState]{
		entryUpdated: timebox.MakeApplier(applyEntry),
	}

	typeAppliers = timebox.Appliers[*typeState]{
		typeAssigned: timebox.MakeApplier(applyTypeAssigned),
	}

	replicaAppliers = timebox.Appliers[*replicaState]{
		replicaInserted:   timebox.MakeApplier(applyReplicaInserted),
		replicaDeleted:    timebox.MakeApplier(applyReplicaDeleted),
		heartbeatReceived: timebox.MakeApplier(applyHeartbeat),
	}
)

func newFlowState() *flowState {
	return &flowState{}
}

func newIndexState() *indexState {
	return &indexState{Flows: map[string]*indexEntry{}}
}

func newTypeState() *typeState {
	return &typeState{Types: map[api.FlowType]api.StoredType{}}
}

func newReplicaState() *replicaState {
	return &replicaState{Replicas: map[api.ReplicaID]int64{}}
}

func flowKey(id api.StoredID) timebox.AggregateID {
	return timebox.NewAggregateID(flowPrefix,
		timebox.ID(strconv.Itoa(int(id.Type))), timebox.ID(id.Instance),
	)
}

// emit raises an event and returns the state it produces. Appliers are pure,
// so the result matches what the executor stores once the command commits
func emit[T, D any](
	ag *timebox.Aggregator[T], st T, typ timebox.EventType,
	apply func(T, *timebox.Event, D) T, data D,
) (T, error) {
	b, err := json.Marshal(data)
	if err != nil {
		var zero T
		return zero, err
	}
	ag.Raise(typ, b)
	return apply(st, nil, data), nil
}

func (st *flowState) update(fn func(*api.StoredFlow)) *flowState {
	res := &flowState{Revision: st.Revision + 1}
	if st.Flow != nil {
		f := *st.Flow
		fn(&f)
		res.Flow = &f
	}
	return res
}

func (st *flowState) entry(id api.StoredID) indexEntry {
	res := indexEntry{ID: id, Revision: st.Revision}
	if f := st.Flow; f != nil {
		res.Status = f.Status
		res.Epoch = f.Epoch
		res.Expires = f.Expires
		res.Owner = f.Owner
	}
	return res
}

func applyCreated(
	st *flowState, _ *timebox.Event, data api.NewFlow,
) *flowState {
	return &flowState{
		Revision: st.Revision + 1,
		Flow: &api.StoredFlow{
			ID:        data.ID,
			Param:     data.Param,
			Status:    data.Status,
			Expires:   data.Expires,
			Owner:     data.Owner,
			Timestamp: data.Timestamp,
		},
	}
}

func applyRestarted(
	st *flowState, _ *timebox.Event, data restartedEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Epoch = f.Epoch.Next()
		f.Status = api.StatusExecuting
		f.Expires = data.Expires
		f.Owner = data.Owner
	})
}

func applyRenewed(
	st *flowState, _ *timebox.Event, data renewedEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Expires = data.Expires
	})
}

func applySucceeded(
	st *flowState, _ *timebox.Event, data succeededEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Status = api.StatusSucceeded
		f.Result = data.Result
		f.Timestamp = data.Timestamp
		f.Owner = ""
	})
}

func applyFailed(
	st *flowState, _ *timebox.Event, data failedEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Status = api.StatusFailed
		f.Exception = data.Exception
		f.Timestamp = data.Timestamp
		f.Owner = ""
	})
}

func applyPostponed(
	st *flowState, _ *timebox.Event, data postponedEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Status = api.StatusPostponed
		f.Expires = data.Until
		f.Timestamp = data.Timestamp
		f.Owner = ""
	})
}

func applySuspended(
	st *flowState, _ *timebox.Event, data suspendedEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Timestamp = data.Timestamp
		f.Owner = ""
		if f.Interrupts > data.ExpectedInterrupts {
			f.Status = api.StatusPostponed
			f.Expires = 0
			return
		}
		f.Status = api.StatusSuspended
		f.Expires = api.NeverExpires
	})
}

func applyStateSet(
	st *flowState, _ *timebox.Event, data stateSetEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Status = data.Status
		f.Expires = data.Expires
		f.Owner = ""
	})
}

func applyInterrupted(
	st *flowState, _ *timebox.Event, _ emptyEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Interrupts++
		if f.Status == api.StatusSuspended {
			f.Status = api.StatusPostponed
			f.Expires = 0
		}
	})
}

func applyOwnerReleased(
	st *flowState, _ *timebox.Event, _ emptyEvent,
) *flowState {
	return st.update(func(f *api.StoredFlow) {
		f.Owner = ""
		f.Expires = 0
	})
}

func applyDeleted(
	st *flowState, _ *timebox.Event, _ emptyEvent,
) *flowState {
	return &flowState{Revision: st.Revision + 1}
}

// applyEntry keeps the newest revision of each flow, so index updates that
// land out of order never roll an entry back
func applyEntry(
	st *indexState, _ *timebox.Event, data indexEntry,
) *indexState {
	key := data.ID.String()
	if cur, ok := st.Flows[key]; ok && cur.Revision >= data.Revision {
		return st
	}
	res := &indexState{Flows: maps.Clone(st.Flows)}
	if res.Flows == nil {
		res.Flows = map[string]*indexEntry{}
	}
	res.Flows[key] = &data
	return res
}

func applyTypeAssigned(
	st *typeState, _ *timebox.Event, data typeAssignedEvent,
) *typeState {
	res := &typeState{Types: maps.Clone(st.Types)}
	if res.Types == nil {
		res.Types = map[api.FlowType]api.StoredType{}
	}
	res.Types[data.Type] = data.ID
	return res
}

func applyReplicaInserted(
	st *replicaState, _ *timebox.Event, data api.StoredReplica,
) *replicaState {
	return st.with(func(m map[api.ReplicaID]int64) {
		m[data.ID] = data.Heartbeat
	})
}

func applyReplicaDeleted(
	st *replicaState, _ *timebox.Event, data replicaDeletedEvent,
) *replicaState {
	return st.with(func(m map[api.ReplicaID]int64) {
		delete(m, data.ID)
	})
}

func applyHeartbeat(
	st *replicaState, _ *timebox.Event, data api.StoredReplica,
) *replicaState {
	return st.with(func(m map[api.ReplicaID]int64) {
		if _, ok := m[data.ID]; ok {
			m[data.ID] = data.Heartbeat
		}
	})
}

func (st *replicaState) with(fn func(map[api.ReplicaID]int64)) *replicaState {
	res := &replicaState{Replicas: maps.Clone(st.Replicas)}
	if res.Replicas == nil {
		res.Replicas = map[api.ReplicaID]int64{}
	}
	fn(res.Replicas)
	return res
}
