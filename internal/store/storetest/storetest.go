// Package storetest is the contract suite every store implementation runs
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
)

// Factory builds a fresh, initialized store for one test
type Factory func(t *testing.T) store.Store

const (
	testOwner = api.ReplicaID("replica-a")
	nowMillis = int64(1_000_000)
	leaseEnd  = nowMillis + 30_000
)

var suite = []struct {
	name string
	fn   func(*testing.T, store.Store)
}{
	{"CreateIsIdempotent", testCreateIsIdempotent},
	{"GetMissing", testGetMissing},
	{"RestartBumpsEpoch", testRestartBumpsEpoch},
	{"RestartRace", testRestartRace},
	{"RestartTerminal", testRestartTerminal},
	{"RenewLeases", testRenewLeases},
	{"FunctionsStatus", testFunctionsStatus},
	{"Succeed", testSucceed},
	{"Fail", testFail},
	{"Postpone", testPostpone},
	{"Suspend", testSuspend},
	{"SuspendAfterInterrupt", testSuspendAfterInterrupt},
	{"InterruptWakesSuspended", testInterruptWakesSuspended},
	{"TerminalIsImmutable", testTerminalIsImmutable},
	{"SetFunctionState", testSetFunctionState},
	{"Delete", testDelete},
	{"CrashedQuery", testCrashedQuery},
	{"PostponedQuery", testPostponedQuery},
	{"ExpiredQuery", testExpiredQuery},
	{"RescheduleCrashed", testRescheduleCrashed},
	{"OwnerReplicas", testOwnerReplicas},
	{"Types", testTypes},
	{"Replicas", testReplicas},
}

// Run executes the contract suite against stores built by factory
func Run(t *testing.T, factory Factory) {
	for _, tc := range suite {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory(t))
		})
	}
}

func sid(typ api.StoredType, inst string) api.StoredID {
	return api.StoredID{Type: typ, Instance: api.Instance(inst)}
}

func executing(id api.StoredID, param string) api.NewFlow {
	return api.NewFlow{
		ID:        id,
		Param:     []byte(param),
		Status:    api.StatusExecuting,
		Expires:   leaseEnd,
		Owner:     testOwner,
		Timestamp: nowMillis,
	}
}

func mustCreate(t *testing.T, s store.Store, f api.NewFlow) {
	t.Helper()
	created, err := s.CreateFunction(context.Background(), f)
	require.NoError(t, err)
	require.True(t, created)
}

func mustGet(t *testing.T, s store.Store, id api.StoredID) *api.StoredFlow {
	t.Helper()
	f, err := s.GetFunction(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func testCreateIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, `{"n":1}`))

	created, err := s.CreateFunction(ctx, executing(id, `{"n":2}`))
	require.NoError(t, err)
	assert.False(t, created)

	f := mustGet(t, s, id)
	assert.Equal(t, id, f.ID)
	assert.Equal(t, []byte(`{"n":1}`), f.Param)
	assert.Equal(t, api.StatusExecuting, f.Status)
	assert.Equal(t, api.Epoch(0), f.Epoch)
	assert.Equal(t, leaseEnd, f.Expires)
	assert.Equal(t, testOwner, f.Owner)
	assert.Equal(t, nowMillis, f.Timestamp)
}

func testGetMissing(t *testing.T, s store.Store) {
	f, err := s.GetFunction(context.Background(), sid(1, "nope"))
	require.NoError(t, err)
	assert.Nil(t, f)
}

func testRestartBumpsEpoch(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	f, err := s.RestartExecution(ctx, id, 0, leaseEnd+1, "replica-b")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, api.Epoch(1), f.Epoch)
	assert.Equal(t, api.StatusExecuting, f.Status)
	assert.Equal(t, []byte("in"), f.Param)
	assert.Equal(t, leaseEnd+1, f.Expires)
	assert.Equal(t, api.ReplicaID("replica-b"), f.Owner)

	f, err = s.RestartExecution(ctx, id, 0, leaseEnd, testOwner)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = s.RestartExecution(ctx, sid(1, "missing"), 0, leaseEnd, testOwner)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func testRestartRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "race")
	mustCreate(t, s, executing(id, "in"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			f, err := s.RestartExecution(ctx, id, 0, leaseEnd, testOwner)
			assert.NoError(t, err)
			if f != nil {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, api.Epoch(1), mustGet(t, s, id).Epoch)
}

func testRestartTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "done")
	mustCreate(t, s, executing(id, "in"))
	ok, err := s.SucceedFunction(ctx, id, []byte("out"), nowMillis, 0)
	require.NoError(t, err)
	require.True(t, ok)

	f, err := s.RestartExecution(ctx, id, 0, leaseEnd, testOwner)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Equal(t, api.StatusSucceeded, mustGet(t, s, id).Status)
}

func testRenewLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, c := sid(1, "a"), sid(1, "b"), sid(1, "c")
	mustCreate(t, s, executing(a, ""))
	mustCreate(t, s, executing(b, ""))
	mustCreate(t, s, executing(c, ""))
	ok, err := s.PostponeFunction(ctx, c, nowMillis, nowMillis, 0)
	require.NoError(t, err)
	require.True(t, ok)

	count, err := s.RenewLeases(ctx, []api.LeaseUpdate{
		{ID: a, ExpectedEpoch: 0},
		{ID: b, ExpectedEpoch: 3},
		{ID: c, ExpectedEpoch: 0},
		{ID: sid(1, "missing"), ExpectedEpoch: 0},
	}, leaseEnd+5000)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, leaseEnd+5000, mustGet(t, s, a).Expires)
	assert.Equal(t, leaseEnd, mustGet(t, s, b).Expires)
	assert.Equal(t, nowMillis, mustGet(t, s, c).Expires)

	count, err = s.RenewLeases(ctx, nil, leaseEnd)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func testFunctionsStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := sid(1, "a"), sid(2, "b")
	mustCreate(t, s, executing(a, ""))
	mustCreate(t, s, executing(b, ""))
	_, err := s.RestartExecution(ctx, b, 0, leaseEnd+1, testOwner)
	require.NoError(t, err)

	res, err := s.GetFunctionsStatus(ctx, []api.StoredID{
		a, b, sid(1, "missing"),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []api.StatusAndEpoch{
		{ID: a, Status: api.StatusExecuting, Epoch: 0, Expires: leaseEnd},
		{ID: b, Status: api.StatusExecuting, Epoch: 1, Expires: leaseEnd + 1},
	}, res)

	res, err = s.GetFunctionsStatus(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func testSucceed(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	ok, err := s.SucceedFunction(ctx, id, []byte("out"), nowMillis+1, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SucceedFunction(ctx, id, []byte("out"), nowMillis+1, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusSucceeded, f.Status)
	assert.Equal(t, []byte("out"), f.Result)
	assert.Equal(t, nowMillis+1, f.Timestamp)
	assert.Empty(t, f.Owner)
}

func testFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	exc := &api.StoredException{Message: "boom", Type: "*errors.errorString"}
	ok, err := s.FailFunction(ctx, id, exc, nowMillis+1, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusFailed, f.Status)
	require.NotNil(t, f.Exception)
	assert.Equal(t, *exc, *f.Exception)
}

func testPostpone(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	ok, err := s.PostponeFunction(ctx, id, nowMillis+60_000, nowMillis, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusPostponed, f.Status)
	assert.Equal(t, nowMillis+60_000, f.Expires)
	assert.Empty(t, f.Owner)

	ok, err = s.PostponeFunction(ctx, id, nowMillis, nowMillis, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSuspend(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	ok, err := s.SuspendFunction(ctx, id, 0, nowMillis, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusSuspended, f.Status)

	found, err := s.GetPostponedFunctions(ctx, 1, api.NeverExpires)
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = s.GetExpiredFunctions(ctx, api.NeverExpires)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testSuspendAfterInterrupt(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	n, err := s.Interrupt(ctx, []api.StoredID{id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusExecuting, f.Status)
	assert.Equal(t, int64(1), f.Interrupts)

	ok, err := s.SuspendFunction(ctx, id, 0, nowMillis, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f = mustGet(t, s, id)
	assert.Equal(t, api.StatusPostponed, f.Status)
	assert.Equal(t, int64(0), f.Expires)
}

func testInterruptWakesSuspended(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))
	ok, err := s.SuspendFunction(ctx, id, 0, nowMillis, 0)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.Interrupt(ctx, []api.StoredID{id, sid(1, "missing")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusPostponed, f.Status)
	assert.Equal(t, int64(0), f.Expires)
	assert.Equal(t, int64(1), f.Interrupts)
	assert.Equal(t, api.Epoch(0), f.Epoch)

	due, err := s.GetPostponedFunctions(ctx, 1, nowMillis)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: id, Epoch: 0}}, due)
}

func testTerminalIsImmutable(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))
	ok, err := s.FailFunction(ctx, id,
		&api.StoredException{Message: "boom"}, nowMillis, 0,
	)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SucceedFunction(ctx, id, []byte("out"), nowMillis, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetFunctionState(ctx, id, api.StatusPostponed, 0, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.RenewLeases(ctx,
		[]api.LeaseUpdate{{ID: id, ExpectedEpoch: 0}}, leaseEnd,
	)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusFailed, f.Status)
	assert.Nil(t, f.Result)
}

func testSetFunctionState(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	_, err := s.SetFunctionState(ctx, id, api.StatusExecuting, 0, 0)
	assert.ErrorIs(t, err, store.ErrInvalidStatus)

	ok, err := s.SetFunctionState(ctx, id, api.StatusPostponed, 0, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetFunctionState(ctx, id, api.StatusPostponed, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f := mustGet(t, s, id)
	assert.Equal(t, api.StatusPostponed, f.Status)
	assert.Equal(t, int64(0), f.Expires)
	assert.Empty(t, f.Owner)
	assert.Equal(t, api.Epoch(0), f.Epoch)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := sid(1, "42")
	mustCreate(t, s, executing(id, "in"))

	ok, err := s.DeleteFunction(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteFunction(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := s.GetFunction(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, f)

	crashed, err := s.GetCrashedFunctions(ctx, 1, api.NeverExpires)
	require.NoError(t, err)
	assert.Empty(t, crashed)
}

func testCrashedQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	early, late, other := sid(1, "early"), sid(1, "late"), sid(2, "other")
	f := executing(early, "")
	f.Expires = nowMillis - 1
	mustCreate(t, s, f)
	f = executing(late, "")
	f.Expires = nowMillis
	mustCreate(t, s, f)
	f = executing(other, "")
	f.Expires = nowMillis - 1
	mustCreate(t, s, f)

	crashed, err := s.GetCrashedFunctions(ctx, 1, nowMillis)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: early, Epoch: 0}}, crashed)

	crashed, err = s.GetCrashedFunctions(ctx, 1, nowMillis+1)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{
		{ID: early, Epoch: 0}, {ID: late, Epoch: 0},
	}, crashed)

	_, err = s.RestartExecution(ctx, early, 0, leaseEnd, testOwner)
	require.NoError(t, err)
	crashed, err = s.GetCrashedFunctions(ctx, 1, nowMillis+1)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: late, Epoch: 0}}, crashed)

	crashed, err = s.GetCrashedFunctions(ctx, 2, nowMillis)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: other, Epoch: 0}}, crashed)
}

func testPostponedQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	due, later := sid(1, "due"), sid(1, "later")
	mustCreate(t, s, executing(due, ""))
	mustCreate(t, s, executing(later, ""))
	_, err := s.PostponeFunction(ctx, due, nowMillis-10, nowMillis, 0)
	require.NoError(t, err)
	_, err = s.PostponeFunction(ctx, later, nowMillis+10, nowMillis, 0)
	require.NoError(t, err)

	found, err := s.GetPostponedFunctions(ctx, 1, nowMillis)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: due, Epoch: 0}}, found)

	crashed, err := s.GetCrashedFunctions(ctx, 1, api.NeverExpires)
	require.NoError(t, err)
	assert.Empty(t, crashed)

	f, err := s.RestartExecution(ctx, due, 0, leaseEnd, testOwner)
	require.NoError(t, err)
	require.NotNil(t, f)

	found, err = s.GetPostponedFunctions(ctx, 1, nowMillis+20)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: later, Epoch: 0}}, found)
}

func testExpiredQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b, c := sid(1, "a"), sid(2, "b"), sid(3, "c")
	f := executing(a, "")
	f.Expires = nowMillis - 1
	mustCreate(t, s, f)
	mustCreate(t, s, executing(b, ""))
	_, err := s.PostponeFunction(ctx, b, nowMillis-1, nowMillis, 0)
	require.NoError(t, err)
	mustCreate(t, s, executing(c, ""))

	found, err := s.GetExpiredFunctions(ctx, nowMillis)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{
		{ID: a, Epoch: 0}, {ID: b, Epoch: 0},
	}, found)
}

func testRescheduleCrashed(t *testing.T, s store.Store) {
	ctx := context.Background()
	mine, theirs, parked := sid(1, "mine"), sid(1, "theirs"), sid(1, "parked")
	mustCreate(t, s, executing(mine, ""))
	f := executing(theirs, "")
	f.Owner = "replica-b"
	mustCreate(t, s, f)
	mustCreate(t, s, executing(parked, ""))
	_, err := s.PostponeFunction(ctx, parked, leaseEnd, nowMillis, 0)
	require.NoError(t, err)

	n, err := s.RescheduleCrashedFunctions(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := mustGet(t, s, mine)
	assert.Empty(t, got.Owner)
	assert.Equal(t, int64(0), got.Expires)
	assert.Equal(t, api.Epoch(0), got.Epoch)

	got = mustGet(t, s, theirs)
	assert.Equal(t, api.ReplicaID("replica-b"), got.Owner)
	assert.Equal(t, leaseEnd, got.Expires)

	crashed, err := s.GetCrashedFunctions(ctx, 1, nowMillis)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: mine, Epoch: 0}}, crashed)

	n, err = s.RescheduleCrashedFunctions(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testOwnerReplicas(t *testing.T, s store.Store) {
	ctx := context.Background()
	owners, err := s.GetOwnerReplicas(ctx)
	require.NoError(t, err)
	assert.Empty(t, owners)

	mustCreate(t, s, executing(sid(1, "a"), ""))
	mustCreate(t, s, executing(sid(1, "b"), ""))
	f := executing(sid(2, "c"), "")
	f.Owner = "replica-b"
	mustCreate(t, s, f)
	f = executing(sid(2, "d"), "")
	f.Owner = "replica-c"
	mustCreate(t, s, f)
	_, err = s.SucceedFunction(ctx, sid(2, "d"), nil, nowMillis, 0)
	require.NoError(t, err)

	owners, err = s.GetOwnerReplicas(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]api.ReplicaID{testOwner, "replica-b"}, owners,
	)
}

func testTypes(t *testing.T, s store.Store) {
	ctx := context.Background()
	types := s.Types()

	inv, err := types.InsertOrGet(ctx, "Invoice")
	require.NoError(t, err)
	ord, err := types.InsertOrGet(ctx, "Order")
	require.NoError(t, err)
	again, err := types.InsertOrGet(ctx, "Invoice")
	require.NoError(t, err)

	assert.NotEqual(t, inv, ord)
	assert.Equal(t, inv, again)
	assert.NotZero(t, inv)

	all, err := types.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[api.FlowType]api.StoredType{
		"Invoice": inv, "Order": ord,
	}, all)
}

func testReplicas(t *testing.T, s store.Store) {
	ctx := context.Background()
	reps := s.Replicas()

	ok, err := reps.UpdateHeartbeat(ctx, "r2", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	r2 := api.StoredReplica{ID: "r2", Heartbeat: 1}
	r1 := api.StoredReplica{ID: "r1", Heartbeat: 2}
	require.NoError(t, reps.Insert(ctx, r2))
	require.NoError(t, reps.Insert(ctx, r1))

	ok, err = reps.UpdateHeartbeat(ctx, "r2", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := reps.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []api.StoredReplica{
		{ID: "r1", Heartbeat: 2}, {ID: "r2", Heartbeat: 5},
	}, all)

	require.NoError(t, reps.Delete(ctx, "r1"))
	require.NoError(t, reps.Delete(ctx, "missing"))
	all, err = reps.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []api.StoredReplica{{ID: "r2", Heartbeat: 5}}, all)
}
