package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/pkg/api"
)

type renewAllStore struct {
	renewed [][]api.LeaseUpdate
}

func TestRenewDueWaitsForNextLease(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	st := &renewAllStore{}
	a := NewAggregator(Config{
		Store: st,
		Clock: func() time.Time { return now },
	}, 2*time.Second)

	a.Set(api.StoredID{Type: 1, Instance: "a"}, 1, now.UnixMilli())
	b := now.Add(1050 * time.Millisecond).UnixMilli()
	a.Set(api.StoredID{Type: 1, Instance: "b"}, 1, b)

	wait := a.renewDue(context.Background())
	assert.Equal(t, 50*time.Millisecond, wait)
	assert.Len(t, st.renewed, 1)
	assert.Equal(t, []api.LeaseUpdate{
		{ID: api.StoredID{Type: 1, Instance: "a"}, ExpectedEpoch: 1},
	}, st.renewed[0])

	now = now.Add(wait)
	a.renewDue(context.Background())
	assert.Len(t, st.renewed, 2)
	assert.Equal(t, []api.LeaseUpdate{
		{ID: api.StoredID{Type: 1, Instance: "b"}, ExpectedEpoch: 1},
	}, st.renewed[1])
}

func TestRenewDueCadence(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	a := NewAggregator(Config{
		Store: &renewAllStore{},
		Clock: func() time.Time { return now },
	}, 2*time.Second)

	assert.Equal(t, idleWait, a.renewDue(context.Background()))

	a.Set(api.StoredID{Type: 1, Instance: "a"}, 1, now.UnixMilli())
	assert.Equal(t, time.Second, a.renewDue(context.Background()))

	a.Set(api.StoredID{Type: 1, Instance: "b"}, 1,
		now.Add(1005*time.Millisecond).UnixMilli(),
	)
	now = now.Add(time.Millisecond)
	assert.Equal(t, minWait, a.renewDue(context.Background()))
}

func (s *renewAllStore) RenewLeases(
	_ context.Context, leases []api.LeaseUpdate, _ int64,
) (int, error) {
	s.renewed = append(s.renewed, leases)
	return len(leases), nil
}

func (s *renewAllStore) GetFunctionsStatus(
	context.Context, []api.StoredID,
) ([]api.StatusAndEpoch, error) {
	return nil, nil
}
