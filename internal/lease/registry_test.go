package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/lease"
	"github.com/kode4food/stalwart/internal/store/memory"
	"github.com/kode4food/stalwart/pkg/api"
)

func TestRegistryFor(t *testing.T) {
	r := lease.NewRegistry(lease.Config{Store: memory.New()})

	a := r.For(time.Second)
	assert.Same(t, a, r.For(time.Second))
	assert.NotSame(t, a, r.For(2*time.Second))
	assert.Same(t, r.For(0), r.For(-time.Second))
	assert.True(t, r.For(-time.Second).Inert())
}

func TestRegistryFilterOutContains(t *testing.T) {
	r := lease.NewRegistry(lease.Config{Store: memory.New()})
	r.For(time.Second).Set(api.StoredID{Type: 1, Instance: "a"}, 1, 0)
	r.For(time.Minute).Set(api.StoredID{Type: 2, Instance: "b"}, 1, 0)

	res := r.FilterOutContains([]api.IDAndEpoch{
		{ID: api.StoredID{Type: 1, Instance: "a"}, Epoch: 1},
		{ID: api.StoredID{Type: 2, Instance: "b"}, Epoch: 1},
		{ID: api.StoredID{Type: 3, Instance: "c"}, Epoch: 1},
	})
	assert.Equal(t, []api.IDAndEpoch{
		{ID: api.StoredID{Type: 3, Instance: "c"}, Epoch: 1},
	}, res)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryStartRunsLateAggregators(t *testing.T) {
	st := memory.New()
	r := lease.NewRegistry(lease.Config{Store: st})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	id, epoch := startFlow(t, st, "late")
	first := expiresOf(t, st, id)
	r.For(length).Track(id, epoch, first)

	require.Eventually(t, func() bool {
		return expiresOf(t, st, id) > first
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregators did not stop")
	}
}
