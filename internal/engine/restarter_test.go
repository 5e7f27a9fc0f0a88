package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/pkg/api"
)

func TestOrderCandidates(t *testing.T) {
	cluster := api.ClusterInfo{ReplicaID: "a", Offset: 1, Count: 3}

	var candidates []api.IDAndEpoch
	for i := range 50 {
		candidates = append(candidates, api.IDAndEpoch{
			ID: api.StoredID{
				Type:     1,
				Instance: api.Instance(fmt.Sprintf("inst-%d", i)),
			},
			Epoch: api.Epoch(i),
		})
	}

	ordered := orderCandidates(candidates, cluster)
	assert.ElementsMatch(t, candidates, ordered)

	seenForeign := false
	for _, c := range ordered {
		owned := cluster.Owns(partitionHash(c.ID))
		if !owned {
			seenForeign = true
			continue
		}
		assert.False(t, seenForeign,
			"owned candidate %s ordered after a foreign one", c.ID)
	}
}

func TestOrderCandidatesSingleReplica(t *testing.T) {
	cluster := api.ClusterInfo{ReplicaID: "a", Count: 1}
	candidates := []api.IDAndEpoch{
		{ID: api.StoredID{Type: 1, Instance: "x"}},
		{ID: api.StoredID{Type: 1, Instance: "y"}},
	}
	assert.ElementsMatch(t, candidates, orderCandidates(candidates, cluster))
	assert.Empty(t, orderCandidates(nil, cluster))
}

func TestPartitionHashStable(t *testing.T) {
	id := api.StoredID{Type: 3, Instance: "order-42"}
	assert.Equal(t, partitionHash(id), partitionHash(id))
	assert.NotEqual(t,
		partitionHash(id),
		partitionHash(api.StoredID{Type: 4, Instance: "order-42"}),
	)
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), 0))
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, 0))
	assert.False(t, sleep(ctx, time.Hour))
}

func TestStrategies(t *testing.T) {
	assert.Len(t, strategies, 2)
	assert.NotEqual(t, Crashed.Component(), Postponed.Component())
	assert.NotEqual(t, Crashed.Cause(), Postponed.Cause())
}
