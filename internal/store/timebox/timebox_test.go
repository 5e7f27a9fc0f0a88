package timebox_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/internal/store/storetest"
	"github.com/kode4food/stalwart/internal/store/timebox"
	"github.com/kode4food/stalwart/pkg/api"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t, miniredis.RunT(t), "test")
	})
}

func TestReopenReplaysEvents(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	id := api.StoredID{Type: 1, Instance: "replay"}
	first := newTestStore(t, server, "test")
	created, err := first.CreateFunction(ctx, api.NewFlow{
		ID: id, Status: api.StatusExecuting, Expires: 10, Owner: "r1",
	})
	require.NoError(t, err)
	require.True(t, created)

	f, err := first.RestartExecution(ctx, id, 0, 20, "r2")
	require.NoError(t, err)
	require.NotNil(t, f)
	require.NoError(t, first.Close())

	second := newTestStore(t, server, "test")
	f, err = second.GetFunction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, api.Epoch(1), f.Epoch)
	assert.Equal(t, api.ReplicaID("r2"), f.Owner)

	crashed, err := second.GetCrashedFunctions(ctx, 1, 30)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: id, Epoch: 1}}, crashed)
}

func TestDeletedFlowLeavesQueries(t *testing.T) {
	s := newTestStore(t, miniredis.RunT(t), "test")
	ctx := context.Background()

	id := api.StoredID{Type: 1, Instance: "gone"}
	created, err := s.CreateFunction(ctx, api.NewFlow{
		ID: id, Status: api.StatusPostponed, Expires: 10,
	})
	require.NoError(t, err)
	require.True(t, created)

	ok, err := s.DeleteFunction(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := s.GetExpiredFunctions(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, expired)

	created, err = s.CreateFunction(ctx, api.NewFlow{
		ID: id, Status: api.StatusPostponed, Expires: 50,
	})
	require.NoError(t, err)
	require.True(t, created)

	expired, err = s.GetExpiredFunctions(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []api.IDAndEpoch{{ID: id}}, expired)
}

func TestUseBeforeInitialize(t *testing.T) {
	s := timebox.New(timebox.Config{Addr: "localhost:0"})

	_, err := s.GetFunction(context.Background(), api.StoredID{Type: 1})
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.NoError(t, s.Close())
}

func TestInitializeUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	s := timebox.New(timebox.Config{Addr: addr, Prefix: "test"})
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.Initialize(ctx))
}

func newTestStore(
	t *testing.T, server *miniredis.Miniredis, prefix string,
) *timebox.Store {
	t.Helper()
	s := timebox.New(timebox.Config{
		Addr:      server.Addr(),
		Prefix:    prefix,
		CacheSize: 100,
	})
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}
