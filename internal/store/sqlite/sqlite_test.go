package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/internal/store/sqlite"
	"github.com/kode4food/stalwart/internal/store/storetest"
	"github.com/kode4food/stalwart/pkg/api"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "flows.db"))
	})
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.db")
	ctx := context.Background()
	id := api.StoredID{Type: 1, Instance: "42"}

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	created, err := s.CreateFunction(ctx, api.NewFlow{
		ID:      id,
		Param:   []byte(`{"n":1}`),
		Status:  api.StatusExecuting,
		Expires: api.NeverExpires,
	})
	require.NoError(t, err)
	require.True(t, created)
	typ, err := s.Types().InsertOrGet(ctx, "Invoice")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	f, err := s.GetFunction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []byte(`{"n":1}`), f.Param)
	assert.Equal(t, api.NeverExpires, f.Expires)

	again, err := s.Types().InsertOrGet(ctx, "Invoice")
	require.NoError(t, err)
	assert.Equal(t, typ, again)
}

func TestOpenBadPath(t *testing.T) {
	_, err := sqlite.Open(filepath.Join(t.TempDir(), "missing", "flows.db"))
	assert.Error(t, err)
}

func openTestStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}
