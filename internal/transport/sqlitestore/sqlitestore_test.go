package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfile/mailfile/internal/transport"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(WithPath(filepath.Join(t.TempDir(), "store.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendListFetch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	loc1, err := s.Append(ctx, "STORE", []byte("first"))
	require.NoError(t, err)
	loc2, err := s.Append(ctx, "STORE", []byte("second"))
	require.NoError(t, err)

	locators, err := s.List(ctx, "STORE")
	require.NoError(t, err)
	assert.Equal(t, []string{loc1, loc2}, locators)

	raw, err := s.Fetch(ctx, "STORE", loc2)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), raw)

	_, err = s.Fetch(ctx, "STORE", "row-99999999")
	assert.ErrorIs(t, err, transport.ErrMessageNotFound)
}

func TestStore_FoldersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Append(ctx, "A", []byte("in a"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "B", []byte("in b"))
	require.NoError(t, err)

	locators, err := s.List(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, locators, 1)
	locators, err = s.List(ctx, "EMPTY")
	require.NoError(t, err)
	assert.Empty(t, locators)
}

func TestStore_FlagAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	loc, err := s.Append(ctx, "STORE", []byte("msg"))
	require.NoError(t, err)

	require.NoError(t, s.Flag(ctx, "STORE", loc, transport.FlagDeleted))
	require.NoError(t, s.Flag(ctx, "STORE", loc, transport.FlagDeleted), "idempotent")
	assert.ErrorIs(t, s.Flag(ctx, "STORE", "row-99999999", transport.FlagSeen), transport.ErrMessageNotFound)

	require.NoError(t, s.Delete(ctx, "STORE", loc))
	assert.ErrorIs(t, s.Delete(ctx, "STORE", loc), transport.ErrMessageNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	s1, err := New(WithPath(path))
	require.NoError(t, err)
	loc, err := s1.Append(ctx, "STORE", []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(WithPath(path))
	require.NoError(t, err)
	defer s2.Close()
	raw, err := s2.Fetch(ctx, "STORE", loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), raw)
}
