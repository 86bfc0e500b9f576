package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := New(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	store, err := New(&Config{DataDir: dir})
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(filepath.Join(dir, "wallet.db"))
	assert.NoError(t, err, "database file was not created")
	assert.Equal(t, filepath.Join(dir, "wallet.db"), store.Path())
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".test"), expandPath("~/.test"))
	assert.Equal(t, "/tmp/x", expandPath("/tmp/x"))
}

func TestSettingsCRUD(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.Get("vault")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set("vault", []byte("v1")))
	got, err := store.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, store.Set("vault", []byte("v2")))
	got, err = store.Get("vault")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	removed, err := store.Delete("vault")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete("vault")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestClosedStorage(t *testing.T) {
	store, err := New(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Set("k", nil), ErrClosed)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := New(&Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, store.Set("k", []byte("persisted")))
	require.NoError(t, store.Close())

	store, err = New(&Config{DataDir: dir})
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}
