package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("k", "v"))
	v, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete("k"))
	_, ok, err = s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("device.identity", "blob"))
	require.NoError(t, s.Set("other", "value"))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	v, ok, err := reopened.Get("device.identity")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "blob", v)
}

func TestFileStore_DeletePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, s.Delete("k"))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	_, ok, err := reopened.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_DeleteMissingIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	assert.NoError(t, s.Delete("never-set"))
}

func TestFileStore_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, ok, err := s.Get("anything")
	require.NoError(t, err)
	assert.False(t, ok)

	// The store recovers and persists new values normally.
	require.NoError(t, s.Set("k", "v"))
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	v, ok, _ := reopened.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestFileStore_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.yaml")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
