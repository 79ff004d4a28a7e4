package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSaveCreatesDirAndOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "attachments")
	s := NewStore(dir, zaptest.NewLogger(t))

	require.NoError(t, s.Save("snapshot.jpg", []byte("first")))
	require.NoError(t, s.Save("snapshot.jpg", []byte("second")))

	data, err := os.ReadFile(filepath.Join(dir, "snapshot.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestSaveKeepsBaseName(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "attachments")
	s := NewStore(dir, zaptest.NewLogger(t))

	require.NoError(t, s.Save("../../escape.png", []byte("x")))

	_, err := os.Stat(filepath.Join(dir, "escape.png"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "escape.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveRejectsEmptyName(t *testing.T) {
	s := NewStore(t.TempDir(), zaptest.NewLogger(t))

	require.Error(t, s.Save("", []byte("x")))
	require.Error(t, s.Save("..", []byte("x")))
}

func TestSaveWriteFailure(t *testing.T) {
	root := t.TempDir()
	// a regular file where the directory should be
	blocker := filepath.Join(root, "attachments")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	s := NewStore(blocker, zaptest.NewLogger(t))
	require.Error(t, s.Save("a.png", []byte("x")))
}

func TestNewStoreDefaultDir(t *testing.T) {
	s := NewStore("", zaptest.NewLogger(t))
	assert.Equal(t, DefaultDir, s.Dir())
	assert.Equal(t, filepath.Join(DefaultDir, "a.png"), s.Path("a.png"))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, zaptest.NewLogger(t))

	require.NoError(t, s.Save("old.jpg", []byte("old")))
	require.NoError(t, s.Save("new.jpg", []byte("new")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.jpg"), past, past))

	removed, err := s.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(dir, "old.jpg"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "new.jpg"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "sub"))
	assert.NoError(t, err)
}

func TestCleanupMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"), zaptest.NewLogger(t))

	removed, err := s.Cleanup(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
