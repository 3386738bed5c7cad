package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	ops := NewFileOperations()
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	require.NoError(t, ops.EnsureDir(dir))
	assert.DirExists(t, dir)

	// Already existing is fine.
	require.NoError(t, ops.EnsureDir(dir))
}

func TestEnsureParentDir(t *testing.T) {
	ops := NewFileOperations()
	path := filepath.Join(t.TempDir(), "nested", "dir", "file.content")

	require.NoError(t, ops.EnsureParentDir(path))
	assert.DirExists(t, filepath.Dir(path))
	assert.False(t, ops.FileExists(path))
}

func TestFileExists(t *testing.T) {
	ops := NewFileOperations()
	path := filepath.Join(t.TempDir(), "present.txt")

	assert.False(t, ops.FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.True(t, ops.FileExists(path))
}

func TestGetFileSize(t *testing.T) {
	ops := NewFileOperations()
	path := filepath.Join(t.TempDir(), "sized.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1234), 0644))

	size, err := ops.GetFileSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), size)

	_, err = ops.GetFileSize(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestAtomicRename(t *testing.T) {
	ops := NewFileOperations()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "db.part")
	newPath := filepath.Join(dir, "db.content")
	require.NoError(t, os.WriteFile(oldPath, []byte("payload"), 0644))

	require.NoError(t, ops.AtomicRename(oldPath, newPath))
	assert.False(t, ops.FileExists(oldPath))

	data, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestAtomicRenameReplacesExisting(t *testing.T) {
	ops := NewFileOperations()
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "new.part")
	newPath := filepath.Join(dir, "db.content")
	require.NoError(t, os.WriteFile(newPath, []byte("stale"), 0644))
	require.NoError(t, os.WriteFile(oldPath, []byte("fresh"), 0644))

	require.NoError(t, ops.AtomicRename(oldPath, newPath))

	data, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestRemoveIfExists(t *testing.T) {
	ops := NewFileOperations()
	path := filepath.Join(t.TempDir(), "temp.zip")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, ops.RemoveIfExists(path))
	assert.False(t, ops.FileExists(path))

	// Removing an absent file is not an error.
	require.NoError(t, ops.RemoveIfExists(path))
}
