package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestWalkYieldsFilteredFilesWithRelativeKeys(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "aaa")
	writeFile(t, root, "nested/deep/b.txt", "bbbb")
	writeFile(t, root, "nested/c.tmp", "c")

	files, walkErr := walkLocalTree(root, NewExtensionFilter([]string{".tmp"}, true))

	require.NoError(t, walkErr)
	require.Len(t, files, 2)
	assert.Contains(t, files, "a.txt")
	assert.Contains(t, files, "nested/deep/b.txt")
	assert.NotContains(t, files, "nested/c.tmp")

	record := files["nested/deep/b.txt"]
	assert.Equal(t, int64(4), record.Size)
	assert.Equal(t, filepath.Join(root, "nested", "deep", "b.txt"), record.AbsPath)
	assert.WithinDuration(t, time.Now(), record.ModTime, time.Minute)
}

func TestWalkNeverYieldsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "dirs"), 0o755))
	writeFile(t, root, "only.txt", "x")

	files, walkErr := walkLocalTree(root, NewExtensionFilter(nil, false))

	require.NoError(t, walkErr)
	assert.Len(t, files, 1)
	assert.Contains(t, files, "only.txt")
}

func TestWalkDoesNotFollowSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "real.txt", "x")
	// link back to the root itself; following it would cycle forever
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))

	files, walkErr := walkLocalTree(root, NewExtensionFilter(nil, false))

	require.NoError(t, walkErr)
	assert.Len(t, files, 1)
	assert.Contains(t, files, "real.txt")
}

func TestWalkFailsForMissingRoot(t *testing.T) {
	_, walkErr := walkLocalTree(filepath.Join(t.TempDir(), "does-not-exist"), NewExtensionFilter(nil, false))

	assert.Error(t, walkErr)
}

func TestWalkSkipsUnreadableSubdirectories(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not apply to root")
	}
	root := t.TempDir()
	writeFile(t, root, "ok.txt", "x")
	writeFile(t, root, "locked/secret.txt", "y")
	require.NoError(t, os.Chmod(filepath.Join(root, "locked"), 0o000))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "locked"), 0o755) })

	files, walkErr := walkLocalTree(root, NewExtensionFilter(nil, false))

	require.NoError(t, walkErr)
	assert.Len(t, files, 1)
	assert.Contains(t, files, "ok.txt")
}

func TestWalkIsRestartable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "x")

	first, firstErr := walkLocalTree(root, NewExtensionFilter(nil, false))
	second, secondErr := walkLocalTree(root, NewExtensionFilter(nil, false))

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	assert.Equal(t, first, second)
}
