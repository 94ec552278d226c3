package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSyncConfig(root string) AppConfig {
	return AppConfig{
		LocalPath:     root,
		Bucket:        "test-bucket",
		Prefix:        "prefix",
		Concurrency:   2,
		SkewTolerance: 5 * time.Second,
		LockTTL:       15 * time.Minute,
		LockBackoff:   time.Millisecond,
		OnConflict:    ConflictSkip,
	}
}

func TestSyncUploadsNewFilesAndHonorsBlacklist(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "b.tmp", "scratch")

	client := NewMockObjectClient()
	cfg := testSyncConfig(root)
	cfg.Extensions = []string{".tmp"}
	cfg.Blacklist = true

	result, runErr := NewSyncer(client, cfg, nil, nil).Run(context.Background())

	require.NoError(t, runErr)
	assert.True(t, result.Ok())
	assert.Equal(t, []string{"a.txt"}, result.Uploaded)
	assert.True(t, client.HasObject("prefix/a.txt"))
	assert.False(t, client.HasObject("prefix/b.tmp"))
	assert.Empty(t, client.LockMarkers(), "locks must be released after upload")
}

func TestSecondRunIsAllSkips(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "b.txt", "world")

	client := NewMockObjectClient()
	cfg := testSyncConfig(root)
	syncer := NewSyncer(client, cfg, nil, nil)

	first, firstErr := syncer.Run(context.Background())
	require.NoError(t, firstErr)
	require.Len(t, first.Uploaded, 2)

	second, secondErr := syncer.Run(context.Background())
	require.NoError(t, secondErr)
	assert.Empty(t, second.Uploaded)
	assert.Len(t, second.Skipped, 2)
	assert.True(t, second.Ok())
}

func TestOlderLocalWithEqualSizeIsNotReuploaded(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "1234567890") // 10 bytes

	client := NewMockObjectClient()
	client.SeedObject("prefix/a.txt", 10, time.Now().Add(time.Hour))

	result, runErr := NewSyncer(client, testSyncConfig(root), nil, nil).Run(context.Background())

	require.NoError(t, runErr)
	assert.Empty(t, result.Uploaded)
	assert.Equal(t, []string{"a.txt"}, result.Skipped)
}

func TestLockedKeyIsReportedAsConflictNotFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "contested.txt", "mine")
	writeFile(t, root, "free.txt", "also mine")

	client := NewMockObjectClient()
	otherProcess := newLockManager(client, lockConfig())
	otherProcess.bucket = "test-bucket"
	otherProcess.prefix = "prefix"
	require.NoError(t, otherProcess.Acquire(context.Background(), "contested.txt"))

	result, runErr := NewSyncer(client, testSyncConfig(root), nil, nil).Run(context.Background())

	require.NoError(t, runErr)
	assert.Equal(t, []string{"contested.txt"}, result.Conflicts)
	assert.Equal(t, []string{"free.txt"}, result.Uploaded)
	assert.Empty(t, result.Failed)
	assert.True(t, result.Ok(), "a conflict is a deferral, not a failure")
	assert.False(t, client.HasObject("prefix/contested.txt"))
}

func TestFailedUploadIsIsolatedAndReflectedInResult(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	client := NewMockObjectClient()
	client.UploadErr = errors.New("connection reset")

	result, runErr := NewSyncer(client, testSyncConfig(root), nil, nil).Run(context.Background())

	require.NoError(t, runErr, "a per-file transfer failure must not abort the run")
	assert.False(t, result.Ok())
	assert.Contains(t, result.Failed, "a.txt")
	assert.Empty(t, client.LockMarkers(), "locks must be released after a failed upload")
}

func TestDryRunTransfersNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	client := NewMockObjectClient()
	cfg := testSyncConfig(root)
	cfg.DryRun = true

	result, runErr := NewSyncer(client, cfg, nil, nil).Run(context.Background())

	require.NoError(t, runErr)
	assert.Empty(t, client.UploadRequests)
	assert.Empty(t, result.Uploaded)
	assert.True(t, result.Ok())
}

func TestCancelledContextSchedulesNoUploads(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewMockObjectClient()
	_, runErr := NewSyncer(client, testSyncConfig(root), nil, nil).Run(ctx)

	require.NoError(t, runErr)
	assert.Empty(t, client.UploadRequests)
	assert.Empty(t, client.LockMarkers())
}

func TestDeleteOptInRemovesRemoteOnlyObjects(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "hello")

	client := NewMockObjectClient()
	client.SeedObject("prefix/keep.txt", 5, time.Now().Add(time.Hour))
	client.SeedObject("prefix/orphan.txt", 3, time.Now())

	cfg := testSyncConfig(root)
	cfg.Delete = true

	result, runErr := NewSyncer(client, cfg, nil, nil).Run(context.Background())

	require.NoError(t, runErr)
	assert.Equal(t, []string{"orphan.txt"}, result.Deleted)
	assert.False(t, client.HasObject("prefix/orphan.txt"))
	assert.True(t, client.HasObject("prefix/keep.txt"))
}

func TestUploadMetadataCarriesLocalMtime(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	client := NewMockObjectClient()
	_, runErr := NewSyncer(client, testSyncConfig(root), nil, nil).Run(context.Background())
	require.NoError(t, runErr)

	client.mu.Lock()
	obj := client.objects["prefix/a.txt"]
	client.mu.Unlock()
	assert.Contains(t, obj.metadata, "mtime")
}

func TestWriteThroughCacheMakesSecondRunSkipWithoutListing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	client := NewMockObjectClient()
	cache := openTestCache(t, time.Minute)
	cfg := testSyncConfig(root)
	syncer := NewSyncer(client, cfg, cache, nil)

	first, firstErr := syncer.Run(context.Background())
	require.NoError(t, firstErr)
	require.Equal(t, []string{"a.txt"}, first.Uploaded)
	require.Equal(t, 1, client.ListCalls)

	second, secondErr := syncer.Run(context.Background())
	require.NoError(t, secondErr)
	assert.Empty(t, second.Uploaded)
	assert.Equal(t, []string{"a.txt"}, second.Skipped)
	assert.Equal(t, 1, client.ListCalls, "fresh cache plus write-through must avoid a second listing")
}

func TestForcedRefreshBypassesCache(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	client := NewMockObjectClient()
	cache := openTestCache(t, time.Minute)
	cfg := testSyncConfig(root)
	cfg.Refresh = true
	syncer := NewSyncer(client, cfg, cache, nil)

	_, firstErr := syncer.Run(context.Background())
	require.NoError(t, firstErr)
	_, secondErr := syncer.Run(context.Background())
	require.NoError(t, secondErr)

	assert.Equal(t, 2, client.ListCalls)
}

func TestListingFailureAbortsTheRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	client := NewMockObjectClient()
	client.ListErr = errors.New("no route to host")

	_, runErr := NewSyncer(client, testSyncConfig(root), nil, nil).Run(context.Background())

	assert.Error(t, runErr)
	assert.Empty(t, client.UploadRequests)
}
