package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockConfig() AppConfig {
	return AppConfig{
		Bucket:      "test-bucket",
		Prefix:      "backups",
		LockTTL:     15 * time.Minute,
		LockRetries: 0,
		LockBackoff: time.Millisecond,
	}
}

func TestAcquireCreatesMarkerAndReleaseRemovesIt(t *testing.T) {
	client := NewMockObjectClient()
	locks := newLockManager(client, lockConfig())

	require.NoError(t, locks.Acquire(context.Background(), "a.txt"))
	assert.True(t, client.HasObject("backups/.s3remotesync/locks/a.txt.lock"))

	require.NoError(t, locks.Release(context.Background(), "a.txt"))
	assert.False(t, client.HasObject("backups/.s3remotesync/locks/a.txt.lock"))
}

func TestConcurrentAcquirersExactlyOneWins(t *testing.T) {
	client := NewMockObjectClient()
	first := newLockManager(client, lockConfig())
	second := newLockManager(client, lockConfig())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, locks := range []*lockManager{first, second} {
		wg.Add(1)
		go func(idx int, l *lockManager) {
			defer wg.Done()
			results[idx] = l.Acquire(context.Background(), "contested.txt")
		}(i, locks)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrLockConflict)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, client.LockMarkers(), 1)
}

func TestFreshLockBlocksSecondHolder(t *testing.T) {
	client := NewMockObjectClient()
	holder := newLockManager(client, lockConfig())
	waiter := newLockManager(client, lockConfig())

	require.NoError(t, holder.Acquire(context.Background(), "a.txt"))

	acquireErr := waiter.Acquire(context.Background(), "a.txt")
	assert.ErrorIs(t, acquireErr, ErrLockConflict)
}

func TestStaleLockIsReclaimed(t *testing.T) {
	client := NewMockObjectClient()
	crashed := newLockManager(client, lockConfig())
	require.NoError(t, crashed.Acquire(context.Background(), "a.txt"))
	// the crashed holder never released; age its marker past the threshold
	client.BackdateObject("backups/.s3remotesync/locks/a.txt.lock", time.Hour)

	reclaimer := newLockManager(client, lockConfig())
	assert.NoError(t, reclaimer.Acquire(context.Background(), "a.txt"))
	assert.Len(t, client.LockMarkers(), 1)
}

func TestDeferredAcquireSucceedsAfterHolderReleases(t *testing.T) {
	client := NewMockObjectClient()
	holder := newLockManager(client, lockConfig())
	require.NoError(t, holder.Acquire(context.Background(), "a.txt"))

	cfg := lockConfig()
	cfg.LockRetries = 5
	waiter := newLockManager(client, cfg)

	go func() {
		time.Sleep(2 * time.Millisecond)
		_ = holder.Release(context.Background(), "a.txt")
	}()

	assert.NoError(t, waiter.Acquire(context.Background(), "a.txt"))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	client := NewMockObjectClient()
	holder := newLockManager(client, lockConfig())
	require.NoError(t, holder.Acquire(context.Background(), "a.txt"))

	cfg := lockConfig()
	cfg.LockRetries = 100
	cfg.LockBackoff = 50 * time.Millisecond
	waiter := newLockManager(client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	acquireErr := waiter.Acquire(ctx, "a.txt")
	assert.ErrorIs(t, acquireErr, context.Canceled)
}

func TestLockKeyIsScopedUnderPrefix(t *testing.T) {
	locks := newLockManager(NewMockObjectClient(), lockConfig())
	assert.Equal(t, "backups/.s3remotesync/locks/nested/a.txt.lock", locks.markerKey("nested/a.txt"))

	unprefixed := lockConfig()
	unprefixed.Prefix = ""
	rootLocks := newLockManager(NewMockObjectClient(), unprefixed)
	assert.Equal(t, ".s3remotesync/locks/a.txt.lock", rootLocks.markerKey("a.txt"))
}
