package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrLockConflict is returned when another synchronizer holds a fresh
// lock on the key and the retry budget is exhausted.
var ErrLockConflict = errors.New("lock held by another synchronizer")

// lockMarker is the body of a lock object. The store's own LastModified
// on the marker is what staleness decisions use, so all participants
// judge age by the same clock; the body exists for operators inspecting
// a stuck lock.
type lockMarker struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// lockManager serializes concurrent synchronizers' writes to a key
// without a central lock server. The lock is an object at a well-known
// path under the sync prefix, created with a conditional write that
// succeeds only when no marker exists. A marker older than the
// staleness threshold is presumed orphaned by a crashed holder and is
// reclaimed.
type lockManager struct {
	client   ObjectClient
	bucket   string
	prefix   string
	holderID string
	staleAge time.Duration
	retries  int
	backoff  time.Duration
}

func newLockManager(client ObjectClient, appConfig AppConfig) *lockManager {
	hostname, _ := os.Hostname()
	return &lockManager{
		client:   client,
		bucket:   appConfig.Bucket,
		prefix:   appConfig.Prefix,
		holderID: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		staleAge: appConfig.LockTTL,
		retries:  appConfig.LockRetries,
		backoff:  appConfig.LockBackoff,
	}
}

func (l *lockManager) markerKey(rel string) string {
	key := internalPrefix + "locks/" + rel + ".lock"
	if l.prefix != "" {
		key = l.prefix + "/" + key
	}
	return key
}

// Acquire takes the per-key lock, retrying with linear backoff while
// another holder's fresh marker exists. It honors ctx so cancellation
// never leaves a waiter blocked.
func (l *lockManager) Acquire(ctx context.Context, rel string) error {
	for attempt := 0; ; attempt++ {
		acquireErr := l.tryAcquire(ctx, rel)
		if acquireErr == nil {
			return nil
		}
		if !errors.Is(acquireErr, ErrLockConflict) {
			return acquireErr
		}
		if attempt >= l.retries {
			return fmt.Errorf("lock on %s after %d attempts: %w", rel, attempt+1, ErrLockConflict)
		}

		wait := time.Duration(attempt+1) * l.backoff
		log.Debug(fmt.Sprintf("lock on %s is held, retrying in %s", rel, wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (l *lockManager) tryAcquire(ctx context.Context, rel string) error {
	body, marshalErr := json.Marshal(lockMarker{
		Holder:     l.holderID,
		AcquiredAt: time.Now().UTC(),
	})
	if marshalErr != nil {
		return marshalErr
	}

	markerKey := l.markerKey(rel)
	putErr := l.client.PutIfAbsent(ctx, l.bucket, markerKey, body)
	if putErr == nil {
		return nil
	}
	if !errors.Is(putErr, ErrPreconditionFailed) {
		return putErr
	}

	// Someone else's marker exists. Reclaim it if it is stale, which
	// handles holders that crashed without releasing.
	marker, headErr := l.client.HeadObject(ctx, l.bucket, markerKey)
	if headErr != nil {
		if errors.Is(headErr, ErrObjectNotFound) {
			// released between our put and head; next attempt races for it
			return fmt.Errorf("lock on %s briefly contended: %w", rel, ErrLockConflict)
		}
		return headErr
	}
	if time.Since(marker.LastModified) <= l.staleAge {
		return fmt.Errorf("lock on %s: %w", rel, ErrLockConflict)
	}

	log.Warn(fmt.Sprintf("reclaiming stale lock on %s (age %s)", rel, time.Since(marker.LastModified).Round(time.Second)))
	if delErr := l.client.DeleteObject(ctx, l.bucket, markerKey); delErr != nil {
		return delErr
	}
	// Re-run the conditional write rather than assuming the delete won:
	// a concurrent reclaimer may beat us to the new marker, in which
	// case we observe a conflict like any other waiter.
	if retryErr := l.client.PutIfAbsent(ctx, l.bucket, markerKey, body); retryErr != nil {
		if errors.Is(retryErr, ErrPreconditionFailed) {
			return fmt.Errorf("lock on %s reclaimed by another synchronizer: %w", rel, ErrLockConflict)
		}
		return retryErr
	}
	return nil
}

// Release deletes the marker. Uses a background-capable context so a
// cancelled run can still clean up the locks it holds on the way out.
func (l *lockManager) Release(ctx context.Context, rel string) error {
	if delErr := l.client.DeleteObject(ctx, l.bucket, l.markerKey(rel)); delErr != nil {
		return fmt.Errorf("releasing lock on %s: %w", rel, delErr)
	}
	return nil
}
