package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// SyncResult accumulates per-key outcomes across the worker pool.
type SyncResult struct {
	Uploaded      []string
	Skipped       []string
	Deleted       []string
	Conflicts     []string
	Failed        map[string]error
	BytesUploaded int64
	lock          *sync.Mutex
}

func NewSyncResult() *SyncResult {
	return &SyncResult{
		Uploaded: make([]string, 0),
		Skipped:  make([]string, 0),
		Deleted:  make([]string, 0),
		Failed:   make(map[string]error),
		lock:     new(sync.Mutex),
	}
}

func (r *SyncResult) AddUploaded(path string, size int64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Uploaded = append(r.Uploaded, path)
	r.BytesUploaded += size
}

func (r *SyncResult) AddSkipped(path string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Skipped = append(r.Skipped, path)
}

func (r *SyncResult) AddDeleted(path string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Deleted = append(r.Deleted, path)
}

func (r *SyncResult) AddConflict(path string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Conflicts = append(r.Conflicts, path)
}

func (r *SyncResult) AddFailed(path string, err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Failed[path] = err
}

// Ok reports whether every planned transfer landed.
func (r *SyncResult) Ok() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.Failed) == 0
}

// Syncer wires the enumerator, catalog, diff engine, lock manager and
// uploader into one run. Instances are independent: two Syncers in one
// process share nothing but the store itself.
type Syncer struct {
	config   AppConfig
	client   ObjectClient
	catalog  catalog
	cache    *MetadataCache
	locks    *lockManager
	filter   *ExtensionFilter
	notifier Notifier
	scope    string
}

func NewSyncer(client ObjectClient, appConfig AppConfig, cache *MetadataCache, notifier Notifier) *Syncer {
	scope := cacheScope(appConfig.Bucket, appConfig.Prefix)
	remote := &remoteCatalog{client: client, bucket: appConfig.Bucket, prefix: appConfig.Prefix}

	var cat catalog = remote
	if cache != nil {
		cat = &cachedCatalog{remote: remote, cache: cache, scope: scope, force: appConfig.Refresh}
	}

	locks := newLockManager(client, appConfig)
	if appConfig.OnConflict == ConflictSkip {
		// skip mode reports the conflict immediately instead of waiting
		locks.retries = 0
	}

	return &Syncer{
		config:   appConfig,
		client:   client,
		catalog:  cat,
		cache:    cache,
		locks:    locks,
		filter:   NewExtensionFilter(appConfig.Extensions, appConfig.Blacklist),
		notifier: notifier,
		scope:    scope,
	}
}

// Run performs one full synchronization pass. Only enumeration and
// listing failures abort the run; everything past planning is isolated
// per key and reported in the result.
func (s *Syncer) Run(ctx context.Context) (*SyncResult, error) {
	result := NewSyncResult()
	syncStartTime := time.Now()
	log.Info(fmt.Sprintf("sync starting: %s -> s3://%s/%s", s.config.LocalPath, s.config.Bucket, s.config.Prefix))

	localFiles, walkErr := concreteWalkFunc(s.config.LocalPath, s.filter)
	if walkErr != nil {
		return result, fmt.Errorf("enumerating local files: %w", walkErr)
	}

	remoteObjects, listErr := s.catalog.List(ctx)
	if listErr != nil {
		return result, fmt.Errorf("listing remote objects: %w", listErr)
	}

	plan := BuildPlan(localFiles, remoteObjects, PlanOptions{
		SkewTolerance: s.config.SkewTolerance,
		UseChecksum:   s.config.UseChecksum,
		Delete:        s.config.Delete,
	})

	if s.config.DryRun {
		for _, action := range plan {
			if action.Op == ActionSkip {
				continue
			}
			log.Info(fmt.Sprintf("would %s %s (%s)", action.Op, action.Path, action.Reason))
		}
		return result, nil
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.config.Concurrency)

	for _, action := range plan {
		switch action.Op {
		case ActionSkip:
			log.Debug(fmt.Sprintf("%s is in sync, no action required", action.Path))
			result.AddSkipped(action.Path)
		case ActionUpload:
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go s.executeUpload(ctx, localFiles[action.Path], action.Reason, semaphore, &wg, result)
		case ActionDelete:
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go s.executeDelete(ctx, action.Path, semaphore, &wg, result)
		}
	}
	wg.Wait()

	duration := time.Since(syncStartTime).Round(time.Millisecond)
	log.Info(fmt.Sprintf("sync complete: %d uploaded (%s), %d skipped, %d deleted, %d conflicts, %d failed in %s",
		len(result.Uploaded), humanize.Bytes(uint64(result.BytesUploaded)), len(result.Skipped),
		len(result.Deleted), len(result.Conflicts), len(result.Failed), duration))

	if s.notifier != nil {
		if notifyErr := s.notifier.NotifySyncResults(s.config, result); notifyErr != nil {
			log.Warn(fmt.Sprintf("result notification failed: %s", notifyErr))
		}
	}

	return result, nil
}

func (s *Syncer) executeUpload(
	ctx context.Context,
	file FileRecord,
	reason string,
	semaphore chan struct{},
	wg *sync.WaitGroup,
	result *SyncResult,
) {
	defer wg.Done()
	semaphore <- struct{}{}
	defer func() { <-semaphore }()

	if ctx.Err() != nil {
		return
	}

	if !s.withLock(ctx, file.RelPath, result, func() error {
		return s.uploadFile(ctx, file)
	}) {
		return
	}
	log.Info(fmt.Sprintf("uploaded %s (%s)", file.RelPath, reason))
	result.AddUploaded(file.RelPath, file.Size)
}

func (s *Syncer) executeDelete(
	ctx context.Context,
	rel string,
	semaphore chan struct{},
	wg *sync.WaitGroup,
	result *SyncResult,
) {
	defer wg.Done()
	semaphore <- struct{}{}
	defer func() { <-semaphore }()

	if ctx.Err() != nil {
		return
	}

	if !s.withLock(ctx, rel, result, func() error {
		if delErr := s.client.DeleteObject(ctx, s.config.Bucket, s.objectKey(rel)); delErr != nil {
			return delErr
		}
		if s.cache != nil {
			if cacheErr := s.cache.Invalidate(s.scope, rel); cacheErr != nil {
				log.Warn(fmt.Sprintf("cache invalidation for %s failed: %s", rel, cacheErr))
			}
		}
		return nil
	}) {
		return
	}
	log.Info(fmt.Sprintf("deleted %s", rel))
	result.AddDeleted(rel)
}

// withLock brackets op with the per-key store lock and records lock
// conflicts and failures. It reports whether op ran and succeeded. The
// release uses a cancellation-proof context so an interrupted run still
// cleans up the markers it holds.
func (s *Syncer) withLock(ctx context.Context, rel string, result *SyncResult, op func() error) bool {
	if lockErr := s.locks.Acquire(ctx, rel); lockErr != nil {
		if errors.Is(lockErr, ErrLockConflict) {
			log.Warn(fmt.Sprintf("%s is locked by another synchronizer, deferring to it", rel))
			result.AddConflict(rel)
		} else if !errors.Is(lockErr, context.Canceled) {
			result.AddFailed(rel, lockErr)
		}
		return false
	}
	defer func() {
		if releaseErr := s.locks.Release(context.WithoutCancel(ctx), rel); releaseErr != nil {
			log.Warn(releaseErr.Error())
		}
	}()

	if opErr := op(); opErr != nil {
		if errors.Is(opErr, context.Canceled) {
			return false
		}
		log.Warn(fmt.Sprintf("%s failed: %s", rel, opErr))
		result.AddFailed(rel, opErr)
		return false
	}
	return true
}

func (s *Syncer) uploadFile(ctx context.Context, file FileRecord) error {
	fd, openErr := os.Open(file.AbsPath)
	if openErr != nil {
		return openErr
	}
	defer fd.Close()

	metadata := map[string]string{
		"mtime": strconv.FormatInt(file.ModTime.Unix(), 10),
	}
	if s.config.UseChecksum {
		if localMD5, md5Err := fileMD5(file.AbsPath); md5Err == nil {
			metadata["md5"] = localMD5
		}
	}

	uploaded, uploadErr := s.client.Upload(ctx, s.config.Bucket, s.objectKey(file.RelPath), fd, metadata)
	if uploadErr != nil {
		return uploadErr
	}

	if s.cache != nil {
		uploaded.RelPath = file.RelPath
		uploaded.Size = file.Size
		if cacheErr := s.cache.Put(s.scope, uploaded); cacheErr != nil {
			log.Warn(fmt.Sprintf("cache write-through for %s failed: %s", file.RelPath, cacheErr))
		}
	}
	return nil
}

func (s *Syncer) objectKey(rel string) string {
	if s.config.Prefix == "" {
		return rel
	}
	return s.config.Prefix + "/" + rel
}
