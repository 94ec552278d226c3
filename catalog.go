package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// internalPrefix is the reserved key space under the sync prefix where
// lock markers live. Objects below it never appear in a catalog listing
// and are never candidates for sync.
const internalPrefix = ".s3remotesync/"

// catalog produces the remote side of a sync run: a mapping from
// prefix-relative key to observed object state.
type catalog interface {
	List(ctx context.Context) (map[string]RemoteObject, error)
}

// remoteCatalog always performs a live, paginated listing.
type remoteCatalog struct {
	client ObjectClient
	bucket string
	prefix string
}

func (r *remoteCatalog) List(ctx context.Context) (map[string]RemoteObject, error) {
	remotes, listErr := r.client.ListObjects(ctx, r.bucket, r.prefix)
	if listErr != nil {
		return nil, listErr
	}
	for rel := range remotes {
		if strings.HasPrefix(rel, internalPrefix) {
			delete(remotes, rel)
		}
	}
	return remotes, nil
}

// cachedCatalog is a read-through accelerator over remoteCatalog: a
// fresh cache snapshot answers without a network call, anything else
// falls through to a live listing and refreshes the cache. The cache is
// never a correctness source; on any doubt the live listing wins.
type cachedCatalog struct {
	remote *remoteCatalog
	cache  *MetadataCache
	scope  string
	force  bool
}

func (c *cachedCatalog) List(ctx context.Context) (map[string]RemoteObject, error) {
	if !c.force {
		snapshot, snapErr := c.cache.Snapshot(c.scope)
		if snapErr == nil {
			log.Debug(fmt.Sprintf("remote catalog served from cache (%d entries)", len(snapshot)))
			return snapshot, nil
		}
		if !errors.Is(snapErr, ErrCacheStale) {
			log.Warn(fmt.Sprintf("metadata cache unusable, falling back to live listing: %s", snapErr))
		}
	}

	remotes, listErr := c.remote.List(ctx)
	if listErr != nil {
		return nil, listErr
	}
	if refreshErr := c.cache.ReplaceAll(c.scope, remotes); refreshErr != nil {
		log.Warn(fmt.Sprintf("metadata cache refresh failed: %s", refreshErr))
	}
	return remotes, nil
}

func cacheScope(bucket, prefix string) string {
	return bucket + "/" + prefix
}
