package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrCacheStale signals that the cached remote listing is outside its
// freshness window (or was never populated) and a live listing is
// required.
var ErrCacheStale = errors.New("metadata cache is stale")

var refreshedAtKey = []byte("__refreshed_at__")

// CacheEntry is the persisted form of a RemoteObject plus the time it
// was observed. Entries are a performance optimization only: staleness
// triggers a live listing, never a missed upload.
type CacheEntry struct {
	RemoteObject
	CachedAt time.Time `json:"cached_at"`
}

// MetadataCache is a local, persisted index of previously observed
// remote object states. One bolt bucket per <bucket>/<prefix> scope, so
// independent sync targets sharing the cache file stay isolated. bbolt
// serializes writers internally, which makes the cache safe for the
// upload worker pool.
type MetadataCache struct {
	db  *bolt.DB
	ttl time.Duration
}

func OpenMetadataCache(path string, ttl time.Duration) (*MetadataCache, error) {
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return nil, fmt.Errorf("creating cache directory: %w", mkErr)
	}
	db, openErr := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if openErr != nil {
		return nil, fmt.Errorf("opening metadata cache %s: %w", path, openErr)
	}
	return &MetadataCache{db: db, ttl: ttl}, nil
}

func (c *MetadataCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Snapshot returns the cached remote mapping for scope if the last full
// refresh is still inside the freshness window, otherwise ErrCacheStale.
func (c *MetadataCache) Snapshot(scope string) (map[string]RemoteObject, error) {
	remotes := make(map[string]RemoteObject)

	viewErr := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(scope))
		if bucket == nil {
			return ErrCacheStale
		}

		refreshedRaw := bucket.Get(refreshedAtKey)
		if refreshedRaw == nil {
			return ErrCacheStale
		}
		var refreshedAt time.Time
		if err := refreshedAt.UnmarshalText(refreshedRaw); err != nil {
			return fmt.Errorf("decoding cache refresh timestamp: %w", err)
		}
		if time.Since(refreshedAt) > c.ttl {
			return ErrCacheStale
		}

		return bucket.ForEach(func(k, v []byte) error {
			if string(k) == string(refreshedAtKey) {
				return nil
			}
			var entry CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// a corrupt entry invalidates the whole snapshot
				return fmt.Errorf("decoding cache entry %s: %w", k, ErrCacheStale)
			}
			remotes[string(k)] = entry.RemoteObject
			return nil
		})
	})
	if viewErr != nil {
		return nil, viewErr
	}

	return remotes, nil
}

// ReplaceAll discards the scope's entries and stores remotes as the new
// full listing, stamping the freshness window from now.
func (c *MetadataCache) ReplaceAll(scope string, remotes map[string]RemoteObject) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(scope)) != nil {
			if err := tx.DeleteBucket([]byte(scope)); err != nil {
				return err
			}
		}
		bucket, createErr := tx.CreateBucket([]byte(scope))
		if createErr != nil {
			return createErr
		}

		now := time.Now()
		for rel, obj := range remotes {
			raw, marshalErr := json.Marshal(CacheEntry{RemoteObject: obj, CachedAt: now})
			if marshalErr != nil {
				return marshalErr
			}
			if err := bucket.Put([]byte(rel), raw); err != nil {
				return err
			}
		}

		stamp, stampErr := now.MarshalText()
		if stampErr != nil {
			return stampErr
		}
		return bucket.Put(refreshedAtKey, stamp)
	})
}

// Put records a single observed remote state, the write-through update
// the uploader applies after every successful transfer.
func (c *MetadataCache) Put(scope string, obj RemoteObject) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket, createErr := tx.CreateBucketIfNotExists([]byte(scope))
		if createErr != nil {
			return createErr
		}
		raw, marshalErr := json.Marshal(CacheEntry{RemoteObject: obj, CachedAt: time.Now()})
		if marshalErr != nil {
			return marshalErr
		}
		return bucket.Put([]byte(obj.RelPath), raw)
	})
}

// Invalidate drops a single entry, forcing the next consumer of that
// key to a live lookup.
func (c *MetadataCache) Invalidate(scope, rel string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(scope))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(rel))
	})
}
