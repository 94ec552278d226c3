package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jinzhu/configor"
	log "github.com/sirupsen/logrus"
)

// DefaultConfigFile is an optional per-directory YAML config picked up
// from the sync root. CLI flags override its values.
const DefaultConfigFile = ".s3remotesync.yml"

const (
	ConflictDefer = "defer"
	ConflictSkip  = "skip"
)

type AppConfig struct {
	LocalPath string
	Bucket    string
	Prefix    string

	EndpointURL string
	Region      string
	AccessKey   string
	SecretKey   string

	Extensions []string
	Blacklist  bool

	Concurrency   int
	SkewTolerance time.Duration
	UseChecksum   bool
	Delete        bool
	DryRun        bool

	CachePath string
	CacheTTL  time.Duration
	NoCache   bool
	Refresh   bool

	LockTTL     time.Duration
	LockRetries int
	LockBackoff time.Duration
	OnConflict  string

	Interval int
	SNSTopic string
}

// fileConfig mirrors AppConfig for the YAML file; durations are strings
// like "5s" so the file stays hand-editable.
type fileConfig struct {
	Bucket        string   `yaml:"bucket"`
	Prefix        string   `yaml:"prefix"`
	EndpointURL   string   `yaml:"endpoint-url"`
	Region        string   `yaml:"region"`
	Extensions    []string `yaml:"extensions"`
	Blacklist     bool     `yaml:"blacklist"`
	Concurrency   int      `yaml:"concurrency"`
	SkewTolerance string   `yaml:"skew-tolerance"`
	UseChecksum   bool     `yaml:"checksum"`
	CacheTTL      string   `yaml:"cache-ttl"`
	LockTTL       string   `yaml:"lock-ttl"`
	OnConflict    string   `yaml:"on-conflict"`
	Interval      int      `yaml:"interval"`
	SNSTopic      string   `yaml:"sns-topic"`
}

// loadFileConfig reads DefaultConfigFile from the sync root when it
// exists. A missing file is not an error; a malformed one is.
func loadFileConfig(localPath string) (fileConfig, error) {
	var fc fileConfig
	configPath := filepath.Join(localPath, DefaultConfigFile)
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		return fc, nil
	}
	if loadErr := configor.Load(&fc, configPath); loadErr != nil {
		return fc, fmt.Errorf("loading %s: %w", configPath, loadErr)
	}
	log.Debug(fmt.Sprintf("loaded config file %s", configPath))
	return fc, nil
}

// merge fills any AppConfig field the CLI left at its zero value from
// the file config, matching the original tool's cli-wins-over-file
// precedence. Boolean flags merge with OR since an unset flag is
// indistinguishable from false.
func (c *AppConfig) merge(fc fileConfig) error {
	if c.Bucket == "" {
		c.Bucket = fc.Bucket
	}
	if c.Prefix == "" {
		c.Prefix = fc.Prefix
	}
	if c.EndpointURL == "" {
		c.EndpointURL = fc.EndpointURL
	}
	if c.Region == "" {
		c.Region = fc.Region
	}
	if len(c.Extensions) == 0 {
		c.Extensions = fc.Extensions
	}
	c.Blacklist = c.Blacklist || fc.Blacklist
	c.UseChecksum = c.UseChecksum || fc.UseChecksum
	if c.Concurrency == 0 {
		c.Concurrency = fc.Concurrency
	}
	if c.OnConflict == "" {
		c.OnConflict = fc.OnConflict
	}
	if c.Interval == 0 {
		c.Interval = fc.Interval
	}
	if c.SNSTopic == "" {
		c.SNSTopic = fc.SNSTopic
	}

	for _, d := range []struct {
		raw    string
		target *time.Duration
	}{
		{fc.SkewTolerance, &c.SkewTolerance},
		{fc.CacheTTL, &c.CacheTTL},
		{fc.LockTTL, &c.LockTTL},
	} {
		if d.raw == "" || *d.target != 0 {
			continue
		}
		parsed, parseErr := time.ParseDuration(d.raw)
		if parseErr != nil {
			return fmt.Errorf("config file duration %q: %w", d.raw, parseErr)
		}
		*d.target = parsed
	}
	return nil
}

// applyDefaults backfills tuning knobs nobody set. Credentials fall
// back to the OSS_* environment aliases the original tool honored; the
// plain AWS_* variables are left to the SDK's default chain.
func (c *AppConfig) applyDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.SkewTolerance == 0 {
		c.SkewTolerance = 5 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.LockTTL == 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.LockRetries == 0 {
		c.LockRetries = 3
	}
	if c.LockBackoff == 0 {
		c.LockBackoff = 2 * time.Second
	}
	if c.OnConflict == "" {
		c.OnConflict = ConflictDefer
	}
	if c.CachePath == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr == nil {
			c.CachePath = filepath.Join(home, ".s3remotesync", "cache.db")
		} else {
			c.CachePath = filepath.Join(os.TempDir(), "s3remotesync-cache.db")
		}
	}
	if c.AccessKey == "" {
		c.AccessKey = os.Getenv("OSS_ACCESS_KEY_ID")
	}
	if c.SecretKey == "" {
		c.SecretKey = os.Getenv("OSS_SECRET_ACCESS_KEY")
	}
	if c.Region == "" {
		c.Region = os.Getenv("OSS_REGION")
	}
}

// Validate rejects configurations the engine cannot run with. These are
// the only failures that abort before any transfer.
func (c *AppConfig) Validate() error {
	if c.LocalPath == "" || c.Bucket == "" {
		return fmt.Errorf("local path and bucket are required")
	}
	info, statErr := os.Stat(c.LocalPath)
	if statErr != nil {
		return fmt.Errorf("sync root %s: %w", c.LocalPath, statErr)
	}
	if !info.IsDir() {
		return fmt.Errorf("sync root %s is not a directory", c.LocalPath)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.OnConflict != ConflictDefer && c.OnConflict != ConflictSkip {
		return fmt.Errorf("on-conflict must be %q or %q, got %q", ConflictDefer, ConflictSkip, c.OnConflict)
	}
	if c.SkewTolerance < 0 || c.CacheTTL < 0 || c.LockTTL <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}
