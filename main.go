package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

const usage = `usage: s3remotesync [flags] local_path bucket prefix

Mirrors local_path onto s3://bucket/prefix. Push-only: local files are
authoritative, remote-only objects are left alone unless -delete is set.
`

func main() {
	os.Exit(run())
}

func run() int {
	var appConfig AppConfig
	var extensions string

	flag.StringVar(&appConfig.EndpointURL, "endpoint-url", "", "S3-compatible service endpoint URL")
	flag.StringVar(&appConfig.Region, "region", "", "region name (e.g. oss-cn-beijing)")
	flag.StringVar(&appConfig.AccessKey, "access-key", "", "access key ID (default: environment)")
	flag.StringVar(&appConfig.SecretKey, "secret-key", "", "secret access key (default: environment)")
	flag.StringVar(&extensions, "extensions", "", "comma-separated file extensions to include (or exclude with -blacklist)")
	flag.BoolVar(&appConfig.Blacklist, "blacklist", false, "treat -extensions as a blacklist instead of a whitelist")
	flag.IntVar(&appConfig.Concurrency, "concurrency", 0, "maximum concurrent uploads")
	flag.DurationVar(&appConfig.SkewTolerance, "skew-tolerance", 0, "clock skew absorbed before a newer local mtime forces an upload")
	flag.BoolVar(&appConfig.UseChecksum, "checksum", false, "compare MD5 fingerprints when the remote ETag allows it")
	flag.BoolVar(&appConfig.Delete, "delete", false, "delete remote objects that no longer exist locally")
	flag.BoolVar(&appConfig.DryRun, "dry-run", false, "print the plan without transferring anything")
	flag.StringVar(&appConfig.CachePath, "cache-path", "", "metadata cache file (default ~/.s3remotesync/cache.db)")
	flag.DurationVar(&appConfig.CacheTTL, "cache-ttl", 0, "freshness window for the cached remote listing")
	flag.BoolVar(&appConfig.NoCache, "no-cache", false, "disable the metadata cache entirely")
	flag.BoolVar(&appConfig.Refresh, "refresh", false, "force a live remote listing, then refresh the cache")
	flag.DurationVar(&appConfig.LockTTL, "lock-ttl", 0, "age after which another synchronizer's lock is reclaimed as stale")
	flag.IntVar(&appConfig.LockRetries, "lock-retries", 0, "lock acquisition attempts before reporting a conflict")
	flag.StringVar(&appConfig.OnConflict, "on-conflict", "", "lock conflict handling: defer (retry with backoff) or skip")
	flag.IntVar(&appConfig.Interval, "interval", 0, "re-run the sync every N minutes until interrupted")
	flag.StringVar(&appConfig.SNSTopic, "sns-topic", "", "SNS topic ARN for failure notifications")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		return 2
	}
	appConfig.LocalPath = flag.Arg(0)
	appConfig.Bucket = flag.Arg(1)
	appConfig.Prefix = flag.Arg(2)
	if extensions != "" {
		appConfig.Extensions = strings.Split(extensions, ",")
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	fc, fileErr := loadFileConfig(appConfig.LocalPath)
	if fileErr != nil {
		log.Error(fileErr)
		return 1
	}
	if mergeErr := appConfig.merge(fc); mergeErr != nil {
		log.Error(mergeErr)
		return 1
	}
	appConfig.applyDefaults()
	if validateErr := appConfig.Validate(); validateErr != nil {
		log.Error(fmt.Sprintf("invalid configuration: %s", validateErr))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, clientErr := NewS3Client(ctx, appConfig)
	if clientErr != nil {
		log.Error(clientErr)
		return 1
	}

	var cache *MetadataCache
	if !appConfig.NoCache {
		var cacheErr error
		cache, cacheErr = OpenMetadataCache(appConfig.CachePath, appConfig.CacheTTL)
		if cacheErr != nil {
			log.Warn(fmt.Sprintf("metadata cache unavailable, continuing without it: %s", cacheErr))
		} else {
			defer cache.Close()
		}
	}

	var notifier Notifier
	if appConfig.SNSTopic != "" {
		var notifyErr error
		notifier, notifyErr = NewSNSNotifier(ctx, appConfig)
		if notifyErr != nil {
			log.Warn(fmt.Sprintf("SNS notifier unavailable: %s", notifyErr))
		}
	}

	syncer := NewSyncer(client, appConfig, cache, notifier)

	if appConfig.Interval > 0 {
		return runScheduled(ctx, syncer, appConfig.Interval)
	}
	return runOnce(ctx, syncer)
}

func runOnce(ctx context.Context, syncer *Syncer) int {
	result, runErr := syncer.Run(ctx)
	if runErr != nil {
		log.Error(fmt.Sprintf("sync failed: %s", runErr))
		return 1
	}
	if !result.Ok() {
		return 1
	}
	return 0
}

// runScheduled re-runs the sync on a fixed interval until the process
// is interrupted. Runs are serialized: a pass that outlives the
// interval delays the next one rather than overlapping it.
func runScheduled(ctx context.Context, syncer *Syncer, intervalMinutes int) int {
	scheduler := gocron.NewScheduler(time.Local)
	scheduler.SingletonModeAll()

	_, jobErr := scheduler.Every(intervalMinutes).Minutes().StartImmediately().Do(func() {
		if _, runErr := syncer.Run(ctx); runErr != nil {
			log.Error(fmt.Sprintf("scheduled sync failed: %s", runErr))
		}
	})
	if jobErr != nil {
		log.Error(fmt.Sprintf("scheduling sync: %s", jobErr))
		return 1
	}

	scheduler.StartAsync()
	<-ctx.Done()
	log.Info("interrupt received, waiting for in-flight uploads")
	scheduler.Stop()
	return 0
}
