package main

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

type ActionOp int

const (
	ActionSkip ActionOp = iota
	ActionUpload
	ActionDelete
)

func (op ActionOp) String() string {
	switch op {
	case ActionUpload:
		return "upload"
	case ActionDelete:
		return "delete"
	default:
		return "skip"
	}
}

// SyncAction is one planned operation for one relative path. A plan
// holds at most one action per path, and re-planning an unchanged tree
// yields only skips.
type SyncAction struct {
	Op     ActionOp
	Path   string
	Reason string
}

type PlanOptions struct {
	// SkewTolerance absorbs filesystem and clock jitter across
	// machines: a local mtime must beat the remote timestamp by more
	// than this before it alone triggers an upload.
	SkewTolerance time.Duration

	// UseChecksum lets a cheap fingerprint comparison (local MD5 vs a
	// non-multipart ETag) override the time/size heuristic.
	UseChecksum bool

	// Delete plans removal of remote keys with no local counterpart.
	// Off by default: the engine is push-only and remote extras are
	// left untouched unless explicitly requested.
	Delete bool
}

// BuildPlan computes the action set for one run. It is deterministic
// and pure with respect to its inputs: identical snapshots produce an
// identical, sorted action sequence regardless of enumeration order.
//
// Per local path: no remote entry means upload; a local mtime newer
// than the remote beyond the skew tolerance means upload; a size
// mismatch means upload even when timestamps agree, since clock skew
// must not mask a real change. Everything else is a skip.
func BuildPlan(locals map[string]FileRecord, remotes map[string]RemoteObject, opts PlanOptions) []SyncAction {
	actions := make([]SyncAction, 0, len(locals))

	localPaths := make([]string, 0, len(locals))
	for rel := range locals {
		localPaths = append(localPaths, rel)
	}
	sort.Strings(localPaths)

	for _, rel := range localPaths {
		actions = append(actions, decide(locals[rel], remotes, opts))
	}

	if opts.Delete {
		remoteOnly := make([]string, 0)
		for rel := range remotes {
			if _, exists := locals[rel]; !exists {
				remoteOnly = append(remoteOnly, rel)
			}
		}
		sort.Strings(remoteOnly)
		for _, rel := range remoteOnly {
			actions = append(actions, SyncAction{Op: ActionDelete, Path: rel, Reason: "absent locally"})
		}
	}

	return actions
}

func decide(local FileRecord, remotes map[string]RemoteObject, opts PlanOptions) SyncAction {
	remote, exists := remotes[local.RelPath]
	if !exists {
		return SyncAction{Op: ActionUpload, Path: local.RelPath, Reason: "new file"}
	}

	if opts.UseChecksum && etagIsMD5(remote.ETag) {
		if localMD5, md5Err := fileMD5(local.AbsPath); md5Err == nil {
			if localMD5 == remote.ETag {
				return SyncAction{Op: ActionSkip, Path: local.RelPath, Reason: "checksum match"}
			}
			return SyncAction{Op: ActionUpload, Path: local.RelPath, Reason: "checksum mismatch"}
		}
		// unreadable local file: fall back to the time/size heuristic
	}

	if local.ModTime.Sub(remote.LastModified) > opts.SkewTolerance {
		return SyncAction{Op: ActionUpload, Path: local.RelPath, Reason: "modified"}
	}
	if local.Size != remote.Size {
		return SyncAction{Op: ActionUpload, Path: local.RelPath, Reason: "size mismatch"}
	}
	return SyncAction{Op: ActionSkip, Path: local.RelPath, Reason: "up to date"}
}

// etagIsMD5 reports whether an ETag is a plain MD5 content hash.
// Multipart uploads carry a "-<parts>" suffix and cannot be compared
// against a whole-file digest.
func etagIsMD5(etag string) bool {
	return etag != "" && !strings.Contains(etag, "-")
}

func fileMD5(path string) (string, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return "", openErr
	}
	defer file.Close()

	hash := md5.New()
	if _, copyErr := io.Copy(hash, file); copyErr != nil {
		return "", copyErr
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
