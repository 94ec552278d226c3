package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// FileRecord describes one local file eligible for sync. RelPath is
// slash-separated and unique within a run; it doubles as the object key
// suffix under the destination prefix.
type FileRecord struct {
	RelPath string
	AbsPath string
	Size    int64
	ModTime time.Time
}

type walkFunc func(root string, filter *ExtensionFilter) (map[string]FileRecord, error)

// swappable so tests can stub filesystem interactions
var concreteWalkFunc walkFunc = walkLocalTree

// walkLocalTree enumerates every filter-approved file under root,
// keyed by slash-separated relative path. Symlinks are not followed so
// a cyclic link can never wedge the walk. A missing or unreadable root
// is fatal; unreadable entries below it are logged and skipped so one
// bad file does not sink the whole run.
func walkLocalTree(root string, filter *ExtensionFilter) (map[string]FileRecord, error) {
	files := make(map[string]FileRecord)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			log.Warn(fmt.Sprintf("%s is unreadable, skipping: %s", path, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if !filter.Accepts(rel) {
			log.Debug(fmt.Sprintf("%s does not match extension rules, skipping", rel))
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			log.Warn(fmt.Sprintf("stat %s failed, skipping: %s", path, infoErr))
			return nil
		}
		files[rel] = FileRecord{
			RelPath: rel,
			AbsPath: path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walking sync root %s: %w", root, walkErr)
	}

	return files, nil
}
