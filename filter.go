package main

import (
	"path"
	"strings"
)

// ExtensionFilter decides whether a relative path takes part in a sync
// based on its file extension. In whitelist mode only listed extensions
// are accepted; in blacklist mode listed extensions are rejected and
// everything else is accepted. An empty extension list accepts every
// file in both modes, so syncing without -extensions behaves like a
// plain recursive copy.
type ExtensionFilter struct {
	extensions map[string]struct{}
	blacklist  bool
}

func NewExtensionFilter(extensions []string, blacklist bool) *ExtensionFilter {
	extSet := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		extSet[normalizeExtension(ext)] = struct{}{}
	}
	return &ExtensionFilter{extensions: extSet, blacklist: blacklist}
}

// Accepts reports whether relPath should be synced. Matching is
// case-insensitive on the extension, which is the substring after the
// last '.' of the base name. Dotfiles and names without a dot have no
// extension and only match an explicitly configured empty rule.
func (f *ExtensionFilter) Accepts(relPath string) bool {
	if len(f.extensions) == 0 {
		return true
	}
	_, listed := f.extensions[extensionOf(path.Base(relPath))]
	if f.blacklist {
		return !listed
	}
	return listed
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func extensionOf(base string) string {
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		// no dot, or a dotfile like ".gitignore"
		return ""
	}
	return strings.ToLower(base[idx+1:])
}
