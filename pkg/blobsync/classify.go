package blobsync

import (
	"path/filepath"
	"strings"
)

// textSuffixes is the original implementation's exact suffix allowlist
// for classifying an asset as text (stored inline) rather than binary
// (stored under the annex) — see SPEC_FULL.md §9.
var textSuffixes = map[string]bool{
	".txt":  true,
	".json": true,
	".csv":  true,
	".tsv":  true,
	".yaml": true,
	".yml":  true,
	".html": true,
	".xml":  true,
	".md":   true,
	".rst":  true,
}

// isBinary reports whether path should be stored under the annex rather
// than inline in the working tree.
func isBinary(path string) bool {
	return !textSuffixes[strings.ToLower(filepath.Ext(path))]
}
