package zarrsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	cursorFileName   = "s3sync.json"
	checksumFileName = "zarr-checksum"
)

// writeChecksumFile persists the tree's current checksum under
// dir/.dandi/zarr-checksum, overwriting any previous value.
func writeChecksumFile(dir, checksum string) error {
	metaDir := filepath.Join(dir, ".dandi")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", metaDir, err)
	}
	return os.WriteFile(filepath.Join(metaDir, checksumFileName), []byte(checksum+"\n"), 0644)
}

// LoadCursor reads dir/.dandi/s3sync.json, the resume point of the last
// successful run. ok is false on first sync.
func LoadCursor(dir string) (cursor Cursor, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, ".dandi", cursorFileName))
	if os.IsNotExist(err) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("reading %s: %w", cursorFileName, err)
	}
	if err := json.Unmarshal(data, &cursor); err != nil {
		return Cursor{}, false, fmt.Errorf("parsing %s: %w", cursorFileName, err)
	}
	return cursor, true, nil
}

// WriteCursor persists the s3sync resume cursor under dir/.dandi,
// creating the directory on first use.
func WriteCursor(dir string, cursor Cursor) error {
	metaDir := filepath.Join(dir, ".dandi")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", metaDir, err)
	}
	data, err := json.MarshalIndent(cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", cursorFileName, err)
	}
	return os.WriteFile(filepath.Join(metaDir, cursorFileName), data, 0644)
}
