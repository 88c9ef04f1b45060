package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dandi/backups2datalad/pkg/types"
)

const (
	assetsFileName = "assets.json"
	stateFileName  = "assets-state.json"
)

func loadAssetsJSON(dir string) (map[string]types.Asset, error) {
	data, err := os.ReadFile(filepath.Join(dir, assetsFileName))
	if os.IsNotExist(err) {
		return make(map[string]types.Asset), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", assetsFileName, err)
	}
	var assets []types.Asset
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", assetsFileName, err)
	}
	out := make(map[string]types.Asset, len(assets))
	for _, a := range assets {
		out[a.Path] = a
	}
	return out, nil
}

func writeAssetsJSON(dir string, durable map[string]types.Asset) error {
	assets := make([]types.Asset, 0, len(durable))
	for _, a := range durable {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })

	data, err := json.MarshalIndent(assets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", assetsFileName, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, assetsFileName), data, 0644)
}

type stateDoc struct {
	Timestamp time.Time `json:"timestamp"`
}

func writeStateJSON(dir string, cursor time.Time) error {
	data, err := json.MarshalIndent(stateDoc{Timestamp: cursor}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", stateFileName, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, stateFileName), data, 0644)
}

// LoadState reads dir/assets-state.json and returns the resume cursor.
// ok is false if the file does not yet exist (first sync).
func LoadState(dir string) (cursor time.Time, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s: %w", stateFileName, err)
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s: %w", stateFileName, err)
	}
	return doc.Timestamp, true, nil
}
