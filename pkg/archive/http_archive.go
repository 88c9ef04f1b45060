package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/metrics"
	"github.com/dandi/backups2datalad/pkg/retry"
	"github.com/dandi/backups2datalad/pkg/types"
)

// HTTPArchive is the concrete Archive adapter talking to a Dandi-shaped
// JSON API over HTTP. Requests are retried per pkg/retry's backoff
// discipline; a non-2xx response after retries is returned as a plain
// wrapped error.
type HTTPArchive struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPArchive returns an HTTPArchive pointed at baseURL (e.g.
// "https://api.dandiarchive.org/api").
func NewHTTPArchive(baseURL string) *HTTPArchive {
	return &HTTPArchive{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (a *HTTPArchive) get(ctx context.Context, path string, out any) error {
	endpoint := a.BaseURL + path
	log := dandilog.WithComponent("archive")

	return retry.Do(ctx, "archive."+path, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", endpoint, err)
		}
		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			metrics.ArchiveRequestsTotal.WithLabelValues(path, "error").Inc()
			return fmt.Errorf("requesting %s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.ArchiveRequestsTotal.WithLabelValues(path, "5xx").Inc()
			return fmt.Errorf("archive returned %d for %s", resp.StatusCode, endpoint)
		}
		if resp.StatusCode >= 400 {
			metrics.ArchiveRequestsTotal.WithLabelValues(path, "4xx").Inc()
			log.Error().Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("archive request rejected")
			return backoff.Permanent(fmt.Errorf("archive returned %d for %s (not retrying)", resp.StatusCode, endpoint))
		}

		metrics.ArchiveRequestsTotal.WithLabelValues(path, "ok").Inc()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
		return nil
	})
}

type dandisetPageDTO struct {
	Results []dandisetDTO `json:"results"`
}

type dandisetDTO struct {
	Identifier    string `json:"identifier"`
	EmbargoStatus string `json:"embargo_status"`
}

func (a *HTTPArchive) ListDandisets(ctx context.Context) ([]types.Dandiset, error) {
	var page dandisetPageDTO
	if err := a.get(ctx, "/dandisets/", &page); err != nil {
		return nil, err
	}
	out := make([]types.Dandiset, 0, len(page.Results))
	for _, d := range page.Results {
		out = append(out, types.Dandiset{
			ID:            d.Identifier,
			EmbargoStatus: types.EmbargoStatus(d.EmbargoStatus),
		})
	}
	return out, nil
}

type versionDTO struct {
	Version  string    `json:"version"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

type dandisetDetailDTO struct {
	Identifier    string          `json:"identifier"`
	EmbargoStatus string          `json:"embargo_status"`
	MostRecent    versionDTO      `json:"most_recent_version"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func (a *HTTPArchive) GetDandiset(ctx context.Context, dandisetID, versionID string) (types.Dandiset, types.Version, error) {
	var d dandisetDetailDTO
	path := fmt.Sprintf("/dandisets/%s/versions/%s/", dandisetID, versionID)
	if err := a.get(ctx, path, &d); err != nil {
		return types.Dandiset{}, types.Version{}, err
	}
	return types.Dandiset{
			ID:            d.Identifier,
			EmbargoStatus: types.EmbargoStatus(d.EmbargoStatus),
			Metadata:      d.Metadata,
		}, types.Version{
			Identifier: versionID,
			Created:    d.MostRecent.Created,
			Modified:   d.MostRecent.Modified,
		}, nil
}

type assetDTO struct {
	AssetID     string    `json:"asset_id"`
	Path        string    `json:"path"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Blob        string    `json:"blob,omitempty"`
	Zarr        string    `json:"zarr,omitempty"`
	ContentURL  []string  `json:"contentUrl,omitempty"`
	DandiEtag   string    `json:"dandi_etag,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	Size        int64     `json:"size,omitempty"`
	DownloadURL string    `json:"download,omitempty"`
	ZarrCsum    string    `json:"zarr_checksum,omitempty"`
}

func (d assetDTO) toAsset() types.Asset {
	a := types.Asset{
		ID:       d.AssetID,
		Path:     d.Path,
		Created:  d.Created,
		Modified: d.Modified,
	}
	if d.Zarr != "" {
		a.Kind = types.AssetKindZarr
		a.Zarr = &types.ZarrAsset{ZarrID: d.Zarr, Checksum: d.ZarrCsum}
		return a
	}
	a.Kind = types.AssetKindBlob
	contentURL := ""
	if len(d.ContentURL) > 0 {
		contentURL = d.ContentURL[0]
	}
	a.Blob = &types.BlobAsset{
		Size:        d.Size,
		SHA256:      d.SHA256,
		DandiETag:   d.DandiEtag,
		DownloadURL: d.DownloadURL,
		ContentURL:  contentURL,
	}
	return a
}

type assetPageDTO struct {
	Next    string     `json:"next"`
	Results []assetDTO `json:"results"`
}

func (a *HTTPArchive) ListAssetsPage(ctx context.Context, dandisetID, versionID, cursor string) (AssetPage, error) {
	path := fmt.Sprintf("/dandisets/%s/versions/%s/assets/?order=created", dandisetID, versionID)
	if cursor != "" {
		path += "&page=" + url.QueryEscape(cursor)
	}
	var page assetPageDTO
	if err := a.get(ctx, path, &page); err != nil {
		return AssetPage{}, err
	}
	out := AssetPage{Assets: make([]types.Asset, 0, len(page.Results))}
	for _, d := range page.Results {
		out.Assets = append(out.Assets, d.toAsset())
	}
	out.NextCursor = page.Next
	return out, nil
}

func (a *HTTPArchive) AssetMetadata(ctx context.Context, assetID string) (types.Asset, error) {
	var d assetDTO
	path := fmt.Sprintf("/assets/%s/", assetID)
	if err := a.get(ctx, path, &d); err != nil {
		return types.Asset{}, err
	}
	return d.toAsset(), nil
}

func (a *HTTPArchive) ListVersions(ctx context.Context, dandisetID string) ([]types.Version, error) {
	var page struct {
		Results []versionDTO `json:"results"`
	}
	path := fmt.Sprintf("/dandisets/%s/versions/?order=created", dandisetID)
	if err := a.get(ctx, path, &page); err != nil {
		return nil, err
	}
	out := make([]types.Version, 0, len(page.Results))
	for _, v := range page.Results {
		out = append(out, types.Version{Identifier: v.Version, Created: v.Created, Modified: v.Modified})
	}
	return out, nil
}

func (a *HTTPArchive) HeadObject(ctx context.Context, s3Path string) (string, error) {
	var result struct {
		VersionID string `json:"version_id"`
	}
	path := "/head/?path=" + url.QueryEscape(s3Path)
	if err := a.get(ctx, path, &result); err != nil {
		return "", err
	}
	return result.VersionID, nil
}
