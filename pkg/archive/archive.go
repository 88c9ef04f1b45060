package archive

import (
	"context"

	"github.com/dandi/backups2datalad/pkg/types"
)

// AssetPage is one page of the Asset Enumerator's underlying pagination,
// in ascending `created` order within the page.
type AssetPage struct {
	Assets     []types.Asset
	NextCursor string // empty when this is the last page
}

// Archive is the remote archive API the synchronization engine consumes.
// It mirrors spec.md §6's operation list one-for-one; the HTTP client
// itself is an out-of-scope external collaborator (spec.md §1), so this
// interface is what every other package in this module depends on.
type Archive interface {
	ListDandisets(ctx context.Context) ([]types.Dandiset, error)
	GetDandiset(ctx context.Context, dandisetID, versionID string) (types.Dandiset, types.Version, error)
	// ListAssetsPage returns one page of raw assets for dandisetID's
	// versionID, ordered by created timestamp ascending. cursor is empty
	// for the first page; callers loop until NextCursor is empty.
	ListAssetsPage(ctx context.Context, dandisetID, versionID, cursor string) (AssetPage, error)
	AssetMetadata(ctx context.Context, assetID string) (types.Asset, error)
	ListVersions(ctx context.Context, dandisetID string) ([]types.Version, error)
	// HeadObject resolves an S3 object path to its current version id.
	HeadObject(ctx context.Context, s3Path string) (versionID string, err error)
}
