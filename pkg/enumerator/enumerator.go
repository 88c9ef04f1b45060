package enumerator

import (
	"context"
	"fmt"
	"time"

	"github.com/dandi/backups2datalad/pkg/archive"
	"github.com/dandi/backups2datalad/pkg/syncerr"
	"github.com/dandi/backups2datalad/pkg/types"
)

// Enumerator produces the lazy, ordered asset stream for one dandiset
// version. One Enumerator is constructed per sync run.
type Enumerator struct {
	Archive    archive.Archive
	DandisetID string
	Version    types.Version

	// NonDraftVersions is the ascending-by-created list of published
	// versions; consulted only when Version.IsDraft().
	NonDraftVersions []types.Version
}

// New returns an Enumerator for dandisetID's version. nonDraftVersions is
// only consulted when version.IsDraft() and must already be sorted
// ascending by Created.
func New(arch archive.Archive, dandisetID string, version types.Version, nonDraftVersions []types.Version) *Enumerator {
	return &Enumerator{
		Archive:          arch,
		DandisetID:       dandisetID,
		Version:          version,
		NonDraftVersions: nonDraftVersions,
	}
}

// Run paginates the archive's asset list in created order, fetches each
// asset's full metadata, and emits events to out: a VersionBoundary each
// time a published version's creation timestamp is crossed (draft only),
// one event per asset, and a final implicit boundary once the stream is
// exhausted. out is closed before Run returns, whether it returns nil or
// an error.
//
// Run returns non-nil only for a fatal condition: an archive error, or
// the non-decreasing creation-timestamp invariant being violated (a
// server bug, per spec — never silently reordered). ctx cancellation
// returns ctx.Err().
func (e *Enumerator) Run(ctx context.Context, out chan<- types.AssetEvent) (err error) {
	defer close(out)
	defer syncerr.RecoverAssertion(&err)

	pending := append([]types.Version(nil), e.NonDraftVersions...)
	var lastCreated time.Time
	haveLast := false

	cursor := ""
	for {
		page, perr := e.Archive.ListAssetsPage(ctx, e.DandisetID, e.Version.Identifier, cursor)
		if perr != nil {
			return fmt.Errorf("listing assets for %s/%s: %w", e.DandisetID, e.Version.Identifier, perr)
		}

		for _, raw := range page.Assets {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			full, merr := e.Archive.AssetMetadata(ctx, raw.ID)
			if merr != nil {
				return fmt.Errorf("fetching metadata for asset %s: %w", raw.ID, merr)
			}

			if haveLast {
				syncerr.Assertf(!full.Created.Before(lastCreated),
					"enumerator: creation order violated at %s (%s after %s)",
					full.Path, full.Created, lastCreated)
			}
			lastCreated = full.Created
			haveLast = true

			if e.Version.IsDraft() {
				for len(pending) > 0 && !full.Created.Before(pending[0].Created) {
					v := pending[0]
					pending = pending[1:]
					if serr := send(ctx, out, types.AssetEvent{Boundary: &types.VersionBoundary{Version: v}}); serr != nil {
						return serr
					}
				}
			}

			asset := full
			if serr := send(ctx, out, types.AssetEvent{Asset: &asset}); serr != nil {
				return serr
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return send(ctx, out, types.AssetEvent{Boundary: &types.VersionBoundary{Version: e.Version, Final: true}})
}

func send(ctx context.Context, out chan<- types.AssetEvent, ev types.AssetEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
