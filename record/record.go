// Package record persists pipeline records and exposes the compare-and-set
// stage switch the coordinator relies on for per-record serialization.
package record

import (
	"context"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
)

// Store is the record persistence boundary. Load returns nil (no error) for
// unknown or archived records; archived records never appear in ListActive,
// which is how retired records stop producing side effects.
type Store interface {
	Load(ctx context.Context, id string) (*stageflow.PipelineRecord, error)
	Create(ctx context.Context, rec stageflow.PipelineRecord) error

	// ApplyTransition switches the record's stage iff it is still in
	// fromStageID, setting EnteredStageAt to at. A lost compare returns
	// stageflow.ErrStageConflict.
	ApplyTransition(ctx context.Context, recordID, fromStageID, toStageID string, at time.Time) error

	SetOwner(ctx context.Context, recordID, ownerID string) error
	SetField(ctx context.Context, recordID, key, value string) error
	Archive(ctx context.Context, recordID string) error

	// ListActive pages non-archived records ordered by id. afterID is the
	// exclusive lower bound; the returned token feeds the next page, empty
	// when exhausted.
	ListActive(ctx context.Context, afterID string, limit int) ([]stageflow.PipelineRecord, string, error)
}

// CreateAtDefault creates a record at its pipeline's default (lowest-order)
// stage, the way owning business entities seed new records.
func CreateAtDefault(ctx context.Context, store Store, src stageflow.PipelineSource, rec stageflow.PipelineRecord, now time.Time) (stageflow.PipelineRecord, error) {
	def, ok := src.DefaultStage(rec.PipelineID)
	if !ok {
		return rec, stageflow.ErrStageNotFound
	}
	rec.CurrentStageID = def.ID
	rec.EnteredStageAt = now.UTC()
	if err := store.Create(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}
