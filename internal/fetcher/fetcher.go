// Package fetcher pulls vulnerability data from upstream feeds and emits
// normalized records for the merger.
package fetcher

import (
	"context"

	"github.com/openthreat/openthreat/pkg/models"
)

// Fetcher pulls one upstream source and streams normalized records.
//
// Emission blocks on the bounded channel; every emission point is a
// cancellation checkpoint. The returned checkpoint is advanced only by the
// caller, and only after a fully successful run.
type Fetcher interface {
	// Source returns the tag this fetcher stamps on every record.
	Source() models.Source

	// Fetch streams records onto out, resuming from checkpoint (empty for
	// a cold start). It returns the checkpoint a successful run should
	// persist and the number of records emitted.
	Fetch(ctx context.Context, checkpoint string, out chan<- models.NormalizedRecord) (newCheckpoint string, fetched int, err error)
}

// emit sends one record, treating context cancellation as a checkpoint.
func emit(ctx context.Context, out chan<- models.NormalizedRecord, rec models.NormalizedRecord) error {
	select {
	case out <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
