// Package pipeline orchestrates one fetch-and-merge ingestion run.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/internal/fetcher"
	"github.com/openthreat/openthreat/internal/merger"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
	"github.com/openthreat/openthreat/pkg/telemetry"
)

// Capacity of the fetcher-to-merger handoff. A full channel blocks the
// fetcher at its next emission.
const defaultChannelSize = 1000

// Bookkeeping writes after a cancelled run still need a live context.
const finishTimeout = 10 * time.Second

// Store is the persistence surface of a run.
type Store interface {
	StartIngestionRun(ctx context.Context, source models.Source) (*models.IngestionRun, error)
	FinishIngestionRun(ctx context.Context, runID uuid.UUID, counts models.RunCounts, status models.RunStatus, errSummary string) error
	LoadCheckpoint(ctx context.Context, source models.Source) (string, error)
	SaveCheckpoint(ctx context.Context, source models.Source, checkpoint string) error
	ClearStaleExploited(ctx context.Context, seen []string) (int64, error)
}

// Pipeline runs fetchers against the merger under IngestionRun
// bookkeeping: checkpoints advance only on success, and a completed KEV
// snapshot clears exploitation flags the snapshot no longer asserts.
type Pipeline struct {
	store       Store
	merger      *merger.Merger
	logger      *logger.Logger
	channelSize int
}

// New wires the run orchestration.
func New(store Store, m *merger.Merger, log *logger.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		merger:      m,
		logger:      log.WithComponent("pipeline"),
		channelSize: defaultChannelSize,
	}
}

// Run executes one ingestion run for the given fetcher. The returned error
// reflects the run outcome; the IngestionRun row records it either way.
func (p *Pipeline) Run(ctx context.Context, f fetcher.Fetcher) error {
	source := f.Source()

	run, err := p.store.StartIngestionRun(ctx, source)
	if err != nil {
		return err
	}

	ctx = logger.SetContextValue(ctx, logger.RunIDKey, run.ID.String())
	log := p.logger.WithRunID(run.ID.String()).WithSource(string(source))

	ctx, span := telemetry.FetchSpan(ctx, string(source))
	defer span.End()

	checkpoint, err := p.store.LoadCheckpoint(ctx, source)
	if err != nil {
		p.finish(ctx, log, run.ID, models.RunCounts{}, models.RunStatusFailed, err)
		return err
	}

	log.Info("ingestion run started", "checkpoint", checkpoint)

	counts, newCheckpoint, seen, runErr := p.fetchAndMerge(ctx, f, checkpoint)

	if runErr != nil {
		span.SetError(runErr)
		p.finish(ctx, log, run.ID, counts, models.RunStatusFailed, runErr)
		return runErr
	}

	// A completed snapshot withdraws exploitation for KEV-flagged rows it
	// no longer lists.
	if source == models.SourceCISAKEV {
		cleared, err := p.store.ClearStaleExploited(ctx, seen)
		if err != nil {
			log.Warn("cannot clear stale exploitation flags", "error", err.Error())
		} else if cleared > 0 {
			log.Info("cleared stale exploitation flags", "rows", cleared)
		}
	}

	if newCheckpoint != "" && newCheckpoint != checkpoint {
		if err := p.store.SaveCheckpoint(ctx, source, newCheckpoint); err != nil {
			// The run itself succeeded; the next one refetches the window.
			log.Warn("cannot advance checkpoint", "error", err.Error())
		}
	}

	span.SetOK()
	p.finish(ctx, log, run.ID, counts, models.RunStatusSuccess, nil)
	return nil
}

// fetchAndMerge pumps the fetcher stream through the merger over the
// bounded channel. When the merger fails, the fetcher is cancelled so it
// cannot wedge on a full channel.
func (p *Pipeline) fetchAndMerge(ctx context.Context, f fetcher.Fetcher, checkpoint string) (models.RunCounts, string, []string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan models.NormalizedRecord, p.channelSize)

	var (
		newCheckpoint string
		fetched       int
		fetchErr      error
	)
	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		defer close(records)
		newCheckpoint, fetched, fetchErr = f.Fetch(runCtx, checkpoint, records)
	}()

	// The KEV withdrawal rule needs the full set of snapshot CVE IDs.
	mergeIn := records
	var seen []string
	teeDone := make(chan struct{})
	if f.Source() == models.SourceCISAKEV {
		teed := make(chan models.NormalizedRecord, p.channelSize)
		go func() {
			defer close(teeDone)
			defer close(teed)
			for rec := range records {
				if rec.CVEID != "" {
					seen = append(seen, rec.CVEID)
				}
				select {
				case teed <- rec:
				case <-runCtx.Done():
					// Merger is gone; keep draining so the fetcher
					// can exit.
				}
			}
		}()
		mergeIn = teed
	} else {
		close(teeDone)
	}

	counts, mergeErr := p.merger.Run(runCtx, f.Source(), mergeIn)
	if mergeErr != nil {
		cancel()
	}
	<-fetchDone
	<-teeDone

	if fetched > counts.Fetched {
		counts.Fetched = fetched
	}

	if mergeErr != nil {
		return counts, "", nil, mergeErr
	}
	if fetchErr != nil {
		// Partial records already merged are retained; the checkpoint
		// does not advance.
		return counts, "", nil, fetchErr
	}
	return counts, newCheckpoint, seen, nil
}

// finish terminalizes the run row. It must succeed even when the run was
// cancelled, so it gets its own deadline detached from the run context.
func (p *Pipeline) finish(ctx context.Context, log *logger.Logger, runID uuid.UUID, counts models.RunCounts, status models.RunStatus, runErr error) {
	summary := ""
	if runErr != nil {
		if errs.IsCancelled(runErr) {
			summary = "cancelled"
		} else {
			summary = runErr.Error()
		}
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err := p.store.FinishIngestionRun(finishCtx, runID, counts, status, summary); err != nil {
		log.Error("cannot terminalize ingestion run", "error", err.Error())
	}

	log.Info("ingestion run finished",
		"status", string(status),
		"fetched", counts.Fetched,
		"inserted", counts.Inserted,
		"updated", counts.Updated,
		"failed", counts.Failed,
		"error_summary", summary,
	)
}
