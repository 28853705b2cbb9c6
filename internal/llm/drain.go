package llm

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

// Drain batch sizes per priority class.
var DrainBatchSizes = map[models.PriorityClass]int{
	models.PriorityHigh:   10,
	models.PriorityMedium: 20,
	models.PriorityLow:    50,
}

// Catalog is the store surface the drainer reads and writes through.
type Catalog interface {
	GetVulnerability(ctx context.Context, cveID string) (*models.Vulnerability, error)
	ListCandidatesForLLM(ctx context.Context, limit int) ([]models.Vulnerability, error)
	MarkLLMProcessed(ctx context.Context, cveID, simpleTitle, simpleDescription string, at time.Time) error
}

// Drainer pulls batches off the queue and runs the generator with bounded
// concurrency. With enrichment disabled every drain is a no-op; enqueued
// work stays queued.
type Drainer struct {
	queue       *Queue
	catalog     Catalog
	generator   Generator
	enabled     bool
	concurrency int
	logger      *logger.Logger
	now         func() time.Time
}

// NewDrainer wires the drain side of the enrichment queue.
func NewDrainer(queue *Queue, catalog Catalog, generator Generator, enabled bool, concurrency int, log *logger.Logger) *Drainer {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Drainer{
		queue:       queue,
		catalog:     catalog,
		generator:   generator,
		enabled:     enabled,
		concurrency: concurrency,
		logger:      log.WithComponent("llm.drainer"),
		now:         time.Now,
	}
}

// Backfill enqueues unprocessed catalog rows the queue does not know about.
// The queue lives in memory, so a restart loses pending work; backfill
// restores it from the store. Rows with a tracked item, including terminal
// failures, are left alone.
func (d *Drainer) Backfill(ctx context.Context, limit int) (int, error) {
	if !d.enabled {
		return 0, nil
	}

	rows, err := d.catalog.ListCandidatesForLLM(ctx, limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	now := d.now()
	for i := range rows {
		row := &rows[i]
		if d.queue.Known(row.CVEID) {
			continue
		}
		d.queue.Enqueue(row.CVEID, models.ClassifyPriority(row, now))
		enqueued++
	}
	if enqueued > 0 {
		d.logger.Info("backfilled enrichment queue", "enqueued", enqueued)
	}
	return enqueued, nil
}

// Drain processes up to batch items of one class. It returns the number
// of rows successfully enriched. Item failures are recorded on the queue,
// not returned; only cancellation propagates.
func (d *Drainer) Drain(ctx context.Context, class models.PriorityClass, batch int) (int, error) {
	if !d.enabled {
		d.logger.Debug("enrichment disabled, drain skipped", "class", string(class))
		return 0, nil
	}

	cveIDs := d.queue.Next(class, batch)
	if len(cveIDs) == 0 {
		return 0, nil
	}

	d.logger.Info("draining enrichment batch", "class", string(class), "size", len(cveIDs))

	var processed int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	results := make(chan bool, len(cveIDs))
	for _, cveID := range cveIDs {
		g.Go(func() error {
			ok, err := d.processOne(gctx, cveID)
			if err != nil {
				return err
			}
			results <- ok
			return nil
		})
	}

	err := g.Wait()
	close(results)
	for ok := range results {
		if ok {
			processed++
		}
	}

	if err != nil {
		return processed, err
	}
	return processed, nil
}

// processOne enriches a single row. Returns (false, nil) for recorded item
// failures; an error only for cancellation.
func (d *Drainer) processOne(ctx context.Context, cveID string) (bool, error) {
	row, err := d.catalog.GetVulnerability(ctx, cveID)
	if err != nil {
		if errs.IsCancelled(err) {
			d.queue.Release(cveID)
			return false, err
		}
		d.fail(cveID, err)
		return false, nil
	}
	if row == nil {
		// Row vanished; nothing to enrich.
		d.queue.Complete(cveID)
		return false, nil
	}

	title, description, err := d.generator.Generate(ctx, GenerateInput{
		CVEID:       row.CVEID,
		Title:       row.Title,
		Description: row.Description,
		Severity:    row.Severity,
		CVSSScore:   row.CVSSScore,
		Vendors:     row.Vendors,
	})
	if err != nil {
		if errs.IsCancelled(err) {
			d.queue.Release(cveID)
			return false, err
		}
		d.fail(cveID, err)
		return false, nil
	}

	if err := d.catalog.MarkLLMProcessed(ctx, cveID, title, description, d.now().UTC()); err != nil {
		if errs.IsCancelled(err) {
			d.queue.Release(cveID)
			return false, err
		}
		d.fail(cveID, err)
		return false, nil
	}

	d.queue.Complete(cveID)
	return true, nil
}

func (d *Drainer) fail(cveID string, err error) {
	terminal := d.queue.Fail(cveID, err.Error())
	if terminal {
		d.logger.Warn("enrichment went terminal after repeated failures",
			"cve_id", cveID, "error", err.Error())
	} else {
		d.logger.Debug("enrichment attempt failed", "cve_id", cveID, "error", err.Error())
	}
}
