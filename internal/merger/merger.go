// Package merger consumes fetcher streams and fuses records into the catalog.
package merger

import (
	"context"
	"time"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/internal/store"
	"github.com/openthreat/openthreat/pkg/kafka"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

// Catalog is the store surface the merger writes through.
type Catalog interface {
	UpsertVulnerability(ctx context.Context, rec models.NormalizedRecord) (store.MergeResult, error)
}

// Enqueuer accepts enrichment work for newly inserted or retitled rows.
type Enqueuer interface {
	Enqueue(cveID string, class models.PriorityClass)
}

// Publisher emits catalog change events. A nil *kafka.Producer satisfies it
// as a no-op.
type Publisher interface {
	PublishEvent(ctx context.Context, cveID string, event kafka.Event) error
}

// Merger drains a fetcher stream into the catalog: one upsert per record,
// enrichment enqueue on insert or text change, and a change event per write.
type Merger struct {
	catalog Catalog
	queue   Enqueuer
	events  Publisher
	logger  *logger.Logger
	now     func() time.Time
}

// New creates a merger. queue and events may be nil when enrichment or
// event publishing is disabled.
func New(catalog Catalog, queue Enqueuer, events Publisher, log *logger.Logger) *Merger {
	return &Merger{
		catalog: catalog,
		queue:   queue,
		events:  events,
		logger:  log.WithComponent("merger"),
		now:     time.Now,
	}
}

// Run consumes records from in until the channel closes or the context is
// cancelled. Per-record failures are counted, not propagated; only
// run-terminal conditions (store loss, invariant violations, cancellation)
// return an error.
func (m *Merger) Run(ctx context.Context, source models.Source, in <-chan models.NormalizedRecord) (models.RunCounts, error) {
	var counts models.RunCounts
	log := m.logger.WithSource(string(source))

	// One sample per run keeps the log usable on poisoned feeds.
	malformedLogged := false

	for {
		var rec models.NormalizedRecord
		var ok bool

		select {
		case rec, ok = <-in:
			if !ok {
				return counts, nil
			}
		case <-ctx.Done():
			return counts, errs.Wrap(errs.KindCancelled, "merge aborted", ctx.Err())
		}

		counts.Fetched++

		if rec.CVEID == "" {
			counts.Failed++
			if !malformedLogged {
				log.Warn("dropping record without cve id", "title", rec.Title)
				malformedLogged = true
			}
			continue
		}

		result, err := m.catalog.UpsertVulnerability(ctx, rec)
		if err != nil {
			switch errs.KindOf(err) {
			case errs.KindMalformedRecord:
				counts.Failed++
				if !malformedLogged {
					log.Warn("dropping malformed record", "cve_id", rec.CVEID, "error", err.Error())
					malformedLogged = true
				}
				continue
			default:
				// Store loss, invariant violations, and cancellation
				// terminate the run.
				return counts, err
			}
		}

		if result.SeverityMismatch {
			log.Warn("upstream severity disagrees with cvss band",
				"cve_id", rec.CVEID, "asserted", string(rec.Severity),
				"derived", string(result.Row.Severity))
		}

		switch result.Outcome {
		case store.MergeInserted:
			counts.Inserted++
			m.enqueueEnrichment(&result.Row)
			m.publish(ctx, kafka.EventVulnerabilityCreated, &result.Row)
		case store.MergeUpdated:
			counts.Updated++
			if result.TextChanged {
				m.enqueueEnrichment(&result.Row)
			}
			m.publish(ctx, kafka.EventVulnerabilityUpdated, &result.Row)
		}
	}
}

func (m *Merger) enqueueEnrichment(row *models.Vulnerability) {
	if m.queue == nil {
		return
	}
	m.queue.Enqueue(row.CVEID, models.ClassifyPriority(row, m.now()))
}

// publish emits a change event. Publishing errors never fail a run.
func (m *Merger) publish(ctx context.Context, eventType string, row *models.Vulnerability) {
	if m.events == nil {
		return
	}
	event := kafka.NewEvent(eventType, changeEvent{
		CVEID:         row.CVEID,
		Severity:      string(row.Severity),
		Exploited:     row.Exploited,
		PriorityScore: row.PriorityScore,
	})
	if err := m.events.PublishEvent(ctx, row.CVEID, event); err != nil {
		m.logger.Warn("failed to publish change event",
			"cve_id", row.CVEID, "type", eventType, "error", err.Error())
	}
}

// changeEvent is the event payload for catalog changes.
type changeEvent struct {
	CVEID         string  `json:"cveId"`
	Severity      string  `json:"severity"`
	Exploited     bool    `json:"exploited"`
	PriorityScore float64 `json:"priorityScore"`
}
