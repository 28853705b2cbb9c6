package merger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/internal/store"
	"github.com/openthreat/openthreat/pkg/kafka"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// memCatalog applies the real merge semantics over an in-memory map.
type memCatalog struct {
	rows     map[string]models.Vulnerability
	failWith error
}

func newMemCatalog() *memCatalog {
	return &memCatalog{rows: make(map[string]models.Vulnerability)}
}

func (c *memCatalog) UpsertVulnerability(ctx context.Context, rec models.NormalizedRecord) (store.MergeResult, error) {
	if c.failWith != nil {
		return store.MergeResult{}, c.failWith
	}
	var prior *models.Vulnerability
	if row, ok := c.rows[rec.CVEID]; ok {
		prior = &row
	}
	result := store.Merge(prior, rec, testNow)
	if result.Outcome != store.MergeUnchanged {
		c.rows[rec.CVEID] = result.Row
	}
	return result, nil
}

type memQueue struct {
	enqueued []struct {
		cveID string
		class models.PriorityClass
	}
}

func (q *memQueue) Enqueue(cveID string, class models.PriorityClass) {
	q.enqueued = append(q.enqueued, struct {
		cveID string
		class models.PriorityClass
	}{cveID, class})
}

type memPublisher struct {
	events  []kafka.Event
	failAll bool
}

func (p *memPublisher) PublishEvent(ctx context.Context, cveID string, event kafka.Event) error {
	if p.failAll {
		return assert.AnError
	}
	p.events = append(p.events, event)
	return nil
}

func feed(records ...models.NormalizedRecord) <-chan models.NormalizedRecord {
	ch := make(chan models.NormalizedRecord, len(records))
	for _, rec := range records {
		ch <- rec
	}
	close(ch)
	return ch
}

func newTestMerger(catalog Catalog, queue Enqueuer, events Publisher) *Merger {
	m := New(catalog, queue, events, logger.New("error", "text"))
	m.now = func() time.Time { return testNow }
	return m
}

func floatPtr(f float64) *float64 { return &f }

func timePtr(t time.Time) *time.Time { return &t }

func TestRunInsertsAndEnqueuesEnrichment(t *testing.T) {
	catalog := newMemCatalog()
	queue := &memQueue{}
	events := &memPublisher{}
	m := newTestMerger(catalog, queue, events)

	published := testNow.Add(-24 * time.Hour)
	counts, err := m.Run(context.Background(), models.SourceNVDRecent, feed(models.NormalizedRecord{
		CVEID:       "CVE-2024-0001",
		Title:       "Remote code execution in widget",
		CVSSScore:   floatPtr(9.8),
		PublishedAt: &published,
		Source:      models.SourceNVDRecent,
	}))

	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Fetched: 1, Inserted: 1}, counts)

	row := catalog.rows["CVE-2024-0001"]
	assert.Equal(t, models.SeverityCritical, row.Severity)
	assert.Equal(t, 0.4919, row.PriorityScore)

	// Critical and fresh: exactly one high-class enqueue.
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, "CVE-2024-0001", queue.enqueued[0].cveID)
	assert.Equal(t, models.PriorityHigh, queue.enqueued[0].class)

	require.Len(t, events.events, 1)
	assert.Equal(t, kafka.EventVulnerabilityCreated, events.events[0].Type)
}

func TestRunKEVFlipsExploitation(t *testing.T) {
	catalog := newMemCatalog()
	catalog.rows["CVE-2024-0002"] = models.Vulnerability{
		CVEID:     "CVE-2024-0002",
		Title:     "Widget overflow",
		CVSSScore: floatPtr(7.5),
		Severity:  models.SeverityHigh,
		Sources:   []models.Source{models.SourceNVDRecent},
	}

	queue := &memQueue{}
	events := &memPublisher{}
	m := newTestMerger(catalog, queue, events)

	counts, err := m.Run(context.Background(), models.SourceCISAKEV, feed(models.NormalizedRecord{
		CVEID:     "CVE-2024-0002",
		Exploited: true,
		Source:    models.SourceCISAKEV,
	}))

	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Fetched: 1, Updated: 1}, counts)

	row := catalog.rows["CVE-2024-0002"]
	assert.True(t, row.Exploited)
	require.NotNil(t, row.CVSSScore)
	assert.Equal(t, 7.5, *row.CVSSScore)
	assert.Equal(t, models.SeverityHigh, row.Severity)

	// Text did not change, so no enrichment enqueue.
	assert.Empty(t, queue.enqueued)

	require.Len(t, events.events, 1)
	assert.Equal(t, kafka.EventVulnerabilityUpdated, events.events[0].Type)
}

func TestRunTitleChangeReEnqueues(t *testing.T) {
	catalog := newMemCatalog()
	catalog.rows["CVE-2024-0004"] = models.Vulnerability{
		CVEID:   "CVE-2024-0004",
		Title:   "Old (from bsi_cert)",
		Sources: []models.Source{models.SourceBSICert},
	}

	queue := &memQueue{}
	m := newTestMerger(catalog, queue, nil)

	counts, err := m.Run(context.Background(), models.SourceNVDRecent, feed(models.NormalizedRecord{
		CVEID:  "CVE-2024-0004",
		Title:  "New",
		Source: models.SourceNVDRecent,
	}))

	require.NoError(t, err)
	assert.Equal(t, 1, counts.Updated)

	row := catalog.rows["CVE-2024-0004"]
	assert.Equal(t, "New", row.Title)
	assert.ElementsMatch(t, []models.Source{models.SourceBSICert, models.SourceNVDRecent}, row.Sources)

	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, "CVE-2024-0004", queue.enqueued[0].cveID)
}

func TestRunIdempotentAcrossRuns(t *testing.T) {
	catalog := newMemCatalog()
	m := newTestMerger(catalog, nil, nil)

	published := testNow.Add(-48 * time.Hour)
	batch := func() <-chan models.NormalizedRecord {
		return feed(
			models.NormalizedRecord{
				CVEID:       "CVE-2024-0008",
				Title:       "Stable title",
				CVSSScore:   floatPtr(6.5),
				PublishedAt: &published,
				Source:      models.SourceNVDRecent,
			},
			models.NormalizedRecord{
				CVEID:  "CVE-2024-0009",
				Title:  "Another",
				Source: models.SourceNVDRecent,
			},
		)
	}

	first, err := m.Run(context.Background(), models.SourceNVDRecent, batch())
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Fetched: 2, Inserted: 2}, first)

	second, err := m.Run(context.Background(), models.SourceNVDRecent, batch())
	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Fetched: 2}, second)
}

func TestRunCountsRecordsWithoutID(t *testing.T) {
	catalog := newMemCatalog()
	m := newTestMerger(catalog, nil, nil)

	counts, err := m.Run(context.Background(), models.SourceBSICert, feed(
		models.NormalizedRecord{Title: "advisory without id", Source: models.SourceBSICert},
		models.NormalizedRecord{CVEID: "CVE-2024-0010", Title: "ok", Source: models.SourceBSICert},
	))

	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Fetched: 2, Inserted: 1, Failed: 1}, counts)
	assert.Empty(t, catalog.rows[""])
}

func TestRunStoreLossTerminatesRun(t *testing.T) {
	catalog := newMemCatalog()
	catalog.failWith = errs.New(errs.KindStoreUnavailable, "pool exhausted")
	m := newTestMerger(catalog, nil, nil)

	counts, err := m.Run(context.Background(), models.SourceNVDRecent, feed(
		models.NormalizedRecord{CVEID: "CVE-2024-0011", Source: models.SourceNVDRecent},
	))

	require.Error(t, err)
	assert.Equal(t, errs.KindStoreUnavailable, errs.KindOf(err))
	assert.Equal(t, models.RunCounts{Fetched: 1}, counts)
}

func TestRunMalformedUpsertDoesNotTerminate(t *testing.T) {
	catalog := newMemCatalog()
	catalog.failWith = errs.New(errs.KindMalformedRecord, "bad record")
	m := newTestMerger(catalog, nil, nil)

	counts, err := m.Run(context.Background(), models.SourceNVDRecent, feed(
		models.NormalizedRecord{CVEID: "CVE-2024-0012", Source: models.SourceNVDRecent},
		models.NormalizedRecord{CVEID: "CVE-2024-0013", Source: models.SourceNVDRecent},
	))

	require.NoError(t, err)
	assert.Equal(t, models.RunCounts{Fetched: 2, Failed: 2}, counts)
}

func TestRunCancellation(t *testing.T) {
	catalog := newMemCatalog()
	m := newTestMerger(catalog, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan models.NormalizedRecord)
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = m.Run(ctx, models.SourceNVDRecent, in)
	}()

	in <- models.NormalizedRecord{CVEID: "CVE-2024-0014", Source: models.SourceNVDRecent}
	cancel()
	<-done

	require.Error(t, runErr)
	assert.True(t, errs.IsCancelled(runErr))
	assert.Contains(t, catalog.rows, "CVE-2024-0014")
}

func TestRunPublishFailureDoesNotFailRun(t *testing.T) {
	catalog := newMemCatalog()
	events := &memPublisher{failAll: true}
	m := newTestMerger(catalog, nil, events)

	counts, err := m.Run(context.Background(), models.SourceNVDRecent, feed(
		models.NormalizedRecord{CVEID: "CVE-2024-0015", Title: "t", Source: models.SourceNVDRecent},
	))

	require.NoError(t, err)
	assert.Equal(t, 1, counts.Inserted)
}

func TestRunPriorityClassSelection(t *testing.T) {
	tests := []struct {
		name string
		rec  models.NormalizedRecord
		want models.PriorityClass
	}{
		{
			name: "exploited is high",
			rec: models.NormalizedRecord{
				CVEID: "CVE-2024-0100", Exploited: true,
				PublishedAt: timePtr(testNow.Add(-90 * 24 * time.Hour)),
				Source:      models.SourceCISAKEV,
			},
			want: models.PriorityHigh,
		},
		{
			name: "high severity is medium",
			rec: models.NormalizedRecord{
				CVEID: "CVE-2024-0101", CVSSScore: floatPtr(7.5),
				PublishedAt: timePtr(testNow.Add(-90 * 24 * time.Hour)),
				Source:      models.SourceNVDRecent,
			},
			want: models.PriorityMedium,
		},
		{
			name: "stale low severity is low",
			rec: models.NormalizedRecord{
				CVEID: "CVE-2024-0102", CVSSScore: floatPtr(3.0),
				PublishedAt: timePtr(testNow.Add(-90 * 24 * time.Hour)),
				Source:      models.SourceNVDRecent,
			},
			want: models.PriorityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := newMemCatalog()
			queue := &memQueue{}
			m := newTestMerger(catalog, queue, nil)

			_, err := m.Run(context.Background(), tt.rec.Source, feed(tt.rec))
			require.NoError(t, err)
			require.Len(t, queue.enqueued, 1)
			assert.Equal(t, tt.want, queue.enqueued[0].class)
		})
	}
}
