// Package store provides the persistent vulnerability catalog.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/database"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

const vulnerabilityColumns = `
	id, cve_id, title, description, cvss_score, cvss_vector, severity,
	exploited_in_the_wild, cisa_due_date, sources, cwe_ids, vendors,
	products, affected_products, "references", simple_title,
	simple_description, llm_processed, llm_processed_at, upvotes,
	downvotes, priority_score, published_at, modified_at, created_at,
	updated_at`

// Store is the pgx-backed catalog store. It owns all persisted rows:
// vulnerabilities, ingestion runs, the stats cache, source checkpoints,
// and scheduler state.
type Store struct {
	db     *database.DB
	logger *logger.Logger
	now    func() time.Time
}

// New creates a store.
func New(db *database.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Health reports whether the backing database is reachable.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.Health(ctx); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "health check", err)
	}
	return nil
}

// =============================================================================
// Vulnerabilities
// =============================================================================

// UpsertVulnerability fuses a normalized record into the catalog, atomic
// per CVE. The row is locked for the duration of the merge so concurrent
// upserts for the same CVE cannot lose set unions.
func (s *Store) UpsertVulnerability(ctx context.Context, rec models.NormalizedRecord) (MergeResult, error) {
	if rec.CVEID == "" {
		return MergeResult{}, errs.New(errs.KindMalformedRecord, "record missing cve_id")
	}

	var result MergeResult
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		prior, err := s.getForUpdate(ctx, tx, rec.CVEID)
		if err != nil {
			return err
		}

		result = Merge(prior, rec, s.now())
		if result.Outcome == MergeUnchanged {
			return nil
		}

		return s.writeRow(ctx, tx, &result.Row)
	})
	if err != nil {
		return MergeResult{}, classify("upsert vulnerability", err)
	}
	return result, nil
}

func (s *Store) getForUpdate(ctx context.Context, tx pgx.Tx, cveID string) (*models.Vulnerability, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+vulnerabilityColumns+`
		FROM vulnerabilities WHERE cve_id = $1
		FOR UPDATE
	`, cveID)

	v, err := scanVulnerability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) writeRow(ctx context.Context, tx pgx.Tx, v *models.Vulnerability) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	sources, err := json.Marshal(v.Sources)
	if err != nil {
		return err
	}
	cwes := marshalStrings(v.CWEIDs)
	vendors := marshalStrings(v.Vendors)
	products := marshalStrings(v.Products)
	affected := marshalStrings(v.AffectedProducts)
	refs, err := json.Marshal(v.References)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vulnerabilities (
			id, cve_id, title, description, cvss_score, cvss_vector, severity,
			exploited_in_the_wild, cisa_due_date, sources, cwe_ids, vendors,
			products, affected_products, "references", priority_score,
			published_at, modified_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (cve_id)
		DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			cvss_score = EXCLUDED.cvss_score,
			cvss_vector = EXCLUDED.cvss_vector,
			severity = EXCLUDED.severity,
			exploited_in_the_wild = EXCLUDED.exploited_in_the_wild,
			cisa_due_date = EXCLUDED.cisa_due_date,
			sources = EXCLUDED.sources,
			cwe_ids = EXCLUDED.cwe_ids,
			vendors = EXCLUDED.vendors,
			products = EXCLUDED.products,
			affected_products = EXCLUDED.affected_products,
			"references" = EXCLUDED."references",
			priority_score = EXCLUDED.priority_score,
			published_at = EXCLUDED.published_at,
			modified_at = EXCLUDED.modified_at,
			updated_at = EXCLUDED.updated_at
	`, v.ID, v.CVEID, v.Title, v.Description, v.CVSSScore, v.CVSSVector, v.Severity,
		v.Exploited, v.CISADueDate, sources, cwes, vendors,
		products, affected, refs, v.PriorityScore,
		v.PublishedAt, v.ModifiedAt, v.CreatedAt, v.UpdatedAt)
	return err
}

// GetVulnerability returns the row for a CVE ID, or nil when absent.
func (s *Store) GetVulnerability(ctx context.Context, cveID string) (*models.Vulnerability, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+vulnerabilityColumns+`
		FROM vulnerabilities WHERE cve_id = $1
	`, cveID)

	v, err := scanVulnerability(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get vulnerability", err)
	}
	return v, nil
}

// ListVulnerabilities returns catalog rows matching the filter, ordered by
// the requested column descending (priority_score by default).
func (s *Store) ListVulnerabilities(ctx context.Context, filter models.VulnerabilityFilter) ([]models.Vulnerability, error) {
	where := "TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CVEIDPrefix != "" {
		where += " AND cve_id LIKE " + arg(filter.CVEIDPrefix+"%")
	}
	if filter.Text != "" {
		p := arg("%" + filter.Text + "%")
		where += fmt.Sprintf(" AND (cve_id ILIKE %s OR title ILIKE %s OR description ILIKE %s)", p, p, p)
	}
	if filter.Severity != "" {
		where += " AND severity = " + arg(filter.Severity)
	}
	if filter.ExploitedOnly {
		where += " AND exploited_in_the_wild"
	}

	orderBy := "priority_score"
	switch filter.OrderBy {
	case "published_at", "modified_at":
		orderBy = filter.OrderBy
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM vulnerabilities
		WHERE %s
		ORDER BY %s DESC NULLS LAST
		LIMIT %s OFFSET %s
	`, vulnerabilityColumns, where, orderBy, arg(limit), arg(filter.Offset))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list vulnerabilities", err)
	}
	defer rows.Close()

	return collectVulnerabilities(rows)
}

// ListCandidatesForLLM returns unprocessed rows ordered by priority score,
// used to backfill the enrichment queue.
func (s *Store) ListCandidatesForLLM(ctx context.Context, limit int) ([]models.Vulnerability, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+vulnerabilityColumns+`
		FROM vulnerabilities
		WHERE NOT llm_processed
		ORDER BY priority_score DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify("list llm candidates", err)
	}
	defer rows.Close()

	return collectVulnerabilities(rows)
}

// MarkLLMProcessed writes the enrichment fields for a CVE. The single
// UPDATE keeps LLM writes atomic against concurrent ingestion upserts.
func (s *Store) MarkLLMProcessed(ctx context.Context, cveID, simpleTitle, simpleDescription string, at time.Time) error {
	err := s.db.Exec(ctx, `
		UPDATE vulnerabilities
		SET simple_title = $2,
		    simple_description = $3,
		    llm_processed = TRUE,
		    llm_processed_at = $4,
		    updated_at = GREATEST(updated_at, $4)
		WHERE cve_id = $1
	`, cveID, simpleTitle, simpleDescription, at.UTC())
	if err != nil {
		return classify("mark llm processed", err)
	}
	return nil
}

// ClearStaleExploited resets the exploitation flag on rows that carry the
// KEV source tag but are absent from the latest complete KEV snapshot, and
// drops the exploitation component from the stored priority score so the
// row stops sorting as exploited. Returns the number of rows cleared.
func (s *Store) ClearStaleExploited(ctx context.Context, seen []string) (int64, error) {
	tag, err := json.Marshal([]models.Source{models.SourceCISAKEV})
	if err != nil {
		return 0, err
	}

	var cleared int64
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE vulnerabilities
			SET exploited_in_the_wild = FALSE,
			    priority_score = GREATEST(priority_score - 0.5, 0),
			    updated_at = NOW()
			WHERE exploited_in_the_wild
			  AND sources @> $1
			  AND NOT (cve_id = ANY($2))
		`, tag, seen)
		if err != nil {
			return err
		}
		cleared = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, classify("clear stale exploited", err)
	}
	return cleared, nil
}

// =============================================================================
// Ingestion runs
// =============================================================================

// StartIngestionRun creates a run record in running state.
func (s *Store) StartIngestionRun(ctx context.Context, source models.Source) (*models.IngestionRun, error) {
	run := &models.IngestionRun{
		ID:        uuid.New(),
		Source:    source,
		Status:    models.RunStatusRunning,
		StartedAt: s.now(),
	}
	err := s.db.Exec(ctx, `
		INSERT INTO ingestion_runs (id, source, status, started_at)
		VALUES ($1, $2, $3, $4)
	`, run.ID, run.Source, run.Status, run.StartedAt)
	if err != nil {
		return nil, classify("start ingestion run", err)
	}
	return run, nil
}

// FinishIngestionRun terminalizes a run exactly once. Runs already
// terminalized are left untouched.
func (s *Store) FinishIngestionRun(ctx context.Context, runID uuid.UUID, counts models.RunCounts, status models.RunStatus, errSummary string) error {
	var summary *string
	if errSummary != "" {
		summary = &errSummary
	}
	err := s.db.Exec(ctx, `
		UPDATE ingestion_runs
		SET status = $2,
		    records_fetched = $3,
		    records_inserted = $4,
		    records_updated = $5,
		    records_failed = $6,
		    completed_at = NOW(),
		    duration_seconds = EXTRACT(EPOCH FROM NOW() - started_at),
		    error_summary = $7
		WHERE id = $1 AND status = 'running'
	`, runID, status, counts.Fetched, counts.Inserted, counts.Updated, counts.Failed, summary)
	if err != nil {
		return classify("finish ingestion run", err)
	}
	return nil
}

// RecentRuns returns the most recent ingestion runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, source, status, records_fetched, records_inserted,
		       records_updated, records_failed, started_at, completed_at,
		       duration_seconds, error_summary
		FROM ingestion_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify("recent runs", err)
	}
	defer rows.Close()

	var runs []models.IngestionRun
	for rows.Next() {
		var r models.IngestionRun
		if err := rows.Scan(
			&r.ID, &r.Source, &r.Status, &r.RecordsFetched, &r.RecordsInserted,
			&r.RecordsUpdated, &r.RecordsFailed, &r.StartedAt, &r.CompletedAt,
			&r.DurationSeconds, &r.ErrorSummary,
		); err != nil {
			return nil, classify("recent runs", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// Stats cache
// =============================================================================

// RefreshStats recomputes the single-row stats cache in one transaction:
// one aggregation query, one write.
func (s *Store) RefreshStats(ctx context.Context) (*models.StatsCache, error) {
	stats := &models.StatsCache{LastCalculatedAt: s.now()}

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE exploited_in_the_wild),
			       COUNT(*) FILTER (WHERE severity = 'CRITICAL'),
			       COUNT(*) FILTER (WHERE severity = 'HIGH'),
			       COUNT(*) FILTER (WHERE severity = 'MEDIUM'),
			       COUNT(*) FILTER (WHERE severity = 'LOW'),
			       COUNT(*) FILTER (WHERE published_at >= NOW() - INTERVAL '7 days')
			FROM vulnerabilities
		`).Scan(&stats.Total, &stats.Exploited, &stats.Critical, &stats.High,
			&stats.Medium, &stats.Low, &stats.PublishedLast7d)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stats_cache (id, total, exploited, critical, high, medium, low,
			                         published_last_7d, last_calculated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id)
			DO UPDATE SET
				total = EXCLUDED.total,
				exploited = EXCLUDED.exploited,
				critical = EXCLUDED.critical,
				high = EXCLUDED.high,
				medium = EXCLUDED.medium,
				low = EXCLUDED.low,
				published_last_7d = EXCLUDED.published_last_7d,
				last_calculated_at = EXCLUDED.last_calculated_at
		`, stats.Total, stats.Exploited, stats.Critical, stats.High, stats.Medium,
			stats.Low, stats.PublishedLast7d, stats.LastCalculatedAt)
		return err
	})
	if err != nil {
		return nil, classify("refresh stats", err)
	}
	return stats, nil
}

// ReadStats returns the materialized stats snapshot, or nil before the
// first refresh.
func (s *Store) ReadStats(ctx context.Context) (*models.StatsCache, error) {
	var stats models.StatsCache
	err := s.db.QueryRow(ctx, `
		SELECT total, exploited, critical, high, medium, low,
		       published_last_7d, last_calculated_at
		FROM stats_cache WHERE id = 1
	`).Scan(&stats.Total, &stats.Exploited, &stats.Critical, &stats.High,
		&stats.Medium, &stats.Low, &stats.PublishedLast7d, &stats.LastCalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read stats", err)
	}
	return &stats, nil
}

// =============================================================================
// Checkpoints and scheduler state
// =============================================================================

// LoadCheckpoint returns the persisted checkpoint for a source, empty when
// none has been saved.
func (s *Store) LoadCheckpoint(ctx context.Context, source models.Source) (string, error) {
	var checkpoint string
	err := s.db.QueryRow(ctx, `
		SELECT checkpoint FROM source_checkpoints WHERE source = $1
	`, source).Scan(&checkpoint)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify("load checkpoint", err)
	}
	return checkpoint, nil
}

// SaveCheckpoint persists a source checkpoint. Called only after a
// successful run so checkpoints stay monotonic.
func (s *Store) SaveCheckpoint(ctx context.Context, source models.Source, checkpoint string) error {
	err := s.db.Exec(ctx, `
		INSERT INTO source_checkpoints (source, checkpoint, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source)
		DO UPDATE SET checkpoint = EXCLUDED.checkpoint, updated_at = NOW()
	`, source, checkpoint)
	if err != nil {
		return classify("save checkpoint", err)
	}
	return nil
}

// JobLastFired returns when the named job last fired, or nil if never.
func (s *Store) JobLastFired(ctx context.Context, jobName string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, `
		SELECT last_fired_at FROM scheduler_state WHERE job_name = $1
	`, jobName).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("job last fired", err)
	}
	return &at, nil
}

// MarkJobFired records a job fire time for the missed-fire policy.
func (s *Store) MarkJobFired(ctx context.Context, jobName string, at time.Time) error {
	err := s.db.Exec(ctx, `
		INSERT INTO scheduler_state (job_name, last_fired_at)
		VALUES ($1, $2)
		ON CONFLICT (job_name)
		DO UPDATE SET last_fired_at = EXCLUDED.last_fired_at
	`, jobName, at.UTC())
	if err != nil {
		return classify("mark job fired", err)
	}
	return nil
}

// =============================================================================
// Search cache cleanup
// =============================================================================

// CleanSearchCache deletes expired rows from the collaborator-owned
// search_cache table. A missing table is a logged no-op.
func (s *Store) CleanSearchCache(ctx context.Context) (int64, error) {
	res, err := s.db.Pool.Exec(ctx, `DELETE FROM search_cache WHERE expires_at < NOW()`)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			s.logger.Debug("search_cache table absent, skipping cleanup")
			return 0, nil
		}
		return 0, classify("clean search cache", err)
	}
	return res.RowsAffected(), nil
}

// =============================================================================
// Helpers
// =============================================================================

func marshalStrings(values []string) []byte {
	if len(values) == 0 {
		return []byte("[]")
	}
	b, err := json.Marshal(values)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func scanVulnerability(row pgx.Row) (*models.Vulnerability, error) {
	var v models.Vulnerability
	var sources, cwes, vendors, products, affected, refs []byte

	err := row.Scan(
		&v.ID, &v.CVEID, &v.Title, &v.Description, &v.CVSSScore, &v.CVSSVector,
		&v.Severity, &v.Exploited, &v.CISADueDate, &sources, &cwes, &vendors,
		&products, &affected, &refs, &v.SimpleTitle, &v.SimpleDescription,
		&v.LLMProcessed, &v.LLMProcessedAt, &v.Upvotes, &v.Downvotes,
		&v.PriorityScore, &v.PublishedAt, &v.ModifiedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(sources, &v.Sources); err != nil {
		return nil, err
	}
	if err := unmarshalInto(cwes, &v.CWEIDs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(vendors, &v.Vendors); err != nil {
		return nil, err
	}
	if err := unmarshalInto(products, &v.Products); err != nil {
		return nil, err
	}
	if err := unmarshalInto(affected, &v.AffectedProducts); err != nil {
		return nil, err
	}
	if err := unmarshalInto(refs, &v.References); err != nil {
		return nil, err
	}
	return &v, nil
}

func unmarshalInto[T any](data []byte, dest *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func collectVulnerabilities(rows pgx.Rows) ([]models.Vulnerability, error) {
	var out []models.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, classify("scan vulnerability", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate vulnerabilities", err)
	}
	return out, nil
}

// classify maps database errors onto the pipeline taxonomy: integrity
// violations are invariant violations, everything else is treated as a
// retryable store outage.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var kindErr *errs.Error
	if errors.As(err, &kindErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return errs.Wrap(errs.KindInvariantViolation, op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCancelled, op, err)
	}
	return errs.Wrap(errs.KindStoreUnavailable, op, err)
}
