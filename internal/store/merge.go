package store

import (
	"time"

	"github.com/openthreat/openthreat/pkg/models"
)

// MergeOutcome reports what an upsert did to the row.
type MergeOutcome string

const (
	MergeInserted  MergeOutcome = "inserted"
	MergeUpdated   MergeOutcome = "updated"
	MergeUnchanged MergeOutcome = "unchanged"
)

// MergeResult is the outcome of fusing one normalized record into the catalog.
type MergeResult struct {
	Row     models.Vulnerability
	Prior   *models.Vulnerability
	Outcome MergeOutcome

	// TextChanged is set when title or description changed, which triggers
	// a fresh enrichment enqueue.
	TextChanged bool

	// SeverityMismatch is set when the upstream-asserted severity disagrees
	// with the band derived from the CVSS score. Logged by the merger,
	// never an error.
	SeverityMismatch bool
}

// Merge fuses a normalized record into the prior row (nil for a new CVE).
// Scalar conflicts resolve by source precedence, set fields union under
// their caps, and the priority score is recomputed. Pure with respect to now.
func Merge(prior *models.Vulnerability, rec models.NormalizedRecord, now time.Time) MergeResult {
	rec = clampCVSS(rec)

	if prior == nil {
		row := newRow(rec, now)
		return MergeResult{
			Row:              row,
			Outcome:          MergeInserted,
			TextChanged:      true,
			SeverityMismatch: severityMismatch(rec.Severity, row.Severity),
		}
	}

	row := *prior
	incomingWins := models.SourcePrecedence(rec.Source) >= priorPrecedence(prior)

	if rec.Title != "" && (row.Title == "" || incomingWins) {
		row.Title = rec.Title
	}
	if rec.Description != "" && (row.Description == "" || incomingWins) {
		row.Description = rec.Description
	}
	if rec.CVSSScore != nil && (row.CVSSScore == nil || incomingWins) {
		row.CVSSScore = rec.CVSSScore
	}
	if rec.CVSSVector != nil && (row.CVSSVector == nil || incomingWins) {
		row.CVSSVector = rec.CVSSVector
	}
	if rec.CISADueDate != nil && (row.CISADueDate == nil || incomingWins) {
		row.CISADueDate = rec.CISADueDate
	}
	if rec.PublishedAt != nil && (row.PublishedAt == nil || incomingWins) {
		row.PublishedAt = rec.PublishedAt
	}
	if rec.ModifiedAt != nil && (row.ModifiedAt == nil || incomingWins) {
		row.ModifiedAt = rec.ModifiedAt
	}

	// Exploitation is monotonic on the merge path; only a completed KEV
	// snapshot clears it (Store.ClearStaleExploited).
	row.Exploited = row.Exploited || rec.Exploited

	if !row.HasSource(rec.Source) {
		row.Sources = append(append([]models.Source{}, row.Sources...), rec.Source)
	}
	row.CWEIDs = unionStrings(prior.CWEIDs, rec.CWEIDs, models.MaxCWEIDs)
	row.Vendors = unionStrings(prior.Vendors, rec.Vendors, models.MaxVendors)
	row.Products = unionStrings(prior.Products, rec.Products, models.MaxProducts)
	row.AffectedProducts = unionStrings(prior.AffectedProducts, rec.AffectedProducts, models.MaxProducts)
	row.References = unionReferences(prior.References, rec.References, models.MaxReferences)

	row.Severity = deriveSeverity(row.CVSSScore, rec.Severity, prior.Severity)
	row.PriorityScore = score(&row, now)

	result := MergeResult{
		Row:              row,
		Prior:            prior,
		SeverityMismatch: severityMismatch(rec.Severity, row.Severity),
		TextChanged:      row.Title != prior.Title || row.Description != prior.Description,
	}

	if equalRows(prior, &row) {
		result.Outcome = MergeUnchanged
		result.Row = *prior
		return result
	}

	row.UpdatedAt = now
	result.Row = row
	result.Outcome = MergeUpdated
	return result
}

func newRow(rec models.NormalizedRecord, now time.Time) models.Vulnerability {
	row := models.Vulnerability{
		CVEID:            rec.CVEID,
		Title:            rec.Title,
		Description:      rec.Description,
		CVSSScore:        rec.CVSSScore,
		CVSSVector:       rec.CVSSVector,
		Exploited:        rec.Exploited,
		CISADueDate:      rec.CISADueDate,
		Sources:          []models.Source{rec.Source},
		CWEIDs:           unionStrings(nil, rec.CWEIDs, models.MaxCWEIDs),
		Vendors:          unionStrings(nil, rec.Vendors, models.MaxVendors),
		Products:         unionStrings(nil, rec.Products, models.MaxProducts),
		AffectedProducts: unionStrings(nil, rec.AffectedProducts, models.MaxProducts),
		References:       unionReferences(nil, rec.References, models.MaxReferences),
		PublishedAt:      rec.PublishedAt,
		ModifiedAt:       rec.ModifiedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	row.Severity = deriveSeverity(row.CVSSScore, rec.Severity, models.SeverityUnknown)
	row.PriorityScore = score(&row, now)
	return row
}

// priorPrecedence ranks the persisted row's scalars by the strongest source
// that has contributed to it.
func priorPrecedence(v *models.Vulnerability) int {
	best := 0
	for _, s := range v.Sources {
		if p := models.SourcePrecedence(s); p > best {
			best = p
		}
	}
	return best
}

// deriveSeverity recomputes the band from the CVSS score when one is
// present; otherwise an upstream-asserted severity is kept.
func deriveSeverity(cvss *float64, incoming, existing models.Severity) models.Severity {
	if cvss != nil {
		return models.SeverityFromCVSS(*cvss)
	}
	if incoming != "" && incoming != models.SeverityUnknown {
		return incoming
	}
	if existing != "" {
		return existing
	}
	return models.SeverityUnknown
}

func severityMismatch(asserted, derived models.Severity) bool {
	return asserted != "" && asserted != models.SeverityUnknown && asserted != derived
}

func score(v *models.Vulnerability, now time.Time) float64 {
	cvss := 0.0
	if v.CVSSScore != nil {
		cvss = *v.CVSSScore
	}
	return models.PriorityScore(models.PriorityScoreInput{
		CVSSScore:   cvss,
		Exploited:   v.Exploited,
		PublishedAt: v.PublishedAt,
		ModifiedAt:  v.ModifiedAt,
	}, now)
}

func clampCVSS(rec models.NormalizedRecord) models.NormalizedRecord {
	if rec.CVSSScore == nil {
		return rec
	}
	s := *rec.CVSSScore
	if s < 0 {
		s = 0
	}
	if s > 10 {
		s = 10
	}
	rec.CVSSScore = &s
	return rec
}

// unionStrings merges incoming into existing preserving first-seen order,
// dropping overflow from the tail of the incoming set.
func unionStrings(existing, incoming []string, limit int) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, s := range existing {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range incoming {
		if _, ok := seen[s]; ok {
			continue
		}
		if len(out) >= limit {
			break
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// unionReferences deduplicates by URL preserving first-seen order.
func unionReferences(existing, incoming []models.Reference, limit int) []models.Reference {
	out := make([]models.Reference, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, r := range existing {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	for _, r := range incoming {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		if len(out) >= limit {
			break
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// equalRows compares every field that participates in change detection,
// i.e. everything except updated_at and the score (which only moves when
// an input moved or time passed; a pure time drift does not count as a
// data change).
func equalRows(a, b *models.Vulnerability) bool {
	if a.Title != b.Title || a.Description != b.Description {
		return false
	}
	if !equalFloatPtr(a.CVSSScore, b.CVSSScore) || !equalStringPtr(a.CVSSVector, b.CVSSVector) {
		return false
	}
	if a.Severity != b.Severity || a.Exploited != b.Exploited {
		return false
	}
	if !equalTimePtr(a.CISADueDate, b.CISADueDate) ||
		!equalTimePtr(a.PublishedAt, b.PublishedAt) ||
		!equalTimePtr(a.ModifiedAt, b.ModifiedAt) {
		return false
	}
	if len(a.Sources) != len(b.Sources) || len(a.CWEIDs) != len(b.CWEIDs) ||
		len(a.Vendors) != len(b.Vendors) || len(a.Products) != len(b.Products) ||
		len(a.AffectedProducts) != len(b.AffectedProducts) || len(a.References) != len(b.References) {
		return false
	}
	return true
}

func equalFloatPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
