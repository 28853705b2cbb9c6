package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthreat/openthreat/pkg/models"
)

var mergeNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func floatPtr(f float64) *float64 { return &f }

func timePtr(t time.Time) *time.Time { return &t }

func TestMergeInsertsNewRow(t *testing.T) {
	published := mergeNow.Add(-24 * time.Hour)
	rec := models.NormalizedRecord{
		CVEID:       "CVE-2024-0001",
		Title:       "Remote code execution in widget",
		CVSSScore:   floatPtr(9.8),
		PublishedAt: &published,
		Source:      models.SourceNVDRecent,
	}

	result := Merge(nil, rec, mergeNow)

	assert.Equal(t, MergeInserted, result.Outcome)
	assert.True(t, result.TextChanged)
	assert.Equal(t, models.SeverityCritical, result.Row.Severity)
	assert.Equal(t, []models.Source{models.SourceNVDRecent}, result.Row.Sources)

	// 0.4*0.98 + 0.1*(1 - 1/365), rounded to four decimals
	expected := models.PriorityScore(models.PriorityScoreInput{
		CVSSScore: 9.8, PublishedAt: &published,
	}, mergeNow)
	assert.Equal(t, expected, result.Row.PriorityScore)
	assert.Equal(t, 0.4919, result.Row.PriorityScore)
}

func TestMergeKEVFlipsExploitation(t *testing.T) {
	prior := &models.Vulnerability{
		CVEID:     "CVE-2024-0002",
		Title:     "Widget overflow",
		CVSSScore: floatPtr(7.5),
		Severity:  models.SeverityHigh,
		Sources:   []models.Source{models.SourceNVDRecent},
	}
	priorScore := score(prior, mergeNow)
	prior.PriorityScore = priorScore

	result := Merge(prior, models.NormalizedRecord{
		CVEID:     "CVE-2024-0002",
		Exploited: true,
		Source:    models.SourceCISAKEV,
	}, mergeNow)

	assert.Equal(t, MergeUpdated, result.Outcome)
	assert.True(t, result.Row.Exploited)
	require.NotNil(t, result.Row.CVSSScore)
	assert.Equal(t, 7.5, *result.Row.CVSSScore, "kev record carries no cvss, prior value kept")
	assert.Equal(t, models.SeverityHigh, result.Row.Severity)
	assert.InDelta(t, priorScore+0.5, result.Row.PriorityScore, 0.0001)
	assert.False(t, result.TextChanged)
}

func TestMergeExploitationIsMonotonic(t *testing.T) {
	prior := &models.Vulnerability{
		CVEID:     "CVE-2024-0003",
		Exploited: true,
		Sources:   []models.Source{models.SourceCISAKEV},
	}

	// A later source omitting the signal must not clear the flag.
	result := Merge(prior, models.NormalizedRecord{
		CVEID:  "CVE-2024-0003",
		Title:  "New title",
		Source: models.SourceNVDRecent,
	}, mergeNow)

	assert.True(t, result.Row.Exploited)
}

func TestMergeTitlePrecedence(t *testing.T) {
	prior := &models.Vulnerability{
		CVEID:   "CVE-2024-0004",
		Title:   "Old (from bsi_cert)",
		Sources: []models.Source{models.SourceBSICert},
	}

	result := Merge(prior, models.NormalizedRecord{
		CVEID:  "CVE-2024-0004",
		Title:  "New",
		Source: models.SourceNVDRecent,
	}, mergeNow)

	assert.Equal(t, MergeUpdated, result.Outcome)
	assert.Equal(t, "New", result.Row.Title)
	assert.ElementsMatch(t, []models.Source{models.SourceBSICert, models.SourceNVDRecent}, result.Row.Sources)
	assert.True(t, result.TextChanged)
}

func TestMergeLowerPrecedenceDoesNotOverwrite(t *testing.T) {
	prior := &models.Vulnerability{
		CVEID:   "CVE-2024-0005",
		Title:   "NVD title",
		Sources: []models.Source{models.SourceNVDRecent},
	}

	result := Merge(prior, models.NormalizedRecord{
		CVEID:  "CVE-2024-0005",
		Title:  "BSI advisory title",
		Source: models.SourceBSICert,
	}, mergeNow)

	assert.Equal(t, "NVD title", result.Row.Title)
}

func TestMergeLowerPrecedenceFillsGaps(t *testing.T) {
	prior := &models.Vulnerability{
		CVEID:   "CVE-2024-0006",
		Sources: []models.Source{models.SourceNVDRecent},
	}

	result := Merge(prior, models.NormalizedRecord{
		CVEID:       "CVE-2024-0006",
		Title:       "BSI advisory title",
		Description: "German advisory summary",
		Source:      models.SourceBSICert,
	}, mergeNow)

	assert.Equal(t, "BSI advisory title", result.Row.Title)
	assert.Equal(t, "German advisory summary", result.Row.Description)
}

func TestMergeReferencesUnionCapped(t *testing.T) {
	existing := make([]models.Reference, 80)
	for i := range existing {
		existing[i] = models.Reference{URL: fmt.Sprintf("https://example.com/prior/%d", i)}
	}
	incoming := make([]models.Reference, 150)
	for i := range incoming {
		incoming[i] = models.Reference{URL: fmt.Sprintf("https://example.com/new/%d", i)}
	}

	prior := &models.Vulnerability{
		CVEID:      "CVE-2024-0007",
		Sources:    []models.Source{models.SourceNVDRecent},
		References: existing,
	}

	result := Merge(prior, models.NormalizedRecord{
		CVEID:      "CVE-2024-0007",
		References: incoming,
		Source:     models.SourceNVDRecent,
	}, mergeNow)

	require.Len(t, result.Row.References, models.MaxReferences)
	// First-seen order preserved; overflow dropped from the tail of the
	// incoming set.
	assert.Equal(t, "https://example.com/prior/0", result.Row.References[0].URL)
	assert.Equal(t, "https://example.com/new/119", result.Row.References[199].URL)
}

func TestMergeIdempotent(t *testing.T) {
	published := mergeNow.Add(-48 * time.Hour)
	rec := models.NormalizedRecord{
		CVEID:       "CVE-2024-0008",
		Title:       "Stable title",
		Description: "Stable description",
		CVSSScore:   floatPtr(6.5),
		CWEIDs:      []string{"CWE-79"},
		Vendors:     []string{"acme"},
		References:  []models.Reference{{URL: "https://example.com/a"}},
		PublishedAt: &published,
		Source:      models.SourceNVDRecent,
	}

	first := Merge(nil, rec, mergeNow)
	require.Equal(t, MergeInserted, first.Outcome)

	second := Merge(&first.Row, rec, mergeNow)
	assert.Equal(t, MergeUnchanged, second.Outcome)
	assert.Equal(t, first.Row.UpdatedAt, second.Row.UpdatedAt)
}

func TestMergeUnionMonotonicity(t *testing.T) {
	prior := &models.Vulnerability{
		CVEID:      "CVE-2024-0009",
		Sources:    []models.Source{models.SourceBSICert},
		Vendors:    []string{"acme"},
		References: []models.Reference{{URL: "https://example.com/a"}},
	}

	result := Merge(prior, models.NormalizedRecord{
		CVEID:      "CVE-2024-0009",
		Vendors:    []string{"globex"},
		References: []models.Reference{{URL: "https://example.com/b"}},
		Source:     models.SourceNVDRecent,
	}, mergeNow)

	assert.GreaterOrEqual(t, len(result.Row.Sources), len(prior.Sources))
	assert.Subset(t, result.Row.Vendors, prior.Vendors)
	assert.Contains(t, result.Row.References, prior.References[0])
}

func TestMergeClampsCVSS(t *testing.T) {
	result := Merge(nil, models.NormalizedRecord{
		CVEID:     "CVE-2024-0010",
		CVSSScore: floatPtr(12.5),
		Source:    models.SourceNVDRecent,
	}, mergeNow)

	require.NotNil(t, result.Row.CVSSScore)
	assert.Equal(t, 10.0, *result.Row.CVSSScore)
	assert.Equal(t, models.SeverityCritical, result.Row.Severity)
}

func TestMergeSeverityMismatchFlagged(t *testing.T) {
	result := Merge(nil, models.NormalizedRecord{
		CVEID:     "CVE-2024-0011",
		CVSSScore: floatPtr(5.0),
		Severity:  models.SeverityCritical, // upstream asserts CRITICAL for a 5.0
		Source:    models.SourceBSICert,
	}, mergeNow)

	assert.Equal(t, models.SeverityMedium, result.Row.Severity)
	assert.True(t, result.SeverityMismatch)
}

func TestMergeBSISeverityKeptWithoutCVSS(t *testing.T) {
	result := Merge(nil, models.NormalizedRecord{
		CVEID:    "CVE-2024-0012",
		Severity: models.SeverityHigh,
		Source:   models.SourceBSICert,
	}, mergeNow)

	assert.Equal(t, models.SeverityHigh, result.Row.Severity)
	assert.False(t, result.SeverityMismatch)
}
