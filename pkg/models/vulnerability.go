// Package models provides domain models for OpenThreat.
package models

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Sources
// =============================================================================

// Source identifies an upstream vulnerability data source.
type Source string

const (
	SourceNVDRecent   Source = "nvd_recent"
	SourceNVDComplete Source = "nvd_complete"
	SourceCISAKEV     Source = "cisa_kev"
	SourceBSICert     Source = "bsi_cert"
)

// sourcePrecedence orders sources for scalar field conflicts.
// Higher value wins; nvd_complete and nvd_recent rank equal.
var sourcePrecedence = map[Source]int{
	SourceNVDComplete: 3,
	SourceNVDRecent:   3,
	SourceCISAKEV:     2,
	SourceBSICert:     1,
}

// SourcePrecedence returns the precedence rank of a source.
// Unknown sources rank lowest.
func SourcePrecedence(s Source) int {
	return sourcePrecedence[s]
}

// KnownSource reports whether s is a recognized source tag.
func KnownSource(s Source) bool {
	_, ok := sourcePrecedence[s]
	return ok
}

// =============================================================================
// Severity
// =============================================================================

// Severity represents a CVSS v3 severity band.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// SeverityFromCVSS converts a CVSS score to a severity band.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0.0:
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// =============================================================================
// Vulnerability
// =============================================================================

// Reference is a single advisory or exploit link attached to a vulnerability.
// References are deduplicated by URL preserving first-seen order.
type Reference struct {
	URL  string   `json:"url"`
	Type string   `json:"type,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// Vulnerability is the canonical catalog record, fused from all sources
// keyed by CVE ID.
type Vulnerability struct {
	ID          uuid.UUID `json:"id" db:"id"`
	CVEID       string    `json:"cveId" db:"cve_id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`

	CVSSScore   *float64   `json:"cvssScore,omitempty" db:"cvss_score"`
	CVSSVector  *string    `json:"cvssVector,omitempty" db:"cvss_vector"`
	Severity    Severity   `json:"severity" db:"severity"`
	Exploited   bool       `json:"exploitedInTheWild" db:"exploited_in_the_wild"`
	CISADueDate *time.Time `json:"cisaDueDate,omitempty" db:"cisa_due_date"`

	Sources          []Source    `json:"sources" db:"sources"`
	CWEIDs           []string    `json:"cweIds,omitempty" db:"cwe_ids"`
	Vendors          []string    `json:"vendors,omitempty" db:"vendors"`
	Products         []string    `json:"products,omitempty" db:"products"`
	AffectedProducts []string    `json:"affectedProducts,omitempty" db:"affected_products"`
	References       []Reference `json:"references,omitempty" db:"references"`

	SimpleTitle       *string    `json:"simpleTitle,omitempty" db:"simple_title"`
	SimpleDescription *string    `json:"simpleDescription,omitempty" db:"simple_description"`
	LLMProcessed      bool       `json:"llmProcessed" db:"llm_processed"`
	LLMProcessedAt    *time.Time `json:"llmProcessedAt,omitempty" db:"llm_processed_at"`

	// Social counters are owned by the read side; the pipeline only
	// preserves them across upserts.
	Upvotes   int `json:"upvotes" db:"upvotes"`
	Downvotes int `json:"downvotes" db:"downvotes"`

	PriorityScore float64 `json:"priorityScore" db:"priority_score"`

	PublishedAt *time.Time `json:"publishedAt,omitempty" db:"published_at"`
	ModifiedAt  *time.Time `json:"modifiedAt,omitempty" db:"modified_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// HasSource reports whether the vulnerability already carries the source tag.
func (v *Vulnerability) HasSource(s Source) bool {
	for _, have := range v.Sources {
		if have == s {
			return true
		}
	}
	return false
}

// Multi-valued field caps. Overflow is dropped deterministically from the
// tail of the incoming set.
const (
	MaxReferences = 200
	MaxCWEIDs     = 100
	MaxVendors    = 100
	MaxProducts   = 100
)

// VulnerabilityFilter represents filters for listing catalog rows.
type VulnerabilityFilter struct {
	CVEIDPrefix   string `json:"cveIdPrefix,omitempty"`
	Text          string `json:"text,omitempty"`
	Severity      string `json:"severity,omitempty"`
	ExploitedOnly bool   `json:"exploitedOnly,omitempty"`
	OrderBy       string `json:"orderBy,omitempty"` // priority_score, published_at, modified_at
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}
