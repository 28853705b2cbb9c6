package models

import (
	"math"
	"time"
)

// PriorityClass is the enrichment-queue tier for a vulnerability.
type PriorityClass string

const (
	PriorityHigh   PriorityClass = "high"
	PriorityMedium PriorityClass = "medium"
	PriorityLow    PriorityClass = "low"
)

// Rank orders priority classes; higher means more urgent.
func (c PriorityClass) Rank() int {
	switch c {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// PriorityScoreInput contains the scorer inputs.
type PriorityScoreInput struct {
	CVSSScore   float64 // 0 when absent
	Exploited   bool
	PublishedAt *time.Time
	ModifiedAt  *time.Time // fallback reference date
}

// PriorityScore computes the priority score in [0.0, 1.0] rounded to four
// decimals. Pure with respect to now:
//
//	score = 0.5*E + 0.4*(cvss/10) + 0.1*R
//
// where E is the exploitation flag and R decays linearly over one year from
// the reference date (published, falling back to modified; 0 if both absent).
func PriorityScore(input PriorityScoreInput, now time.Time) float64 {
	exploitation := 0.0
	if input.Exploited {
		exploitation = 1.0
	}

	recency := 0.0
	ref := input.PublishedAt
	if ref == nil {
		ref = input.ModifiedAt
	}
	if ref != nil {
		ageDays := now.UTC().Sub(ref.UTC()).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency = 1.0 - ageDays/365
		if recency < 0 {
			recency = 0
		}
		if recency > 1 {
			recency = 1
		}
	}

	score := 0.5*exploitation + 0.4*(input.CVSSScore/10) + 0.1*recency
	return math.Round(score*10000) / 10000
}

// ClassifyPriority selects the enrichment priority class for a row.
func ClassifyPriority(v *Vulnerability, now time.Time) PriorityClass {
	recent := func(days int) bool {
		return v.PublishedAt != nil && now.UTC().Sub(v.PublishedAt.UTC()) <= time.Duration(days)*24*time.Hour
	}

	switch {
	case v.Exploited, v.Severity == SeverityCritical, recent(7):
		return PriorityHigh
	case v.Severity == SeverityHigh, recent(30):
		return PriorityMedium
	default:
		return PriorityLow
	}
}
