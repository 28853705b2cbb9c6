package models

import "time"

// NormalizedRecord is the transient per-source record a fetcher emits.
// Fetchers normalize before emission: vendor/product tokens lowercased,
// references deduplicated by URL, CVSS rounded to one decimal, dates in UTC.
type NormalizedRecord struct {
	CVEID       string
	Title       string
	Description string

	CVSSScore   *float64
	CVSSVector  *string
	Severity    Severity
	Exploited   bool
	CISADueDate *time.Time

	CWEIDs           []string
	Vendors          []string
	Products         []string
	AffectedProducts []string
	References       []Reference

	PublishedAt *time.Time
	ModifiedAt  *time.Time

	// Source is the emitting fetcher's tag; the merger unions it into
	// the persisted row.
	Source Source
}
