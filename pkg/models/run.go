package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IngestionRun records a single fetch/merge execution for observability.
// Created in running state at job start, terminalized exactly once.
type IngestionRun struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Source          Source     `json:"source" db:"source"`
	Status          RunStatus  `json:"status" db:"status"`
	RecordsFetched  int        `json:"recordsFetched" db:"records_fetched"`
	RecordsInserted int        `json:"recordsInserted" db:"records_inserted"`
	RecordsUpdated  int        `json:"recordsUpdated" db:"records_updated"`
	RecordsFailed   int        `json:"recordsFailed" db:"records_failed"`
	StartedAt       time.Time  `json:"startedAt" db:"started_at"`
	CompletedAt     *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty" db:"duration_seconds"`
	ErrorSummary    *string    `json:"errorSummary,omitempty" db:"error_summary"`
}

// RunCounts aggregates the per-run counters reported by the merger.
type RunCounts struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}
