package models

import "time"

// StatsCache is the single-row materialization of catalog aggregates.
// Only the stats refresher writes it; read paths never scan the full table.
type StatsCache struct {
	Total            int       `json:"total" db:"total"`
	Exploited        int       `json:"exploited" db:"exploited"`
	Critical         int       `json:"critical" db:"critical"`
	High             int       `json:"high" db:"high"`
	Medium           int       `json:"medium" db:"medium"`
	Low              int       `json:"low" db:"low"`
	PublishedLast7d  int       `json:"publishedLast7d" db:"published_last_7d"`
	LastCalculatedAt time.Time `json:"lastCalculatedAt" db:"last_calculated_at"`
}
