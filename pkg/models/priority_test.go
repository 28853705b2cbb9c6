package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriorityScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	daysAgo := func(d int) *time.Time {
		ts := now.Add(-time.Duration(d) * 24 * time.Hour)
		return &ts
	}

	tests := []struct {
		name     string
		input    PriorityScoreInput
		expected float64
	}{
		{
			name:     "maximum score",
			input:    PriorityScoreInput{CVSSScore: 10.0, Exploited: true, PublishedAt: daysAgo(0)},
			expected: 1.0,
		},
		{
			name:     "floor score",
			input:    PriorityScoreInput{CVSSScore: 0.0, Exploited: false, PublishedAt: daysAgo(400)},
			expected: 0.0,
		},
		{
			name:     "critical recent unexploited",
			input:    PriorityScoreInput{CVSSScore: 9.8, Exploited: false, PublishedAt: daysAgo(1)},
			expected: 0.4919, // 0.4*0.98 + 0.1*(1 - 1/365)
		},
		{
			name:     "exploitation adds half",
			input:    PriorityScoreInput{CVSSScore: 7.5, Exploited: true, PublishedAt: daysAgo(365)},
			expected: 0.8,
		},
		{
			name:     "no dates means no recency",
			input:    PriorityScoreInput{CVSSScore: 5.0, Exploited: false},
			expected: 0.2,
		},
		{
			name:     "modified date used when published absent",
			input:    PriorityScoreInput{CVSSScore: 0.0, Exploited: false, ModifiedAt: daysAgo(0)},
			expected: 0.1,
		},
		{
			name:     "future date clamps age to zero",
			input:    PriorityScoreInput{CVSSScore: 0.0, Exploited: false, PublishedAt: daysAgo(-10)},
			expected: 0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PriorityScore(tt.input, now)
			assert.Equal(t, tt.expected, result)
			assert.GreaterOrEqual(t, result, 0.0)
			assert.LessOrEqual(t, result, 1.0)
		})
	}
}

func TestPriorityScoreExploitationDelta(t *testing.T) {
	// Exploitation contributes a flat 0.5 regardless of the other terms, so
	// withdrawing it from a stored score is a plain subtraction.
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	daysAgo := func(d int) *time.Time {
		ts := now.Add(-time.Duration(d) * 24 * time.Hour)
		return &ts
	}

	inputs := []PriorityScoreInput{
		{CVSSScore: 9.8, PublishedAt: daysAgo(1)},
		{CVSSScore: 7.5, PublishedAt: daysAgo(365)},
		{CVSSScore: 3.0, PublishedAt: daysAgo(90)},
		{CVSSScore: 0.0},
		{CVSSScore: 10.0, PublishedAt: daysAgo(0)},
	}

	for _, input := range inputs {
		withdrawn := PriorityScore(input, now)
		input.Exploited = true
		exploited := PriorityScore(input, now)
		assert.InDelta(t, withdrawn, exploited-0.5, 1e-9)
	}
}

func TestPriorityScoreDeterminism(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	published := now.Add(-30 * 24 * time.Hour)
	input := PriorityScoreInput{CVSSScore: 8.1, Exploited: true, PublishedAt: &published}

	first := PriorityScore(input, now)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, PriorityScore(input, now))
	}
}

func TestClassifyPriority(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	daysAgo := func(d int) *time.Time {
		ts := now.Add(-time.Duration(d) * 24 * time.Hour)
		return &ts
	}

	tests := []struct {
		name     string
		vuln     Vulnerability
		expected PriorityClass
	}{
		{"exploited", Vulnerability{Exploited: true, Severity: SeverityLow, PublishedAt: daysAgo(100)}, PriorityHigh},
		{"critical severity", Vulnerability{Severity: SeverityCritical, PublishedAt: daysAgo(100)}, PriorityHigh},
		{"published within 7 days", Vulnerability{Severity: SeverityLow, PublishedAt: daysAgo(3)}, PriorityHigh},
		{"high severity", Vulnerability{Severity: SeverityHigh, PublishedAt: daysAgo(100)}, PriorityMedium},
		{"published within 30 days", Vulnerability{Severity: SeverityLow, PublishedAt: daysAgo(20)}, PriorityMedium},
		{"old low severity", Vulnerability{Severity: SeverityLow, PublishedAt: daysAgo(200)}, PriorityLow},
		{"no dates unknown severity", Vulnerability{Severity: SeverityUnknown}, PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyPriority(&tt.vuln, now))
		})
	}
}

func TestPriorityClassRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Greater(t, PriorityLow.Rank(), PriorityClass("").Rank())
}
