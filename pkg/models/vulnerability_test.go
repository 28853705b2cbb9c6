package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityFromCVSS(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		expected Severity
	}{
		{"critical - 10.0", 10.0, SeverityCritical},
		{"critical - 9.0", 9.0, SeverityCritical},
		{"high - 8.9", 8.9, SeverityHigh},
		{"high - 7.0", 7.0, SeverityHigh},
		{"medium - 6.9", 6.9, SeverityMedium},
		{"medium - 4.0", 4.0, SeverityMedium},
		{"low - 3.9", 3.9, SeverityLow},
		{"low - 0.1", 0.1, SeverityLow},
		{"unknown - 0.0", 0.0, SeverityUnknown},
		{"unknown - negative", -1.0, SeverityUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SeverityFromCVSS(tt.score))
		})
	}
}

func TestSourcePrecedence(t *testing.T) {
	// NVD sources rank equal and above cisa_kev, which ranks above bsi_cert.
	assert.Equal(t, SourcePrecedence(SourceNVDComplete), SourcePrecedence(SourceNVDRecent))
	assert.Greater(t, SourcePrecedence(SourceNVDRecent), SourcePrecedence(SourceCISAKEV))
	assert.Greater(t, SourcePrecedence(SourceCISAKEV), SourcePrecedence(SourceBSICert))
	assert.Equal(t, 0, SourcePrecedence(Source("osv")))
}

func TestKnownSource(t *testing.T) {
	for _, s := range []Source{SourceNVDRecent, SourceNVDComplete, SourceCISAKEV, SourceBSICert} {
		assert.True(t, KnownSource(s))
	}
	assert.False(t, KnownSource(Source("github_advisory")))
	assert.False(t, KnownSource(Source("")))
}

func TestHasSource(t *testing.T) {
	v := Vulnerability{Sources: []Source{SourceBSICert, SourceNVDRecent}}
	assert.True(t, v.HasSource(SourceBSICert))
	assert.True(t, v.HasSource(SourceNVDRecent))
	assert.False(t, v.HasSource(SourceCISAKEV))
}
