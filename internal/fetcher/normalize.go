package fetcher

import (
	"math"
	"strings"
	"time"

	"github.com/openthreat/openthreat/pkg/models"
)

// Per-record reference cap applied at fetch time; the store cap is enforced
// again at merge time.
const maxFetchReferences = 20

// normalizeToken lowercases a vendor/product token and trims surrounding
// whitespace.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeTokens lowercases and deduplicates, preserving first-seen order.
func normalizeTokens(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		t := normalizeToken(s)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// dedupeReferences deduplicates by URL (case-preserved) and caps the list.
func dedupeReferences(in []models.Reference, limit int) []models.Reference {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Reference, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		if r.URL == "" {
			continue
		}
		if _, ok := seen[r.URL]; ok {
			continue
		}
		if len(out) >= limit {
			break
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// roundCVSS rounds to one decimal per the normalization contract.
func roundCVSS(score float64) float64 {
	return math.Round(score*10) / 10
}

// parseUTC tries the given layouts and returns the time in UTC. Malformed
// dates return nil; callers log and continue.
func parseUTC(value string, layouts ...string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
