package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthreat/openthreat/pkg/config"
	"github.com/openthreat/openthreat/pkg/models"
)

const bsiSampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>CERT-Bund Sicherheitshinweise</title>
    <item>
      <title>[hoch] Widget Server: Mehrere Schwachstellen</title>
      <link>https://wid.cert-bund.de/portal/wid/securityadvisory?name=WID-SEC-2024-0001</link>
      <description>&lt;p&gt;Es bestehen Schwachstellen CVE-2024-1111 und CVE-2024-2222 in Widget Server.&lt;/p&gt;</description>
      <pubDate>Thu, 02 May 2024 08:00:00 +0000</pubDate>
    </item>
    <item>
      <title>[mittel] Anderes Produkt: Schwachstelle ohne CVE</title>
      <link>https://wid.cert-bund.de/portal/wid/securityadvisory?name=WID-SEC-2024-0002</link>
      <description>Kein Verweis auf eine Kennung.</description>
      <pubDate>Thu, 02 May 2024 09:00:00 +0000</pubDate>
    </item>
    <item>
      <title>[kritisch] Altes Advisory CVE-2023-0001</title>
      <link>https://wid.cert-bund.de/portal/wid/securityadvisory?name=WID-SEC-2023-0099</link>
      <description>Bereits verarbeitet.</description>
      <pubDate>Mon, 01 Jan 2024 00:00:00 +0000</pubDate>
    </item>
  </channel>
</rss>`

func bsiTestConfig(feedURL string) config.BSIConfig {
	return config.BSIConfig{
		FeedURL:        feedURL,
		RequestTimeout: 5 * time.Second,
	}
}

func TestBSIFetchEmitsPerCVE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(bsiSampleFeed))
	}))
	defer srv.Close()

	f := NewBSI(bsiTestConfig(srv.URL), testLogger())
	assert.Equal(t, models.SourceBSICert, f.Source())

	// Checkpoint after the old advisory; only the newer item qualifies.
	checkpoint, fetched, records, err := collect(t, f, "2024-04-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2, fetched)
	require.Len(t, records, 2)

	assert.Equal(t, "CVE-2024-1111", records[0].CVEID)
	assert.Equal(t, "CVE-2024-2222", records[1].CVEID)

	for _, rec := range records {
		assert.Equal(t, models.SourceBSICert, rec.Source)
		assert.Equal(t, "[hoch] Widget Server: Mehrere Schwachstellen", rec.Title)
		assert.Equal(t, models.SeverityHigh, rec.Severity)
		assert.NotContains(t, rec.Description, "<p>")
		require.Len(t, rec.References, 1)
		assert.Equal(t, "advisory", rec.References[0].Type)
		require.NotNil(t, rec.PublishedAt)
		assert.Equal(t, time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC), *rec.PublishedAt)
	}

	// Newest pubDate seen, even from the CVE-less item.
	assert.Equal(t, "2024-05-02T09:00:00Z", checkpoint)
}

func TestBSIFetchSkipsProcessedItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bsiSampleFeed))
	}))
	defer srv.Close()

	f := NewBSI(bsiTestConfig(srv.URL), testLogger())

	checkpoint, fetched, records, err := collect(t, f, "2024-05-02T09:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 0, fetched)
	assert.Empty(t, records)
	assert.Equal(t, "2024-05-02T09:00:00Z", checkpoint)
}

func TestBSIFetchRejectsBadFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not xml at all"))
	}))
	defer srv.Close()

	f := NewBSI(bsiTestConfig(srv.URL), testLogger())

	out := make(chan models.NormalizedRecord, 10)
	_, _, err := f.Fetch(context.Background(), "", out)
	require.Error(t, err)
}

func TestBSISeverity(t *testing.T) {
	tests := []struct {
		title string
		want  models.Severity
	}{
		{"[kritisch] Produkt: Schwachstelle", models.SeverityCritical},
		{"[hoch] Produkt: Schwachstelle", models.SeverityHigh},
		{"[mittel] Produkt: Schwachstelle", models.SeverityMedium},
		{"[niedrig] Produkt: Schwachstelle", models.SeverityLow},
		{"Produkt: Schwachstelle", models.SeverityUnknown},
		{"[HOCH] Grossschreibung", models.SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, bsiSeverity(tt.title))
		})
	}
}

func TestUniqueCVEIDs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"none", "kein Verweis", nil},
		{"single", "siehe CVE-2024-1234", []string{"CVE-2024-1234"}},
		{"duplicates folded", "CVE-2024-1234 und nochmal CVE-2024-1234", []string{"CVE-2024-1234"}},
		{"long id", "CVE-2024-123456 lang", []string{"CVE-2024-123456"}},
		{"too short rejected", "CVE-2024-123 kurz", nil},
		{"multiple ordered", "CVE-2024-2 erst CVE-2024-0002, dann CVE-2024-0001", []string{"CVE-2024-0002", "CVE-2024-0001"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uniqueCVEIDs(tt.text))
		})
	}
}

func TestStripTags(t *testing.T) {
	assert.Equal(t, "Es bestehen Schwachstellen.",
		stripTags("<p>Es bestehen <b>Schwachstellen</b>.</p>"))
	assert.Equal(t, "plain", stripTags("plain"))
}

func TestParseRSSDate(t *testing.T) {
	got := parseRSSDate("Thu, 02 May 2024 08:00:00 +0200")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC), *got)

	assert.Nil(t, parseRSSDate("gestern"))
	assert.Nil(t, parseRSSDate(""))
}
