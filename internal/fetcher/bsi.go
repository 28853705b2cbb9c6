package fetcher

import (
	"context"
	"encoding/xml"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/config"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

var cveIDPattern = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)

// German severity keywords as CERT-Bund uses them in advisory titles.
var bsiSeverityKeywords = []struct {
	keyword  string
	severity models.Severity
}{
	{"kritisch", models.SeverityCritical},
	{"hoch", models.SeverityHigh},
	{"mittel", models.SeverityMedium},
	{"niedrig", models.SeverityLow},
}

// BSIFetcher pulls the BSI CERT-Bund advisory RSS feed. Advisories may
// reference zero or more CVEs; one record is emitted per referenced CVE.
type BSIFetcher struct {
	client      *Client
	cfg         config.BSIConfig
	itemLimiter *rate.Limiter
	logger      *logger.Logger
}

// NewBSI builds the CERT-Bund RSS fetcher.
func NewBSI(cfg config.BSIConfig, log *logger.Logger) *BSIFetcher {
	return &BSIFetcher{
		// The feed endpoint itself is unmetered; courtesy pacing applies
		// per item, not per request.
		client:      NewClient(string(models.SourceBSICert), cfg.RequestTimeout, 0, log),
		cfg:         cfg,
		itemLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:      log.WithComponent("fetcher.bsi_cert"),
	}
}

// Source returns the tag stamped on emitted records.
func (f *BSIFetcher) Source() models.Source { return models.SourceBSICert }

// Fetch downloads the feed and emits one record per advisory CVE reference.
// The checkpoint is the newest pubDate seen; items at or before it are
// skipped on the next run.
func (f *BSIFetcher) Fetch(ctx context.Context, checkpoint string, out chan<- models.NormalizedRecord) (string, int, error) {
	var since time.Time
	if checkpoint != "" {
		t, err := time.Parse(time.RFC3339, checkpoint)
		if err != nil {
			return checkpoint, 0, errs.Wrap(errs.KindNonRetryableConfig,
				"bad bsi_cert checkpoint "+checkpoint, err)
		}
		since = t.UTC()
	}

	body, err := f.client.Get(ctx, f.cfg.FeedURL, map[string]string{
		"Accept": "application/rss+xml, application/xml",
	})
	if err != nil {
		return checkpoint, 0, err
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return checkpoint, 0, errs.Wrap(errs.KindMalformedRecord, "decoding cert-bund feed", err)
	}

	fetched := 0
	latest := since

	for _, item := range feed.Channel.Items {
		published := parseRSSDate(item.PubDate)
		if published == nil && item.PubDate != "" {
			f.logger.Warn("dropping malformed pubDate", "value", item.PubDate, "title", item.Title)
		}
		if published != nil && !published.After(since) {
			continue
		}
		// An advisory without CVE references still counts as seen.
		if published != nil && published.After(latest) {
			latest = *published
		}

		ids := uniqueCVEIDs(item.Title + " " + item.Description)
		if len(ids) == 0 {
			continue
		}

		if err := f.itemLimiter.Wait(ctx); err != nil {
			return checkpoint, fetched, errs.Wrap(errs.KindCancelled, "fetch aborted", err)
		}

		rec := f.normalizeItem(item, published)
		for _, id := range ids {
			rec.CVEID = id
			if err := emit(ctx, out, rec); err != nil {
				return checkpoint, fetched, errs.Wrap(errs.KindCancelled, "fetch aborted", err)
			}
			fetched++
		}
	}

	if latest.IsZero() {
		return checkpoint, fetched, nil
	}
	return latest.Format(time.RFC3339), fetched, nil
}

func (f *BSIFetcher) normalizeItem(item rssItem, published *time.Time) models.NormalizedRecord {
	rec := models.NormalizedRecord{
		Title:       strings.TrimSpace(item.Title),
		Description: strings.TrimSpace(stripTags(item.Description)),
		Severity:    bsiSeverity(item.Title),
		PublishedAt: published,
		Source:      models.SourceBSICert,
	}
	if item.Link != "" {
		rec.References = []models.Reference{{URL: item.Link, Type: "advisory"}}
	}
	return rec
}

// bsiSeverity extracts a severity band from the German keywords CERT-Bund
// embeds in advisory titles.
func bsiSeverity(title string) models.Severity {
	lower := strings.ToLower(title)
	for _, kw := range bsiSeverityKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.severity
		}
	}
	return models.SeverityUnknown
}

func uniqueCVEIDs(text string) []string {
	matches := cveIDPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// parseRSSDate understands the RFC 1123 variants RSS feeds emit.
func parseRSSDate(value string) *time.Time {
	return parseUTC(value,
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
	)
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags removes embedded HTML markup from feed descriptions.
func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// =============================================================================
// RSS 2.0 shapes
// =============================================================================

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}
