package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/config"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
)

// NVD API 2.0 timestamp layouts. Responses omit the zone; request
// parameters want the extended ISO form.
const (
	nvdResponseLayout = "2006-01-02T15:04:05.000"
	nvdParamLayout    = "2006-01-02T15:04:05.000Z07:00"
	nvdDueDateLayout  = "2006-01-02"

	// Rate-limit rules from the NVD terms: 5 req/30s without a key,
	// 50 req/30s with one.
	nvdIntervalNoKey   = 6 * time.Second
	nvdIntervalWithKey = 600 * time.Millisecond

	// Cold-start window for the incremental fetcher.
	nvdDefaultLookback = 7 * 24 * time.Hour
)

type nvdMode int

const (
	modeRecent nvdMode = iota
	modeComplete
	modeKEV
)

// NVDFetcher pulls the NVD CVE API 2.0 in one of three modes: incremental
// by modification window (nvd_recent), historical pagination (nvd_complete),
// or the KEV snapshot via the hasKev filter (cisa_kev).
type NVDFetcher struct {
	client *Client
	cfg    config.NVDConfig
	mode   nvdMode
	source models.Source
	logger *logger.Logger
	now    func() time.Time
}

// NewNVDRecent builds the incremental modification-window fetcher.
func NewNVDRecent(cfg config.NVDConfig, log *logger.Logger) *NVDFetcher {
	return newNVD(cfg, cfg.RequestTimeout, modeRecent, models.SourceNVDRecent, log)
}

// NewNVDComplete builds the historical bulk fetcher. Manual trigger only.
func NewNVDComplete(cfg config.NVDConfig, log *logger.Logger) *NVDFetcher {
	return newNVD(cfg, cfg.RequestTimeout, modeComplete, models.SourceNVDComplete, log)
}

// NewKEV builds the exploited-in-the-wild snapshot fetcher. It queries the
// NVD API with hasKev, which also carries the CISA due dates.
func NewKEV(cfg config.NVDConfig, timeout time.Duration, log *logger.Logger) *NVDFetcher {
	return newNVD(cfg, timeout, modeKEV, models.SourceCISAKEV, log)
}

func newNVD(cfg config.NVDConfig, timeout time.Duration, mode nvdMode, source models.Source, log *logger.Logger) *NVDFetcher {
	interval := nvdIntervalNoKey
	if cfg.APIKey != "" {
		interval = nvdIntervalWithKey
	}
	return &NVDFetcher{
		client: NewClient(string(source), timeout, interval, log),
		cfg:    cfg,
		mode:   mode,
		source: source,
		logger: log.WithComponent("fetcher." + string(source)),
		now:    time.Now,
	}
}

// Source returns the tag stamped on emitted records.
func (f *NVDFetcher) Source() models.Source { return f.source }

// Fetch pages through the API and emits one normalized record per CVE.
func (f *NVDFetcher) Fetch(ctx context.Context, checkpoint string, out chan<- models.NormalizedRecord) (string, int, error) {
	startIndex, since, err := f.resumePoint(checkpoint)
	if err != nil {
		return checkpoint, 0, err
	}

	now := f.now().UTC()
	fetched := 0
	latestModified := since

	for {
		page, err := f.fetchPage(ctx, startIndex, since, now)
		if err != nil {
			return checkpoint, fetched, err
		}

		for _, wrapper := range page.Vulnerabilities {
			rec, err := f.normalize(wrapper.CVE)
			if err != nil {
				f.logger.Warn("dropping malformed upstream record",
					"cve_id", wrapper.CVE.ID, "error", err.Error())
				continue
			}
			if err := emit(ctx, out, rec); err != nil {
				return checkpoint, fetched, errs.Wrap(errs.KindCancelled, "fetch aborted", err)
			}
			fetched++
			if rec.ModifiedAt != nil && rec.ModifiedAt.After(latestModified) {
				latestModified = *rec.ModifiedAt
			}
		}

		startIndex += page.ResultsPerPage
		if page.ResultsPerPage == 0 || startIndex >= page.TotalResults {
			break
		}
	}

	switch f.mode {
	case modeRecent:
		if latestModified.After(since) {
			return latestModified.UTC().Format(time.RFC3339), fetched, nil
		}
		// Empty window; advance to the window end so the next run does
		// not refetch it.
		return now.Format(time.RFC3339), fetched, nil
	case modeComplete:
		return fmt.Sprintf("%d|%s", startIndex, latestModified.UTC().Format(time.RFC3339)), fetched, nil
	default:
		// KEV is a full snapshot; nothing to resume.
		return "", fetched, nil
	}
}

// resumePoint decodes the per-mode checkpoint format.
func (f *NVDFetcher) resumePoint(checkpoint string) (startIndex int, since time.Time, err error) {
	switch f.mode {
	case modeRecent:
		if checkpoint == "" {
			return 0, f.now().UTC().Add(-nvdDefaultLookback), nil
		}
		t, perr := time.Parse(time.RFC3339, checkpoint)
		if perr != nil {
			return 0, time.Time{}, errs.Wrap(errs.KindNonRetryableConfig,
				"bad nvd_recent checkpoint "+checkpoint, perr)
		}
		return 0, t.UTC(), nil

	case modeComplete:
		// Checkpoint format: "<startIndex>|<RFC3339 latest modified>".
		if checkpoint == "" {
			return 0, time.Time{}, nil
		}
		idx, rest, found := strings.Cut(checkpoint, "|")
		i, perr := strconv.Atoi(idx)
		if perr != nil || i < 0 {
			return 0, time.Time{}, errs.New(errs.KindNonRetryableConfig,
				"bad nvd_complete checkpoint "+checkpoint)
		}
		var t time.Time
		if found && rest != "" {
			t, perr = time.Parse(time.RFC3339, rest)
			if perr != nil {
				return 0, time.Time{}, errs.Wrap(errs.KindNonRetryableConfig,
					"bad nvd_complete checkpoint "+checkpoint, perr)
			}
		}
		return i, t.UTC(), nil

	default:
		// KEV is a full snapshot; no checkpoint.
		return 0, time.Time{}, nil
	}
}

func (f *NVDFetcher) fetchPage(ctx context.Context, startIndex int, since, until time.Time) (*nvdResponse, error) {
	params := url.Values{}
	params.Set("startIndex", strconv.Itoa(startIndex))
	params.Set("resultsPerPage", strconv.Itoa(f.cfg.ResultsPerPage))

	if f.mode == modeRecent {
		params.Set("lastModStartDate", since.Format(nvdParamLayout))
		params.Set("lastModEndDate", until.Format(nvdParamLayout))
	}

	reqURL := f.cfg.BaseURL + "?" + params.Encode()
	if f.mode == modeKEV {
		// hasKev is a valueless flag parameter.
		reqURL += "&hasKev"
	}

	var headers map[string]string
	if f.cfg.APIKey != "" {
		headers = map[string]string{"apiKey": f.cfg.APIKey}
	}

	var page nvdResponse
	if err := f.client.GetJSON(ctx, reqURL, headers, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// normalize maps one NVD CVE object to the internal record shape.
func (f *NVDFetcher) normalize(cve nvdCVE) (models.NormalizedRecord, error) {
	if cve.ID == "" {
		return models.NormalizedRecord{}, errs.New(errs.KindMalformedRecord, "missing cve id")
	}

	rec := models.NormalizedRecord{
		CVEID:       cve.ID,
		Description: englishDescription(cve.Descriptions),
		Source:      f.source,
	}

	if score, vector, ok := preferredMetric(cve.Metrics); ok {
		s := roundCVSS(score)
		rec.CVSSScore = &s
		if vector != "" {
			v := vector
			rec.CVSSVector = &v
		}
		rec.Severity = models.SeverityFromCVSS(s)
	}

	rec.CWEIDs = normalizeTokensUpper(weaknessIDs(cve.Weaknesses))
	rec.Vendors, rec.Products, rec.AffectedProducts = cpeInventory(cve.Configurations)
	rec.References = nvdReferences(cve.References)

	if t := parseUTC(cve.Published, nvdResponseLayout, time.RFC3339); t != nil {
		rec.PublishedAt = t
	} else if cve.Published != "" {
		f.logger.Warn("dropping malformed published date", "cve_id", cve.ID, "value", cve.Published)
	}
	if t := parseUTC(cve.LastModified, nvdResponseLayout, time.RFC3339); t != nil {
		rec.ModifiedAt = t
	} else if cve.LastModified != "" {
		f.logger.Warn("dropping malformed modified date", "cve_id", cve.ID, "value", cve.LastModified)
	}

	if f.mode == modeKEV || cve.CISAVulnerabilityName != "" {
		if cve.CISAVulnerabilityName != "" {
			rec.Title = cve.CISAVulnerabilityName
		}
		if t := parseUTC(cve.CISAActionDue, nvdDueDateLayout); t != nil {
			rec.CISADueDate = t
		}
	}
	if f.mode == modeKEV {
		rec.Exploited = true
	}
	if rec.Title == "" {
		rec.Title = titleFromDescription(cve.ID, rec.Description)
	}

	return rec, nil
}

// =============================================================================
// NVD API 2.0 response shapes
// =============================================================================

type nvdResponse struct {
	ResultsPerPage  int    `json:"resultsPerPage"`
	StartIndex      int    `json:"startIndex"`
	TotalResults    int    `json:"totalResults"`
	Format          string `json:"format"`
	Version         string `json:"version"`
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID                    string             `json:"id"`
	Published             string             `json:"published"`
	LastModified          string             `json:"lastModified"`
	VulnStatus            string             `json:"vulnStatus"`
	CISAActionDue         string             `json:"cisaActionDue"`
	CISAVulnerabilityName string             `json:"cisaVulnerabilityName"`
	Descriptions          []nvdLangString    `json:"descriptions"`
	Metrics               nvdMetrics         `json:"metrics"`
	Weaknesses            []nvdWeakness      `json:"weaknesses"`
	References            []nvdReference     `json:"references"`
	Configurations        []nvdConfiguration `json:"configurations"`
}

type nvdLangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetrics struct {
	CVSSMetricV31 []nvdCVSSMetric `json:"cvssMetricV31"`
	CVSSMetricV30 []nvdCVSSMetric `json:"cvssMetricV30"`
	CVSSMetricV2  []nvdCVSSMetric `json:"cvssMetricV2"`
}

type nvdCVSSMetric struct {
	Type     string `json:"type"`
	CVSSData struct {
		Version      string  `json:"version"`
		VectorString string  `json:"vectorString"`
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
}

type nvdWeakness struct {
	Description []nvdLangString `json:"description"`
}

type nvdReference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

type nvdConfiguration struct {
	Nodes []struct {
		CPEMatch []struct {
			Criteria   string `json:"criteria"`
			Vulnerable bool   `json:"vulnerable"`
		} `json:"cpeMatch"`
	} `json:"nodes"`
}

// =============================================================================
// Extraction helpers
// =============================================================================

// englishDescription prefers the "en" entry, falling back to the first.
func englishDescription(ds []nvdLangString) string {
	for _, d := range ds {
		if d.Lang == "en" {
			return strings.TrimSpace(d.Value)
		}
	}
	if len(ds) > 0 {
		return strings.TrimSpace(ds[0].Value)
	}
	return ""
}

// preferredMetric picks CVSS v3.1, then v3.0, then v2.
func preferredMetric(m nvdMetrics) (score float64, vector string, ok bool) {
	for _, metrics := range [][]nvdCVSSMetric{m.CVSSMetricV31, m.CVSSMetricV30, m.CVSSMetricV2} {
		if len(metrics) > 0 {
			d := metrics[0].CVSSData
			return d.BaseScore, d.VectorString, true
		}
	}
	return 0, "", false
}

func weaknessIDs(ws []nvdWeakness) []string {
	var out []string
	for _, w := range ws {
		for _, d := range w.Description {
			v := strings.TrimSpace(d.Value)
			if strings.HasPrefix(v, "CWE-") {
				out = append(out, v)
			}
		}
	}
	return out
}

// normalizeTokensUpper deduplicates preserving case, for identifier-like
// tokens (CWE ids).
func normalizeTokensUpper(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		t := strings.ToUpper(strings.TrimSpace(s))
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

// cpeInventory extracts vendor/product tokens from cpe:2.3 criteria.
// Underscores become spaces and everything is lowercased.
func cpeInventory(configs []nvdConfiguration) (vendors, products, affected []string) {
	var rawVendors, rawProducts, rawAffected []string
	for _, cfg := range configs {
		for _, node := range cfg.Nodes {
			for _, match := range node.CPEMatch {
				if !match.Vulnerable {
					continue
				}
				vendor, product, ok := parseCPE(match.Criteria)
				if !ok {
					continue
				}
				rawVendors = append(rawVendors, vendor)
				rawProducts = append(rawProducts, product)
				rawAffected = append(rawAffected, vendor+" "+product)
			}
		}
	}
	return normalizeTokens(rawVendors), normalizeTokens(rawProducts), normalizeTokens(rawAffected)
}

// parseCPE splits a cpe:2.3:<part>:<vendor>:<product>:... URI.
func parseCPE(criteria string) (vendor, product string, ok bool) {
	parts := strings.Split(criteria, ":")
	if len(parts) < 5 || parts[0] != "cpe" || parts[1] != "2.3" {
		return "", "", false
	}
	vendor = cpeToken(parts[3])
	product = cpeToken(parts[4])
	if vendor == "" || vendor == "*" || product == "" || product == "*" {
		return "", "", false
	}
	return vendor, product, true
}

func cpeToken(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", " ")
}

func nvdReferences(refs []nvdReference) []models.Reference {
	out := make([]models.Reference, 0, len(refs))
	for _, r := range refs {
		out = append(out, models.Reference{URL: r.URL, Tags: r.Tags})
	}
	return dedupeReferences(out, maxFetchReferences)
}

// titleFromDescription derives a short title when upstream carries none.
func titleFromDescription(cveID, description string) string {
	if description == "" {
		return cveID
	}
	title := description
	if idx := strings.IndexAny(title, ".\n"); idx > 20 {
		title = title[:idx]
	}
	if utf8.RuneCountInString(title) > 120 {
		runes := []rune(title)
		title = string(runes[:117]) + "..."
	}
	return strings.TrimSpace(title)
}
