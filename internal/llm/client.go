// Package llm enriches catalog rows with simplified text from a local
// model service.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openthreat/openthreat/internal/errs"
	"github.com/openthreat/openthreat/pkg/config"
	"github.com/openthreat/openthreat/pkg/logger"
	"github.com/openthreat/openthreat/pkg/models"
	"github.com/openthreat/openthreat/pkg/telemetry"
)

// GenerateInput carries the row fields the generator may use.
type GenerateInput struct {
	CVEID       string
	Title       string
	Description string
	Severity    models.Severity
	CVSSScore   *float64
	Vendors     []string
}

// Generator produces a simplified title and description for one row.
type Generator interface {
	Generate(ctx context.Context, input GenerateInput) (simpleTitle, simpleDescription string, err error)
}

// OllamaClient talks to an Ollama instance over its /api/generate endpoint.
// Two calls per record: one for the title, one for the description.
type OllamaClient struct {
	host   string
	model  string
	http   *http.Client
	logger *logger.Logger
}

// NewOllamaClient builds the generator from configuration.
func NewOllamaClient(cfg config.LLMConfig, log *logger.Logger) *OllamaClient {
	return &OllamaClient{
		host:   strings.TrimRight(cfg.Host, "/"),
		model:  cfg.Model,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: log.WithComponent("llm"),
	}
}

// Generate produces both simplified fields, sanitized and bounds-checked.
func (c *OllamaClient) Generate(ctx context.Context, input GenerateInput) (string, string, error) {
	ctx, span := telemetry.LLMSpan(ctx, c.model, "generate")
	defer span.End()

	title, err := c.generate(ctx, titlePrompt(input), 0.3, 50)
	if err != nil {
		span.SetError(err)
		return "", "", err
	}
	title, err = SanitizeTitle(title)
	if err != nil {
		span.SetError(err)
		return "", "", err
	}

	description, err := c.generate(ctx, descriptionPrompt(input), 0.4, 150)
	if err != nil {
		span.SetError(err)
		return "", "", err
	}
	description, err = SanitizeDescription(description)
	if err != nil {
		span.SetError(err)
		return "", "", err
	}

	span.SetOK()
	return title, description, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *OllamaClient) generate(ctx context.Context, prompt string, temperature float64, numPredict int) (string, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: temperature,
			NumPredict:  numPredict,
		},
	})
	if err != nil {
		return "", errs.Wrap(errs.KindInvariantViolation, "encoding generate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", errs.Wrap(errs.KindNonRetryableConfig, "building generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap(errs.KindCancelled, "generation aborted", ctx.Err())
		}
		return "", errs.Wrap(errs.KindTransientUpstream, "calling generator", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errs.New(errs.KindTransientUpstream,
			fmt.Sprintf("generator returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errs.Wrap(errs.KindTransientUpstream, "reading generator response", err)
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errs.Wrap(errs.KindMalformedRecord, "decoding generator response", err)
	}
	return out.Response, nil
}

func titlePrompt(input GenerateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite this vulnerability title in plain language a non-expert understands. ")
	fmt.Fprintf(&b, "Answer with the title only, at most 10 words, no quotes.\n\n")
	fmt.Fprintf(&b, "CVE: %s\nTitle: %s\n", input.CVEID, input.Title)
	if len(input.Vendors) > 0 {
		fmt.Fprintf(&b, "Affected vendors: %s\n", strings.Join(input.Vendors, ", "))
	}
	return b.String()
}

func descriptionPrompt(input GenerateInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Explain this vulnerability in two or three plain sentences for a non-expert. ")
	fmt.Fprintf(&b, "Say what is affected and what an attacker could do. Answer with the explanation only.\n\n")
	fmt.Fprintf(&b, "CVE: %s\nTitle: %s\nDescription: %s\n", input.CVEID, input.Title, input.Description)
	if input.Severity != "" && input.Severity != models.SeverityUnknown {
		fmt.Fprintf(&b, "Severity: %s\n", input.Severity)
	}
	if input.CVSSScore != nil {
		fmt.Fprintf(&b, "CVSS score: %.1f\n", *input.CVSSScore)
	}
	return b.String()
}
