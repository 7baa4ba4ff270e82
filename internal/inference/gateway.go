package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"mail-triage/internal/models"
)

// Gateway talks to the inference service over HTTP.
type Gateway struct {
	client *resty.Client
}

// NewGateway builds a client for the given base URL. Retries here cover
// short network blips; longer outages surface as task retries.
func NewGateway(baseURL, apiKey string, timeout time.Duration) *Gateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(2*time.Second).
		SetRetryMaxWaitTime(10*time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &Gateway{client: client}
}

type classifyResponse struct {
	Category   string `json:"category"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
	Locale     string `json:"locale"`
	Style      string `json:"style"`
}

func (g *Gateway) Classify(ctx context.Context, req ClassifyRequest) (*Classification, error) {
	var out classifyResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/classify")
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("classify request: status %d: %s", resp.StatusCode(), resp.String())
	}

	category, err := models.ParseCategory(out.Category)
	if err != nil {
		return nil, fmt.Errorf("classify response: %w", err)
	}
	confidence := models.Confidence(out.Confidence)
	if !confidence.Valid() {
		confidence = models.ConfidenceMedium
	}
	return &Classification{
		Category:   category,
		Confidence: confidence,
		Rationale:  out.Rationale,
		Locale:     out.Locale,
		Style:      out.Style,
	}, nil
}

type draftResponse struct {
	Body string `json:"body"`
}

func (g *Gateway) ComposeDraft(ctx context.Context, req DraftRequest) (string, error) {
	var out draftResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/draft")
	if err != nil {
		return "", fmt.Errorf("draft request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("draft request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Body == "" {
		return "", fmt.Errorf("draft request: empty draft body")
	}
	return out.Body, nil
}
