package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vellum/internal/resilience"
)

// QualityClient talks to the scan-quality scoring service.
type QualityClient struct {
	baseURL string
	client  *http.Client
}

func NewQualityClient(baseURL string, timeout time.Duration) *QualityClient {
	return &QualityClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type qualityRequest struct {
	Pages []string `json:"pages"`
}

// QualityResult carries the scan-quality verdict for a document.
type QualityResult struct {
	Score    float64  `json:"score"` // 0.0 (unreadable) to 1.0 (clean)
	Warnings []string `json:"warnings"`
}

// Score submits page texts for quality assessment.
func (c *QualityClient) Score(ctx context.Context, pages []string) (*QualityResult, error) {
	payload, err := json.Marshal(qualityRequest{Pages: pages})
	if err != nil {
		return nil, fmt.Errorf("encoding quality request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quality", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building quality request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("quality service unreachable: %w", err))
	}
	defer resp.Body.Close()

	if err := checkServiceStatus("quality", resp); err != nil {
		return nil, err
	}

	var out QualityResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("decoding quality response: %w", err))
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, fmt.Errorf("quality service returned out-of-range score %f", out.Score)
	}
	return &out, nil
}
