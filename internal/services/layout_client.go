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

// LayoutClient talks to the GPU layout-analysis service.
type LayoutClient struct {
	baseURL string
	client  *http.Client
}

func NewLayoutClient(baseURL string, timeout time.Duration) *LayoutClient {
	return &LayoutClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type layoutRequest struct {
	Pages []string `json:"pages"`
}

// LayoutResult describes the detected structure of a document.
type LayoutResult struct {
	Sections []LayoutSection `json:"sections"`
	Tables   int             `json:"tables"`
	Figures  int             `json:"figures"`
}

type LayoutSection struct {
	Title     string `json:"title"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
}

// Analyze submits page texts for layout analysis.
func (c *LayoutClient) Analyze(ctx context.Context, pages []string) (*LayoutResult, error) {
	payload, err := json.Marshal(layoutRequest{Pages: pages})
	if err != nil {
		return nil, fmt.Errorf("encoding layout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/layout", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building layout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("layout service unreachable: %w", err))
	}
	defer resp.Body.Close()

	if err := checkServiceStatus("layout", resp); err != nil {
		return nil, err
	}

	var out LayoutResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("decoding layout response: %w", err))
	}
	return &out, nil
}
