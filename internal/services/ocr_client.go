package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"vellum/internal/resilience"
)

// OCRClient talks to the OCR service, which turns a document payload into
// per-page text.
type OCRClient struct {
	baseURL string
	client  *http.Client
}

func NewOCRClient(baseURL string, timeout time.Duration) *OCRClient {
	return &OCRClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type ocrResponse struct {
	Pages []string `json:"pages"`
}

// ExtractPages uploads the payload and returns one text string per page.
// Network failures and 5xx responses are marked transient; a 4xx means the
// service rejected the document and retrying will not help.
func (c *OCRClient) ExtractPages(ctx context.Context, payloadPath string) ([]string, error) {
	f, err := os.Open(payloadPath)
	if err != nil {
		return nil, fmt.Errorf("opening payload %s: %w", payloadPath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(payloadPath))
	if err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", payloadPath, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", &body)
	if err != nil {
		return nil, fmt.Errorf("building OCR request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("OCR service unreachable: %w", err))
	}
	defer resp.Body.Close()

	if err := checkServiceStatus("OCR", resp); err != nil {
		return nil, err
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("decoding OCR response: %w", err))
	}
	if len(out.Pages) == 0 {
		return nil, fmt.Errorf("OCR service returned no pages for %s", filepath.Base(payloadPath))
	}
	return out.Pages, nil
}

// checkServiceStatus maps an HTTP status to an error: 5xx is transient,
// anything else non-2xx is a hard rejection.
func checkServiceStatus(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s service returned %d: %s", service, resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode >= 500 {
		return resilience.MarkTransient(err)
	}
	return err
}
