package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vellum/internal/resilience"
)

func writeTestPayload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.pdf")
	require.NoError(t, os.WriteFile(path, []byte("fake pdf bytes"), 0o644))
	return path
}

func TestOCRClientExtractsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ocr", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "scan.pdf", header.Filename)

		json.NewEncoder(w).Encode(ocrResponse{Pages: []string{"page one", "page two"}})
	}))
	defer srv.Close()

	client := NewOCRClient(srv.URL, 5*time.Second)
	pages, err := client.ExtractPages(context.Background(), writeTestPayload(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"page one", "page two"}, pages)
}

func TestOCRClientEmptyResultIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ocrResponse{})
	}))
	defer srv.Close()

	client := NewOCRClient(srv.URL, 5*time.Second)
	_, err := client.ExtractPages(context.Background(), writeTestPayload(t))
	require.Error(t, err)
	assert.False(t, resilience.IsRetriable(err), "an empty OCR result will not improve on retry")
}

func TestServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu pool exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewQualityClient(srv.URL, 5*time.Second)
	_, err := client.Score(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, resilience.IsRetriable(err))
	assert.Contains(t, err.Error(), "503")
}

func TestClientRejectionsAreNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported language", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewLayoutClient(srv.URL, 5*time.Second)
	_, err := client.Analyze(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.False(t, resilience.IsRetriable(err))
}

func TestUnreachableServiceIsTransient(t *testing.T) {
	client := NewLayoutClient("http://127.0.0.1:1", time.Second)
	_, err := client.Analyze(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.True(t, resilience.IsRetriable(err))
}

func TestQualityScoreRangeValidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(QualityResult{Score: 3.5})
	}))
	defer srv.Close()

	client := NewQualityClient(srv.URL, 5*time.Second)
	_, err := client.Score(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-range")
}

func TestLayoutClientDecodesSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req layoutRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Pages, 2)

		json.NewEncoder(w).Encode(LayoutResult{
			Sections: []LayoutSection{{Title: "Intro", StartPage: 1, EndPage: 1}},
			Tables:   2,
		})
	}))
	defer srv.Close()

	client := NewLayoutClient(srv.URL, 5*time.Second)
	res, err := client.Analyze(context.Background(), []string{"p1", "p2"})
	require.NoError(t, err)
	require.Len(t, res.Sections, 1)
	assert.Equal(t, "Intro", res.Sections[0].Title)
	assert.Equal(t, 2, res.Tables)
}

func TestParseMetadataJSONStripsFences(t *testing.T) {
	raw, err := parseMetadataJSON("```json\n{\"title\": \"Annual Report\"}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title": "Annual Report"}`, string(raw))
}

func TestParseMetadataJSONRejectsProse(t *testing.T) {
	_, err := parseMetadataJSON("Sure! Here is the metadata you asked for: title=Report")
	require.Error(t, err)
}
