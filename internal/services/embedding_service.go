package services

import (
	"context"
	"fmt"
	"os"

	"github.com/pgvector/pgvector-go"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"vellum/internal/resilience"
)

// EmbeddingService generates vectors for document and page text.
type EmbeddingService interface {
	Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error)
	Dimension() int
	ModelName() string
}

// OpenAIProvider implements EmbeddingService using the OpenAI API.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
func NewOpenAIProvider(apiKey, modelID string, dimension int) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not provided")
	}

	if dimension <= 0 {
		switch modelID {
		case "text-embedding-3-large":
			dimension = 3072
		default:
			dimension = 1536
		}
	}

	log.Infof("OpenAI embedding provider initialized with model %s (dimension %d)", modelID, dimension)
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(modelID),
		dim:    dimension,
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return string(p.model) }
func (p *OpenAIProvider) Dimension() int    { return p.dim }

// Embed generates one vector per input text in a single API call. API and
// network failures are marked transient so the retry executor re-attempts
// them; a dimension mismatch is a configuration bug and is not.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequestStrings{
		Input: texts,
		Model: p.model,
	}
	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("OpenAI embeddings API: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, resilience.MarkTransient(
			fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	vectors := make([]pgvector.Vector, len(texts))
	for _, item := range resp.Data {
		if len(item.Embedding) != p.dim {
			return nil, fmt.Errorf("unexpected embedding dimension: got %d, want %d", len(item.Embedding), p.dim)
		}
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("OpenAI returned out-of-range embedding index %d", item.Index)
		}
		vectors[item.Index] = pgvector.NewVector(item.Embedding)
	}
	return vectors, nil
}
