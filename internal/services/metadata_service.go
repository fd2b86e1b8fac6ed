package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"vellum/internal/resilience"
)

const metadataPrompt = `Extract document metadata from the text below.
Respond with a single JSON object with these keys:
"title" (string), "author" (string or null), "date" (string or null),
"document_type" (string), "language" (string), "keywords" (array of strings).
Respond with JSON only, no prose.

Text:
%s`

// MetadataExtractor pulls structured metadata out of document text with an
// LLM. Best-effort: the pipeline completes without it.
type MetadataExtractor interface {
	Extract(ctx context.Context, text string) (json.RawMessage, error)
	Name() string
}

// --- OpenAI ---

type OpenAIMetadataExtractor struct {
	client *openai.Client
	model  string
}

func NewOpenAIMetadataExtractor(apiKey, model string) (*OpenAIMetadataExtractor, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not provided")
	}
	log.Infof("OpenAI metadata extractor initialized with model %s", model)
	return &OpenAIMetadataExtractor{client: openai.NewClient(apiKey), model: model}, nil
}

func (e *OpenAIMetadataExtractor) Name() string { return "openai" }

func (e *OpenAIMetadataExtractor) Extract(ctx context.Context, text string) (json.RawMessage, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(metadataPrompt, text)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("OpenAI chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, resilience.MarkTransient(fmt.Errorf("OpenAI returned no choices"))
	}
	return parseMetadataJSON(resp.Choices[0].Message.Content)
}

// --- Gemini ---

type GeminiMetadataExtractor struct {
	client *genai.Client
	model  string
}

func NewGeminiMetadataExtractor(ctx context.Context, apiKey, model string) (*GeminiMetadataExtractor, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key not provided")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	log.Infof("Gemini metadata extractor initialized with model %s", model)
	return &GeminiMetadataExtractor{client: client, model: model}, nil
}

func (e *GeminiMetadataExtractor) Name() string { return "gemini" }

func (e *GeminiMetadataExtractor) Close() error { return e.client.Close() }

func (e *GeminiMetadataExtractor) Extract(ctx context.Context, text string) (json.RawMessage, error) {
	model := e.client.GenerativeModel(e.model)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(fmt.Sprintf(metadataPrompt, text)))
	if err != nil {
		return nil, resilience.MarkTransient(fmt.Errorf("Gemini generate content: %w", err))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, resilience.MarkTransient(fmt.Errorf("Gemini returned no candidates"))
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return parseMetadataJSON(sb.String())
}

// parseMetadataJSON validates the model output is a JSON object, stripping
// markdown fences some models insist on.
func parseMetadataJSON(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("model returned invalid metadata JSON: %w", err)
	}
	return json.RawMessage(raw), nil
}
