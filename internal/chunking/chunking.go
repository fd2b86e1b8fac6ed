package chunking

import (
	"fmt"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

const (
	// DefaultMaxTokens bounds what we send to the embedding API per input.
	DefaultMaxTokens = 400
)

// Chunker trims page and document text down to embedding-sized inputs along
// sentence boundaries, so vectors are built from coherent text rather than
// mid-sentence truncations.
type Chunker struct {
	tokenizer *sentences.DefaultSentenceTokenizer
	maxTokens int
}

// New creates a chunker backed by the packaged English sentence training
// data.
func New(maxTokens int) (*Chunker, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("loading sentence tokenizer training data: %w", err)
	}
	return &Chunker{
		tokenizer: tokenizer,
		maxTokens: maxTokens,
	}, nil
}

// Excerpt returns leading sentences of text up to the token budget. Token
// counts are estimated by whitespace word count, same as the embedding API
// bill roughly tracks.
func (c *Chunker) Excerpt(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if estimateTokens(text) <= c.maxTokens {
		return text
	}

	sents := c.tokenizer.Tokenize(text)
	if len(sents) == 0 {
		words := strings.Fields(text)
		if len(words) > c.maxTokens {
			words = words[:c.maxTokens]
		}
		return strings.Join(words, " ")
	}

	var out []string
	accumulated := 0
	for _, s := range sents {
		sentenceText := strings.TrimSpace(s.Text)
		if sentenceText == "" {
			continue
		}
		tokens := estimateTokens(sentenceText)
		if accumulated+tokens > c.maxTokens && len(out) > 0 {
			break
		}
		out = append(out, sentenceText)
		accumulated += tokens
	}
	return strings.Join(out, " ")
}

func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
