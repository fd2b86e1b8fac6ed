package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChunker(t *testing.T, maxTokens int) *Chunker {
	t.Helper()
	c, err := New(maxTokens)
	require.NoError(t, err)
	return c
}

func TestExcerptShortTextUnchanged(t *testing.T) {
	c := newChunker(t, 400)
	text := "A short paragraph. Nothing to trim here."
	assert.Equal(t, text, c.Excerpt(text))
}

func TestExcerptEmptyAndWhitespace(t *testing.T) {
	c := newChunker(t, 400)
	assert.Equal(t, "", c.Excerpt(""))
	assert.Equal(t, "", c.Excerpt("   \n\t  "))
}

func TestExcerptCutsAtSentenceBoundary(t *testing.T) {
	c := newChunker(t, 10)
	first := "This sentence has exactly seven words in it."
	second := "And this trailing sentence should be dropped entirely from the excerpt because the budget ran out."
	got := c.Excerpt(first + " " + second)

	assert.True(t, strings.HasPrefix(got, "This sentence"), "excerpt starts at the beginning")
	assert.NotContains(t, got, "dropped entirely")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(got), "."), "excerpt ends on a sentence boundary")
}

// Abbreviations must not split sentences: the tokenizer needs its training
// data loaded for this, a plain Storage-less tokenizer cannot do it.
func TestExcerptHandlesAbbreviations(t *testing.T) {
	c := newChunker(t, 12)
	first := "Dr. Smith reviewed the Q3 report on Jan. 5 with care."
	second := "This second sentence does not fit the budget at all and gets cut."
	got := c.Excerpt(first + " " + second)

	assert.Contains(t, got, "Dr. Smith")
	assert.NotContains(t, got, "second sentence")
}

func TestExcerptAlwaysKeepsFirstSentence(t *testing.T) {
	c := newChunker(t, 3)
	text := "The very first sentence is longer than the whole budget allows. Second one."
	got := c.Excerpt(text)
	assert.Contains(t, got, "first sentence")
}

func TestExcerptUnpunctuatedTextKeptWhole(t *testing.T) {
	c := newChunker(t, 5)
	// No sentence punctuation: the tokenizer yields one trailing sentence,
	// and the first sentence is always kept even over budget.
	words := strings.TrimSpace(strings.Repeat("token ", 50))
	got := c.Excerpt(words)
	assert.Equal(t, words, got)
}

func TestDefaultBudgetApplied(t *testing.T) {
	c := newChunker(t, 0)
	assert.Equal(t, DefaultMaxTokens, c.maxTokens)
}
