package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinSplitCues_Roundtrip(t *testing.T) {
	texts := []string{"Hello there.", "How are you\ndoing today?", "Goodbye."}

	joined := joinCues(texts)
	assert.Equal(t, 2, strings.Count(joined, "@@@"))
	// inline breaks become placeholders so they cannot collide with separators
	assert.Contains(t, joined, "How are you<br>doing today?")
	assert.NotContains(t, joined, "you\ndoing")

	split, err := splitCues(joined, 3)
	require.NoError(t, err)
	assert.Equal(t, texts, split)
}

func TestSplitCues_CountMismatch(t *testing.T) {
	_, err := splitCues("just one cue", 3)
	assert.Error(t, err)

	_, err = splitCues("a\n@@@\nb\n@@@\nc\n@@@\nd", 3)
	assert.Error(t, err)
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := buildSystemPrompt("en", "es")
	assert.Contains(t, prompt, "from en to es")
	assert.Contains(t, prompt, "@@@")
	assert.Contains(t, prompt, "<br>")
	assert.Contains(t, prompt, "exactly match the number of input cues")
}

func TestBuildSystemPrompt_AutoSource(t *testing.T) {
	prompt := buildSystemPrompt("auto", "es")
	assert.Contains(t, prompt, "detect it")
	assert.NotContains(t, prompt, "from auto")

	prompt = buildSystemPrompt("", "es")
	assert.Contains(t, prompt, "detect it")
}

func TestOutputBudget(t *testing.T) {
	c := &Client{config: Config{MaxTokens: 8192}}

	// small inputs get the floor
	assert.Equal(t, 512, c.outputBudget([]string{"hi"}))

	// large inputs are capped at the configured maximum
	huge := []string{strings.Repeat("x", 100_000)}
	assert.Equal(t, 8192, c.outputBudget(huge))

	// in between scales with input size
	mid := []string{strings.Repeat("x", 3000)}
	assert.Equal(t, 2000, c.outputBudget(mid))
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "google/gemini-flash-1.5", resolveModel("gemini-1.5-flash"))
	assert.Equal(t, "google/gemini-pro-1.5", resolveModel("gemini-1.5-pro"))
	assert.Equal(t, defaultModel, resolveModel("made-up-model"))

	assert.True(t, KnownModel("gemini-1.5-pro"))
	assert.False(t, KnownModel("made-up-model"))
}
