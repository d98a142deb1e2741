package engine

import (
	"fmt"
	"strings"
)

// cueSeparator joins cues in the request and must separate them in the reply.
// Sequence numbers and timestamps never reach the engine; they are protocol
// and stay in the process.
const cueSeparator = "\n@@@\n"

// inlineBreakPlaceholder stands in for line breaks inside a single cue so the
// engine cannot confuse them with cue boundaries.
const inlineBreakPlaceholder = "<br>"

func buildSystemPrompt(sourceLang, targetLang string) string {
	var prompt strings.Builder

	source := sourceLang
	if source == "" || source == "auto" {
		source = "the source language (detect it)"
	}

	prompt.WriteString("You are a professional subtitle translator. Translate each subtitle cue from " + source + " to " + targetLang + ".\n\n")

	prompt.WriteString("=== RULES ===\n")
	prompt.WriteString("1. Translate ONLY the dialogue text.\n")
	prompt.WriteString(fmt.Sprintf("2. Cues are separated by %q. Preserve the separators exactly.\n", strings.TrimSpace(cueSeparator)))
	prompt.WriteString(fmt.Sprintf("3. Preserve %s inline break markers where they appear.\n", inlineBreakPlaceholder))
	prompt.WriteString("4. Keep cue length appropriate for screen reading.\n")

	prompt.WriteString("\n=== OUTPUT FORMAT ===\n")
	prompt.WriteString("Return ONLY the translated cues, in order, separated exactly as the input is.\n")
	prompt.WriteString("Do not include any explanations, notes, numbering or additional text.\n")
	prompt.WriteString("The number of output cues must exactly match the number of input cues.\n")

	return prompt.String()
}

func joinCues(texts []string) string {
	escaped := make([]string, 0, len(texts))
	for _, t := range texts {
		escaped = append(escaped, strings.ReplaceAll(t, "\n", inlineBreakPlaceholder))
	}
	return strings.Join(escaped, cueSeparator)
}

// splitCues parses a reply back into per-cue translations, restoring inline
// breaks. The cue count must match the request.
func splitCues(content string, want int) ([]string, error) {
	parts := strings.Split(content, strings.TrimSpace(cueSeparator))
	if len(parts) != want {
		return nil, fmt.Errorf("cue count mismatch: want %d, got %d", want, len(parts))
	}
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.ReplaceAll(p, inlineBreakPlaceholder, "\n")
		ret = append(ret, p)
	}
	return ret, nil
}
