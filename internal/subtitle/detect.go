package subtitle

import (
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// DetectLanguage guesses the dominant language of the cues by majority vote
// and returns its ISO 639-1 code, or "" when detection is inconclusive.
func DetectLanguage(file *File) string {
	if file == nil || len(file.Lines) == 0 {
		return ""
	}

	counts := make(map[string]int)
	for _, line := range file.Lines {
		code := whatlanggo.DetectLang(line.Text).Iso6391()
		if code == "" {
			continue
		}
		counts[code]++
	}

	var topLang string
	var topCount int
	for code, count := range counts {
		if count > topCount {
			topLang = code
			topCount = count
		}
	}
	if topLang == "" {
		return ""
	}
	if _, err := language.Parse(topLang); err != nil {
		return ""
	}
	return topLang
}
