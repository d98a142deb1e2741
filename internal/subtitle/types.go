package subtitle

import "time"

// Line is a single subtitle cue. Index and the two timestamps are protocol,
// not translatable text; only Text ever goes to the translation engine.
type Line struct {
	Index          int           `json:"index"`
	StartTime      time.Duration `json:"start_time"`
	EndTime        time.Duration `json:"end_time"`
	Text           string        `json:"text"`
	TranslatedText string        `json:"translated_text,omitempty"`
}

// File is a parsed subtitle document.
type File struct {
	Lines  []Line
	Format string // "SRT"
}

// Texts returns the translatable payload, one entry per cue.
func (f *File) Texts() []string {
	ret := make([]string, 0, len(f.Lines))
	for _, line := range f.Lines {
		ret = append(ret, line.Text)
	}
	return ret
}
