package subtitle

import (
	"bytes"
	"fmt"
	"time"
)

// Serialize renders the file back to SRT, preferring translated text and
// falling back to the original where a cue has none.
func Serialize(file *File) []byte {
	var buf bytes.Buffer
	for _, line := range file.Lines {
		fmt.Fprintf(&buf, "%d\n", line.Index)
		fmt.Fprintf(&buf, "%s --> %s\n", formatDuration(line.StartTime), formatDuration(line.EndTime))

		text := line.TranslatedText
		if text == "" {
			text = line.Text
		}
		fmt.Fprintf(&buf, "%s\n\n", text)
	}
	return buf.Bytes()
}

// formatDuration renders a time.Duration in SRT time format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	milliseconds := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, milliseconds)
}
