package engine

import "context"

// Request is one text-to-text translation call.
type Request struct {
	Texts      []string // one entry per subtitle cue, protocol markup stripped
	SourceLang string   // ISO 639-1, or "auto" when unresolved
	TargetLang string   // ISO 639-1
	Model      string   // engine variant chosen at job creation
}

// Engine is the opaque translation capability. Implementations may be slow,
// fail transiently or permanently, and must never return an empty result as
// success.
type Engine interface {
	Translate(ctx context.Context, req Request) ([]string, error)
}
