package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/cache"
	"github.com/subflow/subflow/internal/engine"
	"github.com/subflow/subflow/internal/jobs"
	"github.com/subflow/subflow/internal/subtitle"
	"github.com/subflow/subflow/pkg/log"
)

// Processor drives one delivery attempt through the pipeline:
// download → translate → upload → finalize. Every step returns an explicit
// error; the driver maps any failure to the FAILED transition and re-raises
// it so the queue's retry policy applies to the message.
type Processor struct {
	store  jobs.Store
	cache  cache.Cache
	blob   blob.Store
	engine engine.Engine
}

func NewProcessor(store jobs.Store, statusCache cache.Cache, blobStore blob.Store, eng engine.Engine) *Processor {
	return &Processor{
		store:  store,
		cache:  statusCache,
		blob:   blobStore,
		engine: eng,
	}
}

// Result is what a successful attempt reports back into the queue's
// completion log.
type Result struct {
	TranslatedFileKey string `json:"translated_file_key"`
}

// Process handles one queue message. Redelivery after a crash or an expired
// lease re-enters here; the PROCESSING transition tolerates that, and the
// terminal transitions are precondition-checked, so a second delivery can
// never corrupt state.
func (p *Processor) Process(ctx context.Context, msg jobs.Message) (*Result, error) {
	if err := p.store.MarkProcessing(ctx, msg.JobID); err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			// MarkProcessing reclaims FAILED rows for retries, so a conflict
			// means the job already completed on an earlier delivery and this
			// redelivery has nothing left to do.
			job, getErr := p.store.Get(ctx, msg.JobID)
			if getErr == nil && job.Status == jobs.StatusCompleted {
				log.Info("Job %s already completed, redelivery is a no-op", msg.JobID)
				return &Result{TranslatedFileKey: job.TranslatedFileKey}, nil
			}
		}
		return nil, fmt.Errorf("mark processing for job %s: %w", msg.JobID, err)
	}
	p.invalidate(ctx, msg.JobID)

	result, err := p.runPipeline(ctx, msg)
	if err != nil {
		if failErr := p.store.Fail(ctx, msg.JobID, jobs.BoundedErrorMessage(err)); failErr != nil {
			log.Error("Recording failure for job %s: %v", msg.JobID, failErr)
		}
		p.invalidate(ctx, msg.JobID)
		return nil, err
	}

	p.invalidate(ctx, msg.JobID)
	log.Info("Job %s completed, result %s", msg.JobID, result.TranslatedFileKey)
	return result, nil
}

func (p *Processor) runPipeline(ctx context.Context, msg jobs.Message) (*Result, error) {
	log.Info("Job %s: downloading %s", msg.JobID, msg.SourceKey)
	data, err := p.blob.Get(ctx, msg.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("source file %s is empty", msg.SourceKey)
	}

	doc, err := parseDocument(msg.SourceKey, data)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}

	sourceLang := doc.DetectLanguage()
	if sourceLang == "" {
		sourceLang = "auto"
	}

	log.Info("Job %s: translating %d cues (%s -> %s, model %s)", msg.JobID, len(doc.Texts()), sourceLang, msg.TargetLang, msg.Model)
	translations, err := p.engine.Translate(ctx, engine.Request{
		Texts:      doc.Texts(),
		SourceLang: sourceLang,
		TargetLang: msg.TargetLang,
		Model:      msg.Model,
	})
	if err != nil {
		return nil, err
	}

	output, err := doc.Render(translations)
	if err != nil {
		return nil, &jobs.EngineError{Message: "unusable reply", Cause: err}
	}

	resultKey := resultKey(msg.SourceKey, msg.TargetLang)
	log.Info("Job %s: uploading %s", msg.JobID, resultKey)
	if err := p.blob.Put(ctx, resultKey, output, "text/plain"); err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}

	if err := p.store.Complete(ctx, msg.JobID, resultKey, sourceLang); err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return &Result{TranslatedFileKey: resultKey}, nil
}

func (p *Processor) invalidate(ctx context.Context, jobID string) {
	if err := p.cache.Invalidate(ctx, jobID); err != nil {
		log.Warn("Cache invalidation for job %s failed: %v", jobID, err)
	}
}

// resultKey derives the output object key from the source key and target
// language, so multiple target languages per source never collide:
// uploads/u1/123_movie.srt + es → results/u1/123_movie.es.srt
func resultKey(sourceKey, targetLang string) string {
	key := sourceKey
	if strings.HasPrefix(key, "uploads/") {
		key = "results/" + strings.TrimPrefix(key, "uploads/")
	} else {
		key = "results/" + key
	}
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + "." + targetLang + ext
}

// document abstracts over the supported source formats: parsed SRT with
// protocol markup kept out of the engine call, or plain text split into
// lines.
type document interface {
	Texts() []string
	Render(translations []string) ([]byte, error)
	DetectLanguage() string
}

func parseDocument(key string, data []byte) (document, error) {
	if strings.ToLower(path.Ext(key)) == ".srt" {
		file, err := subtitle.Parse(data)
		if err != nil {
			return nil, err
		}
		return &srtDocument{file: file}, nil
	}
	return newTextDocument(data)
}

type srtDocument struct {
	file *subtitle.File
}

func (d *srtDocument) Texts() []string { return d.file.Texts() }

func (d *srtDocument) Render(translations []string) ([]byte, error) {
	if err := d.file.WithTranslations(translations); err != nil {
		return nil, err
	}
	return subtitle.Serialize(d.file), nil
}

func (d *srtDocument) DetectLanguage() string {
	return subtitle.DetectLanguage(d.file)
}

// textDocument handles .vtt and .txt sources: non-empty lines are translated
// one for one, blank lines and ordering are preserved.
type textDocument struct {
	lines   []string
	indexes []int // positions in lines that carry translatable text
}

func newTextDocument(data []byte) (*textDocument, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	doc := &textDocument{lines: lines}
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isTimingLine(line) {
			continue
		}
		doc.indexes = append(doc.indexes, i)
	}
	if len(doc.indexes) == 0 {
		return nil, fmt.Errorf("no translatable text found")
	}
	return doc, nil
}

// isTimingLine filters WEBVTT headers and cue timings out of the payload.
func isTimingLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "WEBVTT") || strings.Contains(trimmed, "-->")
}

func (d *textDocument) Texts() []string {
	ret := make([]string, 0, len(d.indexes))
	for _, i := range d.indexes {
		ret = append(ret, d.lines[i])
	}
	return ret
}

func (d *textDocument) Render(translations []string) ([]byte, error) {
	if len(translations) != len(d.indexes) {
		return nil, fmt.Errorf("translation count mismatch: %d lines, %d translations", len(d.indexes), len(translations))
	}
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	for n, i := range d.indexes {
		out[i] = translations[n]
	}
	return []byte(strings.Join(out, "\n")), nil
}

func (d *textDocument) DetectLanguage() string {
	file := &subtitle.File{}
	for _, i := range d.indexes {
		file.Lines = append(file.Lines, subtitle.Line{Text: d.lines[i]})
	}
	return subtitle.DetectLanguage(file)
}
