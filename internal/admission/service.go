package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/cache"
	"github.com/subflow/subflow/internal/engine"
	"github.com/subflow/subflow/internal/jobs"
	"github.com/subflow/subflow/pkg/log"
	"golang.org/x/text/language"
)

// QueueTranslation is the work queue the admission tier produces onto and the
// worker tier consumes from.
const QueueTranslation = "translation-queue"

// DefaultModel is used when the client leaves the variant unset.
const DefaultModel = "gemini-1.5-flash"

var allowedExtensions = map[string]bool{
	".srt": true,
	".vtt": true,
	".txt": true,
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Enqueuer is the producer half of the work queue contract.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte) (string, error)
}

// Options tunes handle lifetimes.
type Options struct {
	UploadTTL   time.Duration // validity window of an upload handle
	DownloadTTL time.Duration // validity window of a minted download handle
}

func (o Options) withDefaults() Options {
	if o.UploadTTL <= 0 {
		o.UploadTTL = 15 * time.Minute
	}
	if o.DownloadTTL <= 0 {
		o.DownloadTTL = time.Hour
	}
	return o
}

// Service is the producer side of the pipeline: it creates jobs, hands out
// upload capabilities, confirms uploads onto the queue and serves status
// reads. All dependencies are injected; there are no process-wide singletons.
type Service struct {
	store jobs.Store
	cache cache.Cache
	blob  blob.Store
	queue Enqueuer
	opts  Options
	now   func() time.Time
}

func NewService(store jobs.Store, statusCache cache.Cache, blobStore blob.Store, queue Enqueuer, opts Options) *Service {
	return &Service{
		store: store,
		cache: statusCache,
		blob:  blobStore,
		queue: queue,
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

// RequestUploadInput is the client's job creation request.
type RequestUploadInput struct {
	Filename   string `json:"filename"`
	TargetLang string `json:"target_lang"`
	Model      string `json:"model"`
}

// UploadGrant is the reply: a job in PENDING plus a time-limited capability
// to upload the source file.
type UploadGrant struct {
	JobID        string      `json:"job_id"`
	UploadHandle blob.Handle `json:"upload_handle"`
}

// RequestUpload validates the input, creates the PENDING row and issues the
// upload handle. No queue interaction happens here; the job only becomes work
// once the client confirms the upload.
func (s *Service) RequestUpload(ctx context.Context, principal jobs.Principal, input RequestUploadInput) (*UploadGrant, error) {
	model := input.Model
	if model == "" {
		model = DefaultModel
	}
	if err := validateInput(input.Filename, input.TargetLang, model); err != nil {
		return nil, err
	}

	now := s.now()
	key := uploadKey(principal.UserID, input.Filename, now)
	job := &jobs.Job{
		ID:              uuid.NewString(),
		UserID:          principal.UserID,
		OriginalFileKey: key,
		SourceLang:      "auto",
		TargetLang:      strings.ToLower(input.TargetLang),
		ModelUsed:       model,
		Status:          jobs.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	handle, err := s.blob.IssueUploadHandle(key, "text/plain", s.opts.UploadTTL)
	if err != nil {
		return nil, fmt.Errorf("issue upload handle: %w", err)
	}

	log.Info("Upload handle issued for job %s (user %s, target %s)", job.ID, principal.UserID, job.TargetLang)
	return &UploadGrant{
		JobID:        job.ID,
		UploadHandle: handle,
	}, nil
}

// ConfirmUpload transitions PENDING→QUEUED and pushes the queue message. The
// store transition is the adjudicator: a concurrent confirm loses on the
// precondition and surfaces ErrConflict. If the enqueue fails after the
// transition, the error is reported and the row stays QUEUED with no message
// in flight — resolving that needs an external sweep, by explicit decision.
func (s *Service) ConfirmUpload(ctx context.Context, principal jobs.Principal, jobID string) (jobs.Status, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.UserID != principal.UserID {
		return "", jobs.ErrNotFound
	}
	if err := s.store.Transition(ctx, jobID, jobs.StatusPending, jobs.StatusQueued); err != nil {
		return "", err
	}
	s.invalidate(ctx, jobID)

	payload, err := json.Marshal(jobs.Message{
		JobID:      job.ID,
		UserID:     job.UserID,
		SourceKey:  job.OriginalFileKey,
		TargetLang: job.TargetLang,
		Model:      job.ModelUsed,
	})
	if err != nil {
		return "", fmt.Errorf("marshal queue message: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, QueueTranslation, payload); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	log.Info("Job %s confirmed and queued", jobID)
	return jobs.StatusQueued, nil
}

// GetStatus serves the polling read. Cache first; ownership is re-checked on
// every path, including a cache hit, and is never trusted from a prior write.
func (s *Service) GetStatus(ctx context.Context, principal jobs.Principal, jobID string) (*jobs.View, error) {
	if cached, ok, err := s.cache.GetView(ctx, jobID); err != nil {
		// Cache trouble must not break reads; the store is the fallback.
		log.Warn("Cache read for job %s failed: %v", jobID, err)
	} else if ok {
		if cached.UserID != principal.UserID {
			return nil, jobs.ErrNotFound
		}
		return cached, nil
	}

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != principal.UserID {
		return nil, jobs.ErrNotFound
	}

	view := jobs.NewView(job)
	if job.Status == jobs.StatusCompleted && job.TranslatedFileKey != "" {
		// Handles expire, so they are never persisted; mint a fresh one per
		// cache fill.
		handle, err := s.blob.IssueDownloadHandle(job.TranslatedFileKey, s.opts.DownloadTTL)
		if err != nil {
			return nil, fmt.Errorf("issue download handle: %w", err)
		}
		view.DownloadURL = handle.URL
	}

	if err := s.cache.PutView(ctx, view, job.Status.Terminal()); err != nil {
		log.Warn("Cache write for job %s failed: %v", jobID, err)
	}
	return view, nil
}

func (s *Service) invalidate(ctx context.Context, jobID string) {
	if err := s.cache.Invalidate(ctx, jobID); err != nil {
		log.Warn("Cache invalidation for job %s failed: %v", jobID, err)
	}
}

func validateInput(filename, targetLang, model string) error {
	var fields []jobs.FieldError

	ext := strings.ToLower(path.Ext(filename))
	if filename == "" {
		fields = append(fields, jobs.FieldError{Field: "filename", Message: "filename is required"})
	} else if !allowedExtensions[ext] {
		fields = append(fields, jobs.FieldError{Field: "filename", Message: "invalid file type, only .srt, .vtt and .txt are supported"})
	}

	if len(targetLang) != 2 {
		fields = append(fields, jobs.FieldError{Field: "target_lang", Message: "target language must be a 2-letter ISO code"})
	} else if _, err := language.Parse(targetLang); err != nil {
		fields = append(fields, jobs.FieldError{Field: "target_lang", Message: "unknown language code"})
	}

	if !engine.KnownModel(model) {
		fields = append(fields, jobs.FieldError{Field: "model", Message: "unknown model"})
	}

	if len(fields) > 0 {
		return jobs.NewValidationError(fields...)
	}
	return nil
}

// uploadKey derives the source object key:
// uploads/{userID}/{unix_ms}_{sanitized filename}. Deterministic given user,
// time and filename, and collision-free across a user's uploads.
func uploadKey(userID, filename string, now time.Time) string {
	clean := whitespaceRe.ReplaceAllString(path.Base(filename), "_")
	return fmt.Sprintf("uploads/%s/%d_%s", userID, now.UnixMilli(), clean)
}
