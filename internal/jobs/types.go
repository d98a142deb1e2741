package jobs

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// legalTransitions is the closed edge set of the job lifecycle. Anything not
// listed here is rejected by the store's precondition checks.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued},
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	// A FAILED row is revived when the queue redelivers its message for
	// another attempt. COMPLETED is the only dead end.
	StatusFailed: {StatusProcessing},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is the durable record, one row per user-submitted translation request.
// TranslatedFileKey and ErrorMessage are mutually exclusive and only ever set
// on terminal rows.
type Job struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	OriginalFileKey   string    `json:"original_file_key"`
	SourceLang        string    `json:"source_lang"`
	TargetLang        string    `json:"target_lang"`
	ModelUsed         string    `json:"model_used"`
	Status            Status    `json:"status"`
	TranslatedFileKey string    `json:"translated_file_key,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message is the immutable queue payload. It carries everything the worker
// needs to start without a store read first; the store stays authoritative
// for all state.
type Message struct {
	JobID      string `json:"job_id"`
	UserID     string `json:"user_id"`
	SourceKey  string `json:"source_key"`
	TargetLang string `json:"target_lang"`
	Model      string `json:"model"`
}

// View is the externally visible projection of a job. It is what the cache
// holds and what the API returns; the durable record itself never leaves the
// service layer.
type View struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Status       Status    `json:"status"`
	TargetLang   string    `json:"target_lang"`
	Model        string    `json:"model"`
	DownloadURL  string    `json:"download_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewView projects a durable record to its external shape. The download URL
// is deliberately absent: handles expire, so they are minted on demand by the
// read path, never persisted.
func NewView(job *Job) *View {
	return &View{
		ID:           job.ID,
		UserID:       job.UserID,
		Status:       job.Status,
		TargetLang:   job.TargetLang,
		Model:        job.ModelUsed,
		ErrorMessage: job.ErrorMessage,
		UpdatedAt:    job.UpdatedAt,
	}
}

// Principal is the authenticated caller. Producing it (token verification,
// session lookup) belongs to the auth tier in front of this service.
type Principal struct {
	UserID string
}
