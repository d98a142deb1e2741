package worker

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/cache"
	"github.com/subflow/subflow/internal/engine"
	"github.com/subflow/subflow/internal/jobs"
	"github.com/subflow/subflow/internal/store"
)

// engineFunc adapts a bare function to the engine contract so tests can
// script replies without a server.
type engineFunc func(ctx context.Context, req engine.Request) ([]string, error)

func (f engineFunc) Translate(ctx context.Context, req engine.Request) ([]string, error) {
	return f(ctx, req)
}

const processorSampleSRT = `1
00:00:01,000 --> 00:00:02,000
The quick brown fox jumps over the lazy dog.

2
00:00:03,000 --> 00:00:04,000
Nothing ever happens in this town anymore.
`

type procFixture struct {
	store *store.SQLiteStore
	cache *cache.Memory
	blob  *blob.FSStore
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	dir := t.TempDir()

	jobStore, err := store.NewSQLiteStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobStore.Close() })

	blobStore, err := blob.NewFSStore(filepath.Join(dir, "blobs"), "http://localhost:8080", "test-secret")
	require.NoError(t, err)

	return &procFixture{
		store: jobStore,
		cache: cache.NewMemory(5*time.Second, time.Hour),
		blob:  blobStore,
	}
}

// seedJob creates a QUEUED job with its source object in place and returns
// the queue message a confirm would have produced.
func (f *procFixture) seedJob(t *testing.T, jobID string, sourceKey string, content string) jobs.Message {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.Create(ctx, &jobs.Job{
		ID:              jobID,
		UserID:          "u1",
		OriginalFileKey: sourceKey,
		SourceLang:      "auto",
		TargetLang:      "es",
		ModelUsed:       "gemini-1.5-flash",
		Status:          jobs.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
	require.NoError(t, f.store.Transition(ctx, jobID, jobs.StatusPending, jobs.StatusQueued))
	if content != "" {
		require.NoError(t, f.blob.Put(ctx, sourceKey, []byte(content), "text/plain"))
	}
	return jobs.Message{
		JobID:      jobID,
		UserID:     "u1",
		SourceKey:  sourceKey,
		TargetLang: "es",
		Model:      "gemini-1.5-flash",
	}
}

func TestProcessor_Process(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.srt", processorSampleSRT)

	var gotReq engine.Request
	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		gotReq = req
		return []string{"Hola.", "Adiós."}, nil
	})

	p := NewProcessor(f.store, f.cache, f.blob, eng)
	result, err := p.Process(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "results/u1/1_movie.es.srt", result.TranslatedFileKey)

	// protocol markup never reaches the engine, only cue text
	assert.Equal(t, []string{
		"The quick brown fox jumps over the lazy dog.",
		"Nothing ever happens in this town anymore.",
	}, gotReq.Texts)
	assert.Equal(t, "es", gotReq.TargetLang)

	job, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, "results/u1/1_movie.es.srt", job.TranslatedFileKey)
	// detection resolved the "auto" placeholder on completion
	assert.Equal(t, "en", job.SourceLang)

	output, err := f.blob.Get(ctx, "results/u1/1_movie.es.srt")
	require.NoError(t, err)
	assert.Contains(t, string(output), "Hola.")
	assert.Contains(t, string(output), "00:00:01,000 --> 00:00:02,000")
}

func TestProcessor_Process_EngineFailure(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.srt", processorSampleSRT)

	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		return nil, &jobs.EngineError{Message: "rate limited"}
	})

	p := NewProcessor(f.store, f.cache, f.blob, eng)
	_, err := p.Process(ctx, msg)
	require.Error(t, err)

	job, getErr := f.store.Get(ctx, "j1")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "rate limited")
	assert.Empty(t, job.TranslatedFileKey)
}

func TestProcessor_Process_MissingSource(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.srt", "")

	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		t.Fatal("engine must not be called without a source file")
		return nil, nil
	})

	p := NewProcessor(f.store, f.cache, f.blob, eng)
	_, err := p.Process(ctx, msg)
	require.Error(t, err)

	job, getErr := f.store.Get(ctx, "j1")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestProcessor_Process_RetriesAfterFailedAttempt(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.srt", processorSampleSRT)

	var calls atomic.Int32
	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		if calls.Add(1) == 1 {
			return nil, &jobs.EngineError{Message: "engine down"}
		}
		return []string{"Hola.", "Adiós."}, nil
	})

	p := NewProcessor(f.store, f.cache, f.blob, eng)
	_, err := p.Process(ctx, msg)
	require.Error(t, err)

	job, getErr := f.store.Get(ctx, "j1")
	require.NoError(t, getErr)
	require.Equal(t, jobs.StatusFailed, job.Status)

	// the queue redelivers the message; the failed row is reclaimed and the
	// pipeline runs again, not short-circuited as a no-op
	result, err := p.Process(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "results/u1/1_movie.es.srt", result.TranslatedFileKey)
	assert.Equal(t, int32(2), calls.Load())

	job, getErr = f.store.Get(ctx, "j1")
	require.NoError(t, getErr)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestProcessor_Process_RedeliveryAfterCompletion(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.srt", processorSampleSRT)

	var calls atomic.Int32
	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		calls.Add(1)
		return []string{"Hola.", "Adiós."}, nil
	})

	p := NewProcessor(f.store, f.cache, f.blob, eng)
	first, err := p.Process(ctx, msg)
	require.NoError(t, err)

	// the same message delivered again is a no-op reporting the same result
	second, err := p.Process(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first.TranslatedFileKey, second.TranslatedFileKey)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcessor_Process_InvalidatesCache(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.srt", processorSampleSRT)

	// a stale QUEUED view is in the cache when the worker picks the job up
	require.NoError(t, f.cache.PutView(ctx, &jobs.View{ID: "j1", UserID: "u1", Status: jobs.StatusQueued}, false))

	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		return []string{"Hola.", "Adiós."}, nil
	})
	p := NewProcessor(f.store, f.cache, f.blob, eng)
	_, err := p.Process(ctx, msg)
	require.NoError(t, err)

	_, ok, err := f.cache.GetView(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok, "stale view must be evicted, not updated in place")
}

func TestProcessor_TextDocument(t *testing.T) {
	f := newProcFixture(t)
	ctx := context.Background()

	vtt := "WEBVTT\n\n00:00:01.000 --> 00:00:02.000\nHello there.\n\n00:00:03.000 --> 00:00:04.000\nGoodbye.\n"
	msg := f.seedJob(t, "j1", "uploads/u1/1_movie.vtt", vtt)

	var gotTexts []string
	eng := engineFunc(func(ctx context.Context, req engine.Request) ([]string, error) {
		gotTexts = req.Texts
		return []string{"Hola.", "Adiós."}, nil
	})

	p := NewProcessor(f.store, f.cache, f.blob, eng)
	result, err := p.Process(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "results/u1/1_movie.es.vtt", result.TranslatedFileKey)

	// headers and timing lines are kept out of the engine payload
	assert.Equal(t, []string{"Hello there.", "Goodbye."}, gotTexts)

	output, err := f.blob.Get(ctx, result.TranslatedFileKey)
	require.NoError(t, err)
	assert.Contains(t, string(output), "WEBVTT")
	assert.Contains(t, string(output), "00:00:01.000 --> 00:00:02.000")
	assert.Contains(t, string(output), "Hola.")
	assert.NotContains(t, string(output), "Hello there.")
}

func TestResultKey(t *testing.T) {
	assert.Equal(t, "results/u1/1_movie.es.srt", resultKey("uploads/u1/1_movie.srt", "es"))
	assert.Equal(t, "results/u1/1_movie.fr.vtt", resultKey("uploads/u1/1_movie.vtt", "fr"))
	assert.Equal(t, "results/misc/raw.de.txt", resultKey("misc/raw.txt", "de"))
}
