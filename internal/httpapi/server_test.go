package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subflow/subflow/internal/admission"
	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/cache"
	"github.com/subflow/subflow/internal/jobs"
	"github.com/subflow/subflow/internal/queue"
	"github.com/subflow/subflow/internal/store"
)

type apiFixture struct {
	srv   *httptest.Server
	store *store.SQLiteStore
	queue *queue.SQLiteQueue
	cache *cache.Memory
	blob  *blob.FSStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	jobStore, err := store.NewSQLiteStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobStore.Close() })

	workQueue, err := queue.NewSQLiteQueue(filepath.Join(dir, "queue.db"), queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = workQueue.Close() })

	// empty base URL keeps handle URLs relative so they resolve against the
	// test server regardless of its port
	blobStore, err := blob.NewFSStore(filepath.Join(dir, "blobs"), "", "test-secret")
	require.NoError(t, err)

	statusCache := cache.NewMemory(5*time.Second, time.Hour)
	service := admission.NewService(jobStore, statusCache, blobStore, workQueue, admission.Options{})

	server := NewServer(service, WithObjectFrontDoor(blobStore))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: jobStore, queue: workQueue, cache: statusCache, blob: blobStore}
}

func (f *apiFixture) do(t *testing.T, method, path, userID string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAPI_RequiresPrincipal(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/translate/upload-url", "", map[string]string{"filename": "movie.srt", "target_lang": "es"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, _ = f.do(t, http.MethodGet, "/api/translate/some-id", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_UploadURL_ValidationFailure(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/translate/upload-url", "alice", map[string]string{
		"filename":    "evil.exe",
		"target_lang": "spanish",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"])

	fields, ok := body["fields"].([]any)
	require.True(t, ok)
	assert.Len(t, fields, 2)
}

func TestAPI_Status_NotFoundAndForeignJobsLookAlike(t *testing.T) {
	f := newAPIFixture(t)

	resp, grantBody := f.do(t, http.MethodPost, "/api/translate/upload-url", "alice", map[string]string{
		"filename": "movie.srt", "target_lang": "es",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := grantBody["job_id"].(string)

	resp2, raw := f.do(t, http.MethodGet, "/api/translate/no-such-job", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	assert.Equal(t, "not_found", raw["error"])

	resp3, raw3 := f.do(t, http.MethodGet, "/api/translate/"+jobID, "mallory", nil)
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
	assert.Equal(t, raw["error"], raw3["error"], "absent and foreign jobs must be indistinguishable")
	assert.Equal(t, raw["message"], raw3["message"])
}

func TestAPI_Confirm_Conflict(t *testing.T) {
	f := newAPIFixture(t)

	_, grantBody := f.do(t, http.MethodPost, "/api/translate/upload-url", "alice", map[string]string{
		"filename": "movie.srt", "target_lang": "es",
	})
	jobID := grantBody["job_id"].(string)

	resp, body := f.do(t, http.MethodPost, "/api/translate/confirm", "alice", map[string]string{"job_id": jobID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(jobs.StatusQueued), body["status"])

	resp, body = f.do(t, http.MethodPost, "/api/translate/confirm", "alice", map[string]string{"job_id": jobID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["error"])
}

func TestAPI_FullFlow(t *testing.T) {
	f := newAPIFixture(t)

	// 1. request an upload slot
	resp, grantBody := f.do(t, http.MethodPost, "/api/translate/upload-url", "alice", map[string]string{
		"filename": "movie.srt", "target_lang": "es",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jobID := grantBody["job_id"].(string)

	handle := grantBody["upload_handle"].(map[string]any)
	uploadURL := handle["url"].(string)
	require.True(t, strings.HasPrefix(uploadURL, "/objects/"))

	// 2. upload the source through the signed handle
	content := "1\n00:00:01,000 --> 00:00:02,000\nHello there.\n"
	putReq, err := http.NewRequest(http.MethodPut, f.srv.URL+uploadURL, strings.NewReader(content))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	// an unsigned probe of the same path is rejected
	rawPut, err := http.NewRequest(http.MethodPut, f.srv.URL+strings.SplitN(uploadURL, "?", 2)[0], strings.NewReader(content))
	require.NoError(t, err)
	rawResp, err := http.DefaultClient.Do(rawPut)
	require.NoError(t, err)
	rawResp.Body.Close()
	assert.Equal(t, http.StatusForbidden, rawResp.StatusCode)

	// 3. confirm puts the job on the queue
	resp, _ = f.do(t, http.MethodPost, "/api/translate/confirm", "alice", map[string]string{"job_id": jobID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, statusBody := f.do(t, http.MethodGet, "/api/translate/"+jobID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(jobs.StatusQueued), statusBody["status"])
	assert.Empty(t, statusBody["download_url"])
	// internal fields never leak to clients
	_, hasUserID := statusBody["user_id"]
	assert.False(t, hasUserID)

	// 4. simulate the worker finishing: store the result, finalize, evict
	ctx := context.Background()
	translated := "1\n00:00:01,000 --> 00:00:02,000\nHola.\n"
	require.NoError(t, f.blob.Put(ctx, "results/alice/1_movie.es.srt", []byte(translated), "text/plain"))
	require.NoError(t, f.store.MarkProcessing(ctx, jobID))
	require.NoError(t, f.store.Complete(ctx, jobID, "results/alice/1_movie.es.srt", "en"))
	require.NoError(t, f.cache.Invalidate(ctx, jobID))

	resp, statusBody = f.do(t, http.MethodGet, "/api/translate/"+jobID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(jobs.StatusCompleted), statusBody["status"])
	downloadURL := statusBody["download_url"].(string)
	require.NotEmpty(t, downloadURL)

	// 5. the download handle serves the stored result
	getResp, err := http.Get(f.srv.URL + downloadURL)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	got, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, translated, string(got))
}
