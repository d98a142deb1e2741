package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/subflow/subflow/internal/admission"
	"github.com/subflow/subflow/internal/jobs"
)

// maxUploadSize bounds direct object uploads through the front door.
const maxUploadSize = 10 << 20

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}

	var input admission.RequestUploadInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	grant, err := s.service.RequestUpload(r.Context(), principal, input)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

type confirmRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleConfirmUpload(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "job_id is required")
		return
	}

	status, err := s.service.ConfirmUpload(r.Context(), principal, req.JobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}

	jobID := chi.URLParam(r, "id")
	view, err := s.service.GetStatus(r.Context(), principal, jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// The owner id is for internal ownership checks, not for clients.
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            view.ID,
		"status":        view.Status,
		"target_lang":   view.TargetLang,
		"model":         view.Model,
		"download_url":  view.DownloadURL,
		"error_message": view.ErrorMessage,
	})
}

// handleObjectGet serves a signed download handle from the local blob store.
func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.verifyObjectRequest(w, r, "get")
	if !ok {
		return
	}
	data, err := s.objects.Get(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "object not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleObjectPut accepts a signed upload handle from the local blob store.
func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request) {
	key, ok := s.verifyObjectRequest(w, r, "put")
	if !ok {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if err := s.objects.Put(r.Context(), key, data, r.Header.Get("Content-Type")); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "store object failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) verifyObjectRequest(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	key := chi.URLParam(r, "*")
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	q := r.URL.Query()
	if q.Get("method") != method || !s.objects.VerifyHandle(key, method, q.Get("exp"), q.Get("sig")) {
		writeError(w, http.StatusForbidden, "forbidden", "invalid or expired handle")
		return "", false
	}
	return key, true
}

// writeServiceError maps the domain error taxonomy onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *jobs.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_failed",
			"message": validationErr.Error(),
			"fields":  validationErr.Fields,
		})
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found or unauthorized")
	case errors.Is(err, jobs.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "job is already queued or processed")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind string, msg string) {
	writeJSON(w, status, map[string]any{
		"error":   kind,
		"message": msg,
	})
}
