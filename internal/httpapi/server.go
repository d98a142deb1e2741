package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/subflow/subflow/internal/admission"
	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/jobs"
)

// PrincipalFunc resolves the authenticated caller from a request. Credential
// verification itself (JWT, sessions) lives in the auth tier in front of this
// service; the default implementation trusts the X-User-ID header that tier
// injects.
type PrincipalFunc func(r *http.Request) (jobs.Principal, bool)

func HeaderPrincipal(r *http.Request) (jobs.Principal, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return jobs.Principal{}, false
	}
	return jobs.Principal{UserID: userID}, true
}

type Server struct {
	service   *admission.Service
	principal PrincipalFunc

	// front door for locally stored blobs; nil when objects are served by
	// something else (CDN, real object storage)
	objects *blob.FSStore

	router *chi.Mux
	server *http.Server
}

type Option func(*Server)

// WithPrincipalFunc replaces the caller resolution strategy.
func WithPrincipalFunc(fn PrincipalFunc) Option {
	return func(s *Server) {
		s.principal = fn
	}
}

// WithObjectFrontDoor serves signed object handles from the local blob store.
func WithObjectFrontDoor(store *blob.FSStore) Option {
	return func(s *Server) {
		s.objects = store
	}
}

func NewServer(service *admission.Service, opts ...Option) *Server {
	s := &Server{
		service:   service,
		principal: HeaderPrincipal,
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Route("/api/translate", func(r chi.Router) {
		r.Post("/upload-url", s.handleRequestUpload)
		r.Post("/confirm", s.handleConfirmUpload)
		r.Get("/{id}", s.handleGetStatus)
	})
	if s.objects != nil {
		s.router.Get("/objects/*", s.handleObjectGet)
		s.router.Put("/objects/*", s.handleObjectPut)
	}
}
