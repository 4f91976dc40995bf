package server

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tablepipe/internal/auth"
	"github.com/wolfeidau/tablepipe/internal/draft"
	"github.com/wolfeidau/tablepipe/internal/export"
	httpmiddleware "github.com/wolfeidau/tablepipe/internal/http"
	"github.com/wolfeidau/tablepipe/internal/ingest"
	"github.com/wolfeidau/tablepipe/internal/logger"
	"github.com/wolfeidau/tablepipe/internal/review"
	"github.com/wolfeidau/tablepipe/internal/taskflow"
)

// DefaultMaxUploadBytes bounds PDF request bodies.
const DefaultMaxUploadBytes = 50 << 20

// Services are the pipeline components exposed over HTTP.
type Services struct {
	Machine  *taskflow.Machine
	Drafts   *draft.Orchestrator
	Review   *review.Gate
	Exports  *export.Assembler
	Ingestor *ingest.Ingestor
}

// Server wraps the pipeline services with the JSON API.
type Server struct {
	svc            Services
	corsOrigins    []string
	maxUploadBytes int64
	verifier       *auth.Verifier
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins allows browser clients from the given origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxUploadBytes overrides DefaultMaxUploadBytes.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) { s.maxUploadBytes = n }
}

// WithTokenVerifier authenticates API requests with bearer tokens instead of
// the identity headers.
func WithTokenVerifier(v *auth.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// NewServer creates a new server over the given services
func NewServer(svc Services, opts ...Option) *Server {
	s := &Server{svc: svc, maxUploadBytes: DefaultMaxUploadBytes}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/projects/{project_id}/files", s.uploadFile)
	api.HandleFunc("POST /v1/projects/{project_id}/archive", s.archiveProject)
	api.HandleFunc("GET /v1/projects/{project_id}/exports", s.listExports)
	api.HandleFunc("POST /v1/files/{file_id}/parse", s.parseFile)

	api.HandleFunc("GET /v1/tasks/{task_id}", s.getTask)
	api.HandleFunc("GET /v1/tasks/{task_id}/transitions", s.listTransitions)
	api.HandleFunc("GET /v1/tasks/{task_id}/drafts", s.listDrafts)
	api.HandleFunc("GET /v1/tasks/{task_id}/reviews", s.listReviews)
	api.HandleFunc("POST /v1/tasks/{task_id}/draft", s.requestDraft)
	api.HandleFunc("POST /v1/tasks/{task_id}/retry", s.retryDraft)
	api.HandleFunc("POST /v1/tasks/{task_id}/force-retry", s.forceRetry)
	api.HandleFunc("POST /v1/tasks/{task_id}/cancel-retries", s.cancelRetries)
	api.HandleFunc("POST /v1/tasks/{task_id}/open", s.openTask)
	api.HandleFunc("POST /v1/tasks/{task_id}/edit", s.submitEdit)
	api.HandleFunc("POST /v1/tasks/{task_id}/review", s.submitReview)

	api.HandleFunc("POST /v1/exports", s.createExport)
	api.HandleFunc("GET /v1/exports/{export_id}", s.getExport)
	api.HandleFunc("GET /v1/exports/{export_id}/download", s.downloadExport)

	principal := httpmiddleware.PrincipalMiddleware()
	if s.verifier != nil {
		principal = httpmiddleware.BearerMiddleware(s.verifier)
	}
	mux.Handle("/v1/", principal(api))

	var handler http.Handler = mux
	if len(s.corsOrigins) > 0 {
		handler = withCORS(s.corsOrigins, handler)
	}
	handler = httpmiddleware.ClientIPMiddleware()(handler)
	return logger.Requests(log)(handler)
}

func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", httpmiddleware.OrgIDHeader, httpmiddleware.UserIDHeader},
		ExposedHeaders: []string{"Content-Disposition"},
	})
	return middleware.Handler(h)
}
