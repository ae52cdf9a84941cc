package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/auth"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is the warning engine behind the API.
type Service interface {
	IngestFields(ctx context.Context, source string, f domain.Fields) (domain.Reading, error)
	Register(ctx context.Context, reg domain.Registration) (domain.Registration, error)
	Devices(ctx context.Context) map[string]domain.Reading
	DevicesList(ctx context.Context) ([]domain.Registration, error)
	Detect(ctx context.Context) domain.Verdict
	Now() time.Time
}

// Authenticator issues and checks dashboard tokens.
type Authenticator interface {
	Login(username, password string, remember bool) (auth.Session, error)
	Verify(token string) (*auth.Claims, error)
}

// Deps are the collaborators the API routes call into. Stream may be nil,
// in which case the websocket endpoint is not mounted.
type Deps struct {
	Service Service
	Auth    Authenticator
	Stream  http.Handler
	Ready   sharedobs.ReadinessChecker
}

// Server exposes the warning API plus health, readiness, and metrics
// endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server. API routes are mounted under prefix;
// /healthz, /readyz, and /metrics stay at the root.
func NewServer(addr, prefix string, deps Deps, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, requestLogger(logger), chimw.Recoverer, cors)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "msg": "Invalid request"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "msg": "Method not allowed"})
	})

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(deps.Ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	h := &handlers{svc: deps.Service, auth: deps.Auth, logger: logger}
	api := func(api chi.Router) {
		for _, path := range []string{"/post", "/ingest"} {
			api.Get(path, h.ingest)
			api.Post(path, h.ingest)
		}
		for _, path := range []string{"/post_device_id", "/register"} {
			api.Get(path, h.register)
			api.Post(path, h.register)
		}
		api.Get("/devices", h.devices)
		api.Get("/devices_list", h.devicesList)
		api.Get("/warning", h.warning)
		api.Get("/login", h.login)
		api.Post("/login", h.login)
		api.Get("/verify", h.verify)
		if deps.Stream != nil {
			api.Method(http.MethodGet, "/stream", deps.Stream)
		}
	}
	if prefix == "" {
		r.Group(api)
	} else {
		r.Route(prefix, api)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
