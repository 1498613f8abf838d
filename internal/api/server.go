// Package api is the HTTP surface of the orchestrator: status and control
// endpoints, the chat query gate and the SSE streams the UI listens to.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/alterego/internal/api/models"
	"github.com/smazurov/alterego/internal/chat"
	"github.com/smazurov/alterego/internal/events"
	"github.com/smazurov/alterego/internal/history"
	"github.com/smazurov/alterego/internal/logging"
	"github.com/smazurov/alterego/internal/orchestrator"
	"github.com/smazurov/alterego/internal/persona"
	"github.com/smazurov/alterego/internal/version"
)

const authRealm = `Basic realm="ALTER EGO API"`

// Orchestrator is the lifecycle control the API exposes.
type Orchestrator interface {
	Start(ctx context.Context) (<-chan error, error)
	StartRetry(ctx context.Context) (<-chan error, error)
	Shutdown(ctx context.Context) error
	Status() orchestrator.Status
	Ready() bool
}

type ChatService interface {
	Send(ctx context.Context, personaName, text, voiceModel string) (*chat.Reply, error)
}

type PersonaStore interface {
	List() ([]string, error)
	Get(name string) (persona.Persona, error)
}

type HistoryStore interface {
	List(ctx context.Context, persona string, limit int) ([]history.Entry, error)
}

// MemoryClearer resets the model server's short-term memory.
type MemoryClearer interface {
	ClearShortTermMemory(ctx context.Context) error
}

// Options wires the server. Nil collaborators leave their routes
// unregistered.
type Options struct {
	AuthUsername string
	AuthPassword string
	AllowOrigin  string

	Orchestrator Orchestrator
	Chat         ChatService
	Personas     PersonaStore
	History      HistoryStore
	Memory       MemoryClearer
	EventBus     *events.Bus

	PrometheusHandler http.Handler
}

type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	options    *Options
	eventBus   *events.Bus
	logger     *slog.Logger

	// background outlives requests for runs started over HTTP.
	background context.Context
	cancel     context.CancelFunc
}

// NewServer creates the API server and registers its routes.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	if opts.AllowOrigin != "" {
		corsConfig.AllowOrigin = opts.AllowOrigin
	}
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("ALTER EGO API", version.Get().Version)
	config.Info.Description = "Model server orchestration, readiness status and chat for ALTER EGO"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	background, cancel := context.WithCancel(context.Background())
	server := &Server{
		api:        api,
		mux:        mux,
		options:    opts,
		eventBus:   opts.EventBus,
		logger:     logging.GetLogger("api"),
		background: background,
		cancel:     cancel,
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// API returns the huma API, for tests and OpenAPI export.
func (s *Server) API() huma.API {
	return s.api
}

// Start serves on addr until Stop. It returns http.ErrServerClosed after
// a clean stop.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting ALTER EGO API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop closes the listener and open connections, including SSE streams.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health and whether the model server is ready",
		Tags:        []string{"health"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.HealthResponse, error) {
		ready := s.options.Orchestrator != nil && s.options.Orchestrator.Ready()
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
				Ready:   ready,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(ctx context.Context, input *struct{}) (*models.VersionResponse, error) {
		v := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   v.Version,
				GitCommit: v.GitCommit,
				BuildDate: v.BuildDate,
				GoVersion: v.GoVersion,
				Platform:  v.Platform,
			},
		}, nil
	})

	if s.options.Orchestrator != nil {
		s.registerOrchestratorRoutes()
	}
	s.registerChatRoutes()

	if s.eventBus != nil {
		s.registerSSERoutes()
		s.registerLogRoutes()
	}
}

func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}

// basicAuthMiddleware checks the Authorization header, or the "auth" query
// parameter for EventSource clients that cannot set headers.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		encoded := ctx.Query("auth")
		if header := ctx.Header("Authorization"); header != "" {
			const prefix = "Basic "
			if !strings.HasPrefix(header, prefix) {
				s.unauthorized(ctx, "Invalid authentication type")
				return
			}
			encoded = header[len(prefix):]
		}
		if encoded == "" {
			s.unauthorized(ctx, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.unauthorized(ctx, "Invalid credentials format", err)
			return
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			s.unauthorized(ctx, "Invalid credentials format")
			return
		}
		if user != username || pass != password {
			s.unauthorized(ctx, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

func (s *Server) unauthorized(ctx huma.Context, msg string, errs ...error) {
	ctx.SetHeader("WWW-Authenticate", authRealm)
	huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
}
