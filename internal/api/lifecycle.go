package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/alterego/internal/api/models"
	"github.com/smazurov/alterego/internal/orchestrator"
)

const shutdownRequestTimeout = 30 * time.Second

func (s *Server) registerOrchestratorRoutes() {
	orch := s.options.Orchestrator

	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Orchestrator Status",
		Description: "Current state, warm-up progress and the last failure of the model server",
		Tags:        []string{"orchestrator"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.StatusResponse, error) {
		return &models.StatusResponse{Body: orch.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "run-orchestrator",
		Method:        http.MethodPost,
		Path:          "/api/orchestrator/run",
		Summary:       "Start Model Server",
		Description:   "Run setup, launch the model server and wait for it in the background. Follow progress on /api/events.",
		Tags:          []string{"orchestrator"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 409},
	}, func(_ context.Context, _ *struct{}) (*models.StatusResponse, error) {
		return s.startRun(orch.Start)
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "retry-orchestrator",
		Method:        http.MethodPost,
		Path:          "/api/orchestrator/retry",
		Summary:       "Retry Model Server",
		Description:   "Start a new run after a failure",
		Tags:          []string{"orchestrator"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 409},
	}, func(_ context.Context, _ *struct{}) (*models.StatusResponse, error) {
		return s.startRun(orch.StartRetry)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "shutdown-orchestrator",
		Method:      http.MethodPost,
		Path:        "/api/orchestrator/shutdown",
		Summary:     "Stop Model Server",
		Description: "Stop the model server, or cancel a startup in progress. Returns once it is stopped.",
		Tags:        []string{"orchestrator"},
		Security:    withAuth(),
		Errors:      []int{401, 504},
	}, func(ctx context.Context, _ *struct{}) (*models.ShutdownResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, shutdownRequestTimeout)
		defer cancel()
		if err := orch.Shutdown(ctx); err != nil {
			return nil, huma.Error504GatewayTimeout("model server did not stop in time", err)
		}
		return &models.ShutdownResponse{Body: orch.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-setup",
		Method:      http.MethodGet,
		Path:        "/api/setup",
		Summary:     "Setup Report",
		Description: "Per-step results of the last prerequisite check",
		Tags:        []string{"orchestrator"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.SetupResponse, error) {
		report := orch.Status().Setup
		return &models.SetupResponse{Body: models.SetupData{Ran: report != nil, Report: report}}, nil
	})
}

// startRun begins a run detached from the request. The outcome is
// reported through events and the status endpoint.
func (s *Server) startRun(start func(context.Context) (<-chan error, error)) (*models.StatusResponse, error) {
	result, err := start(s.background)
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		return nil, huma.Error409Conflict("model server is already starting or running", err)
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return nil, huma.Error409Conflict("not allowed in the current state", err)
	case err != nil:
		return nil, huma.Error500InternalServerError("failed to start model server", err)
	}

	go func() {
		if err := <-result; err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Model server run failed", "error", err)
		}
	}()
	return &models.StatusResponse{Body: s.options.Orchestrator.Status()}, nil
}
