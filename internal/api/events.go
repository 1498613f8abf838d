package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/alterego/internal/events"
)

// registerSSERoutes registers the warm-up event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Warm-up progress, state transitions, setup steps, model server output and metrics. " +
			"The current status is sent first; earlier events are not replayed.",
		Tags:     []string{"events"},
		Security: withAuth(),
		Errors:   []int{401},
	}, map[string]any{
		"status":         events.StatusEvent{},
		"state-changed":  events.StateChangedEvent{},
		"setup-step":     events.SetupStepEvent{},
		"process-output": events.ProcessOutputEvent{},
		"metrics":        events.MetricsEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 64)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StatusEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.StateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SetupStepEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ProcessOutputEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.MetricsEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		if err := send.Data(s.currentStatus()); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.background.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

// currentStatus gives a new subscriber the state it would otherwise have
// missed.
func (s *Server) currentStatus() events.StatusEvent {
	if s.options.Orchestrator == nil {
		return events.StatusEvent{Phase: "idle", Message: "SSE connection established", Timestamp: time.Now()}
	}
	st := s.options.Orchestrator.Status()
	return events.StatusEvent{
		RunID:     st.RunID,
		Phase:     string(st.State),
		Message:   st.Message,
		Progress:  st.Progress,
		ErrorKind: st.ErrorKind,
		Error:     st.Error,
		Detail:    st.Detail,
		Timestamp: time.Now(),
	}
}
