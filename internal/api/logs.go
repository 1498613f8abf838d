package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/alterego/internal/events"
	"github.com/smazurov/alterego/internal/logging"
)

// registerLogRoutes registers the log streaming SSE endpoint.
func (s *Server) registerLogRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Buffered application logs, then new entries as they are written",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, input *struct {
		Module string `query:"module" doc:"Only entries from this module, e.g. modelserver"`
	}, send sse.Sender) {
		keep := func(e logging.LogEntry) bool {
			return input.Module == "" || e.Module == input.Module
		}

		// Subscribe before replaying so nothing written in between is lost.
		eventCh := make(chan any, 256)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.ReadAll() {
				if !keep(entry) {
					continue
				}
				if err := send.Data(events.LogEntryEvent{LogEntry: entry}); err != nil {
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.background.Done():
				return
			case event := <-eventCh:
				if e, ok := event.(events.LogEntryEvent); ok && !keep(e.LogEntry) {
					continue
				}
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
