package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/alterego/internal/events"
	"github.com/smazurov/alterego/internal/metrics"
)

// EventPublisher is the part of the event bus the exporter needs.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter publishes a metrics summary on an interval so the UI can
// show probe counts without scraping Prometheus.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates an exporter publishing to eventBus.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{eventBus: eventBus, interval: 2 * time.Second}
}

// Start begins the export loop; Stop or cancelling ctx ends it.
func (s *SSEExporter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop ends the loop and waits for it.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *SSEExporter) publish() {
	snap := metrics.GetSnapshot()
	s.eventBus.Publish(events.MetricsEvent{
		State:          snap.State,
		Probes:         snap.Probes,
		Failures:       snap.Failures,
		ProcessExits:   snap.ProcessExits,
		LastWarmupSecs: snap.LastWarmup.Seconds(),
	})
}
