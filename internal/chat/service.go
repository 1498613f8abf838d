// Package chat sends user queries to the model server once it is ready
// and keeps the per-persona history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/smazurov/alterego/internal/history"
	"github.com/smazurov/alterego/internal/modelserver"
	"github.com/smazurov/alterego/internal/persona"
)

// NeutralEmotion is the label used when the server scored no emotions.
const NeutralEmotion = "neutral"

var (
	// ErrNotReady refuses queries until the model server has warmed up.
	ErrNotReady = errors.New("model server is not ready")

	ErrEmptyQuery = errors.New("query is empty")
)

// Gate reports whether queries may be sent.
type Gate interface {
	Ready() bool
}

type Personas interface {
	Get(name string) (persona.Persona, error)
}

type Querier interface {
	Query(ctx context.Context, q modelserver.QueryRequest) (*modelserver.QueryResponse, error)
}

// History is where exchanged messages are recorded.
type History interface {
	Append(ctx context.Context, persona, role, content string) (history.Entry, error)
}

// Reply is the answer to one query.
type Reply struct {
	Persona          string             `json:"persona"`
	Response         string             `json:"response"`
	QueryEmotions    map[string]float64 `json:"query_emotions"`
	ResponseEmotions map[string]float64 `json:"response_emotions"`
	// Emotion is the highest scored response emotion, lower case.
	Emotion     string  `json:"emotion"`
	AudioBase64 *string `json:"audio_base64,omitempty"`
}

type Service struct {
	gate     Gate
	personas Personas
	server   Querier
	history  History // optional
	logger   *slog.Logger
}

// NewService creates a chat service. hist may be nil to skip recording.
func NewService(gate Gate, personas Personas, server Querier, hist History, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gate: gate, personas: personas, server: server, history: hist, logger: logger}
}

// Send asks personaName a question. An empty persona name selects the
// default persona; an empty voiceModel disables speech synthesis.
func (s *Service) Send(ctx context.Context, personaName, text, voiceModel string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if !s.gate.Ready() {
		return nil, ErrNotReady
	}

	if personaName == "" {
		personaName = persona.DefaultName
	}
	p, err := s.personas.Get(personaName)
	if err != nil {
		return nil, fmt.Errorf("load persona %q: %w", personaName, err)
	}

	req := modelserver.QueryRequest{Query: text, PersonaName: p.Name, PersonaPrompt: p.Prompt}
	if voiceModel != "" {
		req.VoiceModelName = &voiceModel
	}

	resp, err := s.server.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query model server: %w", err)
	}

	s.record(ctx, p.Name, history.RoleUser, text)
	s.record(ctx, p.Name, history.RoleAssistant, resp.Response)

	return &Reply{
		Persona:          p.Name,
		Response:         resp.Response,
		QueryEmotions:    resp.QueryEmotions,
		ResponseEmotions: resp.ResponseEmotions,
		Emotion:          DominantEmotion(resp.ResponseEmotions),
		AudioBase64:      resp.AudioBase64,
	}, nil
}

// record keeps a message in the history. A failed write does not fail the
// exchange the user already got an answer for.
func (s *Service) record(ctx context.Context, personaName, role, content string) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Append(ctx, personaName, role, content); err != nil {
		s.logger.Warn("Failed to record chat history", "persona", personaName, "role", role, "error", err)
	}
}

// DominantEmotion returns the highest scored label in lower case, ties
// broken alphabetically, or NeutralEmotion when scores is empty.
func DominantEmotion(scores map[string]float64) string {
	if len(scores) == 0 {
		return NeutralEmotion
	}
	labels := make([]string, 0, len(scores))
	for label := range scores {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	best := labels[0]
	for _, label := range labels[1:] {
		if scores[label] > scores[best] {
			best = label
		}
	}
	return strings.ToLower(best)
}
