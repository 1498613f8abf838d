package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/alterego/internal/api/models"
	"github.com/smazurov/alterego/internal/chat"
	"github.com/smazurov/alterego/internal/modelserver"
	"github.com/smazurov/alterego/internal/persona"
)

func (s *Server) registerChatRoutes() {
	if p := s.options.Personas; p != nil {
		huma.Register(s.api, huma.Operation{
			OperationID: "list-personas",
			Method:      http.MethodGet,
			Path:        "/api/personas",
			Summary:     "List Personas",
			Tags:        []string{"chat"},
			Security:    withAuth(),
			Errors:      []int{401, 500},
		}, func(_ context.Context, _ *struct{}) (*models.PersonaListResponse, error) {
			names, err := p.List()
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to list personas", err)
			}
			return &models.PersonaListResponse{Body: models.PersonaListData{Personas: names, Count: len(names)}}, nil
		})

		huma.Register(s.api, huma.Operation{
			OperationID: "get-persona",
			Method:      http.MethodGet,
			Path:        "/api/personas/{name}",
			Summary:     "Get Persona",
			Tags:        []string{"chat"},
			Security:    withAuth(),
			Errors:      []int{400, 401, 404, 500},
		}, func(_ context.Context, input *struct {
			Name string `path:"name" doc:"Persona name"`
		}) (*models.PersonaResponse, error) {
			got, err := p.Get(input.Name)
			if err != nil {
				return nil, personaError(err)
			}
			return &models.PersonaResponse{Body: models.PersonaData{Name: got.Name, Prompt: got.Prompt}}, nil
		})
	}

	if h := s.options.History; h != nil {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-history",
			Method:      http.MethodGet,
			Path:        "/api/history/{persona}",
			Summary:     "Chat History",
			Description: "Messages exchanged with a persona, oldest first",
			Tags:        []string{"chat"},
			Security:    withAuth(),
			Errors:      []int{401, 500},
		}, func(ctx context.Context, input *struct {
			Persona string `path:"persona" doc:"Persona name"`
			Limit   int    `query:"limit" minimum:"0" maximum:"10000" default:"100" doc:"Most recent entries to return; 0 for all"`
		}) (*models.HistoryResponse, error) {
			entries, err := h.List(ctx, input.Persona, input.Limit)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to read history", err)
			}
			return &models.HistoryResponse{Body: models.HistoryData{Persona: input.Persona, Entries: entries, Count: len(entries)}}, nil
		})
	}

	if c := s.options.Chat; c != nil {
		huma.Register(s.api, huma.Operation{
			OperationID: "query",
			Method:      http.MethodPost,
			Path:        "/api/query",
			Summary:     "Send Query",
			Description: "Ask a persona a question. Refused with 503 until the model server is ready.",
			Tags:        []string{"chat"},
			Security:    withAuth(),
			Errors:      []int{400, 401, 404, 502, 503},
		}, func(ctx context.Context, input *models.QueryRequest) (*models.QueryResponse, error) {
			reply, err := c.Send(ctx, input.Body.PersonaName, input.Body.Query, input.Body.VoiceModelName)
			if err != nil {
				return nil, queryError(err)
			}
			return &models.QueryResponse{Body: models.QueryData{
				Persona:          reply.Persona,
				Response:         reply.Response,
				QueryEmotions:    reply.QueryEmotions,
				ResponseEmotions: reply.ResponseEmotions,
				Emotion:          reply.Emotion,
				AudioBase64:      reply.AudioBase64,
			}}, nil
		})
	}

	if m := s.options.Memory; m != nil {
		huma.Register(s.api, huma.Operation{
			OperationID: "clear-memory",
			Method:      http.MethodPost,
			Path:        "/api/memory/clear",
			Summary:     "Clear Short-Term Memory",
			Description: "Reset the model server's conversation memory",
			Tags:        []string{"chat"},
			Security:    withAuth(),
			Errors:      []int{401, 502, 503},
		}, func(ctx context.Context, _ *struct{}) (*models.MessageResponse, error) {
			if o := s.options.Orchestrator; o != nil && !o.Ready() {
				return nil, huma.Error503ServiceUnavailable(chat.ErrNotReady.Error())
			}
			if err := m.ClearShortTermMemory(ctx); err != nil {
				return nil, huma.Error502BadGateway("model server refused to clear memory", err)
			}
			return &models.MessageResponse{Body: models.MessageData{Message: "OK"}}, nil
		})
	}
}

func personaError(err error) error {
	switch {
	case errors.Is(err, persona.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, persona.ErrInvalidName):
		return huma.Error400BadRequest(err.Error())
	}
	return huma.Error500InternalServerError("failed to read persona", err)
}

func queryError(err error) error {
	var apiErr *modelserver.APIError
	switch {
	case errors.Is(err, chat.ErrNotReady):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, chat.ErrEmptyQuery):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, persona.ErrNotFound), errors.Is(err, persona.ErrInvalidName):
		return personaError(err)
	case errors.As(err, &apiErr):
		return huma.Error502BadGateway(apiErr.Error())
	}
	return huma.Error502BadGateway("model server query failed", err)
}
