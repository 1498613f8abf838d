// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"github.com/smazurov/alterego/internal/history"
	"github.com/smazurov/alterego/internal/orchestrator"
	"github.com/smazurov/alterego/internal/setup"
)

type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"API health"`
	Message string `json:"message" example:"API is healthy" doc:"Health detail"`
	Ready   bool   `json:"ready" doc:"Whether the model server accepts queries"`
}

type HealthResponse struct {
	Body HealthData
}

type VersionData struct {
	Version   string `json:"version" example:"1.2.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"a1b2c3d" doc:"Git commit"`
	BuildDate string `json:"build_date" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.1" doc:"Go toolchain"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"OS and architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// StatusResponse is the orchestrator snapshot.
type StatusResponse struct {
	Body orchestrator.Status
}

// ShutdownResponse reports the state after a shutdown request.
type ShutdownResponse struct {
	Body orchestrator.Status
}

// SetupResponse is the report of the last prerequisite run.
type SetupResponse struct {
	Body SetupData
}

type SetupData struct {
	Ran    bool          `json:"ran" doc:"Whether setup has run since startup"`
	Report *setup.Report `json:"report,omitempty" doc:"Per-step results"`
}

type PersonaListData struct {
	Personas []string `json:"personas" example:"[\"ALTER EGO\"]" doc:"Persona names"`
	Count    int      `json:"count" example:"1" doc:"Number of personas"`
}

type PersonaListResponse struct {
	Body PersonaListData
}

type PersonaData struct {
	Name   string `json:"name" example:"ALTER EGO" doc:"Persona name"`
	Prompt string `json:"prompt" example:"You are a program called ALTER EGO." doc:"System prompt"`
}

type PersonaResponse struct {
	Body PersonaData
}

type HistoryData struct {
	Persona string          `json:"persona" doc:"Persona name"`
	Entries []history.Entry `json:"entries" doc:"Messages, oldest first"`
	Count   int             `json:"count" doc:"Number of entries returned"`
}

type HistoryResponse struct {
	Body HistoryData
}

type QueryRequest struct {
	Body struct {
		Query          string `json:"query" minLength:"1" maxLength:"20000" example:"How are you today?" doc:"User message"`
		PersonaName    string `json:"persona_name,omitempty" example:"ALTER EGO" doc:"Persona to answer as; default persona when empty"`
		VoiceModelName string `json:"voice_model_name,omitempty" doc:"Voice model for speech synthesis; none when empty"`
	}
}

type QueryData struct {
	Persona          string             `json:"persona" doc:"Persona that answered"`
	Response         string             `json:"response" doc:"Model reply"`
	QueryEmotions    map[string]float64 `json:"query_emotions" doc:"Emotion scores of the query"`
	ResponseEmotions map[string]float64 `json:"response_emotions" doc:"Emotion scores of the reply"`
	Emotion          string             `json:"emotion" example:"joy" doc:"Dominant reply emotion, drives the avatar"`
	AudioBase64      *string            `json:"audio_base64,omitempty" doc:"Synthesized speech, base64"`
}

type QueryResponse struct {
	Body QueryData
}

type MessageData struct {
	Message string `json:"message" example:"OK" doc:"Result message"`
}

type MessageResponse struct {
	Body MessageData
}
