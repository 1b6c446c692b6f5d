package server

import (
	"encoding/json"

	"seopilot/internal/domain"
	"seopilot/internal/quota"
)

// Request payloads

type CreateProjectRequest struct {
	ID     *string `json:"id,omitempty"`
	Name   string  `json:"name" minLength:"1"`
	Domain string  `json:"domain" minLength:"1"`
}

type AddPageRequest struct {
	URL   string `json:"url" minLength:"1"`
	Title string `json:"title,omitempty"`
}

type CreateAuditRequest struct {
	Type    string  `json:"type" enum:"pagespeed,seo,lighthouse"`
	PageID  *string `json:"page_id,omitempty"`
	Trigger string  `json:"trigger,omitempty" enum:"manual,scheduled,auto_regression"`
	JobID   *string `json:"job_id,omitempty"`
}

type QueueAuditRequest struct {
	JobID string `json:"job_id,omitempty"`
}

type UpdateIssueRequest struct {
	Status string `json:"status" enum:"open,in_progress,resolved,ignored"`
}

type CreateFixRequest struct {
	Provider string         `json:"provider" enum:"manual,gpt,gemini,groq,mock"`
	Content  map[string]any `json:"content"`
}

type GenerateFixRequest struct {
	Provider string `json:"provider" enum:"gpt,gemini,groq"`
}

// Response payloads

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ReportResponse struct {
	Audit    domain.Audit `json:"audit"`
	Markdown string       `json:"markdown"`
}

type QuotaResponse struct {
	ProjectID string         `json:"project_id"`
	Resource  string         `json:"resource"`
	Usage     quota.Decision `json:"usage"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
