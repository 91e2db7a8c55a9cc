package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/mcproxy/internal/domain"
)

type ListSessionEntriesInput struct {
	ID     string `path:"id" pattern:"^[A-Za-z0-9_-]{1,64}$" doc:"Session ID"`
	Limit  int    `query:"limit" minimum:"1" maximum:"500" default:"100" doc:"Max results"`
	Offset int    `query:"offset" minimum:"0" default:"0" doc:"Offset for pagination"`
}

type ListSessionEntriesOutput struct {
	Body struct {
		SessionID string                    `json:"session_id"`
		Total     int64                     `json:"total"`
		Entries   []*domain.SessionLogEntry `json:"entries"`
	}
}

// RegisterSessionRoutes registers the durable session log reader. repo may
// be nil when no database is configured.
func RegisterSessionRoutes(api huma.API, repo domain.SessionLogRepository) {
	huma.Register(api, huma.Operation{
		OperationID: "list-session-entries",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{id}/entries",
		Summary:     "List the log entries of a chat session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionEntriesInput) (*ListSessionEntriesOutput, error) {
		if repo == nil {
			return nil, huma.Error501NotImplemented("session storage is not configured")
		}

		total, err := repo.CountBySession(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to count session entries", err)
		}
		if total == 0 {
			return nil, huma.Error404NotFound("session not found")
		}

		entries, err := repo.ListBySession(ctx, input.ID, input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list session entries", err)
		}
		if entries == nil {
			entries = []*domain.SessionLogEntry{}
		}

		out := &ListSessionEntriesOutput{}
		out.Body.SessionID = input.ID
		out.Body.Total = total
		out.Body.Entries = entries
		return out, nil
	})
}
