package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"seopilot/internal/domain"
)

const (
	ProjectCreated     = "project.created"
	PageAdded          = "page.added"
	PageDeleted        = "page.deleted"
	AuditCreated       = "audit.created"
	AuditQueued        = "audit.queued"
	AuditRunning       = "audit.running"
	AuditCompleted     = "audit.completed"
	AuditFailed        = "audit.failed"
	AuditDeleted       = "audit.deleted"
	IssuesIngested     = "issues.ingested"
	IssueStatusChanged = "issue.status_changed"
	FixCreated         = "fix.created"
	APIKeyCreated      = "apikey.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event is a single log entry to append. ActorID defaults to "system".
type Event struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes evt inside tx so the event commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) error {
	if tx == nil {
		return errors.New("events: transaction required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if evt.Payload == nil {
		evt.Payload = EventPayload{}
	}
	if evt.ActorID == "" {
		evt.ActorID = "system"
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.Stamp(now()), evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
