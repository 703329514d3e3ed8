package server

import (
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/event"
)

// Request payloads

type CreateWorkRequest struct {
	Title            string `json:"title"`
	Type             string `json:"type,omitempty" enum:"task,bug,feature,chore,incident"`
	Severity         string `json:"severity,omitempty" enum:"p1,p2,p3,p4"`
	Description      string `json:"description,omitempty"`
	BusinessValue    int    `json:"business_value,omitempty"`
	CustomerImpact   bool   `json:"customer_impact,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type SetStatusRequest struct {
	Status           string `json:"status" enum:"new,backlog,ready,in_progress,review,blocked,done,cancelled"`
	ExpectedVersion  int64  `json:"expected_version"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type AssignRequest struct {
	AssigneeID       string `json:"assignee_id"`
	AssigneeKind     string `json:"assignee_kind" enum:"human,agent"`
	ExpectedVersion  int64  `json:"expected_version"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type EstimateRequest struct {
	Points           int    `json:"points"`
	ExpectedVersion  int64  `json:"expected_version"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type CompleteRequest struct {
	ExpectedVersion  int64  `json:"expected_version"`
	Notes            string `json:"notes,omitempty"`
	Deliverables     string `json:"deliverables,omitempty"`
	TestsPassing     bool   `json:"tests_passing,omitempty"`
	Override         bool   `json:"override,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type ReleaseRequest struct {
	ExpectedVersion  int64  `json:"expected_version"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type AddDependencyRequest struct {
	DependsOn        string `json:"depends_on"`
	Kind             string `json:"kind,omitempty"`
	ExpectedVersion  int64  `json:"expected_version"`
	Reason           string `json:"reason,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type ReportErrorRequest struct {
	Kind             string `json:"kind,omitempty"`
	Message          string `json:"message"`
	WillRetry        bool   `json:"will_retry,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type ClaimNextRequest struct {
	AgentID      string   `json:"agent_id"`
	AgentKind    string   `json:"agent_kind,omitempty" enum:"human,agent"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type SchemaChangeRequest struct {
	Definition       string `json:"definition"`
	Reason           string `json:"reason,omitempty"`
	ExpectedHash     string `json:"expected_hash,omitempty"`
	ExpectedVersion  *int64 `json:"expected_version,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type SchemaAlterRequest struct {
	Statement        string `json:"statement"`
	Reason           string `json:"reason,omitempty"`
	ExpectedHash     string `json:"expected_hash,omitempty"`
	ExpectedVersion  *int64 `json:"expected_version,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type RegisterTestRequest struct {
	Test             string `json:"test"`
	ExpectedVersion  *int64 `json:"expected_version,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type DropRequest struct {
	Reason           string `json:"reason,omitempty"`
	ExpectedVersion  *int64 `json:"expected_version,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

type RecoverRequest struct {
	NewName          string `json:"new_name,omitempty"`
	ExpectedVersion  *int64 `json:"expected_version,omitempty"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
}

// Response payloads

type WorkResponse struct {
	Item     domain.WorkItem `json:"item"`
	Replayed bool            `json:"replayed"`
}

type SchemaObjectResponse struct {
	Object   domain.SchemaObject `json:"object"`
	Replayed bool                `json:"replayed"`
}

type CandidateResponse struct {
	Item       domain.WorkItem `json:"item"`
	SkillScore int             `json:"skill_score"`
	Priority   int             `json:"priority"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

// Conversion helpers

func workResponse(r engine.Result) WorkResponse {
	return WorkResponse{Item: r.Item, Replayed: r.Replayed}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		OccurredAt: e.OccurredAt,
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Attributes: event.Attrs(e),
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
