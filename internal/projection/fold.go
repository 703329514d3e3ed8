package projection

import (
	"fmt"
	"time"

	"coordline/internal/domain"
	"coordline/internal/event"
)

// FoldWorkItem derives the current state of a work item from its events,
// already ordered by (occurred_at, id). The fold is pure: replaying the
// same events always yields the same projection.
func FoldWorkItem(events []domain.Event) domain.WorkItem {
	var w domain.WorkItem
	for _, e := range events {
		attrs := event.Attrs(e)
		switch event.Action(e.Action) {
		case event.WorkCreated:
			w.ID = e.EntityID
			// The creating event's log position is the human-facing sequence
		// number; the log hands them out, so they cannot collide.
		w.SeqNum = fmt.Sprintf("WI-%d", e.ID)
			w.Title = str(attrs, "title")
			w.Type = str(attrs, "type")
			w.Severity = str(attrs, "severity")
			w.Description = str(attrs, "description")
			w.Reporter = str(attrs, "reporter")
			w.BusinessValue = num(attrs, "business_value")
			w.CustomerImpact = boolean(attrs, "customer_impact")
			w.Status = domain.StatusNew
			w.CreatedAt = e.OccurredAt
			w.StatusSince = e.OccurredAt
		case event.WorkStatusChanged:
			w.Status = str(attrs, "to")
			w.StatusSince = e.OccurredAt
			clearClaim(&w)
		case event.WorkAssigned:
			w.AssigneeID = str(attrs, "assignee_id")
			w.AssigneeKind = str(attrs, "assignee_kind")
			clearClaim(&w)
		case event.WorkSuperseded:
			// Audit record only; the follow-up assignment event carries
			// the state change.
		case event.WorkClaimed:
			w.ClaimedBy = str(attrs, "agent_id")
			w.ClaimedAt = e.OccurredAt
		case event.WorkEstimated:
			points := num(attrs, "points")
			w.EstimatePoints = &points
		case event.WorkCompleted:
			w.Status = domain.StatusDone
			w.StatusSince = e.OccurredAt
			w.CompletedAt = e.OccurredAt
			w.Notes = str(attrs, "notes")
			w.Deliverables = str(attrs, "deliverables")
			passing := boolean(attrs, "tests_passing")
			w.TestsPassing = &passing
			clearClaim(&w)
		case event.WorkReleased:
			w.AssigneeID = ""
			w.AssigneeKind = ""
			w.Status = domain.StatusReady
			w.StatusSince = e.OccurredAt
			clearClaim(&w)
		case event.WorkDependencyAdded:
			w.DependsOn = append(w.DependsOn, str(attrs, "depends_on"))
		case event.WorkErrorReported:
			w.LastError = str(attrs, "message")
			clearClaim(&w)
		}
		w.VersionToken = e.ID
	}
	return w
}

func clearClaim(w *domain.WorkItem) {
	w.ClaimedBy = ""
	w.ClaimedAt = ""
}

// HasActiveClaim reports whether the item holds an unexpired claim that
// no later event superseded. The claim is derived, never stored.
func HasActiveClaim(w domain.WorkItem, ttl time.Duration, now time.Time) bool {
	if w.ClaimedBy == "" {
		return false
	}
	leased, err := time.Parse(time.RFC3339, w.ClaimedAt)
	if err != nil {
		return false
	}
	return now.Before(leased.Add(ttl))
}

// FoldSchemaObject derives the current state of a governed definition.
func FoldSchemaObject(events []domain.Event) domain.SchemaObject {
	var s domain.SchemaObject
	s.Recoverable = true
	for _, e := range events {
		attrs := event.Attrs(e)
		switch event.Action(e.Action) {
		case event.SchemaDeployed:
			s.Name = str(attrs, "name")
			s.Signature = str(attrs, "signature")
			s.Kind = str(attrs, "kind")
			s.Definition = str(attrs, "definition")
			s.CanonicalHash = str(attrs, "canonical_hash")
			s.InputHash = str(attrs, "input_hash")
			s.Version = str(attrs, "version")
			s.Reason = str(attrs, "reason")
			s.Status = "active"
			s.DeployedAt = e.OccurredAt
			s.FailureCount = 0
		case event.SchemaUnchanged:
			// Semantically identical submission; no version movement.
		case event.SchemaApplyFailed, event.SchemaTestsFailed:
			s.FailureCount++
		case event.SchemaTestRegistered:
			if test := str(attrs, "test"); test != "" {
				s.Tests = append(s.Tests, test)
			}
		case event.SchemaRolledBack:
			s.Definition = str(attrs, "definition")
			s.CanonicalHash = str(attrs, "canonical_hash")
			s.Version = str(attrs, "version")
			s.Status = "active"
		case event.SchemaSoftDropped:
			s.Status = "retired"
		case event.SchemaHardDropped:
			s.Status = "dropped"
			s.Recoverable = false
		case event.SchemaRecovered:
			s.Definition = str(attrs, "definition")
			s.CanonicalHash = str(attrs, "canonical_hash")
			s.Version = str(attrs, "version")
			s.Status = "active"
		}
		s.VersionToken = e.ID
	}
	return s
}

func str(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func num(attrs map[string]any, key string) int {
	if attrs == nil {
		return 0
	}
	switch v := attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolean(attrs map[string]any, key string) bool {
	if attrs == nil {
		return false
	}
	if v, ok := attrs[key].(bool); ok {
		return v
	}
	return false
}
