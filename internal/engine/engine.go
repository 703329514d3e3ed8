package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"coordline/internal/config"
	"coordline/internal/domain"
	"coordline/internal/event"
	"coordline/internal/projection"
)

// Engine is the command writer. Every mutating command reads the current
// projection, verifies the caller's expected version token, checks the
// domain precondition and appends exactly one event (two for
// supersession). The event store settles all races.
type Engine struct {
	DB          *sql.DB
	Store       event.Store
	Projections *projection.Builder
	Config      *config.Config
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	store := event.Store{DB: db}
	return Engine{
		DB:          db,
		Store:       store,
		Projections: projection.NewBuilder(store, 0),
		Config:      cfg,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Result pairs a command's projection with its replay flag. Version
// tokens for follow-up commands come from here, not from a later read.
type Result struct {
	Item     domain.WorkItem
	Replayed bool
}

var validSeverities = map[string]bool{"p1": true, "p2": true, "p3": true, "p4": true}

// transitions is the work item status graph. Edges not listed are
// rejected with invalid_transition.
var transitions = map[string][]string{
	domain.StatusNew:        {domain.StatusBacklog, domain.StatusReady, domain.StatusCancelled},
	domain.StatusBacklog:    {domain.StatusReady, domain.StatusCancelled},
	domain.StatusReady:      {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusReview, domain.StatusDone, domain.StatusBlocked, domain.StatusCancelled},
	domain.StatusReview:     {domain.StatusInProgress, domain.StatusDone, domain.StatusCancelled},
	domain.StatusBlocked:    {domain.StatusReady, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusDone:       {domain.StatusReview},
	domain.StatusCancelled:  {domain.StatusBacklog},
}

func ensureTransition(from, to string) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return domain.InvalidTransitionError{From: from, To: to}
}

// ensureVersion rejects a command whose caller observed a stale view.
// The store's conditional append settles whatever races past this check.
func ensureVersion(w domain.WorkItem, expected int64) error {
	if expected != w.VersionToken {
		return domain.ConflictError{EntityID: w.ID, Expected: expected, Actual: w.VersionToken}
	}
	return nil
}

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	Title            string
	Type             string
	Severity         string
	Description      string
	Reporter         string
	BusinessValue    int
	CustomerImpact   bool
	IdempotencyToken string
}

// replayOf returns the original result when the command's token already
// produced an event. Commands check this before their preconditions, so
// a retry replays even after the entity has moved on.
func (e Engine) replayOf(ctx context.Context, token string) (Result, bool, error) {
	if strings.TrimSpace(token) == "" {
		return Result{}, false, nil
	}
	evt, err := e.Store.ByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	res, err := e.resultAt(ctx, evt, true)
	return res, true, err
}

// CreateWork appends a work.created event and returns the new projection.
func (e Engine) CreateWork(ctx context.Context, opts CreateOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return Result{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Type == "" {
		opts.Type = "task"
	}
	if opts.Severity == "" {
		opts.Severity = "p3"
	}
	if !validSeverities[opts.Severity] {
		return Result{}, domain.ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", opts.Severity)}
	}
	token := opts.IdempotencyToken
	if token == "" {
		token = uuid.New().String()
	}
	id := uuid.New().String()
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.Reporter,
		Action:     event.WorkCreated,
		EntityKind: domain.KindWorkItem,
		EntityID:   id,
		Attributes: map[string]any{
			"title":           opts.Title,
			"type":            opts.Type,
			"severity":        opts.Severity,
			"description":     opts.Description,
			"reporter":        opts.Reporter,
			"business_value":  opts.BusinessValue,
			"customer_impact": opts.CustomerImpact,
		},
		IdempotencyToken: token,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// StatusOptions are parameters for a status change.
type StatusOptions struct {
	WorkID           string
	NewStatus        string
	ExpectedVersion  int64
	ActorID          string
	Reason           string
	IdempotencyToken string
}

// SetStatus moves a work item along the transition graph.
func (e Engine) SetStatus(ctx context.Context, opts StatusOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	w, err := e.Projections.WorkItem(ctx, opts.WorkID)
	if err != nil {
		return Result{}, err
	}
	if err := ensureVersion(w, opts.ExpectedVersion); err != nil {
		return Result{}, err
	}
	if !knownStatus(opts.NewStatus) {
		return Result{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", opts.NewStatus)}
	}
	if err := ensureTransition(w.Status, opts.NewStatus); err != nil {
		return Result{}, err
	}
	expected := opts.ExpectedVersion
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.WorkStatusChanged,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"from":   w.Status,
			"to":     opts.NewStatus,
			"reason": opts.Reason,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

func knownStatus(s string) bool {
	switch s {
	case domain.StatusNew, domain.StatusBacklog, domain.StatusReady, domain.StatusInProgress,
		domain.StatusReview, domain.StatusBlocked, domain.StatusDone, domain.StatusCancelled:
		return true
	}
	return false
}

// AssignOptions are parameters for an assignment.
type AssignOptions struct {
	WorkID           string
	AssigneeID       string
	AssigneeKind     string
	ExpectedVersion  int64
	ActorID          string
	Reason           string
	IdempotencyToken string
}

// Assign hands a work item to a human or agent. A human assignment over
// a current agent holder first appends an explicit supersession event so
// the audit trail shows why the agent lost the item; an agent never
// displaces a human this way.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	if opts.AssigneeKind != domain.AssigneeHuman && opts.AssigneeKind != domain.AssigneeAgent {
		return Result{}, domain.ValidationError{Field: "assignee_kind", Reason: "must be human or agent"}
	}
	w, err := e.Projections.WorkItem(ctx, opts.WorkID)
	if err != nil {
		return Result{}, err
	}
	if err := ensureVersion(w, opts.ExpectedVersion); err != nil {
		return Result{}, err
	}
	if w.AssigneeKind == domain.AssigneeHuman && opts.AssigneeKind == domain.AssigneeAgent && w.AssigneeID != opts.AssigneeID {
		return Result{}, domain.NotAuthorizedError{ActorID: opts.ActorID, Reason: "agent cannot displace a human assignee"}
	}
	token := tokenOr(opts.IdempotencyToken)
	expected := opts.ExpectedVersion
	if w.AssigneeKind == domain.AssigneeAgent && opts.AssigneeKind == domain.AssigneeHuman {
		sup, _, err := e.Store.Append(ctx, event.Record{
			ActorID:    opts.ActorID,
			Action:     event.WorkSuperseded,
			EntityKind: domain.KindWorkItem,
			EntityID:   opts.WorkID,
			Attributes: map[string]any{
				"previous_assignee": w.AssigneeID,
				"previous_kind":     w.AssigneeKind,
				"superseded_by":     opts.AssigneeID,
				"reason":            opts.Reason,
			},
			IdempotencyToken: token + ".supersede",
			ExpectedVersion:  &expected,
		})
		if err != nil {
			return Result{}, err
		}
		// On replay sup is the original event, so this chains correctly
		// whether or not the supersession was already recorded.
		expected = sup.ID
	}
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.WorkAssigned,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"assignee_id":   opts.AssigneeID,
			"assignee_kind": opts.AssigneeKind,
			"reason":        opts.Reason,
		},
		IdempotencyToken: token,
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// EstimateOptions are parameters for setting an estimate.
type EstimateOptions struct {
	WorkID           string
	Points           int
	ExpectedVersion  int64
	ActorID          string
	Reason           string
	IdempotencyToken string
}

// Estimate records story points on an open item.
func (e Engine) Estimate(ctx context.Context, opts EstimateOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	if opts.Points <= 0 {
		return Result{}, domain.ValidationError{Field: "points", Reason: "must be positive"}
	}
	w, err := e.Projections.WorkItem(ctx, opts.WorkID)
	if err != nil {
		return Result{}, err
	}
	if err := ensureVersion(w, opts.ExpectedVersion); err != nil {
		return Result{}, err
	}
	if w.Status == domain.StatusDone || w.Status == domain.StatusCancelled {
		return Result{}, domain.InvalidTransitionError{From: w.Status, To: w.Status}
	}
	expected := opts.ExpectedVersion
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.WorkEstimated,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"points": opts.Points,
			"reason": opts.Reason,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// CompleteOptions are parameters for the unified terminal action.
type CompleteOptions struct {
	WorkID           string
	ExpectedVersion  int64
	ActorID          string
	Notes            string
	Deliverables     string
	TestsPassing     bool
	Override         bool
	IdempotencyToken string
}

// Complete records completion duration and deliverables in one event
// rather than a status change plus metadata.
func (e Engine) Complete(ctx context.Context, opts CompleteOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	w, err := e.Projections.WorkItem(ctx, opts.WorkID)
	if err != nil {
		return Result{}, err
	}
	if err := ensureVersion(w, opts.ExpectedVersion); err != nil {
		return Result{}, err
	}
	if err := ensureTransition(w.Status, domain.StatusDone); err != nil {
		return Result{}, err
	}
	if !opts.Override && w.AssigneeID != "" && w.AssigneeID != opts.ActorID {
		return Result{}, domain.NotAuthorizedError{ActorID: opts.ActorID, Reason: "item assigned to " + w.AssigneeID}
	}
	var duration int64
	if created, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
		duration = int64(e.now().UTC().Sub(created).Seconds())
	}
	expected := opts.ExpectedVersion
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.WorkCompleted,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"notes":            opts.Notes,
			"deliverables":     opts.Deliverables,
			"tests_passing":    opts.TestsPassing,
			"duration_seconds": duration,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// ReleaseOptions are parameters for giving an item back to the queue.
type ReleaseOptions struct {
	WorkID           string
	AgentID          string
	ExpectedVersion  int64
	Reason           string
	IdempotencyToken string
}

// Release frees an assigned or claimed item back to ready.
func (e Engine) Release(ctx context.Context, opts ReleaseOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	w, err := e.Projections.WorkItem(ctx, opts.WorkID)
	if err != nil {
		return Result{}, err
	}
	if err := ensureVersion(w, opts.ExpectedVersion); err != nil {
		return Result{}, err
	}
	if w.AssigneeID != opts.AgentID && w.ClaimedBy != opts.AgentID {
		return Result{}, domain.NotAuthorizedError{ActorID: opts.AgentID, Reason: "not the holder of this item"}
	}
	if w.Status == domain.StatusDone || w.Status == domain.StatusCancelled {
		return Result{}, domain.InvalidTransitionError{From: w.Status, To: domain.StatusReady}
	}
	expected := opts.ExpectedVersion
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.AgentID,
		Action:     event.WorkReleased,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"reason": opts.Reason,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// DependencyOptions are parameters for adding a dependency edge.
type DependencyOptions struct {
	WorkID           string
	DependsOn        string
	Kind             string
	ExpectedVersion  int64
	ActorID          string
	Reason           string
	IdempotencyToken string
}

// AddDependency records a directed edge after a bounded-depth cycle walk.
func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	if opts.WorkID == opts.DependsOn {
		return Result{}, domain.ValidationError{Field: "depends_on", Reason: "item cannot depend on itself"}
	}
	w, err := e.Projections.WorkItem(ctx, opts.WorkID)
	if err != nil {
		return Result{}, err
	}
	if err := ensureVersion(w, opts.ExpectedVersion); err != nil {
		return Result{}, err
	}
	if _, err := e.Projections.WorkItem(ctx, opts.DependsOn); err != nil {
		return Result{}, err
	}
	for _, dep := range w.DependsOn {
		if dep == opts.DependsOn {
			return Result{}, domain.ValidationError{Field: "depends_on", Reason: "dependency already recorded"}
		}
	}
	if err := e.ensureNoCycle(ctx, opts.WorkID, opts.DependsOn); err != nil {
		return Result{}, err
	}
	kind := opts.Kind
	if kind == "" {
		kind = "blocks"
	}
	expected := opts.ExpectedVersion
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.WorkDependencyAdded,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"depends_on": opts.DependsOn,
			"kind":       kind,
			"reason":     opts.Reason,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// ensureNoCycle walks the dependency graph from candidate toward workID
// up to the configured depth. Chains deeper than the cap are rejected
// outright rather than trusted.
func (e Engine) ensureNoCycle(ctx context.Context, workID, candidate string) error {
	maxDepth := 32
	if e.Config != nil && e.Config.Dependencies.MaxDepth > 0 {
		maxDepth = e.Config.Dependencies.MaxDepth
	}
	seen := map[string]bool{}
	frontier := []string{candidate}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxDepth {
			return domain.ValidationError{Field: "depends_on", Reason: fmt.Sprintf("dependency chain deeper than %d", maxDepth)}
		}
		var next []string
		for _, id := range frontier {
			if id == workID {
				return domain.ValidationError{Field: "depends_on", Reason: "dependency cycle detected"}
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			dep, err := e.Projections.WorkItem(ctx, id)
			if err != nil {
				return err
			}
			next = append(next, dep.DependsOn...)
		}
		frontier = next
	}
	return nil
}

// ErrorReportOptions are parameters for an agent error report.
type ErrorReportOptions struct {
	WorkID           string
	AgentID          string
	Kind             string
	Message          string
	WillRetry        bool
	IdempotencyToken string
}

// ReportError records an agent failure. The event supersedes any active
// claim held by the reporting agent so the item becomes claimable again.
func (e Engine) ReportError(ctx context.Context, opts ErrorReportOptions) (Result, error) {
	if res, ok, err := e.replayOf(ctx, opts.IdempotencyToken); ok || err != nil {
		return res, err
	}
	if _, err := e.Projections.WorkItem(ctx, opts.WorkID); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(opts.Message) == "" {
		return Result{}, domain.ValidationError{Field: "message", Reason: "required"}
	}
	evt, replayed, err := e.Store.Append(ctx, event.Record{
		ActorID:    opts.AgentID,
		Action:     event.WorkErrorReported,
		EntityKind: domain.KindWorkItem,
		EntityID:   opts.WorkID,
		Attributes: map[string]any{
			"kind":       opts.Kind,
			"message":    opts.Message,
			"will_retry": opts.WillRetry,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
	})
	if err != nil {
		return Result{}, err
	}
	return e.resultAt(ctx, evt, replayed)
}

// Claim appends a work.claimed event under the caller's version token.
// Used by the scheduler; the claim itself is just another event.
func (e Engine) Claim(ctx context.Context, workID, agentID string, expected int64, token string) (domain.Event, bool, error) {
	ttl := 3600
	if e.Config != nil && e.Config.Scheduler.LeaseTTLSeconds > 0 {
		ttl = e.Config.Scheduler.LeaseTTLSeconds
	}
	return e.Store.Append(ctx, event.Record{
		ActorID:    agentID,
		Action:     event.WorkClaimed,
		EntityKind: domain.KindWorkItem,
		EntityID:   workID,
		Attributes: map[string]any{
			"agent_id":    agentID,
			"ttl_seconds": ttl,
		},
		IdempotencyToken: tokenOr(token),
		ExpectedVersion:  &expected,
	})
}

// PriorityScore derives scheduling priority from severity, business
// value and customer impact, penalized while blocked.
func (e Engine) PriorityScore(w domain.WorkItem) int {
	score := w.BusinessValue
	if e.Config != nil {
		if weight, ok := e.Config.Priority.SeverityWeights[w.Severity]; ok {
			score += weight
		}
		if w.CustomerImpact {
			score += e.Config.Priority.CustomerImpactBonus
		}
		if w.Status == domain.StatusBlocked {
			score -= e.Config.Priority.BlockedPenalty
		}
	}
	return score
}

// History returns the full event history for an entity in fold order.
func (e Engine) History(ctx context.Context, kind, id string) ([]domain.Event, error) {
	events, err := e.Store.ListByEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrNotFound
	}
	return events, nil
}

// resultAt folds the item as of the given event. For replays this yields
// the original result, not the entity's possibly newer state.
func (e Engine) resultAt(ctx context.Context, evt domain.Event, replayed bool) (Result, error) {
	events, err := e.Store.ListByEntity(ctx, evt.EntityKind, evt.EntityID)
	if err != nil {
		return Result{}, err
	}
	if replayed {
		upTo := events[:0:0]
		for _, ev := range events {
			if ev.ID <= evt.ID {
				upTo = append(upTo, ev)
			}
		}
		events = upTo
	}
	return Result{Item: projection.FoldWorkItem(events), Replayed: replayed}, nil
}

func tokenOr(token string) string {
	if strings.TrimSpace(token) != "" {
		return token
	}
	return uuid.New().String()
}
