package domain

// Entity kinds recorded on events.
const (
	KindWorkItem     = "work_item"
	KindSchemaObject = "schema_object"
	KindMonitor      = "monitor"
)

// Work item statuses.
const (
	StatusNew        = "new"
	StatusBacklog    = "backlog"
	StatusReady      = "ready"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

// Assignee kinds.
const (
	AssigneeHuman = "human"
	AssigneeAgent = "agent"
)

// Event is one immutable fact from the log. ID doubles as the version
// token of any projection that folded it in last.
type Event struct {
	ID               int64  `json:"id"`
	OccurredAt       string `json:"occurred_at" format:"date-time"`
	ActorID          string `json:"actor_id"`
	Action           string `json:"action"`
	EntityKind       string `json:"entity_kind"`
	EntityID         string `json:"entity_id"`
	Attributes       string `json:"attributes_json"`
	IdempotencyToken string `json:"idempotency_token"`
}

// WorkItem is the fold of all events for one work item. It has no
// independent lifecycle: the first event creates it, later events only
// change what the fold derives.
type WorkItem struct {
	ID             string   `json:"id"`
	SeqNum         string   `json:"seq_num"`
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	Severity       string   `json:"severity" enum:"p1,p2,p3,p4"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status" enum:"new,backlog,ready,in_progress,review,blocked,done,cancelled"`
	Reporter       string   `json:"reporter"`
	AssigneeID     string   `json:"assignee_id,omitempty"`
	AssigneeKind   string   `json:"assignee_kind,omitempty" enum:"human,agent"`
	EstimatePoints *int     `json:"estimate_points,omitempty"`
	BusinessValue  int      `json:"business_value"`
	CustomerImpact bool     `json:"customer_impact"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ClaimedBy      string   `json:"claimed_by,omitempty"`
	ClaimedAt      string   `json:"claimed_at,omitempty" format:"date-time"`
	LastError      string   `json:"last_error,omitempty"`
	Deliverables   string   `json:"deliverables,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	TestsPassing   *bool    `json:"tests_passing,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	StatusSince    string   `json:"status_since" format:"date-time"`
	CompletedAt    string   `json:"completed_at,omitempty" format:"date-time"`
	VersionToken   int64    `json:"version_token"`
}

// Claim is the event-derived lease on a work item. It is a view, never
// stored state: expiry and supersession are computed from the log.
type Claim struct {
	WorkItemID string `json:"work_item_id"`
	AgentID    string `json:"agent_id"`
	LeasedAt   string `json:"leased_at" format:"date-time"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Dependency is a directed edge between work items.
type Dependency struct {
	WorkItemID string `json:"work_item_id"`
	DependsOn  string `json:"depends_on"`
	Kind       string `json:"kind"`
}

// SchemaObject is the fold of all governance events for one definition.
type SchemaObject struct {
	Name          string   `json:"name"`
	Signature     string   `json:"signature,omitempty"`
	Kind          string   `json:"kind"`
	Definition    string   `json:"definition,omitempty"`
	CanonicalHash string   `json:"canonical_hash,omitempty"`
	InputHash     string   `json:"input_hash,omitempty"`
	Version       string   `json:"version"`
	Status        string   `json:"status" enum:"active,retired,dropped"`
	Reason        string   `json:"reason,omitempty"`
	DeployedAt    string   `json:"deployed_at,omitempty" format:"date-time"`
	Recoverable   bool     `json:"recoverable"`
	Tests         []string `json:"tests,omitempty"`
	FailureCount  int      `json:"failure_count"`
	VersionToken  int64    `json:"version_token"`
}

// Identity is the fully-qualified schema object identity including the
// parameter signature for callables.
func (s SchemaObject) Identity() string {
	if s.Signature != "" {
		return s.Name + "(" + s.Signature + ")"
	}
	return s.Name
}

// APIKey is a server credential bound to an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SLABreach describes one monitor finding.
type SLABreach struct {
	WorkItemID string `json:"work_item_id"`
	Severity   string `json:"severity"`
	Kind       string `json:"kind" enum:"status_duration,total_age"`
	AgeSeconds int64  `json:"age_seconds"`
	Escalated  bool   `json:"escalated"`
}

// DriftEntry compares a deployed definition against the live one.
type DriftEntry struct {
	Name         string `json:"name"`
	DeclaredHash string `json:"declared_hash"`
	LiveHash     string `json:"live_hash"`
	Missing      bool   `json:"missing"`
	Unmanaged    bool   `json:"unmanaged"`
}
