package event

// Action identifies the kind of fact an event records. The set is
// closed: the writer rejects unknown actions at the boundary.
type Action string

// Work item actions.
const (
	WorkCreated         Action = "work.created"
	WorkStatusChanged   Action = "work.status_changed"
	WorkAssigned        Action = "work.assigned"
	WorkSuperseded      Action = "work.superseded"
	WorkClaimed         Action = "work.claimed"
	WorkEstimated       Action = "work.estimated"
	WorkCompleted       Action = "work.completed"
	WorkReleased        Action = "work.released"
	WorkDependencyAdded Action = "work.dependency_added"
	WorkErrorReported   Action = "work.error_reported"
)

// Schema governance actions.
const (
	SchemaDeployed       Action = "schema.deployed"
	SchemaDeployComplete Action = "schema.deploy_completed"
	SchemaUnchanged      Action = "schema.unchanged"
	SchemaApplyFailed    Action = "schema.apply_failed"
	SchemaScopeViolation Action = "schema.scope_violation"
	SchemaTestRegistered Action = "schema.test_registered"
	SchemaTestsFailed    Action = "schema.tests_failed"
	SchemaRolledBack     Action = "schema.rolled_back"
	SchemaSoftDropped    Action = "schema.soft_dropped"
	SchemaHardDropped    Action = "schema.hard_dropped"
	SchemaRecovered      Action = "schema.recovered"
)

// Monitor actions.
const (
	SLABreached         Action = "sla.breached"
	SLAEscalated        Action = "sla.escalated"
	ComplianceViolation Action = "compliance.violation"
	MonitorHealth       Action = "monitor.health"
)

var known = map[Action]struct{}{
	WorkCreated: {}, WorkStatusChanged: {}, WorkAssigned: {}, WorkSuperseded: {},
	WorkClaimed: {}, WorkEstimated: {}, WorkCompleted: {}, WorkReleased: {},
	WorkDependencyAdded: {}, WorkErrorReported: {},
	SchemaDeployed: {}, SchemaDeployComplete: {}, SchemaUnchanged: {}, SchemaApplyFailed: {},
	SchemaScopeViolation: {}, SchemaTestRegistered: {}, SchemaTestsFailed: {},
	SchemaRolledBack: {}, SchemaSoftDropped: {}, SchemaHardDropped: {}, SchemaRecovered: {},
	SLABreached: {}, SLAEscalated: {}, ComplianceViolation: {}, MonitorHealth: {},
}

// IsKnown reports whether the action belongs to the closed set.
func (a Action) IsKnown() bool {
	_, ok := known[a]
	return ok
}
