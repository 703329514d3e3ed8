package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"coordline/internal/config"
	"coordline/internal/domain"
	"coordline/internal/event"
	"coordline/internal/projection"
	"coordline/internal/schema"
)

// Monitor sweeps the projections for SLA breaches, governance drift and
// repeated deployment failures. Findings are appended to the log like
// every other fact; the deterministic tokens below make repeated sweeps
// record each finding once.
type Monitor struct {
	Store       event.Store
	Projections *projection.Builder
	Pipeline    schema.Pipeline
	Config      *config.Config
	Now         func() time.Time
}

func New(store event.Store, proj *projection.Builder, pipeline schema.Pipeline, cfg *config.Config) Monitor {
	return Monitor{Store: store, Projections: proj, Pipeline: pipeline, Config: cfg, Now: time.Now}
}

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Report is the outcome of one sweep.
type Report struct {
	SweptAt       string              `json:"swept_at" format:"date-time"`
	Breaches      []domain.SLABreach  `json:"breaches,omitempty"`
	Drift         []domain.DriftEntry `json:"drift,omitempty"`
	FailedObjects []string            `json:"failed_objects,omitempty"`
}

// Start runs sweeps until the context is cancelled.
func (m Monitor) Start(ctx context.Context) {
	interval := 5 * time.Minute
	if m.Config != nil && m.Config.SLA.SweepIntervalSeconds > 0 {
		interval = time.Duration(m.Config.SLA.SweepIntervalSeconds) * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := m.Sweep(ctx); err != nil {
				log.Printf("monitor: sweep failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Sweep runs every check once and records findings.
func (m Monitor) Sweep(ctx context.Context) (Report, error) {
	report := Report{SweptAt: m.now().UTC().Format(time.RFC3339)}
	breaches, err := m.sweepSLA(ctx)
	if err != nil {
		return report, err
	}
	report.Breaches = breaches
	drift, err := m.sweepDrift(ctx)
	if err != nil {
		return report, err
	}
	report.Drift = drift
	failed, err := m.sweepFailures(ctx)
	if err != nil {
		return report, err
	}
	report.FailedObjects = failed
	if _, _, err := m.Store.Append(ctx, event.Record{
		ActorID:    "monitor",
		Action:     event.MonitorHealth,
		EntityKind: domain.KindMonitor,
		EntityID:   "sweeper",
		Attributes: map[string]any{
			"breaches":       len(report.Breaches),
			"drift":          len(report.Drift),
			"failed_objects": len(report.FailedObjects),
		},
		IdempotencyToken: fmt.Sprintf("monitor.health.%s", report.SweptAt),
	}); err != nil {
		return report, err
	}
	return report, nil
}

// sweepSLA checks every open work item against the tier limits for its
// severity. A breach past the critical multiplier escalates.
func (m Monitor) sweepSLA(ctx context.Context) ([]domain.SLABreach, error) {
	if m.Config == nil || len(m.Config.SLA.Tiers) == 0 {
		return nil, nil
	}
	ids, err := m.Store.EntityIDs(ctx, domain.KindWorkItem)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []domain.SLABreach
	for _, id := range ids {
		w, err := m.Projections.WorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Status == domain.StatusDone || w.Status == domain.StatusCancelled {
			continue
		}
		tier, ok := m.Config.SLA.Tiers[w.Severity]
		if !ok {
			continue
		}
		if b := checkLimit(w, "status_duration", ageSeconds(w.StatusSince, now), tier.MaxStatusSeconds, tier.CriticalMultiplier); b != nil {
			if err := m.recordBreach(ctx, *b); err != nil {
				return nil, err
			}
			out = append(out, *b)
		}
		if b := checkLimit(w, "total_age", ageSeconds(w.CreatedAt, now), tier.MaxAgeSeconds, tier.CriticalMultiplier); b != nil {
			if err := m.recordBreach(ctx, *b); err != nil {
				return nil, err
			}
			out = append(out, *b)
		}
	}
	return out, nil
}

func ageSeconds(since string, now time.Time) int64 {
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return 0
	}
	return int64(now.Sub(t) / time.Second)
}

func checkLimit(w domain.WorkItem, kind string, age, limit int64, multiplier float64) *domain.SLABreach {
	if limit <= 0 || age <= limit {
		return nil
	}
	escalated := multiplier >= 1 && float64(age) > float64(limit)*multiplier
	return &domain.SLABreach{
		WorkItemID: w.ID,
		Severity:   w.Severity,
		Kind:       kind,
		AgeSeconds: age,
		Escalated:  escalated,
	}
}

// recordBreach appends the breach, and the escalation once the breach
// crosses the critical line. The tokens are derived from the item and
// breach kind so each finding lands exactly once across sweeps.
func (m Monitor) recordBreach(ctx context.Context, b domain.SLABreach) error {
	if _, _, err := m.Store.Append(ctx, event.Record{
		ActorID:    "monitor",
		Action:     event.SLABreached,
		EntityKind: domain.KindWorkItem,
		EntityID:   b.WorkItemID,
		Attributes: map[string]any{
			"kind":        b.Kind,
			"severity":    b.Severity,
			"age_seconds": b.AgeSeconds,
		},
		IdempotencyToken: fmt.Sprintf("sla.breach.%s.%s", b.WorkItemID, b.Kind),
	}); err != nil {
		return err
	}
	if !b.Escalated {
		return nil
	}
	_, _, err := m.Store.Append(ctx, event.Record{
		ActorID:    "monitor",
		Action:     event.SLAEscalated,
		EntityKind: domain.KindWorkItem,
		EntityID:   b.WorkItemID,
		Attributes: map[string]any{
			"kind":        b.Kind,
			"severity":    b.Severity,
			"age_seconds": b.AgeSeconds,
		},
		IdempotencyToken: fmt.Sprintf("sla.escalate.%s.%s", b.WorkItemID, b.Kind),
	})
	return err
}

// sweepDrift records a compliance violation for every governed object
// whose live form no longer matches its declared one.
func (m Monitor) sweepDrift(ctx context.Context) ([]domain.DriftEntry, error) {
	drift, err := m.Pipeline.Drift(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range drift {
		state := entry.LiveHash
		switch {
		case entry.Missing:
			state = "missing"
		case entry.Unmanaged:
			state = "unmanaged." + entry.LiveHash
		}
		if _, _, err := m.Store.Append(ctx, event.Record{
			ActorID:    "monitor",
			Action:     event.ComplianceViolation,
			EntityKind: domain.KindSchemaObject,
			EntityID:   entry.Name,
			Attributes: map[string]any{
				"check":         "drift",
				"declared_hash": entry.DeclaredHash,
				"live_hash":     entry.LiveHash,
				"missing":       entry.Missing,
				"unmanaged":     entry.Unmanaged,
			},
			IdempotencyToken: fmt.Sprintf("compliance.drift.%s.%s", entry.Name, state),
		}); err != nil {
			return nil, err
		}
	}
	return drift, nil
}

// sweepFailures flags objects whose failure count exhausted the retry
// budget.
func (m Monitor) sweepFailures(ctx context.Context) ([]string, error) {
	budget := 3
	if m.Config != nil && m.Config.SLA.FailureRetryBudget > 0 {
		budget = m.Config.SLA.FailureRetryBudget
	}
	ids, err := m.Store.EntityIDs(ctx, domain.KindSchemaObject)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		obj, err := m.Projections.SchemaObject(ctx, id)
		if err != nil {
			return nil, err
		}
		if obj.FailureCount < budget {
			continue
		}
		if _, _, err := m.Store.Append(ctx, event.Record{
			ActorID:    "monitor",
			Action:     event.ComplianceViolation,
			EntityKind: domain.KindSchemaObject,
			EntityID:   id,
			Attributes: map[string]any{
				"check":         "failure_budget",
				"failure_count": obj.FailureCount,
				"budget":        budget,
			},
			IdempotencyToken: fmt.Sprintf("compliance.failures.%s.%d", id, obj.FailureCount),
		}); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
