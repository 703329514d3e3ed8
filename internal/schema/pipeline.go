package schema

import (
	"context"
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

// Pipeline governs definition changes: parse, scope check, execute
// against the live system, read back the canonical form, and only then
// record. Failures are recorded too, so the log explains every outcome.
type Pipeline struct {
	Store       event.Store
	Projections *projection.Builder
	Exec        Executor
	Config      *config.Config
	Now         func() time.Time
}

func NewPipeline(store event.Store, proj *projection.Builder, exec Executor, cfg *config.Config) Pipeline {
	return Pipeline{Store: store, Projections: proj, Exec: exec, Config: cfg, Now: time.Now}
}

func (p Pipeline) namespace() string {
	if p.Config != nil && p.Config.Governance.Namespace != "" {
		return p.Config.Governance.Namespace
	}
	return "governed"
}

// ApplyOptions carries one change submission.
type ApplyOptions struct {
	ActorID    string
	Definition string
	Reason     string
	// ExpectedHash, when set, requires the current canonical hash to
	// match before anything executes.
	ExpectedHash string
	// ExpectedVersion, when set, pins the append to that version token.
	// Nil uses the current token, which still serializes racing writers.
	ExpectedVersion  *int64
	IdempotencyToken string
}

// Outcomes of a change submission.
const (
	OutcomeDeployed  = "deployed"
	OutcomeUnchanged = "unchanged"
)

// ApplyResult is the settled state after a change submission.
type ApplyResult struct {
	Object   domain.SchemaObject `json:"object"`
	Outcome  string              `json:"outcome" enum:"deployed,unchanged"`
	Replayed bool                `json:"replayed"`
}

// ApplyChange runs the full governance pipeline for one submission.
// The change is executed before it is recorded; a change that cannot
// execute never gets a version. Registered tests gate the record: a
// failing test rolls the live system back to the prior definition.
// Retrying with the same idempotency token replays the original
// outcome, success or failure, without touching the live system.
func (p Pipeline) ApplyChange(ctx context.Context, opts ApplyOptions) (ApplyResult, error) {
	token := tokenOr(opts.IdempotencyToken)
	if prior, err := p.Store.ByToken(ctx, token); err == nil {
		return p.replay(ctx, prior)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return ApplyResult{}, err
	}

	d, err := Parse(opts.Definition)
	if err != nil {
		return ApplyResult{}, err
	}
	if d.Namespace != p.namespace() {
		verr := domain.ScopeViolationError{Target: d.QualifiedName(), Namespace: p.namespace()}
		_, _, aerr := p.Store.Append(ctx, event.Record{
			ActorID:    opts.ActorID,
			Action:     event.SchemaScopeViolation,
			EntityKind: domain.KindSchemaObject,
			EntityID:   d.Identity(),
			Attributes: map[string]any{
				"target":    d.QualifiedName(),
				"namespace": p.namespace(),
			},
			IdempotencyToken: token,
		})
		if aerr != nil {
			return ApplyResult{}, aerr
		}
		return ApplyResult{}, verr
	}

	current, exists, err := p.current(ctx, d.Identity())
	if err != nil {
		return ApplyResult{}, err
	}
	if opts.ExpectedHash != "" && current.CanonicalHash != opts.ExpectedHash {
		return ApplyResult{}, domain.HashConflictError{
			Name:         d.Identity(),
			ExpectedHash: opts.ExpectedHash,
			ActualHash:   current.CanonicalHash,
		}
	}
	expected, err := p.expectedVersion(ctx, d.Identity(), opts.ExpectedVersion)
	if err != nil {
		return ApplyResult{}, err
	}

	inputHash := Hash(Normalize(d.Text))
	if exists && current.Status == "active" && current.InputHash == inputHash {
		return p.recordUnchanged(ctx, opts.ActorID, d, token, expected, "input")
	}

	if err := p.Exec.Replace(ctx, d); err != nil {
		_, _, aerr := p.Store.Append(ctx, event.Record{
			ActorID:    opts.ActorID,
			Action:     event.SchemaApplyFailed,
			EntityKind: domain.KindSchemaObject,
			EntityID:   d.Identity(),
			Attributes: map[string]any{
				"definition": d.Text,
				"error":      err.Error(),
			},
			IdempotencyToken: token,
		})
		if aerr != nil {
			return ApplyResult{}, aerr
		}
		return ApplyResult{}, domain.ExecutionError{Name: d.Identity(), Cause: err}
	}

	canonical, err := p.Exec.Canonical(ctx, d)
	if err != nil {
		return ApplyResult{}, err
	}
	canonicalHash := Hash(canonical)
	if exists && current.Status == "active" && current.CanonicalHash == canonicalHash {
		return p.recordUnchanged(ctx, opts.ActorID, d, token, expected, "canonical")
	}

	if exists {
		if failed, err := p.runTests(ctx, opts.ActorID, d, current, token, expected); failed != nil || err != nil {
			if err != nil {
				return ApplyResult{}, err
			}
			return ApplyResult{}, *failed
		}
	}

	version := "1.0.0"
	if current.Version != "" {
		version = BumpPatch(current.Version)
	}
	evt, replayed, err := p.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.SchemaDeployed,
		EntityKind: domain.KindSchemaObject,
		EntityID:   d.Identity(),
		Attributes: map[string]any{
			"name":           d.QualifiedName(),
			"signature":      d.Signature,
			"kind":           d.Kind,
			"definition":     d.Text,
			"canonical_hash": canonicalHash,
			"input_hash":     inputHash,
			"version":        version,
			"reason":         opts.Reason,
		},
		IdempotencyToken: token,
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if replayed {
		return p.replay(ctx, evt)
	}
	if _, _, err := p.Store.Append(ctx, event.Record{
		ActorID:          opts.ActorID,
		Action:           event.SchemaDeployComplete,
		EntityKind:       domain.KindSchemaObject,
		EntityID:         d.Identity(),
		Attributes:       map[string]any{"version": version},
		IdempotencyToken: token + ".deploy",
		ExpectedVersion:  &evt.ID,
	}); err != nil {
		return ApplyResult{}, err
	}
	obj, err := p.Projections.SchemaObject(ctx, d.Identity())
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Object: obj, Outcome: OutcomeDeployed}, nil
}

// runTests runs every registered test against the freshly executed
// definition. The first failure rolls the live system back to the prior
// definition and records both facts; the returned TestFailureError is
// the command's terminal outcome.
func (p Pipeline) runTests(ctx context.Context, actorID string, d Definition, prior domain.SchemaObject, token string, expected int64) (*domain.TestFailureError, error) {
	for _, test := range prior.Tests {
		terr := p.Exec.RunTest(ctx, test)
		if terr == nil {
			continue
		}
		rolledBack := false
		if prior.Definition != "" {
			if pd, perr := Parse(prior.Definition); perr == nil {
				rolledBack = p.Exec.Replace(ctx, pd) == nil
			}
		} else if derr := p.Exec.Drop(ctx, d); derr == nil {
			rolledBack = true
		}
		evt, _, aerr := p.Store.Append(ctx, event.Record{
			ActorID:    actorID,
			Action:     event.SchemaTestsFailed,
			EntityKind: domain.KindSchemaObject,
			EntityID:   d.Identity(),
			Attributes: map[string]any{
				"test":        test,
				"error":       terr.Error(),
				"rolled_back": rolledBack,
			},
			IdempotencyToken: token,
			ExpectedVersion:  &expected,
		})
		if aerr != nil {
			return nil, aerr
		}
		if rolledBack {
			if _, _, aerr := p.Store.Append(ctx, event.Record{
				ActorID:    actorID,
				Action:     event.SchemaRolledBack,
				EntityKind: domain.KindSchemaObject,
				EntityID:   d.Identity(),
				Attributes: map[string]any{
					"definition":     prior.Definition,
					"canonical_hash": prior.CanonicalHash,
					"version":        prior.Version,
				},
				IdempotencyToken: token + ".rollback",
				ExpectedVersion:  &evt.ID,
			}); aerr != nil {
				return nil, aerr
			}
		}
		return &domain.TestFailureError{
			Name:       d.Identity(),
			Test:       test,
			Cause:      terr,
			RolledBack: rolledBack,
		}, nil
	}
	return nil, nil
}

func (p Pipeline) recordUnchanged(ctx context.Context, actorID string, d Definition, token string, expected int64, basis string) (ApplyResult, error) {
	evt, replayed, err := p.Store.Append(ctx, event.Record{
		ActorID:    actorID,
		Action:     event.SchemaUnchanged,
		EntityKind: domain.KindSchemaObject,
		EntityID:   d.Identity(),
		Attributes: map[string]any{
			"basis": basis,
		},
		IdempotencyToken: token,
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if replayed {
		return p.replay(ctx, evt)
	}
	obj, err := p.Projections.SchemaObject(ctx, d.Identity())
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Object: obj, Outcome: OutcomeUnchanged}, nil
}

// replay reconstructs a command's original outcome from the event its
// token produced, including failure outcomes. The fold stops at that
// event so later changes never leak into the replayed response.
func (p Pipeline) replay(ctx context.Context, evt domain.Event) (ApplyResult, error) {
	attrs := event.Attrs(evt)
	switch event.Action(evt.Action) {
	case event.SchemaScopeViolation:
		return ApplyResult{}, domain.ScopeViolationError{
			Target:    stringAttr(attrs, "target"),
			Namespace: stringAttr(attrs, "namespace"),
		}
	case event.SchemaApplyFailed:
		return ApplyResult{}, domain.ExecutionError{
			Name:  evt.EntityID,
			Cause: errors.New(stringAttr(attrs, "error")),
		}
	case event.SchemaTestsFailed:
		return ApplyResult{}, domain.TestFailureError{
			Name:       evt.EntityID,
			Test:       stringAttr(attrs, "test"),
			Cause:      errors.New(stringAttr(attrs, "error")),
			RolledBack: boolAttr(attrs, "rolled_back"),
		}
	}
	obj, err := p.objectAt(ctx, evt.EntityID, evt.ID)
	if err != nil {
		return ApplyResult{}, err
	}
	outcome := OutcomeDeployed
	if event.Action(evt.Action) == event.SchemaUnchanged {
		outcome = OutcomeUnchanged
	}
	return ApplyResult{Object: obj, Outcome: outcome, Replayed: true}, nil
}

// AlterOptions carries one ALTER TABLE submission.
type AlterOptions struct {
	ActorID          string
	Statement        string
	Reason           string
	ExpectedHash     string
	ExpectedVersion  *int64
	IdempotencyToken string
}

// Alter folds an ALTER TABLE ... ADD COLUMN into the governed
// definition and redeploys the table through the full pipeline: the
// altered table gets a new version and its registered tests still gate
// the change. The submitted statement itself never executes.
func (p Pipeline) Alter(ctx context.Context, opts AlterOptions) (ApplyResult, error) {
	token := tokenOr(opts.IdempotencyToken)
	if prior, err := p.Store.ByToken(ctx, token); err == nil {
		return p.replay(ctx, prior)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return ApplyResult{}, err
	}
	a, err := ParseAlter(opts.Statement)
	if err != nil {
		return ApplyResult{}, err
	}
	if a.Namespace != p.namespace() {
		verr := domain.ScopeViolationError{Target: a.QualifiedName(), Namespace: p.namespace()}
		_, _, aerr := p.Store.Append(ctx, event.Record{
			ActorID:    opts.ActorID,
			Action:     event.SchemaScopeViolation,
			EntityKind: domain.KindSchemaObject,
			EntityID:   a.QualifiedName(),
			Attributes: map[string]any{
				"target":    a.QualifiedName(),
				"namespace": p.namespace(),
			},
			IdempotencyToken: token,
		})
		if aerr != nil {
			return ApplyResult{}, aerr
		}
		return ApplyResult{}, verr
	}
	obj, exists, err := p.current(ctx, a.QualifiedName())
	if err != nil {
		return ApplyResult{}, err
	}
	if !exists {
		return ApplyResult{}, domain.ErrNotFound
	}
	if obj.Status != "active" {
		return ApplyResult{}, domain.ValidationError{Field: "statement", Reason: fmt.Sprintf("object is %s, not active", obj.Status)}
	}
	if obj.Kind != "table" {
		return ApplyResult{}, domain.ValidationError{Field: "statement", Reason: fmt.Sprintf("%s is a %s, only tables take columns", a.QualifiedName(), obj.Kind)}
	}
	altered, err := withColumn(obj.Definition, a.Column)
	if err != nil {
		return ApplyResult{}, err
	}
	return p.ApplyChange(ctx, ApplyOptions{
		ActorID:          opts.ActorID,
		Definition:       altered,
		Reason:           opts.Reason,
		ExpectedHash:     opts.ExpectedHash,
		ExpectedVersion:  opts.ExpectedVersion,
		IdempotencyToken: token,
	})
}

// withColumn splices one more column into the definition's column list.
func withColumn(definition, column string) (string, error) {
	i := strings.LastIndex(definition, ")")
	if i < 0 {
		return "", domain.ValidationError{Field: "statement", Reason: "current definition has no column list"}
	}
	return definition[:i] + ", " + column + definition[i:], nil
}

// RegisterTestOptions names one test to attach to a governed object.
type RegisterTestOptions struct {
	Name             string
	Test             string
	ActorID          string
	ExpectedVersion  *int64
	IdempotencyToken string
}

// RegisterTest attaches a test to an object. Tests run on every later
// change to that object and gate its deployment.
func (p Pipeline) RegisterTest(ctx context.Context, opts RegisterTestOptions) (domain.SchemaObject, bool, error) {
	if strings.TrimSpace(opts.Test) == "" {
		return domain.SchemaObject{}, false, domain.ValidationError{Field: "test", Reason: "required"}
	}
	obj, err := p.Projections.SchemaObject(ctx, opts.Name)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	if obj.Status == "dropped" {
		return domain.SchemaObject{}, false, domain.ValidationError{Field: "name", Reason: "object is dropped"}
	}
	expected, err := p.expectedVersion(ctx, opts.Name, opts.ExpectedVersion)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	evt, replayed, err := p.Store.Append(ctx, event.Record{
		ActorID:          opts.ActorID,
		Action:           event.SchemaTestRegistered,
		EntityKind:       domain.KindSchemaObject,
		EntityID:         opts.Name,
		Attributes:       map[string]any{"test": opts.Test},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	obj, err = p.objectAt(ctx, opts.Name, evt.ID)
	return obj, replayed, err
}

// DropOptions targets a governed object for retirement or removal.
type DropOptions struct {
	Name             string
	ActorID          string
	Reason           string
	ExpectedVersion  *int64
	IdempotencyToken string
}

// SoftDrop retires an object: it leaves the live system but its full
// definition is archived on the event, so Recover can bring it back.
func (p Pipeline) SoftDrop(ctx context.Context, opts DropOptions) (domain.SchemaObject, bool, error) {
	obj, err := p.Projections.SchemaObject(ctx, opts.Name)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	if obj.Status != "active" {
		return domain.SchemaObject{}, false, domain.ValidationError{Field: "name", Reason: fmt.Sprintf("object is %s, not active", obj.Status)}
	}
	expected, err := p.expectedVersion(ctx, opts.Name, opts.ExpectedVersion)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	d, err := Parse(obj.Definition)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	if err := p.Exec.Drop(ctx, d); err != nil {
		return domain.SchemaObject{}, false, domain.ExecutionError{Name: opts.Name, Cause: err}
	}
	evt, replayed, err := p.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.SchemaSoftDropped,
		EntityKind: domain.KindSchemaObject,
		EntityID:   opts.Name,
		Attributes: map[string]any{
			"definition":     obj.Definition,
			"canonical_hash": obj.CanonicalHash,
			"version":        obj.Version,
			"reason":         opts.Reason,
		},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	obj, err = p.objectAt(ctx, opts.Name, evt.ID)
	return obj, replayed, err
}

// HardDrop removes an object for good. A hard-dropped object cannot be
// recovered; its history stays in the log like everything else.
func (p Pipeline) HardDrop(ctx context.Context, opts DropOptions) (domain.SchemaObject, bool, error) {
	obj, err := p.Projections.SchemaObject(ctx, opts.Name)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	if obj.Status == "dropped" {
		return domain.SchemaObject{}, false, domain.ValidationError{Field: "name", Reason: "object already dropped"}
	}
	expected, err := p.expectedVersion(ctx, opts.Name, opts.ExpectedVersion)
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	if obj.Status == "active" {
		d, err := Parse(obj.Definition)
		if err != nil {
			return domain.SchemaObject{}, false, err
		}
		if err := p.Exec.Drop(ctx, d); err != nil {
			return domain.SchemaObject{}, false, domain.ExecutionError{Name: opts.Name, Cause: err}
		}
	}
	evt, replayed, err := p.Store.Append(ctx, event.Record{
		ActorID:          opts.ActorID,
		Action:           event.SchemaHardDropped,
		EntityKind:       domain.KindSchemaObject,
		EntityID:         opts.Name,
		Attributes:       map[string]any{"reason": opts.Reason},
		IdempotencyToken: tokenOr(opts.IdempotencyToken),
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	obj, err = p.objectAt(ctx, opts.Name, evt.ID)
	return obj, replayed, err
}

// RecoverOptions restores a retired object, optionally under a new name.
type RecoverOptions struct {
	Name             string
	NewName          string
	ActorID          string
	ExpectedVersion  *int64
	IdempotencyToken string
}

// Recover re-executes the archived definition of a retired object. With
// NewName set, the definition is renamed and deployed as a fresh object
// while the retired one stays retired.
func (p Pipeline) Recover(ctx context.Context, opts RecoverOptions) (ApplyResult, error) {
	obj, err := p.Projections.SchemaObject(ctx, opts.Name)
	if err != nil {
		return ApplyResult{}, err
	}
	if obj.Status != "retired" || !obj.Recoverable {
		return ApplyResult{}, domain.ValidationError{Field: "name", Reason: fmt.Sprintf("object is %s, not recoverable", obj.Status)}
	}
	d, err := Parse(obj.Definition)
	if err != nil {
		return ApplyResult{}, err
	}
	if opts.NewName != "" && opts.NewName != d.Name {
		renamed := strings.ReplaceAll(obj.Definition, d.Name, strings.ToLower(opts.NewName))
		return p.ApplyChange(ctx, ApplyOptions{
			ActorID:          opts.ActorID,
			Definition:       renamed,
			Reason:           "recovered from " + opts.Name,
			IdempotencyToken: opts.IdempotencyToken,
		})
	}
	token := tokenOr(opts.IdempotencyToken)
	if prior, err := p.Store.ByToken(ctx, token); err == nil {
		return p.replay(ctx, prior)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return ApplyResult{}, err
	}
	expected, err := p.expectedVersion(ctx, opts.Name, opts.ExpectedVersion)
	if err != nil {
		return ApplyResult{}, err
	}
	if err := p.Exec.Replace(ctx, d); err != nil {
		return ApplyResult{}, domain.ExecutionError{Name: opts.Name, Cause: err}
	}
	canonical, err := p.Exec.Canonical(ctx, d)
	if err != nil {
		return ApplyResult{}, err
	}
	evt, replayed, err := p.Store.Append(ctx, event.Record{
		ActorID:    opts.ActorID,
		Action:     event.SchemaRecovered,
		EntityKind: domain.KindSchemaObject,
		EntityID:   opts.Name,
		Attributes: map[string]any{
			"definition":     obj.Definition,
			"canonical_hash": Hash(canonical),
			"version":        BumpPatch(obj.Version),
		},
		IdempotencyToken: token,
		ExpectedVersion:  &expected,
	})
	if err != nil {
		return ApplyResult{}, err
	}
	if replayed {
		return p.replay(ctx, evt)
	}
	restored, err := p.objectAt(ctx, opts.Name, evt.ID)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Object: restored, Outcome: OutcomeDeployed}, nil
}

// Drift compares every active declared object against the live system:
// hash mismatches, declared-but-missing objects, and live objects with
// no declaration.
func (p Pipeline) Drift(ctx context.Context) ([]domain.DriftEntry, error) {
	ids, err := p.Store.EntityIDs(ctx, domain.KindSchemaObject)
	if err != nil {
		return nil, err
	}
	live, err := p.Exec.LiveObjects(ctx)
	if err != nil {
		return nil, err
	}
	liveByName := make(map[string]LiveObject, len(live))
	for _, o := range live {
		liveByName[strings.ToLower(o.Name)] = o
	}
	declared := map[string]bool{}
	var out []domain.DriftEntry
	for _, id := range ids {
		obj, err := p.Projections.SchemaObject(ctx, id)
		if err != nil {
			return nil, err
		}
		if obj.Status != "active" {
			continue
		}
		d, perr := Parse(obj.Definition)
		if perr != nil {
			continue
		}
		declared[d.Name] = true
		liveObj, ok := liveByName[d.Name]
		switch {
		case !ok:
			out = append(out, domain.DriftEntry{Name: id, DeclaredHash: obj.CanonicalHash, Missing: true})
		case liveObj.CanonicalHash != obj.CanonicalHash:
			out = append(out, domain.DriftEntry{Name: id, DeclaredHash: obj.CanonicalHash, LiveHash: liveObj.CanonicalHash})
		}
	}
	for _, o := range live {
		if !declared[strings.ToLower(o.Name)] {
			out = append(out, domain.DriftEntry{
				Name:      p.namespace() + "." + o.Name,
				LiveHash:  o.CanonicalHash,
				Unmanaged: true,
			})
		}
	}
	return out, nil
}

func (p Pipeline) current(ctx context.Context, identity string) (domain.SchemaObject, bool, error) {
	obj, err := p.Projections.SchemaObject(ctx, identity)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SchemaObject{}, false, nil
	}
	if err != nil {
		return domain.SchemaObject{}, false, err
	}
	return obj, true, nil
}

func (p Pipeline) expectedVersion(ctx context.Context, identity string, pinned *int64) (int64, error) {
	if pinned != nil {
		return *pinned, nil
	}
	return p.Store.VersionToken(ctx, domain.KindSchemaObject, identity)
}

// objectAt folds the object's events up to and including one event id.
func (p Pipeline) objectAt(ctx context.Context, identity string, eventID int64) (domain.SchemaObject, error) {
	events, err := p.Store.ListByEntity(ctx, domain.KindSchemaObject, identity)
	if err != nil {
		return domain.SchemaObject{}, err
	}
	trimmed := events[:0:0]
	for _, e := range events {
		if e.ID <= eventID {
			trimmed = append(trimmed, e)
		}
	}
	if len(trimmed) == 0 {
		return domain.SchemaObject{}, domain.ErrNotFound
	}
	return projection.FoldSchemaObject(trimmed), nil
}

func tokenOr(token string) string {
	if strings.TrimSpace(token) != "" {
		return token
	}
	return uuid.New().String()
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func boolAttr(attrs map[string]any, key string) bool {
	if v, ok := attrs[key].(bool); ok {
		return v
	}
	return false
}
