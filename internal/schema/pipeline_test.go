package schema_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/migrate"
	"coordline/internal/schema"
)

type testEnv struct {
	DB       *sql.DB
	Pipeline schema.Pipeline
	Exec     schema.SQLiteExecutor
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Default("local")
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Namespace: cfg.Governance.Namespace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	eng := engine.New(conn, cfg)
	exec := schema.SQLiteExecutor{DB: conn, Namespace: cfg.Governance.Namespace}
	return testEnv{
		DB:       conn,
		Pipeline: schema.NewPipeline(eng.Store, eng.Projections, exec, cfg),
		Exec:     exec,
		Ctx:      context.Background(),
	}
}

func (env testEnv) apply(t *testing.T, definition, token string) schema.ApplyResult {
	t.Helper()
	res, err := env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       definition,
		IdempotencyToken: token,
	})
	if err != nil {
		t.Fatalf("apply %q: %v", definition, err)
	}
	return res
}

func TestApplyDeploysAndVersions(t *testing.T) {
	env := newTestEnv(t)
	res := env.apply(t, "CREATE TABLE governed.accounts (id INTEGER)", "c1")
	if res.Outcome != schema.OutcomeDeployed || res.Replayed {
		t.Fatalf("first apply outcome: %+v", res)
	}
	obj := res.Object
	if obj.Status != "active" || obj.Version != "1.0.0" || obj.Name != "governed.accounts" {
		t.Fatalf("deployed object wrong: %+v", obj)
	}
	if obj.CanonicalHash == "" || obj.InputHash == "" {
		t.Fatalf("hashes not recorded: %+v", obj)
	}

	res = env.apply(t, "CREATE TABLE governed.accounts (id INTEGER, active INTEGER)", "c2")
	if res.Object.Version != "1.0.1" {
		t.Fatalf("changed definition should bump the patch version, got %s", res.Object.Version)
	}
	var n int
	if err := env.DB.QueryRow(`SELECT COUNT(*) FROM governed.accounts`).Scan(&n); err != nil {
		t.Fatalf("deployed table not live: %v", err)
	}
}

func TestApplyUnchangedShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE VIEW governed.ones AS SELECT 1 AS n", "c1")
	// Same definition modulo whitespace must not redeploy or reversion.
	res := env.apply(t, "CREATE VIEW\n  governed.ones  AS SELECT 1 AS n", "c2")
	if res.Outcome != schema.OutcomeUnchanged {
		t.Fatalf("outcome = %s, want unchanged", res.Outcome)
	}
	if res.Object.Version != "1.0.0" {
		t.Fatalf("version moved on an unchanged submission: %s", res.Object.Version)
	}
}

func TestApplyReplaysOriginalOutcome(t *testing.T) {
	env := newTestEnv(t)
	first := env.apply(t, "CREATE TABLE governed.pets (id INTEGER)", "cmd-1")
	env.apply(t, "CREATE TABLE governed.pets (id INTEGER, name TEXT)", "cmd-2")
	// Retrying the first command replays its outcome, not current state.
	again := env.apply(t, "CREATE TABLE governed.pets (id INTEGER)", "cmd-1")
	if !again.Replayed {
		t.Fatal("retry with the same token must replay")
	}
	if again.Object.Version != first.Object.Version || again.Object.CanonicalHash != first.Object.CanonicalHash {
		t.Fatalf("replay leaked later state: %+v", again.Object)
	}
}

func TestAlterAddsColumnThroughPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE TABLE governed.accounts (id INTEGER)", "c1")
	res, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID:          "dba",
		Statement:        "ALTER TABLE governed.accounts ADD COLUMN email TEXT",
		IdempotencyToken: "a1",
	})
	if err != nil {
		t.Fatalf("alter: %v", err)
	}
	if res.Outcome != schema.OutcomeDeployed || res.Object.Version != "1.0.1" {
		t.Fatalf("alter should redeploy with a version bump: %+v", res)
	}
	if _, err := env.DB.Exec(`INSERT INTO governed.accounts (id, email) VALUES (1, 'a@example.com')`); err != nil {
		t.Fatalf("new column not live: %v", err)
	}
	again, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID:          "dba",
		Statement:        "ALTER TABLE governed.accounts ADD COLUMN email TEXT",
		IdempotencyToken: "a1",
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !again.Replayed || again.Object.Version != res.Object.Version {
		t.Fatalf("retry must replay the original deployment: %+v", again)
	}
}

func TestAlterRejectsUnsupportedStatements(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE TABLE governed.accounts (id INTEGER)", "c1")
	var verr domain.ValidationError
	if _, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID: "dba", Statement: "ALTER TABLE governed.accounts DROP COLUMN id",
	}); !errors.As(err, &verr) {
		t.Fatalf("drop column should be rejected, got %v", err)
	}
	if _, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID: "dba", Statement: "ALTER VIEW governed.v ADD COLUMN x TEXT",
	}); !errors.As(err, &verr) {
		t.Fatalf("non-table alter should be rejected, got %v", err)
	}
	var serr domain.ScopeViolationError
	if _, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID: "dba", Statement: "ALTER TABLE main.accounts ADD COLUMN email TEXT", IdempotencyToken: "a-scope",
	}); !errors.As(err, &serr) {
		t.Fatalf("foreign namespace should violate scope, got %v", err)
	}
	if _, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID: "dba", Statement: "ALTER TABLE governed.missing ADD COLUMN email TEXT",
	}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown table should be not found, got %v", err)
	}
}

func TestAlterRunsGatingTests(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE TABLE governed.accounts (id INTEGER, name TEXT)", "c1")
	if _, _, err := env.Pipeline.RegisterTest(env.Ctx, schema.RegisterTestOptions{
		Name:    "governed.accounts",
		Test:    "SELECT COUNT(name) >= 0 FROM governed.accounts",
		ActorID: "dba",
	}); err != nil {
		t.Fatalf("register test: %v", err)
	}
	res, err := env.Pipeline.Alter(env.Ctx, schema.AlterOptions{
		ActorID:   "dba",
		Statement: "ALTER TABLE governed.accounts ADD COLUMN email TEXT",
	})
	if err != nil {
		t.Fatalf("alter under a passing gate: %v", err)
	}
	if res.Object.Version != "1.0.1" || len(res.Object.Tests) != 1 {
		t.Fatalf("gated alter should deploy and keep its tests: %+v", res.Object)
	}
}

func TestScopeViolationRecordedAndReplayed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       "CREATE TABLE users (id INTEGER)",
		IdempotencyToken: "cmd-1",
	})
	var sv domain.ScopeViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("expected scope violation, got %v", err)
	}
	if sv.Target != "users" || sv.Namespace != "governed" {
		t.Fatalf("violation detail wrong: %+v", sv)
	}
	// Same token reproduces the recorded refusal.
	_, err = env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       "CREATE TABLE users (id INTEGER)",
		IdempotencyToken: "cmd-1",
	})
	if !errors.As(err, &sv) {
		t.Fatalf("replayed outcome should be the violation, got %v", err)
	}
}

func TestExpectedHashMismatch(t *testing.T) {
	env := newTestEnv(t)
	res := env.apply(t, "CREATE TABLE governed.accounts (id INTEGER)", "c1")
	_, err := env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:      "dba",
		Definition:   "CREATE TABLE governed.accounts (id INTEGER, extra TEXT)",
		ExpectedHash: "deadbeef",
	})
	var hc domain.HashConflictError
	if !errors.As(err, &hc) {
		t.Fatalf("expected hash conflict, got %v", err)
	}
	if hc.ActualHash != res.Object.CanonicalHash {
		t.Fatalf("conflict should carry the current hash: %+v", hc)
	}
	// The correct hash lets the change through.
	if _, err := env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:      "dba",
		Definition:   "CREATE TABLE governed.accounts (id INTEGER, extra TEXT)",
		ExpectedHash: res.Object.CanonicalHash,
	}); err != nil {
		t.Fatalf("apply with matching hash: %v", err)
	}
}

func TestApplyFailureRecorded(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       "CREATE INDEX governed.idx_missing ON missing_table(name)",
		IdempotencyToken: "cmd-1",
	})
	var ee domain.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected execution error, got %v", err)
	}
	_, err = env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       "CREATE INDEX governed.idx_missing ON missing_table(name)",
		IdempotencyToken: "cmd-1",
	})
	if !errors.As(err, &ee) {
		t.Fatalf("retry should replay the recorded failure, got %v", err)
	}
}

func TestTestGateRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE TABLE governed.accounts (id INTEGER, active INTEGER)", "c1")
	v1 := "CREATE VIEW governed.active_accounts AS SELECT id FROM governed.accounts WHERE active = 1"
	env.apply(t, v1, "c2")
	if _, _, err := env.Pipeline.RegisterTest(env.Ctx, schema.RegisterTestOptions{
		Name:    "governed.active_accounts",
		Test:    "SELECT COUNT(id) >= 0 FROM governed.active_accounts",
		ActorID: "dba",
	}); err != nil {
		t.Fatalf("register test: %v", err)
	}

	// The new version renames the column the registered test selects,
	// so the gate fails and the prior version must come back.
	v2 := "CREATE VIEW governed.active_accounts AS SELECT id AS account_id FROM governed.accounts WHERE active = 1"
	_, err := env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       v2,
		IdempotencyToken: "cmd-bad",
	})
	var tf domain.TestFailureError
	if !errors.As(err, &tf) {
		t.Fatalf("expected test failure, got %v", err)
	}
	if !tf.RolledBack {
		t.Fatalf("failure should report the rollback: %+v", tf)
	}

	obj, err := env.Pipeline.Projections.SchemaObject(env.Ctx, "governed.active_accounts")
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	if obj.Status != "active" || obj.Version != "1.0.0" {
		t.Fatalf("rollback should restore the prior record: %+v", obj)
	}
	if obj.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", obj.FailureCount)
	}
	d, _ := schema.Parse(v1)
	canonical, err := env.Exec.Canonical(env.Ctx, d)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if schema.Hash(canonical) != obj.CanonicalHash {
		t.Fatal("live system should hold the restored definition")
	}

	_, err = env.Pipeline.ApplyChange(env.Ctx, schema.ApplyOptions{
		ActorID:          "dba",
		Definition:       v2,
		IdempotencyToken: "cmd-bad",
	})
	if !errors.As(err, &tf) {
		t.Fatalf("retry should replay the failure, got %v", err)
	}
}

func TestSoftDropAndRecover(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE VIEW governed.ones AS SELECT 1 AS n", "c1")
	obj, replayed, err := env.Pipeline.SoftDrop(env.Ctx, schema.DropOptions{
		Name: "governed.ones", ActorID: "dba", Reason: "unused",
	})
	if err != nil || replayed {
		t.Fatalf("soft drop: %v replayed=%v", err, replayed)
	}
	if obj.Status != "retired" || !obj.Recoverable || obj.Definition == "" {
		t.Fatalf("retired object should keep its definition: %+v", obj)
	}
	d, _ := schema.Parse(obj.Definition)
	if canonical, _ := env.Exec.Canonical(env.Ctx, d); canonical != "" {
		t.Fatalf("retired object still live: %q", canonical)
	}

	res, err := env.Pipeline.Recover(env.Ctx, schema.RecoverOptions{Name: "governed.ones", ActorID: "dba"})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if res.Object.Status != "active" || res.Object.Version != "1.0.1" {
		t.Fatalf("recovered object wrong: %+v", res.Object)
	}
	if canonical, _ := env.Exec.Canonical(env.Ctx, d); canonical == "" {
		t.Fatal("recover should re-execute the definition")
	}
}

func TestRecoverUnderNewName(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE VIEW governed.legacy AS SELECT 2 AS n", "c1")
	if _, _, err := env.Pipeline.SoftDrop(env.Ctx, schema.DropOptions{
		Name: "governed.legacy", ActorID: "dba",
	}); err != nil {
		t.Fatalf("soft drop: %v", err)
	}
	res, err := env.Pipeline.Recover(env.Ctx, schema.RecoverOptions{
		Name: "governed.legacy", NewName: "modern", ActorID: "dba",
	})
	if err != nil {
		t.Fatalf("recover rename: %v", err)
	}
	if res.Object.Name != "governed.modern" || res.Object.Version != "1.0.0" {
		t.Fatalf("renamed recovery is a fresh object: %+v", res.Object)
	}
	original, err := env.Pipeline.Projections.SchemaObject(env.Ctx, "governed.legacy")
	if err != nil {
		t.Fatalf("original projection: %v", err)
	}
	if original.Status != "retired" {
		t.Fatalf("original should stay retired, got %s", original.Status)
	}
}

func TestHardDropIsFinal(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE TABLE governed.tmp (id INTEGER)", "c1")
	obj, _, err := env.Pipeline.HardDrop(env.Ctx, schema.DropOptions{Name: "governed.tmp", ActorID: "dba"})
	if err != nil {
		t.Fatalf("hard drop: %v", err)
	}
	if obj.Status != "dropped" || obj.Recoverable {
		t.Fatalf("hard drop must be final: %+v", obj)
	}
	if _, err := env.Pipeline.Recover(env.Ctx, schema.RecoverOptions{Name: "governed.tmp", ActorID: "dba"}); err == nil {
		t.Fatal("recovering a hard-dropped object should fail")
	}
	if _, _, err := env.Pipeline.RegisterTest(env.Ctx, schema.RegisterTestOptions{
		Name: "governed.tmp", Test: "SELECT 1", ActorID: "dba",
	}); err == nil {
		t.Fatal("registering a test on a dropped object should fail")
	}
}

func TestDriftDetection(t *testing.T) {
	env := newTestEnv(t)
	env.apply(t, "CREATE TABLE governed.accounts (id INTEGER)", "c1")
	env.apply(t, "CREATE TABLE governed.gone (id INTEGER)", "c2")

	// Out-of-band edits the pipeline never saw.
	if _, err := env.DB.Exec(`DROP TABLE governed.gone`); err != nil {
		t.Fatalf("drop out of band: %v", err)
	}
	if _, err := env.DB.Exec(`DROP TABLE governed.accounts`); err != nil {
		t.Fatalf("drop out of band: %v", err)
	}
	if _, err := env.DB.Exec(`CREATE TABLE governed.accounts (id INTEGER, sneaky TEXT)`); err != nil {
		t.Fatalf("recreate out of band: %v", err)
	}
	if _, err := env.DB.Exec(`CREATE TABLE governed.rogue (id INTEGER)`); err != nil {
		t.Fatalf("create out of band: %v", err)
	}

	entries, err := env.Pipeline.Drift(env.Ctx)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	byName := map[string]domain.DriftEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 drift entries, got %+v", entries)
	}
	if e := byName["governed.gone"]; !e.Missing {
		t.Fatalf("dropped object should report missing: %+v", e)
	}
	if e := byName["governed.accounts"]; e.Missing || e.Unmanaged || e.LiveHash == "" || e.LiveHash == e.DeclaredHash {
		t.Fatalf("tampered object should report a hash mismatch: %+v", e)
	}
	if e := byName["governed.rogue"]; !e.Unmanaged {
		t.Fatalf("undeclared live object should report unmanaged: %+v", e)
	}
}
