package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/migrate"
	"coordline/internal/scheduler"
)

type testEnv struct {
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	eng := engine.New(conn, config.Default("local"))
	return testEnv{Engine: eng, Scheduler: scheduler.New(eng), Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, opts engine.CreateOptions) engine.Result {
	t.Helper()
	if opts.Reporter == "" {
		opts.Reporter = "tester"
	}
	res, err := env.Engine.CreateWork(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create %q: %v", opts.Title, err)
	}
	return res
}

func (env testEnv) walkTo(t *testing.T, id, target string, res engine.Result) engine.Result {
	t.Helper()
	path := map[string][]string{
		domain.StatusDone: {domain.StatusReady, domain.StatusInProgress, domain.StatusDone},
	}[target]
	for _, status := range path {
		next, err := env.Engine.SetStatus(env.Ctx, engine.StatusOptions{
			WorkID: id, NewStatus: status, ExpectedVersion: res.Item.VersionToken, ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("walk %s to %s: %v", id, status, err)
		}
		res = next
	}
	return res
}

func TestClaimNextPrefersSkillAndPriority(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, engine.CreateOptions{Title: "Write onboarding docs", Severity: "p3"})
	parser := env.create(t, engine.CreateOptions{Title: "Fix parser bug", Severity: "p1"})

	item, err := env.Scheduler.ClaimNext(env.Ctx, "agent-1", domain.AssigneeAgent, []string{"parser"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item.ID != parser.Item.ID {
		t.Fatalf("claimed %q, want the parser item", item.Title)
	}
	if item.Status != domain.StatusInProgress {
		t.Fatalf("claimed item status = %s, want in_progress", item.Status)
	}
	if item.AssigneeID != "agent-1" || item.AssigneeKind != domain.AssigneeAgent {
		t.Fatalf("claimed item not assigned to the agent: %+v", item)
	}
	if item.ClaimedBy != "agent-1" {
		t.Fatalf("claim holder = %q, want agent-1", item.ClaimedBy)
	}
}

func TestClaimNextExhaustsQueue(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, engine.CreateOptions{Title: "Only item"})

	if _, err := env.Scheduler.ClaimNext(env.Ctx, "agent-1", domain.AssigneeAgent, nil); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Scheduler.ClaimNext(env.Ctx, "agent-2", domain.AssigneeAgent, nil)
	if !errors.Is(err, domain.ErrNoWork) {
		t.Fatalf("expected ErrNoWork for the second agent, got %v", err)
	}
}

func TestClaimNextGivesOneItemToOneAgent(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, engine.CreateOptions{Title: "Contested item"})

	const agents = 8
	type outcome struct {
		agent string
		err   error
	}
	results := make(chan outcome, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", n)
			_, err := env.Scheduler.ClaimNext(env.Ctx, agent, domain.AssigneeAgent, nil)
			results <- outcome{agent: agent, err: err}
		}(i)
	}
	wg.Wait()
	close(results)

	var winner string
	for out := range results {
		if out.err == nil {
			if winner != "" {
				t.Fatalf("both %s and %s claimed the item", winner, out.agent)
			}
			winner = out.agent
			continue
		}
		if !errors.Is(out.err, domain.ErrNoWork) {
			t.Fatalf("losing agent %s: %v", out.agent, out.err)
		}
	}
	if winner == "" {
		t.Fatal("no agent claimed the item")
	}
	current, err := env.Engine.Projections.WorkItem(env.Ctx, res.Item.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if current.AssigneeID != winner || current.ClaimedBy != winner {
		t.Fatalf("item held by %s/%s, want %s", current.AssigneeID, current.ClaimedBy, winner)
	}
	if current.Status != domain.StatusInProgress {
		t.Fatalf("claimed item status = %s, want in_progress", current.Status)
	}
}

func TestClaimNextRequiresAgent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Scheduler.ClaimNext(env.Ctx, "", domain.AssigneeAgent, nil)
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCandidatesSkipAssignedItems(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, engine.CreateOptions{Title: "Taken"})
	env.create(t, engine.CreateOptions{Title: "Free"})
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		WorkID:          res.Item.ID,
		AssigneeID:      "carol",
		AssigneeKind:    domain.AssigneeHuman,
		ExpectedVersion: res.Item.VersionToken,
		ActorID:         "carol",
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	cands, err := env.Scheduler.Candidates(env.Ctx, nil)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Item.Title != "Free" {
		t.Fatalf("assigned item must not be a candidate: %+v", cands)
	}
}

func TestCandidatesRespectLease(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, engine.CreateOptions{Title: "Leased"})
	if _, _, err := env.Engine.Claim(env.Ctx, res.Item.ID, "agent-1", res.Item.VersionToken, "claim-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	cands, err := env.Scheduler.Candidates(env.Ctx, nil)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("item under an active lease must not be offered: %+v", cands)
	}
	// Past the TTL the lease is dead and the item comes back.
	ttl := time.Duration(env.Engine.Config.Scheduler.LeaseTTLSeconds) * time.Second
	env.Scheduler.Now = func() time.Time { return time.Now().Add(ttl + time.Minute) }
	cands, err = env.Scheduler.Candidates(env.Ctx, nil)
	if err != nil {
		t.Fatalf("candidates after expiry: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expired lease should release the item: %+v", cands)
	}
}

func TestCandidatesGateOnDependencies(t *testing.T) {
	env := newTestEnv(t)
	dep := env.create(t, engine.CreateOptions{Title: "Foundation"})
	blocked := env.create(t, engine.CreateOptions{Title: "Follow-up"})
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{
		WorkID:          blocked.Item.ID,
		DependsOn:       dep.Item.ID,
		ExpectedVersion: blocked.Item.VersionToken,
		ActorID:         "tester",
	}); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	cands, err := env.Scheduler.Candidates(env.Ctx, nil)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Item.ID != dep.Item.ID {
		t.Fatalf("dependent item offered before its dependency is done: %+v", cands)
	}
	env.walkTo(t, dep.Item.ID, domain.StatusDone, dep)
	cands, err = env.Scheduler.Candidates(env.Ctx, nil)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Item.ID != blocked.Item.ID {
		t.Fatalf("completed dependency should unlock the dependent: %+v", cands)
	}
}

func TestSkillMatch(t *testing.T) {
	w := domain.WorkItem{Title: "Fix parser bug", Description: "the tokenizer drops input"}
	if got := scheduler.SkillMatch(w, []string{"parser"}); got != 3 {
		t.Fatalf("title keyword score = %d, want 3", got)
	}
	if got := scheduler.SkillMatch(w, []string{"tokenizer"}); got != 2 {
		t.Fatalf("description keyword score = %d, want 2", got)
	}
	if got := scheduler.SkillMatch(w, []string{"database"}); got != 1 {
		t.Fatalf("no-match score = %d, want 1", got)
	}
	if got := scheduler.SkillMatch(w, nil); got != 1 {
		t.Fatalf("no-capability score = %d, want 1", got)
	}
}
