package event_test

import (
	"context"
	"errors"
	"testing"

	"coordline/internal/db"
	"coordline/internal/domain"
	"coordline/internal/event"
	"coordline/internal/migrate"
)

func newStore(t *testing.T) event.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return event.Store{DB: conn}
}

func TestAppendAndReplay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	first, replayed, err := s.Append(ctx, event.Record{
		ActorID:          "tester",
		Action:           event.WorkCreated,
		EntityKind:       domain.KindWorkItem,
		EntityID:         "w-1",
		Attributes:       map[string]any{"title": "one"},
		IdempotencyToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if replayed || first.ID == 0 {
		t.Fatalf("expected fresh append, got replayed=%v id=%d", replayed, first.ID)
	}
	second, replayed, err := s.Append(ctx, event.Record{
		ActorID:          "tester",
		Action:           event.WorkCreated,
		EntityKind:       domain.KindWorkItem,
		EntityID:         "w-1",
		Attributes:       map[string]any{"title": "one"},
		IdempotencyToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if !replayed || second.ID != first.ID {
		t.Fatalf("expected replay of event %d, got replayed=%v id=%d", first.ID, replayed, second.ID)
	}
	n, err := s.CountByEntity(ctx, domain.KindWorkItem, "w-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected a single event after retry, got %d", n)
	}
}

func TestConditionalAppendConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	zero := int64(0)
	first, _, err := s.Append(ctx, event.Record{
		ActorID:          "tester",
		Action:           event.WorkCreated,
		EntityKind:       domain.KindWorkItem,
		EntityID:         "w-1",
		IdempotencyToken: "tok-1",
		ExpectedVersion:  &zero,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_, _, err = s.Append(ctx, event.Record{
		ActorID:          "tester",
		Action:           event.WorkStatusChanged,
		EntityKind:       domain.KindWorkItem,
		EntityID:         "w-1",
		Attributes:       map[string]any{"to": "ready"},
		IdempotencyToken: "tok-2",
		ExpectedVersion:  &zero,
	})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != first.ID {
		t.Fatalf("conflict tokens expected=%d actual=%d", conflict.Expected, conflict.Actual)
	}
	if _, _, err := s.Append(ctx, event.Record{
		ActorID:          "tester",
		Action:           event.WorkStatusChanged,
		EntityKind:       domain.KindWorkItem,
		EntityID:         "w-1",
		Attributes:       map[string]any{"to": "ready"},
		IdempotencyToken: "tok-2",
		ExpectedVersion:  &first.ID,
	}); err != nil {
		t.Fatalf("append with fresh token: %v", err)
	}
}

func TestConditionalRetryReplaysInsteadOfConflicting(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	zero := int64(0)
	rec := event.Record{
		ActorID:          "tester",
		Action:           event.WorkCreated,
		EntityKind:       domain.KindWorkItem,
		EntityID:         "w-1",
		IdempotencyToken: "tok-1",
		ExpectedVersion:  &zero,
	}
	first, _, err := s.Append(ctx, rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// The retry's version predicate is now stale because of its own
	// first append; the original event must come back, not a conflict.
	again, replayed, err := s.Append(ctx, rec)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !replayed || again.ID != first.ID {
		t.Fatalf("expected replay of %d, got replayed=%v id=%d", first.ID, replayed, again.ID)
	}
}

func TestAppendValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	cases := []event.Record{
		{Action: "bogus.action", EntityKind: domain.KindWorkItem, EntityID: "w", IdempotencyToken: "t1"},
		{Action: event.WorkCreated, EntityKind: domain.KindWorkItem, EntityID: "w"},
		{Action: event.WorkCreated, IdempotencyToken: "t2"},
	}
	for i, rec := range cases {
		_, _, err := s.Append(ctx, rec)
		var verr domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestVersionTokenTracksLastEvent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	token, err := s.VersionToken(ctx, domain.KindWorkItem, "w-1")
	if err != nil || token != 0 {
		t.Fatalf("empty entity token = %d, err %v", token, err)
	}
	var last int64
	for _, tok := range []string{"a", "b", "c"} {
		evt, _, err := s.Append(ctx, event.Record{
			ActorID:          "tester",
			Action:           event.WorkStatusChanged,
			EntityKind:       domain.KindWorkItem,
			EntityID:         "w-1",
			IdempotencyToken: tok,
		})
		if err != nil {
			t.Fatalf("append %s: %v", tok, err)
		}
		last = evt.ID
	}
	token, err = s.VersionToken(ctx, domain.KindWorkItem, "w-1")
	if err != nil || token != last {
		t.Fatalf("version token = %d, want %d (err %v)", token, last, err)
	}
	events, err := s.ListByEntity(ctx, domain.KindWorkItem, "w-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("events out of fold order: %d after %d", events[i].ID, events[i-1].ID)
		}
	}
}

func TestAfterPagination(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := s.Append(ctx, event.Record{
			ActorID:          "tester",
			Action:           event.WorkStatusChanged,
			EntityKind:       domain.KindWorkItem,
			EntityID:         "w-1",
			IdempotencyToken: string(rune('a' + i)),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	page, err := s.After(ctx, 0, 3)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3, got %d", len(page))
	}
	rest, err := s.After(ctx, page[len(page)-1].ID, 10)
	if err != nil {
		t.Fatalf("after cursor: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(rest))
	}
}

func TestByTokenNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.ByToken(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
