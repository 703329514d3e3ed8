package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coordline/internal/domain"
)

// Record is one command's worth of fact to append.
type Record struct {
	ActorID          string
	Action           Action
	EntityKind       string
	EntityID         string
	Attributes       map[string]any
	IdempotencyToken string
	// ExpectedVersion, when set, makes the append conditional on the
	// entity's last event id. Nil skips the compare-and-swap.
	ExpectedVersion *int64
}

// Store is the append-only event log. Append is the only write path in
// the whole system; everything else reads.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append writes one event. If an event with the same idempotency token
// already exists, the original event is returned with replayed=true and
// nothing is written; retried commands are therefore safe. When
// ExpectedVersion is set and stale, a ConflictError carrying both tokens
// is returned. The uniqueness race is settled by the unique index, not
// by application locking.
func (s Store) Append(ctx context.Context, rec Record) (domain.Event, bool, error) {
	if !rec.Action.IsKnown() {
		return domain.Event{}, false, domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", rec.Action)}
	}
	if strings.TrimSpace(rec.IdempotencyToken) == "" {
		return domain.Event{}, false, domain.ValidationError{Field: "idempotency_token", Reason: "required"}
	}
	if rec.EntityID == "" || rec.EntityKind == "" {
		return domain.Event{}, false, domain.ValidationError{Field: "entity_ref", Reason: "required"}
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("marshal event attributes: %w", err)
	}
	ts := s.now().UTC().Format(time.RFC3339)

	var res sql.Result
	if rec.ExpectedVersion != nil {
		res, err = s.DB.ExecContext(ctx, `
INSERT INTO events(occurred_at,actor_id,action,entity_kind,entity_id,attributes_json,idempotency_token)
SELECT ?,?,?,?,?,?,?
WHERE (SELECT COALESCE(MAX(id),0) FROM events WHERE entity_kind=? AND entity_id=?) = ?`,
			ts, rec.ActorID, string(rec.Action), rec.EntityKind, rec.EntityID, string(data), rec.IdempotencyToken,
			rec.EntityKind, rec.EntityID, *rec.ExpectedVersion)
	} else {
		res, err = s.DB.ExecContext(ctx, `
INSERT INTO events(occurred_at,actor_id,action,entity_kind,entity_id,attributes_json,idempotency_token)
VALUES (?,?,?,?,?,?,?)`,
			ts, rec.ActorID, string(rec.Action), rec.EntityKind, rec.EntityID, string(data), rec.IdempotencyToken)
	}
	if err != nil {
		if isUniqueViolation(err) {
			prior, lookupErr := s.ByToken(ctx, rec.IdempotencyToken)
			if lookupErr != nil {
				return domain.Event{}, false, lookupErr
			}
			return prior, true, nil
		}
		return domain.Event{}, false, fmt.Errorf("append event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Event{}, false, err
	}
	if affected == 0 {
		// A retried command fails the version predicate because its own
		// first append moved the token. Replay wins over conflict.
		prior, lookupErr := s.ByToken(ctx, rec.IdempotencyToken)
		if lookupErr == nil {
			return prior, true, nil
		}
		if !errors.Is(lookupErr, domain.ErrNotFound) {
			return domain.Event{}, false, lookupErr
		}
		actual, verErr := s.VersionToken(ctx, rec.EntityKind, rec.EntityID)
		if verErr != nil {
			return domain.Event{}, false, verErr
		}
		return domain.Event{}, false, domain.ConflictError{
			EntityID: rec.EntityID,
			Expected: *rec.ExpectedVersion,
			Actual:   actual,
		}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, false, err
	}
	return domain.Event{
		ID:               id,
		OccurredAt:       ts,
		ActorID:          rec.ActorID,
		Action:           string(rec.Action),
		EntityKind:       rec.EntityKind,
		EntityID:         rec.EntityID,
		Attributes:       string(data),
		IdempotencyToken: rec.IdempotencyToken,
	}, false, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const eventColumns = `id,occurred_at,actor_id,action,entity_kind,entity_id,attributes_json,idempotency_token`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	err := scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID, &e.Attributes, &e.IdempotencyToken)
	return e, err
}

// ByToken looks up the event a command already produced.
func (s Store) ByToken(ctx context.Context, token string) (domain.Event, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE idempotency_token=?`, token)
	e, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return e, domain.ErrNotFound
	}
	return e, err
}

// ByID fetches a single event.
func (s Store) ByID(ctx context.Context, id int64) (domain.Event, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	e, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return e, domain.ErrNotFound
	}
	return e, err
}

// ListByEntity returns every event for one entity in fold order
// (occurred_at, id).
func (s Store) ListByEntity(ctx context.Context, kind, id string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE entity_kind=? AND entity_id=? ORDER BY occurred_at, id`, kind, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// After returns up to limit events with id greater than since, oldest
// first. Dispatchers and the projection builder page with this.
func (s Store) After(ctx context.Context, since int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE id>? ORDER BY id LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Recent returns the newest events, optionally filtered by entity kind.
func (s Store) Recent(ctx context.Context, kind string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if kind != "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE entity_kind=? ORDER BY id DESC LIMIT ?`, kind, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// VersionToken returns the id of the entity's last event, 0 when the
// entity has none.
func (s Store) VersionToken(ctx context.Context, kind, id string) (int64, error) {
	var token int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE entity_kind=? AND entity_id=?`, kind, id).Scan(&token)
	return token, err
}

// EntityIDs lists distinct entity ids of a kind, oldest first.
func (s Store) EntityIDs(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT entity_id FROM events WHERE entity_kind=? GROUP BY entity_id ORDER BY MIN(id)`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestID returns the newest event id in the whole log.
func (s Store) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// CountByEntity counts how many events reference an entity; a zero count
// means the entity does not exist.
func (s Store) CountByEntity(ctx context.Context, kind, id string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE entity_kind=? AND entity_id=?`, kind, id).Scan(&n)
	return n, err
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Attrs decodes an event's attribute JSON into a generic map. Invalid
// payloads decode to nil rather than failing a read path.
func Attrs(e domain.Event) map[string]any {
	if e.Attributes == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(e.Attributes), &m); err != nil {
		return nil
	}
	return m
}
