package schema

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// Executor applies definition changes to the live system and reads back
// their canonical form. The pipeline never records success before the
// executor has actually made the change.
type Executor interface {
	// Replace makes the definition live, dropping any prior object of
	// the same identity first. Failure leaves the prior object intact.
	Replace(ctx context.Context, d Definition) error
	// Canonical returns the system's own normalized rendering of the
	// live object, empty when the object does not exist.
	Canonical(ctx context.Context, d Definition) (string, error)
	// Drop removes the live object.
	Drop(ctx context.Context, d Definition) error
	// RunTest executes one registered test; a non-nil error is failure.
	RunTest(ctx context.Context, test string) error
	// LiveObjects lists everything currently live in the namespace.
	LiveObjects(ctx context.Context) ([]LiveObject, error)
}

// LiveObject is one entry of the live schema.
type LiveObject struct {
	Name          string
	Kind          string
	CanonicalHash string
}

// SQLiteExecutor targets the attached governed schema. The canonical
// form is the stored sqlite_master text with whitespace collapsed.
type SQLiteExecutor struct {
	DB        *sql.DB
	Namespace string
}

var executableKinds = map[string]string{
	"table":   "table",
	"view":    "view",
	"index":   "index",
	"trigger": "trigger",
}

func (x SQLiteExecutor) Replace(ctx context.Context, d Definition) error {
	kind, ok := executableKinds[d.Kind]
	if !ok {
		return fmt.Errorf("object kind %q not executable on this substrate", d.Kind)
	}
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	drop := fmt.Sprintf("DROP %s IF EXISTS %s.%s", strings.ToUpper(kind), x.Namespace, d.Name)
	if _, err := tx.ExecContext(ctx, drop); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, d.Text); err != nil {
		return err
	}
	return tx.Commit()
}

func (x SQLiteExecutor) Canonical(ctx context.Context, d Definition) (string, error) {
	var stored sql.NullString
	err := x.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT sql FROM %s.sqlite_master WHERE name=?`, x.Namespace), d.Name).Scan(&stored)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Normalize(stored.String), nil
}

func (x SQLiteExecutor) Drop(ctx context.Context, d Definition) error {
	kind, ok := executableKinds[d.Kind]
	if !ok {
		return fmt.Errorf("object kind %q not executable on this substrate", d.Kind)
	}
	_, err := x.DB.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s.%s", strings.ToUpper(kind), x.Namespace, d.Name))
	return err
}

// RunTest executes one test statement. SELECT tests additionally fail
// when their first column evaluates falsy, so a test can assert a
// predicate instead of just parsing.
func (x SQLiteExecutor) RunTest(ctx context.Context, test string) error {
	trimmed := strings.TrimSpace(test)
	if strings.HasPrefix(strings.ToLower(trimmed), "select") {
		var value any
		if err := x.DB.QueryRowContext(ctx, trimmed).Scan(&value); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("test returned no rows")
			}
			return err
		}
		if falsy(value) {
			return fmt.Errorf("test predicate evaluated false")
		}
		return nil
	}
	_, err := x.DB.ExecContext(ctx, trimmed)
	return err
}

func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case int64:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return !t
	case string:
		return t == "" || t == "0"
	}
	return false
}

func (x SQLiteExecutor) LiveObjects(ctx context.Context) ([]LiveObject, error) {
	rows, err := x.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT name, type, COALESCE(sql,'') FROM %s.sqlite_master WHERE name NOT LIKE 'sqlite_%%'`, x.Namespace))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LiveObject
	for rows.Next() {
		var o LiveObject
		var raw string
		if err := rows.Scan(&o.Name, &o.Kind, &raw); err != nil {
			return nil, err
		}
		o.CanonicalHash = Hash(Normalize(raw))
		out = append(out, o)
	}
	return out, rows.Err()
}

// Normalize collapses whitespace so cosmetically different submissions
// of the same definition hash identically.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Hash returns the canonical hash of a normalized rendering.
func Hash(canonical string) string {
	if canonical == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// BumpPatch increments the patch component of a semantic version.
func BumpPatch(version string) string {
	var major, minor, patch int
	if _, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return "1.0.0"
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}

var _ Executor = SQLiteExecutor{}
