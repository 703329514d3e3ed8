package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "coordline.db"

type Config struct {
	Workspace string
	// Namespace is the attach alias for the governed schema database.
	Namespace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".coordline", defaultDBName)
}

// EnsureWorkspace creates the workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".coordline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. A second database
// file is attached as "governed": it is the live schema the governance
// pipeline targets, kept apart from the event log.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Single writer connection so check-then-append runs inside one
	// serialized transaction scope.
	conn.SetMaxOpenConns(1)
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "governed"
	}
	govPath := filepath.Join(filepath.Dir(dbPath(cfg.Workspace)), "governed.db")
	if _, err := conn.Exec(fmt.Sprintf(`ATTACH DATABASE ? AS %s`, namespace), govPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("attach governed schema: %w", err)
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
