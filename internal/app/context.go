package app

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/engine"
	"coordline/internal/migrate"
	"coordline/internal/monitor"
	"coordline/internal/repo"
	"coordline/internal/scheduler"
	"coordline/internal/schema"
)

// Context wires the whole stack for a workspace: one database, one
// engine and the services built on it.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
	Pipeline  schema.Pipeline
	Monitor   monitor.Monitor
	Repo      repo.Repo
}

// Open builds a Context for the workspace. Missing config falls back to
// defaults; a missing database is created and migrated in place.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Namespace: cfg.Governance.Namespace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if interval := cfg.Projection.RefreshIntervalSeconds; interval > 0 {
		eng.Projections.Interval = time.Duration(interval) * time.Second
	}
	exec := schema.SQLiteExecutor{DB: conn, Namespace: cfg.Governance.Namespace}
	pipeline := schema.NewPipeline(eng.Store, eng.Projections, exec, cfg)
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Scheduler: scheduler.New(eng),
		Pipeline:  pipeline,
		Monitor:   monitor.New(eng.Store, eng.Projections, pipeline, cfg),
		Repo:      repo.Repo{DB: conn},
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// InitWorkspace creates the workspace directory and seeds the default
// config file. An existing config is left alone.
func InitWorkspace(workspace, projectID string) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
