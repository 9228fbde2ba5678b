// Package app wires a workspace directory into a ready engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"datameta/internal/config"
	"datameta/internal/db"
	"datameta/internal/engine"
	"datameta/internal/logging"
	"datameta/internal/migrate"
)

// Workspace is an opened workspace. Close releases the store and flushes
// the logger.
type Workspace struct {
	Path   string
	Config *config.Config
	DB     *sql.DB
	Log    *zap.Logger
	Engine engine.Engine
}

// Open loads datameta.yml (defaults when absent), opens and migrates the
// store and builds the engine.
func Open(ctx context.Context, path string) (*Workspace, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return OpenWithConfig(ctx, path, cfg)
}

func OpenWithConfig(ctx context.Context, path string, cfg *config.Config) (*Workspace, error) {
	log := logging.Must(cfg)
	conn, err := db.Open(db.Config{Workspace: path})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("workspace opened", zap.String("db", db.Path(path)))
	return &Workspace{
		Path:   path,
		Config: cfg,
		DB:     conn,
		Log:    log,
		Engine: engine.New(conn, cfg, log),
	}, nil
}

func (w *Workspace) Close() error {
	_ = w.Log.Sync()
	return w.DB.Close()
}
