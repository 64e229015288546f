// Package app wires the workspace together: database, migrations,
// configuration and engine. The CLI and the HTTP server both boot
// through here.
package app

import (
	"database/sql"
	"fmt"

	"github.com/AkaFlex/Trade-Junco/internal/config"
	"github.com/AkaFlex/Trade-Junco/internal/db"
	"github.com/AkaFlex/Trade-Junco/internal/engine"
	"github.com/AkaFlex/Trade-Junco/internal/migrate"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open boots the workspace: the database is created and migrated on
// first use, configuration falls back to built-in defaults when no
// tradejunco.yml exists.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
