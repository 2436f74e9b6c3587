// Package store persists conversations, memory items and profiles.
//
// Two backends share one contract: Postgres through a pgx pool for
// deployments, and an embedded SQLite file for single-node use. Both apply
// the embedded *.up.sql migrations in lexical order on open.
package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/nidhogg/recall/internal/conversation"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/profile"
	"go.uber.org/zap"
)

//go:embed migrations
var migrations embed.FS

// Backend is a durable store serving every repository the engine needs.
type Backend interface {
	conversation.Repository
	memory.Repository
	profile.Repository
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver     string // "postgres" or "sqlite"
	DSN        string // postgres connection string
	SQLitePath string
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		pg, err := NewPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case "sqlite", "":
		lite, err := NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// applyMigrations executes every .up.sql file under dir in lexical order.
func applyMigrations(ctx context.Context, dir string, exec func(context.Context, string) error, logger *zap.Logger) error {
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrations, dir+"/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if err := exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}
