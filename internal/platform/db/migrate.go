package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// MigrationStatus reports one migration and whether it has been applied.
type MigrationStatus struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// Migrator applies goose migrations from an embedded filesystem.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

// NewMigrator opens a database/sql handle over pool for goose. Close releases
// the handle but not the pool.
func NewMigrator(pool *pgxpool.Pool, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{
		db:     stdlib.OpenDBFromPool(pool),
		fsys:   fsys,
		logger: logger.With().Str("component", "migrator").Logger(),
	}
}

func (m *Migrator) configure() error {
	goose.SetBaseFS(m.fsys)
	goose.SetLogger(gooseLogger{m.logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := m.configure(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, m.db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version returns the highest applied migration version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := m.configure(); err != nil {
		return 0, err
	}
	v, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("get migration version: %w", err)
	}
	return v, nil
}

// Status lists known migrations against the applied version.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	current, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	known, err := ListMigrations(m.fsys)
	if err != nil {
		return nil, err
	}
	for i := range known {
		known[i].Applied = known[i].Version <= current
	}
	return known, nil
}

func (m *Migrator) Close() error {
	return m.db.Close()
}

// ListMigrations returns the migrations found in fsys, ordered by version.
func ListMigrations(fsys fs.FS) ([]MigrationStatus, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(fsys)
	found, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("collect migrations: %w", err)
	}
	out := make([]MigrationStatus, 0, len(found))
	for _, mg := range found {
		out = append(out, MigrationStatus{Version: mg.Version, Name: mg.Source})
	}
	return out, nil
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct{ l zerolog.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) { g.l.Info().Msgf(format, v...) }
func (g gooseLogger) Fatalf(format string, v ...interface{}) { g.l.Fatal().Msgf(format, v...) }
