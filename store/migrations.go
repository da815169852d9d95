package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	// LatestSchemaVersion is the newest migration shipped in migrations/.
	LatestSchemaVersion uint = 3

	// TemporalSchemaVersion is the first version whose edges carry
	// valid_from/valid_until.
	TemporalSchemaVersion uint = 2

	// EvidenceSchemaVersion is the first version whose edges record their
	// evidence per document.
	EvidenceSchemaVersion uint = 3
)

// Migrate brings the schema to target, or to LatestSchemaVersion when
// target is zero. New migrations are appended as numbered files under
// migrations/; existing files are never edited.
func (s *Store) Migrate(ctx context.Context, target uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if target == 0 {
		target = LatestSchemaVersion
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}
	defer src.Close()

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	// The migrate instance is not closed: its database driver would close
	// the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Migrate(target); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating to version %d: %w", target, err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	s.version = version

	slog.Debug("store: schema ready", "version", version)
	return nil
}

// SchemaVersion returns the applied migration version recorded in the
// database, or zero when no migration has run.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var version uint
	var dirty bool
	err := s.db.QueryRowContext(ctx,
		"SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

// HasTemporalEdges reports whether the edge table carries validity columns.
func (s *Store) HasTemporalEdges(ctx context.Context) (bool, error) {
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return false, err
	}
	return v >= TemporalSchemaVersion, nil
}
