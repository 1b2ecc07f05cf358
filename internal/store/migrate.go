package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/db"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// migrationLockKey serializes concurrent migration runs on Postgres.
const migrationLockKey = 8675309

func migrationDir(d db.Dialect) string {
	return "migrations/" + d.String()
}

// Migrate applies every pending SQL migration for the store's dialect in
// lexicographic order and records each in schema_migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// Migrate runs the embedded migrations against d.
func Migrate(ctx context.Context, d db.DB) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if d.Dialect() == db.Postgres {
		if _, err := d.Exec(ctx, "SELECT pg_advisory_lock(?)", migrationLockKey); err != nil {
			return eris.Wrap(err, "store: acquire migration advisory lock")
		}
		defer func() {
			if _, err := d.Exec(ctx, "SELECT pg_advisory_unlock(?)", migrationLockKey); err != nil {
				log.Warn("store: failed to release migration advisory lock", zap.Error(err))
			}
		}()
	}

	if err := ensureMigrationTable(ctx, d); err != nil {
		return err
	}

	names, err := migrationFiles(d.Dialect())
	if err != nil {
		return err
	}

	applied, err := appliedMigrations(ctx, d)
	if err != nil {
		return err
	}

	dir := migrationDir(d.Dialect())
	for _, name := range names {
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return eris.Wrapf(err, "store: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name), zap.Stringer("dialect", d.Dialect()))

		if _, err := d.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "store: apply migration %s", name)
		}

		if _, err := d.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES (?, CURRENT_TIMESTAMP)",
			name,
		); err != nil {
			return eris.Wrapf(err, "store: record migration %s", name)
		}
	}

	return nil
}

// migrationFiles lists the embedded migration filenames for a dialect, sorted.
func migrationFiles(d db.Dialect) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, migrationDir(d))
	if err != nil {
		return nil, eris.Wrap(err, "store: read migration dir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func ensureMigrationTable(ctx context.Context, d db.DB) error {
	ts := "DATETIME"
	if d.Dialect() == db.Postgres {
		ts = "TIMESTAMPTZ"
	}
	sql := `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at ` + ts + ` NOT NULL
	)`
	if _, err := d.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "store: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, d db.DB) (map[string]bool, error) {
	rows, err := d.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
