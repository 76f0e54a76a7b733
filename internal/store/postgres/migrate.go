package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const migrationsTable = "schema_migrations"

type Migration struct {
	Version string
	UpSQL   string
}

// LoadMigrations reads every *.sql file at the root of fsys in lexical order and keeps
// the section between the goose Up and Down markers.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		up, err := extractGooseUp(string(b))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, Migration{Version: strings.TrimSuffix(name, ".sql"), UpSQL: up})
	}
	return out, nil
}

// Migrate applies the pending migrations, each in its own transaction, and returns the
// versions it applied.
func Migrate(ctx context.Context, db *bun.DB, fsys fs.FS, log *slog.Logger) ([]string, error) {
	if log == nil {
		log = slog.Default()
	}
	migs, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	_, err = db.NewRaw("CREATE TABLE IF NOT EXISTS " + migrationsTable + " (version text PRIMARY KEY, applied_at timestamptz NOT NULL)").Exec(ctx)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migs {
		ran := false
		err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", migrationsTable).Exec(ctx); err != nil {
				return err
			}
			var n int
			if err := tx.NewRaw("SELECT count(*) FROM "+migrationsTable+" WHERE version = ?", m.Version).Scan(ctx, &n); err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			if err := applyStatements(ctx, tx, m.UpSQL, false); err != nil {
				return err
			}
			if _, err := tx.NewRaw("INSERT INTO "+migrationsTable+" (version, applied_at) VALUES (?, ?)", m.Version, time.Now().UTC()).Exec(ctx); err != nil {
				return err
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.Version, err)
		}
		if ran {
			log.Info("migration applied", slog.String("version", m.Version))
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

// applyStatements runs each statement of sql. pinExtensions installs extensions into
// public so they survive a per-test search_path.
func applyStatements(ctx context.Context, exec rawExecutor, sql string, pinExtensions bool) error {
	for _, stmt := range splitSQLStatements(sql) {
		if pinExtensions {
			if normalized, ok := normalizeExtensionStatement(stmt); ok {
				stmt = normalized
			}
		}
		if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func normalizeExtensionStatement(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "CREATE EXTENSION") {
		return "", false
	}
	if !strings.Contains(upper, "BTREE_GIST") {
		return "", false
	}
	if strings.Contains(upper, " SCHEMA ") {
		return "", false
	}
	return s + " SCHEMA public", true
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
