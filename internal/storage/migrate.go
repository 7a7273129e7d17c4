package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrator applies migrations/<dialect>/*.sql in lexical order, once each,
// recording applied files in schema_migrations.
type migrator struct {
	db *sql.DB
	d  dialect
}

func (m migrator) up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id         TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrationsFS, path.Join("migrations", m.d.name, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		id := path.Base(file)
		if applied[id] {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", id, err)
		}
		if err := m.apply(ctx, id, stripLineComments(string(body))); err != nil {
			return err
		}
	}
	return nil
}

func (m migrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (m migrator) apply(ctx context.Context, id, body string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", id, err)
	}
	if strings.TrimSpace(body) != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, m.d.rebind(`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`),
		id, time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func stripLineComments(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "--") {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.Join(kept, "\n")
}
