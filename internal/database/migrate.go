package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrator applies the embedded migrations for one backend. Migration files
// are written in SQLite syntax; adapt translates them.
type migrator struct {
	driver      string
	createTable string
	adapt       func(string) string
	// split executes statements one at a time for drivers without
	// multi-statement Exec support.
	split bool
	// bind rewrites ? placeholders for the backend.
	bind func(string) string
}

func (m migrator) run(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, m.createTable); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}
	bind := m.bind
	if bind == nil {
		bind = func(q string) string { return q }
	}

	for _, name := range names {
		var count int
		row := db.QueryRowContext(ctx, bind(`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`), name)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		text := string(data)
		if m.adapt != nil {
			text = m.adapt(text)
		}

		if m.split {
			for _, stmt := range splitStatements(text) {
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("applying migration %s statement: %w\nSQL: %s", name, err, stmt)
				}
			}
		} else if _, err := db.ExecContext(ctx, text); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}

		_, err = db.ExecContext(ctx,
			bind(`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`),
			name, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		slog.Info("Applied migration", "file", name, "driver", m.driver)
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits a migration on ';' and drops comment-only chunks.
func splitStatements(text string) []string {
	var out []string
	for _, stmt := range strings.Split(text, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt = strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
