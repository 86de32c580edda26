package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/CosmoTheDev/covscan/internal/config"
)

// PostgresDB implements DB using PostgreSQL via the pgx stdlib driver.
type PostgresDB struct {
	conn
}

// NewPostgres opens a PostgreSQL connection using cfg.DSN.
func NewPostgres(cfg config.DatabaseConfig) (*PostgresDB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required when driver is postgres")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	p := &PostgresDB{conn: conn{db: db, bind: rebind}}
	if err := p.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return p, nil
}

func (p *PostgresDB) Driver() string { return "postgres" }

// Migrate applies pending SQL migrations adapted for PostgreSQL syntax.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	return migrator{
		driver: "postgres",
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			id         BIGSERIAL    PRIMARY KEY,
			filename   VARCHAR(255) NOT NULL UNIQUE,
			applied_at VARCHAR(64)  NOT NULL
		)`,
		adapt: postgresAdapt,
		split: true,
		bind:  rebind,
	}.run(ctx, p.db)
}

// Insert inserts record into table and reads the new id back with RETURNING,
// since pgx does not implement LastInsertId.
func (p *PostgresDB) Insert(ctx context.Context, table string, record interface{}) (int64, error) {
	cols, placeholders, vals := structToInsert(record)
	var id int64
	err := p.db.QueryRowContext(ctx, rebind(insertQuery(table, cols, placeholders)+" RETURNING id"), vals...).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return id, nil
}

// Upsert uses INSERT ... ON CONFLICT DO UPDATE.
func (p *PostgresDB) Upsert(ctx context.Context, table string, record interface{}, conflictCols []string) error {
	cols, placeholders, vals := structToInsert(record)
	_, err := p.db.ExecContext(ctx, rebind(onConflictQuery(table, cols, placeholders, conflictCols)), vals...)
	return err
}

// rebind rewrites ? placeholders as $1, $2, ... leaving quoted literals alone.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// postgresAdapt converts SQLite-specific SQL fragments to PostgreSQL equivalents.
func postgresAdapt(sql string) string {
	sql = strings.ReplaceAll(sql, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	sql = strings.ReplaceAll(sql, " REAL ", " DOUBLE PRECISION ")
	return sql
}
