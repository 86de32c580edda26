package database

import (
	"context"
	"database/sql"
	"fmt"
)

// conn holds the query methods every backend shares. bind rewrites ?
// placeholders where the driver needs another style.
type conn struct {
	db   *sql.DB
	bind func(string) string
}

func (c *conn) q(query string) string {
	if c.bind == nil {
		return query
	}
	return c.bind(query)
}

func (c *conn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *conn) Close() error {
	return c.db.Close()
}

// Select executes query and scans all rows into dest (must be a pointer to a slice of structs).
func (c *conn) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := c.db.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

// Get executes query and scans a single row into dest. Returns ErrNoRows
// when nothing matched.
func (c *conn) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	rows, err := c.db.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOne(rows, dest)
}

// Exec executes a statement that returns no rows.
func (c *conn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.db.ExecContext(ctx, c.q(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Update updates rows in table matching where clause.
func (c *conn) Update(ctx context.Context, table string, record interface{}, where string, args ...interface{}) error {
	cols, vals := structToUpdate(record)
	_, err := c.db.ExecContext(ctx, c.q(updateQuery(table, cols, where)), append(vals, args...)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}
