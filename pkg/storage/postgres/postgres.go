// Package postgres registers the "postgres" storage backend. Documents are
// stored as JSONB and filtered with the jsonb operators.
//
// Connection strings are anything pgx accepts, URL or keyword/value:
//
//	postgres://certstore:secret@db:5432/certstore?sslmode=require
package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/storage/sqlstore"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Name is the backend name
const Name = "postgres"

func init() {
	storage.RegisterEngine(Name, func(settings storage.Settings, logger zerolog.Logger) (storage.Engine, error) {
		return New(settings, logger)
	})
}

// Engine is the PostgreSQL backend
type Engine struct {
	*sqlstore.Engine
}

// New returns an unconnected PostgreSQL engine
func New(settings storage.Settings, logger zerolog.Logger) (*Engine, error) {
	base, err := sqlstore.New(Dialect{}, settings, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{Engine: base}, nil
}

// Maintain reclaims dead tuples and refreshes planner statistics
func (e *Engine) Maintain(ctx context.Context) error {
	if err := e.Exec(ctx, "VACUUM ANALYZE "+e.Table()); err != nil {
		return err
	}
	e.Logger.Info().Str("table", e.Table()).Msg("Vacuumed table")
	return nil
}

// Dialect is the PostgreSQL query dialect
type Dialect struct{}

func (Dialect) Name() string { return Name }

func (Dialect) DriverName() string { return "pgx" }

func (Dialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
}

func (Dialect) CreateTable(table string) []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS " + table + " (id TEXT PRIMARY KEY, document JSONB NOT NULL)",
		"CREATE INDEX IF NOT EXISTS " + table + "_name_idx ON " + table + " (LOWER(document->>'name'))",
	}
}

// WellFormed is empty: JSONB rejects malformed documents on write
func (Dialect) WellFormed() string { return "" }

func (Dialect) JSONText(path string) string {
	return "(document->>'" + path + "')"
}

func (Dialect) ChallengeMatch(field string) string {
	challenges := "document->'requestConfig'->'challenges'"
	return "EXISTS (SELECT 1 FROM jsonb_array_elements(" +
		"CASE WHEN jsonb_typeof(" + challenges + ") = 'array' THEN " + challenges + " ELSE '[]'::jsonb END" +
		") AS c WHERE c->>'" + field + "' = ?)"
}

func (Dialect) TimestampBefore(expr string) string {
	return expr + "::timestamptz < ?::timestamptz"
}

func (Dialect) TimeArg(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

func (Dialect) EscapeLike(s string) string {
	return sqlstore.EscapeLike(s, "%_")
}

func (Dialect) Paging(limit, offset int) string {
	return sqlstore.LimitOffset(limit, offset)
}

func (Dialect) LockRow(table string) string {
	return "SELECT document FROM " + table + " WHERE id = ? FOR UPDATE"
}

func (Dialect) DocumentArg(data []byte) any {
	return string(data)
}

// IsTransient treats serialization failures, deadlocks, lock timeouts,
// connection loss and concurrent inserts of the same id as retryable
func (Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03", // cannot_connect_now
			"23505": // unique_violation
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}
