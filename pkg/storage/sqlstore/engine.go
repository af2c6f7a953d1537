// Package sqlstore implements storage.Engine over database/sql. Backends
// differ only in their Dialect; connection lifecycle beyond Open is left to
// the backend packages that embed Engine.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type record struct {
	ID       string `db:"id"`
	Document string `db:"document"`
}

// Engine runs the store's queries through a Dialect
type Engine struct {
	Dialect  Dialect
	Settings storage.Settings
	Logger   zerolog.Logger

	table   string
	timeout time.Duration

	mu     sync.RWMutex
	db     *sqlx.DB
	reader *sqlx.DB
}

// New validates settings and returns an engine that is not yet connected
func New(dialect Dialect, settings storage.Settings, logger zerolog.Logger) (*Engine, error) {
	table := settings.TableName()
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: table name %q", storage.ErrInvalidInput, table)
	}

	return &Engine{
		Dialect:  dialect,
		Settings: settings,
		Logger:   logger,
		table:    table,
		timeout:  settings.Timeout(),
	}, nil
}

// Name returns the dialect's backend name
func (e *Engine) Name() string {
	return e.Dialect.Name()
}

// Table returns the validated table name
func (e *Engine) Table() string {
	return e.table
}

// DB returns the connection pool, or nil before Open
func (e *Engine) DB() *sqlx.DB {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.db
}

// Attach installs a connection pool opened by the backend
func (e *Engine) Attach(db *sqlx.DB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.db = db
}

// AttachReader installs a pool used only by Get, Query and Count. Without
// one, reads share the write pool.
func (e *Engine) AttachReader(db *sqlx.DB) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reader = db
}

// Reader returns the pool serving reads
func (e *Engine) Reader() *sqlx.DB {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.reader != nil {
		return e.reader
	}
	return e.db
}

// Open connects with the configured connection string and creates the table
// when missing. Embedded backends replace it.
func (e *Engine) Open(ctx context.Context) (bool, error) {
	if e.Settings.ConnectionString == "" {
		return false, fmt.Errorf("%w: %s backend requires a connection string", storage.ErrInvalidInput, e.Name())
	}

	if e.DB() == nil {
		db, err := sqlx.Open(e.Dialect.DriverName(), e.Settings.ConnectionString)
		if err != nil {
			return false, fmt.Errorf("failed to open %s connection: %w", e.Name(), err)
		}
		e.Attach(db)
	}

	if err := e.Probe(ctx); err != nil {
		return false, err
	}
	return e.EnsureSchema(ctx)
}

// EnsureSchema creates the table when missing and reports whether it existed
func (e *Engine) EnsureSchema(ctx context.Context) (bool, error) {
	existed, err := e.TableExists(ctx)
	if err != nil {
		return false, err
	}
	if existed {
		return true, nil
	}

	if err := e.CreateSchema(ctx); err != nil {
		return false, err
	}
	e.Logger.Info().Str("table", e.table).Msg("Created managed certificate table")
	return false, nil
}

// TableExists checks the catalog for the table
func (e *Engine) TableExists(ctx context.Context) (bool, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	db := e.DB()
	var n int
	if err := db.GetContext(ctx, &n, db.Rebind(e.Dialect.TableExistsQuery()), e.table); err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return n > 0, nil
}

// CreateSchema runs the dialect's DDL in one transaction
func (e *Engine) CreateSchema(ctx context.Context) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tx, err := e.DB().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range e.Dialect.CreateTable(e.table) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return tx.Commit()
}

// Probe performs a trivial round trip
func (e *Engine) Probe(ctx context.Context) error {
	db := e.DB()
	if db == nil {
		return fmt.Errorf("%s engine is not open", e.Name())
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var one int
	return db.GetContext(ctx, &one, "SELECT 1")
}

func (e *Engine) Get(ctx context.Context, id string) (*storage.Row, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	db := e.Reader()
	var rec record
	err := db.GetContext(ctx, &rec, db.Rebind("SELECT id, document FROM "+e.table+" WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.Row{ID: rec.ID, Document: []byte(rec.Document)}, nil
}

func (e *Engine) Query(ctx context.Context, q *storage.Query) ([]storage.Row, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	query, args := e.BuildSelect(q)
	db := e.Reader()

	var recs []record
	if err := db.SelectContext(ctx, &recs, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	rows := make([]storage.Row, len(recs))
	for i, rec := range recs {
		rows[i] = storage.Row{ID: rec.ID, Document: []byte(rec.Document)}
	}
	return rows, nil
}

func (e *Engine) Count(ctx context.Context, q *storage.Query) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	query, args := e.BuildCount(q)
	db := e.Reader()

	var n int
	if err := db.GetContext(ctx, &n, db.Rebind(query), args...); err != nil {
		return 0, err
	}
	return n, nil
}

// Upsert locks the current row, lets fn compute the replacement and writes it
// before committing. An error from fn rolls back without writing.
func (e *Engine) Upsert(ctx context.Context, id string, fn storage.UpsertFunc) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tx, err := e.DB().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current *storage.Row
	var document string
	err = tx.GetContext(ctx, &document, tx.Rebind(e.Dialect.LockRow(e.table)), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		current = &storage.Row{ID: id, Document: []byte(document)}
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if current == nil {
		_, err = tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO "+e.table+" (id, document) VALUES (?, ?)"),
			next.ID, e.Dialect.DocumentArg(next.Document))
	} else {
		_, err = tx.ExecContext(ctx,
			tx.Rebind("UPDATE "+e.table+" SET document = ? WHERE id = ?"),
			e.Dialect.DocumentArg(next.Document), next.ID)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (e *Engine) Delete(ctx context.Context, id string) (int64, error) {
	return e.exec(ctx, "DELETE FROM "+e.table+" WHERE id = ?", id)
}

func (e *Engine) DeleteByNamePrefix(ctx context.Context, prefix string) (int64, error) {
	pattern := e.Dialect.EscapeLike(strings.ToLower(prefix)) + "%"
	return e.exec(ctx, "DELETE FROM "+e.table+" WHERE "+e.nameMatch(), pattern)
}

func (e *Engine) DeleteAll(ctx context.Context) (int64, error) {
	return e.exec(ctx, "DELETE FROM "+e.table)
}

func (e *Engine) IsTransient(err error) bool {
	return e.Dialect.IsTransient(err)
}

// Close closes the connection pool
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.reader != nil {
		err = e.reader.Close()
		e.reader = nil
	}
	if e.db != nil {
		if cerr := e.db.Close(); cerr != nil {
			err = cerr
		}
		e.db = nil
	}
	return err
}

// Exec runs a statement without arguments, as used by maintenance commands
func (e *Engine) Exec(ctx context.Context, stmt string) error {
	_, err := e.exec(ctx, stmt)
	return err
}

func (e *Engine) exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	db := e.DB()
	res, err := db.ExecContext(ctx, db.Rebind(stmt), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

// nameMatch is a case-insensitive LIKE on the document name
func (e *Engine) nameMatch() string {
	return "LOWER(" + e.Dialect.JSONText(PathName) + ") LIKE ? ESCAPE '\\'"
}

// BuildWhere translates the filter predicates. Every challenge predicate is
// its own EXISTS so they may be satisfied by different challenges. Malformed
// documents are excluded so counts agree with the rows Find can decode.
func (e *Engine) BuildWhere(q *storage.Query) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg ...any) {
		conds = append(conds, cond)
		args = append(args, arg...)
	}

	if valid := e.Dialect.WellFormed(); valid != "" {
		add(valid)
	}

	f := q.Filter
	if f == nil {
		f = &types.ManagedCertificateFilter{}
	}

	if f.ID != "" {
		add("id = ?", f.ID)
	}
	if f.Name != "" {
		add("LOWER("+e.Dialect.JSONText(PathName)+") = ?", strings.ToLower(f.Name))
	}
	if f.Keyword != "" {
		add(e.nameMatch(), "%"+e.Dialect.EscapeLike(strings.ToLower(f.Keyword))+"%")
	}
	if f.LastOCSPCheckMins > 0 {
		add(e.stale(PathDateLastOcspCheck), e.Dialect.TimeArg(q.OCSPCutoff()))
	}
	if f.LastRenewalInfoCheckMins > 0 {
		add(e.stale(PathDateLastRenewalCheck), e.Dialect.TimeArg(q.RenewalInfoCutoff()))
	}
	if f.ChallengeType != "" {
		add(e.Dialect.ChallengeMatch(FieldChallengeType), f.ChallengeType)
	}
	if f.ChallengeProvider != "" {
		add(e.Dialect.ChallengeMatch(FieldChallengeProvider), f.ChallengeProvider)
	}
	if f.StoredCredentialKey != "" {
		add(e.Dialect.ChallengeMatch(FieldChallengeCredentialKey), f.StoredCredentialKey)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// A missing timestamp means the check never ran, so it is due
func (e *Engine) stale(path string) string {
	expr := e.Dialect.JSONText(path)
	return "(" + expr + " IS NULL OR " + e.Dialect.TimestampBefore(expr) + ")"
}

// BuildSelect returns the ordered, paged document query
func (e *Engine) BuildSelect(q *storage.Query) (string, []any) {
	where, args := e.BuildWhere(q)
	query := "SELECT id, document FROM " + e.table + where +
		" ORDER BY LOWER(" + e.Dialect.JSONText(PathName) + "), id" +
		e.Dialect.Paging(q.Filter.Limit(), q.Filter.Offset())
	return query, args
}

// BuildCount returns the count query; paging does not apply
func (e *Engine) BuildCount(q *storage.Query) (string, []any) {
	where, args := e.BuildWhere(q)
	return "SELECT COUNT(*) FROM " + e.table + where, args
}
