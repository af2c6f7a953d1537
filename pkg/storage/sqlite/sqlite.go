// Package sqlite registers the embedded "sqlite" storage backend.
//
// The database lives at <data dir>/manageditems.db. On startup an existing
// file has its schema inspected and upgraded; a new file adopts a legacy
// manageditems.json export from the same directory. The engine keeps a
// consistent copy at manageditems.db.bak, taken with VACUUM INTO, and runs in
// WAL journaling mode once startup checks are done.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/storage/sqlstore"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// Name is the backend name
	Name = "sqlite"

	// DatabaseFile is the database file name inside the data directory
	DatabaseFile = "manageditems.db"

	backupSuffix = ".bak"

	// schemaVersion is stored in PRAGMA user_version
	schemaVersion = 1

	// readerConns sizes the read-only pool used once WAL is enabled
	readerConns = 4

	// legacyDocumentColumn held documents before the document column existed
	legacyDocumentColumn = "json"
)

func init() {
	sqlx.BindDriver(Name, sqlx.QUESTION)

	storage.RegisterEngine(Name, func(settings storage.Settings, logger zerolog.Logger) (storage.Engine, error) {
		return New(settings, logger)
	})
}

// Engine is the embedded SQLite backend
type Engine struct {
	*sqlstore.Engine

	path string
}

var (
	_ storage.Backuper       = (*Engine)(nil)
	_ storage.Maintainer     = (*Engine)(nil)
	_ storage.WALEnabler     = (*Engine)(nil)
	_ storage.LegacyImporter = (*Engine)(nil)
)

// New returns an engine for the database in settings.DataDir. Nothing is
// touched until Open.
func New(settings storage.Settings, logger zerolog.Logger) (*Engine, error) {
	if settings.DataDir == "" {
		return nil, fmt.Errorf("%w: sqlite backend requires a data directory", storage.ErrInvalidInput)
	}

	base, err := sqlstore.New(Dialect{}, settings, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		Engine: base,
		path:   filepath.Join(settings.DataDir, DatabaseFile),
	}, nil
}

// Path returns the database file path
func (e *Engine) Path() string {
	return e.path
}

// BackupPath returns the path of the online backup
func (e *Engine) BackupPath() string {
	return e.path + backupSuffix
}

// LegacyExportPath is the flat JSON export adopted by a new database
func (e *Engine) LegacyExportPath() string {
	return filepath.Join(e.Settings.DataDir, storage.LegacyExportFile)
}

// Open creates or opens the database file and brings its schema up to date.
// existed is true when a non-empty database file was already present.
func (e *Engine) Open(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(e.Settings.DataDir, 0700); err != nil {
		return false, fmt.Errorf("failed to create data directory: %w", err)
	}

	existed := false
	if info, err := os.Stat(e.path); err == nil && info.Size() > 0 {
		existed = true
	}

	if e.DB() == nil {
		db, err := sqlx.Open(Name, dsn(e.path))
		if err != nil {
			return false, fmt.Errorf("failed to open database: %w", err)
		}
		// One write connection serializes writers in process and avoids
		// "database is locked" between pooled connections. Reads move to
		// their own pool once WAL is on.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		e.Attach(db)
	}

	if err := e.Probe(ctx); err != nil {
		return false, fmt.Errorf("failed to open database: %w", err)
	}

	if existed {
		if err := e.upgradeSchema(ctx); err != nil {
			return true, err
		}
		e.Logger.Info().Str("path", e.path).Msg("Opened existing database")
		return true, nil
	}

	if err := e.CreateSchema(ctx); err != nil {
		return false, err
	}
	if err := e.setUserVersion(ctx, schemaVersion); err != nil {
		return false, err
	}
	e.Logger.Info().Str("path", e.path).Msg("Created database")
	return false, nil
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
}

func readerDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=query_only(1)"
}

// upgradeSchema inspects the table and moves it to the current shape
func (e *Engine) upgradeSchema(ctx context.Context) error {
	columns, err := e.columns(ctx)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("Schema inspection failed, ensuring table exists")
		return e.CreateSchema(ctx)
	}

	switch {
	case len(columns) == 0:
		e.Logger.Warn().Str("table", e.Table()).Msg("Table missing from existing database, creating it")
		if err := e.CreateSchema(ctx); err != nil {
			return err
		}
	case !columns["document"] && columns[legacyDocumentColumn]:
		if err := e.renameLegacyColumn(ctx); err != nil {
			return err
		}
	case !columns["id"] || !columns["document"]:
		return fmt.Errorf("table %s has an unexpected shape", e.Table())
	}

	version, err := e.userVersion(ctx)
	if err != nil {
		return err
	}
	if version < schemaVersion {
		if err := e.normalizeDocuments(ctx); err != nil {
			return err
		}
		if err := e.setUserVersion(ctx, schemaVersion); err != nil {
			return err
		}
		e.Logger.Info().Int("from", version).Int("to", schemaVersion).Msg("Upgraded database schema")
	}
	return nil
}

type columnInfo struct {
	CID          int     `db:"cid"`
	Name         string  `db:"name"`
	Type         string  `db:"type"`
	NotNull      int     `db:"notnull"`
	DefaultValue *string `db:"dflt_value"`
	PK           int     `db:"pk"`
}

func (e *Engine) columns(ctx context.Context) (map[string]bool, error) {
	var infos []columnInfo
	if err := e.DB().SelectContext(ctx, &infos, "PRAGMA table_info("+e.Table()+")"); err != nil {
		return nil, err
	}

	columns := make(map[string]bool, len(infos))
	for _, info := range infos {
		columns[strings.ToLower(info.Name)] = true
	}
	return columns, nil
}

func (e *Engine) renameLegacyColumn(ctx context.Context) error {
	stmt := "ALTER TABLE " + e.Table() + " RENAME COLUMN " + legacyDocumentColumn + " TO document"
	if _, err := e.DB().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to rename legacy document column: %w", err)
	}
	e.Logger.Info().Str("table", e.Table()).Msg("Renamed legacy document column")
	return nil
}

// normalizeDocuments rewrites every document in the current encoding so
// JSON paths used by queries resolve. Undecodable rows are kept as they are.
func (e *Engine) normalizeDocuments(ctx context.Context) error {
	tx, err := e.DB().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var recs []struct {
		ID       string `db:"id"`
		Document string `db:"document"`
	}
	if err := tx.SelectContext(ctx, &recs, "SELECT id, document FROM "+e.Table()); err != nil {
		return fmt.Errorf("failed to read documents for upgrade: %w", err)
	}

	rewritten, skipped := 0, 0
	for _, rec := range recs {
		doc, err := codec.Decode([]byte(rec.Document))
		if err != nil {
			skipped++
			e.Logger.Warn().Err(err).Str("id", rec.ID).Msg("Leaving undecodable document unchanged")
			continue
		}
		data, err := codec.Encode(doc)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE "+e.Table()+" SET document = ? WHERE id = ?", string(data), rec.ID); err != nil {
			return fmt.Errorf("failed to rewrite document %s: %w", rec.ID, err)
		}
		rewritten++
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	e.Logger.Info().Int("rewritten", rewritten).Int("skipped", skipped).Msg("Normalized stored documents")
	return nil
}

func (e *Engine) userVersion(ctx context.Context) (int, error) {
	var version int
	if err := e.DB().GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func (e *Engine) setUserVersion(ctx context.Context, version int) error {
	if _, err := e.DB().ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Backup writes a transactionally consistent copy beside the database. A
// previous backup of plausible size is archived first.
func (e *Engine) Backup(ctx context.Context) error {
	backup := e.BackupPath()
	if err := storage.RotateBackup(backup); err != nil {
		return err
	}

	stmt := "VACUUM INTO '" + strings.ReplaceAll(backup, "'", "''") + "'"
	if err := e.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}

	e.Logger.Info().Str("path", backup).Msg("Database backed up")
	return nil
}

// EnableWAL switches the database to write-ahead logging
func (e *Engine) EnableWAL(ctx context.Context) error {
	var mode string
	if err := e.DB().GetContext(ctx, &mode, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q after requesting WAL", mode)
	}

	if e.Reader() != e.DB() {
		return nil
	}
	reader, err := sqlx.Open(Name, readerDSN(e.path))
	if err != nil {
		return fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)
	e.AttachReader(reader)
	return nil
}

// Maintain folds the WAL back into the database and compacts the file
func (e *Engine) Maintain(ctx context.Context) error {
	if err := e.Exec(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if err := e.Exec(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to compact database: %w", err)
	}

	e.Logger.Info().Str("path", e.path).Msg("Database checkpointed and compacted")
	return nil
}

// Dialect is the SQLite query dialect using the JSON1 functions
type Dialect struct{}

func (Dialect) Name() string { return Name }

func (Dialect) DriverName() string { return Name }

func (Dialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (Dialect) CreateTable(table string) []string {
	return []string{
		"CREATE TABLE IF NOT EXISTS " + table + " (id TEXT NOT NULL PRIMARY KEY, document TEXT NOT NULL)",
	}
}

// validDocument is NULL for malformed rows so one corrupt document cannot
// fail a whole query
const validDocument = "(CASE WHEN json_valid(document) THEN document END)"

// WellFormed guards json_type with json_valid, which SQLite does not
// short-circuit inside AND
func (Dialect) WellFormed() string {
	return "(CASE WHEN json_valid(document) THEN json_type(document) = 'object' ELSE 0 END)"
}

func (Dialect) JSONText(path string) string {
	return "json_extract(" + validDocument + ", '$." + path + "')"
}

func (Dialect) ChallengeMatch(field string) string {
	return "EXISTS (SELECT 1 FROM json_each(" + validDocument + ", '$.requestConfig.challenges') AS c " +
		"WHERE json_extract(c.value, '$." + field + "') = ?)"
}

func (Dialect) TimestampBefore(expr string) string {
	return "julianday(" + expr + ") < julianday(?)"
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

// LockRow needs no row lock; transactions begin IMMEDIATE and hold the
// database write lock
func (Dialect) LockRow(table string) string {
	return "SELECT document FROM " + table + " WHERE id = ?"
}

func (Dialect) DocumentArg(data []byte) any {
	return string(data)
}

// IsTransient treats busy and locked databases as retryable
func (Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
