// Package sqlserver registers the "sqlserver" storage backend. Documents are
// stored as NVARCHAR(MAX) JSON and filtered with JSON_VALUE and OPENJSON,
// which need database compatibility level 130 or later.
package sqlserver

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/storage/sqlstore"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
)

// Name is the backend name
const Name = "sqlserver"

func init() {
	storage.RegisterEngine(Name, func(settings storage.Settings, logger zerolog.Logger) (storage.Engine, error) {
		return New(settings, logger)
	})
}

// Engine is the SQL Server backend
type Engine struct {
	*sqlstore.Engine
}

// New returns an unconnected SQL Server engine
func New(settings storage.Settings, logger zerolog.Logger) (*Engine, error) {
	base, err := sqlstore.New(Dialect{}, settings, logger)
	if err != nil {
		return nil, err
	}
	return &Engine{Engine: base}, nil
}

// Maintain is left to the database's own maintenance plans
func (e *Engine) Maintain(ctx context.Context) error {
	e.Logger.Warn().Msg("SQL Server maintenance is managed by the server, nothing to do")
	return nil
}

// Dialect is the T-SQL query dialect
type Dialect struct{}

func (Dialect) Name() string { return Name }

func (Dialect) DriverName() string { return "sqlserver" }

func (Dialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = ?"
}

func (Dialect) CreateTable(table string) []string {
	return []string{
		"IF OBJECT_ID(N'" + table + "', N'U') IS NULL " +
			"CREATE TABLE " + table + " (id NVARCHAR(450) NOT NULL PRIMARY KEY, document NVARCHAR(MAX) NOT NULL)",
	}
}

// validDocument is NULL for malformed rows so one corrupt document cannot
// fail a whole query
const validDocument = "(CASE WHEN ISJSON(document) = 1 THEN document END)"

// WellFormed accepts objects only; ISJSON also passes arrays
func (Dialect) WellFormed() string {
	return "(ISJSON(document) = 1 AND LEFT(LTRIM(document), 1) = '{')"
}

func (Dialect) JSONText(path string) string {
	return "JSON_VALUE(" + validDocument + ", '$." + path + "')"
}

func (Dialect) ChallengeMatch(field string) string {
	return "EXISTS (SELECT 1 FROM OPENJSON(" + validDocument + ", '$.requestConfig.challenges') " +
		"WITH (v NVARCHAR(400) '$." + field + "') AS c WHERE c.v = ?)"
}

// TimestampBefore compares whole seconds. Stored timestamps are UTC, so the
// first 19 characters are the UTC date and time.
func (Dialect) TimestampBefore(expr string) string {
	return "TRY_CAST(LEFT(" + expr + ", 19) AS DATETIME2) < CAST(? AS DATETIME2)"
}

func (Dialect) TimeArg(t time.Time) any {
	return t.UTC().Format("2006-01-02T15:04:05")
}

func (Dialect) EscapeLike(s string) string {
	return sqlstore.EscapeLike(s, "%_[")
}

// Paging requires the ORDER BY the engine always emits
func (Dialect) Paging(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	return " OFFSET " + strconv.Itoa(offset) + " ROWS FETCH NEXT " + strconv.Itoa(limit) + " ROWS ONLY"
}

func (Dialect) LockRow(table string) string {
	return "SELECT document FROM " + table + " WITH (UPDLOCK, HOLDLOCK) WHERE id = ?"
}

func (Dialect) DocumentArg(data []byte) any {
	return string(data)
}

// sqlErrorNumber is implemented by mssql.Error
type sqlErrorNumber interface {
	SQLErrorNumber() int32
}

var _ sqlErrorNumber = mssql.Error{}

// IsTransient treats deadlocks, lock timeouts, timeouts and concurrent
// inserts of the same id as retryable
func (Dialect) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var numbered sqlErrorNumber
	if errors.As(err, &numbered) {
		switch numbered.SQLErrorNumber() {
		case 1205, // deadlock victim
			1222,  // lock request timeout
			-2,    // client timeout
			2627,  // primary key violation
			2601,  // unique index violation
			40613, // database unavailable
			40501: // service busy
			return true
		}
		return false
	}

	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
