package sqlstore

import (
	"strconv"
	"strings"
	"time"
)

// Document paths queried by the engine
const (
	PathName                 = "name"
	PathDateLastOcspCheck    = "dateLastOcspCheck"
	PathDateLastRenewalCheck = "dateLastRenewalInfoCheck"

	FieldChallengeType          = "challengeType"
	FieldChallengeProvider      = "challengeProvider"
	FieldChallengeCredentialKey = "challengeCredentialKey"
)

// Dialect translates the engine's queries for one database. Every fragment
// uses ? placeholders; the engine rebinds them for the driver.
type Dialect interface {
	// Name is the backend name used in logs and metrics
	Name() string

	// DriverName is the database/sql driver to open
	DriverName() string

	// TableExistsQuery takes the table name and returns a count
	TableExistsQuery() string

	// CreateTable returns the statements creating table and its indexes
	CreateTable(table string) []string

	// WellFormed is a predicate true for rows whose document is a JSON
	// object. Rows failing it are invisible to queries and counts. Empty
	// when the column type already guarantees it.
	WellFormed() string

	// JSONText extracts the scalar at a top-level document path as text
	JSONText(path string) string

	// ChallengeMatch is a predicate true when any challenge in the
	// document has field equal to the single bound argument
	ChallengeMatch(field string) string

	// TimestampBefore is a predicate true when the timestamp text in expr
	// is earlier than the single bound argument
	TimestampBefore(expr string) string

	// TimeArg formats a cutoff for TimestampBefore
	TimeArg(t time.Time) any

	// EscapeLike escapes the wildcards of a LIKE pattern using backslash
	EscapeLike(s string) string

	// Paging returns the clause following ORDER BY. limit 0 means no limit.
	Paging(limit, offset int) string

	// LockRow selects the document for id and locks the row until the
	// transaction ends
	LockRow(table string) string

	// DocumentArg converts an encoded document for binding
	DocumentArg(data []byte) any

	// IsTransient reports whether err is worth retrying unchanged
	IsTransient(err error) bool
}

// EscapeLike prefixes backslash and every special character in s with a
// backslash, for use with ESCAPE '\'
func EscapeLike(s, specials string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\\' || strings.ContainsRune(specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LimitOffset is the LIMIT/OFFSET paging shared by SQLite and PostgreSQL.
// An offset is only applied together with a limit.
func LimitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := " LIMIT " + strconv.Itoa(limit)
	if offset > 0 {
		clause += " OFFSET " + strconv.Itoa(offset)
	}
	return clause
}
