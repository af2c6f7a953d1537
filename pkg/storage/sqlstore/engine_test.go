package sqlstore

import (
	"strings"
	"testing"
	"time"

	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDialect renders fragments that are easy to assert on
type testDialect struct{}

func (testDialect) Name() string { return "test" }
func (testDialect) DriverName() string { return "test" }
func (testDialect) TableExistsQuery() string { return "SELECT 1 WHERE ? IS NOT NULL" }
func (testDialect) CreateTable(table string) []string { return []string{"CREATE TABLE " + table} }
func (testDialect) WellFormed() string { return "" }
func (testDialect) JSONText(path string) string { return "J(" + path + ")" }
func (testDialect) ChallengeMatch(field string) string {
	return "ANY(" + field + " = ?)"
}
func (testDialect) TimestampBefore(expr string) string { return expr + " < ?" }
func (testDialect) TimeArg(t time.Time) any { return t.Format(time.RFC3339) }
func (testDialect) EscapeLike(s string) string { return EscapeLike(s, "%_") }
func (testDialect) Paging(limit, offset int) string { return LimitOffset(limit, offset) }
func (testDialect) LockRow(table string) string { return "SELECT document FROM " + table }
func (testDialect) DocumentArg(data []byte) any { return string(data) }
func (testDialect) IsTransient(error) bool { return false }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testDialect{}, storage.Settings{}, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestNew_ValidatesTableName(t *testing.T) {
	tests := []struct {
		table   string
		wantErr bool
	}{
		{"", false},
		{"manageditem", false},
		{"certs_v2", false},
		{"_private", false},
		{"2certs", true},
		{"certs; DROP TABLE users", true},
		{"certs-prod", true},
		{strings.Repeat("x", 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			e, err := New(testDialect{}, storage.Settings{Table: tt.table}, zerolog.Nop())
			if tt.wantErr {
				assert.ErrorIs(t, err, storage.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, e.Table())
		})
	}
}

func TestBuildSelect(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name      string
		filter    *types.ManagedCertificateFilter
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "nil filter",
			filter:    nil,
			wantQuery: "SELECT id, document FROM manageditem ORDER BY LOWER(J(name)), id",
		},
		{
			name:      "id and name",
			filter:    &types.ManagedCertificateFilter{ID: "abc", Name: "WWW.Example.com"},
			wantQuery: "SELECT id, document FROM manageditem WHERE id = ? AND LOWER(J(name)) = ? ORDER BY LOWER(J(name)), id",
			wantArgs:  []any{"abc", "www.example.com"},
		},
		{
			name:      "keyword escapes wildcards",
			filter:    &types.ManagedCertificateFilter{Keyword: "50%_Off"},
			wantQuery: `SELECT id, document FROM manageditem WHERE LOWER(J(name)) LIKE ? ESCAPE '\' ORDER BY LOWER(J(name)), id`,
			wantArgs:  []any{`%50\%\_off%`},
		},
		{
			name:      "staleness",
			filter:    &types.ManagedCertificateFilter{LastOCSPCheckMins: 90, LastRenewalInfoCheckMins: 30},
			wantQuery: "SELECT id, document FROM manageditem WHERE (J(dateLastOcspCheck) IS NULL OR J(dateLastOcspCheck) < ?) AND (J(dateLastRenewalInfoCheck) IS NULL OR J(dateLastRenewalInfoCheck) < ?) ORDER BY LOWER(J(name)), id",
			wantArgs:  []any{"2026-03-01T10:30:00Z", "2026-03-01T11:30:00Z"},
		},
		{
			name:      "challenge predicates are independent",
			filter:    &types.ManagedCertificateFilter{ChallengeType: "dns-01", ChallengeProvider: "p", StoredCredentialKey: "k"},
			wantQuery: "SELECT id, document FROM manageditem WHERE ANY(challengeType = ?) AND ANY(challengeProvider = ?) AND ANY(challengeCredentialKey = ?) ORDER BY LOWER(J(name)), id",
			wantArgs:  []any{"dns-01", "p", "k"},
		},
		{
			name:      "paging",
			filter:    &types.ManagedCertificateFilter{PageIndex: 2, PageSize: 10},
			wantQuery: "SELECT id, document FROM manageditem ORDER BY LOWER(J(name)), id LIMIT 10 OFFSET 20",
		},
		{
			name:      "max results",
			filter:    &types.ManagedCertificateFilter{MaxResults: 5},
			wantQuery: "SELECT id, document FROM manageditem ORDER BY LOWER(J(name)), id LIMIT 5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := e.BuildSelect(&storage.Query{Filter: tt.filter, Now: testNow})
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildCount_IgnoresPaging(t *testing.T) {
	e := newTestEngine(t)

	query, args := e.BuildCount(&storage.Query{
		Filter: &types.ManagedCertificateFilter{ChallengeType: "http-01", PageIndex: 3, PageSize: 10},
		Now:    testNow,
	})
	assert.Equal(t, "SELECT COUNT(*) FROM manageditem WHERE ANY(challengeType = ?)", query)
	assert.Equal(t, []any{"http-01"}, args)
}

// checkedDialect guards every query with a validity predicate
type checkedDialect struct{ testDialect }

func (checkedDialect) WellFormed() string { return "VALID(document)" }

func TestBuildWhere_ExcludesMalformedDocuments(t *testing.T) {
	e, err := New(checkedDialect{}, storage.Settings{}, zerolog.Nop())
	require.NoError(t, err)

	query, args := e.BuildCount(&storage.Query{Now: testNow})
	assert.Equal(t, "SELECT COUNT(*) FROM manageditem WHERE VALID(document)", query)
	assert.Empty(t, args)

	filter := &types.ManagedCertificateFilter{LastOCSPCheckMins: 5, PageSize: 10}
	count, countArgs := e.BuildCount(&storage.Query{Filter: filter, Now: testNow})
	selectQuery, selectArgs := e.BuildSelect(&storage.Query{Filter: filter, Now: testNow})

	assert.Equal(t, "SELECT COUNT(*) FROM manageditem WHERE VALID(document) AND (J(dateLastOcspCheck) IS NULL OR J(dateLastOcspCheck) < ?)", count)
	assert.True(t, strings.HasPrefix(selectQuery, "SELECT id, document FROM manageditem WHERE VALID(document) AND "))
	assert.Equal(t, countArgs, selectArgs)
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in       string
		specials string
		want     string
	}{
		{"plain", "%_", "plain"},
		{"100%", "%_", `100\%`},
		{"a_b", "%_", `a\_b`},
		{`back\slash`, "%_", `back\\slash`},
		{"[abc]", "%_[", `\[abc]`},
		{"[abc]", "%_", "[abc]"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeLike(tt.in, tt.specials), tt.in)
	}
}

func TestLimitOffset(t *testing.T) {
	assert.Equal(t, "", LimitOffset(0, 0))
	assert.Equal(t, "", LimitOffset(0, 20))
	assert.Equal(t, " LIMIT 10", LimitOffset(10, 0))
	assert.Equal(t, " LIMIT 10 OFFSET 20", LimitOffset(10, 20))
}

func TestProbe_NotOpen(t *testing.T) {
	e := newTestEngine(t)
	assert.Error(t, e.Probe(t.Context()))
	assert.NoError(t, e.Close())
}
