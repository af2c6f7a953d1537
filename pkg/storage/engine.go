package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/certstore/pkg/types"
	"github.com/rs/zerolog"
)

// Row is one stored document: its key and the encoded document
type Row struct {
	ID       string
	Document []byte
}

// Query is a filter evaluated at a fixed instant so staleness windows are
// stable for the duration of one call
type Query struct {
	Filter *types.ManagedCertificateFilter
	Now    time.Time
}

// OCSPCutoff returns the instant before which an OCSP check is stale
func (q *Query) OCSPCutoff() time.Time {
	return q.Now.Add(-time.Duration(q.Filter.LastOCSPCheckMins) * time.Minute)
}

// RenewalInfoCutoff returns the instant before which a renewal-info check is stale
func (q *Query) RenewalInfoCutoff() time.Time {
	return q.Now.Add(-time.Duration(q.Filter.LastRenewalInfoCheckMins) * time.Minute)
}

// UpsertFunc receives the currently stored row, or nil, and returns the row to
// write. It runs inside the engine's write transaction; returning an error
// aborts the transaction and leaves the stored row untouched.
type UpsertFunc func(current *Row) (*Row, error)

// Engine is the backend contract implemented by every storage adapter.
// Versioning, serialization and retries live in Store; engines only translate
// queries and run transactions.
type Engine interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// Open connects to the physical store and brings its schema up to date.
	// existed reports whether the physical store was present beforehand.
	Open(ctx context.Context) (existed bool, err error)

	// Probe performs a trivial read to check the backend is usable
	Probe(ctx context.Context) error

	// Get returns the row for id, or nil when absent
	Get(ctx context.Context, id string) (*Row, error)

	// Query returns matching rows ordered by name, case-insensitively, with
	// the id as tiebreaker, after paging
	Query(ctx context.Context, q *Query) ([]Row, error)

	// Count returns the number of matching rows, ignoring paging
	Count(ctx context.Context, q *Query) (int, error)

	// Upsert reads the current row for id and writes the row returned by fn
	// in a single transaction
	Upsert(ctx context.Context, id string, fn UpsertFunc) error

	// Delete removes a row by id
	Delete(ctx context.Context, id string) (int64, error)

	// DeleteByNamePrefix removes rows whose name starts with prefix,
	// case-insensitively
	DeleteByNamePrefix(ctx context.Context, prefix string) (int64, error)

	// DeleteAll removes every row
	DeleteAll(ctx context.Context) (int64, error)

	// IsTransient reports whether err is worth retrying unchanged
	IsTransient(err error) bool

	// Close releases the physical store
	Close() error
}

// Backuper is implemented by engines that can take an online backup
type Backuper interface {
	Backup(ctx context.Context) error
}

// Maintainer is implemented by engines with periodic upkeep
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// WALEnabler is implemented by engines that switch journaling mode after
// startup checks and backup
type WALEnabler interface {
	EnableWAL(ctx context.Context) error
}

// LegacyImporter is implemented by engines that adopt a legacy flat-file
// JSON export when their physical store is created
type LegacyImporter interface {
	LegacyExportPath() string
}

// Settings configure an engine. Embedded engines use DataDir, client/server
// engines use ConnectionString.
type Settings struct {
	DataDir          string
	ConnectionString string
	Table            string
	CommandTimeout   time.Duration
}

// DefaultTable is the table or bucket holding managed certificates
const DefaultTable = "manageditem"

// TableName returns the configured table or the default
func (s Settings) TableName() string {
	if s.Table == "" {
		return DefaultTable
	}
	return s.Table
}

// Timeout returns the configured command timeout or the default
func (s Settings) Timeout() time.Duration {
	if s.CommandTimeout <= 0 {
		return 30 * time.Second
	}
	return s.CommandTimeout
}

// Factory constructs an engine. It must not touch the physical store; that
// happens in Engine.Open.
type Factory func(settings Settings, logger zerolog.Logger) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterEngine makes a backend available under name. Backends register
// themselves from init.
func RegisterEngine(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("storage: RegisterEngine factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("storage: RegisterEngine called twice for " + name)
	}
	registry[name] = factory
}

// NewEngine constructs the backend registered under name
func NewEngine(name string, settings Settings, logger zerolog.Logger) (Engine, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown storage backend %q (available: %v)", ErrInvalidInput, name, Engines())
	}
	return factory(settings, logger)
}

// Engines lists the registered backend names
func Engines() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
