package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/log"
	"github.com/cuemby/certstore/pkg/metrics"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConflictPolicy decides what happens when an update carries a stale version
type ConflictPolicy string

const (
	// ConflictPolicyReject fails stale writes with ErrConflict
	ConflictPolicyReject ConflictPolicy = "reject"

	// ConflictPolicyLog logs stale writes and lets them through
	ConflictPolicyLog ConflictPolicy = "log"
)

// probeTimeout bounds the backend check made by IsInitialised
const probeTimeout = 5 * time.Second

// Options configure a Store
type Options struct {
	// Logger receives store and engine logs. Defaults to the "store"
	// component logger.
	Logger *zerolog.Logger

	Retry            RetryPolicy
	WriteGateTimeout time.Duration
	ConflictPolicy   ConflictPolicy

	// Clock and NewID are replaceable for tests
	Clock func() time.Time
	NewID func() string
}

// DefaultOptions returns the options used by the CLI when nothing is configured
func DefaultOptions() Options {
	return Options{
		Retry:            DefaultRetryPolicy(),
		WriteGateTimeout: DefaultWriteGateTimeout,
		ConflictPolicy:   ConflictPolicyReject,
	}
}

// Store implements ManagedItemStore on top of an Engine. Mutations pass the
// write gate, then the retry policy, then the engine; reads skip the gate.
type Store struct {
	engine  Engine
	backend string
	logger  zerolog.Logger

	gate           *WriteGate
	retry          *retrier
	conflictPolicy ConflictPolicy
	now            func() time.Time
	newID          func() string

	initialised atomic.Bool
	initMu      sync.Mutex
	initErr     error
}

// New wraps an engine. The store is unusable until Init succeeds.
func New(engine Engine, opts Options) *Store {
	logger := log.WithBackend(log.ComponentOr(opts.Logger, "store"), engine.Name())

	if opts.ConflictPolicy == "" {
		opts.ConflictPolicy = ConflictPolicyReject
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	s := &Store{
		engine:         engine,
		backend:        engine.Name(),
		logger:         logger,
		gate:           NewWriteGate(opts.WriteGateTimeout),
		conflictPolicy: opts.ConflictPolicy,
		now:            opts.Clock,
		newID:          opts.NewID,
	}
	s.retry = &retrier{
		policy:      opts.Retry,
		isTransient: s.isTransient,
		logger:      logger,
		onRetry: func(operation string) {
			metrics.StoreRetriesTotal.WithLabelValues(s.backend, operation).Inc()
		},
	}
	return s
}

// Open builds the engine registered under backend, wraps it and runs Init.
// A failed Init is logged and leaves the returned store uninitialised; only
// an unknown backend or engine construction failure returns an error.
func Open(ctx context.Context, backend string, settings Settings, opts Options) (*Store, error) {
	logger := log.ComponentOr(opts.Logger, "store")
	engine, err := NewEngine(backend, settings, log.WithBackend(logger, backend))
	if err != nil {
		return nil, err
	}

	s := New(engine, opts)
	_ = s.Init(ctx)
	return s, nil
}

// Init runs the startup sequence: open and upgrade the physical store, import
// a legacy export into a new store, take a backup, switch journaling mode.
// Any failure leaves the store uninitialised.
func (s *Store) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialised.Load() {
		return nil
	}

	timer := metrics.NewTimer()
	if err := s.initialise(ctx); err != nil {
		s.initErr = err
		s.logger.Error().Err(err).Msg("Store initialisation failed, store is not usable")
		return fmt.Errorf("%w: %v", ErrNotInitialised, err)
	}

	s.initErr = nil
	s.initialised.Store(true)
	s.logger.Info().Dur("duration", timer.Duration()).Msg("Store initialised")
	return nil
}

func (s *Store) initialise(ctx context.Context) error {
	var existed bool
	err := s.retry.do(ctx, "open", func(ctx context.Context) error {
		var err error
		existed, err = s.engine.Open(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	importer, canImport := s.engine.(LegacyImporter)
	switch {
	case canImport && !existed:
		if err := s.migrateLegacy(ctx, importer.LegacyExportPath(), false); err != nil {
			return err
		}
	case canImport && importPending(importer.LegacyExportPath()):
		s.logger.Warn().Msg("Resuming interrupted legacy import")
		if err := s.migrateLegacy(ctx, importer.LegacyExportPath(), true); err != nil {
			return err
		}
	default:
		s.logger.Info().Msg("Existing store opened, schema is current")
	}

	// Backup failures never block startup
	_ = s.gatedBackup(ctx)

	if wal, ok := s.engine.(WALEnabler); ok {
		if err := wal.EnableWAL(ctx); err != nil {
			return fmt.Errorf("failed to enable write-ahead log: %w", err)
		}
	}
	return nil
}

// InitError returns the cause of the last failed Init, if any
func (s *Store) InitError() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initErr
}

// Backend returns the engine name
func (s *Store) Backend() string {
	return s.backend
}

// IsInitialised never fails; an unreachable backend reports false
func (s *Store) IsInitialised(ctx context.Context) bool {
	if !s.initialised.Load() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := s.engine.Probe(probeCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Store probe failed")
		return false
	}
	return true
}

// Find returns matching documents. Rows that fail to decode are logged and
// skipped so one corrupt document does not hide the rest.
func (s *Store) Find(ctx context.Context, filter *types.ManagedCertificateFilter) (docs []*types.ManagedCertificate, err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("find", timer, err) }()

	if err := s.ready(); err != nil {
		return nil, err
	}

	q := s.query(filter)
	var rows []Row
	err = s.retry.do(ctx, "find", func(ctx context.Context) error {
		var err error
		rows, err = s.engine.Query(ctx, q)
		return err
	})
	if err != nil {
		return nil, s.classify("find", err)
	}

	docs = make([]*types.ManagedCertificate, 0, len(rows))
	for _, row := range rows {
		doc, err := s.decodeRow(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", row.ID).Msg("Skipping undecodable document")
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// CountAll evaluates the filter predicates without materializing documents.
// Paging does not apply.
func (s *Store) CountAll(ctx context.Context, filter *types.ManagedCertificateFilter) (count int, err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("count", timer, err) }()

	if err := s.ready(); err != nil {
		return 0, err
	}

	q := s.query(filter)
	err = s.retry.do(ctx, "count", func(ctx context.Context) error {
		var err error
		count, err = s.engine.Count(ctx, q)
		return err
	})
	if err != nil {
		return 0, s.classify("count", err)
	}
	return count, nil
}

// GetByID returns nil, nil when no document has the id
func (s *Store) GetByID(ctx context.Context, id string) (doc *types.ManagedCertificate, err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("get", timer, err) }()

	if err := s.ready(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}

	var row *Row
	err = s.retry.do(ctx, "get", func(ctx context.Context) error {
		var err error
		row, err = s.engine.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.classify("get", err)
	}
	if row == nil {
		return nil, nil
	}

	doc, err = s.decodeRow(*row)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, id, err)
	}
	return doc, nil
}

// Update upserts doc. A missing id is generated. The stored version is read
// inside the write transaction and the new version derived from it, so a
// writer never lowers the authoritative version.
func (s *Store) Update(ctx context.Context, doc *types.ManagedCertificate) (persisted *types.ManagedCertificate, err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("update", timer, err) }()

	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.update(ctx, doc)
}

func (s *Store) update(ctx context.Context, doc *types.ManagedCertificate) (*types.ManagedCertificate, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidInput)
	}

	working := *doc
	if working.ID == "" {
		working.ID = s.newID()
	}

	var persisted *types.ManagedCertificate
	err := s.mutate(ctx, "update", func(ctx context.Context) error {
		return s.engine.Upsert(ctx, working.ID, func(current *Row) (*Row, error) {
			next := working
			if current == nil {
				next.Version = 1
			} else {
				stored := s.storedVersion(current)
				if err := s.checkVersion(doc.Version, stored, next.ID); err != nil {
					return nil, err
				}
				next.Version = nextVersion(stored)
			}
			next.IsChanged = false

			data, err := codec.Encode(&next)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			persisted = &next
			return &Row{ID: next.ID, Document: data}, nil
		})
	})
	if err != nil {
		return nil, s.classify("update", err)
	}

	s.logger.Debug().Str("id", persisted.ID).Int64("version", persisted.Version).Msg("Document stored")
	return persisted, nil
}

// storedVersion reads the version of the row being replaced. An undecodable
// row is replaced as if it had version 0.
func (s *Store) storedVersion(current *Row) int64 {
	existing, err := codec.Decode(current.Document)
	if err != nil {
		metrics.StoreDecodeFailuresTotal.WithLabelValues(s.backend).Inc()
		s.logger.Warn().Err(err).Str("id", current.ID).Msg("Replacing undecodable document")
		return 0
	}
	return existing.Version
}

func (s *Store) checkVersion(supplied, stored int64, id string) error {
	if supplied == types.VersionCheckDisabled || stored == types.VersionCheckDisabled {
		return nil
	}
	if supplied >= stored {
		return nil
	}

	metrics.StoreVersionConflictsTotal.WithLabelValues(s.backend, string(s.conflictPolicy)).Inc()
	if s.conflictPolicy == ConflictPolicyLog {
		s.logger.Warn().
			Str("id", id).
			Int64("supplied_version", supplied).
			Int64("stored_version", stored).
			Msg("Stale write overwrites a newer version")
		return nil
	}
	return fmt.Errorf("%w: %s supplied version %d, stored version %d", ErrConflict, id, supplied, stored)
}

// nextVersion increments a version, rolling over to VersionCheckDisabled
// instead of overflowing. Once disabled, a document stays disabled.
func nextVersion(stored int64) int64 {
	switch {
	case stored == types.VersionCheckDisabled, stored == math.MaxInt64:
		return types.VersionCheckDisabled
	case stored < 0:
		return 1
	default:
		return stored + 1
	}
}

// Delete removes doc by id; a missing document is not an error
func (s *Store) Delete(ctx context.Context, doc *types.ManagedCertificate) (err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("delete", timer, err) }()

	if err := s.ready(); err != nil {
		return err
	}
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document without id", ErrInvalidInput)
	}

	var removed int64
	err = s.mutate(ctx, "delete", func(ctx context.Context) error {
		var err error
		removed, err = s.engine.Delete(ctx, doc.ID)
		return err
	})
	if err != nil {
		return s.classify("delete", err)
	}

	s.logger.Debug().Str("id", doc.ID).Int64("removed", removed).Msg("Document deleted")
	return nil
}

// DeleteByName removes documents whose name starts with prefix, ignoring
// case. An empty prefix is rejected; use DeleteAll.
func (s *Store) DeleteByName(ctx context.Context, prefix string) (err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("delete_by_name", timer, err) }()

	if err := s.ready(); err != nil {
		return err
	}
	if prefix == "" {
		return fmt.Errorf("%w: empty name prefix", ErrInvalidInput)
	}

	var removed int64
	err = s.mutate(ctx, "delete_by_name", func(ctx context.Context) error {
		var err error
		removed, err = s.engine.DeleteByNamePrefix(ctx, prefix)
		return err
	})
	if err != nil {
		return s.classify("delete_by_name", err)
	}

	s.logger.Info().Str("prefix", prefix).Int64("removed", removed).Msg("Documents deleted by name")
	return nil
}

// DeleteAll removes every document
func (s *Store) DeleteAll(ctx context.Context) (err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("delete_all", timer, err) }()

	if err := s.ready(); err != nil {
		return err
	}

	var removed int64
	err = s.mutate(ctx, "delete_all", func(ctx context.Context) error {
		var err error
		removed, err = s.engine.DeleteAll(ctx)
		return err
	})
	if err != nil {
		return s.classify("delete_all", err)
	}

	s.logger.Info().Int64("removed", removed).Msg("All documents deleted")
	return nil
}

// StoreAll updates documents one at a time, each through the write gate and
// retry policy. It stops at the first failure.
func (s *Store) StoreAll(ctx context.Context, docs []*types.ManagedCertificate) (err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("store_all", timer, err) }()

	if err := s.ready(); err != nil {
		return err
	}
	return s.storeAll(ctx, docs)
}

func (s *Store) storeAll(ctx context.Context, docs []*types.ManagedCertificate) error {
	for i, doc := range docs {
		if _, err := s.update(ctx, doc); err != nil {
			id := ""
			if doc != nil {
				id = doc.ID
			}
			return fmt.Errorf("failed to store document %d (%s): %w", i, id, err)
		}
	}
	return nil
}

// PerformMaintenance backs up the store and runs engine upkeep while holding
// the write gate. Failures are logged and returned; a panicking engine is
// reported as an error.
func (s *Store) PerformMaintenance(ctx context.Context) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: maintenance panicked: %v", ErrUnavailable, r)
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Store maintenance failed")
		}
		metrics.MaintenanceRunsTotal.WithLabelValues(s.backend, metrics.Result(err)).Inc()
		s.observe("maintenance", timer, err)
	}()

	if err := s.ready(); err != nil {
		return err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	backupErr := s.backup(ctx)

	maintainer, ok := s.engine.(Maintainer)
	if !ok {
		s.logger.Warn().Msg("Backend has no maintenance routine")
		return backupErr
	}

	err = s.retry.do(ctx, "maintenance", maintainer.Maintain)
	if err != nil {
		return s.classify("maintenance", err)
	}

	s.logger.Info().Dur("duration", timer.Duration()).Msg("Store maintenance completed")
	return backupErr
}

// Backup takes an online backup through the write gate
func (s *Store) Backup(ctx context.Context) (err error) {
	timer := metrics.NewTimer()
	defer func() { s.observe("backup", timer, err) }()

	if err := s.ready(); err != nil {
		return err
	}
	return s.gatedBackup(ctx)
}

func (s *Store) gatedBackup(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Backup skipped")
		return err
	}
	defer release()
	return s.backup(ctx)
}

func (s *Store) backup(ctx context.Context) error {
	backuper, ok := s.engine.(Backuper)
	if !ok {
		s.logger.Debug().Msg("Backend does not take backups")
		return nil
	}

	err := backuper.Backup(ctx)
	metrics.BackupsTotal.WithLabelValues(s.backend, metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Error().Err(err).Msg("Store backup failed")
		return fmt.Errorf("%w: backup: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the engine; the store is unusable afterwards
func (s *Store) Close() error {
	s.initialised.Store(false)
	return s.engine.Close()
}

// mutate runs fn under the write gate and the retry policy
func (s *Store) mutate(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.retry.do(ctx, operation, fn)
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	wait := metrics.NewTimer()
	release, err := s.gate.Acquire(ctx)
	wait.ObserveDuration(metrics.WriteGateWait)

	if err != nil {
		if errors.Is(err, ErrBusy) {
			metrics.WriteGateTimeoutsTotal.Inc()
			s.logger.Warn().Dur("timeout", s.gate.Timeout()).Msg("Write gate busy")
		}
		return nil, err
	}
	return release, nil
}

func (s *Store) ready() error {
	if !s.initialised.Load() {
		return ErrNotInitialised
	}
	return nil
}

func (s *Store) query(filter *types.ManagedCertificateFilter) *Query {
	if filter == nil {
		filter = &types.ManagedCertificateFilter{}
	}
	return &Query{Filter: filter, Now: s.now().UTC()}
}

// decodeRow decodes a row; the row key wins over the document's own id
func (s *Store) decodeRow(row Row) (*types.ManagedCertificate, error) {
	doc, err := codec.Decode(row.Document)
	if err != nil {
		metrics.StoreDecodeFailuresTotal.WithLabelValues(s.backend).Inc()
		return nil, err
	}
	if doc.ID != row.ID {
		s.logger.Debug().Str("row_id", row.ID).Str("document_id", doc.ID).Msg("Correcting document id from row key")
		doc.ID = row.ID
	}
	return doc, nil
}

// isTransient asks the engine, except for the store's own errors which are
// never retried
func (s *Store) isTransient(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidDocument),
		errors.Is(err, ErrBusy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return s.engine.IsTransient(err)
}

// classify reduces an error to the store's taxonomy without leaking engine
// error types
func (s *Store) classify(operation string, err error) error {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidDocument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrBusy),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case s.engine.IsTransient(err):
		return fmt.Errorf("%w: %s failed after retries: %v", ErrUnavailable, operation, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, operation, err)
	}
}

func (s *Store) observe(operation string, timer *metrics.Timer, err error) {
	metrics.StoreOperationsTotal.WithLabelValues(s.backend, operation, metrics.Result(err)).Inc()
	timer.ObserveDurationVec(metrics.StoreOperationDuration, s.backend, operation)
}
