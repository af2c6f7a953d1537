// Package bolt registers the "bolt" storage backend, a single bbolt file with
// one bucket holding the encoded documents keyed by id.
//
// bbolt has no query language, so filtering decodes every document and
// evaluates the filter in memory. That is fine for the few thousand
// certificates a host manages; use sqlite or a server backend beyond that.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

const (
	// Name is the backend name
	Name = "bolt"

	// DatabaseFile is the file created in the data directory
	DatabaseFile = "manageditems.bolt"

	backupSuffix  = ".bak"
	compactSuffix = ".compact"

	// compactTxSize bounds the bytes copied per transaction while compacting
	compactTxSize = 64 * 1024

	fileMode = 0600
)

func init() {
	storage.RegisterEngine(Name, func(settings storage.Settings, logger zerolog.Logger) (storage.Engine, error) {
		return New(settings, logger)
	})
}

// Engine is the bbolt backend
type Engine struct {
	settings storage.Settings
	logger   zerolog.Logger
	path     string
	bucket   []byte

	// mu is held exclusively while Maintain swaps the file
	mu sync.RWMutex
	db *bolt.DB
}

// New returns an engine for settings.DataDir. Nothing is opened until Open.
func New(settings storage.Settings, logger zerolog.Logger) (*Engine, error) {
	if settings.DataDir == "" {
		return nil, fmt.Errorf("%w: bolt backend requires a data directory", storage.ErrInvalidInput)
	}

	return &Engine{
		settings: settings,
		logger:   logger,
		path:     filepath.Join(settings.DataDir, DatabaseFile),
		bucket:   []byte(settings.TableName()),
	}, nil
}

func (e *Engine) Name() string { return Name }

// Path returns the database file
func (e *Engine) Path() string { return e.path }

// BackupPath returns the file Backup writes
func (e *Engine) BackupPath() string { return e.path + backupSuffix }

// LegacyExportPath returns where a legacy JSON export is looked for
func (e *Engine) LegacyExportPath() string {
	return filepath.Join(e.settings.DataDir, storage.LegacyExportFile)
}

func (e *Engine) Open(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(e.settings.DataDir, 0700); err != nil {
		return false, fmt.Errorf("failed to create data directory: %w", err)
	}

	existed := false
	if info, err := os.Stat(e.path); err == nil && info.Size() > 0 {
		existed = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		db, err := e.openFile()
		if err != nil {
			return false, err
		}
		e.db = db
	}
	return existed, nil
}

// openFile opens the database and creates the bucket. The caller holds mu.
func (e *Engine) openFile() (*bolt.DB, error) {
	db, err := bolt.Open(e.path, fileMode, &bolt.Options{Timeout: e.settings.Timeout()})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(e.bucket); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", e.bucket, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (e *Engine) Probe(ctx context.Context) error {
	return e.view(func(tx *bolt.Tx) error {
		if tx.Bucket(e.bucket) == nil {
			return fmt.Errorf("bucket %s is missing", e.bucket)
		}
		return nil
	})
}

func (e *Engine) Get(ctx context.Context, id string) (*storage.Row, error) {
	var row *storage.Row
	err := e.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(e.bucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		row = &storage.Row{ID: id, Document: clone(data)}
		return nil
	})
	return row, err
}

type match struct {
	doc *types.ManagedCertificate
	row storage.Row
}

// scan decodes every document and keeps those accepted by keep. Rows that do
// not decode are logged and skipped.
func (e *Engine) scan(keep func(*types.ManagedCertificate) bool) ([]match, error) {
	var matches []match
	err := e.view(func(tx *bolt.Tx) error {
		return tx.Bucket(e.bucket).ForEach(func(k, v []byte) error {
			doc, err := codec.Decode(v)
			if err != nil {
				e.logger.Warn().Err(err).Str("id", string(k)).Msg("Skipping undecodable document")
				return nil
			}
			doc.ID = string(k)
			if keep(doc) {
				matches = append(matches, match{doc: doc, row: storage.Row{ID: doc.ID, Document: clone(v)}})
			}
			return nil
		})
	})
	return matches, err
}

func (e *Engine) Query(ctx context.Context, q *storage.Query) ([]storage.Row, error) {
	matches, err := e.scan(func(doc *types.ManagedCertificate) bool {
		return storage.MatchesFilter(doc, q)
	})
	if err != nil {
		return nil, err
	}

	docs := make([]*types.ManagedCertificate, len(matches))
	byDoc := make(map[*types.ManagedCertificate]storage.Row, len(matches))
	for i, m := range matches {
		docs[i] = m.doc
		byDoc[m.doc] = m.row
	}
	storage.SortByName(docs)
	docs = storage.ApplyPaging(docs, q.Filter)

	rows := make([]storage.Row, len(docs))
	for i, doc := range docs {
		rows[i] = byDoc[doc]
	}
	return rows, nil
}

func (e *Engine) Count(ctx context.Context, q *storage.Query) (int, error) {
	matches, err := e.scan(func(doc *types.ManagedCertificate) bool {
		return storage.MatchesFilter(doc, q)
	})
	return len(matches), err
}

// Upsert runs fn inside a single read-write transaction. bbolt allows one
// writer at a time, so the read and the write cannot interleave with another
// upsert.
func (e *Engine) Upsert(ctx context.Context, id string, fn storage.UpsertFunc) error {
	return e.update(func(b *bolt.Bucket) error {
		var current *storage.Row
		if data := b.Get([]byte(id)); data != nil {
			current = &storage.Row{ID: id, Document: clone(data)}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		return b.Put([]byte(next.ID), next.Document)
	})
}

func (e *Engine) Delete(ctx context.Context, id string) (int64, error) {
	var n int64
	err := e.update(func(b *bolt.Bucket) error {
		if b.Get([]byte(id)) == nil {
			return nil
		}
		n = 1
		return b.Delete([]byte(id))
	})
	return n, err
}

func (e *Engine) DeleteByNamePrefix(ctx context.Context, prefix string) (int64, error) {
	prefix = strings.ToLower(prefix)

	var n int64
	err := e.update(func(b *bolt.Bucket) error {
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			doc, err := codec.Decode(v)
			if err != nil {
				return nil
			}
			if strings.HasPrefix(strings.ToLower(doc.Name), prefix) {
				keys = append(keys, clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// keys are collected first; bbolt forbids mutating during ForEach
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(keys))
		return nil
	})
	return n, err
}

func (e *Engine) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := e.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			n = int64(tx.Bucket(e.bucket).Stats().KeyN)
			if err := tx.DeleteBucket(e.bucket); err != nil {
				return err
			}
			_, err := tx.CreateBucket(e.bucket)
			return err
		})
	})
	return n, err
}

// Backup writes a consistent copy of the database next to it
func (e *Engine) Backup(ctx context.Context) error {
	return e.withDB(func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			if err := storage.RotateBackup(e.BackupPath()); err != nil {
				return err
			}
			if err := tx.CopyFile(e.BackupPath(), fileMode); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}
			e.logger.Info().Str("path", e.BackupPath()).Int64("bytes", tx.Size()).Msg("Backed up database")
			return nil
		})
	})
}

// Maintain compacts the database into a fresh file and swaps it in.
// Readers and writers wait for the swap.
func (e *Engine) Maintain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return errNotOpen
	}

	tmp := e.path + compactSuffix
	_ = os.Remove(tmp)

	dst, err := bolt.Open(tmp, fileMode, &bolt.Options{Timeout: e.settings.Timeout()})
	if err != nil {
		return fmt.Errorf("failed to create compaction target: %w", err)
	}

	start := time.Now()
	before := fileSize(e.path)
	if err := bolt.Compact(dst, e.db, compactTxSize); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to compact database: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := e.db.Close(); err != nil {
		return err
	}
	e.db = nil

	if err := os.Rename(tmp, e.path); err != nil {
		// the original file is untouched; reopen it
		db, openErr := e.openFile()
		if openErr == nil {
			e.db = db
		}
		return errors.Join(fmt.Errorf("failed to replace database: %w", err), openErr)
	}

	db, err := e.openFile()
	if err != nil {
		return err
	}
	e.db = db

	e.logger.Info().
		Dur("duration", time.Since(start)).
		Int64("bytes_before", before).
		Int64("bytes_after", fileSize(e.path)).
		Msg("Compacted database")
	return nil
}

func (e *Engine) IsTransient(err error) bool {
	return errors.Is(err, berrors.ErrTimeout)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

var errNotOpen = errors.New("bolt engine is not open")

func (e *Engine) withDB(fn func(db *bolt.DB) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.db == nil {
		return errNotOpen
	}
	return fn(e.db)
}

func (e *Engine) view(fn func(tx *bolt.Tx) error) error {
	return e.withDB(func(db *bolt.DB) error {
		return db.View(fn)
	})
}

func (e *Engine) update(fn func(b *bolt.Bucket) error) error {
	return e.withDB(func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			return fn(tx.Bucket(e.bucket))
		})
	})
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// clone copies a value out of a transaction; bbolt memory is only valid
// until the transaction ends
func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
