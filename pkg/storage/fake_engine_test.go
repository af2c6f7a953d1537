package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/types"
)

var errTransient = errors.New("fake: database is locked")

// fakeEngine is an in-memory Engine with failure injection
type fakeEngine struct {
	mu   sync.Mutex
	rows map[string][]byte

	existed    bool
	legacyPath string

	// failures holds errors returned, in order, by the named operation
	failures map[string][]error
	calls    map[string]int

	// upsertHook runs inside Upsert after fn and before the row is written
	upsertHook func() error

	backups    int
	maintains  int
	walEnabled bool
	closed     bool
	probeErr   error
	panicOn    string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		rows:     make(map[string][]byte),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (e *fakeEngine) fail(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

func (e *fakeEngine) callCount(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// enter records a call and pops the next injected failure. Callers hold mu.
func (e *fakeEngine) enter(op string) error {
	e.calls[op]++
	if e.panicOn == op {
		panic("fake: " + op + " exploded")
	}
	if queue := e.failures[op]; len(queue) > 0 {
		e.failures[op] = queue[1:]
		return queue[0]
	}
	return nil
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Open(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("open"); err != nil {
		return false, err
	}
	return e.existed, nil
}

func (e *fakeEngine) Probe(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.probeErr
}

func (e *fakeEngine) Get(ctx context.Context, id string) (*Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("get"); err != nil {
		return nil, err
	}
	data, ok := e.rows[id]
	if !ok {
		return nil, nil
	}
	return &Row{ID: id, Document: append([]byte(nil), data...)}, nil
}

// matching returns rows passing the filter in name order. Rows that do not
// decode are appended last so the store sees them.
func (e *fakeEngine) matching(q *Query) ([]Row, []*types.ManagedCertificate) {
	var docs []*types.ManagedCertificate
	var corrupt []Row
	byID := make(map[string][]byte, len(e.rows))
	for id, data := range e.rows {
		doc, err := codec.Decode(data)
		if err != nil {
			corrupt = append(corrupt, Row{ID: id, Document: data})
			continue
		}
		doc.ID = id
		if MatchesFilter(doc, q) {
			docs = append(docs, doc)
			byID[id] = data
		}
	}
	SortByName(docs)
	sort.Slice(corrupt, func(i, j int) bool { return corrupt[i].ID < corrupt[j].ID })

	rows := make([]Row, 0, len(docs)+len(corrupt))
	for _, doc := range docs {
		rows = append(rows, Row{ID: doc.ID, Document: byID[doc.ID]})
	}
	return append(rows, corrupt...), docs
}

func (e *fakeEngine) Query(ctx context.Context, q *Query) ([]Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("query"); err != nil {
		return nil, err
	}
	rows, _ := e.matching(q)
	offset, limit := q.Filter.Offset(), q.Filter.Limit()
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (e *fakeEngine) Count(ctx context.Context, q *Query) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("count"); err != nil {
		return 0, err
	}
	_, docs := e.matching(q)
	return len(docs), nil
}

func (e *fakeEngine) Upsert(ctx context.Context, id string, fn UpsertFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("upsert"); err != nil {
		return err
	}

	var current *Row
	if data, ok := e.rows[id]; ok {
		current = &Row{ID: id, Document: append([]byte(nil), data...)}
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if e.upsertHook != nil {
		if err := e.upsertHook(); err != nil {
			return err
		}
	}
	e.rows[next.ID] = next.Document
	return nil
}

func (e *fakeEngine) Delete(ctx context.Context, id string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("delete"); err != nil {
		return 0, err
	}
	if _, ok := e.rows[id]; !ok {
		return 0, nil
	}
	delete(e.rows, id)
	return 1, nil
}

func (e *fakeEngine) DeleteByNamePrefix(ctx context.Context, prefix string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("delete_by_name"); err != nil {
		return 0, err
	}
	var n int64
	for id, data := range e.rows {
		doc, err := codec.Decode(data)
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(doc.Name), strings.ToLower(prefix)) {
			delete(e.rows, id)
			n++
		}
	}
	return n, nil
}

func (e *fakeEngine) DeleteAll(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("delete_all"); err != nil {
		return 0, err
	}
	n := int64(len(e.rows))
	e.rows = make(map[string][]byte)
	return n, nil
}

func (e *fakeEngine) IsTransient(err error) bool {
	return errors.Is(err, errTransient)
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) Backup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("backup"); err != nil {
		return err
	}
	e.backups++
	return nil
}

func (e *fakeEngine) Maintain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("maintain"); err != nil {
		return err
	}
	e.maintains++
	return nil
}

func (e *fakeEngine) EnableWAL(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("wal"); err != nil {
		return err
	}
	e.walEnabled = true
	return nil
}

func (e *fakeEngine) LegacyExportPath() string {
	return e.legacyPath
}

// plainEngine hides the optional interfaces of the wrapped engine
type plainEngine struct {
	Engine
}

// testOptions keep retries fast
func testOptions() Options {
	return Options{
		Retry:            RetryPolicy{MaxRetries: 3, Delay: time.Millisecond},
		WriteGateTimeout: time.Second,
		Clock:            func() time.Time { return testNow },
	}
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, engine Engine, opts Options) *Store {
	t.Helper()
	s := New(engine, opts)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}
