package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_NotInitialised(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeEngine(), testOptions())

	_, err := s.Find(ctx, nil)
	assert.ErrorIs(t, err, ErrNotInitialised)
	_, err = s.CountAll(ctx, nil)
	assert.ErrorIs(t, err, ErrNotInitialised)
	_, err = s.GetByID(ctx, "x")
	assert.ErrorIs(t, err, ErrNotInitialised)
	_, err = s.Update(ctx, &types.ManagedCertificate{Name: "x"})
	assert.ErrorIs(t, err, ErrNotInitialised)
	assert.ErrorIs(t, s.Delete(ctx, &types.ManagedCertificate{ID: "x"}), ErrNotInitialised)
	assert.ErrorIs(t, s.DeleteByName(ctx, "x"), ErrNotInitialised)
	assert.ErrorIs(t, s.DeleteAll(ctx), ErrNotInitialised)
	assert.ErrorIs(t, s.StoreAll(ctx, nil), ErrNotInitialised)
	assert.ErrorIs(t, s.PerformMaintenance(ctx), ErrNotInitialised)
	assert.ErrorIs(t, s.Backup(ctx), ErrNotInitialised)
	assert.False(t, s.IsInitialised(ctx))

	// not initialised is a flavour of unavailable
	assert.True(t, IsUnavailableError(ErrNotInitialised))
}

func TestStore_Init(t *testing.T) {
	engine := newFakeEngine()
	engine.existed = true
	s := newTestStore(t, engine, testOptions())

	assert.True(t, s.IsInitialised(context.Background()))
	assert.NoError(t, s.InitError())
	assert.Equal(t, 1, engine.backups)
	assert.True(t, engine.walEnabled)
	assert.Equal(t, "fake", s.Backend())

	// a second Init is a no-op
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, 1, engine.callCount("open"))
}

func TestStore_InitRetriesTransientOpen(t *testing.T) {
	engine := newFakeEngine()
	engine.fail("open", errTransient, errTransient)

	s := newTestStore(t, engine, testOptions())

	assert.True(t, s.IsInitialised(context.Background()))
	assert.Equal(t, 3, engine.callCount("open"))
}

func TestStore_InitFailureLeavesStoreUnusable(t *testing.T) {
	engine := newFakeEngine()
	engine.fail("open", errors.New("schema upgrade failed"))

	s := New(engine, testOptions())
	err := s.Init(context.Background())

	assert.ErrorIs(t, err, ErrNotInitialised)
	assert.ErrorContains(t, s.InitError(), "schema upgrade failed")
	assert.False(t, s.IsInitialised(context.Background()))

	_, err = s.Find(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialised)
}

func TestStore_InitWALFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.fail("wal", errors.New("cannot change journal mode"))

	s := New(engine, testOptions())

	assert.ErrorIs(t, s.Init(context.Background()), ErrNotInitialised)
	assert.False(t, s.IsInitialised(context.Background()))
}

func TestStore_InitBackupFailureIsNotFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.fail("backup", errors.New("disk full"))

	s := newTestStore(t, engine, testOptions())

	assert.True(t, s.IsInitialised(context.Background()))
	assert.Equal(t, 0, engine.backups)
}

func TestStore_IsInitialisedProbeFailure(t *testing.T) {
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	engine.probeErr = errors.New("connection refused")
	assert.False(t, s.IsInitialised(context.Background()))

	engine.probeErr = nil
	assert.True(t, s.IsInitialised(context.Background()))
}

func TestStore_UpdateAssignsIDAndVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	doc := &types.ManagedCertificate{
		Name:               "www.example.com",
		ItemType:           types.ItemTypeSSLACME,
		IncludeInAutoRenew: true,
		DateExpiry:         &expiry,
		RequestConfig: types.CertRequestConfig{
			PrimaryDomain: "www.example.com",
			Challenges:    []types.CertRequestChallengeConfig{{ChallengeType: types.ChallengeTypeHTTP01}},
		},
	}

	persisted, err := s.Update(ctx, doc)
	require.NoError(t, err)
	assert.NotEmpty(t, persisted.ID)
	assert.Equal(t, int64(1), persisted.Version)
	assert.Empty(t, doc.ID, "caller's document is not mutated")

	got, err := s.GetByID(ctx, persisted.ID)
	require.NoError(t, err)

	want := *doc
	want.ID = persisted.ID
	want.Version = 1
	assert.Equal(t, &want, got)
}

func TestStore_UpdateGeneratesUniqueIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		persisted, err := s.Update(ctx, &types.ManagedCertificate{Name: "same"})
		require.NoError(t, err)
		assert.False(t, seen[persisted.ID])
		seen[persisted.ID] = true
	}
}

func TestStore_UpdateIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	first, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a"})
	require.NoError(t, err)
	second, err := s.Update(ctx, first)
	require.NoError(t, err)
	third, err := s.Update(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, int64(3), third.Version)
}

func TestNextVersion(t *testing.T) {
	tests := []struct {
		stored int64
		want   int64
	}{
		{0, 1},
		{1, 2},
		{41, 42},
		{math.MaxInt64 - 1, math.MaxInt64},
		{math.MaxInt64, types.VersionCheckDisabled},
		{types.VersionCheckDisabled, types.VersionCheckDisabled},
		{-7, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.stored), func(t *testing.T) {
			assert.Equal(t, tt.want, nextVersion(tt.stored))
		})
	}
}

func TestStore_VersionOverflow(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	_, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a"})
	require.NoError(t, err)

	// force the stored version to the ceiling
	seeded := &types.ManagedCertificate{ID: "a", Name: "a", Version: math.MaxInt64}
	seedRow(t, engine, seeded)

	rolled, err := s.Update(ctx, seeded)
	require.NoError(t, err)
	assert.Equal(t, types.VersionCheckDisabled, rolled.Version)

	// disabled stays disabled, and stale versions are accepted
	again, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a", Version: 3})
	require.NoError(t, err)
	assert.Equal(t, types.VersionCheckDisabled, again.Version)
}

func TestStore_ConflictPolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   ConflictPolicy
		supplied int64
		wantErr  bool
	}{
		{"reject stale", ConflictPolicyReject, 1, true},
		{"reject equal", ConflictPolicyReject, 3, false},
		{"reject newer", ConflictPolicyReject, 9, false},
		{"reject disabled", ConflictPolicyReject, types.VersionCheckDisabled, false},
		{"log stale", ConflictPolicyLog, 1, false},
		{"default is reject", "", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			opts := testOptions()
			opts.ConflictPolicy = tt.policy
			s := newTestStore(t, newFakeEngine(), opts)

			doc := &types.ManagedCertificate{ID: "a", Name: "original"}
			for i := 0; i < 3; i++ {
				var err error
				doc, err = s.Update(ctx, doc)
				require.NoError(t, err)
			}
			require.Equal(t, int64(3), doc.Version)

			_, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "writer", Version: tt.supplied})

			got, getErr := s.GetByID(ctx, "a")
			require.NoError(t, getErr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConflict)
				assert.True(t, IsConflictError(err))
				assert.Equal(t, "original", got.Name)
				assert.Equal(t, int64(3), got.Version)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "writer", got.Name)
				assert.Equal(t, int64(4), got.Version)
			}
		})
	}
}

func TestStore_ConflictIsNotRetried(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	doc, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a"})
	require.NoError(t, err)
	_, err = s.Update(ctx, doc)
	require.NoError(t, err)

	before := engine.callCount("upsert")
	_, err = s.Update(ctx, doc)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, before+1, engine.callCount("upsert"))
}

func TestStore_UpdateRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	engine.fail("upsert", errTransient, errTransient)

	persisted, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), persisted.Version)
	assert.Equal(t, 3, engine.callCount("upsert"))
}

func TestStore_UpdateRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	engine.fail("upsert", errTransient, errTransient, errTransient, errTransient)

	_, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, errTransient, "engine errors do not leak")
	assert.Equal(t, 4, engine.callCount("upsert"))
}

func TestStore_FailedWriteKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	original, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "before"})
	require.NoError(t, err)

	engine.upsertHook = func() error { return errors.New("disk I/O error") }
	modified := *original
	modified.Name = "after"
	_, err = s.Update(ctx, &modified)
	assert.ErrorIs(t, err, ErrUnavailable)
	engine.upsertHook = nil

	got, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "before", got.Name)
	assert.Equal(t, int64(1), got.Version)
}

func TestStore_UpdateNil(t *testing.T) {
	s := newTestStore(t, newFakeEngine(), testOptions())
	_, err := s.Update(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStore_GetByID(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	t.Run("absent", func(t *testing.T) {
		got, err := s.GetByID(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := s.GetByID(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("corrupt document", func(t *testing.T) {
		engine.rows["bad"] = []byte("{not json")
		_, err := s.GetByID(ctx, "bad")
		assert.ErrorIs(t, err, ErrInvalidDocument)
		assert.True(t, IsInvalidInputError(err))
	})

	t.Run("row key wins over document id", func(t *testing.T) {
		seedRow(t, engine, &types.ManagedCertificate{ID: "other", Name: "x"})
		engine.rows["key"] = engine.rows["other"]
		got, err := s.GetByID(ctx, "key")
		require.NoError(t, err)
		assert.Equal(t, "key", got.ID)
	})

	t.Run("transient read retried", func(t *testing.T) {
		engine.fail("get", errTransient)
		got, err := s.GetByID(ctx, "key")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func TestStore_FindOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	// insert in reverse so ordering is not an accident of insertion
	for i := 29; i >= 0; i-- {
		name := fmt.Sprintf("site-%02d.example.com", i)
		if i%2 == 0 {
			name = fmt.Sprintf("SITE-%02d.example.com", i)
		}
		_, err := s.Update(ctx, &types.ManagedCertificate{Name: name})
		require.NoError(t, err)
	}

	all, err := s.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 30)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, strings.ToLower(all[i-1].Name), strings.ToLower(all[i].Name))
	}

	page, err := s.Find(ctx, &types.ManagedCertificateFilter{PageIndex: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, all[10:20], page)

	tail, err := s.Find(ctx, &types.ManagedCertificateFilter{PageIndex: 2, PageSize: 12})
	require.NoError(t, err)
	assert.Equal(t, all[24:], tail)

	limited, err := s.Find(ctx, &types.ManagedCertificateFilter{MaxResults: 5})
	require.NoError(t, err)
	assert.Equal(t, all[:5], limited)

	count, err := s.CountAll(ctx, &types.ManagedCertificateFilter{PageIndex: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 30, count, "counts ignore paging")
}

func TestStore_FindEmpty(t *testing.T) {
	s := newTestStore(t, newFakeEngine(), testOptions())

	docs, err := s.Find(context.Background(), &types.ManagedCertificateFilter{Name: "nothing"})
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestStore_FindSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	_, err := s.Update(ctx, &types.ManagedCertificate{ID: "good", Name: "good"})
	require.NoError(t, err)
	engine.rows["bad"] = []byte("<xml/>")

	docs, err := s.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "good", docs[0].ID)
}

func TestStore_CountMatchesFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	require.NoError(t, s.StoreAll(ctx, fixtureCerts()))

	filters := []types.ManagedCertificateFilter{
		{},
		{ChallengeType: types.ChallengeTypeDNS01},
		{ChallengeType: types.ChallengeTypeHTTP01},
		{ChallengeProvider: "DNS01.API.Cloudflare"},
		{StoredCredentialKey: "cred-cf"},
		{ChallengeType: types.ChallengeTypeDNS01, ChallengeProvider: "DNS01.API.Route53"},
		{Keyword: "example"},
		{LastOCSPCheckMins: 60},
		{LastRenewalInfoCheckMins: 60},
		{Keyword: "example", ChallengeType: types.ChallengeTypeDNS01, LastOCSPCheckMins: 60},
		{Name: "API.EXAMPLE.ORG"},
	}

	for _, f := range filters {
		f := f
		t.Run(fmt.Sprintf("%+v", f), func(t *testing.T) {
			docs, err := s.Find(ctx, &f)
			require.NoError(t, err)
			count, err := s.CountAll(ctx, &f)
			require.NoError(t, err)
			assert.Equal(t, len(docs), count)
		})
	}
}

func TestStore_StalenessTreatsMissingAsStale(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	require.NoError(t, s.StoreAll(ctx, fixtureCerts()))

	docs, err := s.Find(ctx, &types.ManagedCertificateFilter{LastOCSPCheckMins: 60})
	require.NoError(t, err)

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	// c1 checked 2h ago, c3 never checked; c2 checked 5m ago
	assert.ElementsMatch(t, []string{"c1", "c3"}, ids)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	doc, err := s.Update(ctx, &types.ManagedCertificate{ID: "a", Name: "a"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, doc))
	got, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	// deleting again is not an error
	assert.NoError(t, s.Delete(ctx, doc))
	assert.ErrorIs(t, s.Delete(ctx, &types.ManagedCertificate{}), ErrInvalidInput)
	assert.ErrorIs(t, s.Delete(ctx, nil), ErrInvalidInput)
}

func TestStore_DeleteByName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	for _, name := range []string{"foo.example.com", "FOO-api.example.com", "bar.example.com", "xfoo.example.com"} {
		_, err := s.Update(ctx, &types.ManagedCertificate{Name: name})
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteByName(ctx, "foo"))

	docs, err := s.Find(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, d := range docs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"bar.example.com", "xfoo.example.com"}, names)

	assert.ErrorIs(t, s.DeleteByName(ctx, ""), ErrInvalidInput)
}

func TestStore_DeleteAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeEngine(), testOptions())

	require.NoError(t, s.StoreAll(ctx, fixtureCerts()))
	require.NoError(t, s.DeleteAll(ctx))

	docs, err := s.Find(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStore_StoreAllStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	engine.fail("upsert", nil, errors.New("constraint failed"))
	err := s.StoreAll(ctx, fixtureCerts())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "document 1")
	assert.Len(t, engine.rows, 1)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.WriteGateTimeout = 10 * time.Second
	s := newTestStore(t, newFakeEngine(), opts)

	const writers = 50
	var wg sync.WaitGroup
	results := make([]*types.ManagedCertificate, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Update(ctx, &types.ManagedCertificate{
				ID:   fmt.Sprintf("concurrent-%02d", i),
				Name: fmt.Sprintf("host-%02d.example.com", i),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1), results[i].Version)
	}

	docs, err := s.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, docs, writers)
	ids := make(map[string]bool)
	for _, d := range docs {
		ids[d.ID] = true
	}
	assert.Len(t, ids, writers)
}

func TestStore_ConcurrentUpdatesSameDocument(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.WriteGateTimeout = 10 * time.Second
	s := newTestStore(t, newFakeEngine(), opts)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, &types.ManagedCertificate{ID: "shared", Name: "shared", Version: types.VersionCheckDisabled})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetByID(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.Version)
}

func TestStore_WriteGateBusy(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.WriteGateTimeout = 20 * time.Millisecond
	s := newTestStore(t, newFakeEngine(), opts)

	release, err := s.gate.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	_, err = s.Update(ctx, &types.ManagedCertificate{Name: "blocked"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsBusyError(err))
	assert.False(t, IsUnavailableError(err), "busy is distinct from broken")

	// reads do not wait for the gate
	_, err = s.Find(ctx, nil)
	assert.NoError(t, err)
}

func TestStore_PerformMaintenance(t *testing.T) {
	ctx := context.Background()
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	require.NoError(t, s.PerformMaintenance(ctx))
	assert.Equal(t, 1, engine.maintains)
	assert.Equal(t, 2, engine.backups)
}

func TestStore_PerformMaintenanceWithoutMaintainer(t *testing.T) {
	engine := newFakeEngine()
	s := newTestStore(t, plainEngine{engine}, testOptions())

	assert.NoError(t, s.PerformMaintenance(context.Background()))
	assert.Equal(t, 0, engine.maintains)
	assert.Equal(t, 0, engine.backups)
}

func TestStore_PerformMaintenanceFailure(t *testing.T) {
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	engine.fail("maintain", errors.New("database disk image is malformed"))
	err := s.PerformMaintenance(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStore_PerformMaintenanceRecoversPanic(t *testing.T) {
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	engine.panicOn = "maintain"
	var err error
	assert.NotPanics(t, func() { err = s.PerformMaintenance(context.Background()) })
	assert.ErrorIs(t, err, ErrUnavailable)

	// the gate was released by the deferred release
	engine.panicOn = ""
	_, err = s.Update(context.Background(), &types.ManagedCertificate{Name: "after"})
	assert.NoError(t, err)
}

func TestStore_Backup(t *testing.T) {
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	require.NoError(t, s.Backup(context.Background()))
	assert.Equal(t, 2, engine.backups)

	engine.fail("backup", errors.New("read-only file system"))
	assert.ErrorIs(t, s.Backup(context.Background()), ErrUnavailable)
}

func TestStore_Close(t *testing.T) {
	engine := newFakeEngine()
	s := newTestStore(t, engine, testOptions())

	require.NoError(t, s.Close())
	assert.True(t, engine.closed)
	assert.False(t, s.IsInitialised(context.Background()))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "no-such-backend", Settings{}, testOptions())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOpen_RegisteredBackend(t *testing.T) {
	engine := newFakeEngine()
	RegisterEngine("fake-open", func(Settings, zerolog.Logger) (Engine, error) { return engine, nil })

	s, err := Open(context.Background(), "fake-open", Settings{}, testOptions())
	require.NoError(t, err)
	assert.True(t, s.IsInitialised(context.Background()))
	assert.Contains(t, Engines(), "fake-open")
}

func TestRegisterEngine_Panics(t *testing.T) {
	assert.Panics(t, func() { RegisterEngine("nil-factory", nil) })

	factory := func(Settings, zerolog.Logger) (Engine, error) { return newFakeEngine(), nil }
	RegisterEngine("dup", factory)
	assert.Panics(t, func() { RegisterEngine("dup", factory) })
}

func TestSettings_Defaults(t *testing.T) {
	assert.Equal(t, DefaultTable, Settings{}.TableName())
	assert.Equal(t, "certs", Settings{Table: "certs"}.TableName())
	assert.Equal(t, 30*time.Second, Settings{}.Timeout())
	assert.Equal(t, time.Second, Settings{CommandTimeout: time.Second}.Timeout())
}

func seedRow(t *testing.T, engine *fakeEngine, doc *types.ManagedCertificate) {
	t.Helper()
	data, err := codec.Encode(doc)
	require.NoError(t, err)
	engine.mu.Lock()
	engine.rows[doc.ID] = data
	engine.mu.Unlock()
}

func fixtureCerts() []*types.ManagedCertificate {
	return []*types.ManagedCertificate{
		{
			ID:                "c1",
			Name:              "www.example.com",
			DateLastOcspCheck: timeAgo(2 * time.Hour),
			RequestConfig: types.CertRequestConfig{
				Challenges: []types.CertRequestChallengeConfig{
					{ChallengeType: types.ChallengeTypeDNS01, ChallengeProvider: "DNS01.API.Route53", ChallengeCredentialKey: "cred-aws"},
				},
			},
		},
		{
			ID:                       "c2",
			Name:                     "api.example.org",
			DateLastOcspCheck:        timeAgo(5 * time.Minute),
			DateLastRenewalInfoCheck: timeAgo(5 * time.Minute),
			RequestConfig: types.CertRequestConfig{
				Challenges: []types.CertRequestChallengeConfig{
					{ChallengeType: types.ChallengeTypeHTTP01},
					{ChallengeType: types.ChallengeTypeDNS01, ChallengeProvider: "DNS01.API.Cloudflare", ChallengeCredentialKey: "cred-cf"},
				},
			},
		},
		{
			ID:   "c3",
			Name: "Mail.Example.net",
			RequestConfig: types.CertRequestConfig{
				Challenges: []types.CertRequestChallengeConfig{{ChallengeType: types.ChallengeTypeHTTP01}},
			},
		},
	}
}
