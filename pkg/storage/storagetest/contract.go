// Package storagetest holds the behavioural suite every storage backend must
// pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Now is the fixed clock used by Options
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Options returns store options with fast retries and the fixed clock
func Options() storage.Options {
	return storage.Options{
		Retry:            storage.RetryPolicy{MaxRetries: 3, Delay: 10 * time.Millisecond},
		WriteGateTimeout: 30 * time.Second,
		Clock:            func() time.Time { return Now },
	}
}

// Factory returns an initialised, empty store. The suite closes it.
type Factory func(t *testing.T) *storage.Store

func ago(d time.Duration) *time.Time {
	t := Now.Add(-d)
	return &t
}

// Fixtures are four certificates covering every filter predicate
func Fixtures() []*types.ManagedCertificate {
	return []*types.ManagedCertificate{
		{
			ID:                "c1",
			Name:              "www.example.com",
			DateLastOcspCheck: ago(2 * time.Hour),
			RequestConfig: types.CertRequestConfig{
				PrimaryDomain: "www.example.com",
				Challenges: []types.CertRequestChallengeConfig{
					{ChallengeType: types.ChallengeTypeDNS01, ChallengeProvider: "DNS01.API.Route53", ChallengeCredentialKey: "cred-aws"},
				},
			},
		},
		{
			ID:                       "c2",
			Name:                     "api.example.org",
			DateLastOcspCheck:        ago(5 * time.Minute),
			DateLastRenewalInfoCheck: ago(5 * time.Minute),
			RequestConfig: types.CertRequestConfig{
				PrimaryDomain: "api.example.org",
				Challenges: []types.CertRequestChallengeConfig{
					{ChallengeType: types.ChallengeTypeHTTP01},
					{ChallengeType: types.ChallengeTypeDNS01, ChallengeProvider: "DNS01.API.Cloudflare", ChallengeCredentialKey: "cred-cf"},
				},
			},
		},
		{
			ID:                       "c3",
			Name:                     "Mail.Example.net",
			DateLastRenewalInfoCheck: ago(3 * time.Hour),
			RequestConfig: types.CertRequestConfig{
				PrimaryDomain: "mail.example.net",
				Challenges:    []types.CertRequestChallengeConfig{{ChallengeType: types.ChallengeTypeHTTP01}},
			},
		},
		{
			ID:   "c4",
			Name: "a_b.example.com",
		},
	}
}

// Run executes the suite, opening a fresh store per case
func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s *storage.Store)
	}{
		{"UpdateAndGet", testUpdateAndGet},
		{"Versioning", testVersioning},
		{"FilterMatrix", testFilterMatrix},
		{"Paging", testPaging},
		{"Deletes", testDeletes},
		{"ConcurrentWriters", testConcurrentWriters},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			require.True(t, s.IsInitialised(context.Background()))
			c.fn(t, s)
		})
	}
}

func testUpdateAndGet(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	expiry := time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC)
	doc := &types.ManagedCertificate{
		Name:               "new.example.com",
		ItemType:           types.ItemTypeSSLACME,
		IncludeInAutoRenew: true,
		DateExpiry:         &expiry,
		RequestConfig: types.CertRequestConfig{
			PrimaryDomain:           "new.example.com",
			SubjectAlternativeNames: []string{"new.example.com", "www.new.example.com"},
			Challenges: []types.CertRequestChallengeConfig{
				{ChallengeType: types.ChallengeTypeHTTP01, Parameters: map[string]string{"port": "80"}},
			},
		},
	}

	persisted, err := s.Update(ctx, doc)
	require.NoError(t, err)
	require.NotEmpty(t, persisted.ID)
	assert.Equal(t, int64(1), persisted.Version)

	got, err := s.GetByID(ctx, persisted.ID)
	require.NoError(t, err)
	want := *doc
	want.ID = persisted.ID
	want.Version = 1
	assert.Equal(t, &want, got)
	assert.False(t, got.IsChanged)

	missing, err := s.GetByID(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testVersioning(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	first, err := s.Update(ctx, &types.ManagedCertificate{ID: "v", Name: "v.example.com"})
	require.NoError(t, err)
	second, err := s.Update(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)

	stale := *first
	stale.Name = "stale"
	_, err = s.Update(ctx, &stale)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetByID(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, "v.example.com", got.Name)
	assert.Equal(t, second.Version, got.Version)
}

func testFilterMatrix(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.StoreAll(ctx, Fixtures()))

	tests := []struct {
		name   string
		filter types.ManagedCertificateFilter
		want   []string
	}{
		{"all", types.ManagedCertificateFilter{}, []string{"c4", "c2", "c3", "c1"}},
		{"id", types.ManagedCertificateFilter{ID: "c2"}, []string{"c2"}},
		{"name", types.ManagedCertificateFilter{Name: "MAIL.example.NET"}, []string{"c3"}},
		{"keyword", types.ManagedCertificateFilter{Keyword: "EXAMPLE.O"}, []string{"c2"}},
		{"keyword wildcard literal", types.ManagedCertificateFilter{Keyword: "a_b"}, []string{"c4"}},
		{"ocsp", types.ManagedCertificateFilter{LastOCSPCheckMins: 60}, []string{"c4", "c3", "c1"}},
		{"renewal info", types.ManagedCertificateFilter{LastRenewalInfoCheckMins: 60}, []string{"c4", "c3", "c1"}},
		{"challenge type", types.ManagedCertificateFilter{ChallengeType: types.ChallengeTypeDNS01}, []string{"c2", "c1"}},
		{"challenge provider", types.ManagedCertificateFilter{ChallengeProvider: "DNS01.API.Cloudflare"}, []string{"c2"}},
		{"credential key", types.ManagedCertificateFilter{StoredCredentialKey: "cred-aws"}, []string{"c1"}},
		{"split challenge match", types.ManagedCertificateFilter{ChallengeType: types.ChallengeTypeHTTP01, StoredCredentialKey: "cred-cf"}, []string{"c2"}},
		{"combined", types.ManagedCertificateFilter{Keyword: "example", ChallengeType: types.ChallengeTypeDNS01, LastOCSPCheckMins: 60}, []string{"c1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.filter
			docs, err := s.Find(ctx, &f)
			require.NoError(t, err)

			ids := make([]string, 0, len(docs))
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tt.want, ids)

			count, err := s.CountAll(ctx, &f)
			require.NoError(t, err)
			assert.Equal(t, len(docs), count)
		})
	}
}

func testPaging(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	var docs []*types.ManagedCertificate
	for i := 24; i >= 0; i-- {
		docs = append(docs, &types.ManagedCertificate{
			ID:   fmt.Sprintf("p-%02d", i),
			Name: fmt.Sprintf("Page-%02d.example.com", i%20),
		})
	}
	require.NoError(t, s.StoreAll(ctx, docs))

	all, err := s.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 25)

	page, err := s.Find(ctx, &types.ManagedCertificateFilter{PageIndex: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, all[10:20], page)

	last, err := s.Find(ctx, &types.ManagedCertificateFilter{PageIndex: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, all[20:], last)

	capped, err := s.Find(ctx, &types.ManagedCertificateFilter{MaxResults: 3})
	require.NoError(t, err)
	assert.Equal(t, all[:3], capped)

	count, err := s.CountAll(ctx, &types.ManagedCertificateFilter{PageIndex: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, count)
}

func testDeletes(t *testing.T, s *storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.StoreAll(ctx, Fixtures()))

	require.NoError(t, s.DeleteByName(ctx, "WWW"))
	require.NoError(t, s.DeleteByName(ctx, "a%"))
	require.NoError(t, s.Delete(ctx, &types.ManagedCertificate{ID: "c2"}))
	require.NoError(t, s.Delete(ctx, &types.ManagedCertificate{ID: "c2"}))

	docs, err := s.Find(ctx, nil)
	require.NoError(t, err)
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"c4", "c3"}, ids)

	require.NoError(t, s.DeleteAll(ctx))
	docs, err = s.Find(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testConcurrentWriters(t *testing.T, s *storage.Store) {
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := s.Update(ctx, &types.ManagedCertificate{
				ID:   fmt.Sprintf("w-%02d", i),
				Name: fmt.Sprintf("writer-%02d.example.com", i),
			})
			if err == nil && doc.Version != 1 {
				err = fmt.Errorf("%s stored with version %d", doc.ID, doc.Version)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	docs, err := s.Find(ctx, nil)
	require.NoError(t, err)
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		assert.False(t, seen[d.ID], "duplicate id %s", d.ID)
		seen[d.ID] = true
	}
	assert.Len(t, seen, writers)
}
