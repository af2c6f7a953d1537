package storage

import (
	"sort"
	"strings"
	"time"

	"github.com/cuemby/certstore/pkg/types"
)

// MatchesFilter evaluates a query against a decoded document. Engines without
// a native query over nested collections use it after full deserialization.
func MatchesFilter(doc *types.ManagedCertificate, q *Query) bool {
	f := q.Filter
	if f == nil {
		return true
	}

	if f.ID != "" && doc.ID != f.ID {
		return false
	}
	if f.Name != "" && !strings.EqualFold(doc.Name, f.Name) {
		return false
	}
	if f.Keyword != "" && !strings.Contains(strings.ToLower(doc.Name), strings.ToLower(f.Keyword)) {
		return false
	}
	if f.LastOCSPCheckMins > 0 && !isStale(doc.DateLastOcspCheck, q.OCSPCutoff()) {
		return false
	}
	if f.LastRenewalInfoCheckMins > 0 && !isStale(doc.DateLastRenewalInfoCheck, q.RenewalInfoCutoff()) {
		return false
	}

	if f.ChallengeType != "" && !anyChallenge(doc, func(c types.CertRequestChallengeConfig) bool {
		return c.ChallengeType == f.ChallengeType
	}) {
		return false
	}
	if f.ChallengeProvider != "" && !anyChallenge(doc, func(c types.CertRequestChallengeConfig) bool {
		return c.ChallengeProvider == f.ChallengeProvider
	}) {
		return false
	}
	if f.StoredCredentialKey != "" && !anyChallenge(doc, func(c types.CertRequestChallengeConfig) bool {
		return c.ChallengeCredentialKey == f.StoredCredentialKey
	}) {
		return false
	}

	return true
}

// A missing timestamp means the check never ran, so it is due
func isStale(ts *time.Time, cutoff time.Time) bool {
	return ts == nil || ts.Before(cutoff)
}

func anyChallenge(doc *types.ManagedCertificate, pred func(types.CertRequestChallengeConfig) bool) bool {
	for _, c := range doc.RequestConfig.Challenges {
		if pred(c) {
			return true
		}
	}
	return false
}

// SortByName orders documents by name, case-insensitively, then by id
func SortByName(docs []*types.ManagedCertificate) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := strings.ToLower(docs[i].Name), strings.ToLower(docs[j].Name)
		if a != b {
			return a < b
		}
		return docs[i].ID < docs[j].ID
	})
}

// ApplyPaging returns the window of docs selected by the filter
func ApplyPaging(docs []*types.ManagedCertificate, f *types.ManagedCertificateFilter) []*types.ManagedCertificate {
	offset, limit := f.Offset(), f.Limit()
	if offset >= len(docs) {
		return docs[:0]
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
