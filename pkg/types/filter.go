package types

// ManagedCertificateFilter selects a subset of managed certificates.
// Zero values impose no constraint; populated fields are combined with AND.
type ManagedCertificateFilter struct {
	ID      string
	Name    string // case-insensitive exact match
	Keyword string // case-insensitive substring of Name

	// Staleness windows in minutes. A document whose timestamp is missing
	// counts as stale.
	LastOCSPCheckMins        int
	LastRenewalInfoCheckMins int

	// Match when any configured challenge satisfies the predicate
	ChallengeType       string
	ChallengeProvider   string
	StoredCredentialKey string

	// Paging applies when PageSize > 0; MaxResults applies otherwise
	PageIndex  int
	PageSize   int
	MaxResults int
}

// HasPaging reports whether offset/limit paging applies
func (f *ManagedCertificateFilter) HasPaging() bool {
	return f != nil && f.PageSize > 0 && f.PageIndex >= 0
}

// Offset returns the number of ordered matches skipped by paging
func (f *ManagedCertificateFilter) Offset() int {
	if !f.HasPaging() {
		return 0
	}
	return f.PageIndex * f.PageSize
}

// Limit returns the maximum number of rows to return, or 0 for all
func (f *ManagedCertificateFilter) Limit() int {
	switch {
	case f == nil:
		return 0
	case f.HasPaging():
		return f.PageSize
	case f.MaxResults > 0:
		return f.MaxResults
	default:
		return 0
	}
}

// HasChallengePredicate reports whether any nested challenge field is set
func (f *ManagedCertificateFilter) HasChallengePredicate() bool {
	return f != nil && (f.ChallengeType != "" || f.ChallengeProvider != "" || f.StoredCredentialKey != "")
}
