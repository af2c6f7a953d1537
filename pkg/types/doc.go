/*
Package types defines the managed certificate document and the filter used
to select documents from a store.

ManagedCertificate is persisted whole as JSON; its json tags are the stored
field names that the SQL engines address with JSON path expressions (name,
dateLastOcspCheck, dateLastRenewalInfoCheck and
requestConfig.challenges[].challengeType, challengeProvider,
challengeCredentialKey). Renaming one of those tags is a storage format
change.

Version is assigned by the store: 1 on insert, incremented on every update,
and VersionCheckDisabled (-1) once the counter would overflow. IsChanged is
an in-memory flag for callers and is never persisted.

ManagedCertificateFilter fields combine with AND; zero values impose no
constraint:

	filter := &types.ManagedCertificateFilter{
		ChallengeType:     types.ChallengeTypeDNS01,
		LastOCSPCheckMins: 60, // OCSP not checked in the last hour, or never
		PageIndex:         0,
		PageSize:          50,
	}
*/
package types
