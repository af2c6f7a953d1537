package types

import (
	"time"
)

// VersionCheckDisabled marks a document whose version counter overflowed.
// Writers never compare versions against it.
const VersionCheckDisabled int64 = -1

// ManagedCertificate is one persisted managed-certificate record
type ManagedCertificate struct {
	ID       string   `json:"id" yaml:"id"`
	Version  int64    `json:"version" yaml:"version"`
	Name     string   `json:"name" yaml:"name"`
	Comments string   `json:"comments,omitempty" yaml:"comments,omitempty"`
	ItemType ItemType `json:"itemType,omitempty" yaml:"itemType,omitempty"`

	RequestConfig CertRequestConfig `json:"requestConfig" yaml:"requestConfig"`

	IncludeInAutoRenew bool `json:"includeInAutoRenew" yaml:"includeInAutoRenew"`
	UseStagingMode     bool `json:"useStagingMode,omitempty" yaml:"useStagingMode,omitempty"`

	DateStart                       *time.Time `json:"dateStart,omitempty" yaml:"dateStart,omitempty"`
	DateExpiry                      *time.Time `json:"dateExpiry,omitempty" yaml:"dateExpiry,omitempty"`
	DateRenewed                     *time.Time `json:"dateRenewed,omitempty" yaml:"dateRenewed,omitempty"`
	DateLastRenewalAttempt          *time.Time `json:"dateLastRenewalAttempt,omitempty" yaml:"dateLastRenewalAttempt,omitempty"`
	DateNextScheduledRenewalAttempt *time.Time `json:"dateNextScheduledRenewalAttempt,omitempty" yaml:"dateNextScheduledRenewalAttempt,omitempty"`
	DateLastOcspCheck               *time.Time `json:"dateLastOcspCheck,omitempty" yaml:"dateLastOcspCheck,omitempty"`
	DateLastRenewalInfoCheck        *time.Time `json:"dateLastRenewalInfoCheck,omitempty" yaml:"dateLastRenewalInfoCheck,omitempty"`

	LastRenewalStatus     RenewalStatus `json:"lastRenewalStatus,omitempty" yaml:"lastRenewalStatus,omitempty"`
	RenewalFailureCount   int           `json:"renewalFailureCount,omitempty" yaml:"renewalFailureCount,omitempty"`
	RenewalFailureMessage string        `json:"renewalFailureMessage,omitempty" yaml:"renewalFailureMessage,omitempty"`
	LastAttemptedCA       string        `json:"lastAttemptedCA,omitempty" yaml:"lastAttemptedCA,omitempty"`

	CertificatePath                   string `json:"certificatePath,omitempty" yaml:"certificatePath,omitempty"`
	CertificateThumbprintHash         string `json:"certificateThumbprintHash,omitempty" yaml:"certificateThumbprintHash,omitempty"`
	CertificatePreviousThumbprintHash string `json:"certificatePreviousThumbprintHash,omitempty" yaml:"certificatePreviousThumbprintHash,omitempty"`

	// IsChanged is set by in-memory callers only and is never persisted
	IsChanged bool `json:"-" yaml:"-"`
}

// ItemType distinguishes how a managed certificate is obtained
type ItemType string

const (
	ItemTypeSSLACME  ItemType = "ssl-acme"
	ItemTypeExternal ItemType = "external"
	ItemTypeManual   ItemType = "manual"
)

// RenewalStatus is the outcome of the most recent renewal attempt
type RenewalStatus string

const (
	RenewalStatusUnknown      RenewalStatus = "unknown"
	RenewalStatusSuccess      RenewalStatus = "success"
	RenewalStatusError        RenewalStatus = "error"
	RenewalStatusAwaitingUser RenewalStatus = "awaiting-user"
	RenewalStatusNotRequired  RenewalStatus = "not-required"
)

// CertRequestConfig holds what is requested from the CA
type CertRequestConfig struct {
	PrimaryDomain           string                       `json:"primaryDomain" yaml:"primaryDomain"`
	SubjectAlternativeNames []string                     `json:"subjectAlternativeNames,omitempty" yaml:"subjectAlternativeNames,omitempty"`
	Challenges              []CertRequestChallengeConfig `json:"challenges,omitempty" yaml:"challenges,omitempty"`
	PreferredChain          string                       `json:"preferredChain,omitempty" yaml:"preferredChain,omitempty"`
	CSRKeyAlg               string                       `json:"csrKeyAlg,omitempty" yaml:"csrKeyAlg,omitempty"`
}

// CertRequestChallengeConfig configures how domain ownership is proven for
// the domains matched by DomainMatch
type CertRequestChallengeConfig struct {
	ChallengeType          string            `json:"challengeType" yaml:"challengeType"`
	ChallengeProvider      string            `json:"challengeProvider,omitempty" yaml:"challengeProvider,omitempty"`
	ChallengeCredentialKey string            `json:"challengeCredentialKey,omitempty" yaml:"challengeCredentialKey,omitempty"`
	DomainMatch            string            `json:"domainMatch,omitempty" yaml:"domainMatch,omitempty"`
	Parameters             map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Challenge types
const (
	ChallengeTypeHTTP01    = "http-01"
	ChallengeTypeDNS01     = "dns-01"
	ChallengeTypeTLSALPN01 = "tls-alpn-01"
)
