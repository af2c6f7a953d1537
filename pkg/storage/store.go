package storage

import (
	"context"

	"github.com/cuemby/certstore/pkg/types"
)

// ManagedItemStore is the persistence contract for managed certificates,
// shared by the renewal scheduler and request handlers. Every backend is
// reached through it.
type ManagedItemStore interface {
	// Find returns matching documents ordered by name, optionally paged.
	// No match yields an empty slice.
	Find(ctx context.Context, filter *types.ManagedCertificateFilter) ([]*types.ManagedCertificate, error)

	// CountAll counts documents matching the filter's predicates
	CountAll(ctx context.Context, filter *types.ManagedCertificateFilter) (int, error)

	// GetByID returns the document with id, or nil when absent
	GetByID(ctx context.Context, id string) (*types.ManagedCertificate, error)

	// Update inserts or fully replaces a document and returns it as
	// persisted, with its assigned id and version
	Update(ctx context.Context, doc *types.ManagedCertificate) (*types.ManagedCertificate, error)

	// Delete removes a single document
	Delete(ctx context.Context, doc *types.ManagedCertificate) error

	// DeleteByName removes documents whose name starts with prefix
	DeleteByName(ctx context.Context, prefix string) error

	// DeleteAll removes every document
	DeleteAll(ctx context.Context) error

	// StoreAll updates each document in turn
	StoreAll(ctx context.Context, docs []*types.ManagedCertificate) error

	// IsInitialised reports whether the store completed startup and its
	// backend answers
	IsInitialised(ctx context.Context) bool

	// PerformMaintenance runs backend upkeep
	PerformMaintenance(ctx context.Context) error

	// Backup takes an online backup where the backend supports it
	Backup(ctx context.Context) error

	// Close releases the backend
	Close() error
}

var _ ManagedItemStore = (*Store)(nil)
