/*
Package storage provides versioned, filterable persistence for managed
certificates.

The package defines the ManagedItemStore contract used by the renewal
scheduler and request handlers, and Store, its single implementation. Store
owns everything that is the same across backends: document encoding,
optimistic versioning, the write gate, retries of transient failures, error
classification and the startup sequence. Physical storage is delegated to an
Engine registered under a backend name.

# Architecture

	┌──────────────────────── STORE ─────────────────────────┐
	│                                                          │
	│  Find / CountAll / GetByID        Update / Delete* /     │
	│        │                          StoreAll / Maintenance │
	│        │                                 │               │
	│        │                    ┌────────────▼───────────┐   │
	│        │                    │ WriteGate (1 writer,   │   │
	│        │                    │ 10s timeout → ErrBusy) │   │
	│        │                    └────────────┬───────────┘   │
	│  ┌─────▼─────────────────────────────────▼──────────┐    │
	│  │   retrier (constant 1s backoff, 3 retries,        │    │
	│  │   only errors the engine calls transient)         │    │
	│  └─────────────────────────┬─────────────────────────┘   │
	│                            │                             │
	│  ┌─────────────────────────▼─────────────────────────┐   │
	│  │ Engine: sqlite | postgres | sqlserver | bolt       │   │
	│  └───────────────────────────────────────────────────┘   │
	└──────────────────────────────────────────────────────────┘

Reads never take the gate. Engines provide their own read isolation.

# Versioning

Every persisted document carries a Version. Inserts start at 1. An update
reads the stored version inside its write transaction and writes stored+1,
so concurrent writers never lower the authoritative version. A version of -1
(types.VersionCheckDisabled) turns checking off for that document and stays
-1 on every later write; a version that would overflow rolls over to -1.

When the caller supplies a version lower than the stored one, the
ConflictPolicy decides: ConflictPolicyReject returns ErrConflict and leaves
the stored document unchanged, ConflictPolicyLog writes anyway after a
warning.

# Startup

Init opens the engine and upgrades its schema. When the physical store did not
exist and the engine supports it, a legacy manageditems.json export beside it
is imported and renamed to manageditems.json.bak. A backup follows, then the
engine may switch to write-ahead logging. Any failure leaves the store
uninitialised: every operation then returns ErrNotInitialised and
IsInitialised reports false.

# Errors

Callers only ever see the sentinels in errors.go or a context error.
Backend errors are flattened into ErrUnavailable with their message kept.

	doc, err := store.Update(ctx, cert)
	switch {
	case storage.IsConflictError(err):
		// reload and reapply
	case storage.IsBusyError(err):
		// back off
	}

# Backends

Engines register themselves from init. Import the backend package for its
side effect and open the store by name:

	import _ "github.com/cuemby/certstore/pkg/storage/sqlite"

	store, err := storage.Open(ctx, "sqlite", storage.Settings{DataDir: dir}, storage.DefaultOptions())
	if err != nil {
		return err
	}
	defer store.Close()
*/
package storage
