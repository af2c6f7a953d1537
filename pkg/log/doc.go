/*
Package log provides structured logging for certstore using zerolog.

A single global Logger is configured once by Init. Packages derive child
loggers that carry a component field, and the store adds a backend field for
everything its engine logs.

# Architecture

	┌──────────────────── LOGGING ──────────────────────┐
	│                                                     │
	│  log.Init(Config)                                   │
	│    - Level: debug/info/warn/error                   │
	│    - JSONOutput: JSON lines or console              │
	│    - Output: any io.Writer (stderr by default)      │
	│          │                                          │
	│          ▼                                          │
	│  log.Logger (zerolog.Logger)                        │
	│          │                                          │
	│          ├── WithComponent("store")                 │
	│          │       └── WithBackend(l, "sqlite")       │
	│          ├── WithComponent("maintenance")           │
	│          └── WithComponent("serve")                 │
	└─────────────────────────────────────────────────────┘

# Levels

The store logs at these levels:

  - Debug: id corrections when a row key and document id disagree
  - Info: initialisation, legacy imports, backups, compaction
  - Warn: retried engine calls, skipped undecodable rows, write gate
    timeouts, stale writes accepted under the log conflict policy
  - Error: failed initialisation, failed backups and maintenance

# Usage

	import "github.com/cuemby/certstore/pkg/log"

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Logging.Level),
		JSONOutput: true,
		Output:     os.Stderr,
	})

	logger := log.WithComponent("store")
	logger.Info().Str("backend", "sqlite").Msg("Store initialised")

JSON output:

	{"level":"info","component":"store","backend":"sqlite","time":"2026-03-01T12:00:00Z","message":"Store initialised"}

Console output:

	2026-03-01T12:00:00Z INF Store initialised backend=sqlite component=store

New builds a standalone logger from the same Config without touching the
global one. The store resolves its logger with ComponentOr, so a logger
carried in storage.Options replaces the global logger for everything the
store and its engine write.
*/
package log
