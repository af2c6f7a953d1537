/*
Package metrics provides Prometheus metrics and health reporting for certstore.

All collectors are registered with the default registry at package init and
exposed by Handler. Health state is kept per component and served as JSON by
HealthHandler, ReadyHandler and LivenessHandler. A component may also
register a Probe, which is run with a short deadline on every health
request and overrides the last reported state.

# Architecture

	┌──────────────────── OBSERVABILITY ─────────────────────┐
	│                                                          │
	│  storage.Store ──► StoreOperationsTotal                  │
	│                    StoreOperationDuration                │
	│                    StoreRetriesTotal                     │
	│                    StoreDecodeFailuresTotal              │
	│                    StoreVersionConflictsTotal            │
	│                    WriteGateWait / WriteGateTimeoutsTotal│
	│                    MaintenanceRunsTotal / BackupsTotal   │
	│                                                          │
	│  maintenance.Runner ──► DocumentsTotal                   │
	│                         health: store, maintenance       │
	│                                                          │
	│  GET /metrics  promhttp text exposition                  │
	│  GET /health   degraded on a non-critical failure,       │
	│                503 when a critical component is down     │
	│  GET /ready    critical components only (store)          │
	│  GET /live     always 200 while the process runs         │
	└──────────────────────────────────────────────────────────┘

# Metrics

	certstore_store_operations_total{backend,operation,result}
	certstore_store_operation_duration_seconds{backend,operation}
	certstore_store_retries_total{backend,operation}
	certstore_store_decode_failures_total{backend}
	certstore_store_version_conflicts_total{backend,policy}
	certstore_write_gate_wait_seconds
	certstore_write_gate_timeouts_total
	certstore_documents_total{backend}
	certstore_maintenance_runs_total{backend,result}
	certstore_backups_total{backend,result}

The operation label is one of find, count, get, update, delete,
delete_by_name, delete_all, store_all, maintenance and backup. Result is
"success" or "error" as returned by Result.

Useful queries:

	# Write gate saturation
	rate(certstore_write_gate_timeouts_total[5m]) > 0

	# p99 update latency per backend
	histogram_quantile(0.99,
	  sum by (backend, le) (rate(certstore_store_operation_duration_seconds_bucket{operation="update"}[5m])))

	# Maintenance failing
	increase(certstore_maintenance_runs_total{result="error"}[1d]) > 0

# Timing

	timer := metrics.NewTimer()
	err := doWork()
	timer.ObserveDurationVec(metrics.StoreOperationDuration, backend, "update")
	metrics.StoreOperationsTotal.WithLabelValues(backend, "update", metrics.Result(err)).Inc()
*/
package metrics
