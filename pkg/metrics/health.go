package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Component names reported by certstore
const (
	ComponentStore       = "store"
	ComponentMaintenance = "maintenance"
	ComponentHTTP        = "http"
)

// probeTimeout bounds each probe run while answering a health request
const probeTimeout = 2 * time.Second

// HealthStatus is the JSON body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last reported state of a component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// Probe checks a component when health is requested. A nil error is healthy.
type Probe func(ctx context.Context) error

type registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	probes     map[string]Probe
	startTime  time.Time
	version    string
	critical   []string
}

func newRegistry() *registry {
	return &registry{
		components: make(map[string]ComponentHealth),
		probes:     make(map[string]Probe),
		startTime:  time.Now(),
		critical:   []string{ComponentStore},
	}
}

var health = newRegistry()

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetCriticalComponents replaces the components required for readiness.
// An unhealthy critical component makes the process unhealthy; any other
// unhealthy component only degrades it.
func SetCriticalComponents(names ...string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.critical = append([]string(nil), names...)
}

// RegisterComponent records the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()

	health.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent records a new state for a component
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// RegisterProbe installs a check run on every health request. Its result
// takes precedence over the last state reported for the same component.
func RegisterProbe(name string, probe Probe) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.probes[name] = probe
}

// snapshot returns the component states with probes evaluated. Probes run
// outside the lock so a slow backend cannot block reporters.
func (r *registry) snapshot(ctx context.Context) (map[string]ComponentHealth, []string) {
	r.mu.RLock()
	components := make(map[string]ComponentHealth, len(r.components)+len(r.probes))
	for name, comp := range r.components {
		components[name] = comp
	}
	probes := make(map[string]Probe, len(r.probes))
	for name, probe := range r.probes {
		probes[name] = probe
	}
	critical := append([]string(nil), r.critical...)
	r.mu.RUnlock()

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probes[name](probeCtx)
		cancel()

		comp := ComponentHealth{Name: name, Healthy: err == nil, Updated: time.Now()}
		if err != nil {
			comp.Message = err.Error()
		}
		components[name] = comp
	}
	return components, critical
}

func (r *registry) header() (string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version, time.Since(r.startTime).String()
}

func isCritical(critical []string, name string) bool {
	for _, c := range critical {
		if c == name {
			return true
		}
	}
	return false
}

// GetHealth returns the overall health. Unhealthy critical components make
// it unhealthy; other unhealthy components make it degraded.
func GetHealth(ctx context.Context) HealthStatus {
	components, critical := health.snapshot(ctx)
	version, uptime := health.header()

	status := StatusHealthy
	report := make(map[string]string, len(components))
	for name, comp := range components {
		if comp.Healthy {
			report[name] = StatusHealthy
			continue
		}
		report[name] = StatusUnhealthy + ": " + comp.Message
		if isCritical(critical, name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: report,
		Version:    version,
		Uptime:     uptime,
	}
}

// GetReadiness reports ready once every critical component is healthy
func GetReadiness(ctx context.Context) HealthStatus {
	components, critical := health.snapshot(ctx)
	version, uptime := health.header()

	status := StatusReady
	message := ""
	report := make(map[string]string, len(critical))

	for _, name := range critical {
		comp, exists := components[name]
		switch {
		case !exists:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			report[name] = "not registered"
		case !comp.Healthy:
			status = StatusNotReady
			message = "waiting for " + name
			report[name] = "not ready: " + comp.Message
		default:
			report[name] = StatusReady
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: report,
		Message:    message,
		Version:    version,
		Uptime:     uptime,
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetHealth(r.Context())

		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := GetReadiness(r.Context())

		code := http.StatusOK
		if status.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	}
}

// LivenessHandler serves /live, which answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, uptime := health.header()
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}
