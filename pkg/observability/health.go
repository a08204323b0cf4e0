package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus summarizes the ops surface. Degraded means a
// non-critical dependency is failing but the service still serves.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Probe checks one dependency. Critical probes take readiness down on
// failure; non-critical ones only degrade /health.
type Probe struct {
	Name     string
	Check    func(context.Context) error
	Timeout  time.Duration
	Critical bool
}

// HealthChecker runs registered probes on demand.
type HealthChecker struct {
	mu     sync.RWMutex
	probes []Probe
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status     HealthStatus           `json:"status"`
	Uptime     string                 `json:"uptime"`
	Goroutines int                    `json:"goroutines"`
	Probes     map[string]ProbeResult `json:"probes"`
}

// ProbeResult is one probe outcome inside a HealthReport.
type ProbeResult struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency"`
}

var (
	globalChecker  *HealthChecker
	startTime      = time.Now()
	initHealthOnce sync.Once
)

// InitHealthChecker initializes the global health checker. Safe to
// call more than once.
func InitHealthChecker() *HealthChecker {
	initHealthOnce.Do(func() {
		globalChecker = &HealthChecker{}
	})
	return globalChecker
}

// GetHealthChecker returns the global health checker.
func GetHealthChecker() *HealthChecker {
	return InitHealthChecker()
}

// Register adds a probe. A zero timeout defaults to 5s.
func (hc *HealthChecker) Register(p Probe) {
	if p.Timeout <= 0 {
		p.Timeout = 5 * time.Second
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes = append(hc.probes, p)
}

// Check runs every probe and folds the results into one report.
func (hc *HealthChecker) Check(ctx context.Context) HealthReport {
	hc.mu.RLock()
	probes := make([]Probe, len(hc.probes))
	copy(probes, hc.probes)
	hc.mu.RUnlock()

	report := HealthReport{
		Status:     HealthStatusHealthy,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		Probes:     make(map[string]ProbeResult, len(probes)),
	}

	for _, p := range probes {
		res := runProbe(ctx, p)
		report.Probes[p.Name] = res

		if res.Status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
		} else if res.Status == HealthStatusDegraded && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}
	return report
}

func runProbe(ctx context.Context, p Probe) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	errChan := make(chan error, 1)
	go func() { errChan <- p.Check(probeCtx) }()

	var err error
	select {
	case err = <-errChan:
	case <-probeCtx.Done():
		err = probeCtx.Err()
	}

	res := ProbeResult{Status: HealthStatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		res.Error = err.Error()
		if p.Critical {
			res.Status = HealthStatusUnhealthy
		} else {
			res.Status = HealthStatusDegraded
		}
	}
	return res
}

// HealthHandler serves the full report. Degraded still answers 200 so
// a flaky Redis mirror does not pull the service out of rotation.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealthChecker().Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler answers as long as the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler reports ready unless a critical probe fails. A
// degraded service keeps taking traffic, it just runs memory-only.
func ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetHealthChecker().Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

// RedisCheck probes the session fact mirror. Non-critical: the service
// degrades to memory-only when Redis is out.
func RedisCheck(ping func(context.Context) error) Probe {
	return Probe{Name: "redis", Check: ping, Timeout: 5 * time.Second}
}
