package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the state of one dependency or of the whole agent
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the result of probing one dependency
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Critical    bool                   `json:"critical"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport aggregates every registered check
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker probes one dependency
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

type registeredChecker struct {
	checker  HealthChecker
	critical bool
}

// HealthManager runs the registered checks. A failing critical check (the
// ledger, the content store) makes the agent unhealthy; a failing optional
// one (the read cache) only degrades it.
type HealthManager struct {
	serviceName    string
	serviceVersion string
	now            func() time.Time

	mu       sync.RWMutex
	checkers map[string]registeredChecker
	timeout  time.Duration
}

// NewHealthManager creates a health manager with a 5s per-check timeout
func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		now:            time.Now,
		checkers:       make(map[string]registeredChecker),
		timeout:        5 * time.Second,
	}
}

// RegisterChecker adds a critical check
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.register(name, checker, true)
}

// RegisterOptional adds a check whose failure only degrades the agent
func (hm *HealthManager) RegisterOptional(name string, checker HealthChecker) {
	hm.register(name, checker, false)
}

func (hm *HealthManager) register(name string, checker HealthChecker, critical bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = registeredChecker{checker: checker, critical: critical}
}

// SetTimeout bounds each individual check
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth runs every check concurrently and folds the results
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]registeredChecker, len(hm.checkers))
	for name, rc := range hm.checkers {
		checkers[name] = rc
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	results := make([]HealthCheck, 0, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, rc := range checkers {
		wg.Add(1)
		go func(name string, rc registeredChecker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := hm.now()
			check := rc.checker.Check(checkCtx)
			check.Name = name
			check.Critical = rc.critical
			check.LastChecked = start
			check.Duration = time.Since(start)
			if checkCtx.Err() != nil && check.Status == HealthStatusHealthy {
				check.Status = HealthStatusUnhealthy
				check.Message = "check timed out"
			}

			mu.Lock()
			results = append(results, check)
			mu.Unlock()
		}(name, rc)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: hm.now(),
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Checks:    results,
		Summary:   make(map[string]int),
	}
	for _, check := range results {
		report.Summary[string(check.Status)]++
		report.Status = worse(report.Status, effectiveStatus(check))
	}
	return report
}

func effectiveStatus(check HealthCheck) HealthStatus {
	if check.Status == HealthStatusUnhealthy && !check.Critical {
		return HealthStatusDegraded
	}
	return check.Status
}

func worse(a, b HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusHealthy: 0, HealthStatusDegraded: 1, HealthStatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// HTTPHandler serves the full report; 503 when the agent is unhealthy
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler reports that the process is serving, without probing
// dependencies.
func (hm *HealthManager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  string(HealthStatusHealthy),
			"service": hm.serviceName,
		})
	}
}

// DatabaseHealthChecker pings the content database and reports pool usage
type DatabaseHealthChecker struct {
	db *sql.DB
}

func NewDatabaseHealthChecker(db *sql.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

func (dhc *DatabaseHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := dhc.db.PingContext(ctx); err != nil {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "database unreachable: " + err.Error()}
	}

	stats := dhc.db.Stats()
	check := HealthCheck{
		Status: HealthStatusHealthy,
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"wait_count":       stats.WaitCount,
		},
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		check.Status = HealthStatusDegraded
		check.Message = "connection pool exhausted"
	}
	return check
}

// LedgerHealthChecker reports the ledger height and publishes it as a metric
type LedgerHealthChecker struct {
	height  func(ctx context.Context) (uint64, error)
	metrics *MetricsCollector
}

func NewLedgerHealthChecker(height func(ctx context.Context) (uint64, error), metrics *MetricsCollector) *LedgerHealthChecker {
	return &LedgerHealthChecker{height: height, metrics: metrics}
}

func (lhc *LedgerHealthChecker) Check(ctx context.Context) HealthCheck {
	h, err := lhc.height(ctx)
	if err != nil {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "ledger unavailable: " + err.Error()}
	}
	lhc.metrics.SetBlockHeight(h)
	return HealthCheck{Status: HealthStatusHealthy, Details: map[string]interface{}{"height": h}}
}

// CustomHealthChecker adapts a function to HealthChecker
type CustomHealthChecker struct {
	checkFunc func(ctx context.Context) HealthCheck
}

func NewCustomHealthChecker(checkFunc func(ctx context.Context) HealthCheck) *CustomHealthChecker {
	return &CustomHealthChecker{checkFunc: checkFunc}
}

func (chc *CustomHealthChecker) Check(ctx context.Context) HealthCheck {
	return chc.checkFunc(ctx)
}
