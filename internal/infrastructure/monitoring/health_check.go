package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool {
	return s.Status == StatusHealthy
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

// AddRedisCheck pings Redis
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddStatsLoopCheck fails while connections exist but the stats loop is stopped
func (h *HealthChecker) AddStatsLoopCheck(running func() bool, connections func() int) {
	h.AddCheck("stats_loop", func(ctx context.Context) error {
		if connections() > 0 && !running() {
			return fmt.Errorf("stats loop stopped with %d open connections", connections())
		}
		return nil
	}, time.Second)
}

// CheckAll runs every check concurrently, each under its own timeout
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()
			results[i] = check.Check(checkCtx)
		}()
	}
	wg.Wait()

	for i, check := range checks {
		if err := results[i]; err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = StatusHealthy
		}
	}
	return status
}

// Names lists registered checks, sorted
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, len(h.checks))
	for i, c := range h.checks {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}
