package runtime

import (
	"context"
	"sync"
	"time"
)

// Check is one named dependency probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthReport summarizes the outcome of a set of checks.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Healthy reports whether every component answered.
func (r HealthReport) Healthy() bool {
	return r.Status == "ok"
}

// RunChecks probes every check concurrently, each bounded by timeout.
func RunChecks(ctx context.Context, timeout time.Duration, checks []Check) HealthReport {
	report := HealthReport{
		Status:     "ok",
		Components: make(map[string]string, len(checks)),
		CheckedAt:  time.Now().UTC(),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			state := "ok"
			if err := c.Ping(cctx); err != nil {
				state = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			report.Components[c.Name] = state
			if state != "ok" {
				report.Status = "degraded"
			}
		}(c)
	}
	wg.Wait()
	return report
}

// Checks returns probes for the installed AI handles. A missing handle is
// reported as not configured.
func (s *Services) Checks() []Check {
	return []Check{
		{Name: "embedding", Ping: func(ctx context.Context) error {
			svc := s.EmbeddingService()
			if svc == nil || !s.config.CanIngest() {
				return errNotConfigured
			}
			return svc.HealthCheck(ctx)
		}},
		{Name: "llm", Ping: func(ctx context.Context) error {
			svc := s.LLMService()
			if svc == nil || !s.config.CanGenerate() {
				return errNotConfigured
			}
			return svc.Ping(ctx)
		}},
	}
}
