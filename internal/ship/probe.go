package ship

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"bay/internal/logging"
)

const probeAttemptTimeout = 5 * time.Second

// ReadinessProbe polls a ship worker's /health endpoint until it answers
// 200 or the overall budget is exhausted. Probe attempts never raise;
// failures are simply retried.
type ReadinessProbe struct {
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
}

// NewReadinessProbe builds a probe with the configured poll interval and
// overall budget.
func NewReadinessProbe(interval, timeout time.Duration) *ReadinessProbe {
	return &ReadinessProbe{
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{Timeout: probeAttemptTimeout},
	}
}

// WaitReady blocks until the ship at shipIP is healthy, the budget runs
// out, or ctx is cancelled. Returns true only on a 200 health response.
func (p *ReadinessProbe) WaitReady(ctx context.Context, shipIP string) bool {
	url := fmt.Sprintf("http://%s:%d/health", shipIP, WorkerPort)
	deadline := time.Now().Add(p.timeout)

	for {
		if p.attempt(ctx, url) {
			return true
		}
		if time.Now().After(deadline) {
			logging.L().Warn("ship readiness budget exhausted",
				zap.String("ship_ip", shipIP),
				zap.Duration("timeout", p.timeout))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.interval):
		}
	}
}

func (p *ReadinessProbe) attempt(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
