package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.uber.org/zap"
)

const healthPath = "/health"

// HealthReport says which configured endpoint answered the health probe.
type HealthReport struct {
	BaseURL    string
	Fallback   bool
	StatusCode int
	Latency    time.Duration
}

// Health probes the primary base URL, then the fallback, with transient
// failures retried. Unlike Do, the probe is idempotent and unauthenticated,
// so retrying is safe here.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	probe, err := retry.NewClient(retry.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	report, primaryErr := c.probe(ctx, probe, c.baseURL)
	if primaryErr == nil {
		return report, nil
	}
	if c.fallbackURL == "" || ctx.Err() != nil {
		return nil, primaryErr
	}

	c.log.Warn("primary API unhealthy, probing fallback", zap.Error(primaryErr))
	report, fallbackErr := c.probe(ctx, probe, c.fallbackURL)
	if fallbackErr != nil {
		return nil, errors.Join(primaryErr, fallbackErr)
	}
	report.Fallback = true
	return report, nil
}

func (c *Client) probe(ctx context.Context, probe *retry.Client, base string) (*HealthReport, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, base+healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := probe.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("%s unreachable: %w", base, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%s unhealthy: status %d", base, resp.StatusCode)
	}
	return &HealthReport{
		BaseURL:    base,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}, nil
}
