// Package health implements endpoint probing and multi-signal container
// health validation.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// earlyAttempts get a longer per-attempt timeout and a longer sleep, since
// services are slowest right after start.
const earlyAttempts = 3

// Prober issues timed GET probes against a health endpoint.
type Prober struct {
	client *http.Client
	log    zerolog.Logger
}

// NewProber creates a prober. The shared client carries no timeout of its
// own; every attempt is bounded by a per-attempt context.
func NewProber(log zerolog.Logger) *Prober {
	return &Prober{
		client: &http.Client{},
		log:    log.With().Str("component", "prober").Logger(),
	}
}

// Probe issues up to maxRetries GET requests against url. An empty url means
// the service was classified non-HTTP and the probe trivially succeeds. Any
// 2xx response passes.
func (p *Prober) Probe(ctx context.Context, url string, timeout time.Duration, maxRetries int) error {
	if url == "" {
		return nil
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptTimeout := timeout
		if attempt <= earlyAttempts {
			attemptTimeout = timeout * 2
		}

		status, err := p.attempt(ctx, url, attemptTimeout)
		if err == nil && status >= 200 && status < 300 {
			p.log.Debug().Str("url", url).Int("attempt", attempt).Int("status", status).Msg("probe succeeded")
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("unexpected status %d", status)
		}

		p.log.Debug().Str("url", url).Int("attempt", attempt).Err(lastErr).Msg("probe attempt failed")

		if attempt == maxRetries {
			break
		}
		sleep := 2 * time.Second
		if attempt <= earlyAttempts {
			sleep = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return fmt.Errorf("probe %s failed after %d attempts: %w", url, maxRetries, lastErr)
}

func (p *Prober) attempt(ctx context.Context, url string, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
