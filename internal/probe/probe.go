// Package probe confirms a started backend is actually serving traffic.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/poll"
)

// Prober polls an HTTP endpoint with bounded retries. Any received HTTP
// status counts as alive, including server errors: a 500 still proves the
// backend bound its socket, and that is all readiness means here.
type Prober struct {
	client *http.Client
	logger *slog.Logger
}

// New returns a Prober. A nil client gets a short-timeout default.
func New(client *http.Client, logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{client: client, logger: logger}
}

// WaitUntilReady polls url until a GET receives any HTTP response. The
// initial delay avoids burning the first attempts on a backend that has not
// bound its socket yet. On exhaustion the last connection error is attached
// for diagnostics.
func (p *Prober) WaitUntilReady(ctx context.Context, url string, spec poll.Spec) error {
	attempt := 0
	err := poll.Until(ctx, spec, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Debug("readiness probe attempt failed", "url", url, "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()
		p.logger.Debug("readiness probe succeeded", "url", url, "attempt", attempt, "status", resp.StatusCode)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrBackendUnresponsive, url, attempt, err)
	}
	return nil
}
