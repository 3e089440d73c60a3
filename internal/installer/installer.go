// Package installer performs the one-time application bootstrap once a
// backend is reachable.
package installer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbarlow/sitekit/internal/domain"
)

// Markers the bootstrap endpoint answers with. The application echoes one of
// these in the response body; both count as a completed installation.
var successMarkers = []string{"success", "already installed"}

// Installer submits the setup form to a site's bootstrap endpoint.
type Installer struct {
	client    *http.Client
	setupPath string
	logger    *slog.Logger
}

// New returns an Installer posting to setupPath (relative to the site URL).
func New(client *http.Client, setupPath string, logger *slog.Logger) *Installer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Installer{client: client, setupPath: setupPath, logger: logger}
}

// Run submits the setup form for the site to baseURL. It reports an error
// only when the endpoint answered with neither a success nor an
// already-installed marker. The caller decides whether that failure is
// fatal; on the start path it is not, since installation can be retried.
func (i *Installer) Run(ctx context.Context, baseURL string, site *domain.Site) error {
	form := url.Values{
		"weblog_title":    {siteTitle(site)},
		"user_name":       {site.Admin.User},
		"admin_password":  {site.Admin.Password},
		"admin_password2": {site.Admin.Password},
		"admin_email":     {site.Admin.Email},
	}
	endpoint := baseURL + i.setupPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("installer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("installer: post setup form: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("installer: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("installer: setup endpoint returned %s", resp.Status)
	}
	lower := strings.ToLower(string(body))
	for _, marker := range successMarkers {
		if strings.Contains(lower, marker) {
			i.logger.Info("site installed", "site_id", site.ID, "marker", marker)
			return nil
		}
	}
	return fmt.Errorf("installer: no success marker in response from %s", endpoint)
}

func siteTitle(site *domain.Site) string {
	if site.Title != "" {
		return site.Title
	}
	if site.Name != "" {
		return site.Name
	}
	return site.Domain
}
