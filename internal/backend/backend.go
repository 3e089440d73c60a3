// Package backend defines the execution strategies that serve a site's
// traffic. The orchestrator composes exactly one backend per running site.
package backend

import (
	"context"

	"github.com/mbarlow/sitekit/internal/domain"
)

// Exit reports that a backend stopped serving. Abnormal exits (non-zero,
// not caused by our own stop) move the site to the error state.
type Exit struct {
	Abnormal bool
	Err      error
}

// Handle is an opaque reference to a started backend, owned exclusively by
// the site that created it. It must be released before the site leaves the
// running or starting state.
type Handle interface {
	// Exited yields exactly one Exit when the backend stops on its own.
	// Stops initiated through Backend.Stop also complete through here.
	Exited() <-chan Exit
}

// Backend starts and stops the runtime serving one site.
type Backend interface {
	Kind() domain.BackendKind

	// Start launches the runtime bound to the site's allocated port. The
	// returned handle supervises it until exit.
	Start(ctx context.Context, site *domain.Site) (Handle, error)

	// Stop tears the runtime down. It signals and returns without waiting
	// for full exit; the handle's Exited channel completes the cleanup.
	Stop(ctx context.Context, site *domain.Site, h Handle) error

	// Cleanup removes everything the backend left behind for the site,
	// including remains from a previous process lifetime. Best-effort: each
	// step is attempted even if an earlier one fails.
	Cleanup(ctx context.Context, site *domain.Site) error
}
