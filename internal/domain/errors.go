package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSiteNotFound indicates no site record exists for the given id.
	ErrSiteNotFound = errors.New("site: not found")

	// ErrNameConflict indicates a site with that name (or its directory) already exists.
	ErrNameConflict = errors.New("site: name already in use")

	// ErrNoAvailablePorts indicates the allocator exhausted its whole range.
	ErrNoAvailablePorts = errors.New("ports: no available ports in range")

	// ErrRootMissing indicates a site's document root directory does not exist.
	ErrRootMissing = errors.New("backend: site root missing")

	// ErrEngineNotInstalled indicates the requested database engine binary is
	// not present locally. Installation is a separate explicit operation.
	ErrEngineNotInstalled = errors.New("dbengine: engine not installed")

	// ErrEngineUnreachable indicates the engine could not be connected to
	// after all attempts. The provisioner absorbs this by downgrading to
	// the file-based engine; it is not a hard failure on the start path.
	ErrEngineUnreachable = errors.New("dbengine: engine unreachable")

	// ErrBackendUnresponsive indicates the readiness probe exhausted its
	// attempts without the backend ever accepting a connection.
	ErrBackendUnresponsive = errors.New("backend: unresponsive")

	// ErrBackendSpawn indicates the backend process or container could not be started.
	ErrBackendSpawn = errors.New("backend: spawn failed")

	// ErrStopRequested indicates a pending stop interrupted a start in progress.
	ErrStopRequested = errors.New("site: stop requested during start")
)

// StepError annotates a failure with the site and lifecycle step it occurred
// in, so callers can diagnose without log correlation.
type StepError struct {
	SiteID string
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("site %s: step %s: %v", e.SiteID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// TeardownError reports that best-effort cleanup encountered failures but
// proceeded through the remaining steps.
type TeardownError struct {
	SiteID string
	Errs   []error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("site %s: teardown completed with %d failures: %v", e.SiteID, len(e.Errs), errors.Join(e.Errs...))
}

func (e *TeardownError) Unwrap() []error { return e.Errs }
