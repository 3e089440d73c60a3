// Package cli defines the sitekit command tree. Commands are thin: they
// parse flags, resolve the target site and delegate to the orchestrator.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mbarlow/sitekit/internal/dbengine"
	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/site"
	"github.com/mbarlow/sitekit/pkg/config"
)

// App bundles the constructed collaborators the commands operate on.
type App struct {
	Cfg     config.Config
	Orch    *site.Orchestrator
	Engines *dbengine.Provisioner
	Logger  *slog.Logger
}

// Execute runs the command tree against the given application.
func Execute(ctx context.Context, app *App) error {
	return newRootCmd(app).ExecuteContext(ctx)
}

func newRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "sitekit",
		Short: "Provision and supervise local development sites",
		Long: `sitekit creates local development sites, assigns each one a stable
port, provisions its database (downgrading to a file-based engine when the
server engine is unreachable) and supervises the process or container that
serves it.`,
		// Errors are reported by the commands themselves; repeating the
		// usage text on every failure only buries them.
		SilenceUsage: true,
	}

	root.AddCommand(
		newCreateCmd(app),
		newStartCmd(app),
		newStopCmd(app),
		newDeleteCmd(app),
		newListCmd(app),
		newStatusCmd(app),
		newInstallEngineCmd(app),
		newURLModeCmd(app),
	)
	return root
}

// resolveSite accepts either a site ID or a site name.
func resolveSite(app *App, ref string) (*domain.Site, error) {
	if s, err := app.Orch.Get(ref); err == nil {
		return s, nil
	}
	s, err := app.Orch.GetByName(ref)
	if err != nil {
		return nil, fmt.Errorf("no site with id or name %q", ref)
	}
	return s, nil
}
