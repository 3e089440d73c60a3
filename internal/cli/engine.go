package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbarlow/sitekit/internal/domain"
)

func newInstallEngineCmd(app *App) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "install-engine <engine>",
		Short: "Verify a database engine installation",
		Long: `Verify that the named database engine is installed and usable. Site
starts never install engines themselves; a missing engine fails the start
until this command has been run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := domain.EngineKind(args[0])
			if err := app.Engines.InstallEngine(cmd.Context(), engine, version); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "engine %s available\n", engine)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "engine-version", "", "engine version to verify")
	return cmd
}

func newURLModeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "url-mode <site> <admin|domain>",
		Short: "Switch a site between loopback and hostname URLs",
		Long: `Switch the URLs the site advertises: 'admin' uses the loopback
address and port, 'domain' uses the registered hostname. Only the URL
defines in the runtime configuration are rewritten.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSite(app, args[0])
			if err != nil {
				return err
			}
			var admin bool
			switch args[1] {
			case "admin":
				admin = true
			case "domain":
				admin = false
			default:
				return fmt.Errorf("unknown url mode %q, want admin or domain", args[1])
			}
			if err := app.Orch.SetURLMode(cmd.Context(), s.ID, admin); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s url mode set to %s\n", s.Name, args[1])
			return nil
		},
	}
}
