package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbarlow/sitekit/internal/domain"
)

func newCreateCmd(app *App) *cobra.Command {
	var (
		title         string
		siteDomain    string
		backendKind   string
		engine        string
		engineVersion string
		phpVersion    string
		appVersion    string
		adminUser     string
		adminEmail    string
		adminPassword string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new site",
		Long: `Create a new site: allocate its directory and port and persist the
record. The site is not started; use 'sitekit start' for that.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.Orch.Create(cmd.Context(), domain.CreateRequest{
				Name:          args[0],
				Title:         title,
				Domain:        siteDomain,
				Backend:       domain.BackendKind(backendKind),
				Engine:        domain.EngineKind(engine),
				EngineVersion: engineVersion,
				PHPVersion:    phpVersion,
				AppVersion:    appVersion,
				Admin: domain.AdminCredentials{
					User:     adminUser,
					Email:    adminEmail,
					Password: adminPassword,
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (id %s) on port %d\n", s.Name, s.ID, s.Port)
			fmt.Fprintf(cmd.OutOrStdout(), "admin user %s password %s\n", s.Admin.User, s.Admin.Password)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "site title shown by the installed application")
	cmd.Flags().StringVar(&siteDomain, "domain", "", "hostname for the site (default <name> plus the configured suffix)")
	cmd.Flags().StringVar(&backendKind, "backend", string(domain.BackendNative), "execution backend: native or container")
	cmd.Flags().StringVar(&engine, "engine", string(domain.EngineMySQL), "database engine: mysql, postgres or sqlite")
	cmd.Flags().StringVar(&engineVersion, "engine-version", "", "database engine version")
	cmd.Flags().StringVar(&phpVersion, "php", "", "PHP version for the site runtime")
	cmd.Flags().StringVar(&appVersion, "app-version", "", "application version to install")
	cmd.Flags().StringVar(&adminUser, "admin-user", "", "admin account name (default admin)")
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "admin account email")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "admin account password (generated when empty)")
	return cmd
}
