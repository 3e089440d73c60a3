package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sites := app.Orch.List()
			if len(sites) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sites")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tPORT\tBACKEND\tENGINE\tDOMAIN")
			for _, s := range sites {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					s.Name, s.Status, s.Port, s.Backend, s.Database.Engine, s.Domain)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <site>",
		Short: "Show detailed status of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSite(app, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:     %s\n", s.Name)
			fmt.Fprintf(out, "id:       %s\n", s.ID)
			fmt.Fprintf(out, "status:   %s\n", s.Status)
			fmt.Fprintf(out, "backend:  %s\n", s.Backend)
			fmt.Fprintf(out, "port:     %d\n", s.Port)
			fmt.Fprintf(out, "url:      %s\n", s.URL())
			fmt.Fprintf(out, "domain:   %s\n", s.DomainURL())
			fmt.Fprintf(out, "root:     %s\n", s.Root)
			fmt.Fprintf(out, "engine:   %s", s.Database.Engine)
			if s.Database.EngineVersion != "" {
				fmt.Fprintf(out, " %s", s.Database.EngineVersion)
			}
			fmt.Fprintln(out)
			if s.Database.Engine.IsServer() {
				fmt.Fprintf(out, "database: %s@%s:%d/%s\n", s.Database.User, s.Database.Host, s.Database.Port, s.Database.Name)
			} else {
				fmt.Fprintf(out, "database: %s\n", s.Database.Path)
			}
			if s.Notice != "" {
				fmt.Fprintf(out, "notice:   %s\n", s.Notice)
			}
			if s.LastError != "" {
				fmt.Fprintf(out, "error:    %s\n", s.LastError)
			}
			return nil
		},
	}
}
