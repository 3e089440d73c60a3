package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "start <site>",
		Short: "Start a site",
		Long: `Start a site: provision its database, launch the backend, wait for it
to accept connections and run the one-time installation if it has not
happened yet. Starting a running site is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSite(app, args[0])
			if err != nil {
				return err
			}
			if err := app.Orch.Start(cmd.Context(), s.ID); err != nil {
				return err
			}
			s, err = app.Orch.Get(s.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s running at %s\n", s.Name, s.URL())
			if s.Notice != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "notice: %s\n", s.Notice)
			}
			return nil
		},
	}
}

func newStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <site>",
		Short: "Stop a site",
		Long: `Stop a site's backend. The site keeps its port reservation and all of
its data; stopping an already stopped site is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSite(app, args[0])
			if err != nil {
				return err
			}
			if err := app.Orch.Stop(cmd.Context(), s.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", s.Name)
			return nil
		},
	}
}

func newDeleteCmd(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <site>",
		Short: "Delete a site and all of its data",
		Long: `Delete a site: stop it if running, remove backend remains, the site
directory, hosts entries and the port mapping. This cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSite(app, args[0])
			if err != nil {
				return err
			}
			if !force {
				return fmt.Errorf("deleting %s removes all of its data; rerun with --force", s.Name)
			}
			if err := app.Orch.Delete(cmd.Context(), s.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", s.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm the deletion")
	return cmd
}
