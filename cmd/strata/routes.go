package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"impractical.co/strata/artifact"
)

func routesCmd() *cobra.Command {
	var appsDir string

	cmd := &cobra.Command{
		Use:   "routes APP",
		Short: "Print the pages of an app in the order they're matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := artifact.NewLoader(os.DirFS(appsDir))
			app, err := loader.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "PATTERN\tCOMPONENT\tLAYOUT\tZONES")
			for _, page := range app.Pages() {
				layout := "-"
				if l, ok := page.Layout(); ok {
					layout = l.Name()
				}
				zones := strings.Join(page.DeclaredZones(), ",")
				if zones == "" {
					zones = "-"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", app.ContextPath()+page.Pattern().String(), page.Component().Name(), layout, zones)
			}
			return out.Flush()
		},
	}

	cmd.Flags().StringVar(&appsDir, "apps", ".", "Directory containing the apps")

	return cmd
}
