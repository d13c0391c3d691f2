package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clickroute/clickroute/internal/catalog"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with YAML offer catalogs",
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check an offer catalog without loading it into a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offers, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, o := range offers {
				fmt.Fprintf(out, "%s\t%s\t%d landings\t%d caps\n", o.ID, o.Status, len(o.Landings), len(o.Caps))
			}
			fmt.Fprintf(out, "%s: %d offers ok\n", args[0], len(offers))
			return nil
		},
	}

	cmd.AddCommand(validate)
	return cmd
}
