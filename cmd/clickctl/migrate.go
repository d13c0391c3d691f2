package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clickroute/clickroute/internal/repository"
)

func migrateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireDatabase(); err != nil {
				return err
			}
			if err := repository.Migrate(opts.databaseURL); err != nil {
				return err
			}
			return printVersion(cmd, opts.databaseURL)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the given number of migrations.

Examples:
  clickctl migrate down --steps 1
  clickctl migrate down --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireDatabase(); err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			if !all && steps <= 0 {
				return errors.New("--steps must be positive, or pass --all")
			}
			if all {
				steps = 0
			}
			if err := repository.MigrateDown(opts.databaseURL, steps); err != nil {
				return err
			}
			return printVersion(cmd, opts.databaseURL)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	down.Flags().Bool("all", false, "roll back every migration")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireDatabase(); err != nil {
				return err
			}
			return printVersion(cmd, opts.databaseURL)
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func printVersion(cmd *cobra.Command, databaseURL string) error {
	v, dirty, err := repository.MigrationVersion(databaseURL)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
