package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/clickroute/clickroute/internal/model"
	"github.com/clickroute/clickroute/internal/repository"
	"github.com/clickroute/clickroute/internal/timeline"
)

// clickReader is the slice of the repository the timeline command reads.
type clickReader interface {
	GetClick(ctx context.Context, id string) (*model.ClickRecord, error)
}

func timelineCmd(opts *globalOptions) *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "timeline <click-id>",
		Short: "Print the stage timeline of a click as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireDatabase(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			repo, err := repository.New(ctx, opts.databaseURL)
			if err != nil {
				return err
			}
			defer repo.Close()

			return printTimeline(ctx, cmd, repo, args[0], lang)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "label language, as an Accept-Language value")
	return cmd
}

func printTimeline(ctx context.Context, cmd *cobra.Command, store clickReader, clickID, lang string) error {
	if _, err := ulid.ParseStrict(clickID); err != nil {
		return fmt.Errorf("invalid click id %q", clickID)
	}

	rec, err := store.GetClick(ctx, clickID)
	if errors.Is(err, repository.ErrClickNotFound) {
		return fmt.Errorf("click %s not found", clickID)
	}
	if err != nil {
		return fmt.Errorf("load click: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(timeline.Build(rec, timeline.Negotiate(lang)))
}
