package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clickroute/clickroute/internal/cache"
	"github.com/clickroute/clickroute/internal/caps"
	"github.com/clickroute/clickroute/internal/catalog"
	"github.com/clickroute/clickroute/internal/repository"
)

func capsCmd(opts *globalOptions, defaultOfferFile string) *cobra.Command {
	var (
		publisherID string
		offerFile   string
	)
	cmd := &cobra.Command{
		Use:   "caps <offer-ref>",
		Short: "Show cap usage for the current windows",
		Long: `Show the current count and limit of every cap counter an offer has.

The offer is read from --offer-file when given, otherwise from Postgres.
Counts are read from Redis.

Examples:
  clickctl caps summer
  clickctl caps O1 --publisher P7 --offer-file offers.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.redisURL == "" {
				return errors.New("--redis-url or REDIS_URL is required")
			}
			loc, err := time.LoadLocation(opts.capTimezone)
			if err != nil {
				return fmt.Errorf("invalid cap timezone %q: %w", opts.capTimezone, err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			src, closeSrc, err := offerSource(ctx, opts, offerFile)
			if err != nil {
				return err
			}
			defer closeSrc()

			c, err := cache.New(ctx, opts.redisURL, cache.PoolConfig{PoolSize: 2, MinIdleConns: 1})
			if err != nil {
				return err
			}
			defer c.Close()

			enforcer := caps.NewEnforcer(caps.NewRedisStore(c.Client()), loc, opts.timeout, opts.logger(cmd.ErrOrStderr()), nil)
			return printUsage(ctx, cmd, src, enforcer, args[0], publisherID, time.Now())
		},
	}
	cmd.Flags().StringVarP(&publisherID, "publisher", "p", "", "include publisher-scoped counters for this publisher")
	cmd.Flags().StringVar(&offerFile, "offer-file", defaultOfferFile, "read the offer from a YAML catalog (env OFFER_FILE)")
	return cmd
}

func offerSource(ctx context.Context, opts *globalOptions, offerFile string) (catalog.Source, func(), error) {
	if offerFile != "" {
		src, err := catalog.NewFileSource(offerFile)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	}
	if err := opts.requireDatabase(); err != nil {
		return nil, nil, err
	}
	repo, err := repository.New(ctx, opts.databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return catalog.NewRepositorySource(repo), repo.Close, nil
}

func printUsage(ctx context.Context, cmd *cobra.Command, src catalog.Source, enforcer *caps.Enforcer, ref, publisherID string, now time.Time) error {
	offer, err := src.Offer(ctx, ref)
	if err != nil {
		return fmt.Errorf("offer %q: %w", ref, err)
	}

	counters, counts, err := enforcer.Usage(ctx, offer, publisherID, now)
	if err != nil {
		return fmt.Errorf("read counters: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(counters) == 0 {
		fmt.Fprintf(out, "offer %s has no caps\n", offer.ID)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COUNTER\tUSED\tLIMIT\tRESETS")
	for i, c := range counters {
		resets := "never"
		if !c.ExpireAt.IsZero() {
			resets = c.ExpireAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", c.Name, counts[i], c.Limit, resets)
	}
	return tw.Flush()
}
