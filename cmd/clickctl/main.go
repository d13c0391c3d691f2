// Package main is the clickroute admin CLI.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/spf13/cobra"

	"github.com/clickroute/clickroute/internal/handler"
)

// cliEnv holds the subset of the server environment the CLI needs. Every
// value can be overridden with a flag.
type cliEnv struct {
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	CapTimezone string `env:"CAP_TIMEZONE" envDefault:"UTC"`
	OfferFile   string `env:"OFFER_FILE"`
}

type globalOptions struct {
	databaseURL string
	redisURL    string
	capTimezone string
	timeout     time.Duration
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var defaults cliEnv
	if err := env.Parse(&defaults); err != nil {
		defaults.CapTimezone = "UTC"
	}

	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "clickctl",
		Short:         "Administer the click router",
		Version:       handler.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.databaseURL, "database-url", defaults.DatabaseURL, "Postgres URL (env DATABASE_URL)")
	pf.StringVar(&opts.redisURL, "redis-url", defaults.RedisURL, "Redis URL (env REDIS_URL)")
	pf.StringVar(&opts.capTimezone, "cap-timezone", defaults.CapTimezone, "timezone cap windows are aligned in (env CAP_TIMEZONE)")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for store operations")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		migrateCmd(opts),
		timelineCmd(opts),
		catalogCmd(),
		capsCmd(opts, defaults.OfferFile),
	)
	return root
}

func (o *globalOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *globalOptions) requireDatabase() error {
	if o.databaseURL == "" {
		return errors.New("--database-url or DATABASE_URL is required")
	}
	return nil
}
