package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/parley/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// rootOptions carries the persistent flags and the config they resolve to.
type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "parley",
		Short:         "Parley: live interview rooms with a panel of agents",
		Long:          "Parley runs interview rooms where a panel of agents answers each round, and follows them from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(opts.configPath)
			if err != nil {
				return err
			}
			cfg.ApplyEnv(os.Getenv)
			opts.cfg = cfg
			return setupLogging(cmd.ErrOrStderr(), cfg.Log, opts.logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to parley config file (default "+config.DefaultPath+" when present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newNewCmd(opts))
	cmd.AddCommand(newAskCmd(opts))
	cmd.AddCommand(newCancelCmd(opts))
	cmd.AddCommand(newRoomsCmd(opts))
	cmd.AddCommand(newSceneriesCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley %s (commit: %s)\n", Version, Commit)
		},
	}
}

// setupLogging points the global zerolog logger at w. An empty override
// keeps the configured level.
func setupLogging(w io.Writer, cfg config.LogConfig, override string) error {
	level := cfg.Level
	if override != "" {
		level = override
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	default:
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			With().
			Timestamp().
			Logger()
	}
	return nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
