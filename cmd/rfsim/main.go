// Command rfsim drives an Rf adaptor over the in-memory Diameter stack and
// prints what a consumer of the sink topic observed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/rfbridge/internal/runtime/config"
	loggingpkg "github.com/drblury/rfbridge/internal/runtime/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rfsim",
		Short:        "Rf accounting adaptor simulator",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		opts       simOptions
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run accounting dialogs through the adaptor",
		Long: `Builds an adaptor over the in-memory stack, opens client dialogs that
send START and STOP records synchronously, injects server dialogs from a
simulated peer and reports the answers and the events consumed from the sink.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf := configpkg.Default()
			if configPath != "" {
				loaded, err := configpkg.LoadFile(configPath)
				if err != nil {
					return err
				}
				conf = loaded
			}
			logger, err := consoleLogger(conf.LogLevel)
			if err != nil {
				return err
			}
			report, err := simulate(cmd.Context(), conf, logger, opts)
			if err != nil {
				return err
			}
			return report.write(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
	cmd.Flags().IntVar(&opts.Sessions, "sessions", 1, "client accounting dialogs to open")
	cmd.Flags().IntVar(&opts.Inbound, "inbound", 1, "server accounting dialogs a peer opens")
	cmd.Flags().DurationVar(&opts.Drain, "drain", 5*time.Second, "how long to wait for the consumer to catch up")
	return cmd
}

func consoleLogger(level string) (loggingpkg.ServiceLogger, error) {
	if level == "" {
		level = zerolog.LevelInfoValue
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("rfsim: log level: %w", err)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return loggingpkg.NewZerologServiceLogger(zerolog.New(out).Level(lvl).With().Timestamp().Logger()), nil
}
