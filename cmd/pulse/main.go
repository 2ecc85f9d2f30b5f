package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/config"
	"github.com/dgnsrekt/pulse/internal/logging"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pulse",
		Short: "Subscribe to, publish to, and mint tokens for a pulse server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// The server config is optional for client commands; it only
			// supplies signing defaults.
			var logCfg *config.LoggingConfig
			if cfgFile != "" {
				var err error
				cfg, err = config.Load(cfgFile)
				if err != nil {
					return err
				}
				logCfg = &cfg.Logging
			}

			var err error
			logger, err = logging.New("pulse", verbose, logCfg)
			return err
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("PULSE_CONFIG"), "server config file for signing defaults (or set PULSE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(tokenCmd())

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
