// modelsync mirrors model artifacts from a remote bucket into a local,
// size-constrained cache.
//
// Features:
// - Per-category sync loops (checkpoints, ControlNet, LoRA, VAE)
// - Reference-counted eviction under a free-space floor
// - S3, GCS or local directory backends
// - Prometheus metrics & structured logging (zap)
// - Admin API with live event stream
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/990248516/sd-modelsync/internal/config"
	"github.com/990248516/sd-modelsync/internal/logging"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "modelsync",
		Short: "Keeps a local model cache in step with a remote bucket",
		Long: `modelsync lists model prefixes in an object store, downloads new and
changed files into local directories, evicts cached models when the
disk would drop below the reserved floor, and notifies the model index.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return logging.Init(logging.Config{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MODELSYNC_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(runCmd, onceCmd, diffCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
