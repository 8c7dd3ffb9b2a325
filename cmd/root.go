// Package cmd implements the replyflow CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystaldolphin/replyflow/internal/config"
	"github.com/crystaldolphin/replyflow/internal/logutil"
)

const version = "0.1.0"
const logo = "🐬"

var cfgFile string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "replyflow",
	Short: logo + " replyflow — group chat reply scheduler",
	Long:  logo + " replyflow decides which chat messages deserve a reply, bundles bursts, keeps per-group history and paces outgoing replies",
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ~/.replyflow/config.yaml)")

	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(statusCmd)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

// loadConfig reads the config and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logutil.Install(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
