// Command taskmaster serves the ordered task board API.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskmaster/config"
)

// cfg is loaded from the environment before any subcommand runs.
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "taskmaster",
	Short:         "Ordered task board service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.New())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		log.SetFormatter(&log.JSONFormatter{})
		if cfg.Debug {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initStorageCmd)
}
