// Command updatesd mirrors a Discord announcement channel into a local
// update store and serves it over HTTP.
//
//	updatesd serve      run the listener, scheduler and HTTP API
//	updatesd backfill   one-shot sync of recent channel history
//	updatesd regroup    fetch recent history, fold it and print the groups
//
// @title       Updates Feed API
// @version     1.0
// @description Read API for community updates ingested from a Discord announcement channel.
// @BasePath    /api/v1
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-updates-feed/internal/config"
	"github.com/tbourn/go-updates-feed/internal/sysutil"
)

// Set via -ldflags "-X main.version=...".
var version = "dev"

// cfg is loaded once by the root command before any subcommand runs.
var cfg config.Config

var envFile string

var rootCmd = &cobra.Command{
	Use:           "updatesd",
	Short:         "updatesd - Discord announcement feed",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.Version = version
	rootCmd.AddCommand(serveCmd, backfillCmd, regroupCmd)
}

// loadConfig reads an optional dotenv file, then the environment, and
// installs the global logger.
func loadConfig(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	c, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = c
	sysutil.SetupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Pretty, cfg.OTEL.ServiceName)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("updatesd failed")
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
