package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Await-d/FluxCaption-sub000/config"
	"github.com/Await-d/FluxCaption-sub000/logger"
)

var (
	configPath string
	jsonLog    bool
)

var rootCmd = &cobra.Command{
	Use:   "fluxcaption",
	Short: "FluxCaption - subtitle localization pipeline",
	Long: `FluxCaption materializes missing-language subtitle tracks for a
self-hosted media library: speech recognition where no source subtitle
exists, machine translation of subtitle segments into target languages,
and writeback via the media host or as sidecar files.

Available commands:
  serve    - Run the pipeline: queue workers, event bus, schedulers
  migrate  - Apply pending database migrations and exit
  version  - Print the build version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLog); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to fluxcaption.toml (default: project search)")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "emit JSON structured logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the configuration from --config or the default search.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
