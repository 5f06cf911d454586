package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/seantiz/cook/internal/config"
)

var (
	cfg    config.Config
	logger *slog.Logger

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML file with clients and tool configuration (overrides COOK_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initCook

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("cook failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "cook",
	Short:        "Recipe-driven processing server for native 3D tools",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("cook: version info not available")
			return
		}
		fmt.Printf("cook: %s\n", info.Main.Version)
		fmt.Printf("go:   %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			}
		}
	},
}

func initCook(cmd *cobra.Command, _ []string) error {
	cfg = config.Load()
	if flagConfigFilePath != "" {
		cfg.ConfigFile = flagConfigFilePath
	}
	if cfg.ConfigFile != "" {
		if err := cfg.ReadFile(cfg.ConfigFile); err != nil {
			return err
		}
	}

	// --verbose has a precedence over the environment
	if flagVerbose {
		cfg.LogLevel = slog.LevelDebug
	}
	logger = config.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)
	return nil
}
