// Package cmd implements the clawworker command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clawworker",
		Short: "Autonomous agent worker: task queue, chat turns and tool loop",
		Long: `clawworker runs LLM agents that take task assignments from a queue,
answer chat turns and call tools until the work is done.

Running without a subcommand starts the worker (same as "clawworker serve").`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $CLAW_CONFIG or ~/.clawworker/config.json5)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("CLAW_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", os.Getenv("CLAW_LOG_JSON") != "", "emit JSON logs")

	root.AddCommand(serveCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(cronCmd())
	root.AddCommand(configCmd())
	root.AddCommand(onboardCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("clawworker", Version)
		},
	}
}

func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

// loadConfig loads the config or exits with a readable message.
func loadConfig() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
