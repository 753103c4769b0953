package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/logger"
	"github.com/stemsi/exstem-client/internal/validator"
)

// version is set via -ldflags at build time.
var version = "(devel)"

var (
	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "examclient",
	Short:         "Exam-taking agent for the ExStem grading backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			cfg.BackendURL = v
		}
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			cfg.AuthToken = v
		}
		log = logger.Setup(cfg.LogLevel, cfg.LogFormat)
		validator.Setup()
	},
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd.PersistentFlags().String("backend", "", "Grading backend base URL (overrides BACKEND_URL)")
	rootCmd.PersistentFlags().String("token", "", "Student bearer token (overrides AUTH_TOKEN)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(takeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
