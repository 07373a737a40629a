package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// SetupRootCmd builds the tabwire command tree.
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tabwire",
		Short:   "Drive your browser from the command line",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd)
		},
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.AddCommand(newExtensionCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:    "version",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})
	return rootCmd
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
	slog.SetDefault(slog.New(handler))
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
