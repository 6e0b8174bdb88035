package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	verbose    bool

	// Version is set at build time
	Version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "aurora",
	Short: "Aurora process supervisor and artifact updater",
	Long: `aurora supervises plugin processes, relays pub/sub messages between them and
stages, verifies, approves and activates update artifacts.

Run 'aurora serve' for the long-running runtime. The remaining commands
operate on the same state directory and can run while serve is up.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return readConfigFile(viper.GetViper(), configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./aurora.yaml or ~/.aurora/aurora.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("data-dir", "", "state directory (staging, approvals, backups, journal)")
	rootCmd.PersistentFlags().String("plugins-dir", "", "directory containing plugin subdirectories")
	rootCmd.PersistentFlags().String("api-url", "", "control API base URL used by status commands")

	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("plugins_dir", rootCmd.PersistentFlags().Lookup("plugins-dir"))
	viper.BindPFlag("api.url", rootCmd.PersistentFlags().Lookup("api-url"))

	setDefaults(viper.GetViper())

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// usageError marks invalid invocations, reported with exit code 2
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// usageArgs wraps a cobra argument validator so its failures exit with 2
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// exitCode maps a command error to the process exit status
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var uerr usageError
	if errors.As(err, &uerr) {
		return 2
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "required flag") {
		return 2
	}
	return 1
}

func main() {
	err := rootCmd.Execute()
	code := exitCode(err)
	if code != 0 {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		if code == 2 {
			printHint(os.Stderr, "run 'aurora --help' for usage")
		}
	}
	os.Exit(code)
}
