// Command agentrt runs tool-calling agent turns against a configured model
// provider, pausing for a human decision when a tool call needs review.
//
// # Usage
//
//	agentrt run --config agentrt.yaml --thread demo "What's the weather in Boston?"
//	agentrt resume --thread demo --decisions '[{"type":"approve"}]'
//	agentrt state --thread demo
//	agentrt batch --max-concurrency 4 "first prompt" "second prompt"
//
// The configuration path defaults to $AGENTRT_CONFIG, then agentrt.yaml.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "agentrt",
		Short:         "Run interruptible tool-calling agent turns",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(
		buildRunCmd(opts),
		buildResumeCmd(opts),
		buildStateCmd(opts),
		buildBatchCmd(opts),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("AGENTRT_CONFIG")); path != "" {
		return path
	}
	return "agentrt.yaml"
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
