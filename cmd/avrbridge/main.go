// avrbridge connects a networked AV receiver to home automation.
//
// It keeps one line-protocol connection to the receiver open, tracks the
// receiver's state and exposes it over MQTT, a REST and WebSocket API, and
// Prometheus metrics. The same binary offers one-shot query and apply
// commands and an interactive console for working with the receiver by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/avrbridge/internal/infrastructure/config"
)

// Version information, set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither --config nor the environment names a file.
	defaultConfigPath = "configs/config.yaml"

	// configEnv names the environment variable holding the config path.
	configEnv = "AVRBRIDGE_CONFIG"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel already called
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	format     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "avrbridge",
		Short: "Bridge a networked AV receiver to MQTT and HTTP",
		Long: `avrbridge keeps a connection to a networked AV receiver, tracks its
state and exposes it over MQTT, a REST and WebSocket API, and Prometheus
metrics.

The configuration file is taken from --config, then the AVRBRIDGE_CONFIG
environment variable, then configs/config.yaml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.format != formatText && opts.format != formatJSON {
				return fmt.Errorf("invalid format %q: must be %s or %s", opts.format, formatText, formatJSON)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file path")
	cmd.PersistentFlags().StringVar(&opts.format, "format", formatText, "output format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	cmd.AddCommand(newApplyCommand(opts))
	cmd.AddCommand(newConsoleCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))

	return cmd
}

// resolveConfigPath returns the config path and whether it was named
// explicitly by flag or environment.
func (o *rootOptions) resolveConfigPath() (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if path := os.Getenv(configEnv); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// loadConfig loads the configuration file. When optional is set and no file
// was named explicitly, a missing default file falls back to the built-in
// defaults plus environment overrides, which is enough for the client
// commands once a receiver host is known. override runs before validation.
func (o *rootOptions) loadConfig(optional bool, override func(*config.Config)) (*config.Config, error) {
	path, explicit := o.resolveConfigPath()

	cfg, err := config.Load(path)
	if err == nil {
		if override != nil {
			override(cfg)
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
		}
		return cfg, nil
	}
	if !optional || explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg = config.Default()
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newVersionCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version": version,
				"commit":  commit,
				"date":    date,
			}
			if root.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "avrbridge %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
