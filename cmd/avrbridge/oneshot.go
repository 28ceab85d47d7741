package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/avrbridge/internal/bridges/avr"
	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/config"
	"github.com/nerrad567/avrbridge/internal/infrastructure/logging"
	"github.com/nerrad567/avrbridge/internal/profile"
)

// receiverFlags are the connection overrides shared by the client commands.
type receiverFlags struct {
	host    string
	port    int
	timeout time.Duration
	verbose bool
}

func (f *receiverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "receiver host (overrides config)")
	cmd.Flags().IntVar(&f.port, "port", 0, "receiver port (overrides config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-operation timeout (default receiver.query_timeout)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log connection and protocol detail to stderr")
}

func (f *receiverFlags) apply(cfg *config.Config) {
	if f.host != "" {
		cfg.Receiver.Host = f.host
	}
	if f.port != 0 {
		cfg.Receiver.Port = f.port
	}
	if f.timeout > 0 {
		cfg.Receiver.QueryTimeout = f.timeout
	}
}

// logger returns a stderr logger for interactive use. Client commands
// stay quiet unless asked.
func (f *receiverFlags) logger() *logging.Logger {
	level := "error"
	if f.verbose {
		level = "debug"
	}
	return logging.New(config.LoggingConfig{Level: level, Format: "text", Output: "stderr"}, version)
}

// session is a direct receiver connection driving its own engine. Unlike
// serve it does not refresh on connect, so a one-shot command only sends
// the lines it was asked to.
type session struct {
	client  *avr.Client
	engine  *engine.Engine
	timeout time.Duration
}

func openSession(ctx context.Context, cfg *config.Config, log *logging.Logger) (*session, error) {
	def, err := profile.Resolve(cfg.Receiver.Profile, cfg.Receiver.ProfileFile)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	client, err := avr.NewClient(avr.NewClientConfig(cfg.Receiver))
	if err != nil {
		return nil, fmt.Errorf("creating receiver client: %w", err)
	}
	client.SetLogger(log)

	opts, err := def.Options(client, cfg.Receiver.Debounce, log)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("building profile %s: %w", def.Name, err)
	}
	eng, err := engine.New(opts)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	client.SetOnLine(eng.HandleLine)
	client.SetOnDisconnect(func(err error) { eng.HandleDisconnect(err) })

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		eng.Close()
		return nil, fmt.Errorf("connecting to receiver %s: %w", client.Address(), err)
	}

	return &session{client: client, engine: eng, timeout: cfg.Receiver.QueryTimeout}, nil
}

func (s *session) Close() {
	_ = s.client.Close()
	s.engine.Close()
}

// query pipelines every query before waiting, so the receiver's in-order
// answers resolve them in issue order.
func (s *session) query(ctx context.Context, properties []string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	waiters, err := s.engine.RequestAll(ctx, properties...)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(waiters))
	for _, w := range waiters {
		v, err := w.Wait(ctx)
		if err != nil {
			return values, fmt.Errorf("query %s: %w", w.Property(), err)
		}
		values[w.Property()] = v
	}
	return values, nil
}

func newQueryCommand(root *rootOptions) *cobra.Command {
	flags := &receiverFlags{}

	cmd := &cobra.Command{
		Use:   "query <property>...",
		Short: "Read properties from the receiver",
		Long: `Send the query command for each property and print the answers.

Queries are sent back to back before any answer is awaited.

Example:
  avrbridge query power volume.master --host 192.168.1.40`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(true, flags.apply)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, flags.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			values, err := s.query(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printValues(cmd.OutOrStdout(), root.format, args, values)
		},
	}
	flags.register(cmd)
	return cmd
}

func newApplyCommand(root *rootOptions) *cobra.Command {
	flags := &receiverFlags{}
	var confirm bool

	cmd := &cobra.Command{
		Use:   "apply <property> [value]",
		Short: "Change a property on the receiver",
		Long: `Send the apply command for a property.

Booleans and on/off are sent as ON or OFF; anything else is sent upper-cased.
Without a value the command is sent as is. With --confirm the property is
queried afterwards and the receiver's answer printed.

Example:
  avrbridge apply power on
  avrbridge apply source CD --confirm`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(true, flags.apply)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, flags.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			property := args[0]
			var value any
			if len(args) == 2 {
				value = parseCLIValue(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
			defer cancel()
			if err := s.engine.Apply(ctx, property, value); err != nil {
				return err
			}

			result := map[string]any{"property": property, "value": value, "status": "sent"}
			if confirm {
				values, err := s.query(cmd.Context(), []string{property})
				if err != nil {
					return fmt.Errorf("confirming %s: %w", property, err)
				}
				result["confirmed"] = values[property]
			}

			if root.format == formatJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: sent %s\n", property, describeApply(value))
			if confirm {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", property, renderValue(result["confirmed"]))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&confirm, "confirm", false, "query the property after applying")
	return cmd
}
