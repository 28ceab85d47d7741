package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/avrbridge/internal/bridges/avr"
	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/profile"
)

const consolePrompt = "avr> "

const consoleHelp = `Commands:
  props                     list properties and what they support
  get <property>            show the last known value
  status                    show every value and the connection state
  query <property>...       ask the receiver and wait for the answers
  apply <property> [value]  change a property (on/off, numbers, names)
  refresh                   re-query the refresh set
  raw <line>                send a line exactly as typed
  help                      show this help
  quit                      leave the console
`

// lineSender writes a protocol line without going through the command table.
type lineSender interface {
	Send(ctx context.Context, line string) error
	IsConnected() bool
}

// console executes one command line at a time against an engine.
type console struct {
	engine  *engine.Engine
	sender  lineSender
	refresh func(ctx context.Context) (engine.Snapshot, error)
	timeout time.Duration
	out     io.Writer
}

// execute runs one command line. It reports quit when the console should
// exit. Errors are for the user and do not end the session.
func (c *console) execute(ctx context.Context, line string) (quit bool, err error) { //nolint:gocyclo // one case per command
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return false, nil
	case "props", "properties":
		c.listProperties()
		return false, nil
	case "get":
		if len(args) != 1 {
			return false, errors.New("usage: get <property>")
		}
		return false, c.get(args[0])
	case "status":
		c.status()
		return false, nil
	case "query":
		if len(args) == 0 {
			return false, errors.New("usage: query <property>...")
		}
		return false, c.query(ctx, args)
	case "apply":
		if len(args) == 0 {
			return false, errors.New("usage: apply <property> [value]")
		}
		var value any
		if len(args) > 1 {
			value = parseCLIValue(strings.Join(args[1:], " "))
		}
		return false, c.apply(ctx, args[0], value)
	case "refresh":
		return false, c.runRefresh(ctx)
	case "raw":
		raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		if raw == "" {
			return false, errors.New("usage: raw <line>")
		}
		return false, c.raw(ctx, raw)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

func (c *console) listProperties() {
	for _, p := range c.engine.Properties() {
		var ops []string
		if c.engine.Supports(engine.IntentQuery, p.Name) {
			ops = append(ops, "query")
		}
		if c.engine.Supports(engine.IntentApply, p.Name) {
			ops = append(ops, "apply")
		}
		if len(ops) == 0 {
			ops = append(ops, "report only")
		}
		fmt.Fprintf(c.out, "  %-32s %-7s %s\n", p.Name, p.Kind, strings.Join(ops, ", "))
	}
}

func (c *console) get(property string) error {
	v, ok := c.engine.Get(property)
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrUndeclaredProperty, property)
	}
	fmt.Fprintf(c.out, "%s = %s\n", property, renderValue(v))
	return nil
}

func (c *console) status() {
	state := "disconnected"
	if c.sender.IsConnected() {
		state = "connected"
	}
	fmt.Fprintf(c.out, "receiver %s\n", state)
	c.printSnapshot(c.engine.Snapshot())
}

func (c *console) printSnapshot(snap engine.Snapshot) {
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  %s = %s\n", name, renderValue(snap[name]))
	}
}

func (c *console) query(ctx context.Context, properties []string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	waiters, err := c.engine.RequestAll(ctx, properties...)
	if err != nil {
		return err
	}
	for _, w := range waiters {
		v, err := w.Wait(ctx)
		if err != nil {
			return fmt.Errorf("query %s: %w", w.Property(), err)
		}
		fmt.Fprintf(c.out, "%s = %s\n", w.Property(), renderValue(v))
	}
	return nil
}

func (c *console) apply(ctx context.Context, property string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.engine.Apply(ctx, property, value); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: sent %s\n", property, describeApply(value))
	return nil
}

func (c *console) runRefresh(ctx context.Context) error {
	if c.refresh == nil {
		return errors.New("refresh not available")
	}
	snap, err := c.refresh(ctx)
	if snap != nil {
		c.printSnapshot(snap)
	}
	return err
}

func (c *console) raw(ctx context.Context, line string) error {
	if !c.sender.IsConnected() {
		return engine.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sender.Send(ctx, line); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "sent %q\n", line)
	return nil
}

// runConsole reads commands until input ends, quit is typed or ctx is done.
func runConsole(ctx context.Context, c *console, in lineReader) error {
	for {
		line, err := in.GetLine(consolePrompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		quit, err := c.execute(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func newConsoleCommand(root *rootOptions) *cobra.Command {
	flags := &receiverFlags{}

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Work with the receiver interactively",
		Long: `Open an interactive console connected to the receiver.

The console reconnects on its own and refreshes the receiver state after
every connect. Type help for the command list. Piped input is read line by
line, so the console can also run scripts:

  printf 'apply power on\nquery power\n' | avrbridge console --host 192.168.1.40`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig(true, flags.apply)
			if err != nil {
				return err
			}
			log := flags.logger()

			def, err := profile.Resolve(cfg.Receiver.Profile, cfg.Receiver.ProfileFile)
			if err != nil {
				return fmt.Errorf("loading profile: %w", err)
			}
			client, err := avr.NewClient(avr.NewClientConfig(cfg.Receiver))
			if err != nil {
				return fmt.Errorf("creating receiver client: %w", err)
			}
			client.SetLogger(log)
			defer client.Close() //nolint:errcheck // shutting down

			opts, err := def.Options(client, cfg.Receiver.Debounce, log)
			if err != nil {
				return fmt.Errorf("building profile %s: %w", def.Name, err)
			}
			eng, err := engine.New(opts)
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}
			defer eng.Close()

			// The bridge without MQTT gives the console reconnects and the
			// refresh after each connect.
			bridge, err := avr.NewBridge(avr.BridgeOptions{
				Site:         cfg.Site.ID,
				Version:      version,
				Engine:       eng,
				Connector:    client,
				QueryTimeout: cfg.Receiver.QueryTimeout,
				Logger:       log,
			})
			if err != nil {
				return fmt.Errorf("creating bridge: %w", err)
			}
			if err := bridge.Start(cmd.Context()); err != nil {
				return fmt.Errorf("starting bridge: %w", err)
			}
			defer bridge.Stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "avrbridge %s console, receiver %s (%s profile)\n", version, client.Address(), def.Name)
			fmt.Fprintln(out, "type help for commands")

			editor := newLineEditor(os.Stdin, out, cmd.ErrOrStderr())
			defer editor.Close()

			return runConsole(cmd.Context(), &console{
				engine:  eng,
				sender:  client,
				refresh: bridge.Refresh,
				timeout: cfg.Receiver.QueryTimeout,
				out:     out,
			}, editor)
		},
	}
	flags.register(cmd)
	return cmd
}
