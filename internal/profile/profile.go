package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
)

// ErrUnknownProfile is returned when a built-in profile name is not recognised.
var ErrUnknownProfile = errors.New("profile: unknown profile")

// Command holds the wire templates of one property. Either may be empty.
type Command struct {
	Property string
	Query    string
	Apply    string
}

// Processor is one ordered line rule.
type Processor struct {
	Property string
	Pattern  string
	Extract  engine.Extractor
}

// Definition is the static configuration of one appliance model: the
// declared properties, their command templates, the ordered processors and
// the properties refreshed on connect.
type Definition struct {
	Name       string
	Properties []engine.Property
	Commands   []Command
	Processors []Processor
	Refresh    []string
}

// Build compiles the command table and processor registry.
func (d *Definition) Build() (*engine.CommandTable, *engine.Registry, error) {
	cmds := engine.NewCommandTable()
	for _, c := range d.Commands {
		if c.Query != "" {
			if err := cmds.Declare(engine.IntentQuery, c.Property, c.Query); err != nil {
				return nil, nil, fmt.Errorf("profile %s: %w", d.Name, err)
			}
		}
		if c.Apply != "" {
			if err := cmds.Declare(engine.IntentApply, c.Property, c.Apply); err != nil {
				return nil, nil, fmt.Errorf("profile %s: %w", d.Name, err)
			}
		}
	}

	reg := engine.NewRegistry()
	for _, p := range d.Processors {
		if err := reg.Register(p.Property, p.Pattern, p.Extract); err != nil {
			return nil, nil, fmt.Errorf("profile %s: %w", d.Name, err)
		}
	}

	return cmds, reg, nil
}

// Options builds engine options for this definition.
func (d *Definition) Options(sender engine.Sender, debounce time.Duration, logger engine.Logger) (engine.Options, error) {
	cmds, reg, err := d.Build()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Properties: d.Properties,
		Commands:   cmds,
		Processors: reg,
		Refresh:    d.Refresh,
		Sender:     sender,
		Debounce:   debounce,
		Logger:     logger,
	}, nil
}

var builtins = map[string]func() *Definition{
	"marantz": Marantz,
}

// Builtin returns the named built-in definition.
func Builtin(name string) (*Definition, error) {
	fn, ok := builtins[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownProfile, name, strings.Join(Names(), ", "))
	}
	return fn(), nil
}

// Names lists the built-in profile names.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve loads file when set, otherwise the named built-in.
func Resolve(name, file string) (*Definition, error) {
	if file != "" {
		return Load(file)
	}
	return Builtin(name)
}
