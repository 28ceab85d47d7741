package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/avrbridge/internal/engine"
)

// ErrInvalidProfile is returned for profile files that parse but do not
// describe a usable definition.
var ErrInvalidProfile = errors.New("profile: invalid profile")

// fileProfile is the YAML layout of a profile file.
//
//	name: marantz-zone2
//	refresh: [power, volume.master]
//	properties:
//	  - name: power
//	    kind: bool
//	    query: "Z2?"
//	    apply: "Z2%s"
//	processors:
//	  - property: power
//	    match: '^Z2(ON|OFF)$'
//	    value: 'onoff(groups[1])'
type fileProfile struct {
	Name       string          `yaml:"name"`
	Refresh    []string        `yaml:"refresh"`
	Properties []fileProperty  `yaml:"properties"`
	Processors []fileProcessor `yaml:"processors"`
}

type fileProperty struct {
	Name  string      `yaml:"name"`
	Kind  engine.Kind `yaml:"kind"`
	Query string      `yaml:"query"`
	Apply string      `yaml:"apply"`
}

type fileProcessor struct {
	Property string            `yaml:"property"`
	Match    string            `yaml:"match"`
	Value    string            `yaml:"value"`
	Derive   map[string]string `yaml:"derive"`
}

// lineEnv is the expression environment for processor value expressions.
type lineEnv struct {
	Groups []string `expr:"groups"`
	Line   string   `expr:"line"`
}

// Load reads a YAML profile and compiles its value expressions.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes and compiles a YAML profile.
func Parse(data []byte) (*Definition, error) { //nolint:gocognit // validation of every section
	var fp fileProfile
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if fp.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if len(fp.Properties) == 0 {
		return nil, fmt.Errorf("%w: %s declares no properties", ErrInvalidProfile, fp.Name)
	}

	def := &Definition{Name: fp.Name, Refresh: fp.Refresh}
	kinds := make(map[string]engine.Kind, len(fp.Properties))
	for _, p := range fp.Properties {
		if p.Kind == "" {
			p.Kind = engine.KindString
		}
		if !p.Kind.Valid() {
			return nil, fmt.Errorf("%w: property %q has unknown kind %q", ErrInvalidProfile, p.Name, p.Kind)
		}
		kinds[p.Name] = p.Kind
		def.Properties = append(def.Properties, engine.Property{Name: p.Name, Kind: p.Kind})
		if p.Query != "" || p.Apply != "" {
			def.Commands = append(def.Commands, Command{Property: p.Name, Query: p.Query, Apply: p.Apply})
		}
	}

	for i, fpr := range fp.Processors {
		if fpr.Match == "" {
			return nil, fmt.Errorf("%w: processor %d (%s) has no match pattern", ErrInvalidProfile, i, fpr.Property)
		}
		kind, ok := kinds[fpr.Property]
		if !ok {
			return nil, fmt.Errorf("%w: processor %d refers to undeclared property %q", ErrInvalidProfile, i, fpr.Property)
		}

		extract, err := compileExtractor(fpr, kind, kinds)
		if err != nil {
			return nil, fmt.Errorf("%w: processor %d (%s): %w", ErrInvalidProfile, i, fpr.Property, err)
		}
		def.Processors = append(def.Processors, Processor{
			Property: fpr.Property,
			Pattern:  fpr.Match,
			Extract:  extract,
		})
	}

	return def, nil
}

type derivedProgram struct {
	property string
	kind     engine.Kind
	program  *vm.Program
}

// compileExtractor builds an extractor from the value and derive
// expressions. An empty value expression yields the first capture group.
func compileExtractor(fpr fileProcessor, kind engine.Kind, kinds map[string]engine.Kind) (engine.Extractor, error) {
	src := fpr.Value
	if src == "" {
		src = "groups[1]"
	}
	program, err := expr.Compile(src, exprOptions()...)
	if err != nil {
		return nil, fmt.Errorf("compiling value %q: %w", src, err)
	}

	// Derived readings are emitted in property name order.
	props := make([]string, 0, len(fpr.Derive))
	for prop := range fpr.Derive {
		props = append(props, prop)
	}
	sort.Strings(props)

	derived := make([]derivedProgram, 0, len(props))
	for _, prop := range props {
		dsrc := fpr.Derive[prop]
		dkind, ok := kinds[prop]
		if !ok {
			return nil, fmt.Errorf("derive refers to undeclared property %q", prop)
		}
		dprog, err := expr.Compile(dsrc, exprOptions()...)
		if err != nil {
			return nil, fmt.Errorf("compiling derive %s %q: %w", prop, dsrc, err)
		}
		derived = append(derived, derivedProgram{property: prop, kind: dkind, program: dprog})
	}

	return func(groups []string) (engine.Extraction, error) {
		env := &lineEnv{Groups: groups, Line: groups[0]}

		value, err := evaluate(program, env, kind)
		if err != nil {
			return engine.Extraction{}, err
		}
		ext := engine.Extraction{Value: value}
		for _, d := range derived {
			dv, err := evaluate(d.program, env, d.kind)
			if err != nil {
				return engine.Extraction{}, fmt.Errorf("derive %s: %w", d.property, err)
			}
			ext.Derived = append(ext.Derived, engine.Reading{Property: d.property, Value: dv})
		}
		return ext, nil
	}, nil
}

func evaluate(program *vm.Program, env *lineEnv, kind engine.Kind) (any, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, err
	}
	return coerce(out, kind)
}

// coerce converts an expression result to the property's kind so equal
// values always compare equal in the status store.
func coerce(v any, kind engine.Kind) (any, error) { //nolint:gocyclo // one case per kind and source type
	switch kind {
	case engine.KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return b == "ON", nil
		}
	case engine.KindInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			return int(n), nil
		case string:
			return strconv.Atoi(n)
		}
	case engine.KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			return strconv.ParseFloat(n, 64)
		}
	case engine.KindString:
		if v == nil {
			return nil, nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, kind)
}

// exprOptions returns the compile options for value expressions: the line
// environment and the helper functions.
func exprOptions() []expr.Option {
	return append([]expr.Option{expr.Env(&lineEnv{})}, helpers...)
}

var helpers = []expr.Option{
	expr.Function(
		"atoi",
		func(params ...any) (any, error) {
			s, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("atoi expects string, got %T", params[0])
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, err
			}
			return n, nil
		},
		new(func(string) int),
	),
	expr.Function(
		"atof",
		func(params ...any) (any, error) {
			s, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("atof expects string, got %T", params[0])
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, err
			}
			return f, nil
		},
		new(func(string) float64),
	),
	expr.Function(
		"onoff",
		func(params ...any) (any, error) {
			s, ok := params[0].(string)
			if !ok {
				return nil, fmt.Errorf("onoff expects string, got %T", params[0])
			}
			return s == "ON", nil
		},
		new(func(string) bool),
	),
	expr.Function(
		"tenths",
		func(params ...any) (any, error) {
			n, ok := params[0].(int)
			if !ok {
				return nil, fmt.Errorf("tenths expects int, got %T", params[0])
			}
			return scaleVolume(n), nil
		},
		new(func(int) float64),
	),
}
