package engine

import (
	"fmt"
	"regexp"
	"strconv"
)

// Reading is one property value decoded from an inbound line.
type Reading struct {
	Property string `json:"property"`
	Value    any    `json:"value"`
}

// Extraction is what an extractor produces for a matched line: the value of
// the processor's own property plus optional values for other properties
// carried by the same line.
type Extraction struct {
	Value   any
	Derived []Reading
}

// Extractor decodes the submatches of a processor pattern. groups[0] is the
// whole line, groups[1:] are the capture groups.
type Extractor func(groups []string) (Extraction, error)

// Processor recognises one family of inbound lines.
type Processor struct {
	Property string
	Pattern  *regexp.Regexp
	Extract  Extractor
}

// Match is the outcome of a successful MatchFirst.
type Match struct {
	Property string
	Value    any
	Derived  []Reading
	Line     string
}

// Registry holds processors in registration order. Matching is first match
// wins, so more specific patterns must be registered before general ones
// that could also match.
//
// Processors are registered during startup; MatchFirst never mutates the
// registry and is safe for concurrent use afterwards.
type Registry struct {
	processors []Processor
	index      map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register compiles pattern and appends a processor for property.
func (r *Registry) Register(property, pattern string, extract Extractor) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %q for %q: %w", ErrInvalidPattern, pattern, property, err)
	}
	return r.RegisterRegexp(property, re, extract)
}

// RegisterRegexp appends a processor using an already compiled pattern.
func (r *Registry) RegisterRegexp(property string, re *regexp.Regexp, extract Extractor) error {
	if property == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidPattern)
	}
	if re == nil {
		return fmt.Errorf("%w: nil pattern for %q", ErrInvalidPattern, property)
	}
	if extract == nil {
		return fmt.Errorf("%w: nil extractor for %q", ErrInvalidPattern, property)
	}
	if _, exists := r.index[property]; exists {
		return fmt.Errorf("%w: processor for %q", ErrDuplicateProperty, property)
	}

	r.index[property] = len(r.processors)
	r.processors = append(r.processors, Processor{Property: property, Pattern: re, Extract: extract})
	return nil
}

// MatchFirst walks the processors in order and decodes the line with the
// first one whose pattern matches. It returns ErrUnmatchedResponse when none
// match, and an ErrExtract error when the matching extractor fails. A failed
// extraction does not fall through to later processors.
func (r *Registry) MatchFirst(line string) (Match, error) {
	for _, p := range r.processors {
		groups := p.Pattern.FindStringSubmatch(line)
		if groups == nil {
			continue
		}

		ext, err := p.Extract(groups)
		if err != nil {
			return Match{}, fmt.Errorf("%w: %q for %q: %w", ErrExtract, line, p.Property, err)
		}
		return Match{
			Property: p.Property,
			Value:    ext.Value,
			Derived:  ext.Derived,
			Line:     line,
		}, nil
	}
	return Match{}, fmt.Errorf("%w: %q", ErrUnmatchedResponse, line)
}

// Processors returns a copy of the ordered processor list.
func (r *Registry) Processors() []Processor {
	out := make([]Processor, len(r.processors))
	copy(out, r.processors)
	return out
}

// Len returns the number of registered processors.
func (r *Registry) Len() int {
	return len(r.processors)
}

// OnOff returns an extractor yielding true when the first capture equals on.
func OnOff(on string) Extractor {
	return func(groups []string) (Extraction, error) {
		if len(groups) < 2 {
			return Extraction{}, fmt.Errorf("missing capture group")
		}
		return Extraction{Value: groups[1] == on}, nil
	}
}

// Integer returns an extractor parsing the first capture as a base-10 int.
func Integer() Extractor {
	return func(groups []string) (Extraction, error) {
		if len(groups) < 2 {
			return Extraction{}, fmt.Errorf("missing capture group")
		}
		n, err := strconv.Atoi(groups[1])
		if err != nil {
			return Extraction{}, err
		}
		return Extraction{Value: n}, nil
	}
}

// Text returns an extractor yielding the first capture unchanged.
func Text() Extractor {
	return func(groups []string) (Extraction, error) {
		if len(groups) < 2 {
			return Extraction{}, fmt.Errorf("missing capture group")
		}
		return Extraction{Value: groups[1]}, nil
	}
}
