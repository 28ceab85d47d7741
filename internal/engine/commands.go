package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Intent selects whether a command reads or changes appliance state.
type Intent string

// Command intents.
const (
	IntentQuery Intent = "query"
	IntentApply Intent = "apply"
)

// Placeholder marks where an apply value is substituted in a template.
const Placeholder = "%s"

type commandKey struct {
	intent   Intent
	property string
}

// CommandTable maps (intent, property) pairs to wire command templates.
//
// Templates are declared during startup. The table is read-only afterwards
// and Resolve may be called from any goroutine.
type CommandTable struct {
	templates map[commandKey]string
}

// NewCommandTable creates an empty command table.
func NewCommandTable() *CommandTable {
	return &CommandTable{templates: make(map[commandKey]string)}
}

// Declare adds a template. Query templates are literal; apply templates hold
// at most one Placeholder. A template without a placeholder declares a
// command that carries no payload.
func (t *CommandTable) Declare(intent Intent, property, template string) error {
	if property == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidTemplate)
	}
	if template == "" {
		return fmt.Errorf("%w: empty template for %s %q", ErrInvalidTemplate, intent, property)
	}

	switch intent {
	case IntentQuery:
	case IntentApply:
		if n := strings.Count(template, Placeholder); n > 1 {
			return fmt.Errorf("%w: apply %q has %d placeholders", ErrInvalidTemplate, property, n)
		}
	default:
		return fmt.Errorf("%w: unknown intent %q", ErrInvalidTemplate, intent)
	}

	key := commandKey{intent: intent, property: property}
	if _, exists := t.templates[key]; exists {
		return fmt.Errorf("%w: %s %q", ErrDuplicateCommand, intent, property)
	}
	t.templates[key] = template
	return nil
}

// Resolve renders the wire text for an intent and property.
//
// For apply, a nil value returns the template unchanged. Any other value is
// passed through FormatValue and substituted for the placeholder.
func (t *CommandTable) Resolve(intent Intent, property string, value any) (string, error) {
	template, ok := t.templates[commandKey{intent: intent, property: property}]
	if !ok {
		return "", fmt.Errorf("%w: %s %q", ErrUnknownCommand, intent, property)
	}
	if intent != IntentApply || value == nil {
		return template, nil
	}
	return strings.Replace(template, Placeholder, FormatValue(value), 1), nil
}

// Has reports whether a template exists for the pair.
func (t *CommandTable) Has(intent Intent, property string) bool {
	_, ok := t.templates[commandKey{intent: intent, property: property}]
	return ok
}

// Properties lists the properties with a template for intent, sorted.
func (t *CommandTable) Properties(intent Intent) []string {
	var out []string
	for key := range t.templates {
		if key.intent == intent {
			out = append(out, key.property)
		}
	}
	sort.Strings(out)
	return out
}
