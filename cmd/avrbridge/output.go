package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nerrad567/avrbridge/internal/engine"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printValues prints values in the order of names.
func printValues(w io.Writer, format string, names []string, values map[string]any) error {
	if format == formatJSON {
		return writeJSON(w, values)
	}
	for _, name := range names {
		fmt.Fprintf(w, "%s = %s\n", name, renderValue(values[name]))
	}
	return nil
}

// renderValue renders a property value for terminal output.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "(unknown)"
	case bool:
		if val {
			return "on"
		}
		return "off"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		return strconv.Quote(val)
	default:
		return fmt.Sprint(val)
	}
}

func describeApply(v any) string {
	if v == nil {
		return "command"
	}
	return engine.FormatValue(v)
}

// parseCLIValue turns a command-line word into an apply value. on/off
// become booleans; everything else stays text and is upper-cased on the
// wire.
func parseCLIValue(s string) any {
	switch strings.ToLower(s) {
	case "on", "true":
		return true
	case "off", "false":
		return false
	default:
		return s
	}
}
