package engine

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind is the value type of a property.
type Kind string

// Supported property kinds.
const (
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
)

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindBool, KindInt, KindFloat, KindString:
		return true
	}
	return false
}

// Zero returns the initial status value for a property of this kind.
// Strings start absent (nil).
func (k Kind) Zero() any {
	switch k {
	case KindBool:
		return false
	case KindInt:
		return 0
	case KindFloat:
		return 0.0
	default:
		return nil
	}
}

// Property declares one observable or controllable attribute.
type Property struct {
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`
}

// FormatValue converts an apply value to its on-wire token:
// true and "true" become ON, false and "false" become OFF,
// anything else is upper-cased.
func FormatValue(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "ON"
		}
		return "OFF"
	case string:
		switch val {
		case "true":
			return "ON"
		case "false":
			return "OFF"
		}
		return strings.ToUpper(val)
	default:
		return strings.ToUpper(fmt.Sprint(val))
	}
}

// Normalize strips trailing NUL and whitespace bytes from an inbound line.
func Normalize(raw string) string {
	return strings.TrimRightFunc(raw, func(r rune) bool {
		return r == 0 || unicode.IsSpace(r)
	})
}

// valuesEqual compares two status values. Values produced by extractors are
// bool, int, float64 or string, all of which compare with ==.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case bool, int, int64, float64, string:
		return a == b
	}
	// Slices and maps would panic under ==.
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}
