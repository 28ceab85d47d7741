package engine

import "errors"

// Domain errors for the correlation engine.
var (
	// ErrUnknownCommand is returned when a query or apply names a property
	// that has no template for that intent. Nothing is written to the wire.
	ErrUnknownCommand = errors.New("engine: unknown command")

	// ErrNotConnected is returned when a send is attempted while the
	// transport reports no established connection.
	ErrNotConnected = errors.New("engine: not connected")

	// ErrUnmatchedResponse is returned by Registry.MatchFirst when no
	// processor recognises a line. The dispatcher drops such lines.
	ErrUnmatchedResponse = errors.New("engine: unmatched response")

	// ErrDuplicateProperty is returned when a property is declared or
	// registered twice.
	ErrDuplicateProperty = errors.New("engine: duplicate property")

	// ErrDuplicateCommand is returned when a second template is declared
	// for the same intent and property.
	ErrDuplicateCommand = errors.New("engine: duplicate command")

	// ErrInvalidTemplate is returned for malformed command templates.
	ErrInvalidTemplate = errors.New("engine: invalid command template")

	// ErrInvalidPattern is returned when a processor pattern does not compile.
	ErrInvalidPattern = errors.New("engine: invalid pattern")

	// ErrUndeclaredProperty is returned at construction when a command or
	// processor refers to a property missing from the declared set.
	ErrUndeclaredProperty = errors.New("engine: undeclared property")

	// ErrExtract is returned when a processor matched a line but its
	// extractor could not produce a value.
	ErrExtract = errors.New("engine: value extraction failed")

	// ErrDisconnected completes every outstanding waiter when the
	// transport reports a lost connection.
	ErrDisconnected = errors.New("engine: connection lost")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")
)
