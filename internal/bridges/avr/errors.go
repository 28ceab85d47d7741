package avr

import "errors"

// Domain errors for the receiver bridge package.
var (
	// ErrNotConnected is returned when a line is sent while no connection
	// to the receiver is established.
	ErrNotConnected = errors.New("avr: not connected to receiver")

	// ErrConnectionFailed is returned when dialling the receiver fails.
	ErrConnectionFailed = errors.New("avr: connection to receiver failed")

	// ErrConnectionClosed is returned after Close has been called.
	ErrConnectionClosed = errors.New("avr: connection closed")

	// ErrInvalidAddress is returned when the receiver address cannot be parsed.
	ErrInvalidAddress = errors.New("avr: invalid receiver address")

	// ErrLineTooLong is reported when an inbound line exceeds the maximum
	// accepted length. The line is discarded up to the next terminator.
	ErrLineTooLong = errors.New("avr: inbound line too long")

	// ErrWriteFailed is returned when writing a line to the socket fails.
	ErrWriteFailed = errors.New("avr: line write failed")

	// ErrInvalidPayload is returned when an MQTT payload cannot be decoded.
	ErrInvalidPayload = errors.New("avr: invalid payload")
)
