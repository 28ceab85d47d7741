package avr

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
)

// CommandMessage asks the bridge to apply a value to a property.
// Topic: avrbridge/command/{site}/{property}
type CommandMessage struct {
	// ID identifies this command for correlation with its acknowledgment.
	// The bridge assigns one when empty.
	ID string `json:"id"`

	// Timestamp is optional. A missing timestamp stays zero.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Property overrides the property taken from the topic when set.
	Property string `json:"property,omitempty"`

	// Value is substituted into the apply template. Null sends the
	// template unchanged (e.g. volume up/down style commands).
	// Examples: true, "ON", 45, "MOVIE"
	Value any `json:"value"`

	// Source is free text naming the sender, echoed into logs.
	Source string `json:"source,omitempty"`
}

// AckStatus is "accepted" once the line is written, "failed" otherwise.
// Acceptance says nothing about whether the receiver acted on it.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// AckMessage acknowledges a command.
// Topic: avrbridge/ack/{site}/{property}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Site      string    `json:"site"`
	Property  string    `json:"property"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError explains a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeUnknownCommand = "UNKNOWN_COMMAND"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeInvalidAction  = "INVALID_ACTION"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeDisconnected   = "DISCONNECTED"
	ErrCodeBridgeError    = "BRIDGE_ERROR"
)

// ErrorCode maps an engine or transport error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrUnknownCommand), errors.Is(err, engine.ErrUndeclaredProperty):
		return ErrCodeUnknownCommand
	case errors.Is(err, engine.ErrNotConnected), errors.Is(err, ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, engine.ErrDisconnected):
		return ErrCodeDisconnected
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrInvalidPayload):
		return ErrCodeInvalidPayload
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage carries one property's value after a change.
// Topic: avrbridge/state/{site}/{property}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Site      string    `json:"site"`
	Property  string    `json:"property"`
	Value     any       `json:"value"`
	Previous  any       `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusMessage carries the full status once changes settle.
// Topic: avrbridge/status/{site}
// QoS: 1, Retained: Yes
type StatusMessage struct {
	Site      string         `json:"site"`
	Timestamp time.Time      `json:"timestamp"`
	Connected bool           `json:"connected"`
	Status    map[string]any `json:"status"`
}

// Request actions.
const (
	// ActionQuery sends the property's query and answers with the reply.
	ActionQuery = "query"

	// ActionGet answers from the status store without touching the wire.
	ActionGet = "get"

	// ActionRefresh queries the refresh set; the topic property is ignored.
	ActionRefresh = "refresh"
)

// RequestMessage asks the bridge for a property value.
// Topic: avrbridge/request/{site}/{property}
type RequestMessage struct {
	// RequestID correlates the response. The bridge assigns one when empty.
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Action is one of "query" (default), "get", "refresh".
	Action string `json:"action,omitempty"`

	// TimeoutMS overrides the bridge query timeout when positive.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ResponseMessage answers a request.
// Topic: avrbridge/response/{site}/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Property  string         `json:"property,omitempty"`
	Success   bool           `json:"success"`
	Value     any            `json:"value"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError explains a failed request. It shares AckError's shape.
type ResponseError = AckError

// HealthStatus is "healthy" when both MQTT and the receiver are up and
// "degraded" when either is down. "offline" only ever comes from the will.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports operational status.
// Topic: avrbridge/health/{site}
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Site          string            `json:"site"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Properties    int               `json:"properties"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the receiver connection.
type ConnectionStatus struct {
	// Status is "connected", "reconnecting" or "disconnected".
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	LinesReceived  uint64 `json:"lines_received"`
	LinesSent      uint64 `json:"lines_sent"`
	LinesUnmatched uint64 `json:"lines_unmatched"`
	LinesDropped   uint64 `json:"lines_dropped"`
	Errors         uint64 `json:"errors"`
	Reconnects     uint64 `json:"reconnects"`
	PendingQueries int    `json:"pending_queries"`
}

// NewAckMessage acknowledges cmd.
func NewAckMessage(site string, cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Site:      site,
		Property:  cmd.Property,
		Status:    status,
	}
}

// NewAckError is a failed NewAckMessage.
func NewAckError(site string, cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(site, cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message from an engine change.
func NewStateMessage(site string, c engine.Change) StateMessage {
	return StateMessage{
		Site:      site,
		Property:  c.Property,
		Value:     c.Value,
		Previous:  c.Previous,
		Timestamp: c.At.UTC(),
	}
}

// NewStatusMessage creates an aggregate status message.
func NewStatusMessage(site string, connected bool, snap engine.Snapshot) StatusMessage {
	status := make(map[string]any, len(snap))
	for k, v := range snap {
		status[k] = v
	}
	return StatusMessage{
		Site:      site,
		Timestamp: time.Now().UTC(),
		Connected: connected,
		Status:    status,
	}
}

// NewResponseError creates a failed response.
func NewResponseError(requestID, property string, err error) ResponseMessage {
	return ResponseMessage{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Property:  property,
		Success:   false,
		Error: &ResponseError{
			Code:    ErrorCode(err),
			Message: err.Error(),
		},
	}
}

// NewHealthMessage combines connection and engine counters. Line errors
// and extract errors are reported together as Errors.
func NewHealthMessage(site, version string, status HealthStatus, conn ClientStats, eng engine.Stats, properties int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Site:          site,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Properties:    properties,
	}

	switch {
	case conn.Connected:
		since := conn.ConnectedSince.UTC()
		msg.Connection = &ConnectionStatus{
			Status:         "connected",
			Address:        conn.Address,
			ConnectedSince: &since,
		}
	case conn.Reconnecting:
		msg.Connection = &ConnectionStatus{Status: "reconnecting", Address: conn.Address}
	default:
		msg.Connection = &ConnectionStatus{Status: "disconnected", Address: conn.Address}
	}

	msg.Statistics = &BridgeStatistics{
		LinesReceived:  conn.LinesRx,
		LinesSent:      conn.LinesTx,
		LinesUnmatched: eng.LinesUnmatched,
		LinesDropped:   conn.LinesDropped,
		Errors:         conn.ErrorsTotal + eng.ExtractErrors,
		Reconnects:     conn.ReconnectsTotal,
		PendingQueries: eng.PendingQueries,
	}

	return msg
}

// NewLWTMessage is the health message the broker publishes when the
// bridge vanishes without a clean stop.
func NewLWTMessage(site string) HealthMessage {
	return HealthMessage{
		Site:      site,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}
