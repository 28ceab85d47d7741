package avr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/mqtt"
)

// route dispatches avrbridge/{command|request}/{site}/{property...}.
// Commands run inline so they reach the receiver in arrival order;
// requests wait on replies and get their own goroutine.
func (b *Bridge) route(topic string, payload []byte) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) < 4 || parts[3] == "" {
		b.logError("dropping message", fmt.Errorf("%w: %s", errBadTopic, topic))
		return
	}
	kind, property := parts[1], parts[3]

	switch kind {
	case "command":
		b.command(property, payload)
	case "request":
		b.goAsync(func() { b.request(property, payload) })
	default:
		b.logError("dropping message", fmt.Errorf("%w: kind %q", errBadTopic, kind))
	}
}

// command applies a value and publishes an ack either way.
func (b *Bridge) command(property string, payload []byte) {
	b.commands.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.failures.Add(1)
		cmd.Property = property
		b.ack(NewAckError(b.site, cmd, ErrCodeInvalidPayload, err.Error()))
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Property == "" {
		cmd.Property = property
	}
	b.log.Debug("command", "command_id", cmd.ID, "property", cmd.Property, "value", cmd.Value)

	ctx, cancel := context.WithTimeout(b.ctx, b.queryTimeout)
	defer cancel()

	if err := b.engine.Apply(ctx, cmd.Property, cmd.Value); err != nil {
		b.failures.Add(1)
		b.log.Warn("command failed", "command_id", cmd.ID, "property", cmd.Property, "error", err)
		b.ack(NewAckError(b.site, cmd, ErrorCode(err), err.Error()))
		return
	}
	b.ack(NewAckMessage(b.site, cmd, AckAccepted))
}

func (b *Bridge) ack(msg AckMessage) {
	b.send(mqtt.Topics{}.Ack(b.site, msg.Property), msg, 1)
}

// request answers query, get and refresh. An empty payload is a query.
func (b *Bridge) request(property string, payload []byte) {
	b.requests.Add(1)

	var req RequestMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			b.failures.Add(1)
			b.logError("bad request payload", err)
			return
		}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Action == "" {
		req.Action = ActionQuery
	}
	b.log.Debug("request", "request_id", req.RequestID, "action", req.Action, "property", property)

	timeout := b.queryTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	resp := b.respond(req, property, timeout)
	if !resp.Success {
		b.failures.Add(1)
	}
	b.send(mqtt.Topics{}.Response(b.site, req.RequestID), resp, b.qos)
}

func (b *Bridge) respond(req RequestMessage, property string, timeout time.Duration) ResponseMessage {
	ok := func(value any) ResponseMessage {
		return ResponseMessage{
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
			Property:  property,
			Success:   true,
			Value:     value,
		}
	}

	switch req.Action {
	case ActionQuery:
		ctx, cancel := context.WithTimeout(b.ctx, timeout)
		defer cancel()
		v, err := b.engine.Query(ctx, property)
		if err != nil {
			return NewResponseError(req.RequestID, property, err)
		}
		return ok(v)

	case ActionGet:
		v, found := b.engine.Get(property)
		if !found {
			return NewResponseError(req.RequestID, property,
				fmt.Errorf("%w: %s", engine.ErrUndeclaredProperty, property))
		}
		return ok(v)

	case ActionRefresh:
		ctx, cancel := context.WithTimeout(b.ctx, timeout)
		defer cancel()
		snap, err := b.refresh(ctx)
		if snap == nil {
			return NewResponseError(req.RequestID, "", err)
		}
		resp := ok(nil)
		resp.Property = ""
		resp.Data = map[string]any(snap)
		if err != nil {
			resp.Success = false
			resp.Error = &ResponseError{Code: ErrorCode(err), Message: err.Error()}
		}
		return resp
	}

	resp := ok(nil)
	resp.Success = false
	resp.Error = &ResponseError{
		Code:    ErrCodeInvalidAction,
		Message: fmt.Sprintf("unknown action: %s", req.Action),
	}
	return resp
}

// send publishes a non-retained JSON message.
func (b *Bridge) send(topic string, msg any, qos byte) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("encode "+topic, err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, qos, false); err != nil {
		b.logError("publish "+topic, err)
	}
}
