package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

// readEvent skips messages until an event on channel arrives.
func readEvent(t *testing.T, ws *websocket.Conn, channel string) WSMessage {
	t.Helper()
	for {
		msg := readMsg(t, ws)
		if msg.Type == WSTypeEvent && msg.EventType == channel {
			return msg
		}
	}
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	resp := readMsg(t, ws)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", s.hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_PropertyChanged(t *testing.T) {
	srv, ts, _ := testServer(t, nil)
	ws := dialWS(t, ts)
	subscribe(t, ws, ChannelPropertyChanged)

	srv.engine.HandleLine("MV455")

	msg := readEvent(t, ws, ChannelPropertyChanged)
	payload, _ := msg.Payload.(map[string]any)
	if payload["property"] != "volume.master" || payload["value"] != 45.5 || payload["previous"] != 0.0 {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_StatusSnapshotOnSubscribe(t *testing.T) {
	srv, ts, _ := testServer(t, nil)
	srv.engine.HandleLine("SIDVD")
	time.Sleep(50 * time.Millisecond) // let the debounced snapshot fire before anyone listens

	ws := dialWS(t, ts)
	subscribe(t, ws, ChannelStatusUpdated)

	msg := readEvent(t, ws, ChannelStatusUpdated)
	payload, _ := msg.Payload.(map[string]any)
	values, _ := payload["values"].(map[string]any)
	if values["source"] != "DVD" {
		t.Errorf("initial snapshot = %v", payload)
	}

	// A later burst produces one debounced snapshot.
	srv.engine.HandleLine("MUON")
	srv.engine.HandleLine("ZMON")
	msg = readEvent(t, ws, ChannelStatusUpdated)
	payload, _ = msg.Payload.(map[string]any)
	values, _ = payload["values"].(map[string]any)
	if values["volume.mute"] != true || values["power"] != true {
		t.Errorf("debounced snapshot = %v", values)
	}
}

func TestWebSocket_LineEvents(t *testing.T) {
	srv, ts, _ := testServer(t, nil)
	ws := dialWS(t, ts)
	subscribe(t, ws, ChannelLineSent, ChannelLineReceived)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := srv.engine.Query(ctx, "volume.master"); err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	sent := readEvent(t, ws, ChannelLineSent)
	if p, _ := sent.Payload.(map[string]any); p["line"] != "MV?" {
		t.Errorf("line.sent payload = %v", sent.Payload)
	}
	recv := readEvent(t, ws, ChannelLineReceived)
	if p, _ := recv.Payload.(map[string]any); p["line"] != "MV455" {
		t.Errorf("line.received payload = %v", recv.Payload)
	}
}

func TestWebSocket_UnsubscribedGetsNothing(t *testing.T) {
	srv, ts, _ := testServer(t, nil)
	ws := dialWS(t, ts)
	subscribe(t, ws, ChannelPropertyChanged)

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelPropertyChanged}},
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if resp := readMsg(t, ws); resp.Type != WSTypeResponse || resp.ID != "unsub-1" {
		t.Fatalf("unsubscribe response = %+v", resp)
	}

	srv.engine.HandleLine("MV300")

	// The next message must be the pong, not a change event.
	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readMsg(t, ws); msg.Type != WSTypePong || msg.ID != "p-1" {
		t.Errorf("got %+v, want pong", msg)
	}
}

func TestWebSocket_Errors(t *testing.T) {
	_, ts, _ := testServer(t, nil)
	ws := dialWS(t, ts)

	tests := []struct {
		name string
		send func() error
	}{
		{"invalid json", func() error { return ws.WriteMessage(websocket.TextMessage, []byte("not json")) }},
		{"unknown type", func() error { return ws.WriteJSON(WSMessage{Type: "shout", ID: "x"}) }},
		{"unknown channel", func() error {
			return ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "x", Payload: WSSubscribePayload{Channels: []string{"device.state_changed"}}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.send(); err != nil {
				t.Fatalf("write: %v", err)
			}
			if msg := readMsg(t, ws); msg.Type != WSTypeError {
				t.Errorf("got %+v, want error", msg)
			}
		})
	}
}

func TestHub_TracksConnections(t *testing.T) {
	srv, ts, _ := testServer(t, nil)

	ws := dialWS(t, ts)
	waitClients(t, srv, 1)

	ws.Close()
	waitClients(t, srv, 0)
}

func TestHub_RunClosesClients(t *testing.T) {
	srv, ts, _ := testServer(t, nil)
	ws := dialWS(t, ts)
	waitClients(t, srv, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if srv.hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Run exit", srv.hub.ClientCount())
	}

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("client connection still open after hub shutdown")
	}
}
