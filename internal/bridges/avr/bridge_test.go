package avr

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/avrbridge/internal/profile"
)

const testSite = "lounge"

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	publishErr    error
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return m.publishErr
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// SimulateMessage delivers a message to the handler whose filter matches
// topic. Only the single-level "+" wildcard is supported.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

// MockConnector implements Connector for testing. Queries listed in
// replies are answered asynchronously, the way the receive goroutine would.
type MockConnector struct {
	mu           sync.Mutex
	connected    bool
	started      bool
	stats        ClientStats
	sent         []string
	replies      map[string]string
	sendError    error
	onLine       func(string)
	onConnect    func()
	onDisconnect func(error)
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		connected: true,
		replies:   make(map[string]string),
	}
}

func (m *MockConnector) Send(_ context.Context, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendError != nil {
		return m.sendError
	}
	m.sent = append(m.sent, line)
	if reply, ok := m.replies[line]; ok {
		go m.SimulateLine(reply)
	}
	return nil
}

func (m *MockConnector) SetOnLine(callback func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLine = callback
}

func (m *MockConnector) SetOnConnect(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = callback
}

func (m *MockConnector) SetOnDisconnect(callback func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = callback
}

func (m *MockConnector) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockConnector) Stats() ClientStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Connected = m.connected
	return s
}

func (m *MockConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockConnector) Reply(query, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[query] = line
}

func (m *MockConnector) GetSent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *MockConnector) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendError = err
}

// SimulateLine simulates the receiver sending a line.
func (m *MockConnector) SimulateLine(line string) {
	m.mu.Lock()
	fn := m.onLine
	m.mu.Unlock()
	if fn != nil {
		fn(line)
	}
}

// SimulateConnect simulates the connection being established.
func (m *MockConnector) SimulateConnect() {
	m.mu.Lock()
	m.connected = true
	fn := m.onConnect
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateDisconnect simulates the connection dropping.
func (m *MockConnector) SimulateDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	fn := m.onDisconnect
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func createTestEngine(t *testing.T, conn engine.Sender) *engine.Engine {
	t.Helper()
	opts, err := profile.Marantz().Options(conn, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Options() error: %v", err)
	}
	eng, err := engine.New(opts)
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func createTestBridge(t *testing.T, client *MockMQTTClient, conn *MockConnector) *Bridge {
	t.Helper()
	opts := BridgeOptions{
		Site:         testSite,
		Version:      "test",
		Engine:       createTestEngine(t, conn),
		Connector:    conn,
		QueryTimeout: time.Second,
	}
	if client != nil {
		opts.MQTTClient = client
	}
	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}
	return b
}

func startTestBridge(t *testing.T, client *MockMQTTClient, conn *MockConnector) *Bridge {
	t.Helper()
	b := createTestBridge(t, client, conn)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// waitForPublish polls until a publish on topic satisfies match.
func waitForPublish(t *testing.T, client *MockMQTTClient, topic string, match func(mockPublish) bool) mockPublish {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range client.GetPublished() {
			if p.Topic == topic && (match == nil || match(p)) {
				return p
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no publish on %s", topic)
	return mockPublish{}
}

func TestNewBridge(t *testing.T) {
	conn := NewMockConnector()
	eng := createTestEngine(t, conn)

	tests := []struct {
		name    string
		opts    BridgeOptions
		wantErr bool
	}{
		{"valid", BridgeOptions{Site: testSite, Engine: eng, Connector: conn, MQTTClient: NewMockMQTTClient()}, false},
		{"without mqtt", BridgeOptions{Site: testSite, Engine: eng, Connector: conn}, false},
		{"missing site", BridgeOptions{Engine: eng, Connector: conn}, true},
		{"missing engine", BridgeOptions{Site: testSite, Connector: conn}, true},
		{"missing connector", BridgeOptions{Site: testSite, Engine: eng}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBridge(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBridge() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && b.health == nil {
				t.Error("NewBridge() did not create health reporter")
			}
		})
	}
}

func TestBridgeStartStop(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	b := createTestBridge(t, client, conn)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	subs := client.GetSubscriptions()
	want := map[string]bool{
		mqtt.Topics{}.AllCommands(testSite): false,
		mqtt.Topics{}.AllRequests(testSite): false,
	}
	for _, s := range subs {
		want[s.Topic] = true
	}
	for topic, found := range want {
		if !found {
			t.Errorf("missing subscription to %s", topic)
		}
	}

	conn.mu.Lock()
	started := conn.started
	conn.mu.Unlock()
	if !started {
		t.Error("connector was not started")
	}

	b.Stop()
	b.Stop() // second call is a no-op

	healthTopic := mqtt.Topics{}.Health(testSite)
	var statuses []HealthStatus
	for _, p := range client.GetPublished() {
		if p.Topic != healthTopic {
			continue
		}
		var msg HealthMessage
		if err := json.Unmarshal(p.Payload, &msg); err != nil {
			t.Fatalf("unmarshal health: %v", err)
		}
		statuses = append(statuses, msg.Status)
	}
	if len(statuses) < 2 || statuses[0] != HealthStarting || statuses[len(statuses)-1] != HealthStopping {
		t.Errorf("health statuses = %v, want starting ... stopping", statuses)
	}
}

func TestBridgeLineToState(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	b := startTestBridge(t, client, conn)

	conn.SimulateLine("MV455")

	p := waitForPublish(t, client, mqtt.Topics{}.State(testSite, "volume.master"), nil)
	if !p.Retained {
		t.Error("state message should be retained")
	}
	var msg StateMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.Value != 45.5 {
		t.Errorf("Value = %v, want 45.5", msg.Value)
	}
	if msg.Site != testSite {
		t.Errorf("Site = %q, want %q", msg.Site, testSite)
	}

	if v, _ := b.engine.Get("volume.master"); v != 45.5 {
		t.Errorf("engine value = %v, want 45.5", v)
	}
}

func TestBridgeStatusSnapshot(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	startTestBridge(t, client, conn)

	conn.SimulateLine("ZMON")
	conn.SimulateLine("SICD")

	p := waitForPublish(t, client, mqtt.Topics{}.Status(testSite), func(p mockPublish) bool {
		var msg StatusMessage
		if err := json.Unmarshal(p.Payload, &msg); err != nil {
			return false
		}
		return msg.Status["source"] == "CD"
	})

	var msg StatusMessage
	if err := json.Unmarshal(p.Payload, &msg); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if msg.Status["power"] != true {
		t.Errorf("power = %v, want true", msg.Status["power"])
	}
	if !msg.Connected {
		t.Error("Connected = false, want true")
	}
}

func TestBridgeUnchangedValueNotRepublished(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	startTestBridge(t, client, conn)

	topic := mqtt.Topics{}.State(testSite, "volume.mute")
	conn.SimulateLine("MUON")
	waitForPublish(t, client, topic, nil)

	conn.SimulateLine("MUON")
	time.Sleep(50 * time.Millisecond)

	count := 0
	for _, p := range client.GetPublished() {
		if p.Topic == topic {
			count++
		}
	}
	if count != 1 {
		t.Errorf("state publishes = %d, want 1", count)
	}
}

func TestBridgeCommand(t *testing.T) {
	tests := []struct {
		name     string
		property string
		payload  string
		wantLine string
		wantCode string
	}{
		{"power on", "power", `{"id":"cmd-1","value":true}`, "ZMON", ""},
		{"source", "source", `{"id":"cmd-2","value":"dvd"}`, "SIDVD", ""},
		{"raw volume step", "volume.master", `{"id":"cmd-3","value":"UP"}`, "MVUP", ""},
		{"numeric volume", "volume.master", `{"id":"cmd-4","value":45}`, "MV45", ""},
		{"property override", "ignored", `{"id":"cmd-5","property":"volume.mute","value":false}`, "MUOFF", ""},
		{"read-only property", "volume.master.max", `{"id":"cmd-6","value":80}`, "", ErrCodeUnknownCommand},
		{"unknown property", "bass", `{"id":"cmd-7","value":1}`, "", ErrCodeUnknownCommand},
		{"invalid payload", "power", `{not json`, "", ErrCodeInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			conn := NewMockConnector()
			startTestBridge(t, client, conn)

			client.SimulateMessage(mqtt.Topics{}.Command(testSite, tt.property), []byte(tt.payload))

			sent := conn.GetSent()
			if tt.wantLine == "" {
				if len(sent) != 0 {
					t.Errorf("sent = %v, want nothing", sent)
				}
			} else if len(sent) != 1 || sent[0] != tt.wantLine {
				t.Errorf("sent = %v, want [%s]", sent, tt.wantLine)
			}

			var ack *AckMessage
			for _, p := range client.GetPublished() {
				if strings.HasPrefix(p.Topic, "avrbridge/ack/"+testSite+"/") {
					ack = &AckMessage{}
					if err := json.Unmarshal(p.Payload, ack); err != nil {
						t.Fatalf("unmarshal ack: %v", err)
					}
				}
			}
			if ack == nil {
				t.Fatal("no ack published")
			}
			if tt.wantCode == "" {
				if ack.Status != AckAccepted {
					t.Errorf("ack status = %s, want accepted (error %+v)", ack.Status, ack.Error)
				}
				return
			}
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack = %+v, want failed with %s", ack, tt.wantCode)
			}
		})
	}
}

func TestBridgeCommandAssignsID(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	startTestBridge(t, client, conn)

	client.SimulateMessage(mqtt.Topics{}.Command(testSite, "power"), []byte(`{"value":"OFF"}`))

	p := waitForPublish(t, client, mqtt.Topics{}.Ack(testSite, "power"), nil)
	var ack AckMessage
	if err := json.Unmarshal(p.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.CommandID == "" {
		t.Error("CommandID is empty, want generated id")
	}
}

func TestBridgeCommandNotConnected(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	startTestBridge(t, client, conn)
	conn.SimulateDisconnect(errors.New("reset by peer"))

	client.SimulateMessage(mqtt.Topics{}.Command(testSite, "power"), []byte(`{"id":"c","value":true}`))

	p := waitForPublish(t, client, mqtt.Topics{}.Ack(testSite, "power"), nil)
	var ack AckMessage
	if err := json.Unmarshal(p.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Error == nil || ack.Error.Code != ErrCodeNotConnected {
		t.Errorf("ack error = %+v, want %s", ack.Error, ErrCodeNotConnected)
	}
	if len(conn.GetSent()) != 0 {
		t.Errorf("sent = %v, want nothing", conn.GetSent())
	}
}

func TestBridgeRequest(t *testing.T) {
	tests := []struct {
		name      string
		property  string
		payload   string
		wantOK    bool
		wantValue any
		wantCode  string
	}{
		{"query", "source", `{"request_id":"r1"}`, true, "CD", ""},
		{"explicit query", "power", `{"request_id":"r2","action":"query"}`, true, true, ""},
		{"get", "volume.mute", `{"request_id":"r3","action":"get"}`, true, false, ""},
		{"get undeclared", "bass", `{"request_id":"r4","action":"get"}`, false, nil, ErrCodeUnknownCommand},
		{"query without template", "volume.master.max", `{"request_id":"r5"}`, false, nil, ErrCodeUnknownCommand},
		{"unanswered query", "volume.master", `{"request_id":"r6","timeout_ms":30}`, false, nil, ErrCodeTimeout},
		{"invalid action", "power", `{"request_id":"r7","action":"toggle"}`, false, nil, ErrCodeInvalidAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			conn := NewMockConnector()
			conn.Reply("SI?", "SICD")
			conn.Reply("ZM?", "ZMON")
			startTestBridge(t, client, conn)

			var req RequestMessage
			if err := json.Unmarshal([]byte(tt.payload), &req); err != nil {
				t.Fatalf("bad test payload: %v", err)
			}
			client.SimulateMessage(mqtt.Topics{}.Request(testSite, tt.property), []byte(tt.payload))

			p := waitForPublish(t, client, mqtt.Topics{}.Response(testSite, req.RequestID), nil)
			var resp ResponseMessage
			if err := json.Unmarshal(p.Payload, &resp); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if resp.Success != tt.wantOK {
				t.Fatalf("Success = %v, want %v (error %+v)", resp.Success, tt.wantOK, resp.Error)
			}
			if tt.wantOK && resp.Value != tt.wantValue {
				t.Errorf("Value = %v, want %v", resp.Value, tt.wantValue)
			}
			if !tt.wantOK && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Errorf("Error = %+v, want code %s", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestBridgeRefreshRequest(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	conn.Reply("ZM?", "ZMON")
	conn.Reply("MV?", "MV40")
	conn.Reply("MU?", "MUOFF")
	conn.Reply("PSSWL ?", "PSSWL 50")
	conn.Reply("MS?", "MSSTEREO")
	conn.Reply("SI?", "SITUNER")
	startTestBridge(t, client, conn)

	client.SimulateMessage(mqtt.Topics{}.Request(testSite, "all"), []byte(`{"request_id":"refresh-1","action":"refresh"}`))

	p := waitForPublish(t, client, mqtt.Topics{}.Response(testSite, "refresh-1"), nil)
	var resp ResponseMessage
	if err := json.Unmarshal(p.Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("refresh failed: %+v", resp.Error)
	}
	if resp.Data["source"] != "TUNER" || resp.Data["surroundMode"] != "STEREO" {
		t.Errorf("Data = %v", resp.Data)
	}
	if len(conn.GetSent()) != 6 {
		t.Errorf("sent %d queries, want 6: %v", len(conn.GetSent()), conn.GetSent())
	}
}

func TestBridgeConnectTriggersRefresh(t *testing.T) {
	conn := NewMockConnector()
	conn.Reply("ZM?", "ZMOFF")
	conn.Reply("MV?", "MV30")
	conn.Reply("MU?", "MUOFF")
	conn.Reply("PSSWL ?", "PSSWL 50")
	conn.Reply("MS?", "MSDIRECT")
	conn.Reply("SI?", "SIBD")
	b := startTestBridge(t, nil, conn)

	conn.SimulateConnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := b.engine.Get("source"); v == "BD" && b.engine.Stats().PendingQueries == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := []string{"ZM?", "MV?", "MU?", "PSSWL ?", "MS?", "SI?"}
	sent := conn.GetSent()
	if len(sent) != len(want) {
		t.Fatalf("sent = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], want[i])
		}
	}
	if v, _ := b.engine.Get("volume.master"); v != 30.0 {
		t.Errorf("volume.master = %v, want 30", v)
	}
}

func TestBridgeDisconnectCancelsWaiters(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	b := startTestBridge(t, client, conn)

	w, err := b.engine.Request(context.Background(), "power")
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}

	conn.SimulateDisconnect(errors.New("reset by peer"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w.Wait(ctx); !errors.Is(err, engine.ErrDisconnected) {
		t.Errorf("Wait() error = %v, want ErrDisconnected", err)
	}

	waitForPublish(t, client, mqtt.Topics{}.Status(testSite), func(p mockPublish) bool {
		var msg StatusMessage
		return json.Unmarshal(p.Payload, &msg) == nil && !msg.Connected
	})
}

func TestBridgeWithoutMQTT(t *testing.T) {
	conn := NewMockConnector()
	conn.Reply("MS?", "MSMOVIE")
	b := startTestBridge(t, nil, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := b.engine.Query(ctx, "surroundMode")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if v != "MOVIE" {
		t.Errorf("Query() = %v, want MOVIE", v)
	}
}

func TestBridgeInvalidTopicFormat(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	b := startTestBridge(t, client, conn)
	client.ClearPublished()

	b.route("avrbridge/command", []byte(`{"value":true}`))
	b.route("avrbridge/unknown/lounge/power", []byte(`{"value":true}`))

	if len(conn.GetSent()) != 0 {
		t.Errorf("sent = %v, want nothing", conn.GetSent())
	}
}

func TestBridgeReport(t *testing.T) {
	client := NewMockMQTTClient()
	conn := NewMockConnector()
	b := startTestBridge(t, client, conn)

	client.SimulateMessage(mqtt.Topics{}.Command(testSite, "power"), []byte(`{"value":true}`))
	client.SimulateMessage(mqtt.Topics{}.Command(testSite, "bass"), []byte(`{"value":true}`))
	conn.SimulateLine("garbage")

	m := b.Report()
	if !m.Connected || m.Status != "healthy" {
		t.Errorf("Connected/Status = %v/%s, want true/healthy", m.Connected, m.Status)
	}
	if m.CommandsTotal != 2 || m.FailuresTotal != 1 {
		t.Errorf("CommandsTotal/FailuresTotal = %d/%d, want 2/1", m.CommandsTotal, m.FailuresTotal)
	}
	if m.LinesUnmatched != 1 {
		t.Errorf("LinesUnmatched = %d, want 1", m.LinesUnmatched)
	}
	if m.PropertiesServed != 8 {
		t.Errorf("PropertiesServed = %d, want 8", m.PropertiesServed)
	}
}

func TestOutboxCoalesces(t *testing.T) {
	o := newOutbox()
	o.put("a", []byte("1"))
	o.put("b", []byte("2"))
	o.put("a", []byte("3"))

	items := o.drain()
	if len(items) != 2 {
		t.Fatalf("drain() = %d items, want 2", len(items))
	}
	if items[0].topic != "a" || string(items[0].payload) != "3" {
		t.Errorf("items[0] = %s/%s, want a/3", items[0].topic, items[0].payload)
	}
	if items[1].topic != "b" {
		t.Errorf("items[1].topic = %s, want b", items[1].topic)
	}
	if len(o.drain()) != 0 {
		t.Error("second drain() should be empty")
	}
}
