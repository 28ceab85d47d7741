package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/profile"
)

type stubSender struct {
	mu    sync.Mutex
	lines []string
}

func (s *stubSender) Send(_ context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *stubSender) IsConnected() bool { return true }

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	opts, err := profile.Marantz().Options(&stubSender{}, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Options() error = %v", err)
	}
	eng, err := engine.New(opts)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestLinesByDirection(t *testing.T) {
	eng := newEngine(t)
	m := New("lounge", Source{})
	m.Attach(eng)

	if err := eng.Apply(context.Background(), "power", true); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	eng.HandleLine("ZMON")
	eng.HandleLine("MV455")
	eng.HandleLine("XYZZY")

	expected := `
# HELP avrbridge_lines_total Protocol lines exchanged with the receiver.
# TYPE avrbridge_lines_total counter
avrbridge_lines_total{direction="received",site="lounge"} 3
avrbridge_lines_total{direction="sent",site="lounge"} 1
avrbridge_lines_total{direction="unmatched",site="lounge"} 1
`
	if err := testutil.CollectAndCompare(m.lines, strings.NewReader(expected)); err != nil {
		t.Errorf("lines_total mismatch: %v", err)
	}
}

func TestChangeUpdatesValueGauge(t *testing.T) {
	eng := newEngine(t)
	m := New("lounge", Source{})
	m.Attach(eng)

	eng.HandleLine("MV455")
	eng.HandleLine("MV455")
	eng.HandleLine("MUON")
	eng.HandleLine("SIDVD")

	if got := testutil.ToFloat64(m.propertyValue.WithLabelValues("volume.master")); got != 45.5 {
		t.Errorf("property_value{volume.master} = %v, want 45.5", got)
	}
	if got := testutil.ToFloat64(m.propertyValue.WithLabelValues("volume.mute")); got != 1 {
		t.Errorf("property_value{volume.mute} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.changes.WithLabelValues("volume.master")); got != 1 {
		t.Errorf("property_changes_total{volume.master} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.changes.WithLabelValues("source")); got != 1 {
		t.Errorf("property_changes_total{source} = %v, want 1", got)
	}

	// Text values are counted as changes but never exported as gauges.
	if n := testutil.CollectAndCount(m.propertyValue); n == 0 {
		t.Fatal("property_value has no series")
	}
	out := gather(t, m)
	for _, p := range []string{"source", "surroundMode"} {
		if strings.Contains(out, `avrbridge_property_value{property="`+p+`"`) {
			t.Errorf("text property %s exported as gauge", p)
		}
	}
}

func TestSourceGauges(t *testing.T) {
	connected := true
	m := New("lounge", Source{
		Connected:      func() bool { return connected },
		Reconnects:     func() uint64 { return 4 },
		PendingQueries: func() int { return 2 },
	})

	out := gather(t, m)
	for _, want := range []string{
		`avrbridge_receiver_connected{site="lounge"} 1`,
		`avrbridge_receiver_reconnects_total{site="lounge"} 4`,
		`avrbridge_pending_queries{site="lounge"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	connected = false
	if !strings.Contains(gather(t, m), `avrbridge_receiver_connected{site="lounge"} 0`) {
		t.Error("receiver_connected not re-read at scrape time")
	}
}

func TestSourceOmitted(t *testing.T) {
	m := New("lounge", Source{})
	if strings.Contains(gather(t, m), "avrbridge_receiver_connected") {
		t.Error("receiver_connected registered without a source")
	}
}

func TestRegistryGathers(t *testing.T) {
	m := New("lounge", Source{PendingQueries: func() int { return 0 }})

	tests := []struct {
		name   string
		metric string
		want   int
	}{
		{name: "direction series pre-created", metric: "avrbridge_lines_total", want: 3},
		{name: "source gauge", metric: "avrbridge_pending_queries", want: 1},
		{name: "absent source", metric: "avrbridge_receiver_connected", want: 0},
		{name: "runtime collector", metric: "go_goroutines", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testutil.GatherAndCount(m.Registry(), tt.metric)
			if err != nil {
				t.Fatalf("GatherAndCount() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("%s series = %d, want %d", tt.metric, got, tt.want)
			}
		})
	}
}

func TestOperation(t *testing.T) {
	m := New("lounge", Source{})
	m.Operation("query", "ok")
	m.Operation("query", "ok")
	m.Operation("apply", "UNKNOWN_COMMAND")

	if got := testutil.ToFloat64(m.commands.WithLabelValues("query", "ok")); got != 2 {
		t.Errorf("operations_total{query,ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("apply", "UNKNOWN_COMMAND")); got != 1 {
		t.Errorf("operations_total{apply,UNKNOWN_COMMAND} = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New("lounge", Source{})
	m.Line(DirectionReceived)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `avrbridge_lines_total{direction="received",site="lounge"} 1`) {
		t.Errorf("body missing received counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("body missing Go runtime collector")
	}
}

func gather(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}
