package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeSender records outbound lines.
type fakeSender struct {
	mu        sync.Mutex
	lines     []string
	connected bool
	err       error
}

func newFakeSender() *fakeSender {
	return &fakeSender{connected: true}
}

func (f *fakeSender) Send(_ context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

var errSendFailed = errors.New("write: broken pipe")

// tenths divides values above 100 by ten, matching receivers that report
// half-step volumes as three digits.
func tenths(groups []string) (Extraction, error) {
	n, err := strconv.Atoi(groups[1])
	if err != nil {
		return Extraction{}, err
	}
	v := float64(n)
	if v > 100 {
		v /= 10
	}
	return Extraction{Value: v}, nil
}

func testProperties() []Property {
	return []Property{
		{Name: "power", Kind: KindBool},
		{Name: "volume.master", Kind: KindFloat},
		{Name: "volume.mute", Kind: KindBool},
		{Name: "volume.subwoofer.level", Kind: KindInt},
		{Name: "volume.subwoofer.level.enabled", Kind: KindBool},
		{Name: "source", Kind: KindString},
	}
}

func testCommands(t *testing.T) *CommandTable {
	t.Helper()
	cmds := NewCommandTable()
	decls := []struct {
		intent   Intent
		property string
		template string
	}{
		{IntentQuery, "power", "ZM?"},
		{IntentApply, "power", "ZM%s"},
		{IntentQuery, "volume.master", "MV?"},
		{IntentApply, "volume.master", "MV%s"},
		{IntentQuery, "volume.mute", "MU?"},
		{IntentApply, "volume.mute", "MU%s"},
		{IntentQuery, "volume.subwoofer.level", "PSSWL ?"},
		{IntentApply, "volume.subwoofer.level", "PSSWL %s"},
		{IntentQuery, "source", "SI?"},
		{IntentApply, "source", "SI%s"},
	}
	for _, d := range decls {
		if err := cmds.Declare(d.intent, d.property, d.template); err != nil {
			t.Fatalf("Declare(%s, %s) error = %v", d.intent, d.property, err)
		}
	}
	return cmds
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	procs := []struct {
		property string
		pattern  string
		extract  Extractor
	}{
		{"power", `^ZM(ON|OFF)$`, OnOff("ON")},
		{"volume.master", `^MV(\d{2,3})$`, tenths},
		{"volume.mute", `^MU(ON|OFF)$`, OnOff("ON")},
		{"volume.subwoofer.level", `^PSSWL (\d{2})$`, Integer()},
		{"volume.subwoofer.level.enabled", `^PSSWL (ON|OFF)$`, OnOff("ON")},
		{"source", `^SI(.*)$`, Text()},
	}
	for _, p := range procs {
		if err := reg.Register(p.property, p.pattern, p.extract); err != nil {
			t.Fatalf("Register(%s) error = %v", p.property, err)
		}
	}
	return reg
}

func newTestEngine(t *testing.T, sender Sender, debounce time.Duration) *Engine {
	t.Helper()
	eng, err := New(Options{
		Properties: testProperties(),
		Commands:   testCommands(t),
		Processors: testRegistry(t),
		Refresh:    []string{"power", "volume.master", "volume.mute", "volume.subwoofer.level", "source"},
		Sender:     sender,
		Debounce:   debounce,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}
