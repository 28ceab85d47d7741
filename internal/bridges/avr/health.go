package avr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// publisher is the slice of the MQTT client the heartbeat needs.
type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

type heartbeatConfig struct {
	site       string
	version    string
	interval   time.Duration
	properties int
	pub        publisher // nil disables publishing
	conn       Connector
	stats      func() engine.Stats
	onError    func(msg string, err error)
}

// heartbeat publishes a retained HealthMessage on the site's health topic
// every interval, and immediately on announce and beat.
type heartbeat struct {
	heartbeatConfig
	started time.Time

	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHeartbeat(cfg heartbeatConfig) *heartbeat {
	if cfg.interval <= 0 {
		cfg.interval = defaultHealthInterval
	}
	if cfg.stats == nil {
		cfg.stats = func() engine.Stats { return engine.Stats{} }
	}
	if cfg.onError == nil {
		cfg.onError = func(string, error) {}
	}
	return &heartbeat{heartbeatConfig: cfg, started: time.Now(), stopped: make(chan struct{})}
}

// run publishes on every tick until ctx ends or stop is called.
func (h *heartbeat) run(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopped:
				return
			case <-ticker.C:
				h.beat()
			}
		}
	}()
}

// stop ends run and publishes a final "stopping" message.
func (h *heartbeat) stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.wg.Wait()
		h.announce(HealthStopping, "bridge stopping")
	})
}

// beat publishes the current health.
func (h *heartbeat) beat() {
	status, reason := h.assess()
	h.announce(status, reason)
}

func (h *heartbeat) announce(status HealthStatus, reason string) {
	if h.pub == nil {
		return
	}
	payload, err := json.Marshal(h.message(status, reason))
	if err == nil {
		err = h.pub.Publish(mqtt.Topics{}.Health(h.site), payload, 1, true)
	}
	if err != nil {
		h.onError("failed to publish health", err)
	}
}

// current returns what beat would publish.
func (h *heartbeat) current() HealthMessage {
	status, reason := h.assess()
	return h.message(status, reason)
}

func (h *heartbeat) assess() (HealthStatus, string) {
	switch {
	case h.pub == nil || !h.pub.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case h.conn == nil || !h.conn.IsConnected():
		return HealthDegraded, "receiver disconnected"
	}
	return HealthHealthy, ""
}

func (h *heartbeat) message(status HealthStatus, reason string) HealthMessage {
	var cs ClientStats
	if h.conn != nil {
		cs = h.conn.Stats()
	}
	msg := NewHealthMessage(h.site, h.version, status, cs, h.stats(), h.properties, h.started)
	msg.Reason = reason
	return msg
}
