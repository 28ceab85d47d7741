package avr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/mqtt"
)

const (
	defaultQueryTimeout = 5 * time.Second
	refreshTimeout      = 30 * time.Second
)

// MQTTClient is the slice of the broker client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BridgeOptions configures NewBridge. Site, Engine and Connector are
// required.
type BridgeOptions struct {
	Site      string
	Version   string
	Engine    *engine.Engine
	Connector Connector

	// MQTTClient is optional. Without it the bridge only feeds lines to the
	// engine and refreshes on connect.
	MQTTClient MQTTClient

	QueryTimeout   time.Duration // per MQTT query or apply, default 5s
	HealthInterval time.Duration // default 30s
	QoS            byte          // state, status and responses, default 1

	// OnConnectionChange runs on the receive goroutine after every connect
	// and disconnect.
	OnConnectionChange func(connected bool)

	Logger Logger
}

// Bridge ties a receiver Connector to the engine and, when configured,
// mirrors state to MQTT and serves commands and requests from it.
type Bridge struct {
	site         string
	engine       *engine.Engine
	mqtt         MQTTClient
	conn         Connector
	health       *heartbeat
	log          Logger
	queryTimeout time.Duration
	qos          byte
	onConnChange func(connected bool)

	outbox *outbox

	commands atomic.Uint64
	requests atomic.Uint64
	failures atomic.Uint64

	ctx      context.Context // cancelled by Stop
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBridge checks opts and builds a stopped bridge.
//
// Site, Engine and Connector are required. MQTTClient is optional; without
// it the bridge only wires the connection to the engine. QueryTimeout
// defaults to five seconds and an out-of-range QoS becomes 1.
//
// Parameters:
//   - opts: Bridge dependencies and tuning
//
// Returns:
//   - *Bridge: Ready for Start
//   - error: Naming every missing required field
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	var missing []string
	if opts.Site == "" {
		missing = append(missing, "site")
	}
	if opts.Engine == nil {
		missing = append(missing, "engine")
	}
	if opts.Connector == nil {
		missing = append(missing, "connector")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("bridge: missing %s", strings.Join(missing, ", "))
	}

	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.QoS == 0 || opts.QoS > 2 {
		opts.QoS = 1
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		site:         opts.Site,
		engine:       opts.Engine,
		mqtt:         opts.MQTTClient,
		conn:         opts.Connector,
		log:          opts.Logger,
		queryTimeout: opts.QueryTimeout,
		qos:          opts.QoS,
		onConnChange: opts.OnConnectionChange,
		outbox:       newOutbox(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	hc := heartbeatConfig{
		site:       opts.Site,
		version:    opts.Version,
		interval:   opts.HealthInterval,
		properties: len(opts.Engine.Properties()),
		conn:       opts.Connector,
		stats:      opts.Engine.Stats,
		onError:    b.logError,
	}
	if opts.MQTTClient != nil {
		hc.pub = opts.MQTTClient
	}
	b.health = newHeartbeat(hc)

	return b, nil
}

// Start hooks the connector to the engine, subscribes to commands and
// requests when MQTT is configured, then starts dialling.
//
// It performs the following setup:
//  1. Routes inbound lines and connection events to the engine
//  2. Registers change and snapshot publishers and starts the publish loop
//  3. Subscribes to the site's command and request topics
//  4. Starts the health heartbeat
//  5. Starts the connector's dial and reconnect loop
//
// Steps 2 to 4 run only when MQTT is configured.
//
// Parameters:
//   - ctx: Lifetime of the heartbeat
//
// Returns:
//   - error: If an MQTT subscription fails
func (b *Bridge) Start(ctx context.Context) error {
	b.health.announce(HealthStarting, "bridge starting")

	b.conn.SetOnLine(b.engine.HandleLine)
	b.conn.SetOnConnect(b.connected)
	b.conn.SetOnDisconnect(b.disconnected)

	if b.mqtt != nil {
		b.engine.OnChange(b.publishChange)
		b.engine.OnSnapshot(b.publishSnapshot)

		b.wg.Add(1)
		go b.publishLoop()

		for _, filter := range []string{
			mqtt.Topics{}.AllCommands(b.site),
			mqtt.Topics{}.AllRequests(b.site),
		} {
			if err := b.mqtt.Subscribe(filter, 1, b.route); err != nil {
				return fmt.Errorf("subscribe %s: %w", filter, err)
			}
			b.log.Info("subscribed", "topic", filter)
		}

		b.health.run(ctx)
	}

	b.conn.Start()
	b.log.Info("bridge started", "site", b.site, "properties", len(b.engine.Properties()))
	return nil
}

// Stop aborts in-flight MQTT work, publishes a final health message and
// flushes queued state. The connector and engine stay open.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.cancel()
		b.health.stop()
		b.wg.Wait()
		b.log.Info("bridge stopped")
	})
}

func (b *Bridge) stopping() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// goAsync runs fn tracked by Stop unless the bridge is already stopping.
func (b *Bridge) goAsync(fn func()) {
	if b.stopping() {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Health returns the message the next heartbeat would publish.
func (b *Bridge) Health() HealthMessage {
	return b.health.current()
}

// connected refreshes state off the receive goroutine, which must stay
// free to deliver the replies.
func (b *Bridge) connected() {
	b.log.Info("receiver connected")
	b.health.beat()
	if b.onConnChange != nil {
		b.onConnChange(true)
	}

	b.goAsync(func() {
		_, _ = b.refresh(b.ctx) // logged by refresh
	})
}

// disconnected fails every waiter and republishes the status so
// subscribers see connected=false.
func (b *Bridge) disconnected(err error) {
	n := b.engine.HandleDisconnect(err)
	b.log.Info("receiver disconnected", "error", err, "cancelled_waiters", n)

	b.health.beat()
	if b.onConnChange != nil {
		b.onConnChange(false)
	}
	if b.mqtt != nil {
		b.publishSnapshot(b.engine.Snapshot())
	}
}

// Refresh queries every refreshable property and waits for the replies.
// On partial failure the snapshot is returned along with the error.
func (b *Bridge) Refresh(ctx context.Context) (engine.Snapshot, error) {
	return b.refresh(ctx)
}

func (b *Bridge) refresh(ctx context.Context) (engine.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	waiters, err := b.engine.RequestAll(ctx)
	if err != nil {
		b.logError("refresh failed", err)
		return nil, err
	}

	var (
		unanswered []string
		errs       []error
	)
	for _, w := range waiters {
		if _, err := w.Wait(ctx); err != nil {
			unanswered = append(unanswered, w.Property())
			errs = append(errs, err)
			b.log.Debug("refresh query unanswered", "property", w.Property(), "error", err)
		}
	}
	b.log.Info("refresh complete", "queried", len(waiters), "unanswered", len(unanswered))

	snap := b.engine.Snapshot()
	if len(unanswered) > 0 {
		return snap, fmt.Errorf("unanswered %s: %w", strings.Join(unanswered, ", "), errs[0])
	}
	return snap, nil
}

func (b *Bridge) logError(msg string, err error) {
	b.log.Error(msg, "error", err)
}

// Report summarises connection, engine and MQTT counters.
type Report struct {
	Connected        bool
	Status           string // healthy, reconnecting or disconnected
	LinesTx          uint64
	LinesRx          uint64
	LinesUnmatched   uint64
	Reconnects       uint64
	PendingQueries   int
	CommandsTotal    uint64
	RequestsTotal    uint64
	FailuresTotal    uint64
	PropertiesServed int
}

// Report collects the current counters.
func (b *Bridge) Report() Report {
	cs := b.conn.Stats()
	es := b.engine.Stats()
	connected := b.conn.IsConnected()

	r := Report{
		Connected:        connected,
		Status:           "disconnected",
		LinesTx:          cs.LinesTx,
		LinesRx:          cs.LinesRx,
		LinesUnmatched:   es.LinesUnmatched,
		Reconnects:       cs.ReconnectsTotal,
		PendingQueries:   es.PendingQueries,
		CommandsTotal:    b.commands.Load(),
		RequestsTotal:    b.requests.Load(),
		FailuresTotal:    b.failures.Load(),
		PropertiesServed: len(b.engine.Properties()),
	}
	switch {
	case connected:
		r.Status = "healthy"
	case cs.Reconnecting:
		r.Status = "reconnecting"
	}
	return r
}

var errBadTopic = errors.New("unroutable topic")
