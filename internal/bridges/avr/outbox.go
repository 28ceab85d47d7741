package avr

import (
	"encoding/json"
	"sync"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/mqtt"
)

// publishChange and publishSnapshot run under the engine lock, so they
// only queue. publishLoop does the network I/O.
func (b *Bridge) publishChange(c engine.Change) {
	b.queue(mqtt.Topics{}.State(b.site, c.Property), NewStateMessage(b.site, c))
}

func (b *Bridge) publishSnapshot(snap engine.Snapshot) {
	b.queue(mqtt.Topics{}.Status(b.site), NewStatusMessage(b.site, b.conn.IsConnected(), snap))
}

func (b *Bridge) queue(topic string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("encode "+topic, err)
		return
	}
	b.outbox.put(topic, payload)
}

// publishLoop sends retained state until Stop and flushes once more on
// the way out.
func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			b.flush()
			return
		case <-b.outbox.ready:
			b.flush()
		}
	}
}

func (b *Bridge) flush() {
	for _, m := range b.outbox.drain() {
		if err := b.mqtt.Publish(m.topic, m.payload, b.qos, true); err != nil {
			b.logError("publish "+m.topic, err)
		}
	}
}

// outbox keeps only the newest payload per topic, in first-queued order.
type outbox struct {
	mu     sync.Mutex
	latest map[string][]byte
	order  []string
	ready  chan struct{}
}

type queued struct {
	topic   string
	payload []byte
}

func newOutbox() *outbox {
	return &outbox{
		latest: make(map[string][]byte),
		ready:  make(chan struct{}, 1),
	}
}

func (o *outbox) put(topic string, payload []byte) {
	o.mu.Lock()
	if _, ok := o.latest[topic]; !ok {
		o.order = append(o.order, topic)
	}
	o.latest[topic] = payload
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() []queued {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]queued, len(o.order))
	for i, t := range o.order {
		out[i] = queued{topic: t, payload: o.latest[t]}
	}
	clear(o.latest)
	o.order = o.order[:0]
	return out
}
