package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
)

const (
	// queueSize bounds the entries waiting to be written. Lines arriving
	// while the queue is full are dropped and counted.
	queueSize = 512

	// pruneInterval is how often entries past retention are deleted.
	pruneInterval = time.Hour

	writeTimeout = 5 * time.Second
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Site      string
	Repo      Repository
	Retention time.Duration // zero keeps entries forever

	// Classify names the property a received line belongs to. Optional.
	Classify func(line string) string

	Logger Logger
}

// Recorder queues engine line events and writes them serially.
//
// Hook callbacks never touch the database; they only enqueue, so the
// receive goroutine is not slowed by SQLite.
type Recorder struct {
	site      string
	repo      Repository
	retention time.Duration
	classify  func(string) string
	logger    Logger

	queue   chan *Entry
	dropped atomic.Uint64
	written atomic.Uint64

	runOnce sync.Once
	done    chan struct{}
}

// NewRecorder creates a recorder. Call Run to start writing.
func NewRecorder(cfg RecorderConfig) *Recorder {
	return &Recorder{
		site:      cfg.Site,
		repo:      cfg.Repo,
		retention: cfg.Retention,
		classify:  cfg.Classify,
		logger:    cfg.Logger,
		queue:     make(chan *Entry, queueSize),
		done:      make(chan struct{}),
	}
}

// ClassifyWith returns a classifier that reports the property of the first
// processor in reg whose pattern matches the line.
func ClassifyWith(reg *engine.Registry) func(string) string {
	processors := reg.Processors()
	return func(line string) string {
		for _, p := range processors {
			if p.Pattern.MatchString(line) {
				return p.Property
			}
		}
		return ""
	}
}

// Attach registers the engine line hooks.
func (r *Recorder) Attach(eng *engine.Engine) {
	eng.OnLineSent(func(line string) { r.Record(DirectionSent, line) })
	eng.OnLineReceived(func(line string) { r.Record(DirectionReceived, line) })
	eng.OnUnmatched(func(line string) { r.Record(DirectionUnmatched, line) })
}

// Record enqueues one line without blocking.
func (r *Recorder) Record(direction, line string) {
	e := &Entry{
		Site:      r.site,
		Direction: direction,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	}
	if direction == DirectionReceived && r.classify != nil {
		e.Property = r.classify(line)
	}

	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logWarn("journal queue full, dropping lines", "direction", direction)
		}
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// left. It also prunes expired entries when a retention is set.
func (r *Recorder) Run(ctx context.Context) {
	r.runOnce.Do(func() {
		defer close(r.done)
		r.run(ctx)
	})
}

// Done is closed once Run has drained the queue and returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) run(ctx context.Context) {
	var prune <-chan time.Time
	if r.retention > 0 {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		r.prune()
	}

	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-prune:
			r.prune()
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, e); err != nil {
		r.logError("journal write failed", "direction", e.Direction, "error", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	n, err := r.repo.Prune(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.logError("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logInfo("journal pruned", "deleted", n, "retention", r.retention.String())
	}
}

// Stats reports how many entries were written and dropped.
func (r *Recorder) Stats() (written, dropped uint64) {
	return r.written.Load(), r.dropped.Load()
}

func (r *Recorder) logInfo(msg string, kv ...any) {
	if r.logger != nil {
		r.logger.Info(msg, kv...)
	}
}

func (r *Recorder) logWarn(msg string, kv ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, kv...)
	}
}

func (r *Recorder) logError(msg string, kv ...any) {
	if r.logger != nil {
		r.logger.Error(msg, kv...)
	}
}
