package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Sender is the transport collaborator. Send writes one line (the transport
// appends the terminator). IsConnected reports whether a connection is
// currently established.
type Sender interface {
	Send(ctx context.Context, line string) error
	IsConnected() bool
}

// Logger is the logging interface used by the engine.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures an Engine.
type Options struct {
	// Properties declares every property the engine knows. Names must be unique.
	Properties []Property

	// Commands supplies query and apply templates.
	Commands *CommandTable

	// Processors supplies the ordered inbound line processors.
	Processors *Registry

	// Refresh lists the properties queried by RequestAll with no arguments.
	Refresh []string

	// Sender is the transport used for outbound lines.
	Sender Sender

	// Debounce is the aggregate snapshot window. Default: 100ms.
	Debounce time.Duration

	// Logger is optional.
	Logger Logger
}

// Stats holds engine counters.
type Stats struct {
	LinesSent      uint64 `json:"lines_sent"`
	LinesReceived  uint64 `json:"lines_received"`
	LinesUnmatched uint64 `json:"lines_unmatched"`
	ExtractErrors  uint64 `json:"extract_errors"`
	Queries        uint64 `json:"queries"`
	Applies        uint64 `json:"applies"`
	Cancelled      uint64 `json:"cancelled"`
	PendingQueries int    `json:"pending_queries"`
}

// Engine correlates outbound commands with inbound lines.
//
// Two sources drive it: callers issuing Query/Request/Apply, and the
// transport delivering lines to HandleLine. A single mutex serialises the
// dispatch step (match, set, resolve) against the query step (enqueue,
// send), so waiter order always equals wire order.
//
// Change and snapshot listeners run synchronously on the dispatching
// goroutine or the debounce timer. They must not call Query, Request or
// Apply synchronously.
type Engine struct {
	mu sync.Mutex

	commands   *CommandTable
	processors *Registry
	ledger     *Ledger
	status     *Store
	sender     Sender
	logger     Logger

	properties []Property
	byName     map[string]Property
	refresh    []string

	hooksMu    sync.RWMutex
	onSent     []func(string)
	onReceived []func(string)
	onUnmatch  []func(string)

	closed atomic.Bool

	linesSent      atomic.Uint64
	linesReceived  atomic.Uint64
	linesUnmatched atomic.Uint64
	extractErrors  atomic.Uint64
	queries        atomic.Uint64
	applies        atomic.Uint64
	cancelled      atomic.Uint64
}

// New validates the configuration and creates an engine with every
// declared property at its kind's zero value.
//
// It checks that:
//  1. Commands, Processors and Sender are set
//  2. Property names are non-empty and unique
//  3. Every command and processor names a declared property
//  4. Every refresh property has a query template
//
// Parameters:
//   - opts: Engine configuration; Debounce and Logger are optional
//
// Returns:
//   - *Engine: Ready to accept lines and queries
//   - error: If any check fails
func New(opts Options) (*Engine, error) { //nolint:gocognit,gocyclo // construction-time validation of the full table set
	if opts.Commands == nil {
		return nil, errors.New("engine: command table is required")
	}
	if opts.Processors == nil {
		return nil, errors.New("engine: processor registry is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("engine: sender is required")
	}

	byName := make(map[string]Property, len(opts.Properties))
	defaults := make(map[string]any, len(opts.Properties))
	for _, p := range opts.Properties {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: empty property name", ErrUndeclaredProperty)
		}
		if !p.Kind.Valid() {
			return nil, fmt.Errorf("engine: property %q has invalid kind %q", p.Name, p.Kind)
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProperty, p.Name)
		}
		byName[p.Name] = p
		defaults[p.Name] = p.Kind.Zero()
	}

	for _, intent := range []Intent{IntentQuery, IntentApply} {
		for _, name := range opts.Commands.Properties(intent) {
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("%w: %s command for %q", ErrUndeclaredProperty, intent, name)
			}
		}
	}
	for _, p := range opts.Processors.Processors() {
		if _, ok := byName[p.Property]; !ok {
			return nil, fmt.Errorf("%w: processor for %q", ErrUndeclaredProperty, p.Property)
		}
	}
	for _, name := range opts.Refresh {
		if !opts.Commands.Has(IntentQuery, name) {
			return nil, fmt.Errorf("%w: refresh property %q has no query", ErrUnknownCommand, name)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	props := make([]Property, len(opts.Properties))
	copy(props, opts.Properties)

	return &Engine{
		commands:   opts.Commands,
		processors: opts.Processors,
		ledger:     NewLedger(),
		status:     NewStore(defaults, opts.Debounce),
		sender:     opts.Sender,
		logger:     logger,
		properties: props,
		byName:     byName,
		refresh:    append([]string(nil), opts.Refresh...),
	}, nil
}

// HandleLine is the dispatch loop entry point. The transport calls it once
// per inbound line, in arrival order.
//
// Each line goes through these steps:
//  1. Normalise (trim whitespace and the terminator); empty lines are ignored
//  2. Match against the processor registry, first match wins
//  3. Write the value to the status store and resolve the oldest waiter
//  4. Write any derived readings for declared properties
//
// Unmatched lines are counted and handed to OnUnmatched listeners.
// Lines that match but fail to decode are counted as extract errors.
//
// Parameters:
//   - raw: One inbound line as read from the connection
func (e *Engine) HandleLine(raw string) {
	line := Normalize(raw)
	if line == "" {
		return
	}
	e.linesReceived.Add(1)
	e.fire(e.receivedHooks(), line)

	var skipped []string
	e.mu.Lock()
	m, err := e.processors.MatchFirst(line)
	if err == nil {
		e.settleLocked(m.Property, m.Value)
		for _, d := range m.Derived {
			if _, ok := e.byName[d.Property]; !ok {
				skipped = append(skipped, d.Property)
				continue
			}
			e.settleLocked(d.Property, d.Value)
		}
	}
	e.mu.Unlock()

	if len(skipped) > 0 {
		e.extractErrors.Add(uint64(len(skipped)))
		e.logger.Warn("derived reading for undeclared property dropped", "line", line, "properties", skipped)
	}

	switch {
	case err == nil:
		e.logger.Debug("line dispatched", "line", line, "property", m.Property, "value", m.Value)
	case errors.Is(err, ErrUnmatchedResponse):
		e.linesUnmatched.Add(1)
		e.logger.Debug("unmatched line dropped", "line", line)
		e.fire(e.unmatchedHooks(), line)
	default:
		e.extractErrors.Add(1)
		e.logger.Warn("line matched but could not be decoded", "line", line, "error", err)
	}
}

// settleLocked writes value and hands it to the oldest waiter.
func (e *Engine) settleLocked(property string, value any) {
	stored := e.status.Set(property, value)
	e.ledger.ResolveNext(property, stored)
}

// Request sends the query for property and returns the waiter that the
// answering line will resolve. It does not block on the answer.
//
// The waiter is enqueued and the line written under the engine lock, so
// waiters for one property resolve in the order their queries hit the wire.
// If the send fails the waiter is withdrawn.
//
// Parameters:
//   - ctx: Context passed to the sender for the write
//   - property: Name of a property with a query template
//
// Returns:
//   - *Waiter: Resolved by the next matching inbound line
//   - error: ErrClosed, ErrUnknownCommand, ErrNotConnected or a send failure
func (e *Engine) Request(ctx context.Context, property string) (*Waiter, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	line, err := e.commands.Resolve(IntentQuery, property, nil)
	if err != nil {
		return nil, err
	}
	if !e.sender.IsConnected() {
		return nil, fmt.Errorf("%w: query %q", ErrNotConnected, property)
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	w := e.ledger.AwaitNext(property)
	if err := e.sender.Send(ctx, line); err != nil {
		e.ledger.withdraw(w, err)
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: send %q: %w", line, err)
	}
	e.mu.Unlock()

	e.queries.Add(1)
	e.linesSent.Add(1)
	e.fire(e.sentHooks(), line)
	return w, nil
}

// Query sends the query for property and waits for the answer.
// The engine applies no timeout; bound it with ctx.
//
// Parameters:
//   - ctx: Bounds both the send and the wait
//   - property: Name of a property with a query template
//
// Returns:
//   - any: The value carried by the answering line
//   - error: Any Request error, ctx.Err(), ErrDisconnected or ErrClosed
func (e *Engine) Query(ctx context.Context, property string) (any, error) {
	w, err := e.Request(ctx, property)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx)
}

// Apply sends the apply command for property. It does not wait for any
// echo from the appliance; an echoed status line updates the store through
// the normal dispatch path.
//
// Parameters:
//   - ctx: Context passed to the sender for the write
//   - property: Name of a property with an apply template
//   - value: Value rendered into the template (bool, number or string)
//
// Returns:
//   - error: ErrClosed, ErrUnknownCommand, ErrNotConnected or a send failure
func (e *Engine) Apply(ctx context.Context, property string, value any) error {
	if e.closed.Load() {
		return ErrClosed
	}
	line, err := e.commands.Resolve(IntentApply, property, value)
	if err != nil {
		return err
	}
	if !e.sender.IsConnected() {
		return fmt.Errorf("%w: apply %q", ErrNotConnected, property)
	}

	e.mu.Lock()
	err = e.sender.Send(ctx, line)
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: send %q: %w", line, err)
	}

	e.applies.Add(1)
	e.linesSent.Add(1)
	e.fire(e.sentHooks(), line)
	return nil
}

// RequestAll issues queries for properties, or for the configured refresh
// set when none are given. All queries are sent before any answer is
// awaited. It stops at the first failure and returns the waiters created
// so far.
//
// Parameters:
//   - ctx: Context passed to each Request
//   - properties: Properties to query; empty means the refresh set
//
// Returns:
//   - []*Waiter: One waiter per query sent, in send order
//   - error: The first Request failure, if any
func (e *Engine) RequestAll(ctx context.Context, properties ...string) ([]*Waiter, error) {
	if len(properties) == 0 {
		properties = e.refresh
	}
	waiters := make([]*Waiter, 0, len(properties))
	for _, p := range properties {
		w, err := e.Request(ctx, p)
		if err != nil {
			return waiters, err
		}
		waiters = append(waiters, w)
	}
	return waiters, nil
}

// HandleDisconnect fails all outstanding waiters. The transport calls it
// when the connection drops. Status values are kept.
//
// Parameters:
//   - cause: The transport error, may be nil
//
// Returns:
//   - int: Number of waiters cancelled
func (e *Engine) HandleDisconnect(cause error) int {
	err := ErrDisconnected
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrDisconnected, cause)
	}
	n := e.ledger.CancelAll(err)
	e.cancelled.Add(uint64(n)) //nolint:gosec // n is a non-negative count
	if n > 0 {
		e.logger.Info("cancelled pending queries", "count", n, "cause", cause)
	}
	return n
}

// Close stops the debounce timer and cancels outstanding waiters.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.status.Close()

	e.mu.Lock()
	e.ledger.CancelAll(ErrClosed)
	e.mu.Unlock()
}

// Get returns the current value of property.
func (e *Engine) Get(property string) (any, bool) {
	if _, ok := e.byName[property]; !ok {
		return nil, false
	}
	return e.status.Get(property)
}

// Snapshot returns a copy of the full status.
func (e *Engine) Snapshot() Snapshot {
	return e.status.Snapshot()
}

// Properties returns the declared properties sorted by name.
func (e *Engine) Properties() []Property {
	out := make([]Property, len(e.properties))
	copy(out, e.properties)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Property looks up a declared property.
func (e *Engine) Property(name string) (Property, bool) {
	p, ok := e.byName[name]
	return p, ok
}

// Supports reports whether property has a template for intent.
func (e *Engine) Supports(intent Intent, property string) bool {
	return e.commands.Has(intent, property)
}

// Refresh returns the default RequestAll property set.
func (e *Engine) Refresh() []string {
	return append([]string(nil), e.refresh...)
}

// Pending returns the number of outstanding waiters for property.
func (e *Engine) Pending(property string) int {
	return e.ledger.Pending(property)
}

// OnChange registers a per-property change listener.
func (e *Engine) OnChange(fn func(Change)) { e.status.OnChange(fn) }

// OnSnapshot registers a debounced full-status listener.
func (e *Engine) OnSnapshot(fn func(Snapshot)) { e.status.OnSnapshot(fn) }

// OnLineSent registers an observer for every line written to the wire.
func (e *Engine) OnLineSent(fn func(string)) {
	e.hooksMu.Lock()
	e.onSent = append(e.onSent, fn)
	e.hooksMu.Unlock()
}

// OnLineReceived registers an observer for every non-empty inbound line.
func (e *Engine) OnLineReceived(fn func(string)) {
	e.hooksMu.Lock()
	e.onReceived = append(e.onReceived, fn)
	e.hooksMu.Unlock()
}

// OnUnmatched registers an observer for inbound lines no processor matched.
func (e *Engine) OnUnmatched(fn func(string)) {
	e.hooksMu.Lock()
	e.onUnmatch = append(e.onUnmatch, fn)
	e.hooksMu.Unlock()
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		LinesSent:      e.linesSent.Load(),
		LinesReceived:  e.linesReceived.Load(),
		LinesUnmatched: e.linesUnmatched.Load(),
		ExtractErrors:  e.extractErrors.Load(),
		Queries:        e.queries.Load(),
		Applies:        e.applies.Load(),
		Cancelled:      e.cancelled.Load(),
		PendingQueries: e.ledger.Total(),
	}
}

func (e *Engine) sentHooks() []func(string) {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.onSent
}

func (e *Engine) receivedHooks() []func(string) {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.onReceived
}

func (e *Engine) unmatchedHooks() []func(string) {
	e.hooksMu.RLock()
	defer e.hooksMu.RUnlock()
	return e.onUnmatch
}

func (e *Engine) fire(hooks []func(string), line string) {
	for _, fn := range hooks {
		fn(line)
	}
}
