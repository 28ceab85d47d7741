package avr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/avrbridge/internal/infrastructure/config"
)

// DefaultPort is the receiver's telnet control port.
const DefaultPort = 23

const (
	defaultConnectTimeout       = 5 * time.Second
	defaultReadTimeout          = 30 * time.Second // expiry only lets the loop notice Close
	defaultWriteTimeout         = 5 * time.Second
	defaultReconnectInterval    = 2 * time.Second
	defaultMaxReconnectInterval = 2 * time.Minute
	defaultMaxLineLength        = 4096

	readBufferSize = 1024
	backoffFactor  = 1.5

	// terminator ends every line in both directions.
	terminator = '\r'
)

// ClientConfig holds receiver connection settings. Zero durations and
// lengths take the package defaults.
type ClientConfig struct {
	// Address accepts "host", "host:port" or "tcp://host:port". The port
	// defaults to 23.
	Address string

	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// MaxLineLength bounds one inbound line. Longer lines are dropped up
	// to the next terminator.
	MaxLineLength int
}

// NewClientConfig maps the receiver section of the config file.
func NewClientConfig(rc config.ReceiverConfig) ClientConfig {
	return ClientConfig{
		Address:              rc.Address(),
		ConnectTimeout:       rc.ConnectTimeout,
		WriteTimeout:         rc.WriteTimeout,
		ReconnectInterval:    rc.ReconnectInterval,
		MaxReconnectInterval: rc.MaxReconnectInterval,
	}
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	orDefault := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	orDefault(&cfg.ConnectTimeout, defaultConnectTimeout)
	orDefault(&cfg.ReadTimeout, defaultReadTimeout)
	orDefault(&cfg.WriteTimeout, defaultWriteTimeout)
	orDefault(&cfg.ReconnectInterval, defaultReconnectInterval)
	orDefault(&cfg.MaxReconnectInterval, defaultMaxReconnectInterval)
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = cfg.ReconnectInterval
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = defaultMaxLineLength
	}
	return cfg
}

// ClientStats is a point-in-time view of the connection counters.
type ClientStats struct {
	Address         string
	LinesTx         uint64
	LinesRx         uint64
	LinesDropped    uint64 // over MaxLineLength
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // connections after the first
	LastActivity    time.Time
	ConnectedSince  time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Connector is the receiver link the bridge drives. *Client implements it.
type Connector interface {
	Send(ctx context.Context, line string) error
	SetOnLine(callback func(line string))
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	Start()
	IsConnected() bool
	Stats() ClientStats
	Close() error
}

var _ Connector = (*Client)(nil)

// Client keeps one CR-framed TCP connection to the receiver open,
// redialling with capped exponential backoff until Close.
//
// Callbacks run on the receive goroutine. Lines reach OnLine exactly once
// and in arrival order, so a callback that blocks stalls the receiver.
type Client struct {
	cfg     ClientConfig
	address string

	mu             sync.RWMutex // guards conn, connected, connectedSince
	conn           net.Conn
	connected      bool
	connectedSince time.Time

	writeMu sync.Mutex

	started       atomic.Bool
	everConnected atomic.Bool
	reconnecting  atomic.Bool

	cbMu         sync.RWMutex
	onLine       func(string)
	onConnect    func()
	onDisconnect func(error)
	logger       Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	linesTx      atomic.Uint64
	linesRx      atomic.Uint64
	linesDropped atomic.Uint64
	errors       atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64 // unix seconds
}

// NewClient validates the address. Nothing is dialled until Connect or
// Start.
//
// The address may be host, host:port or tcp://host:port. A missing port
// defaults to DefaultPort. Zero timeouts in cfg take their defaults.
//
// Parameters:
//   - cfg: Address, timeouts and reconnect backoff
//
// Returns:
//   - *Client: Unconnected client; set callbacks before starting it
//   - error: ErrInvalidAddress if the address cannot be parsed
func NewClient(cfg ClientConfig) (*Client, error) {
	address, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg.withDefaults(),
		address: address,
		logger:  nopLogger{},
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}, nil
}

// parseAddress normalises raw to host:port.
func parseAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		switch {
		case err != nil:
			return "", fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		case u.Scheme != "tcp":
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
		case u.Host == "":
			return "", fmt.Errorf("%w: missing host", ErrInvalidAddress)
		}
		raw = u.Host
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host, port = strings.Trim(raw, "[]"), strconv.Itoa(DefaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%w: invalid port %q", ErrInvalidAddress, port)
	}
	return net.JoinHostPort(host, port), nil
}

// Address returns the host:port being dialled.
func (c *Client) Address() string {
	return c.address
}

// Connect dials once, failing fast if the receiver is unreachable, then
// behaves like Start for every later loss.
//
// Parameters:
//   - ctx: Bounds the first dial only
//
// Returns:
//   - error: ErrConnectionClosed after Close, ErrConnectionFailed if the
//     client was already started or the dial failed
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: client already started", ErrConnectionFailed)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		return err
	}
	if !c.attach(conn) {
		return ErrConnectionClosed
	}

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// Start dials in the background and keeps reconnecting until Close.
// Later calls are ignored.
func (c *Client) Start() {
	if c.isClosed() || !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.run(nil)
}

func (c *Client) run(conn net.Conn) {
	defer c.wg.Done()

	var wait time.Duration
	for {
		if conn == nil {
			if conn = c.redial(wait); conn == nil {
				return
			}
		}

		err := c.readLines(conn)
		c.detach(conn, err)
		conn = nil

		if c.isClosed() {
			return
		}
		wait = c.cfg.ReconnectInterval
	}
}

// redial pauses for wait, then dials until it succeeds. It returns nil
// once the client is closed.
func (c *Client) redial(wait time.Duration) net.Conn {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	if wait > 0 && !c.pause(wait) {
		return nil
	}

	delay := c.cfg.ReconnectInterval
	for attempt := 1; !c.isClosed(); attempt++ {
		conn, err := c.dial(c.ctx)
		if err == nil {
			if c.attach(conn) {
				return conn
			}
			return nil
		}

		c.errors.Add(1)
		c.log().Warn("receiver dial failed", "attempt", attempt, "retry_in", delay.String(), "error", err)

		if !c.pause(delay) {
			return nil
		}
		delay = nextBackoff(delay, c.cfg.MaxReconnectInterval)
	}
	return nil
}

func nextBackoff(current, limit time.Duration) time.Duration {
	return min(time.Duration(float64(current)*backoffFactor), limit)
}

// pause reports false if Close interrupted it.
func (c *Client) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-c.closed:
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.address, err)
	}
	return conn, nil
}

// attach makes conn current and fires OnConnect. It closes conn and
// returns false when the client was closed during the dial.
func (c *Client) attach(conn net.Conn) bool {
	now := time.Now()

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn, c.connected, c.connectedSince = conn, true, now
	c.mu.Unlock()

	if c.everConnected.Swap(true) {
		c.reconnects.Add(1)
	}
	c.touch(now)
	c.log().Info("connected to receiver", "address", c.address)

	c.cbMu.RLock()
	fn := c.onConnect
	c.cbMu.RUnlock()
	if fn != nil {
		c.guard("connect callback", fn)
	}
	return true
}

// detach drops conn and fires OnDisconnect if it was the live connection.
func (c *Client) detach(conn net.Conn, cause error) {
	c.mu.Lock()
	live := c.conn == conn && c.connected
	if c.conn == conn {
		c.conn, c.connected, c.connectedSince = nil, false, time.Time{}
	}
	c.mu.Unlock()

	_ = conn.Close()
	if !live {
		return
	}

	if c.isClosed() {
		cause = ErrConnectionClosed
	} else {
		c.errors.Add(1)
		c.log().Warn("receiver connection lost", "error", cause)
	}

	c.cbMu.RLock()
	fn := c.onDisconnect
	c.cbMu.RUnlock()
	if fn != nil {
		c.guard("disconnect callback", func() { fn(cause) })
	}
}

// readLines splits the stream on CR until a read fails. A line may span
// several reads and read timeouts.
func (c *Client) readLines(conn net.Conn) error {
	r := bufio.NewReaderSize(conn, readBufferSize)

	var (
		buf       []byte
		oversized bool
	)
	for !c.isClosed() {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		chunk, err := r.ReadSlice(terminator)
		switch {
		case err == nil:
			if oversized {
				oversized, buf = false, buf[:0]
				continue
			}
			line := string(buf) + string(chunk[:len(chunk)-1])
			buf = buf[:0]
			if len(line) > c.cfg.MaxLineLength {
				c.drop(len(line))
				continue
			}
			c.deliver(line)

		case errors.Is(err, bufio.ErrBufferFull), isTimeout(err):
			if oversized {
				continue
			}
			if buf = append(buf, chunk...); len(buf) > c.cfg.MaxLineLength {
				c.drop(len(buf))
				oversized, buf = true, buf[:0]
			}

		case errors.Is(err, io.EOF):
			return fmt.Errorf("receiver closed connection: %w", err)

		default:
			return fmt.Errorf("read: %w", err)
		}
	}
	return ErrConnectionClosed
}

func (c *Client) drop(length int) {
	c.linesDropped.Add(1)
	c.errors.Add(1)
	c.log().Warn("discarding inbound line", "error", ErrLineTooLong, "length", length)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// deliver passes one line to OnLine. An LF left by a CRLF sender is
// stripped and empty lines are ignored.
func (c *Client) deliver(line string) {
	if line = strings.TrimLeft(line, "\n"); line == "" {
		return
	}

	c.linesRx.Add(1)
	c.touch(time.Now())

	c.cbMu.RLock()
	fn := c.onLine
	c.cbMu.RUnlock()
	if fn != nil {
		c.guard("line callback", func() { fn(line) })
	}
}

// guard runs a callback and logs instead of crashing if it panics.
func (c *Client) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.errors.Add(1)
			c.log().Error(what+" panic", "error", fmt.Errorf("%v", r))
		}
	}()
	fn()
}

func (c *Client) touch(at time.Time) {
	c.lastActivity.Store(at.Unix())
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close stops reconnecting and closes the socket. OnDisconnect fires with
// ErrConnectionClosed if a connection was live. It is safe to call twice.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.cancel()

	// Unblocks the pending read; run then detaches the connection.
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()
	c.log().Info("receiver connection closed")
	return nil
}

// Send writes line plus the CR terminator. The write deadline is the
// sooner of WriteTimeout and the ctx deadline.
//
// Writes are serialised, so concurrent callers never interleave bytes.
//
// Parameters:
//   - ctx: Cancellation and optional deadline for the write
//   - line: Command text without terminator
//
// Returns:
//   - error: ErrNotConnected when no connection is up, ErrWriteFailed on
//     an embedded terminator, a cancelled ctx or a socket error
func (c *Client) Send(ctx context.Context, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("%w: line contains a terminator", ErrWriteFailed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrWriteFailed, err)
	}
	if _, err := io.WriteString(conn, line+string(terminator)); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	c.linesTx.Add(1)
	c.touch(time.Now())
	c.log().Debug("line sent", "line", line)
	return nil
}

// SetOnLine sets the receive callback. A panic inside it is logged.
func (c *Client) SetOnLine(callback func(line string)) {
	c.cbMu.Lock()
	c.onLine = callback
	c.cbMu.Unlock()
}

// SetOnConnect sets the callback fired after every dial succeeds. Send
// already works when it runs.
func (c *Client) SetOnConnect(callback func()) {
	c.cbMu.Lock()
	c.onConnect = callback
	c.cbMu.Unlock()
}

// SetOnDisconnect sets the callback fired when a live connection ends.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.cbMu.Lock()
	c.onDisconnect = callback
	c.cbMu.Unlock()
}

// SetLogger replaces the logger. Nil silences the client.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	c.cbMu.Lock()
	c.logger = logger
	c.cbMu.Unlock()
}

func (c *Client) log() Logger {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.logger
}

// IsConnected reports whether a connection is live.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats snapshots the counters.
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	connected, since := c.connected, c.connectedSince
	c.mu.RUnlock()

	var last time.Time
	if ts := c.lastActivity.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}

	return ClientStats{
		Address:         c.address,
		LinesTx:         c.linesTx.Load(),
		LinesRx:         c.linesRx.Load(),
		LinesDropped:    c.linesDropped.Load(),
		ErrorsTotal:     c.errors.Load(),
		ReconnectsTotal: c.reconnects.Load(),
		LastActivity:    last,
		ConnectedSince:  since,
		Connected:       connected,
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck fails with ErrNotConnected while no connection is live.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}
