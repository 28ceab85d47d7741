package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/config"
	"github.com/nerrad567/avrbridge/internal/infrastructure/logging"
	"github.com/nerrad567/avrbridge/internal/journal"
)

const (
	shutdownGrace       = 10 * time.Second
	defaultQueryTimeout = 5 * time.Second
)

// Refresher queries the refresh set and waits for the replies.
// *avr.Bridge implements it.
type Refresher interface {
	Refresh(ctx context.Context) (engine.Snapshot, error)
}

// Connection reports whether the receiver link is up.
type Connection interface {
	IsConnected() bool
}

// Observer counts query and apply outcomes. *metrics.Metrics implements it.
type Observer interface {
	Operation(operation, result string)
}

// Deps wires the server. Logger and Engine are required; endpoints whose
// optional collaborator is missing answer 503.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Site    string
	Engine  *engine.Engine
	Version string

	Connection Connection
	Refresher  Refresher
	Journal    journal.Repository
	Observer   Observer

	Metrics     http.Handler
	MetricsPath string // default /metrics

	QueryTimeout time.Duration // default 5s
}

// Server serves the REST API and the WebSocket feed.
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	logger       *logging.Logger
	site         string
	engine       *engine.Engine
	conn         Connection
	refresher    Refresher
	journal      journal.Repository
	observer     Observer
	metrics      http.Handler
	metricsPath  string
	queryTimeout time.Duration
	version      string
	startTime    time.Time

	hub    *Hub
	http   *http.Server
	cancel context.CancelFunc
}

// New builds the server and attaches its hub to the engine. Nothing
// listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Engine == nil:
		return nil, errors.New("api: engine is required")
	}
	if deps.QueryTimeout <= 0 {
		deps.QueryTimeout = defaultQueryTimeout
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	if deps.WS.Path == "" {
		deps.WS.Path = "/ws"
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		logger:       deps.Logger,
		site:         deps.Site,
		engine:       deps.Engine,
		conn:         deps.Connection,
		refresher:    deps.Refresher,
		journal:      deps.Journal,
		observer:     deps.Observer,
		metrics:      deps.Metrics,
		metricsPath:  deps.MetricsPath,
		queryTimeout: deps.QueryTimeout,
		version:      deps.Version,
		startTime:    time.Now(),
		hub:          NewHub(deps.WS, deps.Logger),
	}
	s.hub.Attach(deps.Engine)
	return s, nil
}

// Start runs the hub and the listener in the background. Listener
// failures after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(ctx)

	read, write, idle := s.cfg.Timeouts.Durations()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	tls := s.cfg.TLS
	s.logger.Info("API listening", "address", s.http.Addr, "tls", tls.Enabled)
	go func() {
		var err error
		if tls.Enabled {
			err = s.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API listener stopped", "error", err)
		}
	}()
	return nil
}

// Close stops the hub and drains in-flight requests for up to ten seconds.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.http == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// HealthCheck fails before Start or once ctx is done.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.http == nil {
		return errors.New("api: not started")
	}
	return nil
}

// observe records "ok" or the error code for one operation.
func (s *Server) observe(operation string, err error) {
	if s.observer == nil {
		return
	}
	result := "ok"
	if err != nil {
		_, result = classify(err)
	}
	s.observer.Operation(operation, result)
}

func (s *Server) connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}
