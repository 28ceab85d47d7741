package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/avrbridge/internal/api"
	"github.com/nerrad567/avrbridge/internal/bridges/avr"
	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/config"
	"github.com/nerrad567/avrbridge/internal/infrastructure/database"
	"github.com/nerrad567/avrbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/avrbridge/internal/infrastructure/logging"
	"github.com/nerrad567/avrbridge/internal/infrastructure/metrics"
	"github.com/nerrad567/avrbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/avrbridge/internal/journal"
	"github.com/nerrad567/avrbridge/internal/profile"
	_ "github.com/nerrad567/avrbridge/migrations" // registers embedded migrations
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		Long: `Run the bridge: connect to the receiver, keep its state current and
serve it over every enabled surface (MQTT, HTTP API, WebSocket, metrics,
InfluxDB history and the line journal). Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig(false, nil)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// shutdownLog closes one component on the way out.
func shutdownLog(log *logging.Logger, what string, closeFn func() error) {
	log.Info("closing " + what)
	if err := closeFn(); err != nil {
		log.Error("closing "+what+" failed", "error", err)
	}
}

// serve starts every enabled component and blocks until ctx ends.
// Deferred shutdowns run in reverse start order.
func serve(ctx context.Context, cfg *config.Config) error { //nolint:funlen // linear startup sequence
	log := logging.New(cfg.Logging, version)
	log.Info("avrbridge starting",
		"version", version,
		"commit", commit,
		"build_date", date,
		"site", cfg.Site.ID)

	def, err := profile.Resolve(cfg.Receiver.Profile, cfg.Receiver.ProfileFile)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	client, err := avr.NewClient(avr.NewClientConfig(cfg.Receiver))
	if err != nil {
		return fmt.Errorf("receiver client: %w", err)
	}
	client.SetLogger(log.With("component", "receiver"))
	defer shutdownLog(log, "receiver connection", client.Close)

	opts, err := def.Options(client, cfg.Receiver.Debounce, log)
	if err != nil {
		return fmt.Errorf("building profile %s: %w", def.Name, err)
	}
	eng, err := engine.New(opts)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer eng.Close()
	log.Info("engine ready",
		"profile", def.Name,
		"properties", len(eng.Properties()),
		"address", client.Address())

	db, repo, stopJournal, err := startJournal(ctx, cfg, eng, opts.Processors, log)
	if err != nil {
		return err
	}
	defer stopJournal()

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer shutdownLog(log, "MQTT", mqttClient.Close)
	}

	influxClient, err := connectInflux(cfg, eng, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer shutdownLog(log, "InfluxDB", influxClient.Close)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Site.ID, metrics.Source{
			Connected:      client.IsConnected,
			Reconnects:     func() uint64 { return client.Stats().ReconnectsTotal },
			PendingQueries: func() int { return eng.Stats().PendingQueries },
		})
		m.Attach(eng)
	}

	bridgeOpts := avr.BridgeOptions{
		Site:         cfg.Site.ID,
		Version:      version,
		Engine:       eng,
		Connector:    client,
		QueryTimeout: cfg.Receiver.QueryTimeout,
		QoS:          byte(cfg.MQTT.QoS), //nolint:gosec // validated 0..2
		Logger:       log.With("component", "bridge"),
	}
	if mqttClient != nil {
		bridgeOpts.MQTTClient = mqttAdapter{mqttClient}
	}
	if influxClient != nil {
		bridgeOpts.OnConnectionChange = func(up bool) {
			influxClient.WriteConnection(cfg.Site.ID, up)
		}
	}
	bridge, err := avr.NewBridge(bridgeOpts)
	if err != nil {
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		r := bridge.Report()
		log.Info("stopping bridge",
			"lines_tx", r.LinesTx,
			"lines_rx", r.LinesRx,
			"unmatched", r.LinesUnmatched,
			"reconnects", r.Reconnects,
			"commands", r.CommandsTotal,
			"failures", r.FailuresTotal)
		bridge.Stop()
	}()

	var srv *api.Server
	switch {
	case cfg.API.Enabled:
		deps := api.Deps{
			Config:       cfg.API,
			WS:           cfg.WebSocket,
			Logger:       log.With("component", "api"),
			Site:         cfg.Site.ID,
			Engine:       eng,
			Version:      version,
			Connection:   client,
			Refresher:    bridge,
			Journal:      repo,
			QueryTimeout: cfg.Receiver.QueryTimeout,
		}
		if m != nil {
			deps.Metrics = m.Handler()
			deps.MetricsPath = cfg.Metrics.Path
			deps.Observer = m
		}
		if srv, err = api.New(deps); err != nil {
			return fmt.Errorf("API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer shutdownLog(log, "API server", srv.Close)
	case m != nil:
		log.Warn("metrics need the HTTP API and will not be exposed")
	default:
		log.Info("HTTP API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, srv); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	log.Info("ready")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// startJournal opens SQLite and records lines when the journal is on.
// The returned stop func is always safe to call.
func startJournal(ctx context.Context, cfg *config.Config, eng *engine.Engine, procs *engine.Registry, log *logging.Logger) (*database.DB, journal.Repository, func(), error) {
	if !cfg.Journal.Enabled {
		log.Info("line journal disabled")
		return nil, nil, func() {}, nil
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("migrating database: %w", err)
	}

	repo := journal.NewSQLiteRepository(db.DB)
	rec := journal.NewRecorder(journal.RecorderConfig{
		Site:      cfg.Site.ID,
		Repo:      repo,
		Retention: cfg.Journal.Retention,
		Classify:  journal.ClassifyWith(procs),
		Logger:    log.With("component", "journal"),
	})
	rec.Attach(eng)

	recCtx, cancel := context.WithCancel(context.Background())
	go rec.Run(recCtx)
	log.Info("line journal enabled", "path", cfg.Database.Path, "retention", cfg.Journal.Retention.String())

	stop := func() {
		cancel()
		<-rec.Done()
		written, dropped := rec.Stats()
		log.Info("journal stopped", "written", written, "dropped", dropped)
		shutdownLog(log, "database", db.Close)
	}
	return db, repo, stop, nil
}

// connectMQTT returns nil when MQTT is disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}

	will, err := json.Marshal(avr.NewLWTMessage(cfg.Site.ID))
	if err != nil {
		return nil, fmt.Errorf("building last will: %w", err)
	}
	c, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(mqtt.Topics{}.Health(cfg.Site.ID), will, 1, true))
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	c.SetLogger(log.With("component", "mqtt"))
	c.SetOnConnect(func() { log.Info("MQTT reconnected") })
	c.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID)
	return c, nil
}

// connectInflux returns nil when InfluxDB is disabled. Numeric changes
// are written from the engine's change hook.
func connectInflux(cfg *config.Config, eng *engine.Engine, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	c, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	c.SetOnError(func(err error) { log.Error("InfluxDB write failed", "error", err) })
	eng.OnChange(func(ch engine.Change) {
		c.WriteProperty(cfg.Site.ID, ch.Property, ch.Value, ch.At)
	})
	log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
	return c, nil
}

// healthCheck probes the backends that were opened. The receiver is left
// out: it reconnects on its own and reports through the health topic.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, srv *api.Server) error {
	type probe struct {
		name string
		ok   bool
		fn   func(context.Context) error
	}
	probes := []probe{
		{"database", db != nil, func(ctx context.Context) error { return db.HealthCheck(ctx) }},
		{"mqtt", mqttClient != nil, func(ctx context.Context) error { return mqttClient.HealthCheck(ctx) }},
		{"influxdb", influxClient != nil, func(ctx context.Context) error { return influxClient.HealthCheck(ctx) }},
		{"api", srv != nil, func(ctx context.Context) error { return srv.HealthCheck(ctx) }},
	}
	for _, p := range probes {
		if !p.ok {
			continue
		}
		if err := p.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
	return nil
}

// mqttAdapter fits *mqtt.Client to avr.MQTTClient, whose handlers return
// nothing.
type mqttAdapter struct {
	*mqtt.Client
}

func (a mqttAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.Client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}
