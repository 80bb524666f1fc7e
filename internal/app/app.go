// Package app assembles dispatchline's services from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatchline/internal/bulk"
	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/engine"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/eventbus"
	"dispatchline/internal/events"
	"dispatchline/internal/live"
	"dispatchline/internal/logging"
	"dispatchline/internal/metrics"
	"dispatchline/internal/migrate"
	"dispatchline/internal/mqttclient"
	"dispatchline/internal/notify"
	"dispatchline/internal/relay"
	"dispatchline/internal/repo"
)

// SecretEnv overrides auth.jwt_secret.
const SecretEnv = "DISPATCHLINE_JWT_SECRET"

type Options struct {
	Workspace string
	DBPath    string
	Config    *config.Config
	// Logger replaces the logger built from config.
	Logger *zerolog.Logger
	// Broker replaces the MQTT connection for push and relay. Tests pass an
	// in-memory broker client.
	Broker mqttclient.Client
	// Push replaces the push provider built from config.
	Push notify.Provider
	// RequireSecret fails New when no JWT secret is configured. Servers set
	// it; local CLI commands that never verify tokens do not.
	RequireSecret bool
}

// App holds the wired services of one dispatchline instance.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Logger     zerolog.Logger
	Registry   *prometheus.Registry
	Metrics    *metrics.Recorder
	Bus        *eventbus.Bus[events.MissionEvent]
	Engine     *engine.Engine
	Sessions   *live.MemoryRegistry
	Router     *live.Router
	Notify     *notify.Dispatcher
	Fallback   *notify.Fallback
	Bulk       *bulk.Coordinator
	Relay      *relay.Relay
	Tokens     auth.Tokens
	InstanceID string

	routerCh   <-chan events.MissionEvent
	fallbackCh <-chan events.MissionEvent
	relayCh    <-chan events.MissionEvent
	closers    []func()
}

// New opens the database, applies migrations and wires every service.
// Subscriptions are taken here so no event published before Run is lost.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	if opts.Logger != nil {
		a.Logger = *opts.Logger
	} else {
		a.Logger = logging.New("dispatchline", cfg.Logging.Level)
	}
	a.InstanceID = cfg.Relay.InstanceID
	if a.InstanceID == "" {
		a.InstanceID = uuid.NewString()
	}

	secret := os.Getenv(SecretEnv)
	if secret == "" {
		secret = cfg.Auth.JWTSecret
	}
	if secret == "" && opts.RequireSecret {
		return nil, fmt.Errorf("auth.jwt_secret is required (or set %s)", SecretEnv)
	}
	a.Tokens = auth.Tokens{Secret: secret, Issuer: cfg.Auth.Issuer}

	if cfg.Metrics.Enabled {
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	rec, err := metrics.New(a.Registry)
	if err != nil {
		return nil, err
	}
	a.Metrics = rec

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, func() { _ = conn.Close() })
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.Repo{DB: conn}

	a.Bus = eventbus.New[events.MissionEvent](eventbus.WithBuffer(cfg.Live.BusBuffer))
	a.Bus.OnDrop = func(ev events.MissionEvent) {
		rec.BusDropped()
		a.Logger.Warn().Str("event", ev.Kind.Name()).Int64("mission_id", ev.MissionID()).Msg("event bus subscriber lagging, event dropped")
	}
	a.closers = append(a.closers, a.Bus.Close)

	a.Engine = engine.New(conn, a.Bus)
	a.Engine.Logger = logging.Component(a.Logger, "engine")
	a.Engine.Metrics = rec
	a.Engine.Origin = a.InstanceID

	a.Sessions = live.NewRegistry()
	a.Sessions.Metrics = rec
	a.Router = &live.Router{Registry: a.Sessions, Logger: logging.Component(a.Logger, "live"), Metrics: rec}

	provider := opts.Push
	if provider == nil {
		if provider, err = a.pushProvider(ctx, opts.Broker); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Notify = &notify.Dispatcher{
		Tokens:   a.Repo,
		Provider: provider,
		Logger:   logging.Component(a.Logger, "notify"),
		Metrics:  rec,
		Timeout:  cfg.PushTimeout(),
	}
	a.Fallback = &notify.Fallback{Notifier: a.Notify, Logger: logging.Component(a.Logger, "fallback"), Concurrency: cfg.Push.Concurrency}

	a.Bulk = &bulk.Coordinator{
		Engine:      a.Engine,
		Missions:    a.Repo,
		Notifier:    a.Notify,
		Bus:         a.Bus,
		DB:          conn,
		Audit:       events.Writer{DB: conn},
		Logger:      logging.Component(a.Logger, "bulk"),
		Metrics:     rec,
		Origin:      a.InstanceID,
		Concurrency: cfg.Bulk.Concurrency,
	}

	if cfg.Relay.Enabled {
		client, err := a.mqtt(cfg.Relay.MQTT, opts.Broker, "relay")
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Relay = &relay.Relay{
			Client:     client,
			Topic:      cfg.Relay.MQTT.Topic,
			InstanceID: a.InstanceID,
			QoS:        byte(cfg.Relay.MQTT.QoS),
			Deliver:    func(ev events.MissionEvent) { a.Router.Deliver(ev) },
			Logger:     logging.Component(a.Logger, "relay"),
			Metrics:    rec,
		}
		if err := a.Relay.Start(); err != nil {
			a.Close()
			return nil, err
		}
		a.relayCh = a.Bus.Subscribe()
	}
	a.routerCh = a.Bus.Subscribe()
	a.fallbackCh = a.Bus.Subscribe()
	return a, nil
}

func (a *App) pushProvider(ctx context.Context, broker mqttclient.Client) (notify.Provider, error) {
	cfg := a.Config
	switch cfg.Push.Provider {
	case "fcm":
		return notify.NewFCM(ctx, cfg.Push.FCM.ProjectID, cfg.Push.FCM.CredentialsFile)
	case "mqtt":
		client, err := a.mqtt(cfg.Push.MQTT, broker, "push")
		if err != nil {
			return nil, err
		}
		return &notify.MQTTProvider{Client: client, Prefix: cfg.Push.MQTT.Topic, QoS: byte(cfg.Push.MQTT.QoS)}, nil
	default:
		return notify.LogProvider{Logger: logging.Component(a.Logger, "push")}, nil
	}
}

func (a *App) mqtt(mc config.MQTTConfig, override mqttclient.Client, role string) (mqttclient.Client, error) {
	if override != nil {
		return override, nil
	}
	clientID := mc.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("dispatchline-%s-%s", role, a.InstanceID)
	}
	var opts []mqttclient.ConnectOption
	if mc.Username != "" {
		opts = append(opts, mqttclient.WithPasswordAuth(mc.Username, mc.Password))
	}
	client, err := mqttclient.Connect(mc.Broker, clientID, 10*time.Second, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s mqtt: %w", role, err)
	}
	a.closers = append(a.closers, client.Disconnect)
	return client, nil
}

// Run drives the live router, the push fallback and the relay until ctx is
// done. A failing consumer stops the others.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Router.Run(ctx, a.routerCh) })
	g.Go(func() error { return a.Fallback.Run(ctx, a.fallbackCh) })
	if a.Relay != nil {
		g.Go(func() error { return a.Relay.Run(ctx, a.relayCh) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
