package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/nidhogg/constellation/internal/config"
	"github.com/nidhogg/constellation/internal/editor"
	"github.com/nidhogg/constellation/internal/events"
	"github.com/nidhogg/constellation/internal/fleet"
	"github.com/nidhogg/constellation/internal/notify"
	"github.com/nidhogg/constellation/internal/orchestrator"
	"github.com/nidhogg/constellation/internal/registry"
	"github.com/nidhogg/constellation/internal/store"
	"github.com/nidhogg/constellation/internal/synchronizer"
	"github.com/nidhogg/constellation/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const sinkDrainTimeout = 5 * time.Second

// loadConfig reads the config file. A missing file at the default path
// falls back to the built-in defaults; an explicit --config must exist.
func loadConfig(explicit bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
		} else {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// app is the wired set of components every command shares.
type app struct {
	cfg   *config.Config
	bus   *events.Bus
	fleet *fleet.Manager
	sync  *synchronizer.Synchronizer
	orch  *orchestrator.Orchestrator
	agent *editor.Agent

	store  *store.Store
	mirror *events.RedisMirror
	notify *notify.Broadcaster

	sinkCtx    context.Context
	sinkCancel context.CancelFunc
	unsub      []func()
	wg         sync.WaitGroup

	logger *zap.Logger
}

// newApp builds the fleet, synchronizer, editor and orchestrator and
// registers every configured device.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	bus := events.NewBus(logger.Named("events"))

	fl := fleet.NewManager(&cfg.Fleet, registry.New(logger.Named("registry")),
		transport.NewWebsocketDialer(cfg.Fleet.HandshakeTimeout.Duration), bus, logger.Named("fleet"))
	for _, d := range cfg.Devices {
		_, err := fl.RegisterDevice(registry.Registration{
			DeviceID:     d.ID,
			ServerURL:    d.ServerURL,
			OS:           d.OS,
			Capabilities: d.Capabilities,
			Metadata:     d.Metadata,
			MaxRetries:   cfg.RetriesFor(d),
		})
		if err != nil {
			fl.Shutdown()
			return nil, err
		}
	}

	sy := synchronizer.New(cfg.Orchestrator.ModificationTimeout.Duration, logger.Named("synchronizer"))
	bus.Observe(sy)

	orch, err := orchestrator.New(&cfg.Orchestrator, fl, sy, bus, logger.Named("orchestrator"))
	if err != nil {
		fl.Shutdown()
		return nil, err
	}
	agent := editor.NewAgent(editor.Passthrough{}, orch, bus, cfg.Orchestrator.ModificationTimeout.Duration, logger.Named("editor"))
	bus.Observe(agent)

	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	return &app{
		cfg:        cfg,
		bus:        bus,
		fleet:      fl,
		sync:       sy,
		orch:       orch,
		agent:      agent,
		sinkCtx:    sinkCtx,
		sinkCancel: sinkCancel,
		logger:     logger,
	}, nil
}

// startSinks attaches the optional consumers of the event bus: the
// execution history store, the Redis stream mirror and chat notifiers.
// Unavailable backends are logged and skipped.
func (a *app) startSinks(ctx context.Context) {
	if dsn := a.cfg.Database.Postgres.DSN; dsn != "" {
		st, err := store.New(ctx, dsn, a.logger.Named("store"))
		switch {
		case err != nil:
			a.logger.Warn("PostgreSQL unavailable, running without history", zap.Error(err))
		default:
			if err := st.Migrate(ctx); err != nil {
				a.logger.Warn("migration failed, running without history", zap.Error(err))
				st.Close()
				break
			}
			a.store = st
			rec := store.NewRecorder(st, a.logger.Named("recorder"))
			a.consume(store.RecordedTypes, rec.Run)
		}
	}

	if url := a.cfg.Database.Redis.URL; url != "" {
		m, err := events.NewRedisMirror(ctx, url, a.cfg.Database.Redis.Stream, a.logger.Named("redis"))
		if err != nil {
			a.logger.Warn("Redis unavailable, events will not be mirrored", zap.Error(err))
		} else {
			a.mirror = m
			a.consume(nil, m.Run)
		}
	}

	b := notify.NewBroadcaster(a.logger.Named("notify"))
	if sc := a.cfg.Notify.Slack; sc.Enabled {
		b.Register(notify.NewSlackNotifier(sc.BotToken, sc.ChannelID, a.logger.Named("slack")))
	}
	if dc := a.cfg.Notify.Discord; dc.Enabled {
		b.Register(notify.NewDiscordNotifier(dc.BotToken, dc.ChannelID, a.logger.Named("discord")))
	}
	if len(b.Platforms()) == 0 {
		return
	}
	if err := b.ConnectAll(ctx); err != nil {
		a.logger.Warn("notifier connect failed, notifications disabled", zap.Error(err))
		_ = b.Close()
		return
	}
	a.notify = b
	a.consume(notify.NotifiedTypes, b.Run)
}

func (a *app) consume(types []events.Type, run func(context.Context, <-chan events.Event)) {
	ch, cancel := a.bus.Subscribe(events.Filter{Types: types}, 256)
	a.unsub = append(a.unsub, cancel)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		run(a.sinkCtx, ch)
	}()
}

// Close shuts the fleet down, then lets the sinks drain what the bus
// already delivered before closing their backends.
func (a *app) Close() {
	a.fleet.Shutdown()
	a.agent.Wait()

	for _, cancel := range a.unsub {
		cancel()
	}
	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(sinkDrainTimeout):
		a.logger.Warn("event sinks did not drain in time")
	}
	a.sinkCancel()

	if a.notify != nil {
		if err := a.notify.Close(); err != nil {
			a.logger.Warn("close notifiers", zap.Error(err))
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if n := a.bus.Dropped(); n > 0 {
		a.logger.Warn("events dropped by slow subscribers", zap.Uint64("count", n))
	}
}
