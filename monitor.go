package fxmonitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Monitor wires the perf history, the trace router, the restart scheduler and
// the child supervisor together.
type Monitor struct {
	cfg        *Config
	configPath string
	log        *slog.Logger
	startTime  time.Time

	router      *EventRouter
	history     *PerfHistory
	scheduler   *RestartScheduler
	supervisor  *Supervisor
	broadcaster *Broadcaster
	trigger     RestartTrigger

	closers []io.Closer
}

// New builds a monitor from cfg. configPath is watched for reloads when set.
func New(configPath string, cfg *Config, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		cfg:         cfg,
		configPath:  configPath,
		log:         componentLogger(logger, "monitor"),
		startTime:   time.Now(),
		broadcaster: NewBroadcaster(logger),
	}

	serverLog, err := newRotatingWriter(cfg.Log.ServerLogFile, cfg.Log)
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, serverLog)
	forwarder := NewLogForwarder(serverLog)

	m.router = NewEventRouter(cfg.routerOptions(), RouterHandlers{
		Log: forwarder.Forward,
		Resource: func(ev ResourceEvent) {
			m.log.Info("Resource event", slog.String("event", ev.Event), slog.String("resource", ev.Resource))
		},
		CommandBridge: func(cmd BridgeCommand) {
			m.broadcaster.Publish("command", cmd)
		},
		Alert: func(a RouterAlert) {
			m.broadcaster.Publish("alert", a)
		},
	}, logger)

	announcers := multiAnnouncer{m.broadcaster}
	if cfg.Child.Command != "" {
		childLog, err := newRotatingWriter(cfg.Child.LogFile, cfg.Log)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.closers = append(m.closers, childLog)
		m.supervisor = NewSupervisor(cfg.Child, m.router, childLog, logger)
		m.trigger = m.supervisor
		announcers = append(announcers, m.supervisor)
	} else {
		m.trigger = unmanagedTrigger{log: m.log}
	}

	fetcher := NewHTTPPerfFetcher(cfg.Perf.Host, cfg.Perf.PollTimeout.Std())
	m.history = NewPerfHistory(cfg.PerfHistoryOptions(), fetcher, m.router.Players, logger)
	m.scheduler = NewRestartScheduler(cfg.Restarter.Schedule, m.trigger, announcers, nil, logger)
	m.scheduler.Subscribe(func(st SchedulerStatus) {
		m.broadcaster.Publish("scheduler", st)
	})
	return m, nil
}

// Run starts every loop and blocks until ctx is done or a listener fails.
func (m *Monitor) Run(ctx context.Context) error {
	m.history.Load()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.history.Run(ctx, m.cfg.Perf.CollectInterval.Std())
		return nil
	})
	g.Go(func() error {
		m.scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error { return m.serveMetrics(ctx) })
	g.Go(func() error { return m.serveAPI(ctx) })
	g.Go(func() error {
		if err := m.watchConfig(ctx); err != nil {
			m.log.Warn("Config hot reload disabled", slog.String("err", err.Error()))
		}
		return nil
	})
	if m.supervisor != nil {
		g.Go(func() error {
			if err := m.supervisor.Run(ctx); err != nil {
				m.log.Error("Child supervisor stopped", slog.String("err", err.Error()))
			}
			return nil
		})
	}
	return g.Wait()
}

// Reload re-reads the config file and applies the restart schedule. Skip and
// temporary overrides are reset. Other settings take effect on the next start.
func (m *Monitor) Reload() {
	if m.configPath == "" {
		return
	}
	cfg, err := LoadConfig(m.configPath)
	if err != nil {
		m.log.Warn("Config reload failed; keeping current settings", slog.String("err", err.Error()))
		return
	}
	m.scheduler.UpdateSchedule(cfg.Restarter.Schedule)
	m.log.Info("Config reloaded", slog.String("file", m.configPath))
}

func (m *Monitor) Close() error {
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (m *Monitor) History() *PerfHistory          { return m.history }
func (m *Monitor) Scheduler() *RestartScheduler   { return m.scheduler }
func (m *Monitor) Router() *EventRouter           { return m.router }
func (m *Monitor) Broadcaster() *Broadcaster      { return m.broadcaster }
func (m *Monitor) RestartTrigger() RestartTrigger { return m.trigger }

type multiAnnouncer []Announcer

func (ma multiAnnouncer) Announce(minutes int, message string) {
	for _, a := range ma {
		a.Announce(minutes, message)
	}
}

// unmanagedTrigger is used when the child is started by someone else.
type unmanagedTrigger struct {
	log *slog.Logger
}

func (t unmanagedTrigger) TriggerRestart(internalReason, userReason string) {
	t.log.Warn("Restart requested but no child command is configured",
		slog.String("reason", internalReason), slog.String("message", userReason))
}

// Serve loads the config, sets up logging and runs the monitor until SIGINT or
// SIGTERM. SIGHUP reloads the config.
func Serve(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	m, err := New(configPath, cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	go func() {
		for {
			select {
			case sig := <-sigC:
				if sig == syscall.SIGHUP {
					logger.Info("SIGHUP received, reloading config")
					m.Reload()
					continue
				}
				logger.Info("Shutdown signal received, stopping")
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	logger.Info("fxmonitor starting", slog.String("config", configPath))
	return m.Run(ctx)
}
