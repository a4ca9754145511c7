package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis/alerting"
	"aegis/classify"
	"aegis/config"
	"aegis/core"
	"aegis/detect"
	"aegis/ingest"
	"aegis/notify"
	"aegis/sched"
	"aegis/state"
	"aegis/storage"
	"aegis/util/goroutine"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// App holds every wired component of the detection service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite       *storage.SQLite
	RuleStorage  *storage.SQLiteRuleStorage
	AlertStorage *storage.SQLiteAlertStorage
	RunStates    *storage.SQLiteRunStateStorage
	ClickHouse   *storage.ClickHouse
	EventStorage *storage.ClickHouseEventStorage
	StateStore   *state.RedisStore

	Stream    *ingest.Stream
	Snapshot  *detect.SnapshotCache
	Matcher   *detect.Matcher
	Evaluator *sched.Evaluator
	Emitter   *alerting.Emitter

	eventCh       chan *core.Event
	metricsServer *http.Server
}

// NewApp loads configuration and wires all components. Nothing starts
// running until Start.
func NewApp(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	sqlite, err := storage.NewSQLite(cfg.SQLite.Path, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	ruleStorage := storage.NewSQLiteRuleStorage(sqlite, sugar)
	alertStorage := storage.NewSQLiteAlertStorage(sqlite, sugar)
	runStates := storage.NewSQLiteRunStateStorage(sqlite, sugar)

	clickhouse, err := storage.NewClickHouse(cfg, sugar)
	if err != nil {
		_ = sqlite.Close()
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	stateStore := state.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
	if err := stateStore.Ping(ctx); err != nil {
		// Fail-open store: log and continue, detection degrades instead
		// of the service refusing to start.
		sugar.Warnw("State store unreachable at startup, stateful rules degraded", "error", err)
	}

	opts := classify.Options{RegexTimeout: cfg.Rules.RegexTimeout}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Alerts.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Alerts.WebhookURL, cfg.Alerts.NotifyTimeout, sugar)
	}
	emitter := alerting.NewEmitter(alertStorage, notifier, cfg.Alerts.NotifyTimeout, sugar)

	stream := ingest.NewStream(cfg.Stream.Partitions, cfg.Stream.PartitionSize, sugar)
	eventCh := make(chan *core.Event, cfg.Stream.PartitionSize)
	eventStorage := storage.NewClickHouseEventStorage(ctx, clickhouse, cfg, eventCh, sugar)

	snapshot := detect.NewSnapshotCache(ruleStorage, cfg.Matcher.SnapshotRefresh, opts, sugar)
	matcher, err := detect.NewMatcher(snapshot, stateStore, emitter, stream.Partitions(), eventCh, cfg.Matcher.DedupCacheSize, sugar)
	if err != nil {
		_ = sqlite.Close()
		_ = clickhouse.Close()
		return nil, fmt.Errorf("failed to build stream matcher: %w", err)
	}

	evaluator := sched.NewEvaluator(sched.Config{
		Tick:        cfg.Scheduler.Tick,
		RunTimeout:  cfg.Scheduler.RunTimeout,
		MaxLookback: cfg.Scheduler.MaxLookback,
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
	}, ruleStorage, eventStorage, runStates, stateStore, emitter, opts, sugar)

	app := &App{
		Config:       cfg,
		Logger:       logger,
		Sugar:        sugar,
		SQLite:       sqlite,
		RuleStorage:  ruleStorage,
		AlertStorage: alertStorage,
		RunStates:    runStates,
		ClickHouse:   clickhouse,
		EventStorage: eventStorage,
		StateStore:   stateStore,
		Stream:       stream,
		Snapshot:     snapshot,
		Matcher:      matcher,
		Evaluator:    evaluator,
		Emitter:      emitter,
		eventCh:      eventCh,
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		app.metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	}
	return app, nil
}

// Start brings every component up. The initial snapshot load is blocking so
// the matcher never runs with an empty rule set on a populated database.
func (a *App) Start(ctx context.Context) error {
	if err := a.Snapshot.Refresh(ctx); err != nil {
		a.Sugar.Warnw("Initial rule snapshot load failed, matcher starts empty", "error", err)
	}
	a.Snapshot.Start(ctx)
	a.EventStorage.Start()
	a.Matcher.Start()
	a.Evaluator.Start(ctx)

	if a.metricsServer != nil {
		go func() {
			defer goroutine.Recover("metrics-server", a.Sugar)
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.Sugar.Errorw("Metrics server failed", "error", err)
			}
		}()
	}

	a.Sugar.Infow("Detection service started",
		"partitions", a.Config.Stream.Partitions,
		"scheduler_tick", a.Config.Scheduler.Tick)
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops components in dependency order: intake first, then the
// engines, then the stores they write to.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Stop intake; matcher workers drain their partitions and exit.
	a.Stream.Close()
	a.Matcher.Stop()

	a.Evaluator.Stop()
	a.Snapshot.Stop()

	// Matcher is stopped, nothing writes to the event channel anymore.
	close(a.eventCh)
	a.EventStorage.Stop()

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Warnw("Metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	if err := a.StateStore.Close(); err != nil {
		a.Sugar.Warnw("State store close failed", "error", err)
	}
	if err := a.ClickHouse.Close(); err != nil {
		a.Sugar.Warnw("ClickHouse close failed", "error", err)
	}
	if err := a.SQLite.Close(); err != nil {
		a.Sugar.Warnw("SQLite close failed", "error", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
