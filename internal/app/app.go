package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/autostartstop/internal/config"
	"github.com/MrSnakeDoc/autostartstop/internal/control"
	"github.com/MrSnakeDoc/autostartstop/internal/dispatch"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver"
	"github.com/MrSnakeDoc/autostartstop/internal/httpserver/deps"
	"github.com/MrSnakeDoc/autostartstop/internal/lifecycle"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
	"github.com/MrSnakeDoc/autostartstop/internal/presence"
	"github.com/MrSnakeDoc/autostartstop/internal/redis"
	"github.com/MrSnakeDoc/autostartstop/internal/schedule"
	"github.com/MrSnakeDoc/autostartstop/internal/scheduler"
	redisstore "github.com/MrSnakeDoc/autostartstop/internal/store/redis"
	"github.com/MrSnakeDoc/autostartstop/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	dispatcher  *dispatch.Dispatcher
	cron        *schedule.Scheduler
	reloader    *scheduler.ConfigReloader
	publisher   *scheduler.SnapshotPublisher // nil when Redis is disabled
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Redis is optional: it only mirrors snapshots and alerts
	var redisClient *goredis.Client
	if cfg.RedisEnabled() {
		loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		client, err := redis.New(context.Background(), redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
		loggerClient.Info("Redis initialized successfully")
		redisClient = client
	} else {
		loggerClient.Info("Redis not configured, snapshot mirror disabled")
	}

	return build(cfg, loggerClient, redisClient)
}

// build wires every component. redisClient may be nil.
func build(cfg *config.Config, loggerClient logger.Logger, redisClient *goredis.Client) *App {
	var store *redisstore.Store
	if redisClient != nil {
		store = redisstore.NewStore(redisClient).WithTTL(10 * cfg.PublishInterval)
	}

	// Shared control API collaborators
	controlDeps := control.Deps{
		HTTP:     control.NewHTTPClient(cfg.HTTPTimeout),
		Logger:   loggerClient,
		Throttle: control.NewThrottle(cfg.PanelRatePerSec, cfg.PanelBurst),
	}
	if cfg.StatusCacheTTL > 0 {
		controlDeps.Cache = control.NewStatusCache(cfg.StatusCacheTTL)
	}

	var alertStore dispatch.AlertStore
	if store != nil {
		alertStore = store
	}

	d := dispatch.New(
		func(s domain.ManagedServer) (control.Adapter, error) {
			return control.New(s.ID, s.ControlAPI, controlDeps)
		},
		lifecycle.Options{
			CommandTimeout: cfg.CommandTimeout,
			Logger:         loggerClient,
			Alerts:         dispatch.NewAlertLog(alertStore, loggerClient),
		},
	)

	cron := schedule.NewScheduler(d, loggerClient, cfg.ScheduleResync)
	tracker := presence.NewTracker(d, loggerClient)
	d.Bind(cron, tracker)

	// Create manual reload trigger channel
	reloadTrigger := make(chan struct{}, 1)

	reloader := scheduler.NewConfigReloader(
		cfg.ServersFile,
		d,
		loggerClient,
		cfg.ReloadInterval,
		reloadTrigger,
	)

	var (
		publisher *scheduler.SnapshotPublisher
		mirror    deps.Mirror
	)
	if store != nil {
		publisher = scheduler.NewSnapshotPublisher(d, store, loggerClient, cfg.PublishInterval)
		mirror = store
	}

	// Dependencies passed to routes (extend as needed).
	hd := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
		TimeNow:       time.Now,
		AllowedHosts:  cfg.AllowedHosts,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		APIToken:      cfg.APIToken,
		APIRatePerSec: cfg.APIRatePerSec,
		APIBurst:      cfg.APIBurst,
		Servers:       d,
		Presence:      tracker,
		Reload:        reloader,
		Mirror:        mirror,
		ReloadTrigger: reloadTrigger,
	}

	server := httpserver.New(cfg, loggerClient, hd)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      server,
		redisClient: redisClient,
		dispatcher:  d,
		cron:        cron,
		reloader:    reloader,
		publisher:   publisher,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting autostartstop v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Info(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cron windows are evaluated in their own goroutine
	cronDone := make(chan struct{})
	go func() {
		defer close(cronDone)
		if err := a.cron.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("schedule runner stopped", logger.Error(err))
		}
	}()

	// Load servers.yaml (fails fast on an invalid file) and start periodic reload
	if err := a.reloader.Start(ctx); err != nil {
		stop()
		<-cronDone
		return fmt.Errorf("failed to start config reloader: %w", err)
	}
	a.logger.Info("config reloader started",
		logger.Duration("interval", a.cfg.ReloadInterval),
		logger.Int("servers", a.dispatcher.Len()))

	if a.publisher != nil {
		if err := a.publisher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start snapshot publisher: %w", err)
		}
		a.logger.Info("snapshot publisher started",
			logger.Duration("interval", a.cfg.PublishInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
		a.logger.Error("⏳ Shutting down after server error", logger.Error(runErr))
	}

	// Stop background loops first so nothing reconciles during shutdown
	a.reloader.Stop()
	if a.publisher != nil {
		a.publisher.Stop()
	}
	stop()
	<-cronDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to stop server: %w", err))
	}

	// Cancel in-flight commands and drain every orchestrator
	if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to stop orchestrators: %w", err))
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	if runErr == nil {
		a.logger.Info("✅ autostartstop stopped cleanly")
	}
	_ = a.logger.Sync()
	return runErr
}
