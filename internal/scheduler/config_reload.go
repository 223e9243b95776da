package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/dispatch"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
	"github.com/MrSnakeDoc/autostartstop/internal/sources/servers"
)

// Reconciler applies a full set of server definitions.
type Reconciler interface {
	Reconcile(ctx context.Context, servers []domain.ManagedServer) (dispatch.Result, error)
}

// ReloadStatus describes the last reload attempt.
type ReloadStatus struct {
	LastSuccess time.Time `json:"last_success"`
	LastAttempt time.Time `json:"last_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Servers     int       `json:"servers"`
}

// ConfigReloader handles periodic reloading of server definitions
type ConfigReloader struct {
	loader        *servers.Loader
	mapper        *servers.Mapper
	target        Reconciler
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	manualTrigger chan struct{}

	// reloadMu serializes Reload between the loop and direct callers.
	reloadMu sync.Mutex
	mu       sync.RWMutex
	status   ReloadStatus
}

// NewConfigReloader creates a new config reloader. interval <= 0 disables
// periodic reloads; manual triggers still work.
func NewConfigReloader(
	serversFile string,
	target Reconciler,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *ConfigReloader {
	return &ConfigReloader{
		loader:        servers.NewLoader(serversFile),
		mapper:        servers.NewMapper(),
		target:        target,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start loads the file once, failing on any error, then reloads in the
// background.
func (cr *ConfigReloader) Start(ctx context.Context) error {
	// Load immediately on start
	if err := cr.Reload(ctx); err != nil {
		return fmt.Errorf("initial reload failed: %w", err)
	}

	// Start periodic reload
	var ticker *time.Ticker
	if cr.interval > 0 {
		ticker = time.NewTicker(cr.interval)
	}
	go cr.loop(ctx, ticker)

	return nil
}

func (cr *ConfigReloader) loop(ctx context.Context, ticker *time.Ticker) {
	var tick <-chan time.Time
	if ticker != nil {
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			if err := cr.Reload(ctx); err != nil {
				cr.logger.Error("failed to reload servers, keeping current set",
					logger.Error(err))
			}
		case <-cr.manualTrigger:
			cr.logger.Info("manual reload triggered")
			if err := cr.Reload(ctx); err != nil {
				cr.logger.Error("failed to reload servers, keeping current set",
					logger.Error(err))
			}
		case <-cr.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the reloader
func (cr *ConfigReloader) Stop() {
	cr.stopOnce.Do(func() { close(cr.stopCh) })
}

// Reload loads servers.yaml and applies it. A file that fails to load or
// validate leaves the running set untouched.
func (cr *ConfigReloader) Reload(ctx context.Context) error {
	cr.reloadMu.Lock()
	defer cr.reloadMu.Unlock()

	cr.logger.Info("reloading servers", logger.String("file", cr.loader.Path()))
	attempt := time.Now()

	defs, err := cr.load()
	if err == nil {
		var res dispatch.Result
		res, err = cr.target.Reconcile(ctx, defs)
		if err == nil {
			cr.logger.Info("servers applied",
				logger.Int("count", len(defs)),
				logger.Int("added", len(res.Added)),
				logger.Int("updated", len(res.Updated)),
				logger.Int("removed", len(res.Removed)))
		}
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.status.LastAttempt = attempt
	if err != nil {
		cr.status.LastError = err.Error()
		return err
	}
	cr.status.LastSuccess = attempt
	cr.status.LastError = ""
	cr.status.Servers = len(defs)
	return nil
}

func (cr *ConfigReloader) load() ([]domain.ManagedServer, error) {
	file, err := cr.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load servers: %w", err)
	}
	defs, err := cr.mapper.MapServers(file)
	if err != nil {
		return nil, fmt.Errorf("failed to map servers: %w", err)
	}
	return defs, nil
}

// Status returns the outcome of the last reload.
func (cr *ConfigReloader) Status() ReloadStatus {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.status
}
