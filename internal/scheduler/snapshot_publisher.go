package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// DefaultPublishInterval is how often snapshots are mirrored
const DefaultPublishInterval = 5 * time.Second

// Snapshotter exposes the live orchestrator state.
type Snapshotter interface {
	Snapshots() []domain.Snapshot
}

// SnapshotStore is the mirror snapshots are written to.
type SnapshotStore interface {
	SaveSnapshotsMany(ctx context.Context, snaps []domain.Snapshot) error
	MirroredIDs(ctx context.Context) ([]string, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// SnapshotPublisher periodically mirrors snapshots into the store and
// removes servers that are no longer managed.
type SnapshotPublisher struct {
	source   Snapshotter
	store    SnapshotStore
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSnapshotPublisher creates a new snapshot publisher
func NewSnapshotPublisher(
	source Snapshotter,
	store SnapshotStore,
	log logger.Logger,
	interval time.Duration,
) *SnapshotPublisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}

	return &SnapshotPublisher{
		source:   source,
		store:    store,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic publish process
func (sp *SnapshotPublisher) Start(ctx context.Context) error {
	// Run immediately on start
	if err := sp.Publish(ctx); err != nil {
		sp.logger.Warn("initial snapshot publish failed",
			logger.Error(err))
	}

	// Start periodic publishing
	ticker := time.NewTicker(sp.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sp.Publish(ctx); err != nil {
					sp.logger.Warn("snapshot publish failed",
						logger.Error(err))
				}
			case <-sp.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the publisher
func (sp *SnapshotPublisher) Stop() {
	sp.stopOnce.Do(func() { close(sp.stopCh) })
}

// Publish writes every snapshot and deletes mirrored servers that are gone.
func (sp *SnapshotPublisher) Publish(ctx context.Context) error {
	snaps := sp.source.Snapshots()

	if err := sp.store.SaveSnapshotsMany(ctx, snaps); err != nil {
		return fmt.Errorf("failed to save snapshots: %w", err)
	}

	live := make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		live[s.ServerID] = struct{}{}
	}

	mirrored, err := sp.store.MirroredIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mirrored snapshots: %w", err)
	}

	deleted := 0
	for _, id := range mirrored {
		if _, ok := live[id]; ok {
			continue
		}
		if err := sp.store.DeleteSnapshot(ctx, id); err != nil {
			sp.logger.Warn("failed to delete stale snapshot",
				logger.String("server", id),
				logger.Error(err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		sp.logger.Info("removed snapshots of unmanaged servers",
			logger.Int("deleted", deleted))
	} else {
		sp.logger.Debug("snapshots published", logger.Int("count", len(snaps)))
	}
	return nil
}
