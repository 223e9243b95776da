package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

const (
	// DefaultSnapshotTTL expires mirrored snapshots of a stopped process
	DefaultSnapshotTTL = 10 * time.Minute
	// DefaultAlertCap is the number of alerts kept in the list
	DefaultAlertCap = 200
)

// ErrNotFound is returned when a snapshot is not mirrored.
var ErrNotFound = errors.New("not found")

// Store mirrors orchestrator snapshots and alerts into Redis. It is a read
// model for external tools; the orchestrators never read it back.
type Store struct {
	client   redis.Cmdable
	ttl      time.Duration
	alertCap int64
}

// NewStore creates a new Redis store
func NewStore(client redis.Cmdable) *Store {
	return &Store{
		client:   client,
		ttl:      DefaultSnapshotTTL,
		alertCap: DefaultAlertCap,
	}
}

// WithTTL overrides the snapshot TTL.
func (s *Store) WithTTL(ttl time.Duration) *Store {
	s.ttl = ttl
	return s
}

// SaveSnapshot stores one snapshot
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	return s.SaveSnapshotsMany(ctx, []domain.Snapshot{snap})
}

// SaveSnapshotsMany stores multiple snapshots in one pipeline
func (s *Store) SaveSnapshotsMany(ctx context.Context, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %s: %w", snap.ServerID, err)
		}
		pipe.Set(ctx, SnapshotKey(snap.ServerID), data, s.ttl)
		pipe.SAdd(ctx, AllSnapshotsKey(), snap.ServerID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshots: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by server ID
func (s *Store) GetSnapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	data, err := s.client.Get(ctx, SnapshotKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}
		return domain.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// GetAllSnapshots retrieves every mirrored snapshot. Expired entries are
// skipped.
func (s *Store) GetAllSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, AllSnapshotsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot IDs: %w", err)
	}

	snaps := make([]domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.GetSnapshot(ctx, id)
		if err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// MirroredIDs returns the IDs present in the snapshot set
func (s *Store) MirroredIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, AllSnapshotsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot IDs: %w", err)
	}
	return ids, nil
}

// DeleteSnapshot removes a server from the mirror
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, SnapshotKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if err := s.client.SRem(ctx, AllSnapshotsKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove snapshot from set: %w", err)
	}
	return nil
}

// PushAlert prepends an alert and trims the list to its cap
func (s *Store) PushAlert(ctx context.Context, a domain.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, AlertsKey(), data)
	pipe.LTrim(ctx, AlertsKey(), 0, s.alertCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push alert: %w", err)
	}
	return nil
}

// RecentAlerts returns up to n alerts, newest first
func (s *Store) RecentAlerts(ctx context.Context, n int64) ([]domain.Alert, error) {
	if n <= 0 {
		return []domain.Alert{}, nil
	}
	raw, err := s.client.LRange(ctx, AlertsKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get alerts: %w", err)
	}

	alerts := make([]domain.Alert, 0, len(raw))
	for _, r := range raw {
		var a domain.Alert
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
