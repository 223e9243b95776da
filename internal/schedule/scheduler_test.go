package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.WindowTransition
	ch     chan domain.WindowTransition
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan domain.WindowTransition, 16)}
}

func (r *recordingSink) OnWindowTransition(ev domain.WindowTransition) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func evening() []domain.Schedule {
	return []domain.Schedule{{Expression: "0 18 * * *", Timezone: "UTC", Duration: 2 * time.Hour}}
}

func TestScheduler_StepEmitsOnRegistrationAndChange(t *testing.T) {
	s := NewScheduler(newRecordingSink(), logger.New("error", false), 0)
	require.NoError(t, s.Set("alpha", evening()))

	events, next := s.step(at(t, "2025-06-01T17:00:00Z"))
	require.Len(t, events, 1)
	assert.False(t, events[0].InWindow)
	assert.True(t, next.Equal(at(t, "2025-06-01T18:00:00Z")))

	// No change, nothing emitted.
	events, _ = s.step(at(t, "2025-06-01T17:30:00Z"))
	assert.Empty(t, events)

	events, next = s.step(at(t, "2025-06-01T18:00:00Z"))
	require.Len(t, events, 1)
	assert.True(t, events[0].InWindow)
	assert.Equal(t, "alpha", events[0].ServerID)
	assert.True(t, next.Equal(at(t, "2025-06-01T20:00:00Z")))
	assert.True(t, s.InWindow("alpha"))

	events, _ = s.step(at(t, "2025-06-01T20:00:00Z"))
	require.Len(t, events, 1)
	assert.False(t, events[0].InWindow)
}

func TestScheduler_SetRejectsInvalid(t *testing.T) {
	s := NewScheduler(newRecordingSink(), logger.New("error", false), 0)

	err := s.Set("beta", []domain.Schedule{{Expression: "61 * * * *", Duration: time.Hour}})
	require.Error(t, err)

	var ce *domain.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "beta", ce.Server)

	events, _ := s.step(time.Now())
	assert.Empty(t, events)
}

func TestScheduler_RemoveStopsEmitting(t *testing.T) {
	s := NewScheduler(newRecordingSink(), logger.New("error", false), 0)
	require.NoError(t, s.Set("alpha", evening()))
	s.Remove("alpha")

	events, next := s.step(at(t, "2025-06-01T19:00:00Z"))
	assert.Empty(t, events)
	assert.True(t, next.IsZero())
	assert.False(t, s.InWindow("alpha"))
}

func TestScheduler_RunEmitsRegistration(t *testing.T) {
	sink := newRecordingSink()
	s := NewScheduler(sink, logger.New("error", false), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Registered after the loop is already sleeping: the wake must be seen.
	require.NoError(t, s.Set("alpha", evening()))

	select {
	case ev := <-sink.ch:
		assert.Equal(t, "alpha", ev.ServerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no transition emitted after Set")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
