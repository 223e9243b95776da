package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// DefaultResync caps how long the loop sleeps, so wall-clock jumps are
// noticed even when the next transition is far away.
const DefaultResync = time.Minute

// Sink receives window transitions. Implementations must not block.
type Sink interface {
	OnWindowTransition(domain.WindowTransition)
}

type entry struct {
	windows []*Window
	emitted bool
	inside  bool
}

// Scheduler evaluates every server's windows from the current time on each
// pass and reports state changes to the sink.
type Scheduler struct {
	mu      sync.Mutex
	servers map[string]*entry

	sink   Sink
	logger logger.Logger
	resync time.Duration
	now    func() time.Time
	wake   chan struct{}
}

// NewScheduler creates a scheduler. resync <= 0 uses DefaultResync.
func NewScheduler(sink Sink, log logger.Logger, resync time.Duration) *Scheduler {
	if resync <= 0 {
		resync = DefaultResync
	}
	return &Scheduler{
		servers: make(map[string]*entry),
		sink:    sink,
		logger:  log,
		resync:  resync,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Set replaces the schedules of a server. The current state is emitted on
// the next pass. An empty list removes the server.
func (s *Scheduler) Set(serverID string, defs []domain.Schedule) error {
	if len(defs) == 0 {
		s.Remove(serverID)
		return nil
	}

	windows := make([]*Window, 0, len(defs))
	for _, def := range defs {
		w, err := Parse(def)
		if err != nil {
			var ce *domain.ConfigError
			if errors.As(err, &ce) {
				ce.Server = serverID
			}
			return err
		}
		windows = append(windows, w)
	}

	s.mu.Lock()
	s.servers[serverID] = &entry{windows: windows}
	s.mu.Unlock()

	s.poke()
	return nil
}

// Remove stops evaluating a server. Nothing is emitted.
func (s *Scheduler) Remove(serverID string) {
	s.mu.Lock()
	_, ok := s.servers[serverID]
	delete(s.servers, serverID)
	s.mu.Unlock()

	if ok {
		s.poke()
	}
}

// InWindow reports the last evaluated state of a server.
func (s *Scheduler) InWindow(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.servers[serverID]
	return ok && e.inside
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// step evaluates every server at now and returns the transitions to emit and
// the earliest upcoming change.
func (s *Scheduler) step(now time.Time) ([]domain.WindowTransition, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out      []domain.WindowTransition
		earliest time.Time
	)
	for id, e := range s.servers {
		inside, next := Evaluate(e.windows, now)
		if !e.emitted || inside != e.inside {
			e.emitted = true
			e.inside = inside
			out = append(out, domain.WindowTransition{
				ServerID: id,
				InWindow: inside,
				At:       now,
				Next:     next,
			})
		}
		if !next.IsZero() && (earliest.IsZero() || next.Before(earliest)) {
			earliest = next
		}
	}
	return out, earliest
}

// Run drives the loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("schedule loop started", logger.Duration("resync", s.resync))

	timer := time.NewTimer(s.resync)
	timer.Stop()
	defer timer.Stop()

	for {
		now := s.now()
		events, next := s.step(now)
		for _, ev := range events {
			s.logger.Debug("schedule window changed",
				logger.String("server", ev.ServerID),
				logger.Bool("in_window", ev.InWindow),
				logger.Time("next", ev.Next))
			s.sink.OnWindowTransition(ev)
		}

		wait := s.resync
		if !next.IsZero() {
			if d := next.Sub(now); d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.logger.Info("schedule loop stopped")
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
