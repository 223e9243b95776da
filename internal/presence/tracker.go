package presence

import (
	"sync"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// Sink receives presence changes. Implementations must not block.
type Sink interface {
	OnPresenceChange(domain.PresenceChange)
}

// Tracker keeps the set of connected players per server and reports when a
// server becomes occupied (0→1) or empty (1→0).
type Tracker struct {
	mu      sync.Mutex
	players map[string]map[string]struct{}

	sink   Sink
	logger logger.Logger
	now    func() time.Time
}

func NewTracker(sink Sink, log logger.Logger) *Tracker {
	return &Tracker{
		players: make(map[string]map[string]struct{}),
		sink:    sink,
		logger:  log,
		now:     time.Now,
	}
}

// OnPlayerConnect records a player joining serverID. Repeated connects of the
// same player are ignored.
func (t *Tracker) OnPlayerConnect(serverID, playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connect(serverID, playerID)
}

// OnPlayerDisconnect records a player leaving serverID.
func (t *Tracker) OnPlayerDisconnect(serverID, playerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnect(serverID, playerID)
}

// OnPlayerSwitch moves a player between servers in one update.
// An empty from is a plain connect.
func (t *Tracker) OnPlayerSwitch(from, to, playerID string) {
	if from == to {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if from != "" {
		t.disconnect(from, playerID)
	}
	if to != "" {
		t.connect(to, playerID)
	}
}

// Count returns the number of connected players.
func (t *Tracker) Count(serverID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.players[serverID])
}

// Counts returns a copy of every non-zero count.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.players))
	for id, set := range t.players {
		if len(set) > 0 {
			out[id] = len(set)
		}
	}
	return out
}

// Forget drops all presence data of a removed server without emitting.
func (t *Tracker) Forget(serverID string) {
	t.mu.Lock()
	delete(t.players, serverID)
	t.mu.Unlock()
}

// connect and disconnect run with t.mu held. Edges are emitted under the
// lock so the sink sees them in update order.
func (t *Tracker) connect(serverID, playerID string) {
	set, ok := t.players[serverID]
	if !ok {
		set = make(map[string]struct{})
		t.players[serverID] = set
	}
	if _, dup := set[playerID]; dup {
		t.logger.Debug("duplicate connect ignored",
			logger.String("server", serverID),
			logger.String("player", playerID))
		return
	}

	set[playerID] = struct{}{}
	if len(set) == 1 {
		t.sink.OnPresenceChange(domain.PresenceChange{ServerID: serverID, Count: 1, At: t.now()})
	}
}

func (t *Tracker) disconnect(serverID, playerID string) {
	set := t.players[serverID]
	if _, ok := set[playerID]; !ok {
		v := &domain.InvariantViolation{Server: serverID, What: "disconnect of unknown player " + playerID}
		t.logger.Warn("presence anomaly", logger.Error(v))
		return
	}

	delete(set, playerID)
	if len(set) == 0 {
		t.sink.OnPresenceChange(domain.PresenceChange{ServerID: serverID, Count: 0, At: t.now()})
	}
}
