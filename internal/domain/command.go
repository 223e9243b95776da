package domain

import (
	"time"

	"github.com/google/uuid"
)

// Action is what a ControlCommand asks the panel to do.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionStatus Action = "status"

	// ActionRestart is a manual override only. The orchestrator turns it
	// into a stop followed by a start; adapters never receive it.
	ActionRestart Action = "restart"
)

// Opposite returns the reverse direction of a start/stop action.
func (a Action) Opposite() Action {
	switch a {
	case ActionStart:
		return ActionStop
	case ActionStop:
		return ActionStart
	default:
		return a
	}
}

// ControlCommand is a single request to the control API.
type ControlCommand struct {
	ServerID      string
	Action        Action
	IssuedAt      time.Time
	CorrelationID string
}

// NewCommand builds a command with a fresh correlation ID.
func NewCommand(serverID string, action Action, now time.Time) ControlCommand {
	return ControlCommand{
		ServerID:      serverID,
		Action:        action,
		IssuedAt:      now,
		CorrelationID: uuid.NewString(),
	}
}

// PanelState is the normalized state reported by a control API.
type PanelState string

const (
	PanelUnknown  PanelState = "unknown"
	PanelOffline  PanelState = "offline"
	PanelStarting PanelState = "starting"
	PanelStopping PanelState = "stopping"
	PanelOnline   PanelState = "online"
	PanelFailed   PanelState = "failed"
)

// StatusPayload is the optional result body of a successful command.
type StatusPayload struct {
	State PanelState `json:"state"`
	// Raw is the panel specific state string, kept for logs.
	Raw string `json:"raw,omitempty"`
}

// ─────────────────────────────────────────────────────────────────
// Producer events
// ─────────────────────────────────────────────────────────────────

// WindowTransition is emitted by the cron scheduler when a server's
// aggregated window state changes.
type WindowTransition struct {
	ServerID string
	InWindow bool
	At       time.Time
	// Next is when the state is expected to change again (zero if never).
	Next time.Time
}

// PresenceChange is emitted by the presence tracker on 0→1 and 1→0.
type PresenceChange struct {
	ServerID string
	Count    int
	At       time.Time
}
