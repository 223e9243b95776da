package lifecycle

import (
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

// Event is anything an orchestrator reacts to. Events for one server are
// handled one at a time, in arrival order.
type Event interface {
	event()
}

// WindowChanged reports the aggregated schedule window state.
type WindowChanged struct {
	InWindow bool
	At       time.Time
}

// PresenceChanged reports the player count after a 0→1 or 1→0 edge.
type PresenceChanged struct {
	Count int
	At    time.Time
}

// CommandResolved carries the outcome of a control API call.
type CommandResolved struct {
	Command domain.ControlCommand
	Payload domain.StatusPayload
	Err     error
}

// TimerKind names the timers an orchestrator may arm.
type TimerKind string

const (
	TimerIdle     TimerKind = "idle"
	TimerBackoff  TimerKind = "backoff"
	TimerGuard    TimerKind = "min_uptime"
	TimerCooldown TimerKind = "cooldown"
)

// TimerFired is posted when a timer elapses. A token that no longer matches
// the armed one means the timer was canceled or replaced.
type TimerFired struct {
	Kind  TimerKind
	Token uint64
}

// ManualOverride is an operator request. It bypasses cooldown and resets the
// failure counter.
type ManualOverride struct {
	Action domain.Action
}

// ConfigChanged replaces the server definition in place.
type ConfigChanged struct {
	Server domain.ManagedServer
}

func (WindowChanged) event()   {}
func (PresenceChanged) event() {}
func (CommandResolved) event() {}
func (TimerFired) event()      {}
func (ManualOverride) event()  {}
func (ConfigChanged) event()   {}

// Effects is how a Machine acts on the outside world. The Instance runs them
// for real; tests record them.
type Effects interface {
	Issue(cmd domain.ControlCommand)
	Arm(kind TimerKind, token uint64, after time.Duration)
	Cancel(kind TimerKind)
	Alert(a domain.Alert)
}
