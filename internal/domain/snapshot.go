package domain

import "time"

// Phase is the lifecycle phase of a managed server.
type Phase string

const (
	PhaseStopped     Phase = "stopped"
	PhaseStarting    Phase = "starting"
	PhaseRunning     Phase = "running"
	PhaseStopping    Phase = "stopping"
	PhaseStartFailed Phase = "start_failed"
	PhaseStopFailed  Phase = "stop_failed"
)

// LogicallyRunning reports whether the orchestrator must assume the backend
// process is up. A failed stop is never treated as stopped.
func (p Phase) LogicallyRunning() bool {
	switch p {
	case PhaseRunning, PhaseStopping, PhaseStopFailed:
		return true
	default:
		return false
	}
}

// Snapshot is a read-only copy of one orchestrator's state.
type Snapshot struct {
	ServerID         string    `json:"server_id"`
	Name             string    `json:"name"`
	Phase            Phase     `json:"phase"`
	PlayerCount      int       `json:"player_count"`
	InWindow         bool      `json:"in_window"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	LastSuccessAt    time.Time `json:"last_success_at,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	Pending          bool      `json:"pending"`
	PendingAction    Action    `json:"pending_action,omitempty"`
	FailureCount     int       `json:"failure_count"`
	LastError        string    `json:"last_error,omitempty"`
	Queued           Action    `json:"queued,omitempty"`
}

// AlertKind classifies alerts.
type AlertKind string

const (
	AlertStartFailed AlertKind = "start_failed"
	AlertStopFailed  AlertKind = "stop_failed"
	AlertInvariant   AlertKind = "invariant"
)

// Alert is surfaced when a server needs operator attention.
type Alert struct {
	ServerID  string    `json:"server_id"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
