package domain

import "time"

// ManagedServer is a configured backend instance under lifecycle control.
//
// It is the immutable definition loaded from configuration. Runtime state
// lives in the lifecycle package and is never stored here.
type ManagedServer struct {
	// ─────────────────────────────
	// Identity
	// ─────────────────────────────

	// ID is unique across all managed servers and stable across reloads.
	// It is the name the proxy uses for the backend.
	ID string

	// Name is a human readable label. Defaults to ID.
	Name string

	// ─────────────────────────────
	// Triggers
	// ─────────────────────────────

	// Schedules define the uptime windows. Empty means presence-driven only.
	Schedules []Schedule

	// IdleTimeout stops a running server after that long with no players.
	// Zero disables idle stops.
	IdleTimeout time.Duration

	// MinUptime prevents a scheduled stop right after a start.
	MinUptime time.Duration

	// Cooldown is the minimum gap between a transition and the next
	// automatic command.
	Cooldown time.Duration

	// ─────────────────────────────
	// Retry policy
	// ─────────────────────────────

	Retry RetryPolicy

	// ─────────────────────────────
	// Control
	// ─────────────────────────────

	ControlAPI ControlAPI
}

// HasSchedules reports whether the server has at least one uptime window.
func (s ManagedServer) HasSchedules() bool {
	return len(s.Schedules) > 0
}

// Schedule is one cron-defined uptime window.
// The window opens at every fire of Expression and stays open for Duration.
type Schedule struct {
	Expression string
	Timezone   string
	Duration   time.Duration
	// Format is "unix" (5 fields) or "seconds" (6 fields, leading seconds).
	Format string
}

// RetryPolicy bounds retries of failed start/stop commands.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	RateLimitCooldown time.Duration
}

// DefaultRetryPolicy returns the policy used when a server does not override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         1 * time.Second,
		MaxDelay:          2 * time.Minute,
		Jitter:            0.2,
		RateLimitCooldown: 30 * time.Second,
	}
}

// ControlAPI describes how to reach the panel controlling a server.
type ControlAPI struct {
	// Type is one of "pterodactyl", "amp" or "shell".
	Type string

	// Pterodactyl
	PanelURL string
	APIKey   string
	ServerID string

	// AMP
	ADSURL               string
	Username             string
	Password             string
	Token                string
	RememberMe           bool
	InstanceID           string
	StartMode            string // "instance_and_server" | "server"
	StopMode             string // "instance_and_server" | "server"
	InstanceStartTimeout time.Duration

	// Shell
	StartCommand     string
	StopCommand      string
	StatusCommand    string
	WorkingDirectory string
	Environment      map[string]string
	CommandTimeout   time.Duration
}

// PanelKey identifies the remote endpoint a server is controlled through.
// Servers sharing a panel share its request budget.
func (c ControlAPI) PanelKey() string {
	switch c.Type {
	case "pterodactyl":
		return c.Type + ":" + c.PanelURL
	case "amp":
		return c.Type + ":" + c.ADSURL
	default:
		return c.Type
	}
}
