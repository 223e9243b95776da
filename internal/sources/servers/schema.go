package servers

// File is the top-level structure of servers.yaml.
//
//	defaults:
//	  idle_timeout: 10m
//	  control_api:
//	    type: pterodactyl
//	    panel_url: https://panel.example.com
//	    api_key: ${PTERODACTYL_KEY}
//	servers:
//	  survival:
//	    schedules:
//	      - cron: "0 18 * * *"
//	        timezone: Europe/Paris
//	        duration: 4h
//	    control_api:
//	      server_id: 1a2b3c4d
type File struct {
	Defaults ServerSpec            `yaml:"defaults"`
	Servers  map[string]ServerSpec `yaml:"servers"`
}

// ServerSpec is one server entry. Unset fields fall back to defaults.
type ServerSpec struct {
	Name        string         `yaml:"name,omitempty"`
	Schedules   []ScheduleSpec `yaml:"schedules,omitempty"`
	IdleTimeout *Duration      `yaml:"idle_timeout,omitempty"`
	MinUptime   *Duration      `yaml:"min_uptime,omitempty"`
	Cooldown    *Duration      `yaml:"cooldown,omitempty"`
	Retry       *RetrySpec     `yaml:"retry,omitempty"`
	// ControlAPI stays raw so defaults and server keys merge one by one.
	ControlAPI map[string]any `yaml:"control_api,omitempty"`
}

// ScheduleSpec defines one uptime window.
type ScheduleSpec struct {
	Cron     string   `yaml:"cron"`
	Timezone string   `yaml:"timezone,omitempty"`
	Duration Duration `yaml:"duration"`
	Format   string   `yaml:"format,omitempty"`
}

// RetrySpec overrides the retry policy.
type RetrySpec struct {
	MaxRetries        *int      `yaml:"max_retries,omitempty"`
	BaseDelay         *Duration `yaml:"base_delay,omitempty"`
	MaxDelay          *Duration `yaml:"max_delay,omitempty"`
	Jitter            *float64  `yaml:"jitter,omitempty"`
	RateLimitCooldown *Duration `yaml:"rate_limit_cooldown,omitempty"`
}

// ControlAPISpec is the decoded, merged control_api block.
type ControlAPISpec struct {
	Type string `yaml:"type"`

	PanelURL string `yaml:"panel_url"`
	APIKey   string `yaml:"api_key"`
	ServerID string `yaml:"server_id"`

	ADSURL               string    `yaml:"ads_url"`
	Username             string    `yaml:"username"`
	Password             string    `yaml:"password"`
	Token                string    `yaml:"token"`
	RememberMe           bool      `yaml:"remember_me"`
	Instance             string    `yaml:"instance"`
	StartMode            string    `yaml:"start_mode"`
	StopMode             string    `yaml:"stop_mode"`
	InstanceStartTimeout *Duration `yaml:"instance_start_timeout"`

	StartCommand     string            `yaml:"start_command"`
	StopCommand      string            `yaml:"stop_command"`
	StatusCommand    string            `yaml:"status_command"`
	WorkingDirectory string            `yaml:"working_directory"`
	Environment      map[string]string `yaml:"environment"`
	CommandTimeout   *Duration         `yaml:"command_timeout"`
}
