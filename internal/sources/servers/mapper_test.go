package servers

import (
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

func decode(t *testing.T, content string) File {
	t.Helper()
	var f File
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	return f
}

func TestMapServers(t *testing.T) {
	file := decode(t, `
defaults:
  idle_timeout: 10m
  min_uptime: 5m
  retry:
    max_retries: 3
    base_delay: 2s
  control_api:
    type: AMP
    ads_url: http://ads.local:8080
    username: admin
    password: hunter2
    start_mode: server
servers:
  survival:
    name: Survival
    schedules:
      - cron: "0 18 * * *"
        timezone: UTC+2
        duration: 4h
    retry:
      jitter: 0
    control_api:
      instance: Survival01
      instance_start_timeout: 45s
  lobby:
    idle_timeout: 0
    cooldown: 600t
    control_api:
      type: shell
      start_command: ./start.sh
      stop_command: ./stop.sh
      environment:
        JAVA_OPTS: -Xmx2G
`)

	servers, err := NewMapper().MapServers(file)
	if err != nil {
		t.Fatalf("MapServers() error = %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("MapServers() returned %d servers, want 2", len(servers))
	}

	lobby, survival := servers[0], servers[1]
	if lobby.ID != "lobby" || survival.ID != "survival" {
		t.Fatalf("servers not sorted by ID: %s, %s", lobby.ID, survival.ID)
	}

	// lobby: explicit overrides and defaults.
	if lobby.Name != "lobby" {
		t.Errorf("lobby.Name = %q, want ID fallback", lobby.Name)
	}
	if lobby.IdleTimeout != 0 {
		t.Errorf("lobby.IdleTimeout = %v, want explicit 0", lobby.IdleTimeout)
	}
	if lobby.Cooldown != 30*time.Second {
		t.Errorf("lobby.Cooldown = %v, want 30s", lobby.Cooldown)
	}
	if lobby.MinUptime != 5*time.Minute {
		t.Errorf("lobby.MinUptime = %v, want default 5m", lobby.MinUptime)
	}
	if lobby.ControlAPI.Type != "shell" || lobby.ControlAPI.StartCommand != "./start.sh" {
		t.Errorf("lobby.ControlAPI = %+v", lobby.ControlAPI)
	}
	if lobby.ControlAPI.Environment["JAVA_OPTS"] != "-Xmx2G" {
		t.Errorf("lobby environment = %v", lobby.ControlAPI.Environment)
	}
	if lobby.HasSchedules() {
		t.Error("lobby should have no schedules")
	}

	// survival: control_api keys merged one by one.
	api := survival.ControlAPI
	if api.Type != "amp" || api.ADSURL != "http://ads.local:8080" || api.InstanceID != "Survival01" {
		t.Errorf("survival.ControlAPI = %+v", api)
	}
	if api.StartMode != "server" || api.InstanceStartTimeout != 45*time.Second {
		t.Errorf("survival AMP options = %q, %v", api.StartMode, api.InstanceStartTimeout)
	}
	if survival.IdleTimeout != 10*time.Minute {
		t.Errorf("survival.IdleTimeout = %v, want default 10m", survival.IdleTimeout)
	}

	want := domain.RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          2 * time.Minute,
		Jitter:            0,
		RateLimitCooldown: 30 * time.Second,
	}
	if survival.Retry != want {
		t.Errorf("survival.Retry = %+v, want %+v", survival.Retry, want)
	}

	if len(survival.Schedules) != 1 {
		t.Fatalf("survival.Schedules = %+v", survival.Schedules)
	}
	s := survival.Schedules[0]
	if s.Expression != "0 18 * * *" || s.Timezone != "UTC+2" || s.Duration != 4*time.Hour {
		t.Errorf("survival schedule = %+v", s)
	}
}

func TestMapServersScheduleInheritance(t *testing.T) {
	file := decode(t, `
defaults:
  schedules:
    - cron: "@daily"
      duration: 2h
  control_api: {type: shell, start_command: a, stop_command: b}
servers:
  inherits: {}
  optout:
    schedules: []
`)

	servers, err := NewMapper().MapServers(file)
	if err != nil {
		t.Fatalf("MapServers() error = %v", err)
	}
	if !servers[0].HasSchedules() {
		t.Error("inherits should get the default schedule")
	}
	if servers[1].HasSchedules() {
		t.Error("an explicit empty list should not inherit")
	}
}

func TestMapServersErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{
			name:    "no servers",
			content: "defaults: {}\n",
			field:   "servers",
		},
		{
			name:    "invalid id",
			content: "servers:\n  'bad id':\n    control_api: {type: shell}\n",
			field:   "id",
		},
		{
			name:    "case-insensitive duplicate",
			content: "servers:\n  Lobby:\n    control_api: {type: shell}\n  lobby:\n    control_api: {type: shell}\n",
			field:   "id",
		},
		{
			name:    "missing control api",
			content: "servers:\n  lobby: {}\n",
			field:   "control_api",
		},
		{
			name:    "missing type",
			content: "servers:\n  lobby:\n    control_api: {panel_url: x}\n",
			field:   "control_api.type",
		},
		{
			name:    "unknown control api key",
			content: "servers:\n  lobby:\n    control_api: {type: shell, strat_command: x}\n",
			field:   "control_api",
		},
		{
			name:    "bad cron",
			content: "servers:\n  lobby:\n    schedules: [{cron: 'every day', duration: 1h}]\n    control_api: {type: shell}\n",
			field:   "schedules[0].expression",
		},
		{
			name:    "bad timezone",
			content: "servers:\n  lobby:\n    schedules: [{cron: '@daily', timezone: Mars/Olympus, duration: 1h}]\n    control_api: {type: shell}\n",
			field:   "schedules[0].timezone",
		},
		{
			name:    "zero window",
			content: "servers:\n  lobby:\n    schedules: [{cron: '@daily', duration: 0}]\n    control_api: {type: shell}\n",
			field:   "schedules[0].duration",
		},
		{
			name:    "negative retries",
			content: "servers:\n  lobby:\n    retry: {max_retries: -1}\n    control_api: {type: shell}\n",
			field:   "retry.max_retries",
		},
		{
			name:    "max below base",
			content: "servers:\n  lobby:\n    retry: {base_delay: 1m, max_delay: 1s}\n    control_api: {type: shell}\n",
			field:   "retry.max_delay",
		},
		{
			name:    "jitter out of range",
			content: "servers:\n  lobby:\n    retry: {jitter: 1.5}\n    control_api: {type: shell}\n",
			field:   "retry.jitter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMapper().MapServers(decode(t, tt.content))
			if err == nil {
				t.Fatal("MapServers() expected error")
			}
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("MapServers() error = %T, want *domain.ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q (%v)", ce.Field, tt.field, err)
			}
		})
	}
}

func TestMapServersReportsEveryServer(t *testing.T) {
	file := decode(t, `
servers:
  a: {}
  b: {}
  c: {control_api: {type: shell}}
`)
	_, err := NewMapper().MapServers(file)
	if err == nil {
		t.Fatal("MapServers() expected error")
	}
	msg := err.Error()
	for _, id := range []string{`"a"`, `"b"`} {
		if !strings.Contains(msg, id) {
			t.Errorf("error does not mention server %s: %v", id, msg)
		}
	}
}
