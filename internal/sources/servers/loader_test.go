package servers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to create test YAML file: %v", err)
	}
	return path
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestLoaderLoad(t *testing.T) {
	path := writeFile(t, `
defaults:
  idle_timeout: 10m
  control_api:
    type: pterodactyl
    panel_url: https://panel.example.com
    api_key: ${PTERO_KEY}
servers:
  survival:
    name: Survival
    schedules:
      - cron: "0 18 * * *"
        timezone: Europe/Paris
        duration: 4h
    control_api:
      server_id: 1a2b3c4d
`)

	file, err := NewLoader(path).WithLookup(env(map[string]string{"PTERO_KEY": "ptlc_secret"})).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := file.Defaults.ControlAPI["api_key"]; got != "ptlc_secret" {
		t.Errorf("api_key = %v, want expanded secret", got)
	}
	if file.Defaults.IdleTimeout == nil || file.Defaults.IdleTimeout.Std() != 10*time.Minute {
		t.Errorf("idle_timeout = %v, want 10m", file.Defaults.IdleTimeout)
	}

	srv, ok := file.Servers["survival"]
	if !ok {
		t.Fatal("Load() lost the survival entry")
	}
	if len(srv.Schedules) != 1 || srv.Schedules[0].Duration.Std() != 4*time.Hour {
		t.Errorf("schedules = %+v", srv.Schedules)
	}
}

func TestLoaderEnvFallbackAndComments(t *testing.T) {
	path := writeFile(t, `
# api_key: ${NOT_EXPANDED_IN_COMMENTS}
servers:
  lobby:
    control_api:
      type: shell
      start_command: ${START_CMD:-./start.sh}
      stop_command: ./stop.sh
`)

	file, err := NewLoader(path).WithLookup(env(nil)).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := file.Servers["lobby"].ControlAPI["start_command"]; got != "./start.sh" {
		t.Errorf("start_command = %v, want fallback", got)
	}
}

func TestLoaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
		wantMsg string
	}{
		{
			name:    "unset variable",
			content: "servers:\n  lobby:\n    control_api:\n      api_key: ${MISSING_ONE}\n      token: ${MISSING_TWO}\n",
			field:   "environment",
			wantMsg: "MISSING_ONE, MISSING_TWO",
		},
		{
			name:    "unknown key",
			content: "servers:\n  lobby:\n    idle_timout: 5m\n",
			field:   "servers",
			wantMsg: "idle_timout",
		},
		{
			name:    "duplicate id",
			content: "servers:\n  lobby: {}\n  lobby: {}\n",
			field:   "servers",
			wantMsg: "already defined",
		},
		{
			name:    "bad duration",
			content: "servers:\n  lobby:\n    cooldown: soon\n",
			field:   "servers",
			wantMsg: "invalid duration",
		},
		{
			name:    "empty file",
			content: "",
			field:   "servers",
			wantMsg: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(writeFile(t, tt.content)).WithLookup(env(nil)).Load()
			if err == nil {
				t.Fatal("Load() expected error")
			}
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Load() error = %T, want *domain.ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"10t", 500 * time.Millisecond, false},
		{"20T", time.Second, false},
		{"500ms", 500 * time.Millisecond, false},
		{"500", 500 * time.Millisecond, false},
		{"5s", 5 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"1h", time.Hour, false},
		{" 3m ", 3 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"0", 0, false},
		{"", 0, true},
		{"-5s", 0, true},
		{"5 minutes", 0, true},
		{"1.5x", 0, true},
		{"9999999999999h", 0, true},
		{"9223372036854775807s", 0, true},
		{"99999999999999999999ms", 0, true},
		{"2562047h", 2562047 * time.Hour, false},
		{"2562048h", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
