package utils

import (
	"net/http/httptest"
	"testing"
)

func TestIPMatcher(t *testing.T) {
	m := NewIPMatcher([]string{"10.0.0.0/8", " 192.168.1.20 ", "::1", "not-an-ip", ""})

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.20", true},
		{"192.168.1.21", false},
		{"::1", true},
		{"::ffff:10.0.0.1", true},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := m.Allow(tt.ip); got != tt.want {
				t.Errorf("Allow(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}

	if NewIPMatcher(nil).IsEmpty() != true {
		t.Error("empty list should give an empty matcher")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		realIP     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "203.0.113.7:4242", "", "", false, "203.0.113.7"},
		{"headers ignored without trust", "203.0.113.7:4242", "10.0.0.5", "10.0.0.6", false, "203.0.113.7"},
		{"x-real-ip preferred", "127.0.0.1:80", "10.0.0.5", "10.0.0.6", true, "10.0.0.5"},
		{"first forwarded-for", "127.0.0.1:80", "", "10.0.0.6, 172.16.0.1", true, "10.0.0.6"},
		{"invalid header skipped", "127.0.0.1:80", "unknown", "10.0.0.6", true, "10.0.0.6"},
		{"fallback to remote", "127.0.0.1:80", "", "", true, "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/servers", nil)
			r.RemoteAddr = tt.remote
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(r, tt.trustProxy); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
