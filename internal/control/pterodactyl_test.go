package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

func newTestPterodactyl(t *testing.T, h http.HandlerFunc) *Pterodactyl {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p, err := NewPterodactyl(domain.ControlAPI{
		Type:     TypePterodactyl,
		PanelURL: srv.URL + "/",
		APIKey:   "ptlc_secret",
		ServerID: "1a2b3c4d",
	}, srv.Client(), logger.New("error", false))
	require.NoError(t, err)
	return p
}

func TestPterodactyl_PowerRequest(t *testing.T) {
	var gotSignal, gotAuth, gotAccept, gotPath string
	p := newTestPterodactyl(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotSignal = body["signal"]
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := p.Execute(context.Background(), domain.NewCommand("survival", domain.ActionStart, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "/api/client/servers/1a2b3c4d/power", gotPath)
	assert.Equal(t, "Bearer ptlc_secret", gotAuth)
	assert.Equal(t, pterodactylAccept, gotAccept)
	assert.Equal(t, "start", gotSignal)
}

func TestPterodactyl_Status(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.PanelState
	}{
		{"running", domain.PanelOnline},
		{"starting", domain.PanelStarting},
		{"stopping", domain.PanelStopping},
		{"offline", domain.PanelOffline},
		{"installing", domain.PanelUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p := newTestPterodactyl(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/client/servers/1a2b3c4d/resources", r.URL.Path)
				_, _ = w.Write([]byte(`{"object":"stats","attributes":{"current_state":"` + tt.raw + `"}}`))
			})

			got, err := p.Execute(context.Background(), domain.NewCommand("survival", domain.ActionStatus, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, tt.raw, got.Raw)
		})
	}
}

func TestPterodactyl_ErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		kind       domain.ErrorKind
		retryAfter time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, nil, domain.ErrUnauthorized, 0},
		{"forbidden", http.StatusForbidden, nil, domain.ErrUnauthorized, 0},
		{"not found", http.StatusNotFound, nil, domain.ErrServerNotFound, 0},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "42"}, domain.ErrRateLimited, 42 * time.Second},
		{"rate limited without hint", http.StatusTooManyRequests, nil, domain.ErrRateLimited, 0},
		{"conflict", http.StatusConflict, nil, domain.ErrUnknown, 0},
		{"bad gateway", http.StatusBadGateway, nil, domain.ErrUnreachable, 0},
		{"server error", http.StatusInternalServerError, nil, domain.ErrUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPterodactyl(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			})

			_, err := p.Execute(context.Background(), domain.NewCommand("survival", domain.ActionStop, time.Now()))
			require.Error(t, err)

			var ce *domain.ControlError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.retryAfter, ce.RetryAfter)
		})
	}
}

func TestPterodactyl_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, err := NewPterodactyl(domain.ControlAPI{PanelURL: url, APIKey: "k", ServerID: "s"}, http.DefaultClient, logger.New("error", false))
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), domain.NewCommand("x", domain.ActionStart, time.Now()))
	assert.Equal(t, domain.ErrUnreachable, domain.ControlErrorKind(err))
}

func TestPterodactyl_Timeout(t *testing.T) {
	release := make(chan struct{})
	p := newTestPterodactyl(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Execute(ctx, domain.NewCommand("x", domain.ActionStart, time.Now()))
	assert.Equal(t, domain.ErrTimeout, domain.ControlErrorKind(err))
}

func TestNewPterodactyl_RequiresFields(t *testing.T) {
	_, err := NewPterodactyl(domain.ControlAPI{PanelURL: "https://panel"}, http.DefaultClient, logger.New("error", false))
	var ce *domain.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "control_api.api_key", ce.Field)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
