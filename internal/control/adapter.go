package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// Adapter sends one command to a control API. It never retries; every
// failure is returned as a *domain.ControlError.
type Adapter interface {
	Execute(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error)

func (f AdapterFunc) Execute(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
	return f(ctx, cmd)
}

const (
	TypePterodactyl = "pterodactyl"
	TypeAMP         = "amp"
	TypeShell       = "shell"
)

// Deps are the shared collaborators adapters are built with.
type Deps struct {
	HTTP     *http.Client
	Logger   logger.Logger
	Throttle *Throttle    // optional
	Cache    *StatusCache // optional
}

// New builds the adapter for a server's control API and wraps it with the
// shared throttle and status cache when present.
func New(serverID string, api domain.ControlAPI, deps Deps) (Adapter, error) {
	if deps.HTTP == nil {
		deps.HTTP = NewHTTPClient(30 * time.Second)
	}
	log := deps.Logger.With(logger.String("server", serverID), logger.String("api", api.Type))

	var (
		base Adapter
		err  error
	)
	switch strings.ToLower(api.Type) {
	case TypePterodactyl:
		base, err = NewPterodactyl(api, deps.HTTP, log)
	case TypeAMP:
		base, err = NewAMP(api, deps.HTTP, log)
	case TypeShell:
		base, err = NewShell(api, log)
	case "":
		return nil, domain.NewConfigError(serverID, "control_api.type", "missing")
	default:
		return nil, domain.NewConfigError(serverID, "control_api.type", "unknown type %q", api.Type)
	}
	if err != nil {
		var ce *domain.ConfigError
		if errors.As(err, &ce) {
			ce.Server = serverID
			return nil, ce
		}
		return nil, &domain.ConfigError{Server: serverID, Field: "control_api", Err: err}
	}

	adapter := base
	if deps.Throttle != nil {
		adapter = deps.Throttle.Wrap(api.PanelKey(), adapter)
	}
	if deps.Cache != nil {
		adapter = deps.Cache.Wrap(adapter)
	}
	return adapter, nil
}

// NewHTTPClient returns the client shared by HTTP based adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: timeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ─────────────────────────────────────────────────────────────────
// Error classification
// ─────────────────────────────────────────────────────────────────

// transportError classifies an error from http.Client.Do or exec.
func transportError(ctx context.Context, err error) *domain.ControlError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewControlError(domain.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewControlError(domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewControlError(domain.ErrUnknown, err)
	}
	return domain.NewControlError(domain.ErrUnreachable, err)
}

// statusError classifies a non-success HTTP status.
func statusError(resp *http.Response, now time.Time) *domain.ControlError {
	err := fmt.Errorf("unexpected status %d", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.NewControlError(domain.ErrUnauthorized, err)
	case http.StatusNotFound:
		return domain.NewControlError(domain.ErrServerNotFound, err)
	case http.StatusTooManyRequests:
		ce := domain.NewControlError(domain.ErrRateLimited, err)
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
		return ce
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.NewControlError(domain.ErrUnreachable, err)
	default:
		return domain.NewControlError(domain.ErrUnknown, err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero if absent.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
