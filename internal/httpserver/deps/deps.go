package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
	"github.com/MrSnakeDoc/autostartstop/internal/scheduler"
)

// Servers is the orchestrator surface the API reads and commands.
type Servers interface {
	Snapshot(id string) (domain.Snapshot, bool)
	Snapshots() []domain.Snapshot
	Manual(id string, action domain.Action) error
	Len() int
}

// Presence receives player events from the proxy.
type Presence interface {
	OnPlayerConnect(serverID, playerID string)
	OnPlayerDisconnect(serverID, playerID string)
	OnPlayerSwitch(from, to, playerID string)
}

// ReloadStatus exposes the outcome of the last servers.yaml reload.
type ReloadStatus interface {
	Status() scheduler.ReloadStatus
}

// Mirror is the optional Redis read model.
type Mirror interface {
	Ping(ctx context.Context) error
	RecentAlerts(ctx context.Context, n int64) ([]domain.Alert, error)
}

type Deps struct {
	Logger        logger.Logger
	StartTime     time.Time
	Version       string
	Commit        string
	BuildDate     string
	GoVersion     string
	TimeNow       func() time.Time // for testing, defaults to time.Now
	AllowedHosts  []string         // Host headers allowed to access the server
	AllowedCIDRS  []string         // IPs allowed to access readyz and /api
	TrustProxy    bool             // true if running behind a trusted reverse proxy (e.g., velocity host + nginx)
	APIToken      string           // bearer token required on /api (empty = no auth)
	APIRatePerSec float64          // per-client request rate on /api
	APIBurst      int              // per-client burst on /api
	Servers       Servers          // managed servers (dispatcher)
	Presence      Presence         // player presence tracker
	Reload        ReloadStatus     // servers.yaml reloader
	Mirror        Mirror           // Redis mirror, nil when disabled
	ReloadTrigger chan struct{}    // Channel to trigger manual servers reload
}

// Now returns TimeNow() or time.Now().
func (d Deps) Now() time.Time {
	if d.TimeNow != nil {
		return d.TimeNow()
	}
	return time.Now()
}
