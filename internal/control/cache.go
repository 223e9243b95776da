package control

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

// StatusCache remembers Status payloads per server for a short time.
// Start and Stop commands evict the entry whatever their outcome.
type StatusCache struct {
	c *cache.Cache
}

// NewStatusCache panics on ttl <= 0, which go-cache would treat as "never expire".
func NewStatusCache(ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		panic("control: status cache ttl must be > 0")
	}
	return &StatusCache{c: cache.New(ttl, 2*ttl)}
}

func (s *StatusCache) Get(serverID string) (domain.StatusPayload, bool) {
	v, ok := s.c.Get(serverID)
	if !ok {
		return domain.StatusPayload{}, false
	}
	return v.(domain.StatusPayload), true
}

func (s *StatusCache) Invalidate(serverID string) {
	s.c.Delete(serverID)
}

func (s *StatusCache) Wrap(next Adapter) Adapter {
	return AdapterFunc(func(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
		if cmd.Action != domain.ActionStatus {
			s.Invalidate(cmd.ServerID)
			return next.Execute(ctx, cmd)
		}

		if p, ok := s.Get(cmd.ServerID); ok {
			return p, nil
		}
		p, err := next.Execute(ctx, cmd)
		if err == nil {
			s.c.SetDefault(cmd.ServerID, p)
		}
		return p, err
	})
}
