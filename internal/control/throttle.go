package control

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
)

// Throttle keeps one token bucket per panel so servers sharing a panel do not
// exceed its request budget. Servers on different panels never wait on each
// other.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewThrottle allows perSecond requests per panel with the given burst.
// perSecond <= 0 disables limiting.
func NewThrottle(perSecond float64, burst int) *Throttle {
	r := rate.Limit(perSecond)
	if perSecond <= 0 {
		r = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        burst,
	}
}

func (t *Throttle) limiter(panel string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[panel]
	if !ok {
		l = rate.NewLimiter(t.r, t.b)
		t.limiters[panel] = l
	}
	return l
}

// Wrap returns an adapter that waits for a token of panel before each call.
func (t *Throttle) Wrap(panel string, next Adapter) Adapter {
	l := t.limiter(panel)
	return AdapterFunc(func(ctx context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
		if err := l.Wait(ctx); err != nil {
			// Wait also fails early when the deadline cannot be met.
			kind := domain.ErrTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = domain.ErrUnknown
			}
			return domain.StatusPayload{}, domain.NewControlError(kind, fmt.Errorf("panel throttle: %w", err))
		}
		return next.Execute(ctx, cmd)
	})
}
