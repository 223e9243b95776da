package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/control"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/lifecycle"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
	"github.com/MrSnakeDoc/autostartstop/internal/schedule"
)

var (
	// ErrUnknownServer is returned when no orchestrator owns the server ID.
	ErrUnknownServer = errors.New("unknown server")
	// ErrInvalidAction is returned for manual overrides other than
	// start/stop/restart.
	ErrInvalidAction = errors.New("invalid action")
	// ErrClosed is returned once Shutdown has been called, or when the
	// orchestrator of a server is stopping.
	ErrClosed = errors.New("dispatcher closed")
)

// AdapterFactory builds the control adapter of a server.
type AdapterFactory func(server domain.ManagedServer) (control.Adapter, error)

// Windows is the part of the cron scheduler the dispatcher drives.
type Windows interface {
	Set(serverID string, defs []domain.Schedule) error
	Remove(serverID string)
}

// Presence is the part of the presence tracker the dispatcher drives.
type Presence interface {
	Forget(serverID string)
}

type member struct {
	server domain.ManagedServer
	inst   *lifecycle.Instance
}

// Dispatcher owns one orchestrator per managed server and routes every event
// to it by server ID.
type Dispatcher struct {
	mu      sync.RWMutex
	members map[string]*member
	closed  bool

	// reconcileMu serializes Reconcile and Shutdown.
	reconcileMu sync.Mutex

	factory  AdapterFactory
	windows  Windows
	presence Presence
	opts     lifecycle.Options
	logger   logger.Logger
}

// New creates an empty dispatcher. Bind must be called before Reconcile.
func New(factory AdapterFactory, opts lifecycle.Options) *Dispatcher {
	return &Dispatcher{
		members: make(map[string]*member),
		factory: factory,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Bind attaches the scheduler and the presence tracker. They are built after
// the dispatcher because the dispatcher is their sink.
func (d *Dispatcher) Bind(windows Windows, presence Presence) {
	d.windows = windows
	d.presence = presence
}

// OnWindowTransition implements schedule.Sink.
func (d *Dispatcher) OnWindowTransition(t domain.WindowTransition) {
	ev := lifecycle.WindowChanged{InWindow: t.InWindow, At: t.At}
	if err := d.Route(t.ServerID, ev); err != nil {
		d.logger.Debug("window transition dropped",
			logger.String("server", t.ServerID),
			logger.Error(err))
	}
}

// OnPresenceChange implements presence.Sink.
func (d *Dispatcher) OnPresenceChange(c domain.PresenceChange) {
	ev := lifecycle.PresenceChanged{Count: c.Count, At: c.At}
	if err := d.Route(c.ServerID, ev); err != nil {
		d.logger.Debug("presence change dropped",
			logger.String("server", c.ServerID),
			logger.Error(err))
	}
}

// Route delivers an event to the orchestrator of serverID.
func (d *Dispatcher) Route(serverID string, ev lifecycle.Event) error {
	d.mu.RLock()
	m, ok := d.members[serverID]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}
	if !m.inst.Post(ev) {
		return fmt.Errorf("%w: %s is shutting down", ErrClosed, serverID)
	}
	return nil
}

// Manual posts an operator override.
func (d *Dispatcher) Manual(serverID string, action domain.Action) error {
	switch action {
	case domain.ActionStart, domain.ActionStop, domain.ActionRestart:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	return d.Route(serverID, lifecycle.ManualOverride{Action: action})
}

// Snapshot returns the state of one server.
func (d *Dispatcher) Snapshot(serverID string) (domain.Snapshot, bool) {
	d.mu.RLock()
	m, ok := d.members[serverID]
	d.mu.RUnlock()
	if !ok {
		return domain.Snapshot{}, false
	}
	return m.inst.Snapshot(), true
}

// Snapshots returns the state of every server sorted by ID.
func (d *Dispatcher) Snapshots() []domain.Snapshot {
	d.mu.RLock()
	out := make([]domain.Snapshot, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m.inst.Snapshot())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Len returns the number of managed servers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

// Result lists what a Reconcile changed.
type Result struct {
	Added   []string
	Updated []string
	Removed []string
}

// Changed reports whether anything was applied.
func (r Result) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

type plan struct {
	server  domain.ManagedServer
	adapter control.Adapter
	windows []*schedule.Window
	prev    *member
}

// Reconcile makes the set of orchestrators match servers. New servers get an
// instance, changed ones are reconfigured in place and missing ones are
// stopped. The whole set is validated first; on any ConfigError nothing is
// applied.
func (d *Dispatcher) Reconcile(ctx context.Context, servers []domain.ManagedServer) (Result, error) {
	d.reconcileMu.Lock()
	defer d.reconcileMu.Unlock()

	if d.windows == nil || d.presence == nil {
		return Result{}, errors.New("dispatcher: Bind was not called")
	}

	d.mu.RLock()
	closed := d.closed
	current := make(map[string]*member, len(d.members))
	for id, m := range d.members {
		current[id] = m
	}
	d.mu.RUnlock()
	if closed {
		return Result{}, ErrClosed
	}

	plans, err := d.plan(servers, current)
	if err != nil {
		return Result{}, err
	}

	var res Result
	wanted := make(map[string]struct{}, len(plans))

	for _, p := range plans {
		id := p.server.ID
		wanted[id] = struct{}{}

		switch {
		case p.prev == nil:
			inst := lifecycle.NewInstance(p.server, p.adapter, d.opts)
			d.seedWindow(inst, p.windows)
			d.mu.Lock()
			d.members[id] = &member{server: p.server, inst: inst}
			d.mu.Unlock()
			inst.Start()
			d.setWindows(id, p.server.Schedules)
			res.Added = append(res.Added, id)

		case !reflect.DeepEqual(p.prev.server, p.server):
			schedulesChanged := !reflect.DeepEqual(p.prev.server.Schedules, p.server.Schedules)
			if schedulesChanged {
				d.seedWindow(p.prev.inst, p.windows)
			}
			p.prev.inst.Reconfigure(p.server, p.adapter)
			if schedulesChanged {
				d.setWindows(id, p.server.Schedules)
			}
			d.mu.Lock()
			p.prev.server = p.server
			d.mu.Unlock()
			res.Updated = append(res.Updated, id)
		}
	}

	var stopErrs []error
	for id, m := range current {
		if _, ok := wanted[id]; ok {
			continue
		}
		d.mu.Lock()
		delete(d.members, id)
		d.mu.Unlock()

		d.windows.Remove(id)
		d.presence.Forget(id)
		if err := m.inst.Stop(ctx); err != nil {
			stopErrs = append(stopErrs, err)
		}
		res.Removed = append(res.Removed, id)
	}

	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Removed)

	if res.Changed() {
		d.logger.Info("servers reconciled",
			logger.Int("added", len(res.Added)),
			logger.Int("updated", len(res.Updated)),
			logger.Int("removed", len(res.Removed)))
	}
	return res, errors.Join(stopErrs...)
}

// plan validates the new definitions and builds adapters where needed.
func (d *Dispatcher) plan(servers []domain.ManagedServer, current map[string]*member) ([]plan, error) {
	var (
		errs  []error
		plans = make([]plan, 0, len(servers))
		seen  = make(map[string]struct{}, len(servers))
	)

	for _, srv := range servers {
		if srv.ID == "" {
			errs = append(errs, domain.NewConfigError("", "id", "server ID must not be empty"))
			continue
		}
		if _, dup := seen[srv.ID]; dup {
			errs = append(errs, domain.NewConfigError(srv.ID, "id", "duplicate server ID"))
			continue
		}
		seen[srv.ID] = struct{}{}

		p := plan{server: srv, prev: current[srv.ID]}
		for _, def := range srv.Schedules {
			w, err := schedule.Parse(def)
			if err != nil {
				var ce *domain.ConfigError
				if errors.As(err, &ce) {
					ce.Server = srv.ID
				}
				errs = append(errs, err)
				continue
			}
			p.windows = append(p.windows, w)
		}

		if p.prev == nil || !reflect.DeepEqual(p.prev.server.ControlAPI, srv.ControlAPI) {
			adapter, err := d.factory(srv)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.adapter = adapter
		}
		plans = append(plans, p)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return plans, nil
}

// seedWindow posts the current window state ahead of the scheduler's next
// pass so a fresh or reconfigured machine never evaluates a stale flag.
func (d *Dispatcher) seedWindow(inst *lifecycle.Instance, windows []*schedule.Window) {
	if len(windows) == 0 {
		return
	}
	now := d.now()
	inside, _ := schedule.Evaluate(windows, now)
	inst.Post(lifecycle.WindowChanged{InWindow: inside, At: now})
}

func (d *Dispatcher) now() time.Time {
	if d.opts.Now != nil {
		return d.opts.Now()
	}
	return time.Now()
}

func (d *Dispatcher) setWindows(id string, defs []domain.Schedule) {
	// Definitions were validated in plan.
	if err := d.windows.Set(id, defs); err != nil {
		d.logger.Error("failed to register schedules", logger.String("server", id), logger.Error(err))
	}
}

// Shutdown stops every orchestrator and rejects further events.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.reconcileMu.Lock()
	defer d.reconcileMu.Unlock()

	d.mu.Lock()
	d.closed = true
	members := d.members
	d.members = make(map[string]*member)
	d.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			if err := m.inst.Stop(ctx); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	d.logger.Info("dispatcher stopped", logger.Int("servers", len(members)))
	return errors.Join(errs...)
}
