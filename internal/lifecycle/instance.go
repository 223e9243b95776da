package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/control"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

const defaultCommandTimeout = 30 * time.Second

// AlertSink receives alerts raised by orchestrators. It must not block.
type AlertSink interface {
	OnAlert(domain.Alert)
}

// Options configure an Instance.
type Options struct {
	CommandTimeout time.Duration
	Logger         logger.Logger
	Alerts         AlertSink
	Now            func() time.Time
}

// Instance owns one Machine and its goroutine. Every input goes through an
// unbounded FIFO mailbox; the machine, its timers and the adapter reference
// are only touched by the instance goroutine.
type Instance struct {
	id      string
	machine *Machine
	adapter control.Adapter
	timeout time.Duration
	alerts  AlertSink
	logger  logger.Logger

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}

	timers map[TimerKind]*time.Timer
	snap   atomic.Pointer[domain.Snapshot]

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	done     chan struct{}
}

// reconfigure swaps the definition and adapter together.
type reconfigure struct {
	server  domain.ManagedServer
	adapter control.Adapter
}

func (reconfigure) event() {}

// NewInstance builds an instance. Call Start to run it.
func NewInstance(server domain.ManagedServer, adapter control.Adapter, opts Options) *Instance {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	log := opts.Logger.With(logger.String("server", server.ID))
	ctx, cancel := context.WithCancel(context.Background())

	i := &Instance{
		id:      server.ID,
		adapter: adapter,
		timeout: timeout,
		alerts:  opts.Alerts,
		logger:  log,
		notify:  make(chan struct{}, 1),
		timers:  make(map[TimerKind]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	i.machine = NewMachine(server, effects{i}, log, opts.Now)
	i.publish()
	return i
}

// ID returns the server ID.
func (i *Instance) ID() string { return i.id }

// Start launches the instance goroutine and the initial status sync.
func (i *Instance) Start() {
	go i.loop()
}

// Post enqueues an event. It never blocks and returns false once the
// instance is stopped.
func (i *Instance) Post(ev Event) bool {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return false
	}
	i.queue = append(i.queue, ev)
	i.mu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}
	return true
}

// Reconfigure replaces the server definition and adapter without losing state.
func (i *Instance) Reconfigure(server domain.ManagedServer, adapter control.Adapter) bool {
	return i.Post(reconfigure{server: server, adapter: adapter})
}

// Snapshot returns the last published state.
func (i *Instance) Snapshot() domain.Snapshot {
	return *i.snap.Load()
}

// Stop discards pending events, cancels in-flight commands and timers, and
// waits for the goroutine to exit or ctx to end.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.queue = nil
	i.mu.Unlock()
	i.cancel()

	select {
	case <-i.done:
	case <-ctx.Done():
		return fmt.Errorf("instance %s: %w", i.id, ctx.Err())
	}

	waited := make(chan struct{})
	go func() {
		i.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("instance %s: in-flight commands: %w", i.id, ctx.Err())
	}
}

func (i *Instance) loop() {
	defer close(i.done)
	defer i.stopTimers()

	i.safely(i.machine.Begin)
	i.publish()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.notify:
		}

		for {
			ev, ok := i.next()
			if !ok {
				break
			}
			i.safely(func() { i.dispatch(ev) })
			i.publish()
		}
	}
}

func (i *Instance) next() (Event, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 || i.closed {
		return nil, false
	}
	ev := i.queue[0]
	i.queue[0] = nil
	i.queue = i.queue[1:]
	return ev, true
}

func (i *Instance) dispatch(ev Event) {
	if rc, ok := ev.(reconfigure); ok {
		if rc.adapter != nil {
			i.adapter = rc.adapter
		}
		i.machine.Handle(ConfigChanged{Server: rc.server})
		return
	}
	i.machine.Handle(ev)
}

// safely runs fn and turns a panic into a log entry so one bad event cannot
// take the server's goroutine down.
func (i *Instance) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("recovered panic in orchestrator",
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

func (i *Instance) publish() {
	s := i.machine.Snapshot()
	i.snap.Store(&s)
}

func (i *Instance) stopTimers() {
	for kind, t := range i.timers {
		t.Stop()
		delete(i.timers, kind)
	}
}

// effects runs machine side effects on behalf of the instance goroutine.
type effects struct {
	i *Instance
}

func (e effects) Issue(cmd domain.ControlCommand) {
	i := e.i
	adapter := i.adapter

	i.inflight.Add(1)
	go func() {
		defer i.inflight.Done()

		ctx, cancel := context.WithTimeout(i.ctx, i.timeout)
		defer cancel()

		payload, err := execute(ctx, adapter, cmd)
		i.Post(CommandResolved{Command: cmd, Payload: payload, Err: err})
	}()
}

func execute(ctx context.Context, adapter control.Adapter, cmd domain.ControlCommand) (p domain.StatusPayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewControlError(domain.ErrUnknown, fmt.Errorf("adapter panic: %v", r))
		}
	}()
	return adapter.Execute(ctx, cmd)
}

func (e effects) Arm(kind TimerKind, token uint64, after time.Duration) {
	i := e.i
	if t, ok := i.timers[kind]; ok {
		t.Stop()
	}
	i.timers[kind] = time.AfterFunc(after, func() {
		i.Post(TimerFired{Kind: kind, Token: token})
	})
}

func (e effects) Cancel(kind TimerKind) {
	i := e.i
	if t, ok := i.timers[kind]; ok {
		t.Stop()
		delete(i.timers, kind)
	}
}

func (e effects) Alert(a domain.Alert) {
	if e.i.alerts != nil {
		e.i.alerts.OnAlert(a)
	}
}
