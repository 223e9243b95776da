package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/backoff"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// Machine is the state machine of one managed server. It is not safe for
// concurrent use: the owning Instance feeds it from a single goroutine.
//
// Triggers are edge based. A window opening, the first player connecting or
// a manual start asks for a start; the window closing while empty, the last
// player leaving while out of window or a manual stop asks for a stop. While
// a command is in flight, a trigger in the same direction is dropped and a
// trigger in the opposite direction is queued until the command resolves.
type Machine struct {
	server domain.ManagedServer
	policy backoff.Policy
	fx     Effects
	logger logger.Logger
	now    func() time.Time

	phase          domain.Phase
	count          int
	inWindow       bool
	lastTransition time.Time
	lastSuccess    time.Time
	startedAt      time.Time

	pending   *domain.ControlCommand
	syncing   bool
	manualRun bool

	failures int
	lastErr  string
	lastKind domain.ErrorKind

	queued       domain.Action
	queuedManual bool
	deferred     domain.Action
	idleExpired  bool

	tokens map[TimerKind]uint64
	seq    uint64
}

// NewMachine creates a machine in the Stopped phase. Call Begin to run the
// initial status sync.
func NewMachine(server domain.ManagedServer, fx Effects, log logger.Logger, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		server: server,
		policy: retryPolicy(server.Retry),
		fx:     fx,
		logger: log,
		now:    now,
		phase:  domain.PhaseStopped,
		tokens: make(map[TimerKind]uint64),
	}
}

func retryPolicy(r domain.RetryPolicy) backoff.Policy {
	return backoff.New(r.BaseDelay, r.MaxDelay, r.Jitter)
}

// Begin asks the panel for the current state. Until the answer arrives,
// triggers are only recorded.
func (m *Machine) Begin() {
	m.syncing = true
	m.issue(domain.ActionStatus)
}

// Handle applies one event.
func (m *Machine) Handle(ev Event) {
	switch e := ev.(type) {
	case WindowChanged:
		m.onWindow(e)
	case PresenceChanged:
		m.onPresence(e)
	case CommandResolved:
		m.onResolved(e)
	case TimerFired:
		m.onTimer(e)
	case ManualOverride:
		m.onManual(e)
	case ConfigChanged:
		m.onConfig(e)
	default:
		m.logger.Warn("unhandled lifecycle event", logger.String("type", fmt.Sprintf("%T", ev)))
	}
}

// Snapshot returns a copy of the observable state.
func (m *Machine) Snapshot() domain.Snapshot {
	s := domain.Snapshot{
		ServerID:         m.server.ID,
		Name:             m.server.Name,
		Phase:            m.phase,
		PlayerCount:      m.count,
		InWindow:         m.inWindow,
		LastTransitionAt: m.lastTransition,
		LastSuccessAt:    m.lastSuccess,
		StartedAt:        m.startedAt,
		Pending:          m.pending != nil,
		FailureCount:     m.failures,
		LastError:        m.lastErr,
		Queued:           m.queued,
	}
	if m.pending != nil {
		s.PendingAction = m.pending.Action
	}
	return s
}

// Phase returns the current phase.
func (m *Machine) Phase() domain.Phase { return m.phase }

// ─────────────────────────────────────────────────────────────────
// Signal handlers
// ─────────────────────────────────────────────────────────────────

func (m *Machine) onWindow(e WindowChanged) {
	prev := m.inWindow
	m.inWindow = e.InWindow

	switch {
	case e.InWindow && !prev:
		m.startEdge(false)
	case !e.InWindow && prev:
		m.stopEdge()
	}
}

func (m *Machine) onPresence(e PresenceChanged) {
	count := e.Count
	if count < 0 {
		m.violation(fmt.Sprintf("negative player count %d clamped to 0", count))
		count = 0
	}

	prev := m.count
	m.count = count

	switch {
	case count > 0 && prev == 0:
		m.idleExpired = false
		m.startEdge(false)
	case count == 0 && prev > 0:
		m.stopEdge()
	}
}

func (m *Machine) onManual(e ManualOverride) {
	m.logger.Info("manual override", logger.String("action", string(e.Action)), logger.String("phase", string(m.phase)))

	switch e.Action {
	case domain.ActionStart:
		m.startEdge(true)
	case domain.ActionStop:
		m.manualStop()
	case domain.ActionRestart:
		m.manualRestart()
	default:
		m.logger.Warn("manual override ignored", logger.String("action", string(e.Action)))
	}
}

func (m *Machine) onConfig(e ConfigChanged) {
	m.server = e.Server
	m.policy = retryPolicy(e.Server.Retry)
	m.logger.Info("server definition updated")

	if m.server.IdleTimeout <= 0 {
		m.cancel(TimerIdle)
	}
	if !m.server.HasSchedules() && m.inWindow {
		m.inWindow = false
		m.stopEdge()
		return
	}
	m.evaluateRunning()
}

// wantsRunning reports whether a signal currently asks for the server.
func (m *Machine) wantsRunning() bool {
	return m.inWindow || m.count > 0
}

// startEdge handles a request to have the server running.
func (m *Machine) startEdge(manual bool) {
	if manual {
		m.clearDeferred()
	}

	switch m.phase {
	case domain.PhaseStopped:
		if m.syncing {
			if manual {
				m.enqueue(domain.ActionStart, true)
			}
			return
		}
		m.issueStart(manual)

	case domain.PhaseStartFailed:
		m.resetFailures()
		m.issueStart(manual)

	case domain.PhaseStarting:
		if m.pending != nil {
			m.dropQueued(domain.ActionStop)
			m.manualRun = m.manualRun || manual
			return
		}
		// Waiting on backoff. Only an operator skips the wait.
		if manual {
			m.cancel(TimerBackoff)
			m.resetFailures()
			m.manualRun = true
			m.issue(domain.ActionStart)
		}

	case domain.PhaseRunning:
		if m.count > 0 {
			m.cancel(TimerIdle)
			m.idleExpired = false
		}
		if m.count > 0 || m.inWindow {
			m.cancel(TimerGuard)
		}
		if m.deferred == domain.ActionStop {
			m.clearDeferred()
		}

	case domain.PhaseStopping:
		if m.pending != nil {
			m.enqueue(domain.ActionStart, manual)
			return
		}
		m.cancel(TimerBackoff)
		m.reviveRunning(manual)

	case domain.PhaseStopFailed:
		m.reviveRunning(manual)
	}
}

// stopEdge handles a signal that no longer asks for the server.
func (m *Machine) stopEdge() {
	switch m.phase {
	case domain.PhaseRunning:
		m.evaluateRunning()

	case domain.PhaseStarting:
		if m.wantsRunning() || m.manualRun {
			return
		}
		if m.pending != nil {
			m.enqueue(domain.ActionStop, false)
			return
		}
		m.cancel(TimerBackoff)
		m.abandonStart(m.lastKind)

	case domain.PhaseStopping:
		if m.pending != nil {
			m.dropQueued(domain.ActionStart)
		}

	case domain.PhaseStopFailed:
		if !m.wantsRunning() {
			m.resetFailures()
			m.issueStop(false)
		}

	case domain.PhaseStopped, domain.PhaseStartFailed:
		if m.deferred == domain.ActionStart && !m.wantsRunning() {
			m.clearDeferred()
		}
	}
}

func (m *Machine) manualStop() {
	m.clearDeferred()

	switch m.phase {
	case domain.PhaseRunning:
		m.issueStop(true)

	case domain.PhaseStarting:
		if m.pending != nil {
			m.enqueue(domain.ActionStop, true)
			return
		}
		m.cancel(TimerBackoff)
		m.manualRun = true
		m.abandonStart(m.lastKind)

	case domain.PhaseStopping:
		if m.pending != nil {
			m.dropQueued(domain.ActionStart)
			m.manualRun = true
			return
		}
		m.cancel(TimerBackoff)
		m.resetFailures()
		m.manualRun = true
		m.issue(domain.ActionStop)

	case domain.PhaseStopFailed:
		m.resetFailures()
		m.issueStop(true)

	case domain.PhaseStartFailed:
		m.resetFailures()
		m.setPhase(domain.PhaseStopped)

	case domain.PhaseStopped:
		if m.syncing {
			m.enqueue(domain.ActionStop, true)
		}
	}
}

// manualRestart stops a running server and queues a manual start behind the
// stop. In any other phase it is a manual start.
func (m *Machine) manualRestart() {
	if m.phase != domain.PhaseRunning || m.pending != nil {
		m.startEdge(true)
		return
	}
	m.clearDeferred()
	m.issueStop(true)
	m.enqueue(domain.ActionStart, true)
}

// evaluateRunning checks the stop conditions of a running server and arms
// the idle and minimum-uptime timers.
func (m *Machine) evaluateRunning() {
	if m.phase != domain.PhaseRunning || m.pending != nil {
		return
	}
	if m.count > 0 {
		m.cancel(TimerIdle)
		m.cancel(TimerGuard)
		return
	}

	if m.server.IdleTimeout > 0 && !m.armed(TimerIdle) && !m.idleExpired {
		m.arm(TimerIdle, m.server.IdleTimeout)
	}

	if !m.server.HasSchedules() || m.inWindow {
		m.cancel(TimerGuard)
		return
	}

	up := m.now().Sub(m.startedAt)
	if up >= m.server.MinUptime {
		m.issueStop(false)
		return
	}
	if !m.armed(TimerGuard) {
		m.logger.Debug("stop deferred by minimum uptime",
			logger.Duration("uptime", up),
			logger.Duration("min_uptime", m.server.MinUptime))
		m.arm(TimerGuard, m.server.MinUptime-up)
	}
}

// ─────────────────────────────────────────────────────────────────
// Commands
// ─────────────────────────────────────────────────────────────────

func (m *Machine) issueStart(manual bool) {
	if !manual {
		if wait := m.cooldownLeft(); wait > 0 {
			m.deferCommand(domain.ActionStart, wait)
			return
		}
	}
	m.manualRun = manual
	m.setPhase(domain.PhaseStarting)
	m.issue(domain.ActionStart)
}

func (m *Machine) issueStop(manual bool) {
	if !manual {
		if wait := m.cooldownLeft(); wait > 0 {
			m.deferCommand(domain.ActionStop, wait)
			return
		}
	}
	m.cancel(TimerIdle)
	m.cancel(TimerGuard)
	m.clearDeferred()
	m.manualRun = manual
	m.setPhase(domain.PhaseStopping)
	m.issue(domain.ActionStop)
}

func (m *Machine) issue(action domain.Action) {
	cmd := domain.NewCommand(m.server.ID, action, m.now())
	m.pending = &cmd
	m.logger.Debug("issuing control command",
		logger.String("action", string(action)),
		logger.String("correlation_id", cmd.CorrelationID),
		logger.Int("attempt", m.failures+1))
	m.fx.Issue(cmd)
}

func (m *Machine) cooldownLeft() time.Duration {
	if m.server.Cooldown <= 0 {
		return 0
	}
	return m.server.Cooldown - m.now().Sub(m.lastTransition)
}

func (m *Machine) deferCommand(action domain.Action, wait time.Duration) {
	if m.deferred == action && m.armed(TimerCooldown) {
		return
	}
	m.logger.Debug("command deferred by cooldown",
		logger.String("action", string(action)),
		logger.Duration("wait", wait))
	m.deferred = action
	m.arm(TimerCooldown, wait)
}

func (m *Machine) clearDeferred() {
	if m.deferred != "" {
		m.deferred = ""
		m.cancel(TimerCooldown)
	}
}

func (m *Machine) enqueue(action domain.Action, manual bool) {
	if m.queued == action {
		m.queuedManual = m.queuedManual || manual
		return
	}
	m.queued = action
	m.queuedManual = manual
	m.logger.Debug("trigger queued behind in-flight command", logger.String("action", string(action)))
}

func (m *Machine) dropQueued(action domain.Action) {
	if m.queued == action {
		m.queued = ""
		m.queuedManual = false
	}
}

func (m *Machine) takeQueued() (domain.Action, bool) {
	a, manual := m.queued, m.queuedManual
	m.queued = ""
	m.queuedManual = false
	return a, manual
}

// ─────────────────────────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────────────────────────

func (m *Machine) onResolved(e CommandResolved) {
	if m.pending == nil || e.Command.CorrelationID != m.pending.CorrelationID {
		m.violation(fmt.Sprintf("result for unknown command %s (%s)", e.Command.CorrelationID, e.Command.Action))
		return
	}
	m.pending = nil

	if e.Err == nil {
		m.lastSuccess = m.now()
	}

	switch e.Command.Action {
	case domain.ActionStatus:
		m.onSynced(e)
	case domain.ActionStart:
		if e.Err != nil {
			m.onFailed(domain.ActionStart, e.Err)
			return
		}
		m.onStarted()
	case domain.ActionStop:
		if e.Err != nil {
			m.onFailed(domain.ActionStop, e.Err)
			return
		}
		m.onStopped()
	}
}

func (m *Machine) onSynced(e CommandResolved) {
	m.syncing = false

	if e.Err != nil {
		m.logger.Warn("initial status check failed, keeping phase", logger.Error(e.Err))
	} else {
		switch e.Payload.State {
		case domain.PanelOnline, domain.PanelStarting:
			m.startedAt = m.now()
			m.setPhase(domain.PhaseRunning)
		}
		m.logger.Info("initial status synced",
			logger.String("panel_state", string(e.Payload.State)),
			logger.String("phase", string(m.phase)))
	}

	if q, _ := m.takeQueued(); q != "" {
		if q == domain.ActionStart {
			m.startEdge(true)
		} else {
			m.manualStop()
		}
	} else if m.phase == domain.PhaseStopped && m.wantsRunning() {
		m.issueStart(false)
	}
	m.evaluateRunning()
}

func (m *Machine) onStarted() {
	m.resetFailures()
	m.startedAt = m.now()
	m.manualRun = false
	m.setPhase(domain.PhaseRunning)

	if q, manual := m.takeQueued(); q == domain.ActionStop && manual {
		m.issueStop(true)
		return
	}
	m.evaluateRunning()
}

func (m *Machine) onStopped() {
	m.resetFailures()
	m.startedAt = time.Time{}
	m.manualRun = false
	m.idleExpired = false
	m.setPhase(domain.PhaseStopped)

	if q, manual := m.takeQueued(); q == domain.ActionStart {
		m.issueStart(manual)
	}
}

func (m *Machine) onFailed(action domain.Action, err error) {
	m.failures++
	m.lastErr = err.Error()
	m.lastKind = domain.ControlErrorKind(err)

	m.logger.Warn("control command failed",
		logger.String("action", string(action)),
		logger.String("kind", string(m.lastKind)),
		logger.Int("failures", m.failures),
		logger.Error(err))

	if m.queued == action.Opposite() {
		_, manual := m.takeQueued()
		m.manualRun = manual
		if action == domain.ActionStart {
			m.abandonStart(m.lastKind)
		} else {
			m.reviveRunning(manual)
		}
		return
	}

	if m.failures > m.server.Retry.MaxRetries {
		m.exhausted(action)
		return
	}

	delay := m.retryDelay(err)
	m.logger.Info("retrying control command",
		logger.String("action", string(action)),
		logger.Duration("in", delay))
	m.arm(TimerBackoff, delay)
}

func (m *Machine) retryDelay(err error) time.Duration {
	var ce *domain.ControlError
	if errors.As(err, &ce) && ce.Kind == domain.ErrRateLimited {
		d := m.server.Retry.RateLimitCooldown
		if ce.RetryAfter > d {
			d = ce.RetryAfter
		}
		return d
	}
	return m.policy.Delay(m.failures)
}

// abandonStart gives up on a start nobody wants any more. When the last
// failure left the outcome unknown the server may be up, so it is stopped
// rather than assumed stopped.
func (m *Machine) abandonStart(kind domain.ErrorKind) {
	m.resetFailures()
	if uncertain(kind) {
		m.logger.Info("abandoning start with unconfirmed outcome, stopping instead")
		m.issueStop(true)
		return
	}
	m.logger.Info("abandoning start")
	m.manualRun = false
	m.setPhase(domain.PhaseStopped)
}

// reviveRunning returns a server whose stop is no longer wanted to Running.
// The server never confirmed stopping, so it is still logically running.
func (m *Machine) reviveRunning(manual bool) {
	m.resetFailures()
	m.idleExpired = false
	if manual || m.startedAt.IsZero() {
		m.startedAt = m.now()
	}
	m.setPhase(domain.PhaseRunning)
	m.evaluateRunning()
}

func (m *Machine) exhausted(action domain.Action) {
	kind := domain.AlertStartFailed
	phase := domain.PhaseStartFailed
	if action == domain.ActionStop {
		kind = domain.AlertStopFailed
		phase = domain.PhaseStopFailed
	}
	m.manualRun = false
	m.setPhase(phase)

	m.logger.Error("control command retries exhausted",
		logger.String("action", string(action)),
		logger.Int("attempts", m.failures),
		logger.String("last_error", m.lastErr))

	m.fx.Alert(domain.Alert{
		ServerID:  m.server.ID,
		Kind:      kind,
		Message:   fmt.Sprintf("%s failed after %d attempts", action, m.failures),
		At:        m.now(),
		Attempts:  m.failures,
		LastError: m.lastErr,
	})
}

func uncertain(kind domain.ErrorKind) bool {
	return kind == domain.ErrUnknown || kind == domain.ErrTimeout
}

// ─────────────────────────────────────────────────────────────────
// Timers
// ─────────────────────────────────────────────────────────────────

func (m *Machine) onTimer(e TimerFired) {
	if tok, ok := m.tokens[e.Kind]; !ok || tok != e.Token {
		m.logger.Debug("stale timer ignored", logger.String("timer", string(e.Kind)))
		return
	}
	delete(m.tokens, e.Kind)

	switch e.Kind {
	case TimerIdle:
		if m.phase == domain.PhaseRunning && m.count == 0 {
			m.logger.Info("idle timeout elapsed", logger.Duration("idle_timeout", m.server.IdleTimeout))
			m.idleExpired = true
			m.issueStop(false)
		}

	case TimerGuard:
		m.evaluateRunning()

	case TimerBackoff:
		switch m.phase {
		case domain.PhaseStarting:
			m.issue(domain.ActionStart)
		case domain.PhaseStopping:
			m.issue(domain.ActionStop)
		}

	case TimerCooldown:
		action := m.deferred
		m.deferred = ""
		switch {
		case action == domain.ActionStart && m.phase == domain.PhaseStopped && m.wantsRunning():
			m.issueStart(false)
		case action == domain.ActionStart && m.phase == domain.PhaseStartFailed && m.wantsRunning():
			m.resetFailures()
			m.issueStart(false)
		case action == domain.ActionStop && m.phase == domain.PhaseRunning && m.count == 0:
			if m.idleExpired || (m.server.HasSchedules() && !m.inWindow) {
				m.issueStop(false)
			}
		}
	}
}

func (m *Machine) arm(kind TimerKind, after time.Duration) {
	m.seq++
	m.tokens[kind] = m.seq
	m.fx.Arm(kind, m.seq, after)
}

func (m *Machine) cancel(kind TimerKind) {
	if _, ok := m.tokens[kind]; !ok {
		return
	}
	delete(m.tokens, kind)
	m.fx.Cancel(kind)
}

func (m *Machine) armed(kind TimerKind) bool {
	_, ok := m.tokens[kind]
	return ok
}

// ─────────────────────────────────────────────────────────────────
// Bookkeeping
// ─────────────────────────────────────────────────────────────────

func (m *Machine) setPhase(p domain.Phase) {
	if p == m.phase {
		return
	}
	m.logger.Info("phase changed",
		logger.String("from", string(m.phase)),
		logger.String("to", string(p)),
		logger.Int("players", m.count),
		logger.Bool("in_window", m.inWindow))
	m.phase = p
	m.lastTransition = m.now()
}

func (m *Machine) resetFailures() {
	m.failures = 0
	m.lastErr = ""
	m.lastKind = ""
}

func (m *Machine) violation(what string) {
	v := &domain.InvariantViolation{Server: m.server.ID, What: what}
	m.logger.Warn("invariant violation corrected", logger.Error(v))
	m.fx.Alert(domain.Alert{
		ServerID: m.server.ID,
		Kind:     domain.AlertInvariant,
		Message:  what,
		At:       m.now(),
	})
}
