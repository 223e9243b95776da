package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/autostartstop/internal/control"
	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// fakePanel is an in-memory control API.
type fakePanel struct {
	mu      sync.Mutex
	state   domain.PanelState
	calls   []domain.Action
	failAll error
}

func (p *fakePanel) Execute(_ context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, cmd.Action)
	if p.failAll != nil {
		return domain.StatusPayload{}, p.failAll
	}
	switch cmd.Action {
	case domain.ActionStart:
		p.state = domain.PanelOnline
	case domain.ActionStop:
		p.state = domain.PanelOffline
	}
	return domain.StatusPayload{State: p.state}, nil
}

func (p *fakePanel) actions() []domain.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Action(nil), p.calls...)
}

type alertLog struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *alertLog) OnAlert(al domain.Alert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
}

func (a *alertLog) kinds() []domain.AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AlertKind, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

func fastServer() domain.ManagedServer {
	return domain.ManagedServer{
		ID:          "lobby",
		Name:        "Lobby",
		IdleTimeout: 50 * time.Millisecond,
		Retry: domain.RetryPolicy{
			MaxRetries: 1,
			BaseDelay:  5 * time.Millisecond,
			MaxDelay:   20 * time.Millisecond,
		},
	}
}

func startInstance(t *testing.T, server domain.ManagedServer, adapter control.Adapter, alerts AlertSink) *Instance {
	t.Helper()
	inst := NewInstance(server, adapter, Options{
		CommandTimeout: time.Second,
		Logger:         logger.NewNop(),
		Alerts:         alerts,
	})
	inst.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = inst.Stop(ctx)
	})
	return inst
}

func phaseIs(inst *Instance, want domain.Phase) func() bool {
	return func() bool { return inst.Snapshot().Phase == want }
}

func TestInstance_SnapshotBeforeStart(t *testing.T) {
	inst := NewInstance(fastServer(), &fakePanel{}, Options{Logger: logger.NewNop()})

	snap := inst.Snapshot()
	assert.Equal(t, "lobby", inst.ID())
	assert.Equal(t, domain.PhaseStopped, snap.Phase)
	assert.Equal(t, "Lobby", snap.Name)
}

func TestInstance_StartsAndIdlesOut(t *testing.T) {
	panel := &fakePanel{state: domain.PanelOffline}
	inst := startInstance(t, fastServer(), panel, nil)

	require.True(t, inst.Post(PresenceChanged{Count: 1, At: time.Now()}))
	require.Eventually(t, phaseIs(inst, domain.PhaseRunning), time.Second, 5*time.Millisecond)

	require.True(t, inst.Post(PresenceChanged{Count: 0, At: time.Now()}))
	require.Eventually(t, phaseIs(inst, domain.PhaseStopped), time.Second, 5*time.Millisecond)

	assert.Equal(t, []domain.Action{domain.ActionStatus, domain.ActionStart, domain.ActionStop}, panel.actions())
}

func TestInstance_SyncsRunningPanel(t *testing.T) {
	srv := fastServer()
	srv.IdleTimeout = 0
	inst := startInstance(t, srv, &fakePanel{state: domain.PanelOnline}, nil)

	require.Eventually(t, phaseIs(inst, domain.PhaseRunning), time.Second, 5*time.Millisecond)
	assert.False(t, inst.Snapshot().StartedAt.IsZero())
}

func TestInstance_RetriesThenAlerts(t *testing.T) {
	panel := &fakePanel{
		state:   domain.PanelOffline,
		failAll: domain.NewControlError(domain.ErrUnreachable, errors.New("dial tcp: connection refused")),
	}
	alerts := &alertLog{}
	inst := startInstance(t, fastServer(), panel, alerts)

	inst.Post(ManualOverride{Action: domain.ActionStart})
	require.Eventually(t, phaseIs(inst, domain.PhaseStartFailed), time.Second, 5*time.Millisecond)

	assert.Equal(t, []domain.AlertKind{domain.AlertStartFailed}, alerts.kinds())
	snap := inst.Snapshot()
	assert.Equal(t, 2, snap.FailureCount)
	assert.Contains(t, snap.LastError, "connection refused")
}

func TestInstance_AdapterPanicIsAFailure(t *testing.T) {
	var calls int
	var mu sync.Mutex
	adapter := control.AdapterFunc(func(_ context.Context, cmd domain.ControlCommand) (domain.StatusPayload, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		if cmd.Action == domain.ActionStatus {
			return domain.StatusPayload{State: domain.PanelOffline}, nil
		}
		panic("boom")
	})
	alerts := &alertLog{}
	inst := startInstance(t, fastServer(), adapter, alerts)

	inst.Post(ManualOverride{Action: domain.ActionStart})
	require.Eventually(t, phaseIs(inst, domain.PhaseStartFailed), time.Second, 5*time.Millisecond)
	assert.Contains(t, inst.Snapshot().LastError, "adapter panic")
}

func TestInstance_ReconfigureSwapsAdapter(t *testing.T) {
	first := &fakePanel{state: domain.PanelOffline}
	second := &fakePanel{state: domain.PanelOffline}
	srv := fastServer()
	srv.IdleTimeout = 0
	inst := startInstance(t, srv, first, nil)

	require.Eventually(t, func() bool { return len(first.actions()) == 1 }, time.Second, 5*time.Millisecond)

	srv.Name = "Lobby (renamed)"
	require.True(t, inst.Reconfigure(srv, second))
	inst.Post(ManualOverride{Action: domain.ActionStart})
	require.Eventually(t, phaseIs(inst, domain.PhaseRunning), time.Second, 5*time.Millisecond)

	assert.Equal(t, []domain.Action{domain.ActionStatus}, first.actions())
	assert.Equal(t, []domain.Action{domain.ActionStart}, second.actions())
	assert.Equal(t, "Lobby (renamed)", inst.Snapshot().Name)
}

func TestInstance_StopCancelsInFlightCommand(t *testing.T) {
	entered := make(chan struct{})
	adapter := control.AdapterFunc(func(ctx context.Context, _ domain.ControlCommand) (domain.StatusPayload, error) {
		close(entered)
		<-ctx.Done()
		return domain.StatusPayload{}, domain.NewControlError(domain.ErrUnknown, ctx.Err())
	})
	inst := NewInstance(fastServer(), adapter, Options{CommandTimeout: time.Minute, Logger: logger.NewNop()})
	inst.Start()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("status command never reached the adapter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, inst.Stop(ctx))
	assert.False(t, inst.Post(PresenceChanged{Count: 1}))
}
