package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.PresenceChange
}

func (s *sinkRecorder) OnPresenceChange(ev domain.PresenceChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkRecorder) counts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Count)
	}
	return out
}

func newTracker() (*Tracker, *sinkRecorder) {
	sink := &sinkRecorder{}
	return NewTracker(sink, logger.New("error", false)), sink
}

func TestTracker_EmitsOnlyOnEdges(t *testing.T) {
	tr, sink := newTracker()

	tr.OnPlayerConnect("lobby", "p1")
	tr.OnPlayerConnect("lobby", "p2")
	tr.OnPlayerDisconnect("lobby", "p1")
	tr.OnPlayerDisconnect("lobby", "p2")
	tr.OnPlayerConnect("lobby", "p3")

	assert.Equal(t, []int{1, 0, 1}, sink.counts())
	assert.Equal(t, 1, tr.Count("lobby"))
}

func TestTracker_DuplicateConnectIsIdempotent(t *testing.T) {
	tr, sink := newTracker()

	tr.OnPlayerConnect("lobby", "p1")
	tr.OnPlayerConnect("lobby", "p1")

	assert.Equal(t, 1, tr.Count("lobby"))
	assert.Len(t, sink.events, 1)
}

func TestTracker_UnknownDisconnectNeverGoesNegative(t *testing.T) {
	tr, sink := newTracker()

	tr.OnPlayerDisconnect("lobby", "ghost")
	assert.Equal(t, 0, tr.Count("lobby"))
	assert.Empty(t, sink.events)

	tr.OnPlayerConnect("lobby", "p1")
	tr.OnPlayerDisconnect("lobby", "ghost")
	assert.Equal(t, 1, tr.Count("lobby"))
	assert.Equal(t, []int{1}, sink.counts())
}

func TestTracker_Switch(t *testing.T) {
	tr, sink := newTracker()

	tr.OnPlayerConnect("lobby", "p1")
	tr.OnPlayerSwitch("lobby", "survival", "p1")

	assert.Equal(t, 0, tr.Count("lobby"))
	assert.Equal(t, 1, tr.Count("survival"))

	require.Len(t, sink.events, 3)
	assert.Equal(t, "lobby", sink.events[1].ServerID)
	assert.Equal(t, 0, sink.events[1].Count)
	assert.Equal(t, "survival", sink.events[2].ServerID)
	assert.Equal(t, 1, sink.events[2].Count)

	// Same server switch is a no-op.
	tr.OnPlayerSwitch("survival", "survival", "p1")
	assert.Len(t, sink.events, 3)
}

func TestTracker_ForgetAndCounts(t *testing.T) {
	tr, sink := newTracker()

	tr.OnPlayerConnect("a", "p1")
	tr.OnPlayerConnect("b", "p2")
	tr.OnPlayerConnect("b", "p3")
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, tr.Counts())

	tr.Forget("b")
	assert.Equal(t, 0, tr.Count("b"))
	assert.Equal(t, map[string]int{"a": 1}, tr.Counts())
	assert.Len(t, sink.events, 2)
}

func TestTracker_Concurrent(t *testing.T) {
	tr, sink := newTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			tr.OnPlayerConnect("lobby", id+"x")
			tr.OnPlayerDisconnect("lobby", id+"x")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, tr.Count("lobby"))

	// Edges must alternate and end on the tracker's final state.
	counts := sink.counts()
	require.NotEmpty(t, counts)
	for i, c := range counts {
		assert.Equal(t, 1-i%2, c, "event %d", i)
	}
	assert.Equal(t, 0, counts[len(counts)-1])
}

// gatedSink holds the first occupied edge until release is closed.
type gatedSink struct {
	sinkRecorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSink) OnPresenceChange(ev domain.PresenceChange) {
	if ev.Count == 1 {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	g.sinkRecorder.OnPresenceChange(ev)
}

func TestTracker_SlowSinkKeepsEdgeOrder(t *testing.T) {
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	tr := NewTracker(sink, logger.New("error", false))

	connected := make(chan struct{})
	go func() {
		defer close(connected)
		tr.OnPlayerConnect("lobby", "p1")
	}()
	<-sink.entered

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		tr.OnPlayerDisconnect("lobby", "p1")
	}()

	select {
	case <-disconnected:
		t.Fatal("disconnect completed while the connect edge was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	<-connected
	<-disconnected

	assert.Equal(t, 0, tr.Count("lobby"))
	assert.Equal(t, []int{1, 0}, sink.counts())
}
