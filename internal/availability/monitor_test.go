package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type fakeListener struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	failing bool
}

func (l *fakeListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return errors.New("port in use")
	}
	l.starts++
	l.running = true
	return nil
}

func (l *fakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	l.running = false
	return nil
}

func (l *fakeListener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errUnreachable = errors.New("connection refused")

func newTestMonitor(maxDowntime time.Duration) (*Monitor, *fakeProber, *fakeListener, *clock) {
	prober := &fakeProber{}
	listener := &fakeListener{running: true}
	clk := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	m := NewMonitor(prober, listener, time.Minute, maxDowntime)
	m.now = clk.now
	return m, prober, listener, clk
}

func TestMonitorStartsUp(t *testing.T) {
	m, _, _, _ := newTestMonitor(time.Hour)
	assert.Equal(t, StateUp, m.State())
	assert.True(t, m.AcceptingConnections())
	assert.True(t, m.Snapshot().DownSince.IsZero())
}

func TestMonitorTransitions(t *testing.T) {
	ctx := context.Background()
	m, prober, listener, clk := newTestMonitor(12 * time.Hour)
	start := clk.t

	// UP -> DOWN on the first failed probe.
	prober.set(errUnreachable)
	m.Check(ctx)
	snap := m.Snapshot()
	assert.Equal(t, StateDown, snap.State)
	assert.Equal(t, start, snap.DownSince)
	assert.True(t, m.AcceptingConnections())
	assert.Equal(t, 0, listener.stops)

	// Still DOWN below the ceiling; downtime keeps counting from the first failure.
	clk.advance(12 * time.Hour)
	m.Check(ctx)
	assert.Equal(t, StateDown, m.State())
	assert.Equal(t, start, m.Snapshot().DownSince)
	assert.Equal(t, 12*time.Hour, m.Snapshot().Downtime(clk.t))

	// DOWN -> CRITICAL_DOWN once the ceiling is exceeded; the listener stops.
	clk.advance(time.Minute)
	m.Check(ctx)
	assert.Equal(t, StateCriticalDown, m.State())
	assert.False(t, m.AcceptingConnections())
	assert.Equal(t, 1, listener.stops)
	assert.False(t, listener.Running())

	// Further failures keep CRITICAL_DOWN without stopping again.
	clk.advance(time.Hour)
	m.Check(ctx)
	assert.Equal(t, StateCriticalDown, m.State())
	assert.Equal(t, 1, listener.stops)
	assert.Equal(t, start, m.Snapshot().DownSince)

	// CRITICAL_DOWN -> UP restarts the listener.
	prober.set(nil)
	clk.advance(time.Minute)
	m.Check(ctx)
	snap = m.Snapshot()
	assert.Equal(t, StateUp, snap.State)
	assert.True(t, snap.DownSince.IsZero())
	assert.True(t, m.AcceptingConnections())
	assert.Equal(t, 1, listener.starts)
	assert.True(t, listener.Running())
}

func TestMonitorDownToUp(t *testing.T) {
	ctx := context.Background()
	m, prober, listener, clk := newTestMonitor(time.Hour)

	recovered := 0
	m.OnRecovery(func() { recovered++ })

	prober.set(errUnreachable)
	m.Check(ctx)
	require.Equal(t, StateDown, m.State())

	prober.set(nil)
	clk.advance(time.Minute)
	m.Check(ctx)
	assert.Equal(t, StateUp, m.State())
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 0, listener.starts, "running listener is left alone")

	// UP -> UP is not a recovery.
	m.Check(ctx)
	assert.Equal(t, 1, recovered)
}

func TestMonitorDowntimeRestartsAfterRecovery(t *testing.T) {
	ctx := context.Background()
	m, prober, _, clk := newTestMonitor(time.Hour)

	prober.set(errUnreachable)
	m.Check(ctx)
	clk.advance(50 * time.Minute)
	prober.set(nil)
	m.Check(ctx)

	// A new outage starts its own downtime; the earlier 50 minutes do not count.
	clk.advance(time.Minute)
	second := clk.t
	prober.set(errUnreachable)
	m.Check(ctx)
	assert.Equal(t, second, m.Snapshot().DownSince)

	clk.advance(30 * time.Minute)
	m.Check(ctx)
	assert.Equal(t, StateDown, m.State())
}

func TestMonitorRestartsStoppedListenerWhenUp(t *testing.T) {
	m, _, listener, _ := newTestMonitor(time.Hour)
	listener.running = false

	m.Check(context.Background())
	assert.Equal(t, 1, listener.starts)
	assert.True(t, listener.Running())
}

func TestMonitorClosedDoesNotRestartListener(t *testing.T) {
	ctx := context.Background()
	m, prober, listener, _ := newTestMonitor(time.Hour)

	m.Close()
	require.NoError(t, listener.Stop())

	// A successful probe after shutdown began must not reopen the port.
	m.Check(ctx)
	assert.Equal(t, StateUp, m.State())
	assert.Equal(t, 0, listener.starts)
	assert.False(t, listener.Running())

	// Not even after an outage and recovery.
	prober.set(errUnreachable)
	m.Check(ctx)
	prober.set(nil)
	m.Check(ctx)
	assert.Equal(t, 0, listener.starts)
	assert.False(t, listener.Running())
}

func TestMonitorCloseWaitsForRestart(t *testing.T) {
	m, _, listener, _ := newTestMonitor(time.Hour)
	listener.running = false

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Check(context.Background())
	}()
	go func() {
		defer wg.Done()
		m.Close()
		listener.Stop()
	}()
	wg.Wait()

	// Whichever ran first, the listener ends up stopped.
	assert.False(t, listener.Running())
}

func TestMonitorListenerRestartFailure(t *testing.T) {
	ctx := context.Background()
	m, prober, listener, clk := newTestMonitor(time.Minute)

	prober.set(errUnreachable)
	m.Check(ctx)
	clk.advance(2 * time.Minute)
	m.Check(ctx)
	require.Equal(t, StateCriticalDown, m.State())

	listener.failing = true
	prober.set(nil)
	m.Check(ctx)
	assert.Equal(t, StateUp, m.State())
	assert.False(t, listener.Running())

	// The next UP probe tries again.
	listener.failing = false
	m.Check(ctx)
	assert.True(t, listener.Running())
}

func TestMonitorCancelledProbeIsIgnored(t *testing.T) {
	m, prober, _, _ := newTestMonitor(time.Hour)
	prober.set(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Check(ctx)
	assert.Equal(t, StateUp, m.State())
}

func TestMonitorRun(t *testing.T) {
	prober := &fakeProber{err: errUnreachable}
	listener := &fakeListener{running: true}
	m := NewMonitor(prober, listener, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return m.State() == StateDown }, time.Second, 5*time.Millisecond)
	prober.set(nil)
	assert.Eventually(t, func() bool { return m.State() == StateUp }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStateText(t *testing.T) {
	for state, want := range map[State]string{
		StateUp:           "UP",
		StateDown:         "DOWN",
		StateCriticalDown: "CRITICAL_DOWN",
	} {
		text, err := state.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
	assert.Equal(t, "State(7)", State(7).String())
}

func TestFormatDowntime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 dakika"},
		{-time.Second, "0 dakika"},
		{59 * time.Second, "0 dakika"},
		{45 * time.Minute, "45 dakika"},
		{60 * time.Minute, "1 saat 0 dakika"},
		{12*time.Hour + 5*time.Minute + 30*time.Second, "12 saat 5 dakika"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDowntime(tt.d), tt.d.String())
	}
}
