// Package availability tracks whether the bus is reachable.
//
// The Monitor is the only writer of the availability state. Readers (the
// MLLP listener gate, replay pollers, status endpoints) load an immutable
// Snapshot and never mutate it.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minasoft/hl7-gateway/internal/metrics"
)

type State int

const (
	StateUp State = iota
	StateDown
	StateCriticalDown
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultMaxDowntime = 12 * time.Hour
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "UP"
	case StateDown:
		return "DOWN"
	case StateCriticalDown:
		return "CRITICAL_DOWN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the published availability state. DownSince is zero while UP.
type Snapshot struct {
	State     State     `json:"state"`
	DownSince time.Time `json:"down_since,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Downtime returns how long the bus has been unreachable as of now.
func (s Snapshot) Downtime(now time.Time) time.Duration {
	if s.State == StateUp || s.DownSince.IsZero() {
		return 0
	}
	return now.Sub(s.DownSince)
}

// Prober checks bus reachability.
type Prober interface {
	Probe(ctx context.Context) error
}

// Listener is the ingestion listener the monitor suspends and resumes.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

type Monitor struct {
	prober      Prober
	listener    Listener
	interval    time.Duration
	maxDowntime time.Duration
	now         func() time.Time

	snapshot atomic.Pointer[Snapshot]
	onUp     func()

	// listenerMu serializes listener restarts with Close.
	listenerMu sync.Mutex
	closed     bool
}

// NewMonitor starts in UP: until the first probe says otherwise the bus is
// assumed reachable.
func NewMonitor(prober Prober, listener Listener, interval, maxDowntime time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxDowntime <= 0 {
		maxDowntime = DefaultMaxDowntime
	}
	m := &Monitor{
		prober:      prober,
		listener:    listener,
		interval:    interval,
		maxDowntime: maxDowntime,
		now:         time.Now,
	}
	m.snapshot.Store(&Snapshot{State: StateUp})
	return m
}

// OnRecovery registers fn to run after every transition into UP. Must be
// called before Run.
func (m *Monitor) OnRecovery(fn func()) {
	m.onUp = fn
}

func (m *Monitor) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

func (m *Monitor) State() State {
	return m.snapshot.Load().State
}

// AcceptingConnections is false only while the downtime ceiling is exceeded.
func (m *Monitor) AcceptingConnections() bool {
	return m.State() != StateCriticalDown
}

// Run checks immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("Bus erişilebilirlik izleyicisi başlatıldı",
		"interval", m.interval,
		"maxDowntime", m.maxDowntime)

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Bus erişilebilirlik izleyicisi durduruldu")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and applies the resulting transition.
func (m *Monitor) Check(ctx context.Context) {
	probeErr := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}

	now := m.now()
	prev := *m.snapshot.Load()
	next := Snapshot{State: prev.State, DownSince: prev.DownSince, CheckedAt: now}

	if probeErr == nil {
		next.State = StateUp
		next.DownSince = time.Time{}
		m.publish(next, now)

		if prev.State != StateUp {
			slog.Info("Bus tekrar erişilebilir",
				"previousState", prev.State,
				"downtime", FormatDowntime(prev.Downtime(now)))
		}
		m.ensureListener(ctx)
		if prev.State != StateUp && m.onUp != nil {
			m.onUp()
		}
		return
	}

	switch prev.State {
	case StateUp:
		next.State = StateDown
		next.DownSince = now
		m.publish(next, now)
		slog.Warn("Bus erişilemiyor, yerel depoya geçiliyor", "error", probeErr)

	case StateDown:
		downtime := now.Sub(prev.DownSince)
		if downtime > m.maxDowntime {
			next.State = StateCriticalDown
			m.publish(next, now)
			slog.Error("KRİTİK: bus kesintisi üst sınırı aştı, MLLP dinleyici durduruluyor",
				"severity", "CRITICAL",
				"downtime", FormatDowntime(downtime),
				"maxDowntime", FormatDowntime(m.maxDowntime),
				"error", probeErr)
			if err := m.listener.Stop(); err != nil {
				slog.Error("MLLP dinleyici durdurulamadı", "error", err)
			}
			metrics.ListenerRunning.Set(0)
			return
		}
		m.publish(next, now)
		slog.Warn("Bus hâlâ erişilemiyor",
			"downtime", FormatDowntime(downtime),
			"error", probeErr)

	case StateCriticalDown:
		m.publish(next, now)
		slog.Warn("Bus hâlâ erişilemiyor, MLLP dinleyici kapalı",
			"downtime", FormatDowntime(now.Sub(prev.DownSince)),
			"error", probeErr)
	}
}

// Close stops the monitor from restarting the listener. Once it returns no
// later Check reopens the port, so the listener can be stopped for good.
func (m *Monitor) Close() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.closed = true
}

func (m *Monitor) ensureListener(ctx context.Context) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	if m.closed || ctx.Err() != nil || m.listener.Running() {
		return
	}
	if err := m.listener.Start(ctx); err != nil {
		slog.Error("MLLP dinleyici yeniden başlatılamadı", "error", err)
		return
	}
	metrics.ListenerRunning.Set(1)
	slog.Info("MLLP dinleyici yeniden başlatıldı")
}

func (m *Monitor) publish(s Snapshot, now time.Time) {
	m.snapshot.Store(&s)
	metrics.BusState.Set(float64(s.State))
	metrics.BusDowntimeSeconds.Set(s.Downtime(now).Seconds())
}

// FormatDowntime renders a duration as "N dakika" or "N saat M dakika".
func FormatDowntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%d dakika", minutes)
	}
	return fmt.Sprintf("%d saat %d dakika", minutes/60, minutes%60)
}
