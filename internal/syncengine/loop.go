package syncengine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/remote"
)

// Run drives sync cycles for userID until ctx is done. A cycle starts on
// the periodic interval, on Request, when the remote becomes reachable
// again and when the backoff of the head record expires. Losing
// connectivity interrupts the running cycle.
func (e *Engine) Run(ctx context.Context, userID string) error {
	monitor := NewMonitor(e.remote, e.opts.ProbeInterval, e.logger)
	monitor.OnOnline(func() { e.Request(userID) })
	monitor.OnOffline(func() { e.Interrupt(userID) })
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()
	defer func() { <-monitorDone }()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	wake := time.NewTimer(0)
	defer wake.Stop()

	signals := e.signal(userID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-signals:
		case <-wake.C:
		}

		result, err := e.SyncNow(ctx, userID)
		if errors.Is(err, ErrCycleInFlight) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if result.NextWake != nil {
			wake.Reset(max(result.NextWake.Sub(e.now()), 0))
		}
	}
}

// Monitor probes the remote and reports connectivity transitions.
type Monitor struct {
	remote   remote.Store
	interval time.Duration
	logger   *zap.Logger

	online    atomic.Bool
	onOnline  func()
	onOffline func()
}

func NewMonitor(rs remote.Store, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{remote: rs, interval: interval, logger: logger}
}

func (m *Monitor) OnOnline(fn func())  { m.onOnline = fn }
func (m *Monitor) OnOffline(fn func()) { m.onOffline = fn }

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run probes until ctx is done. The first probe only records the initial
// state; callbacks fire on transitions.
func (m *Monitor) Run(ctx context.Context) {
	m.online.Store(m.probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and fires the matching callback when the state changed.
func (m *Monitor) Check(ctx context.Context) bool {
	up := m.probe(ctx)
	was := m.online.Swap(up)
	switch {
	case up && !was:
		m.logger.Info("remote reachable")
		if m.onOnline != nil {
			m.onOnline()
		}
	case !up && was:
		m.logger.Warn("remote unreachable")
		if m.onOffline != nil {
			m.onOffline()
		}
	}
	return up
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.remote.Ping(probeCtx); err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
		return false
	}
	return true
}
