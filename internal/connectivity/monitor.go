// Package connectivity tracks whether the remote breeding API is
// reachable and fans out edge-triggered notifications to subscribers.
//
// The monitor is the single source of truth for online state. Anything
// that needs to react to connectivity changes subscribes here instead
// of probing on its own, so one observed transition produces exactly
// one notification per subscriber.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger reports whether the remote endpoint currently answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the current online state and notifies subscribers on
// transitions. The zero value is offline with no subscribers; use New.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)

	logger *slog.Logger
}

// New returns a Monitor starting in the given state.
func New(online bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		online: online,
		subs:   make(map[int]func(online bool)),
		logger: logger,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records an observed state. Repeated observations of the
// same state are absorbed; subscribers only hear about transitions.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)

	// Callbacks run outside the lock so a subscriber may query the
	// monitor or detach without deadlocking.
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn to be called once per state transition.
// The returned detach function removes the subscription; calling it
// more than once is harmless.
func (m *Monitor) Subscribe(fn func(online bool)) (detach func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// RunProbe pings the remote on every tick and feeds the result into
// SetOnline. Blocks until ctx is cancelled. Each probe gets its own
// timeout so a hung request cannot stall the loop past one interval.
func (m *Monitor) RunProbe(ctx context.Context, pinger Pinger, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("connectivity probe started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity probe stopped")
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			err := pinger.Ping(probeCtx)
			cancel()
			m.SetOnline(err == nil)
		}
	}
}
