package breaker

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

// Manager owns every (server, model) breaker. Breakers are partitioned and
// self-locking; the xsync map keeps lookup lock-free on the request path.
type Manager struct {
	breakers *xsync.Map[string, *Breaker]
	cfg      config.CircuitBreakerConfig

	onTransition func(key domain.PairKey, from, to domain.BreakerState)

	// escalation state: when too many of a server's model circuits sit
	// open for long enough, the whole server is handed to health recovery.
	escalatedSince *xsync.Map[string, time.Time]
	markUnhealthy  func(serverID string)

	logger *logger.StyledLogger
	now    func() time.Time
}

func NewManager(cfg config.CircuitBreakerConfig, log *logger.StyledLogger) *Manager {
	return &Manager{
		breakers:       xsync.NewMap[string, *Breaker](),
		cfg:            cfg,
		escalatedSince: xsync.NewMap[string, time.Time](),
		logger:         log,
		now:            time.Now,
	}
}

// SetTransitionHook registers a callback invoked on every state transition.
// Must be called before traffic starts.
func (m *Manager) SetTransitionHook(hook func(key domain.PairKey, from, to domain.BreakerState)) {
	m.onTransition = hook
}

// SetUnhealthyHook registers the escalation callback. Must be called before
// Run.
func (m *Manager) SetUnhealthyHook(hook func(serverID string)) {
	m.markUnhealthy = hook
}

// Get returns the breaker for the pair, creating it closed on first use.
func (m *Manager) Get(serverID, model string) *Breaker {
	key := domain.PairKey{ServerID: serverID, Model: model}
	if b, ok := m.breakers.Load(key.String()); ok {
		return b
	}
	b, _ := m.breakers.LoadOrStore(key.String(), newBreaker(key, m.cfg, m.transition))
	return b
}

func (m *Manager) transition(key domain.PairKey, from, to domain.BreakerState) {
	m.logger.Info("Circuit transition",
		"server", key.ServerID, "model", key.Model,
		"from", from.String(), "to", to.String())
	if m.onTransition != nil {
		m.onTransition(key, from, to)
	}
}

// HalfOpenModels lists pairs currently eligible for an active recovery
// test. Reading the state performs the lazy open -> half-open transition.
func (m *Manager) HalfOpenModels() []domain.PairKey {
	var out []domain.PairKey
	m.breakers.Range(func(key string, b *Breaker) bool {
		if b.State() == domain.BreakerHalfOpen {
			out = append(out, b.key)
		}
		return true
	})
	return out
}

// Snapshots returns read views for every breaker.
func (m *Manager) Snapshots() []domain.BreakerSnapshot {
	var out []domain.BreakerSnapshot
	m.breakers.Range(func(key string, b *Breaker) bool {
		out = append(out, b.Snapshot())
		return true
	})
	return out
}

// Forget drops all breakers for a server.
func (m *Manager) Forget(serverID string) {
	var keys []string
	m.breakers.Range(func(key string, b *Breaker) bool {
		if b.key.ServerID == serverID {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		m.breakers.Delete(key)
	}
	m.escalatedSince.Delete(serverID)
}

// Run drives the model-escalation check until ctx is done. No-op when
// escalation is disabled.
func (m *Manager) Run(ctx context.Context) {
	esc := m.cfg.ModelEscalation
	if !esc.Enabled {
		return
	}
	interval := esc.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkEscalation()
		}
	}
}

// checkEscalation marks a server unhealthy when the fraction of its model
// circuits sitting open exceeds the ratio threshold for longer than the
// duration threshold. Individual model openings never escalate on their own.
func (m *Manager) checkEscalation() {
	esc := m.cfg.ModelEscalation

	open := make(map[string]int)
	total := make(map[string]int)
	m.breakers.Range(func(key string, b *Breaker) bool {
		total[b.key.ServerID]++
		if b.State() == domain.BreakerOpen {
			open[b.key.ServerID]++
		}
		return true
	})

	now := m.now()
	for serverID, n := range total {
		if n == 0 {
			continue
		}
		ratio := float64(open[serverID]) / float64(n)
		if ratio <= esc.RatioThreshold {
			m.escalatedSince.Delete(serverID)
			continue
		}

		since, ok := m.escalatedSince.Load(serverID)
		if !ok {
			m.escalatedSince.Store(serverID, now)
			continue
		}
		if now.Sub(since) >= esc.DurationThreshold {
			m.logger.WarnWithServer("Escalating open circuits to server health", serverID,
				"open", open[serverID], "total", n)
			if m.markUnhealthy != nil {
				m.markUnhealthy(serverID)
			}
			m.escalatedSince.Delete(serverID)
		}
	}
}
