package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nareth/helmsman/internal/adapter/balancer"
	"github.com/nareth/helmsman/internal/adapter/breaker"
	"github.com/nareth/helmsman/internal/adapter/health"
	"github.com/nareth/helmsman/internal/adapter/queue"
	"github.com/nareth/helmsman/internal/adapter/registry"
	"github.com/nareth/helmsman/internal/adapter/telemetry"
	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/core/ports"
	"github.com/nareth/helmsman/internal/logger"
	"github.com/nareth/helmsman/pkg/eventbus"
)

// Orchestrator wires the registry, telemetry, breakers, balancer, queue and
// health scheduler into the dispatch pipeline. It also implements the health
// scheduler's delegate so probe results flow back into the registry and
// breakers without the scheduler knowing either.
type Orchestrator struct {
	cfg *config.Config

	registry   *registry.Registry
	aggregator *telemetry.Aggregator
	breakers   *breaker.Manager
	queue      *queue.Queue
	scheduler  *health.Scheduler
	client     ports.BackendClient
	store      ports.Store
	events     *eventbus.EventBus[domain.SystemEvent]

	factory  *balancer.Factory
	selMu    sync.RWMutex
	selector domain.ServerSelector

	history *historyStore

	// cooldowns holds (server, model) pairs excluded from selection until
	// the stored deadline, set on terminal per-server failure.
	cooldowns *xsync.Map[string, time.Time]

	// queuePump wakes queued requests when capacity may have freed.
	queuePump chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logger.StyledLogger
	now    func() time.Time
}

func New(cfg *config.Config, client ports.BackendClient, store ports.Store, log *logger.StyledLogger) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:        cfg,
		client:     client,
		store:      store,
		registry:   registry.New(cfg.Cooldown.DefaultMaxConcurrency, store, log),
		aggregator: telemetry.NewAggregator(cfg, log),
		breakers:   breaker.NewManager(cfg.CircuitBreaker, log),
		queue:      queue.New(cfg.Queue, log),
		events:     eventbus.New[domain.SystemEvent](),
		history:    newHistoryStore(time.Duration(cfg.Metrics.HistoryWindowMinutes) * time.Minute),
		cooldowns:  xsync.NewMap[string, time.Time](),
		queuePump:  make(chan struct{}, 1),
		logger:     log,
		now:        time.Now,
	}

	o.factory = balancer.NewFactory(cfg.LoadBalancer)
	selector, err := o.factory.Create(cfg.LoadBalancer.Algorithm)
	if err != nil {
		return nil, err
	}
	o.selector = selector

	o.scheduler = health.NewScheduler(cfg.HealthCheck, client, o, log)
	o.scheduler.SetRecoveryFailureHook(func(record domain.RecoveryFailureRecord) {
		o.events.Publish(domain.SystemEvent{
			Type:      domain.EventRecoveryFailure,
			Timestamp: record.Timestamp,
			ServerID:  record.ServerID,
			Model:     record.Model,
			Detail:    string(record.ErrorKind),
		})
	})

	o.breakers.SetTransitionHook(func(key domain.PairKey, from, to domain.BreakerState) {
		if to == domain.BreakerClosed {
			o.scheduler.ResetTestState(key)
		}
		o.events.Publish(domain.SystemEvent{
			Type:      domain.EventBreakerTransition,
			Timestamp: o.now(),
			ServerID:  key.ServerID,
			Model:     key.Model,
			From:      from.String(),
			To:        to.String(),
		})
	})
	o.breakers.SetUnhealthyHook(func(serverID string) {
		o.registry.SetHealthy(serverID, false)
	})

	return o, nil
}

// SetAlgorithm swaps the selection algorithm at runtime. In-flight requests
// finish under the selector they started with.
func (o *Orchestrator) SetAlgorithm(name string) error {
	selector, err := o.factory.Create(name)
	if err != nil {
		return err
	}
	o.selMu.Lock()
	o.selector = selector
	o.selMu.Unlock()
	o.logger.Info("Selection algorithm changed", "algorithm", name)
	return nil
}

func (o *Orchestrator) currentSelector() domain.ServerSelector {
	o.selMu.RLock()
	defer o.selMu.RUnlock()
	return o.selector
}

// Registry exposes the server admin surface.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Metrics exposes the telemetry read surface.
func (o *Orchestrator) Metrics() *telemetry.Aggregator { return o.aggregator }

// Queue exposes queue stats and admin operations.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Scheduler exposes health-check stats and recovery failure records.
func (o *Orchestrator) Scheduler() *health.Scheduler { return o.scheduler }

// BreakerSnapshots returns the current view of every circuit.
func (o *Orchestrator) BreakerSnapshots() []domain.BreakerSnapshot {
	return o.breakers.Snapshots()
}

// Subscribe taps the system event stream.
func (o *Orchestrator) Subscribe(ctx context.Context) (<-chan domain.SystemEvent, func()) {
	return o.events.Subscribe(ctx)
}

// Start restores persisted state and launches the background loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cfg.Features.EnablePersistence && o.store != nil {
		o.restore()
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.scheduler.Run(ctx)
	}()

	if o.cfg.Features.EnableQueue {
		o.wg.Add(2)
		go func() {
			defer o.wg.Done()
			o.queue.Run(ctx)
		}()
		go func() {
			defer o.wg.Done()
			o.runQueuePump(ctx)
		}()
	}

	if o.cfg.Features.EnableCircuitBreaker {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.breakers.Run(ctx)
		}()
	}

	if o.cfg.Features.EnablePersistence && o.store != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runFlusher(ctx)
		}()
	}

	o.logger.Info("Orchestrator started",
		"algorithm", o.currentSelector().Name(),
		"servers", len(o.registry.List()))
	return nil
}

// Stop drains in-flight work, flushes state and shuts the event bus.
func (o *Orchestrator) Stop(drainTimeout time.Duration) {
	if o.cfg.Features.EnableQueue {
		o.queue.Pause()
		if !o.queue.Drain(drainTimeout) {
			o.logger.Warn("Drain timed out with work outstanding", "timeout", drainTimeout)
		}
		o.queue.Close()
	}

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	if o.cfg.Features.EnablePersistence && o.store != nil {
		o.flush()
	}
	o.events.Shutdown()
	o.logger.Info("Orchestrator stopped")
}

// RemoveServer unregisters a server and drops all state keyed to it.
func (o *Orchestrator) RemoveServer(id string) error {
	if err := o.registry.Remove(id); err != nil {
		return err
	}
	o.aggregator.Forget(id)
	o.breakers.Forget(id)
	o.scheduler.Forget(id)
	o.history.dropServer(id)
	o.cooldowns.Range(func(key string, _ time.Time) bool {
		if pairServerID(key) == id {
			o.cooldowns.Delete(key)
		}
		return true
	})
	return nil
}

// Servers implements ports.HealthDelegate.
func (o *Orchestrator) Servers() []*domain.Server {
	return o.registry.List()
}

// HalfOpenModels implements ports.HealthDelegate.
func (o *Orchestrator) HalfOpenModels() []domain.PairKey {
	return o.breakers.HalfOpenModels()
}

// OnProbeResult implements ports.HealthDelegate.
func (o *Orchestrator) OnProbeResult(result domain.ProbeResult) {
	before, err := o.registry.Get(result.ServerID)
	wasHealthy := err == nil && before.Healthy

	o.registry.ApplyProbe(result)

	if err == nil && wasHealthy != result.Healthy {
		o.events.Publish(domain.SystemEvent{
			Type:      domain.EventHealthTransition,
			Timestamp: o.now(),
			ServerID:  result.ServerID,
			From:      healthLabel(wasHealthy),
			To:        healthLabel(result.Healthy),
		})
		if result.Healthy {
			o.pumpQueue()
		}
	}
}

// OnActiveTestResult implements ports.HealthDelegate: active test outcomes
// feed the pair's breaker exactly like live traffic.
func (o *Orchestrator) OnActiveTestResult(key domain.PairKey, err error) {
	b := o.breakers.Get(key.ServerID, key.Model)
	if !b.CanExecute() {
		return
	}
	if err == nil {
		b.RecordSuccess()
		o.pumpQueue()
		return
	}
	b.RecordFailure(domain.KindOf(err), err.Error())
}

func healthLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

// restore loads persisted servers, bans, metrics and histories.
func (o *Orchestrator) restore() {
	if err := o.registry.LoadPersisted(); err != nil {
		o.logger.Warn("Failed to restore server registry", "error", err)
	}

	if dump, err := o.store.LoadMetrics(); err == nil && len(dump.Servers) > 0 {
		o.aggregator.Restore(dump)
	}
	if decisions, err := o.store.LoadDecisions(); err == nil {
		o.history.restoreDecisions(decisions)
	}
	if requests, err := o.store.LoadRequests(); err == nil {
		o.history.restoreRequests(requests)
	}
	if failures, err := o.store.LoadRecoveryFailures(); err == nil {
		o.scheduler.RestoreRecoveryFailures(failures)
	}
}

func (o *Orchestrator) flush() {
	if err := o.store.SaveServers(o.registry.Snapshot()); err != nil {
		o.logger.Warn("Failed to persist servers", "error", err)
	}
	if err := o.store.SaveBans(o.registry.Bans()); err != nil {
		o.logger.Warn("Failed to persist bans", "error", err)
	}
	if o.cfg.Features.EnableMetrics {
		if err := o.store.SaveMetrics(o.aggregator.Dump()); err != nil {
			o.logger.Warn("Failed to persist metrics", "error", err)
		}
	}
	if err := o.store.SaveDecisions(o.history.decisionList()); err != nil {
		o.logger.Warn("Failed to persist decision history", "error", err)
	}
	if err := o.store.SaveRequests(o.history.requestMap()); err != nil {
		o.logger.Warn("Failed to persist request history", "error", err)
	}
	if err := o.store.SaveRecoveryFailures(o.scheduler.RecoveryFailures()); err != nil {
		o.logger.Warn("Failed to persist recovery failures", "error", err)
	}
}

func (o *Orchestrator) runFlusher(ctx context.Context) {
	interval := o.cfg.Persistence.FlushInterval
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
			o.flush()
		}
	}
}

// pumpQueue nudges the queue pump without blocking.
func (o *Orchestrator) pumpQueue() {
	select {
	case o.queuePump <- struct{}{}:
	default:
	}
}

// runQueuePump grants queued requests whenever capacity may have freed: on
// explicit nudges (request completion, health recovery) and on a slow tick
// as a safety net.
func (o *Orchestrator) runQueuePump(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.queuePump:
		case <-ticker.C:
		}
		// Grant while waiters exist; each granted request re-checks
		// candidates itself and re-queues if still saturated.
		for o.queue.Dequeue() != nil {
		}
	}
}
