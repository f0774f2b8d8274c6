package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nareth/helmsman/internal/adapter/breaker"
	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/core/ports"
	"github.com/nareth/helmsman/internal/logger"
	"github.com/nareth/helmsman/internal/util"
)

const (
	mainBatchDelay     = 100 * time.Millisecond
	recoveryBatchDelay = 500 * time.Millisecond

	// recovery probes run narrower than the main sweep
	recoveryConcurrency = 2
)

// Stats is the scheduler's own run accounting, exposed on the admin surface.
type Stats struct {
	LastMainRun     time.Time `json:"lastMainRun,omitempty"`
	LastRecoveryRun time.Time `json:"lastRecoveryRun,omitempty"`
	ProbesRun       int64     `json:"probesRun"`
	ProbeFailures   int64     `json:"probeFailures"`
	ActiveTests     int64     `json:"activeTests"`
	ActiveTestFails int64     `json:"activeTestFailures"`
}

type healthState struct {
	consecutiveFailures  int
	consecutiveSuccesses int
}

// Scheduler drives two probe loops: a main sweep over every server and a
// narrower recovery sweep over unhealthy ones. After each successful main
// probe it issues active model-level tests for half-open circuits.
type Scheduler struct {
	cfg    config.HealthCheckConfig
	client ports.BackendClient

	delegate ports.HealthDelegate

	mu           sync.Mutex
	serverHealth map[string]*healthState
	testStates   map[domain.PairKey]*testState
	failures     []domain.RecoveryFailureRecord
	stats        Stats

	onRecoveryFailure func(domain.RecoveryFailureRecord)

	logger *logger.StyledLogger
	now    func() time.Time
}

func NewScheduler(cfg config.HealthCheckConfig, client ports.BackendClient, delegate ports.HealthDelegate, log *logger.StyledLogger) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		client:       client,
		delegate:     delegate,
		serverHealth: make(map[string]*healthState),
		testStates:   make(map[domain.PairKey]*testState),
		logger:       log,
		now:          time.Now,
	}
}

// SetRecoveryFailureHook registers a sink for failure records, called outside
// the scheduler lock. Must be set before Run.
func (s *Scheduler) SetRecoveryFailureHook(hook func(domain.RecoveryFailureRecord)) {
	s.onRecoveryFailure = hook
}

// Run blocks until ctx is done. An immediate sweep precedes the tickers so a
// fresh process learns fleet health without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return
	}

	s.runMainCycle(ctx)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runMainCycle(ctx)
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRecoveryCycle(ctx)
			}
		}
	}()

	wg.Wait()
}

func (s *Scheduler) runMainCycle(ctx context.Context) {
	servers := s.delegate.Servers()
	s.sweep(ctx, servers, s.cfg.MaxConcurrentChecks, mainBatchDelay)

	s.mu.Lock()
	s.stats.LastMainRun = s.now()
	s.mu.Unlock()

	s.runActiveTests(ctx)
}

func (s *Scheduler) runRecoveryCycle(ctx context.Context) {
	var unhealthy []*domain.Server
	for _, server := range s.delegate.Servers() {
		if !server.Healthy {
			unhealthy = append(unhealthy, server)
		}
	}
	if len(unhealthy) == 0 {
		return
	}

	s.sweep(ctx, unhealthy, recoveryConcurrency, recoveryBatchDelay)

	s.mu.Lock()
	s.stats.LastRecoveryRun = s.now()
	s.mu.Unlock()
}

// sweep probes servers with bounded parallelism and a short delay between
// launches so a large fleet doesn't see a thundering herd.
func (s *Scheduler) sweep(ctx context.Context, servers []*domain.Server, concurrency int, delay time.Duration) {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	for i, server := range servers {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(server *domain.Server) {
			defer wg.Done()
			defer sem.Release(1)

			result := s.probe(ctx, server)
			s.delegate.OnProbeResult(result)
		}(server)
	}
	wg.Wait()
}

// probe runs the enumeration fan-out with in-probe retries for transient
// failure kinds. The server counts as healthy when any enumeration endpoint
// answered within the deadline; the streak thresholds then decide whether the
// recorded health flag actually flips.
func (s *Scheduler) probe(ctx context.Context, server *domain.Server) domain.ProbeResult {
	var result domain.ProbeResult

	for attempt := 0; ; attempt++ {
		result = s.probeOnce(ctx, server)
		if result.Healthy || attempt >= s.cfg.RetryAttempts || !breaker.ProbeRetryable(result.ErrorKind) {
			break
		}
		backoff := util.ExponentialBackoff(attempt, s.cfg.RetryDelay, s.cfg.BackoffMultiplier, 30*time.Second)
		select {
		case <-ctx.Done():
			return result
		case <-time.After(backoff):
		}
	}

	result.Healthy = s.applyThresholds(server, result)

	s.mu.Lock()
	s.stats.ProbesRun++
	if result.Err != nil {
		s.stats.ProbeFailures++
	}
	var streak int
	if state := s.serverHealth[server.ID]; state != nil {
		streak = state.consecutiveFailures
	}
	s.mu.Unlock()

	if result.Err != nil {
		s.recordFailure(domain.RecoveryFailureRecord{
			Timestamp:           s.now(),
			ServerID:            server.ID,
			ErrorKind:           result.ErrorKind,
			ResponseTime:        result.Latency,
			ConsecutiveFailures: streak,
			Source:              failureSourceFor(server),
		})
	}
	return result
}

func failureSourceFor(server *domain.Server) string {
	if server.Healthy {
		return "probe"
	}
	return "recovery"
}

func (s *Scheduler) probeOnce(ctx context.Context, server *domain.Server) domain.ProbeResult {
	result := domain.ProbeResult{ServerID: server.ID}
	started := s.now()

	listCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	models, err := s.client.ListModels(listCtx, server)
	cancel()

	if err == nil {
		result.Healthy = true
		result.SupportsPrimary = true
		result.Models = models
	} else {
		result.ErrorKind = domain.KindOf(err)
		result.Err = err
	}

	// Loaded-model enumeration is best-effort on a short deadline; nil keeps
	// the last known set on the server record.
	loadedCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadedModelsTimeout)
	if loaded, lerr := s.client.ListLoadedModels(loadedCtx, server); lerr == nil {
		result.LoadedModels = loaded
		result.Healthy = true
	}
	cancel()

	// Compat discovery can rescue health when the primary surface is down.
	compatCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	if compat, cerr := s.client.DiscoverCompat(compatCtx, server); cerr == nil {
		result.SupportsCompat = compat
		if compat {
			result.Healthy = true
		}
	}
	cancel()

	result.Latency = s.now().Sub(started)
	if result.Healthy {
		result.Err = nil
		result.ErrorKind = domain.ErrKindNone
	}
	return result
}

// applyThresholds debounces health flips: a healthy server needs
// failureThreshold consecutive bad probes to go down, an unhealthy one
// successThreshold good probes to come back.
func (s *Scheduler) applyThresholds(server *domain.Server, result domain.ProbeResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.serverHealth[server.ID]
	if !ok {
		state = &healthState{}
		s.serverHealth[server.ID] = state
	}

	if result.Healthy {
		state.consecutiveSuccesses++
		state.consecutiveFailures = 0
		if !server.Healthy && state.consecutiveSuccesses < s.cfg.SuccessThreshold {
			return false
		}
		return true
	}

	state.consecutiveFailures++
	state.consecutiveSuccesses = 0
	if server.Healthy && state.consecutiveFailures < s.cfg.FailureThreshold {
		return true
	}
	return false
}

// Forget drops per-server probe and test state after removal.
func (s *Scheduler) Forget(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.serverHealth, serverID)
	for key := range s.testStates {
		if key.ServerID == serverID {
			delete(s.testStates, key)
		}
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RecoveryFailures returns the retained failure records, newest last.
func (s *Scheduler) RecoveryFailures() []domain.RecoveryFailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RecoveryFailureRecord(nil), s.failures...)
}

// RestoreRecoveryFailures seeds the retained records from persistence.
func (s *Scheduler) RestoreRecoveryFailures(records []domain.RecoveryFailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(records) > maxFailureRecords {
		records = records[len(records)-maxFailureRecords:]
	}
	s.failures = append([]domain.RecoveryFailureRecord(nil), records...)
}

const maxFailureRecords = 256

func (s *Scheduler) recordFailure(record domain.RecoveryFailureRecord) {
	s.mu.Lock()
	s.failures = append(s.failures, record)
	if len(s.failures) > maxFailureRecords {
		s.failures = s.failures[len(s.failures)-maxFailureRecords:]
	}
	hook := s.onRecoveryFailure
	s.mu.Unlock()

	if hook != nil {
		hook(record)
	}
}
