package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nareth/helmsman/internal/config"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/logger"
)

// fakeBackend scripts per-server Execute outcomes; everything else answers
// with empty success so the health scheduler stays quiet in tests.
type fakeBackend struct {
	mu      sync.Mutex
	outcome map[string][]executeOutcome // serverID -> consumed front to back
	calls   map[string]int
}

type executeOutcome struct {
	result *domain.CompletionResult
	err    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		outcome: make(map[string][]executeOutcome),
		calls:   make(map[string]int),
	}
}

func (f *fakeBackend) script(serverID string, outcomes ...executeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome[serverID] = append(f.outcome[serverID], outcomes...)
}

func (f *fakeBackend) callCount(serverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serverID]
}

func (f *fakeBackend) ListModels(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error) {
	return nil, nil
}

func (f *fakeBackend) ListLoadedModels(ctx context.Context, server *domain.Server) ([]domain.LoadedModel, error) {
	return nil, nil
}

func (f *fakeBackend) DiscoverCompat(ctx context.Context, server *domain.Server) (bool, error) {
	return false, nil
}

func (f *fakeBackend) Execute(ctx context.Context, server *domain.Server, req *domain.RequestContext, payload []byte, out io.Writer) (*domain.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[server.ID]++

	queued := f.outcome[server.ID]
	if len(queued) == 0 {
		return &domain.CompletionResult{Body: []byte(`{}`)}, nil
	}
	next := queued[0]
	f.outcome[server.ID] = queued[1:]
	return next.result, next.err
}

func (f *fakeBackend) TestModel(ctx context.Context, server *domain.Server, model string, timeout time.Duration) error {
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Features.EnablePersistence = false
	cfg.HealthCheck.Enabled = false
	cfg.Retry.RetryDelay = time.Millisecond
	cfg.Retry.MaxRetryDelay = 5 * time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, backend *fakeBackend) *Orchestrator {
	t.Helper()
	o, err := New(cfg, backend, nil, logger.NewStyledLogger(slog.Default()))
	require.NoError(t, err)
	return o
}

// addHealthyServer registers a server and marks it healthy with the model
// through the probe path, the same way the scheduler would.
func addHealthyServer(t *testing.T, o *Orchestrator, url string, models ...string) *domain.Server {
	t.Helper()
	server, err := o.Registry().Add(domain.ServerSpec{Name: url, URL: url})
	require.NoError(t, err)

	infos := make([]domain.ModelInfo, len(models))
	for i, m := range models {
		infos[i] = domain.ModelInfo{Name: m}
	}
	o.OnProbeResult(domain.ProbeResult{
		ServerID:        server.ID,
		Healthy:         true,
		Models:          infos,
		SupportsPrimary: true,
	})
	server, err = o.Registry().Get(server.ID)
	require.NoError(t, err)
	return server
}

func serverFailure(serverID string, kind domain.ErrorKind, status int) executeOutcome {
	return executeOutcome{err: domain.NewRequestError(kind, serverID, "m", status, errors.New("backend failure"))}
}

func TestDispatch_HappyPath(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "llama3:8b")

	req := &domain.RequestContext{Model: "llama3:8b", Endpoint: domain.EndpointGenerate}
	result, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, s1.ID, req.ServerID)
	assert.True(t, req.Success)
	assert.NotEmpty(t, req.ID, "ids are assigned when absent")
	assert.Equal(t, 1, backend.callCount(s1.ID))

	snap := o.Metrics().Snapshot(s1.ID, "llama3:8b")
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Zero(t, snap.TotalErrors)

	decisions := o.RecentDecisions(10)
	require.Len(t, decisions, 1)
	assert.Equal(t, s1.ID, decisions[0].SelectedServerID)
	assert.Equal(t, "fastest-response", decisions[0].Algorithm)
	assert.Equal(t, "lowest adjusted latency", decisions[0].SelectionReason)

	history := o.ServerHistory(s1.ID)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestDispatch_StreamingDisabledRejectsStreams(t *testing.T) {
	backend := newFakeBackend()
	cfg := testConfig()
	cfg.Features.EnableStreaming = false
	o := newTestOrchestrator(t, cfg, backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointChat, Streaming: true}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStreamingDisabled)
	assert.Equal(t, domain.ErrKindBadRequest, domain.KindOf(err))
	assert.Zero(t, backend.callCount(s1.ID), "rejected before any server is tried")

	// Unary traffic is unaffected by the streaming gate.
	unary := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err = o.Dispatch(context.Background(), unary, []byte(`{}`), nil)
	require.NoError(t, err)
}

func TestHistoryStore_RetentionFollowsConfiguredWindow(t *testing.T) {
	h := newHistoryStore(time.Minute)
	base := time.Now()

	h.addDecision(domain.DecisionEvent{ID: "old", Timestamp: base})
	h.addDecision(domain.DecisionEvent{ID: "fresh", Timestamp: base.Add(2 * time.Minute)})

	decisions := h.recentDecisions(0)
	require.Len(t, decisions, 1)
	assert.Equal(t, "fresh", decisions[0].ID)
}

func TestDispatch_SameServerRetryOnRetryableStatus(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	// Two 503s then success stays on the same server: transient kind and
	// a retryable status, within the per-server retry budget.
	backend.script(s1.ID,
		serverFailure(s1.ID, domain.ErrKindServiceUnavailable, 503),
		serverFailure(s1.ID, domain.ErrKindServiceUnavailable, 503),
	)

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, backend.callCount(s1.ID))
	assert.True(t, req.Success)

	snaps := o.BreakerSnapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, domain.BreakerClosed, snaps[0].State)
	assert.Zero(t, snaps[0].ConsecutiveFailures, "success resets the streak")
}

func TestDispatch_NoRetryOnNonRetryableStatus(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	// Transient kind but a status outside the retryable set.
	backend.script(s1.ID, serverFailure(s1.ID, domain.ErrKindServiceUnavailable, 500))

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, 1, backend.callCount(s1.ID))
}

func TestDispatch_FailoverOnNonRetryable(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")
	s2 := addHealthyServer(t, o, "http://127.0.0.1:11435", "m")

	backend.script(s1.ID, serverFailure(s1.ID, domain.ErrKindModelNotFound, 404))

	// fastest-response with no history is a tie broken by insertion
	// order, so s1 goes first; s2 answers unscripted, which succeeds.
	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	result, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 1, backend.callCount(s1.ID))
	assert.Equal(t, 1, backend.callCount(s2.ID))
	assert.Equal(t, s2.ID, req.ServerID)

	// The non-retryable failure opened s1's circuit immediately.
	b := o.breakers.Get(s1.ID, "m")
	assert.Equal(t, domain.BreakerOpen, b.State())

	assert.True(t, o.inCooldown(s1.ID, "m", time.Now()),
		"failed server sits out the cooldown window")
}

func TestDispatch_ExhaustionReportsEveryAttempt(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")
	s2 := addHealthyServer(t, o, "http://127.0.0.1:11435", "m")

	backend.script(s1.ID, serverFailure(s1.ID, domain.ErrKindModelNotFound, 404))
	backend.script(s2.ID, serverFailure(s2.ID, domain.ErrKindOutOfMemory, 500))

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.Error(t, err)

	var de *domain.DispatchError
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Attempts, 2)
	assert.Equal(t, s1.ID, de.Attempts[0].ServerID)
	assert.Equal(t, domain.ErrKindModelNotFound, de.Attempts[0].Kind)
	assert.Equal(t, s2.ID, de.Attempts[1].ServerID)
	assert.Equal(t, domain.ErrKindOutOfMemory, de.Kind, "last failure wins the headline kind")
}

func TestDispatch_NoCandidateForUnknownModel(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	req := &domain.RequestContext{Model: "missing", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.Error(t, err)

	var de *domain.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ErrKindNoCandidate, de.Kind)
	assert.Empty(t, de.Attempts)
}

func TestDispatch_SkipsUnhealthyAndOpenCircuits(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")
	s2 := addHealthyServer(t, o, "http://127.0.0.1:11435", "m")
	s3 := addHealthyServer(t, o, "http://127.0.0.1:11436", "m")

	o.Registry().SetHealthy(s1.ID, false)
	b := o.breakers.Get(s2.ID, "m")
	for i := 0; i < 5; i++ {
		b.RecordFailure(domain.ErrKindTimeout, "probe timeout")
	}
	require.Equal(t, domain.BreakerOpen, b.State())

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, s3.ID, req.ServerID)
	assert.Zero(t, backend.callCount(s1.ID))
	assert.Zero(t, backend.callCount(s2.ID))
}

func TestDispatch_ClientCancellationDoesNotFailOver(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")
	s2 := addHealthyServer(t, o, "http://127.0.0.1:11435", "m")

	backend.script(s1.ID, serverFailure(s1.ID, domain.ErrKindCancelled, 0))

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindCancelled, domain.KindOf(err))
	assert.Zero(t, backend.callCount(s2.ID), "client abandonment never cascades")

	b := o.breakers.Get(s1.ID, "m")
	assert.Equal(t, domain.BreakerClosed, b.State())
	assert.Zero(t, b.Snapshot().ConsecutiveFailures)
}

func TestDispatch_QueuesWhenSaturated(t *testing.T) {
	backend := newFakeBackend()
	cfg := testConfig()
	o := newTestOrchestrator(t, cfg, backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	// Fill every slot so admission must park the request.
	for i := 0; i < s1.MaxConcurrency; i++ {
		o.Metrics().IncInFlight(s1.ID, "m")
	}

	done := make(chan error, 1)
	go func() {
		req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
		_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return o.Queue().Stats().Size == 1
	}, time.Second, 5*time.Millisecond, "request parks in the queue")

	// Free a slot and grant the waiter by hand; Start's pump does this in
	// production.
	o.Metrics().DecInFlight(s1.ID, "m")
	require.NotNil(t, o.Queue().Dequeue())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("queued request never completed")
	}
	assert.Equal(t, 1, backend.callCount(s1.ID))
}

func TestDispatch_QueueDisabledFailsFast(t *testing.T) {
	backend := newFakeBackend()
	cfg := testConfig()
	cfg.Features.EnableQueue = false
	o := newTestOrchestrator(t, cfg, backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	for i := 0; i < s1.MaxConcurrency; i++ {
		o.Metrics().IncInFlight(s1.ID, "m")
	}

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindNoCandidate, domain.KindOf(err))
}

func TestOnActiveTestResult_ClosesHalfOpenBreaker(t *testing.T) {
	backend := newFakeBackend()
	cfg := testConfig()
	cfg.CircuitBreaker.RecoverySuccessThreshold = 1
	cfg.CircuitBreaker.OpenTimeout = time.Millisecond
	o := newTestOrchestrator(t, cfg, backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	b := o.breakers.Get(s1.ID, "m")
	b.RecordFailure(domain.ErrKindModelNotFound, "model missing")
	require.Equal(t, domain.BreakerOpen, b.State())

	// Let the open window lapse, then report a passing active test; with
	// the recovery threshold at one success the circuit closes.
	time.Sleep(5 * time.Millisecond)
	key := domain.PairKey{ServerID: s1.ID, Model: "m"}
	o.OnActiveTestResult(key, nil)
	assert.Equal(t, domain.BreakerClosed, b.State())
}

func TestOnActiveTestResult_IgnoredWhileOpen(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	b := o.breakers.Get(s1.ID, "m")
	b.RecordFailure(domain.ErrKindModelNotFound, "model missing")
	require.Equal(t, domain.BreakerOpen, b.State())

	// The open window has not lapsed, so the result is refused.
	o.OnActiveTestResult(domain.PairKey{ServerID: s1.ID, Model: "m"}, nil)
	assert.Equal(t, domain.BreakerOpen, b.State())
}

func TestRemoveServer_DropsAllPartitionedState(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	s1 := addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)
	require.NotEmpty(t, o.ServerHistory(s1.ID))

	require.NoError(t, o.RemoveServer(s1.ID))

	assert.Empty(t, o.ServerHistory(s1.ID))
	assert.Empty(t, o.Registry().List())
	assert.Empty(t, o.BreakerSnapshots())

	snap := o.Metrics().Snapshot(s1.ID, "m")
	assert.Zero(t, snap.TotalRequests, "metrics partition was forgotten")
}

func TestSetAlgorithm_SwapsSelector(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	require.Error(t, o.SetAlgorithm("priority"), "unknown algorithms are rejected")
	require.NoError(t, o.SetAlgorithm("round-robin"))

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)

	decisions := o.RecentDecisions(1)
	require.Len(t, decisions, 1)
	assert.Equal(t, "round-robin", decisions[0].Algorithm)
}

func TestSubscribe_ReceivesDecisionEvents(t *testing.T) {
	backend := newFakeBackend()
	o := newTestOrchestrator(t, testConfig(), backend)
	addHealthyServer(t, o, "http://127.0.0.1:11434", "m")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := o.Subscribe(ctx)
	defer unsubscribe()

	req := &domain.RequestContext{Model: "m", Endpoint: domain.EndpointGenerate}
	_, err := o.Dispatch(context.Background(), req, []byte(`{}`), nil)
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, domain.EventDecision, event.Type)
		assert.Equal(t, "m", event.Model)
	case <-time.After(time.Second):
		t.Fatal("no decision event published")
	}
}
