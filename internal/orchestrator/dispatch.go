package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nareth/helmsman/internal/adapter/balancer"
	"github.com/nareth/helmsman/internal/core/domain"
	"github.com/nareth/helmsman/internal/util"
)

// Dispatch runs one request through admission, selection, execution with
// same-server retry, and failover. For streaming requests chunks are
// forwarded to out as they arrive; for unary requests the payload comes back
// in the result. The returned error on exhaustion is a *domain.DispatchError
// listing every server tried.
func (o *Orchestrator) Dispatch(ctx context.Context, req *domain.RequestContext, payload []byte, out io.Writer) (*domain.CompletionResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.StartTime = o.now()

	if req.Streaming && (!o.cfg.Features.EnableStreaming || !o.cfg.Streaming.Enabled) {
		return nil, &domain.DispatchError{
			Err:   domain.ErrStreamingDisabled,
			Model: req.Model,
			Kind:  domain.ErrKindBadRequest,
		}
	}

	queued, err := o.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	if queued {
		defer func() {
			o.queue.Done()
			o.pumpQueue()
		}()
	}

	result, err := o.failover(ctx, req, payload, out)

	req.EndTime = o.now()
	req.Duration = req.EndTime.Sub(req.StartTime)
	req.Success = err == nil
	if err != nil {
		req.ErrorKind = domain.KindOf(err)
	}
	if req.ServerID != "" {
		o.history.addRequest(req.ServerID, req.Record())
	}
	return result, err
}

// admit blocks the request in the queue while every otherwise-eligible
// server is at capacity. Returns true when the request passed through the
// queue and owes a Done.
func (o *Orchestrator) admit(ctx context.Context, req *domain.RequestContext) (bool, error) {
	queued := false
	for {
		eligible, saturated := o.candidates(req, nil)
		if len(eligible) > 0 || len(saturated) == 0 {
			// Either capacity exists or nothing would open up by
			// waiting; the failover loop produces the terminal error.
			return queued, nil
		}
		if !o.cfg.Features.EnableQueue {
			return queued, &domain.DispatchError{
				Err:   domain.ErrNoCandidate,
				Model: req.Model,
				Kind:  domain.ErrKindNoCandidate,
			}
		}
		if queued {
			// Granted but beaten to the freed slot; go around again.
			o.queue.Done()
			queued = false
		}

		item, err := o.queue.Enqueue(req)
		if err != nil {
			return false, queueError(req.Model, err)
		}
		for _, c := range saturated {
			o.aggregator.IncQueued(c.Server.ID, req.Model)
		}
		waitStart := o.now()
		err = item.Await(ctx, o.queue)
		req.QueueWait += o.now().Sub(waitStart)
		for _, c := range saturated {
			o.aggregator.DecQueued(c.Server.ID, req.Model)
		}
		if err != nil {
			return false, queueError(req.Model, err)
		}
		queued = true
	}
}

func queueError(model string, err error) error {
	kind := domain.ErrKindInternalState
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		kind = domain.ErrKindQueueFull
	case errors.Is(err, domain.ErrQueueTimeout):
		kind = domain.ErrKindQueueTimeout
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, domain.ErrQueueClosed):
		kind = domain.ErrKindCancelled
	}
	return &domain.DispatchError{Err: err, Model: model, Kind: kind}
}

// failover walks selections until one server completes the request or the
// candidate set is exhausted. A server is tried at most once per request.
func (o *Orchestrator) failover(ctx context.Context, req *domain.RequestContext, payload []byte, out io.Writer) (*domain.CompletionResult, error) {
	tried := make(map[string]bool)
	var attempts []domain.Attempt
	lastKind := domain.ErrKindNoCandidate
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, &domain.DispatchError{Err: err, Model: req.Model, Kind: domain.ErrKindCancelled, Attempts: attempts}
		}

		eligible, _ := o.candidates(req, tried)
		if len(eligible) == 0 {
			break
		}

		selected, scores, reason, err := o.currentSelector().Select(ctx, req, eligible)
		if err != nil {
			break
		}
		o.recordDecision(req, selected, scores, reason)

		server := selected.Server
		breaker := o.breakers.Get(server.ID, req.Model)
		if o.cfg.Features.EnableCircuitBreaker && !breaker.CanExecute() {
			// Lost the half-open slot race; try the next server.
			tried[server.ID] = true
			continue
		}

		req.ServerID = server.ID
		result, err := o.executeOnServer(ctx, selected, req, payload, out)
		if err == nil {
			return result, nil
		}

		kind := domain.KindOf(err)
		if kind == domain.ErrKindCancelled {
			// Client went away; not the server's fault and pointless
			// to fail over.
			return nil, err
		}

		lastKind, lastErr = kind, err
		attempts = append(attempts, domain.Attempt{ServerID: server.ID, Kind: kind})
		tried[server.ID] = true
		o.cooldowns.Store(domain.PairKey{ServerID: server.ID, Model: req.Model}.String(),
			o.now().Add(o.cfg.Cooldown.FailureCooldown))

		o.logger.WarnWithServer("Failing over", server.Name,
			"model", req.Model, "kind", kind.String(), "attempts", len(attempts))
	}

	if lastErr == nil {
		lastErr = domain.ErrNoCandidate
	}
	return nil, &domain.DispatchError{Err: lastErr, Model: req.Model, Kind: lastKind, Attempts: attempts}
}

// executeOnServer runs the request against one server, retrying transient
// failures in place before reporting the terminal attempt outcome to the
// breaker and the aggregator.
func (o *Orchestrator) executeOnServer(ctx context.Context, c *domain.Candidate, req *domain.RequestContext, payload []byte, out io.Writer) (*domain.CompletionResult, error) {
	server := c.Server
	breaker := o.breakers.Get(server.ID, req.Model)

	o.aggregator.IncInFlight(server.ID, req.Model)
	defer o.aggregator.DecInFlight(server.ID, req.Model)

	// Absolute per-attempt deadline scaled to the pair's observed latency.
	timeout := balancer.AdaptiveTimeout(o.cfg.LoadBalancer, c.Metrics)

	var lastErr error
	for attempt := 0; ; attempt++ {
		started := o.now()
		execCtx, cancelAttempt := context.WithTimeout(ctx, timeout)
		result, err := o.client.Execute(execCtx, server, req, payload, out)
		cancelAttempt()
		latency := o.now().Sub(started)

		if err == nil {
			req.TokensPrompt = result.TokensPrompt
			req.TokensGenerated = result.TokensGenerated
			req.TTFT = result.TTFT
			req.StreamingDuration = result.StreamingDuration
			o.observe(server.ID, req, latency, domain.ErrKindNone, result)
			if o.cfg.Features.EnableCircuitBreaker {
				breaker.RecordSuccess()
			}
			return result, nil
		}

		kind := domain.KindOf(err)
		if kind == domain.ErrKindCancelled {
			if o.cfg.Features.EnableCircuitBreaker {
				breaker.ReleaseHalfOpen()
			}
			return nil, err
		}

		lastErr = err
		o.observe(server.ID, req, latency, kind, nil)

		if !o.retryable(kind, err) || attempt >= o.cfg.Retry.MaxRetriesPerServer {
			if o.cfg.Features.EnableCircuitBreaker {
				breaker.RecordFailure(kind, err.Error())
			}
			return nil, lastErr
		}

		delay := util.ExponentialBackoff(attempt, o.cfg.Retry.RetryDelay,
			o.cfg.Retry.BackoffMultiplier, o.cfg.Retry.MaxRetryDelay)
		o.logger.Debug("Retrying on same server",
			"server", server.Name, "model", req.Model,
			"kind", kind.String(), "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return nil, &domain.DispatchError{Err: ctx.Err(), Model: req.Model, Kind: domain.ErrKindCancelled}
		case <-time.After(delay):
		}
	}
}

// retryable gates in-request same-server retries: transient kinds only, and
// for HTTP-level failures only the configured status codes.
func (o *Orchestrator) retryable(kind domain.ErrorKind, err error) bool {
	if !kind.RetryableSameServer() {
		return false
	}
	var re *domain.RequestError
	if errors.As(err, &re) && re.Status != 0 {
		for _, code := range o.cfg.Retry.RetryableStatusCodes {
			if re.Status == code {
				return true
			}
		}
		return false
	}
	return true
}

func (o *Orchestrator) observe(serverID string, req *domain.RequestContext, latency time.Duration, kind domain.ErrorKind, result *domain.CompletionResult) {
	if !o.cfg.Features.EnableMetrics || !o.cfg.Metrics.Enabled {
		return
	}
	event := domain.MetricsEvent{
		ServerID:  serverID,
		Model:     req.Model,
		Latency:   latency,
		Success:   kind == domain.ErrKindNone,
		ErrorKind: kind,
		Streaming: req.Streaming,
		Timestamp: o.now(),
	}
	if result != nil {
		event.TokensPrompt = result.TokensPrompt
		event.TokensGenerated = result.TokensGenerated
		event.TTFT = result.TTFT
		event.StreamingDuration = result.StreamingDuration
	}
	o.aggregator.Record(event)
}

// candidates filters the fleet for a model. The second return lists servers
// excluded only by concurrency saturation, which tells admission whether
// queueing can help.
func (o *Orchestrator) candidates(req *domain.RequestContext, exclude map[string]bool) (eligible, saturated []*domain.Candidate) {
	now := o.now()
	for _, server := range o.registry.List() {
		if exclude[server.ID] {
			continue
		}
		if !server.Healthy || server.InMaintenance() || !server.HasModel(req.Model) {
			continue
		}
		if o.registry.IsBanned(server.ID, req.Model, now) {
			continue
		}
		if o.inCooldown(server.ID, req.Model, now) {
			continue
		}

		breaker := o.breakers.Get(server.ID, req.Model)
		if o.cfg.Features.EnableCircuitBreaker && breaker.State() == domain.BreakerOpen {
			continue
		}

		candidate := &domain.Candidate{
			Server:  server,
			Metrics: o.aggregator.Snapshot(server.ID, req.Model),
			Breaker: breaker.Snapshot(),
		}
		if o.aggregator.InFlight(server.ID, req.Model) >= int64(server.MaxConcurrency) {
			saturated = append(saturated, candidate)
			continue
		}
		eligible = append(eligible, candidate)
	}
	return eligible, saturated
}

func (o *Orchestrator) inCooldown(serverID, model string, now time.Time) bool {
	key := domain.PairKey{ServerID: serverID, Model: model}.String()
	deadline, ok := o.cooldowns.Load(key)
	if !ok {
		return false
	}
	if now.Before(deadline) {
		return true
	}
	o.cooldowns.Delete(key)
	return false
}

func (o *Orchestrator) recordDecision(req *domain.RequestContext, selected *domain.Candidate, scores []domain.CandidateScore, reason string) {
	event := domain.DecisionEvent{
		ID:               uuid.NewString(),
		Timestamp:        o.now(),
		Model:            req.Model,
		SelectedServerID: selected.Server.ID,
		Algorithm:        o.currentSelector().Name(),
		SelectionReason:  reason,
		Candidates:       scores,
	}
	o.history.addDecision(event)
	o.events.Publish(domain.SystemEvent{
		Type:      domain.EventDecision,
		Timestamp: event.Timestamp,
		ServerID:  selected.Server.ID,
		Model:     req.Model,
		Detail:    event.Algorithm,
	})
}

// RecentDecisions returns the newest selection decisions, capped at limit.
func (o *Orchestrator) RecentDecisions(limit int) []domain.DecisionEvent {
	return o.history.recentDecisions(limit)
}

// ServerHistory returns the retained request records for one server.
func (o *Orchestrator) ServerHistory(serverID string) []domain.RequestRecord {
	return o.history.serverRequests(serverID)
}

func pairServerID(key string) string {
	id, _, _ := strings.Cut(key, ":")
	return id
}
