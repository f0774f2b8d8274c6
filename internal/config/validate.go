package config

import (
	"fmt"
	"time"
)

// Validate enforces the documented ranges. Values outside them are a
// startup error, not a clamp.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}

	q := c.Queue
	if q.MaxSize < 1 {
		return fmt.Errorf("queue.max_size must be >= 1, got %d", q.MaxSize)
	}
	if q.Timeout < time.Second {
		return fmt.Errorf("queue.timeout must be >= 1s, got %s", q.Timeout)
	}
	if q.PriorityBoostInterval < time.Second {
		return fmt.Errorf("queue.priority_boost_interval must be >= 1s, got %s", q.PriorityBoostInterval)
	}
	if q.PriorityBoostAmount < 1 {
		return fmt.Errorf("queue.priority_boost_amount must be >= 1, got %d", q.PriorityBoostAmount)
	}
	if q.MaxPriority < 1 {
		return fmt.Errorf("queue.max_priority must be >= 1, got %d", q.MaxPriority)
	}

	lb := c.LoadBalancer
	for name, w := range map[string]float64{
		"latency":         lb.Weights.Latency,
		"success_rate":    lb.Weights.SuccessRate,
		"load":            lb.Weights.Load,
		"capacity":        lb.Weights.Capacity,
		"circuit_breaker": lb.Weights.CircuitBreaker,
		"timeout":         lb.Weights.Timeout,
	} {
		if w < 0 {
			return fmt.Errorf("load_balancer.weights.%s must be >= 0, got %f", name, w)
		}
	}
	if lb.Weights.Sum() <= 0 {
		return fmt.Errorf("load_balancer.weights must have a positive sum")
	}
	if lb.Thresholds.MaxP95Latency < 100*time.Millisecond {
		return fmt.Errorf("load_balancer.thresholds.max_p95_latency must be >= 100ms, got %s", lb.Thresholds.MaxP95Latency)
	}
	for name, v := range map[string]float64{
		"min_success_rate":        lb.Thresholds.MinSuccessRate,
		"latency_penalty":         lb.Thresholds.LatencyPenalty,
		"error_penalty":           lb.Thresholds.ErrorPenalty,
		"circuit_breaker_penalty": lb.Thresholds.CircuitBreakerPenalty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("load_balancer.thresholds.%s must be in [0, 1], got %f", name, v)
		}
	}
	if lb.LoadFactorMultiplier < 0 {
		return fmt.Errorf("load_balancer.load_factor_multiplier must be >= 0, got %f", lb.LoadFactorMultiplier)
	}
	if lb.DefaultLatency <= 0 {
		return fmt.Errorf("load_balancer.default_latency must be > 0, got %s", lb.DefaultLatency)
	}
	if lb.DefaultMaxConcurrency < 1 {
		return fmt.Errorf("load_balancer.default_max_concurrency must be >= 1, got %d", lb.DefaultMaxConcurrency)
	}
	if lb.Streaming.DurationEstimateMultiplier < 1 {
		return fmt.Errorf("load_balancer.streaming.duration_estimate_multiplier must be >= 1, got %f", lb.Streaming.DurationEstimateMultiplier)
	}
	if lb.RoundRobin.StickySessionsTTL < 0 {
		return fmt.Errorf("load_balancer.round_robin.sticky_sessions_ttl must be >= 0, got %s", lb.RoundRobin.StickySessionsTTL)
	}
	if lb.LeastConnections.FailureRatePenalty < 0 {
		return fmt.Errorf("load_balancer.least_connections.failure_rate_penalty must be >= 0, got %f", lb.LeastConnections.FailureRatePenalty)
	}

	cb := c.CircuitBreaker
	if cb.MinFailureThreshold < 1 || cb.MaxFailureThreshold < cb.MinFailureThreshold {
		return fmt.Errorf("circuit_breaker failure threshold bounds invalid: min=%d max=%d", cb.MinFailureThreshold, cb.MaxFailureThreshold)
	}
	if cb.BaseFailureThreshold < cb.MinFailureThreshold || cb.BaseFailureThreshold > cb.MaxFailureThreshold {
		return fmt.Errorf("circuit_breaker.base_failure_threshold %d outside [%d, %d]", cb.BaseFailureThreshold, cb.MinFailureThreshold, cb.MaxFailureThreshold)
	}
	if cb.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_requests must be >= 1, got %d", cb.HalfOpenMaxRequests)
	}
	if cb.RecoverySuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.recovery_success_threshold must be >= 1, got %d", cb.RecoverySuccessThreshold)
	}
	if cb.ErrorRateThreshold < 0 || cb.ErrorRateThreshold > 1 {
		return fmt.Errorf("circuit_breaker.error_rate_threshold must be in [0, 1], got %f", cb.ErrorRateThreshold)
	}
	if cb.ErrorRateSmoothing < 0 || cb.ErrorRateSmoothing > 1 {
		return fmt.Errorf("circuit_breaker.error_rate_smoothing must be in [0, 1], got %f", cb.ErrorRateSmoothing)
	}
	if cb.ModelEscalation.RatioThreshold < 0 || cb.ModelEscalation.RatioThreshold > 1 {
		return fmt.Errorf("circuit_breaker.model_escalation.ratio_threshold must be in [0, 1], got %f", cb.ModelEscalation.RatioThreshold)
	}

	if c.Metrics.HistoryWindowMinutes < 1 {
		return fmt.Errorf("metrics.history_window_minutes must be >= 1, got %d", c.Metrics.HistoryWindowMinutes)
	}
	if d := c.Metrics.Decay; d.MinDecayFactor < 0 || d.MinDecayFactor > 1 {
		return fmt.Errorf("metrics.decay.min_decay_factor must be in [0, 1], got %f", d.MinDecayFactor)
	}

	st := c.Streaming
	if st.MaxConcurrentStreams < 1 {
		return fmt.Errorf("streaming.max_concurrent_streams must be >= 1, got %d", st.MaxConcurrentStreams)
	}
	if st.Timeout < time.Second {
		return fmt.Errorf("streaming.timeout must be >= 1s, got %s", st.Timeout)
	}
	if st.BufferSize < 1 {
		return fmt.Errorf("streaming.buffer_size must be >= 1, got %d", st.BufferSize)
	}
	if st.ActivityTimeout < time.Second {
		return fmt.Errorf("streaming.activity_timeout must be >= 1s, got %s", st.ActivityTimeout)
	}

	hc := c.HealthCheck
	if hc.Interval < time.Second {
		return fmt.Errorf("health_check.interval must be >= 1s, got %s", hc.Interval)
	}
	if hc.Timeout < 500*time.Millisecond {
		return fmt.Errorf("health_check.timeout must be >= 500ms, got %s", hc.Timeout)
	}
	if hc.MaxConcurrentChecks < 1 {
		return fmt.Errorf("health_check.max_concurrent_checks must be >= 1, got %d", hc.MaxConcurrentChecks)
	}
	if hc.RetryAttempts < 0 {
		return fmt.Errorf("health_check.retry_attempts must be >= 0, got %d", hc.RetryAttempts)
	}
	if hc.RetryDelay < time.Millisecond {
		return fmt.Errorf("health_check.retry_delay must be >= 1ms, got %s", hc.RetryDelay)
	}
	if hc.RecoveryInterval < time.Second {
		return fmt.Errorf("health_check.recovery_interval must be >= 1s, got %s", hc.RecoveryInterval)
	}
	if hc.FailureThreshold < 1 || hc.SuccessThreshold < 1 {
		return fmt.Errorf("health_check failure/success thresholds must be >= 1")
	}
	if hc.BackoffMultiplier < 1 {
		return fmt.Errorf("health_check.backoff_multiplier must be >= 1, got %f", hc.BackoffMultiplier)
	}

	r := c.Retry
	if r.MaxRetriesPerServer < 0 {
		return fmt.Errorf("retry.max_retries_per_server must be >= 0, got %d", r.MaxRetriesPerServer)
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1, got %f", r.BackoffMultiplier)
	}

	if c.Cooldown.DefaultMaxConcurrency < 1 {
		return fmt.Errorf("cooldown.default_max_concurrency must be >= 1, got %d", c.Cooldown.DefaultMaxConcurrency)
	}
	if c.Persistence.BackupDepth < 0 {
		return fmt.Errorf("persistence.backup_depth must be >= 0, got %d", c.Persistence.BackupDepth)
	}

	return nil
}
