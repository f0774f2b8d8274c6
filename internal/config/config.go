package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort = 19855
	DefaultHost = "localhost"

	EnvPrefix = "HELM"
)

// DefaultConfig returns a configuration with the documented defaults. Every
// field here passes Validate.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			FileOutput: false,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     14,
		},
		Features: FeaturesConfig{
			EnableQueue:          true,
			EnableCircuitBreaker: true,
			EnableMetrics:        true,
			EnableStreaming:      true,
			EnablePersistence:    true,
		},
		Queue: QueueConfig{
			MaxSize:               100,
			Timeout:               60 * time.Second,
			PriorityBoostInterval: 10 * time.Second,
			PriorityBoostAmount:   5,
			MaxPriority:           100,
		},
		LoadBalancer: LoadBalancerConfig{
			Algorithm: "fastest-response",
			Weights: ScoreWeights{
				Latency:        0.25,
				SuccessRate:    0.20,
				Load:           0.20,
				Capacity:       0.10,
				CircuitBreaker: 0.20,
				Timeout:        0.05,
			},
			Thresholds: ScoreThresholds{
				MaxP95Latency:         30 * time.Second,
				MinSuccessRate:        0.8,
				LatencyPenalty:        0.3,
				ErrorPenalty:          0.5,
				CircuitBreakerPenalty: 0.8,
			},
			LatencyBlendRecent:     0.6,
			LatencyBlendHistorical: 0.4,
			LoadFactorMultiplier:   2.0,
			DefaultLatency:         500 * time.Millisecond,
			DefaultMaxConcurrency:  4,
			Streaming: StreamingScoreConfig{
				TTFTWeight:                 0.6,
				DurationWeight:             0.4,
				TTFTBlendAvg:               0.5,
				TTFTBlendP95:               0.5,
				DurationEstimateMultiplier: 1.5,
			},
			RoundRobin: RoundRobinConfig{
				SkipUnhealthy:     true,
				CheckCapacity:     true,
				StickySessionsTTL: 5 * time.Minute,
			},
			LeastConnections: LeastConnectionsConfig{
				SkipUnhealthy:       true,
				ConsiderCapacity:    true,
				ConsiderFailureRate: true,
				FailureRatePenalty:  2.0,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			BaseFailureThreshold:        5,
			MinFailureThreshold:         3,
			MaxFailureThreshold:         10,
			AdaptiveThresholds:          true,
			AdaptiveThresholdAdjustment: 1,
			OpenTimeout:                 30 * time.Second,
			HalfOpenTimeout:             120 * time.Second,
			HalfOpenMaxRequests:         2,
			RecoverySuccessThreshold:    2,
			ErrorRateWindow:             time.Minute,
			ErrorRateThreshold:          0.5,
			ErrorRateSmoothing:          0.3,
			NonRetryableRatioThreshold:  0.3,
			ErrorPatterns: ErrorPatternsConfig{
				NonRetryable: []string{
					"not found", "invalid", "unauthorized", "forbidden",
					"bad request", "not enough ram", "out of memory",
					"runner terminated", "fatal model server error",
				},
				Transient: []string{
					"timeout", "temporarily unavailable", "rate limit",
					"too many requests", "service unavailable", "gateway timeout",
					"connection reset", "connection refused", "timed out",
				},
			},
			ModelEscalation: ModelEscalationConfig{
				Enabled:           true,
				RatioThreshold:    0.5,
				DurationThreshold: 2 * time.Minute,
				CheckInterval:     30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:              true,
			HistoryWindowMinutes: 1440,
			RecentLatencyWindow:  500,
			Decay: DecayConfig{
				Enabled:        true,
				HalfLife:       5 * time.Minute,
				MinDecayFactor: 0.1,
				StaleThreshold: 2 * time.Minute,
			},
		},
		Streaming: StreamingConfig{
			Enabled:              true,
			MaxConcurrentStreams: 64,
			Timeout:              10 * time.Minute,
			BufferSize:           8 * 1024,
			ActivityTimeout:      120 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:             true,
			Interval:            30 * time.Second,
			Timeout:             5 * time.Second,
			LoadedModelsTimeout: 2 * time.Second,
			MaxConcurrentChecks: 5,
			RetryAttempts:       2,
			RetryDelay:          500 * time.Millisecond,
			RecoveryInterval:    60 * time.Second,
			FailureThreshold:    3,
			SuccessThreshold:    1,
			BackoffMultiplier:   2.0,
		},
		Retry: RetryConfig{
			MaxRetriesPerServer:  2,
			RetryDelay:           200 * time.Millisecond,
			BackoffMultiplier:    2.0,
			MaxRetryDelay:        5 * time.Second,
			RetryableStatusCodes: []int{502, 503, 504},
		},
		Cooldown: CooldownConfig{
			FailureCooldown:       30 * time.Second,
			DefaultMaxConcurrency: 4,
		},
		Persistence: PersistenceConfig{
			Dir:           "./data",
			FlushInterval: 30 * time.Second,
			BackupDepth:   3,
		},
	}
}

// Load reads configuration from an optional yaml file and HELM_* environment
// overrides, then validates the result. A missing file is fine; a malformed
// or out-of-range one is a startup error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("helmsman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.normalise()
	return cfg, nil
}

// normalise applies soft constraints: blend weight pairs are rescaled to
// sum to one rather than rejected.
func (c *Config) normalise() {
	if sum := c.LoadBalancer.LatencyBlendRecent + c.LoadBalancer.LatencyBlendHistorical; sum > 0 && sum != 1 {
		c.LoadBalancer.LatencyBlendRecent /= sum
		c.LoadBalancer.LatencyBlendHistorical /= sum
	}
	s := &c.LoadBalancer.Streaming
	if sum := s.TTFTWeight + s.DurationWeight; sum > 0 && sum != 1 {
		s.TTFTWeight /= sum
		s.DurationWeight /= sum
	}
	if sum := s.TTFTBlendAvg + s.TTFTBlendP95; sum > 0 && sum != 1 {
		s.TTFTBlendAvg /= sum
		s.TTFTBlendP95 /= sum
	}
}
