package config

import (
	"fmt"
	"time"
)

// Config is the validated configuration snapshot the orchestrator consumes.
// Loading and hot reload happen in this package; the core never re-reads
// the environment on a hot path.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Features       FeaturesConfig       `yaml:"features"`
	Queue          QueueConfig          `yaml:"queue"`
	LoadBalancer   LoadBalancerConfig   `yaml:"load_balancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Streaming      StreamingConfig      `yaml:"streaming"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check"`
	Retry          RetryConfig          `yaml:"retry"`
	Cooldown       CooldownConfig       `yaml:"cooldown"`
	Persistence    PersistenceConfig    `yaml:"persistence"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	FileOutput bool   `yaml:"file_output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

type FeaturesConfig struct {
	EnableQueue          bool `yaml:"enable_queue"`
	EnableCircuitBreaker bool `yaml:"enable_circuit_breaker"`
	EnableMetrics        bool `yaml:"enable_metrics"`
	EnableStreaming      bool `yaml:"enable_streaming"`
	EnablePersistence    bool `yaml:"enable_persistence"`
}

type QueueConfig struct {
	MaxSize               int           `yaml:"max_size"`
	Timeout               time.Duration `yaml:"timeout"`
	PriorityBoostInterval time.Duration `yaml:"priority_boost_interval"`
	PriorityBoostAmount   int           `yaml:"priority_boost_amount"`
	MaxPriority           int           `yaml:"max_priority"`
}

type LoadBalancerConfig struct {
	Algorithm              string                 `yaml:"algorithm"`
	Weights                ScoreWeights           `yaml:"weights"`
	Thresholds             ScoreThresholds        `yaml:"thresholds"`
	LatencyBlendRecent     float64                `yaml:"latency_blend_recent"`
	LatencyBlendHistorical float64                `yaml:"latency_blend_historical"`
	LoadFactorMultiplier   float64                `yaml:"load_factor_multiplier"`
	DefaultLatency         time.Duration          `yaml:"default_latency"`
	DefaultMaxConcurrency  int                    `yaml:"default_max_concurrency"`
	Streaming              StreamingScoreConfig   `yaml:"streaming"`
	RoundRobin             RoundRobinConfig       `yaml:"round_robin"`
	LeastConnections       LeastConnectionsConfig `yaml:"least_connections"`
}

type ScoreWeights struct {
	Latency        float64 `yaml:"latency"`
	SuccessRate    float64 `yaml:"success_rate"`
	Load           float64 `yaml:"load"`
	Capacity       float64 `yaml:"capacity"`
	CircuitBreaker float64 `yaml:"circuit_breaker"`
	Timeout        float64 `yaml:"timeout"`
}

func (w ScoreWeights) Sum() float64 {
	return w.Latency + w.SuccessRate + w.Load + w.Capacity + w.CircuitBreaker + w.Timeout
}

type ScoreThresholds struct {
	MaxP95Latency         time.Duration `yaml:"max_p95_latency"`
	MinSuccessRate        float64       `yaml:"min_success_rate"`
	LatencyPenalty        float64       `yaml:"latency_penalty"`
	ErrorPenalty          float64       `yaml:"error_penalty"`
	CircuitBreakerPenalty float64       `yaml:"circuit_breaker_penalty"`
}

type StreamingScoreConfig struct {
	TTFTWeight                 float64 `yaml:"ttft_weight"`
	DurationWeight             float64 `yaml:"duration_weight"`
	TTFTBlendAvg               float64 `yaml:"ttft_blend_avg"`
	TTFTBlendP95               float64 `yaml:"ttft_blend_p95"`
	DurationEstimateMultiplier float64 `yaml:"duration_estimate_multiplier"`
}

type RoundRobinConfig struct {
	SkipUnhealthy     bool          `yaml:"skip_unhealthy"`
	CheckCapacity     bool          `yaml:"check_capacity"`
	StickySessionsTTL time.Duration `yaml:"sticky_sessions_ttl"`
}

type LeastConnectionsConfig struct {
	SkipUnhealthy       bool    `yaml:"skip_unhealthy"`
	ConsiderCapacity    bool    `yaml:"consider_capacity"`
	ConsiderFailureRate bool    `yaml:"consider_failure_rate"`
	FailureRatePenalty  float64 `yaml:"failure_rate_penalty"`
}

type CircuitBreakerConfig struct {
	BaseFailureThreshold        int                   `yaml:"base_failure_threshold"`
	MinFailureThreshold         int                   `yaml:"min_failure_threshold"`
	MaxFailureThreshold         int                   `yaml:"max_failure_threshold"`
	AdaptiveThresholds          bool                  `yaml:"adaptive_thresholds"`
	AdaptiveThresholdAdjustment int                   `yaml:"adaptive_threshold_adjustment"`
	OpenTimeout                 time.Duration         `yaml:"open_timeout"`
	HalfOpenTimeout             time.Duration         `yaml:"half_open_timeout"`
	HalfOpenMaxRequests         int                   `yaml:"half_open_max_requests"`
	RecoverySuccessThreshold    int                   `yaml:"recovery_success_threshold"`
	ErrorRateWindow             time.Duration         `yaml:"error_rate_window"`
	ErrorRateThreshold          float64               `yaml:"error_rate_threshold"`
	ErrorRateSmoothing          float64               `yaml:"error_rate_smoothing"`
	NonRetryableRatioThreshold  float64               `yaml:"non_retryable_ratio_threshold"`
	ErrorPatterns               ErrorPatternsConfig   `yaml:"error_patterns"`
	ModelEscalation             ModelEscalationConfig `yaml:"model_escalation"`
}

type ErrorPatternsConfig struct {
	NonRetryable []string `yaml:"non_retryable"`
	Transient    []string `yaml:"transient"`
}

type ModelEscalationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RatioThreshold    float64       `yaml:"ratio_threshold"`
	DurationThreshold time.Duration `yaml:"duration_threshold"`
	CheckInterval     time.Duration `yaml:"check_interval"`
}

type MetricsConfig struct {
	Enabled              bool        `yaml:"enabled"`
	HistoryWindowMinutes int         `yaml:"history_window_minutes"`
	RecentLatencyWindow  int         `yaml:"recent_latency_window"`
	Decay                DecayConfig `yaml:"decay"`
}

type DecayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HalfLife       time.Duration `yaml:"half_life"`
	MinDecayFactor float64       `yaml:"min_decay_factor"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

type StreamingConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	Timeout              time.Duration `yaml:"timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	ActivityTimeout      time.Duration `yaml:"activity_timeout"`
}

type HealthCheckConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	LoadedModelsTimeout time.Duration `yaml:"loaded_models_timeout"`
	MaxConcurrentChecks int           `yaml:"max_concurrent_checks"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
}

type RetryConfig struct {
	MaxRetriesPerServer  int           `yaml:"max_retries_per_server"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
}

type CooldownConfig struct {
	FailureCooldown       time.Duration `yaml:"failure_cooldown"`
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency"`
}

type PersistenceConfig struct {
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BackupDepth   int           `yaml:"backup_depth"`
}
