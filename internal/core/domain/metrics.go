package domain

import "time"

// Resolution names one tumbling-window size tracked per (server, model).
type Resolution string

const (
	Res1m  Resolution = "1m"
	Res5m  Resolution = "5m"
	Res15m Resolution = "15m"
	Res1h  Resolution = "1h"
	Res24h Resolution = "24h"
)

// Resolutions in ascending order; the aggregator maintains all of them.
var Resolutions = []Resolution{Res1m, Res5m, Res15m, Res1h, Res24h}

func (r Resolution) Duration() time.Duration {
	switch r {
	case Res1m:
		return time.Minute
	case Res5m:
		return 5 * time.Minute
	case Res15m:
		return 15 * time.Minute
	case Res1h:
		return time.Hour
	case Res24h:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// MetricsEvent is one completed (or failed) request observation. The
// aggregator is fed exactly one event per attempt outcome the orchestrator
// decides to count.
type MetricsEvent struct {
	ServerID          string
	Model             string
	Latency           time.Duration
	Success           bool
	ErrorKind         ErrorKind
	TokensPrompt      int64
	TokensGenerated   int64
	Streaming         bool
	TTFT              time.Duration
	StreamingDuration time.Duration
	Timestamp         time.Time
}

// MetricsWindow is one tumbling window of integer counters. Streaming sums
// stay zero for windows that only saw unary traffic.
type MetricsWindow struct {
	StartTime            time.Time     `json:"startTime"`
	EndTime              time.Time     `json:"endTime"`
	Count                int64         `json:"count"`
	Errors               int64         `json:"errors"`
	LatencySum           time.Duration `json:"latencySum"`
	LatencySquaredSum    float64       `json:"latencySquaredSum"`
	MinLatency           time.Duration `json:"minLatency"`
	MaxLatency           time.Duration `json:"maxLatency"`
	TokensGenerated      int64         `json:"tokensGenerated"`
	TokensPrompt         int64         `json:"tokensPrompt"`
	StreamCount          int64         `json:"streamCount,omitempty"`
	TTFTSum              time.Duration `json:"ttftSum,omitempty"`
	StreamingDurationSum time.Duration `json:"streamingDurationSum,omitempty"`
}

type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// PairSnapshot is the coherent read view for one (server, model) handed to
// the load balancer and the health surface.
type PairSnapshot struct {
	ServerID string `json:"serverId"`
	Model    string `json:"model"`

	InFlight int64 `json:"inFlight"`
	Queued   int64 `json:"queued"`

	SuccessRate    float64 `json:"successRate"`
	Throughput     float64 `json:"throughput"` // req/min, smoothed
	AvgTokens      float64 `json:"avgTokensPerRequest"`
	TotalRequests  int64   `json:"totalRequests"`
	TotalErrors    int64   `json:"totalErrors"`
	RecentFailures int64   `json:"recentFailures"` // 1m window errors

	Latency     Percentiles   `json:"percentiles"`
	TTFT        Percentiles   `json:"ttftPercentiles"`
	AvgTTFT     time.Duration `json:"avgTtft,omitempty"`
	AvgStream   time.Duration `json:"avgStreamingDuration,omitempty"`
	LastLatency time.Duration `json:"lastLatency"`

	Windows     map[Resolution]MetricsWindow `json:"windows"`
	LastUpdated time.Time                    `json:"lastUpdated"`
}

// MetricsDump is the persisted form: one snapshot per "<serverId>:<model>".
type MetricsDump struct {
	Timestamp time.Time                `json:"timestamp"`
	Servers   map[string]PairSnapshot  `json:"servers"`
}
