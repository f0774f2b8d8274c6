package domain

import "time"

// ScoreBreakdown explains how one candidate scored under the active
// algorithm. Algorithms that don't compute a component leave it zero.
type ScoreBreakdown struct {
	Latency        float64 `json:"latency"`
	SuccessRate    float64 `json:"successRate"`
	Load           float64 `json:"load"`
	Capacity       float64 `json:"capacity"`
	CircuitBreaker float64 `json:"circuitBreaker,omitempty"`
	Timeout        float64 `json:"timeout,omitempty"`
}

type CandidateScore struct {
	ServerID   string         `json:"serverId"`
	TotalScore float64        `json:"totalScore"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
	Snapshot   *PairSnapshot  `json:"snapshotMetrics,omitempty"`
}

// DecisionEvent records one selection for diagnostics, retained for a
// bounded window.
type DecisionEvent struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	Model            string           `json:"model"`
	SelectedServerID string           `json:"selectedServerId"`
	Algorithm        string           `json:"algorithm"`
	SelectionReason  string           `json:"selectionReason,omitempty"`
	Candidates       []CandidateScore `json:"candidates"`
}

// RecoveryFailureRecord is produced by the health scheduler when a probe or
// active recovery test fails.
type RecoveryFailureRecord struct {
	Timestamp           time.Time     `json:"timestamp"`
	ServerID            string        `json:"serverId"`
	Model               string        `json:"model,omitempty"`
	ErrorKind           ErrorKind     `json:"errorKind"`
	ResponseTime        time.Duration `json:"responseTimeMs,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Source              string        `json:"source"` // "probe" | "recovery" | "active-test"
	BreakerState        string        `json:"circuitBreakerState,omitempty"`
}

type EventType string

const (
	EventBreakerTransition EventType = "breaker_transition"
	EventHealthTransition  EventType = "health_transition"
	EventDecision          EventType = "decision"
	EventRecoveryFailure   EventType = "recovery_failure"
)

// SystemEvent is the tagged variant published on the event bus so external
// controllers can subscribe instead of polling snapshots.
type SystemEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ServerID  string    `json:"serverId,omitempty"`
	Model     string    `json:"model,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
