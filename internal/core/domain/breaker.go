package domain

import "time"

type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSnapshot is a coherent read view of one (server, model) breaker.
type BreakerSnapshot struct {
	ServerID             string       `json:"serverId"`
	Model                string       `json:"model"`
	State                BreakerState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutiveFailures"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses"`
	FailureThreshold     int          `json:"failureThreshold"`
	OpenedAt             time.Time    `json:"openedAt,omitempty"`
	HalfOpenStartedAt    time.Time    `json:"halfOpenStartedAt,omitempty"`
	HalfOpenInFlight     int          `json:"halfOpenInFlight"`
	ErrorRate            float64      `json:"errorRate"`
	LastErrorKind        ErrorKind    `json:"lastErrorKind,omitempty"`
	LastFailureReason    string       `json:"lastFailureReason,omitempty"`
}

// PairKey identifies one (server, model) partition.
type PairKey struct {
	ServerID string `json:"serverId"`
	Model    string `json:"model"`
}

func (k PairKey) String() string { return k.ServerID + ":" + k.Model }
