package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the typed failure taxonomy. Classification happens once, at
// the backend adapter boundary; everything above branches on the kind.
type ErrorKind string

const (
	ErrKindNone ErrorKind = ""

	// Transient - retryable on the same server, then failover.
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindConnectionRefused ErrorKind = "connection_refused"
	ErrKindConnectionReset   ErrorKind = "connection_reset"
	ErrKindDNSFailure        ErrorKind = "dns_failure"
	ErrKindHTTPGateway       ErrorKind = "http_gateway"
	ErrKindServiceUnavailable ErrorKind = "service_unavailable"

	// Non-retryable - trip the breaker for that (server, model) and fail over.
	ErrKindOutOfMemory      ErrorKind = "out_of_memory"
	ErrKindModelNotFound    ErrorKind = "model_not_found"
	ErrKindUnauthorized     ErrorKind = "unauthorized"
	ErrKindBadRequest       ErrorKind = "bad_request"
	ErrKindRunnerTerminated ErrorKind = "runner_terminated"
	ErrKindFatalModelServer ErrorKind = "fatal_model_server"

	// Advisory - induced by our own circuit / throttling state.
	ErrKindCircuitOpen ErrorKind = "circuit_open"
	ErrKindRateLimit   ErrorKind = "rate_limit"

	// Orchestrator-originated.
	ErrKindQueueFull     ErrorKind = "queue_full"
	ErrKindQueueTimeout  ErrorKind = "queue_timeout"
	ErrKindCancelled     ErrorKind = "cancelled"
	ErrKindNoCandidate   ErrorKind = "no_candidate"
	ErrKindInternalState ErrorKind = "internal_state"

	ErrKindUnknown ErrorKind = "unknown"
)

// Transient reports whether the kind is expected to clear on its own.
// Rate limiting counts: the backend told us to back off, not that the
// model is broken.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrKindTimeout, ErrKindConnectionRefused, ErrKindConnectionReset,
		ErrKindDNSFailure, ErrKindHTTPGateway, ErrKindServiceUnavailable,
		ErrKindRateLimit:
		return true
	default:
		return false
	}
}

// NonRetryable reports whether the kind must never be retried on the same
// server and should open the breaker immediately.
func (k ErrorKind) NonRetryable() bool {
	switch k {
	case ErrKindOutOfMemory, ErrKindModelNotFound, ErrKindUnauthorized,
		ErrKindBadRequest, ErrKindRunnerTerminated, ErrKindFatalModelServer:
		return true
	default:
		return false
	}
}

// RetryableSameServer reports whether an in-request retry on the same server
// is permitted. Unknown errors are counted like transients but not retried.
func (k ErrorKind) RetryableSameServer() bool {
	return k.Transient()
}

func (k ErrorKind) String() string {
	if k == ErrKindNone {
		return "none"
	}
	return string(k)
}

// RequestError is a classified failure from one attempt against one server.
type RequestError struct {
	Err      error
	ServerID string
	Model    string
	Kind     ErrorKind
	Status   int
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ServerID != "" {
		fmt.Fprintf(&b, " on %s", e.ServerID)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " (model %s)", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " [status %d]", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Err }

// NewRequestError wraps err with a kind and attribution.
func NewRequestError(kind ErrorKind, serverID, model string, status int, err error) *RequestError {
	return &RequestError{Kind: kind, ServerID: serverID, Model: model, Status: status, Err: err}
}

// KindOf extracts the ErrorKind from any error in the chain, defaulting to
// unknown for unclassified errors and none for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrKindNone
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrKindUnknown
}

// Attempt records one (server, kind) pair for exhaustion diagnostics.
type Attempt struct {
	ServerID string    `json:"serverId"`
	Kind     ErrorKind `json:"errorKind"`
}

// DispatchError is the terminal failure surfaced when a request could not be
// served. Kind carries the last observed failure; Attempts lists every
// server tried in order.
type DispatchError struct {
	Err      error
	Model    string
	Kind     ErrorKind
	Attempts []Attempt
}

func (e *DispatchError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("dispatch failed for model %q: %s", e.Model, e.Kind)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.ServerID, a.Kind))
	}
	return fmt.Sprintf("dispatch failed for model %q after %d server(s): %s [%s]",
		e.Model, len(e.Attempts), e.Kind, strings.Join(parts, ", "))
}

func (e *DispatchError) Unwrap() error { return e.Err }

var (
	ErrStreamingDisabled = errors.New("streaming is disabled")

	ErrQueueFull     = errors.New("queue is full")
	ErrQueueTimeout  = errors.New("queued request timed out")
	ErrQueueClosed   = errors.New("queue is closed")
	ErrCancelled     = errors.New("request cancelled")
	ErrNoCandidate   = errors.New("no candidate server available")
	ErrDuplicateURL  = errors.New("server with the same normalised url already exists")
	ErrServerUnknown = errors.New("server not found")
)
