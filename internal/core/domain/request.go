package domain

import "time"

type EndpointKind string

const (
	EndpointList     EndpointKind = "list"
	EndpointGenerate EndpointKind = "generate"
	EndpointChat     EndpointKind = "chat"
	EndpointEmbed    EndpointKind = "embed"
)

// RequestContext travels with one user request through the pipeline. The
// orchestrator fills in attribution and timing fields as the request moves
// through selection, execution and recording.
type RequestContext struct {
	ID        string       `json:"id"`
	Model     string       `json:"model"`
	Endpoint  EndpointKind `json:"endpoint"`
	Streaming bool         `json:"streaming"`
	ClientID  string       `json:"clientId,omitempty"`
	Priority  int          `json:"priority,omitempty"`

	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	QueueWait time.Duration `json:"queueWaitTime,omitempty"`

	ServerID  string    `json:"serverId,omitempty"`
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`

	TokensPrompt      int64         `json:"tokensPrompt,omitempty"`
	TokensGenerated   int64         `json:"tokensGenerated,omitempty"`
	TTFT              time.Duration `json:"ttft,omitempty"`
	StreamingDuration time.Duration `json:"streamingDuration,omitempty"`
}

// RequestRecord is the persisted per-server history entry, a flattened view
// of a completed RequestContext.
type RequestRecord struct {
	ID              string        `json:"id"`
	Model           string        `json:"model"`
	Endpoint        EndpointKind  `json:"endpoint"`
	Streaming       bool          `json:"streaming"`
	Timestamp       time.Time     `json:"timestamp"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
	ErrorKind       ErrorKind     `json:"errorKind,omitempty"`
	TokensPrompt    int64         `json:"tokensPrompt,omitempty"`
	TokensGenerated int64         `json:"tokensGenerated,omitempty"`
	TTFT            time.Duration `json:"ttft,omitempty"`
	QueueWait       time.Duration `json:"queueWaitTime,omitempty"`
}

// Record flattens the context for history retention.
func (rc *RequestContext) Record() RequestRecord {
	return RequestRecord{
		ID:              rc.ID,
		Model:           rc.Model,
		Endpoint:        rc.Endpoint,
		Streaming:       rc.Streaming,
		Timestamp:       rc.StartTime,
		Duration:        rc.Duration,
		Success:         rc.Success,
		ErrorKind:       rc.ErrorKind,
		TokensPrompt:    rc.TokensPrompt,
		TokensGenerated: rc.TokensGenerated,
		TTFT:            rc.TTFT,
		QueueWait:       rc.QueueWait,
	}
}

// CompletionResult is what the caller gets back on success. For unary
// requests Body holds the backend payload; for streaming requests the bytes
// have already been forwarded to the caller's writer and Body is nil.
type CompletionResult struct {
	Body              []byte
	Status            int
	Streamed          bool
	TokensPrompt      int64
	TokensGenerated   int64
	TTFT              time.Duration
	StreamingDuration time.Duration
	BytesWritten      int64
}
