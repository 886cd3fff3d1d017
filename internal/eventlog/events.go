// Package eventlog defines the wire shape of every event kind written to a
// session's JSONL log. Field names match the on-disk schema exactly.
package eventlog

import "time"

// Kind enumerates the closed set of event kinds a session log may contain.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
	KindHTTPSConnect Kind = "https_connect"
	KindAIRequest    Kind = "ai_request"
	KindAIResponse   Kind = "ai_response"
	KindHTTPRequest  Kind = "http_request"
	KindHTTPResponse Kind = "http_response"
	KindWSConnection Kind = "ws_connection"
	KindWSMessage    Kind = "ws_message"
	KindError        Kind = "error"
)

// Event is the tagged envelope every log line serializes to. Fields not
// meaningful for a given Kind are left zero and omitted from the JSON line;
// cost is the one exception (see Cost below).
type Event struct {
	Kind              Kind      `json:"kind"`
	Timestamp         time.Time `json:"timestamp"`
	SessionID         string    `json:"session_id"`
	Sequence          uint64    `json:"sequence"`
	CorrelationID     string    `json:"correlation_id,omitempty"`
	ParentCorrelation string    `json:"parent_correlation_id,omitempty"`

	// https_connect
	Host       string `json:"host,omitempty"`
	Port       string `json:"port,omitempty"`
	Intercept  bool   `json:"intercepted,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// ai_request / ai_response / http_request / http_response
	Method           string            `json:"method,omitempty"`
	URL              string            `json:"url,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Model            string            `json:"model,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	BodyTruncated    bool              `json:"body_truncated,omitempty"`
	BodyOriginalSize int64             `json:"body_original_size,omitempty"`
	StatusCode       int               `json:"status_code,omitempty"`
	Streamed         bool              `json:"streamed,omitempty"`

	// ai_response only: usage is present whenever tokens were extracted at
	// all; cost is present-but-null when extraction succeeded yet no
	// pricing entry matched the (provider, model) pair (never a guess).
	Usage *Usage `json:"usage,omitempty"`
	Cost  *Cost  `json:"cost"`

	// ws_connection / ws_message
	Direction string `json:"direction,omitempty"`
	Opcode    string `json:"opcode,omitempty"`

	// error
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// session_start / session_end
	Prompt           string         `json:"prompt,omitempty"`
	AgentVersion     string         `json:"agent_version,omitempty"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Status           string         `json:"status,omitempty"`
	ConfigSnapshot   map[string]any `json:"config_snapshot,omitempty"`
	Summary          *Summary       `json:"summary,omitempty"`
}

// Usage is the nested token-accounting record on an ai_response event.
type Usage struct {
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	Method       string `json:"method"`
}

// Cost is the nested cost record on an ai_response event. A nil *Cost
// serializes to JSON null, meaning pricing was unavailable for the
// (provider, model) pair -- never a zero or guessed figure.
type Cost struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// Summary is the aggregate that store.Finalize records on the session's
// index.json entry, computed in a second pass over everything already
// written in the session's log. The session_end event is appended before
// that pass and does not carry it. File operations are not counted.
type Summary struct {
	TotalRequests   int     `json:"total_requests"`
	AIRequests      int     `json:"ai_requests"`
	OtherRequests   int     `json:"other_requests"`
	TotalInputToks  int64   `json:"total_input_tokens"`
	TotalOutputToks int64   `json:"total_output_tokens"`
	TotalCost       float64 `json:"total_cost"`
	CostCurrency    string  `json:"cost_currency,omitempty"`
}
