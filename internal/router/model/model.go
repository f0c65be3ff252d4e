// Package model holds the wire and in-memory types shared by the router
// components: the broker envelope, the per-message pointer handed to pools,
// and mediation outcomes.
package model

import (
	"encoding/json"
	"fmt"
)

// MediationHTTP is the only mediation type in this pipeline.
const MediationHTTP = "HTTP"

// DefaultGroup is the sentinel for messages without a group, applied at
// every boundary.
const DefaultGroup = "default"

// Envelope is the broker wire format. batchId is null when the scheduler
// publishes and is assigned by the router on consumption.
type Envelope struct {
	ID              string `json:"id"`
	PoolCode        string `json:"poolCode"`
	AuthToken       string `json:"authToken"`
	MediationType   string `json:"mediationType"`
	MediationTarget string `json:"mediationTarget"`
	MessageGroupID  string `json:"messageGroupId,omitempty"`
	BatchID         string `json:"batchId,omitempty"`
}

// ParseEnvelope decodes and validates a broker message body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("malformed envelope: missing id")
	}
	if e.MediationTarget == "" {
		return nil, fmt.Errorf("malformed envelope: missing mediationTarget")
	}
	return &e, nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// GroupOrDefault returns the message group with the sentinel applied.
func (e *Envelope) GroupOrDefault() string {
	if e.MessageGroupID == "" {
		return DefaultGroup
	}
	return e.MessageGroupID
}

// MessagePointer is what a pool worker processes: the envelope plus the
// routing identity the manager assigned.
type MessagePointer struct {
	Envelope        *Envelope
	BrokerMessageID string
	BatchID         string
}

// Group returns the pointer's message group with the sentinel applied.
func (p *MessagePointer) Group() string {
	return p.Envelope.GroupOrDefault()
}

// BatchGroupKey identifies a batch+group ordering domain.
func (p *MessagePointer) BatchGroupKey() string {
	return p.BatchID + "|" + p.Group()
}

// Outcome classifies one mediation attempt.
type Outcome int

const (
	// OutcomeSuccess: delivered and positively acknowledged.
	OutcomeSuccess Outcome = iota
	// OutcomeErrorConfig: the target rejected the request permanently
	// (HTTP 4xx). The message is dropped.
	OutcomeErrorConfig
	// OutcomeErrorProcess: the target failed transiently (HTTP 5xx or an
	// explicit negative ack). Redelivered after a delay.
	OutcomeErrorProcess
	// OutcomeErrorConnection: the target was unreachable or timed out.
	// Redelivered after a delay.
	OutcomeErrorConnection
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeErrorConfig:
		return "ERROR_CONFIG"
	case OutcomeErrorProcess:
		return "ERROR_PROCESS"
	case OutcomeErrorConnection:
		return "ERROR_CONNECTION"
	}
	return "UNKNOWN"
}

// Retriable reports whether the outcome leads to a nack and marks the
// batch+group failed.
func (o Outcome) Retriable() bool {
	return o == OutcomeErrorProcess || o == OutcomeErrorConnection
}

// MediationResult is the full result of one mediation attempt.
type MediationResult struct {
	Outcome    Outcome
	StatusCode int
	// DelaySeconds is a response-requested redelivery delay; zero means
	// the default applies.
	DelaySeconds int
	DurationMs   int64
	Err          error
}

// MediationResponse is the optional JSON body a target may return to steer
// acknowledgement and retry timing.
type MediationResponse struct {
	Ack          *bool  `json:"ack,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ParseMediationResponse decodes a response body, tolerating non-JSON.
func ParseMediationResponse(body []byte) *MediationResponse {
	if len(body) == 0 {
		return nil
	}
	var r MediationResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil
	}
	return &r
}
