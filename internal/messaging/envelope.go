package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope message types. The type field is the discriminator that selects
// the concrete payload shape; consumers log and skip unknown types.
const (
	TypeChangeEvent          = "cdc.change.event"
	TypeConversationAssembly = "conversation.assembly"
	TypeMLResult             = "ml.result"
	TypeIndexNotification    = "opensearch-index-request"
	TypeDLQRecord            = "dlq.record"
	TypeProcessingMetric     = "processing.metric"
	TypeErrorSummary         = "error.summary"
)

// EnvelopeVersion is the wire-format version stamped on every envelope.
const EnvelopeVersion = "1.0"

// Envelope is the self-describing JSON wrapper around every bus payload.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload in an envelope with a generated message ID.
func NewEnvelope(msgType, source string, payload any) (*Envelope, error) {
	return NewEnvelopeWithID(uuid.New().String(), msgType, source, payload)
}

// NewEnvelopeWithID wraps a payload with an explicit message ID. Call-keyed
// payloads use "{callId}-{changeLogId}" so re-emissions stay identifiable.
func NewEnvelopeWithID(id, msgType, source string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, SerializationError(msgType, err)
	}
	return &Envelope{
		MessageID: id,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Source:    source,
		Version:   EnvelopeVersion,
		Payload:   raw,
	}, nil
}

// ParseEnvelope decodes raw bytes into an envelope. An envelope without a
// type discriminator is rejected: such records are identity-less and must
// be skipped, never DLQed.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, SerializationError("envelope", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrInvalidEnvelope)
	}
	return &env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for type %s", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return SerializationError(e.Type, err)
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, SerializationError(e.Type, err)
	}
	return raw, nil
}

// DLQRecord is the payload carried on the dead-letter topic. OriginalMessage
// is the untouched serialized envelope so the error handler can republish it
// verbatim.
type DLQRecord struct {
	OriginalTopic      string          `json:"originalTopic"`
	OriginalMessage    json.RawMessage `json:"originalMessage"`
	Error              string          `json:"error"`
	ErrorType          string          `json:"errorType,omitempty"`
	FirstErrorAt       time.Time       `json:"firstErrorAt"`
	ProcessingAttempts int             `json:"processingAttempts"`
}

// ProcessingMetric is the per-message metric payload emitted by the consumer
// base onto the metrics topic.
type ProcessingMetric struct {
	ConsumerGroup    string    `json:"consumerGroup"`
	Topic            string    `json:"topic"`
	Partition        int       `json:"partition"`
	Offset           int64     `json:"offset"`
	Status           string    `json:"status"`
	ProcessingTimeMS int64     `json:"processingTimeMs"`
	Stage            string    `json:"stage"`
	Timestamp        time.Time `json:"timestamp"`
}

// Metric status values.
const (
	MetricStatusSuccess = "success"
	MetricStatusFailure = "failure"
	MetricStatusRetry   = "retry"
	MetricStatusDLQ     = "dlq"
)
