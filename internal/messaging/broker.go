// Package messaging provides the typed message bus layer shared by every
// pipeline stage: envelopes, publish/subscribe contracts, DLQ redirection
// and per-message processing metrics.
package messaging

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BrokerType identifies the underlying transport implementation.
type BrokerType string

const (
	// BrokerTypeKafka is the Kafka-backed broker.
	BrokerTypeKafka BrokerType = "kafka"
	// BrokerTypeInMemory is the in-process broker used by tests and dry runs.
	BrokerTypeInMemory BrokerType = "inmemory"
)

// String returns the string representation of the broker type.
func (bt BrokerType) String() string {
	return string(bt)
}

// IsValid reports whether the broker type is a known implementation.
func (bt BrokerType) IsValid() bool {
	switch bt {
	case BrokerTypeKafka, BrokerTypeInMemory:
		return true
	}
	return false
}

// Standard envelope headers attached to every published record.
const (
	HeaderContentType = "content-type"
	HeaderEncoding    = "encoding"
	HeaderSource      = "source"
	HeaderMessageType = "message-type"
	HeaderMessageID   = "message_id"
	HeaderTraceID     = "trace_id"
	// HeaderAttempts carries retry accounting across DLQ round-trips.
	HeaderAttempts = "x-processing-attempts"

	ContentTypeJSON = "application/json"
	EncodingUTF8    = "utf-8"
)

// Message is a single transport record: the serialized envelope plus the
// partition metadata the broker assigns on delivery.
type Message struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Type      string            `json:"type"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	TraceID   string            `json:"trace_id,omitempty"`

	// Set by the broker on the consume side.
	Topic     string `json:"topic,omitempty"`
	Partition int    `json:"partition,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
}

// NewMessage creates a message with a generated ID.
func NewMessage(msgType string, payload []byte) *Message {
	return NewMessageWithID(uuid.New().String(), msgType, payload)
}

// NewMessageWithID creates a message with an explicit ID.
func NewMessageWithID(id, msgType string, payload []byte) *Message {
	return &Message{
		ID:        id,
		Type:      msgType,
		Payload:   payload,
		Headers:   make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
}

// SetHeader sets a header and returns the message for chaining.
func (m *Message) SetHeader(key, value string) *Message {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
	return m
}

// GetHeader returns a header value, or "" when absent.
func (m *Message) GetHeader(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// WithKey sets the partition key.
func (m *Message) WithKey(key string) *Message {
	m.Key = key
	return m
}

// WithTraceID sets the trace ID propagated through bus headers.
func (m *Message) WithTraceID(traceID string) *Message {
	m.TraceID = traceID
	return m
}

// Attempts reads the retry accounting header; 0 when absent or malformed.
func (m *Message) Attempts() int {
	v := m.GetHeader(HeaderAttempts)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ProcessingContext describes where a consumed record came from. Handlers
// receive it alongside the decoded envelope.
type ProcessingContext struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Headers   map[string]string
	// Attempts is how many DLQ retry cycles the record has been through.
	Attempts int
}

// MessageHandler processes one decoded envelope. A non-nil error routes the
// record to the DLQ; the offset is committed either way (at-least-once,
// recovery is the error handler's job).
type MessageHandler func(ctx context.Context, env *Envelope, pctx *ProcessingContext) error

// Subscription is a live consumer attached to one consumer group.
type Subscription interface {
	// ID returns the unique subscription ID.
	ID() string
	// Topics returns the subscribed topic set.
	Topics() []string
	// IsActive reports whether the consume loop is running.
	IsActive() bool
	// Pause stops message dispatch without leaving the group.
	Pause()
	// Resume restarts message dispatch after Pause.
	Resume()
	// Health returns the consumer-side health snapshot.
	Health() SubscriptionHealth
	// Unsubscribe leaves the group and stops the consume loop.
	Unsubscribe() error
}

// SubscriptionHealth is the consumer health snapshot: status is "healthy"
// unless reconnect attempts are exhausted.
type SubscriptionHealth struct {
	Status          string `json:"status"`
	ProcessingCount int64  `json:"processingCount"`
	IsPaused        bool   `json:"isPaused"`
}

// HealthStatus is the broker-level health snapshot.
type HealthStatus struct {
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	Broker    string    `json:"broker"`
	Timestamp time.Time `json:"timestamp"`
}

// KeyedEnvelope pairs a partition key with an envelope for batch publishes.
type KeyedEnvelope struct {
	Key      string
	Envelope *Envelope
}

// MessageBroker is the transport contract every pipeline stage builds on.
// Publish paths serialize envelopes; the subscribe path decodes them, runs
// the handler, forwards failures to the DLQ and commits.
type MessageBroker interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down and stops all subscriptions.
	Disconnect() error
	// IsConnected reports the connection state.
	IsConnected() bool

	// Publish sends one envelope to a topic. The key is required: it is the
	// per-call partition key that preserves per-conversation ordering.
	Publish(ctx context.Context, topic, key string, env *Envelope, opts ...PublishOption) error
	// PublishBatch sends a batch in a single transport round-trip. Any
	// failure fails the whole batch.
	PublishBatch(ctx context.Context, topic string, batch []KeyedEnvelope, opts ...PublishOption) error
	// SendToDLQ wraps a failed record in a DLQRecord envelope and publishes
	// it to the DLQ topic. Records originating from the DLQ topic itself are
	// refused with ErrDLQLoop.
	SendToDLQ(ctx context.Context, originalTopic string, original []byte, procErr error, attempts int) error

	// Subscribe attaches a handler to the configured topics and starts the
	// consume loop.
	Subscribe(ctx context.Context, opts *SubscribeOptions, handler MessageHandler) (Subscription, error)

	// EnsureTopics creates any missing topics (idempotent).
	EnsureTopics(ctx context.Context, topics []string) error

	// HealthCheck returns the broker health snapshot.
	HealthCheck(ctx context.Context) (*HealthStatus, error)
	// Metrics returns the broker metrics counters.
	Metrics() *BrokerMetrics
}

// DLQKey builds the DLQ partition key: "{originalTopic}-{unix_ns}".
func DLQKey(originalTopic string, now time.Time) string {
	return originalTopic + "-" + strconv.FormatInt(now.UnixNano(), 10)
}

// MetricKey builds the metrics-stream partition key: "{stage}-{unix_ns}".
func MetricKey(stage string, now time.Time) string {
	return stage + "-" + strconv.FormatInt(now.UnixNano(), 10)
}
