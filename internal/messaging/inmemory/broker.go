// Package inmemory provides an in-process message broker used by tests and
// dry runs. Dispatch is synchronous: by the time Publish returns, every
// active subscription has run its handler. That keeps test flows
// deterministic without sleeps or polling.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
)

// Config holds the in-memory broker settings.
type Config struct {
	Source       string
	DLQTopic     string
	MetricsTopic string
}

// DefaultConfig returns the default in-memory broker settings.
func DefaultConfig() *Config {
	return &Config{
		Source:       "callstream-pipeline",
		DLQTopic:     "failed-records-dlq",
		MetricsTopic: "processing-metrics",
	}
}

// record is one published entry in a topic log.
type record struct {
	topic   string
	key     string
	raw     []byte
	headers map[string]string
	offset  int64
	time    time.Time
}

// Broker implements messaging.MessageBroker entirely in process.
type Broker struct {
	config  *Config
	logger  *zap.Logger
	metrics *messaging.BrokerMetrics

	mu         sync.RWMutex
	connected  bool
	logs       map[string][]*record
	nextOffset map[string]int64
	topics     map[string]bool
	subs       map[string]*Subscription
}

// NewBroker creates an in-memory broker. A nil config falls back to defaults.
func NewBroker(config *Config, logger *zap.Logger) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		config:     config,
		logger:     logger,
		metrics:    messaging.NewBrokerMetrics(),
		logs:       make(map[string][]*record),
		nextOffset: make(map[string]int64),
		topics:     make(map[string]bool),
		subs:       make(map[string]*Subscription),
	}
}

// Connect marks the broker connected.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.RecordConnectionAttempt()
	b.connected = true
	b.metrics.RecordConnectionSuccess()
	return nil
}

// Disconnect stops all subscriptions.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.deactivate()
	}
	b.metrics.RecordDisconnection()
	return nil
}

// IsConnected reports the connection state.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish appends the envelope to the topic log and dispatches it to every
// matching subscription before returning.
func (b *Broker) Publish(ctx context.Context, topic, key string, env *messaging.Envelope, opts ...messaging.PublishOption) error {
	if key == "" {
		return messaging.NewBusError(messaging.ErrCodeKeyRequired, "partition key is required", messaging.ErrKeyRequired).
			WithTopic(topic)
	}
	if env == nil {
		return messaging.SerializationError("envelope", fmt.Errorf("nil envelope"))
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	options := messaging.ApplyPublishOptions(opts...)
	headers := map[string]string{
		messaging.HeaderContentType: options.ContentType,
		messaging.HeaderEncoding:    options.ContentEncoding,
		messaging.HeaderSource:      b.config.Source,
		messaging.HeaderMessageType: env.Type,
		messaging.HeaderMessageID:   env.MessageID,
	}
	for k, v := range options.Headers {
		headers[k] = v
	}

	rec, subs, err := b.append(topic, key, raw, headers)
	if err != nil {
		b.metrics.RecordPublish(len(raw), false)
		return err
	}
	b.metrics.RecordPublish(len(raw), true)

	for _, s := range subs {
		s.deliver(rec)
	}
	return nil
}

// PublishBatch appends and dispatches the whole batch.
func (b *Broker) PublishBatch(ctx context.Context, topic string, batch []messaging.KeyedEnvelope, opts ...messaging.PublishOption) error {
	for _, ke := range batch {
		if err := b.Publish(ctx, topic, ke.Key, ke.Envelope, opts...); err != nil {
			return err
		}
	}
	if len(batch) > 0 {
		b.metrics.RecordBatchPublish(len(batch), 0, true)
	}
	return nil
}

// SendToDLQ wraps a failed record in a DLQRecord envelope on the DLQ topic,
// refusing DLQ-origin records.
func (b *Broker) SendToDLQ(ctx context.Context, originalTopic string, original []byte, procErr error, attempts int) error {
	if b.config.DLQTopic == "" {
		return messaging.DeadLetterError(originalTopic, fmt.Errorf("no DLQ topic configured"))
	}
	if originalTopic == b.config.DLQTopic {
		b.metrics.RecordSkipped()
		return messaging.ErrDLQLoop
	}

	payload := json.RawMessage(original)
	if !json.Valid(original) {
		payload = json.RawMessage(strconv.Quote(string(original)))
	}

	errText := ""
	if procErr != nil {
		errText = procErr.Error()
	}

	dlqRec := &messaging.DLQRecord{
		OriginalTopic:      originalTopic,
		OriginalMessage:    payload,
		Error:              errText,
		FirstErrorAt:       time.Now().UTC(),
		ProcessingAttempts: attempts,
	}
	env, err := messaging.NewEnvelope(messaging.TypeDLQRecord, b.config.Source, dlqRec)
	if err != nil {
		return messaging.DeadLetterError(originalTopic, err)
	}

	key := messaging.DLQKey(originalTopic, time.Now())
	err = b.Publish(ctx, b.config.DLQTopic, key, env,
		messaging.WithHeader(messaging.HeaderAttempts, strconv.Itoa(attempts)))
	if err != nil {
		return messaging.DeadLetterError(originalTopic, err)
	}
	b.metrics.RecordDLQForward()
	return nil
}

// Subscribe attaches a handler to the configured topics. Delivery starts
// with the next published record; the existing log is not replayed.
func (b *Broker) Subscribe(ctx context.Context, opts *messaging.SubscribeOptions, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if opts == nil {
		opts = messaging.DefaultSubscribeOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, messaging.ConfigError("message handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, messaging.ErrNotConnected
	}

	sub := newSubscription(b, ctx, opts, handler)
	b.subs[sub.id] = sub
	return sub, nil
}

// EnsureTopics records the topics as created.
func (b *Broker) EnsureTopics(ctx context.Context, topics []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return messaging.ErrNotConnected
	}
	for _, t := range topics {
		b.topics[t] = true
	}
	return nil
}

// HealthCheck reports broker health.
func (b *Broker) HealthCheck(ctx context.Context) (*messaging.HealthStatus, error) {
	status := &messaging.HealthStatus{
		Broker:    messaging.BrokerTypeInMemory.String(),
		Connected: b.IsConnected(),
		Timestamp: time.Now().UTC(),
	}
	if !status.Connected {
		status.Status = "unhealthy"
		return status, messaging.ErrNotConnected
	}
	status.Status = "healthy"
	return status, nil
}

// Metrics returns the broker metrics counters.
func (b *Broker) Metrics() *messaging.BrokerMetrics {
	return b.metrics
}

// append writes a record to the topic log and snapshots the subscriptions
// it must be delivered to. Dispatch happens outside the lock so handlers
// can publish.
func (b *Broker) append(topic, key string, raw []byte, headers map[string]string) (*record, []*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, nil, messaging.NewBusError(messaging.ErrCodeBusUnavailable, "broker is not connected", messaging.ErrBusUnavailable).
			WithBrokerType(messaging.BrokerTypeInMemory).
			WithTopic(topic)
	}

	rec := &record{
		topic:   topic,
		key:     key,
		raw:     raw,
		headers: headers,
		offset:  b.nextOffset[topic],
		time:    time.Now().UTC(),
	}
	b.nextOffset[topic]++
	b.logs[topic] = append(b.logs[topic], rec)
	b.topics[topic] = true

	var subs []*Subscription
	for _, s := range b.subs {
		if s.subscribedTo(topic) {
			subs = append(subs, s)
		}
	}
	return rec, subs, nil
}

func (b *Broker) removeSubscription(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Inject appends raw bytes to a topic log, bypassing envelope validation.
// Tests use it to simulate malformed producers.
func (b *Broker) Inject(topic, key string, raw []byte, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	rec, subs, err := b.append(topic, key, raw, headers)
	if err != nil {
		return err
	}
	for _, s := range subs {
		s.deliver(rec)
	}
	return nil
}

// Published returns the decoded envelopes published to a topic, oldest
// first. Records that never were valid envelopes are skipped.
func (b *Broker) Published(topic string) []*messaging.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*messaging.Envelope, 0, len(b.logs[topic]))
	for _, rec := range b.logs[topic] {
		env, err := messaging.ParseEnvelope(rec.raw)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// PublishedRaw returns the raw bytes published to a topic, oldest first.
func (b *Broker) PublishedRaw(topic string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]byte, 0, len(b.logs[topic]))
	for _, rec := range b.logs[topic] {
		out = append(out, rec.raw)
	}
	return out
}

// Keys returns the partition keys published to a topic, oldest first.
func (b *Broker) Keys(topic string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.logs[topic]))
	for _, rec := range b.logs[topic] {
		out = append(out, rec.key)
	}
	return out
}

// TopicExists reports whether a topic was created or published to.
func (b *Broker) TopicExists(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.topics[topic]
}

// Reset clears all topic logs. Subscriptions stay attached.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = make(map[string][]*record)
	b.nextOffset = make(map[string]int64)
}
