// Package kafka provides the Kafka-backed message broker implementation.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
)

// Broker implements messaging.MessageBroker for Apache Kafka using a single
// shared writer and one reader per subscription.
type Broker struct {
	config  *Config
	logger  *zap.Logger
	metrics *messaging.BrokerMetrics

	mu          sync.RWMutex
	connected   bool
	writer      *kafka.Writer
	dialer      *kafka.Dialer
	subscribers map[string]*Subscription
}

// NewBroker creates a Kafka broker. A nil config falls back to defaults.
func NewBroker(config *Config, logger *zap.Logger) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		config:      config,
		logger:      logger,
		metrics:     messaging.NewBrokerMetrics(),
		subscribers: make(map[string]*Subscription),
	}
}

// Connect validates the configuration, dials the cluster once to verify
// reachability and builds the shared writer.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}
	if err := b.config.Validate(); err != nil {
		return messaging.ConfigError(err.Error())
	}

	b.metrics.RecordConnectionAttempt()

	dialer := &kafka.Dialer{
		Timeout:   b.config.DialTimeout,
		DualStack: true,
		ClientID:  b.config.ClientID,
	}

	var transportTLS *tls.Config
	if b.config.TLSEnabled {
		tlsConfig := b.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{InsecureSkipVerify: b.config.TLSSkipVerify}
		}
		dialer.TLS = tlsConfig
		transportTLS = tlsConfig
	}

	var mechanism sasl.Mechanism
	if b.config.SASLEnabled {
		m, err := b.saslMechanism()
		if err != nil {
			b.metrics.RecordConnectionFailure()
			return messaging.ConfigError(err.Error())
		}
		dialer.SASLMechanism = m
		mechanism = m
	}

	// Verify at least one broker is reachable before declaring success.
	conn, err := dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		b.metrics.RecordConnectionFailure()
		return messaging.ConnectionError("failed to dial broker", err).
			WithBrokerType(messaging.BrokerTypeKafka)
	}
	conn.Close()

	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(b.config.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    b.config.BatchSize,
		BatchBytes:   b.config.BatchBytes,
		BatchTimeout: b.config.BatchTimeout,
		ReadTimeout:  b.config.ReadTimeout,
		WriteTimeout: b.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(b.config.RequiredAcks),
		// Retries are owned by writeWithRetry so attempt accounting and
		// backoff stay under one policy.
		MaxAttempts: 1,
		Compression: b.compression(),
		Transport: &kafka.Transport{
			TLS:         transportTLS,
			SASL:        mechanism,
			DialTimeout: b.config.DialTimeout,
			ClientID:    b.config.ClientID,
		},
	}

	b.dialer = dialer
	b.connected = true
	b.metrics.RecordConnectionSuccess()
	b.logger.Info("connected to kafka",
		zap.Strings("brokers", b.config.Brokers),
		zap.String("client_id", b.config.ClientID))
	return nil
}

// Disconnect stops all subscriptions and closes the writer.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[string]*Subscription)
	writer := b.writer
	b.writer = nil
	b.mu.Unlock()

	errs := messaging.NewMultiError()
	for _, s := range subs {
		if err := s.stop(); err != nil {
			errs.Add(err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs.Add(messaging.ConnectionError("failed to close writer", err))
		}
	}
	b.metrics.RecordDisconnection()
	b.logger.Info("disconnected from kafka")
	return errs.ErrorOrNil()
}

// IsConnected reports the connection state.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Publish sends one envelope to a topic, retrying transient failures with
// exponential backoff.
func (b *Broker) Publish(ctx context.Context, topic, key string, env *messaging.Envelope, opts ...messaging.PublishOption) error {
	b.mu.RLock()
	connected := b.connected
	writer := b.writer
	b.mu.RUnlock()

	if !connected || writer == nil {
		return messaging.NewBusError(messaging.ErrCodeBusUnavailable, "broker is not connected", messaging.ErrBusUnavailable).
			WithBrokerType(messaging.BrokerTypeKafka).
			WithTopic(topic)
	}
	if key == "" {
		return messaging.NewBusError(messaging.ErrCodeKeyRequired, "partition key is required", messaging.ErrKeyRequired).
			WithTopic(topic)
	}
	if env == nil {
		return messaging.SerializationError("envelope", fmt.Errorf("nil envelope"))
	}

	options := messaging.ApplyPublishOptions(opts...)

	msg, err := b.toKafkaMessage(topic, key, env, options)
	if err != nil {
		return err
	}

	writeCtx := ctx
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	if err := b.writeWithRetry(writeCtx, writer, options, msg); err != nil {
		b.metrics.RecordPublish(len(msg.Value), false)
		return messaging.PublishError(topic, err).WithMessageID(env.MessageID)
	}
	b.metrics.RecordPublish(len(msg.Value), true)
	return nil
}

// PublishBatch sends the whole batch in a single round-trip. Partial
// delivery is not reported: any failure fails the batch.
func (b *Broker) PublishBatch(ctx context.Context, topic string, batch []messaging.KeyedEnvelope, opts ...messaging.PublishOption) error {
	if len(batch) == 0 {
		return nil
	}

	b.mu.RLock()
	connected := b.connected
	writer := b.writer
	b.mu.RUnlock()

	if !connected || writer == nil {
		return messaging.NewBusError(messaging.ErrCodeBusUnavailable, "broker is not connected", messaging.ErrBusUnavailable).
			WithBrokerType(messaging.BrokerTypeKafka).
			WithTopic(topic)
	}

	options := messaging.ApplyPublishOptions(opts...)

	msgs := make([]kafka.Message, 0, len(batch))
	totalBytes := 0
	for _, ke := range batch {
		if ke.Key == "" {
			return messaging.NewBusError(messaging.ErrCodeKeyRequired, "partition key is required for every batch entry", messaging.ErrKeyRequired).
				WithTopic(topic)
		}
		msg, err := b.toKafkaMessage(topic, ke.Key, ke.Envelope, options)
		if err != nil {
			return err
		}
		totalBytes += len(msg.Value)
		msgs = append(msgs, msg)
	}

	writeCtx := ctx
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	if err := b.writeWithRetry(writeCtx, writer, options, msgs...); err != nil {
		b.metrics.RecordBatchPublish(len(msgs), totalBytes, false)
		return messaging.PublishError(topic, err)
	}
	b.metrics.RecordBatchPublish(len(msgs), totalBytes, true)
	return nil
}

// SendToDLQ wraps a failed record in a DLQRecord envelope and publishes it
// to the configured DLQ topic. Records whose origin is the DLQ topic itself
// are refused: forwarding them would loop forever.
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

	record := &messaging.DLQRecord{
		OriginalTopic:      originalTopic,
		OriginalMessage:    payload,
		Error:              errText,
		FirstErrorAt:       time.Now().UTC(),
		ProcessingAttempts: attempts,
	}
	env, err := messaging.NewEnvelope(messaging.TypeDLQRecord, b.config.Source, record)
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
	b.logger.Warn("record forwarded to DLQ",
		zap.String("original_topic", originalTopic),
		zap.Int("attempts", attempts),
		zap.String("error", errText))
	return nil
}

// Subscribe attaches a handler to the configured topics and starts the
// consume loop in a background goroutine.
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

	startOffset := kafka.LastOffset
	if opts.OffsetReset == messaging.OffsetResetEarliest {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           b.config.Brokers,
		GroupID:           opts.GroupID,
		GroupTopics:       opts.Topics,
		MinBytes:          b.config.FetchMinBytes,
		MaxBytes:          b.config.FetchMaxBytes,
		MaxWait:           b.config.FetchMaxWait,
		HeartbeatInterval: opts.HeartbeatInterval,
		SessionTimeout:    opts.SessionTimeout,
		RebalanceTimeout:  opts.MaxPollInterval,
		StartOffset:       startOffset,
		Dialer:            b.dialer,
	})

	sub := newSubscription(b, reader, opts, handler)
	b.subscribers[sub.id] = sub

	go sub.consume(ctx)

	b.logger.Info("subscription started",
		zap.String("subscription_id", sub.id),
		zap.String("group_id", opts.GroupID),
		zap.Strings("topics", opts.Topics))
	return sub, nil
}

// EnsureTopics creates every missing topic through the cluster controller.
// Existing topics are left untouched.
func (b *Broker) EnsureTopics(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	b.mu.RLock()
	if !b.connected {
		b.mu.RUnlock()
		return messaging.ErrNotConnected
	}
	dialer := b.dialer
	b.mu.RUnlock()

	conn, err := dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return messaging.ConnectionError("failed to connect for topic creation", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return messaging.TopicError(strings.Join(topics, ","), err)
	}

	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return messaging.ConnectionError("failed to connect to controller", err)
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     b.config.DefaultPartitions,
			ReplicationFactor: b.config.DefaultReplication,
		})
	}

	if err := controllerConn.CreateTopics(configs...); err != nil {
		return messaging.TopicError(strings.Join(topics, ","), err)
	}

	b.logger.Info("topics ensured", zap.Strings("topics", topics))
	return nil
}

// HealthCheck dials the first broker and reports reachability.
func (b *Broker) HealthCheck(ctx context.Context) (*messaging.HealthStatus, error) {
	status := &messaging.HealthStatus{
		Broker:    messaging.BrokerTypeKafka.String(),
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	connected := b.connected
	dialer := b.dialer
	b.mu.RUnlock()

	status.Connected = connected
	if !connected || dialer == nil {
		status.Status = "unhealthy"
		return status, messaging.ErrNotConnected
	}

	conn, err := dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		status.Status = "unhealthy"
		return status, messaging.ConnectionError("broker unreachable", err)
	}
	conn.Close()

	status.Status = "healthy"
	return status, nil
}

// Metrics returns the broker metrics counters.
func (b *Broker) Metrics() *messaging.BrokerMetrics {
	return b.metrics
}

// toKafkaMessage serializes an envelope into a keyed Kafka record with the
// standard header set.
func (b *Broker) toKafkaMessage(topic, key string, env *messaging.Envelope, options *messaging.PublishOptions) (kafka.Message, error) {
	data, err := env.Encode()
	if err != nil {
		return kafka.Message{}, err
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	headers := []kafka.Header{
		{Key: messaging.HeaderContentType, Value: []byte(options.ContentType)},
		{Key: messaging.HeaderEncoding, Value: []byte(options.ContentEncoding)},
		{Key: messaging.HeaderSource, Value: []byte(b.config.Source)},
		{Key: messaging.HeaderMessageType, Value: []byte(env.Type)},
		{Key: messaging.HeaderMessageID, Value: []byte(env.MessageID)},
	}
	for k, v := range options.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Time:    ts,
		Headers: headers,
	}, nil
}

// writeWithRetry delivers messages with the configured exponential backoff:
// initial delay doubling per attempt, bounded attempt count, hard ceiling on
// the total retry window.
func (b *Broker) writeWithRetry(ctx context.Context, writer *kafka.Writer, options *messaging.PublishOptions, msgs ...kafka.Message) error {
	if options.DisableRetry || options.MaxAttempts <= 1 {
		return writer.WriteMessages(ctx, msgs...)
	}

	maxAttempts := options.MaxAttempts
	if b.config.PublishMaxAttempts > 0 && b.config.PublishMaxAttempts < maxAttempts {
		maxAttempts = b.config.PublishMaxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.RetryInitialBackoff
	bo.Multiplier = b.config.RetryMultiplier
	bo.MaxInterval = b.config.RetryCeiling
	bo.MaxElapsedTime = b.config.RetryCeiling
	bo.RandomizationFactor = 0.2

	attempt := 0
	operation := func() error {
		attempt++
		err := writer.WriteMessages(ctx, msgs...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		b.logger.Warn("publish attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx))
}

// publishMetric emits a per-message processing metric. Failures are logged
// and swallowed: metrics must never fail the data path.
func (b *Broker) publishMetric(metric *messaging.ProcessingMetric) {
	if b.config.MetricsTopic == "" {
		return
	}
	env, err := messaging.NewEnvelope(messaging.TypeProcessingMetric, b.config.Source, metric)
	if err != nil {
		b.logger.Warn("failed to build processing metric", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := messaging.MetricKey(metric.Stage, time.Now())
	if err := b.Publish(ctx, b.config.MetricsTopic, key, env, messaging.WithoutRetry()); err != nil {
		b.logger.Warn("failed to publish processing metric", zap.Error(err))
	}
}

// removeSubscription drops a subscription from the broker registry.
func (b *Broker) removeSubscription(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

func (b *Broker) saslMechanism() (sasl.Mechanism, error) {
	switch b.config.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{
			Username: b.config.SASLUsername,
			Password: b.config.SASLPassword,
		}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, b.config.SASLUsername, b.config.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, b.config.SASLUsername, b.config.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", b.config.SASLMechanism)
	}
}

func (b *Broker) compression() kafka.Compression {
	switch strings.ToLower(b.config.CompressionCodec) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}
