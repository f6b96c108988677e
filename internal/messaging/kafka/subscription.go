package kafka

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
)

var tracer = otel.Tracer("dev.callstream.pipeline/internal/messaging/kafka")

const (
	fetchTimeout    = 5 * time.Second
	pausePollDelay  = 200 * time.Millisecond
	fetchRetryDelay = time.Second
)

// Subscription is a Kafka consumer-group member running one consume loop.
// Handler failures are forwarded to the DLQ and the offset is committed
// either way: delivery is at-least-once and recovery belongs to the error
// handler stage.
type Subscription struct {
	id      string
	broker  *Broker
	reader  *kafka.Reader
	handler messaging.MessageHandler
	options *messaging.SubscribeOptions
	logger  *zap.Logger

	paused        atomic.Bool
	processing    atomic.Int64
	fetchFailures atomic.Int64
	unhealthy     atomic.Bool

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
	doneCh chan struct{}
}

func newSubscription(b *Broker, reader *kafka.Reader, opts *messaging.SubscribeOptions, handler messaging.MessageHandler) *Subscription {
	id := uuid.New().String()
	return &Subscription{
		id:      id,
		broker:  b,
		reader:  reader,
		handler: handler,
		options: opts,
		logger: b.logger.With(
			zap.String("subscription_id", id),
			zap.String("group_id", opts.GroupID),
			zap.String("stage", opts.Stage),
		),
		active: true,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ID returns the subscription ID.
func (s *Subscription) ID() string {
	return s.id
}

// Topics returns the subscribed topic set.
func (s *Subscription) Topics() []string {
	out := make([]string, len(s.options.Topics))
	copy(out, s.options.Topics)
	return out
}

// IsActive reports whether the consume loop is running.
func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Pause stops message dispatch without leaving the consumer group.
func (s *Subscription) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("subscription paused")
	}
}

// Resume restarts message dispatch after Pause.
func (s *Subscription) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("subscription resumed")
	}
}

// Health returns the consumer-side health snapshot.
func (s *Subscription) Health() messaging.SubscriptionHealth {
	status := "healthy"
	if s.unhealthy.Load() {
		status = "unhealthy"
	}
	if !s.IsActive() {
		status = "stopped"
	}
	return messaging.SubscriptionHealth{
		Status:          status,
		ProcessingCount: s.processing.Load(),
		IsPaused:        s.paused.Load(),
	}
}

// Unsubscribe leaves the group and stops the consume loop.
func (s *Subscription) Unsubscribe() error {
	err := s.stop()
	s.broker.removeSubscription(s.id)
	return err
}

// stop halts the consume loop and closes the reader without touching the
// broker registry (Disconnect clears that wholesale).
func (s *Subscription) stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	close(s.stopCh)
	s.mu.Unlock()

	err := s.reader.Close()

	select {
	case <-s.doneCh:
	case <-time.After(fetchTimeout + time.Second):
		s.logger.Warn("consume loop did not stop in time")
	}
	return err
}

// consume is the subscription main loop: fetch, decode, dispatch, commit.
func (s *Subscription) consume(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if s.paused.Load() {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(pausePollDelay):
			}
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		kafkaMsg, err := s.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || !s.IsActive() {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Idle poll window elapsed, not a failure.
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				// Reader closed underneath us.
				return
			}
			s.recordFetchFailure(err)
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		s.resetFetchFailures()
		s.process(ctx, kafkaMsg)
	}
}

// process handles a single fetched record.
func (s *Subscription) process(ctx context.Context, kafkaMsg kafka.Message) {
	s.processing.Add(1)
	defer s.processing.Add(-1)

	start := time.Now()
	attempts := headerAttempts(kafkaMsg.Headers)

	ctx, span := tracer.Start(ctx, s.options.Stage+" consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", kafkaMsg.Topic),
			attribute.Int("messaging.kafka.partition", kafkaMsg.Partition),
			attribute.Int64("messaging.kafka.offset", kafkaMsg.Offset),
			attribute.String("messaging.consumer.group", s.options.GroupID),
			attribute.Int("messaging.retry.attempts", attempts),
		))
	defer span.End()

	env, err := messaging.ParseEnvelope(kafkaMsg.Value)
	if err != nil {
		if errors.Is(err, messaging.ErrInvalidEnvelope) {
			// Identity-less record: skip and move on, never DLQ.
			s.broker.metrics.RecordSkipped()
			s.logger.Warn("skipping envelope without type discriminator",
				zap.String("topic", kafkaMsg.Topic),
				zap.Int64("offset", kafkaMsg.Offset))
			s.commit(ctx, kafkaMsg)
			s.emitMetric(kafkaMsg, messaging.MetricStatusFailure, start)
			return
		}
		// Undecodable bytes take the DLQ path like any handler failure.
		span.RecordError(err)
		span.SetStatus(codes.Error, "envelope decode failed")
		s.fail(ctx, kafkaMsg, err, attempts, start)
		return
	}
	span.SetAttributes(attribute.String("messaging.message.id", env.MessageID))

	pctx := &messaging.ProcessingContext{
		Topic:     kafkaMsg.Topic,
		Partition: kafkaMsg.Partition,
		Offset:    kafkaMsg.Offset,
		Key:       string(kafkaMsg.Key),
		Headers:   headerMap(kafkaMsg.Headers),
		Attempts:  attempts,
	}

	if err := s.handler(ctx, env, pctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		s.fail(ctx, kafkaMsg, err, attempts, start)
		return
	}

	s.broker.metrics.RecordReceive(true)
	s.commit(ctx, kafkaMsg)
	s.emitMetric(kafkaMsg, messaging.MetricStatusSuccess, start)
}

// fail routes a failed record to the DLQ (when enabled) and still commits
// the offset.
func (s *Subscription) fail(ctx context.Context, kafkaMsg kafka.Message, procErr error, attempts int, start time.Time) {
	s.broker.metrics.RecordReceive(false)

	status := messaging.MetricStatusFailure
	if s.options.DLQEnabled {
		if err := s.broker.SendToDLQ(ctx, kafkaMsg.Topic, kafkaMsg.Value, procErr, attempts); err != nil {
			if errors.Is(err, messaging.ErrDLQLoop) {
				s.logger.Warn("not dead-lettering DLQ-origin record",
					zap.String("topic", kafkaMsg.Topic),
					zap.Int64("offset", kafkaMsg.Offset))
			} else {
				s.logger.Error("DLQ forward failed", zap.Error(err))
			}
		} else {
			status = messaging.MetricStatusDLQ
		}
	}

	s.logger.Error("message processing failed",
		zap.String("topic", kafkaMsg.Topic),
		zap.Int("partition", kafkaMsg.Partition),
		zap.Int64("offset", kafkaMsg.Offset),
		zap.Int("attempts", attempts),
		zap.Error(procErr))

	s.commit(ctx, kafkaMsg)
	s.emitMetric(kafkaMsg, status, start)
}

func (s *Subscription) commit(ctx context.Context, kafkaMsg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, kafkaMsg); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("offset commit failed",
				zap.Int64("offset", kafkaMsg.Offset),
				zap.Error(err))
		}
	}
}

func (s *Subscription) emitMetric(kafkaMsg kafka.Message, status string, start time.Time) {
	if !s.options.MetricsEnabled {
		return
	}
	// A consumer of the metrics topic must not emit metrics about its own
	// consumption, that would feed the topic forever.
	if kafkaMsg.Topic == s.broker.config.MetricsTopic {
		return
	}
	s.broker.publishMetric(&messaging.ProcessingMetric{
		ConsumerGroup:    s.options.GroupID,
		Topic:            kafkaMsg.Topic,
		Partition:        kafkaMsg.Partition,
		Offset:           kafkaMsg.Offset,
		Status:           status,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		Stage:            s.options.Stage,
		Timestamp:        time.Now().UTC(),
	})
}

// recordFetchFailure counts consecutive fetch errors; once the reconnect
// budget is exhausted the subscription reports unhealthy until a fetch
// succeeds again.
func (s *Subscription) recordFetchFailure(err error) {
	n := s.fetchFailures.Add(1)
	s.broker.metrics.RecordReconnectionAttempt()

	limit := int64(s.options.MaxReconnectAttempts)
	if limit > 0 && n >= limit && !s.unhealthy.Load() {
		s.unhealthy.Store(true)
		s.logger.Error("consumer unhealthy: reconnect attempts exhausted",
			zap.Int64("consecutive_failures", n),
			zap.Error(err))
		return
	}
	s.logger.Warn("fetch failed",
		zap.Int64("consecutive_failures", n),
		zap.Error(err))
}

func (s *Subscription) resetFetchFailures() {
	if s.fetchFailures.Swap(0) == 0 {
		return
	}
	if s.unhealthy.Swap(false) {
		s.logger.Info("consumer recovered after reconnect")
	}
}

func headerMap(headers []kafka.Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

func headerAttempts(headers []kafka.Header) int {
	for _, h := range headers {
		if h.Key == messaging.HeaderAttempts {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}
