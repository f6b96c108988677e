package inmemory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
)

// Subscription is an in-memory consumer. Records arriving while paused are
// buffered and replayed on Resume, in order.
type Subscription struct {
	id      string
	broker  *Broker
	ctx     context.Context
	options *messaging.SubscribeOptions
	handler messaging.MessageHandler
	logger  *zap.Logger

	paused     atomic.Bool
	active     atomic.Bool
	processing atomic.Int64

	mu      sync.Mutex
	pending []*record
}

func newSubscription(b *Broker, ctx context.Context, opts *messaging.SubscribeOptions, handler messaging.MessageHandler) *Subscription {
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &Subscription{
		id:      uuid.New().String(),
		broker:  b,
		ctx:     ctx,
		options: opts,
		handler: handler,
		logger: b.logger.With(
			zap.String("group_id", opts.GroupID),
			zap.String("stage", opts.Stage),
		),
	}
	sub.active.Store(true)
	return sub
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

// IsActive reports whether the subscription accepts records.
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Pause buffers incoming records until Resume.
func (s *Subscription) Pause() {
	s.paused.Store(true)
}

// Resume replays buffered records in order and restarts direct dispatch.
func (s *Subscription) Resume() {
	if !s.paused.Swap(false) {
		return
	}
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		rec := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.processRecord(rec)
	}
}

// Health returns the consumer health snapshot.
func (s *Subscription) Health() messaging.SubscriptionHealth {
	status := "healthy"
	if !s.active.Load() {
		status = "stopped"
	}
	return messaging.SubscriptionHealth{
		Status:          status,
		ProcessingCount: s.processing.Load(),
		IsPaused:        s.paused.Load(),
	}
}

// Unsubscribe detaches the subscription from the broker.
func (s *Subscription) Unsubscribe() error {
	s.deactivate()
	s.broker.removeSubscription(s.id)
	return nil
}

func (s *Subscription) deactivate() {
	s.active.Store(false)
}

func (s *Subscription) subscribedTo(topic string) bool {
	for _, t := range s.options.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// deliver routes one record into the subscription.
func (s *Subscription) deliver(rec *record) {
	if !s.active.Load() {
		return
	}
	if s.paused.Load() {
		s.mu.Lock()
		s.pending = append(s.pending, rec)
		s.mu.Unlock()
		return
	}
	s.processRecord(rec)
}

// processRecord mirrors the Kafka consume path: decode, dispatch, DLQ on
// failure, emit a processing metric.
func (s *Subscription) processRecord(rec *record) {
	s.processing.Add(1)
	defer s.processing.Add(-1)

	start := time.Now()
	attempts := 0
	if v, ok := rec.headers[messaging.HeaderAttempts]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			attempts = n
		}
	}

	env, err := messaging.ParseEnvelope(rec.raw)
	if err != nil {
		if errors.Is(err, messaging.ErrInvalidEnvelope) {
			s.broker.metrics.RecordSkipped()
			s.logger.Warn("skipping envelope without type discriminator",
				zap.String("topic", rec.topic),
				zap.Int64("offset", rec.offset))
			s.emitMetric(rec, messaging.MetricStatusFailure, start)
			return
		}
		s.fail(rec, err, attempts, start)
		return
	}

	pctx := &messaging.ProcessingContext{
		Topic:     rec.topic,
		Partition: 0,
		Offset:    rec.offset,
		Key:       rec.key,
		Headers:   rec.headers,
		Attempts:  attempts,
	}

	if err := s.handler(s.ctx, env, pctx); err != nil {
		s.fail(rec, err, attempts, start)
		return
	}

	s.broker.metrics.RecordReceive(true)
	s.emitMetric(rec, messaging.MetricStatusSuccess, start)
}

func (s *Subscription) fail(rec *record, procErr error, attempts int, start time.Time) {
	s.broker.metrics.RecordReceive(false)

	status := messaging.MetricStatusFailure
	if s.options.DLQEnabled {
		err := s.broker.SendToDLQ(s.ctx, rec.topic, rec.raw, procErr, attempts)
		switch {
		case err == nil:
			status = messaging.MetricStatusDLQ
		case errors.Is(err, messaging.ErrDLQLoop):
			s.logger.Warn("not dead-lettering DLQ-origin record",
				zap.String("topic", rec.topic),
				zap.Int64("offset", rec.offset))
		default:
			s.logger.Error("DLQ forward failed", zap.Error(err))
		}
	}

	s.logger.Error("message processing failed",
		zap.String("topic", rec.topic),
		zap.Int64("offset", rec.offset),
		zap.Int("attempts", attempts),
		zap.Error(procErr))
	s.emitMetric(rec, status, start)
}

func (s *Subscription) emitMetric(rec *record, status string, start time.Time) {
	if !s.options.MetricsEnabled {
		return
	}
	if rec.topic == s.broker.config.MetricsTopic {
		return
	}
	metric := &messaging.ProcessingMetric{
		ConsumerGroup:    s.options.GroupID,
		Topic:            rec.topic,
		Partition:        0,
		Offset:           rec.offset,
		Status:           status,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		Stage:            s.options.Stage,
		Timestamp:        time.Now().UTC(),
	}
	env, err := messaging.NewEnvelope(messaging.TypeProcessingMetric, s.broker.config.Source, metric)
	if err != nil {
		return
	}
	key := messaging.MetricKey(metric.Stage, time.Now())
	if err := s.broker.Publish(s.ctx, s.broker.config.MetricsTopic, key, env, messaging.WithoutRetry()); err != nil {
		s.logger.Warn("failed to publish processing metric", zap.Error(err))
	}
}
