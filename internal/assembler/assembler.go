// Package assembler aggregates out-of-order, duplicate-prone change events
// into ordered per-call conversations and decides when each conversation is
// complete enough to hand downstream. The buffer map is confined to a single
// event-loop goroutine; safety across instances comes from the bus
// partitioning by callId.
package assembler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/models"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
)

// Emission reasons, also used as metric labels.
const (
	ReasonParticipantsIdle  = "participants_idle"
	ReasonMinMessagesIdle   = "min_messages_idle"
	ReasonLargeConversation = "large_conversation"
	ReasonDBCount           = "db_count"
)

// Bus is the slice of the bus client the assembler needs.
type Bus interface {
	Publish(ctx context.Context, topic, key string, env *messaging.Envelope, opts ...messaging.PublishOption) error
	Subscribe(ctx context.Context, opts *messaging.SubscribeOptions, handler messaging.MessageHandler) (messaging.Subscription, error)
}

// SourceReader is the assembler's read-only view of the source database:
// the completeness check behind the emission policy, and the transcript
// reload that recovers conversation state when a delete arrives after the
// buffer was already emitted.
type SourceReader interface {
	CountCallMessages(ctx context.Context, callID string) (int, error)
	GetCallTranscript(ctx context.Context, callID string) ([]*models.ConversationMessage, error)
}

// Config holds assembler settings.
type Config struct {
	InputTopic  string
	OutputTopic string
	GroupID     string
	Source      string

	MaxBuffers      int
	SweepInterval   time.Duration
	ActivityDamping time.Duration
	EventQueueSize  int

	// Emission thresholds.
	MaxWait       time.Duration // rule: both speakers present, long idle
	NormalTimeout time.Duration // rule: enough messages, medium idle
	MinMessages   int
	LargeMessages int
	DBCheckIdle   time.Duration // minimum idle before consulting the source DB

	// Replay-loop breaker.
	BreakerWindow     time.Duration
	BreakerThreshold  int
	BreakerQuiet      time.Duration
	BreakerMaxBuffers int
	BreakerMaxTracked int
	RecoveryInterval  time.Duration
}

// DefaultConfig returns the assembler defaults.
func DefaultConfig() Config {
	return Config{
		InputTopic:      "cdc-raw-changes",
		OutputTopic:     "conversation-assembly",
		GroupID:         "conversation-assembler",
		Source:          "conversation-assembler",
		MaxBuffers:      1000,
		SweepInterval:   5 * time.Second,
		ActivityDamping: 500 * time.Millisecond,
		EventQueueSize:  256,

		MaxWait:       5 * time.Minute,
		NormalTimeout: 3 * time.Minute,
		MinMessages:   10,
		LargeMessages: 50,
		DBCheckIdle:   30 * time.Second,

		BreakerWindow:     30 * time.Second,
		BreakerThreshold:  10,
		BreakerQuiet:      5 * time.Minute,
		BreakerMaxBuffers: 500,
		BreakerMaxTracked: 50,
		RecoveryInterval:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.InputTopic == "" || c.OutputTopic == "" {
		return fmt.Errorf("input and output topics are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if c.MaxBuffers <= 0 {
		return fmt.Errorf("max buffers must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.BreakerThreshold <= 1 {
		return fmt.Errorf("breaker threshold must exceed 1")
	}
	return nil
}

type inboundEvent struct {
	event  *models.ChangeEvent
	offset int64
}

// Assembler owns the per-call buffers and the emission policy.
type Assembler struct {
	config   Config
	bus      Bus
	source   SourceReader
	logger   *zap.Logger
	metrics  *obsmetrics.Collector
	now      func() time.Time
	buffers  map[string]*buffer
	detector *loopDetector

	events  chan *inboundEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	sub     messaging.Subscription

	bufferCount  atomic.Int64
	trackedCount atomic.Int64
	trippedFlag  atomic.Bool
}

// NewAssembler creates an assembler. source may be nil, which disables the
// source-of-truth emission rule and the post-delete transcript reload.
func NewAssembler(config Config, bus Bus, source SourceReader, logger *zap.Logger, collector *obsmetrics.Collector) *Assembler {
	return &Assembler{
		config:  config,
		bus:     bus,
		source:  source,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
		buffers: make(map[string]*buffer),
		detector: newLoopDetector(
			config.BreakerWindow,
			config.BreakerThreshold,
			config.BreakerQuiet,
			config.BreakerMaxBuffers,
			config.BreakerMaxTracked,
		),
		events: make(chan *inboundEvent, config.EventQueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start subscribes to the change stream and launches the event loop. The
// breaker is force-reset so a tripped state never survives a restart.
func (a *Assembler) Start(ctx context.Context) error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid assembler config: %w", err)
	}
	if !a.started.CompareAndSwap(false, true) {
		return fmt.Errorf("assembler already started")
	}

	a.detector.reset()
	a.trippedFlag.Store(false)
	a.metrics.BreakerOpen.Set(0)

	sub, err := a.bus.Subscribe(ctx,
		messaging.ApplySubscribeOptions(
			messaging.WithGroupID(a.config.GroupID),
			messaging.WithTopics(a.config.InputTopic),
			messaging.WithStage("assembler"),
		),
		a.handleMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.config.InputTopic, err)
	}
	a.sub = sub

	go a.run(ctx)

	a.logger.Info("conversation assembler started",
		zap.String("input_topic", a.config.InputTopic),
		zap.String("output_topic", a.config.OutputTopic),
		zap.Int("max_buffers", a.config.MaxBuffers))
	return nil
}

// Stop unsubscribes and drains the event loop. Buffers still in flight are
// dropped; the source database remains the system of record.
func (a *Assembler) Stop() {
	if !a.started.Load() {
		return
	}
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.logger.Warn("failed to unsubscribe cleanly", zap.Error(err))
		}
	}
	close(a.stopCh)
	<-a.doneCh
}

// Health reports the assembler's observable state.
type Health struct {
	BufferCount     int  `json:"bufferCount"`
	TrackedRecords  int  `json:"trackedRecords"`
	CircuitBreaker  bool `json:"circuit_breaker_tripped"`
	QueueDepth      int  `json:"queueDepth"`
	SubscriberAlive bool `json:"subscriberAlive"`
}

func (a *Assembler) Health() Health {
	h := Health{
		BufferCount:    int(a.bufferCount.Load()),
		TrackedRecords: int(a.trackedCount.Load()),
		CircuitBreaker: a.trippedFlag.Load(),
		QueueDepth:     len(a.events),
	}
	if a.sub != nil {
		h.SubscriberAlive = a.sub.IsActive()
	}
	return h
}

// handleMessage runs on the consumer goroutine: validate, then hand off to
// the event loop. Identity-less or unknown content is logged and skipped,
// never dead-lettered.
func (a *Assembler) handleMessage(ctx context.Context, env *messaging.Envelope, pctx *messaging.ProcessingContext) (err error) {
	defer func(start time.Time) {
		status := "success"
		if err != nil {
			status = "failure"
		}
		a.metrics.MessagesConsumed.WithLabelValues(a.config.GroupID, pctx.Topic, status).Inc()
		a.metrics.ProcessingTime.WithLabelValues(a.config.GroupID, a.config.Source).Observe(time.Since(start).Seconds())
	}(time.Now())

	if env.Type != messaging.TypeChangeEvent {
		a.logger.Debug("skipping unexpected message type", zap.String("type", env.Type))
		return nil
	}

	var ev models.ChangeEvent
	if err := env.Decode(&ev); err != nil {
		return fmt.Errorf("failed to decode change event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		a.logger.Warn("skipping invalid change event",
			zap.String("call_id", ev.CallID),
			zap.Error(err))
		return nil
	}

	rec := &inboundEvent{event: &ev, offset: pctx.Offset}
	select {
	case a.events <- rec:
		return nil
	case <-a.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Assembler) run(ctx context.Context) {
	defer close(a.doneCh)

	sweep := time.NewTicker(a.config.SweepInterval)
	defer sweep.Stop()
	recovery := time.NewTicker(a.config.RecoveryInterval)
	defer recovery.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case rec := <-a.events:
			a.onEvent(ctx, rec)
		case <-sweep.C:
			a.sweepOnce(ctx)
		case <-recovery.C:
			a.tryRecover()
		}
	}
}

func (a *Assembler) onEvent(ctx context.Context, rec *inboundEvent) {
	now := a.now()
	ev := rec.event

	if a.detector.isTripped() {
		a.logger.Warn("circuit breaker open, dropping event",
			zap.String("call_id", ev.CallID),
			zap.Int64("offset", rec.offset))
		return
	}

	if a.detector.observe(ev.CallID, ev.ChangeType, rec.offset, now) {
		delete(a.buffers, ev.CallID)
		a.trippedFlag.Store(true)
		a.metrics.BreakerTrips.Inc()
		a.metrics.BreakerOpen.Set(1)
		a.syncBufferGauge()
		a.logger.Error("replay loop detected, circuit breaker tripped",
			zap.String("call_id", ev.CallID),
			zap.String("change_type", ev.ChangeType),
			zap.Int64("offset", rec.offset))
		return
	}

	switch ev.ChangeType {
	case models.ChangeTypeInsert, models.ChangeTypeUpdate:
		buf, ok := a.buffers[ev.CallID]
		if !ok {
			a.evictIfFull(now)
			buf = newBuffer(ev.CallID, a.config.ActivityDamping, now)
			a.buffers[ev.CallID] = buf
		}
		buf.upsert(ev, now)
	case models.ChangeTypeDelete:
		buf, ok := a.buffers[ev.CallID]
		if !ok {
			// A delete after emission: the buffer is gone but the call's
			// surviving rows must be re-assembled so downstream overwrites
			// the stale document.
			a.rebuildAfterDelete(ctx, ev, now)
			break
		}
		buf.remove(ev.ChangeLogID, now)
		if buf.size() == 0 {
			delete(a.buffers, ev.CallID)
			a.logger.Debug("buffer emptied by deletes", zap.String("call_id", ev.CallID))
		}
	default:
		a.logger.Warn("skipping unknown change type",
			zap.String("call_id", ev.CallID),
			zap.String("change_type", ev.ChangeType))
	}

	a.syncBufferGauge()
}

// rebuildAfterDelete reloads a call's surviving rows from the source table
// into a fresh buffer. The sweep's completeness check will then re-emit the
// shortened conversation. Tenant identity comes from the delete's row image
// since the transcript rows do not carry it.
func (a *Assembler) rebuildAfterDelete(ctx context.Context, ev *models.ChangeEvent, now time.Time) {
	if a.source == nil {
		return
	}

	transcript, err := a.source.GetCallTranscript(ctx, ev.CallID)
	if err != nil {
		a.logger.Warn("transcript reload failed after delete",
			zap.String("call_id", ev.CallID),
			zap.Error(err))
		return
	}
	if len(transcript) == 0 {
		a.logger.Debug("no surviving rows after delete", zap.String("call_id", ev.CallID))
		return
	}

	a.evictIfFull(now)
	buf := newBuffer(ev.CallID, a.config.ActivityDamping, now)
	buf.ban = ev.BAN
	buf.subscriberNo = ev.SubscriberNo
	for _, m := range transcript {
		buf.upsert(&models.ChangeEvent{
			CallID:      m.CallID,
			ChangeLogID: m.ChangeLogID,
			Owner:       m.Owner,
			Text:        m.Text,
			TextTime:    m.Timestamp,
		}, now)
	}
	a.buffers[ev.CallID] = buf

	a.logger.Info("rebuilt buffer after post-emission delete",
		zap.String("call_id", ev.CallID),
		zap.Int("messages", buf.size()))
}

// evictIfFull makes room for one more buffer by dropping the
// longest-inactive one. The cap is soft: eviction is logged, not an error.
func (a *Assembler) evictIfFull(now time.Time) {
	if len(a.buffers) < a.config.MaxBuffers {
		return
	}

	var oldestID string
	var oldestActivity time.Time
	for id, buf := range a.buffers {
		if oldestID == "" || buf.lastActivity.Before(oldestActivity) {
			oldestID = id
			oldestActivity = buf.lastActivity
		}
	}
	if oldestID == "" {
		return
	}

	delete(a.buffers, oldestID)
	a.metrics.BufferEvictions.Inc()
	a.logger.Warn("evicted oldest buffer at capacity",
		zap.String("call_id", oldestID),
		zap.Duration("idle", now.Sub(oldestActivity)),
		zap.Int("cap", a.config.MaxBuffers))
}

func (a *Assembler) sweepOnce(ctx context.Context) {
	now := a.now()
	a.detector.prune(now)
	if a.detector.isTripped() {
		return
	}

	for callID, buf := range a.buffers {
		if buf.size() == 0 {
			delete(a.buffers, callID)
			continue
		}
		reason := a.shouldEmit(ctx, buf, now)
		if reason == "" {
			continue
		}
		a.emit(ctx, buf, reason, now)
	}
	a.syncBufferGauge()
}

// shouldEmit returns the emission reason for the buffer, or "" to keep
// accumulating. The source-of-truth rule runs last because it costs a
// database round-trip, and only once the buffer has gone quiet.
func (a *Assembler) shouldEmit(ctx context.Context, buf *buffer, now time.Time) string {
	idle := now.Sub(buf.lastActivity)

	if buf.agentCount > 0 && buf.customerCount > 0 && idle > a.config.MaxWait {
		return ReasonParticipantsIdle
	}
	if buf.size() >= a.config.LargeMessages && idle > a.config.NormalTimeout*3/2 {
		return ReasonLargeConversation
	}
	if buf.size() >= a.config.MinMessages && idle > a.config.NormalTimeout {
		return ReasonMinMessagesIdle
	}

	if a.source != nil && idle > a.config.DBCheckIdle {
		dbCount, err := a.source.CountCallMessages(ctx, buf.callID)
		if err != nil {
			a.logger.Warn("source count check failed",
				zap.String("call_id", buf.callID),
				zap.Error(err))
			return ""
		}
		if dbCount > 0 && buf.size() >= dbCount {
			return ReasonDBCount
		}
	}
	return ""
}

// emit publishes the assembly and removes the buffer on success. On publish
// failure the buffer is retained and retried at the next sweep.
func (a *Assembler) emit(ctx context.Context, buf *buffer, reason string, now time.Time) {
	assembly := buf.snapshot(now)
	assembly.EmitReason = reason

	env, err := messaging.NewEnvelope(messaging.TypeConversationAssembly, a.config.Source, assembly)
	if err != nil {
		a.logger.Error("failed to encode assembly",
			zap.String("call_id", buf.callID),
			zap.Error(err))
		return
	}

	if err := a.bus.Publish(ctx, a.config.OutputTopic, buf.callID, env); err != nil {
		a.metrics.MessagesPublished.WithLabelValues(a.config.OutputTopic, "failure").Inc()
		a.logger.Error("failed to publish assembly, retaining buffer",
			zap.String("call_id", buf.callID),
			zap.Error(err))
		return
	}
	a.metrics.MessagesPublished.WithLabelValues(a.config.OutputTopic, "success").Inc()

	delete(a.buffers, buf.callID)
	a.metrics.ConversationsAssembled.WithLabelValues(reason).Inc()
	a.logger.Info("conversation assembled",
		zap.String("call_id", buf.callID),
		zap.String("reason", reason),
		zap.Int("messages", assembly.MessageCount),
		zap.Int64("duration_ms", assembly.Duration))
}

func (a *Assembler) tryRecover() {
	now := a.now()
	if !a.detector.canReset(now, len(a.buffers)) {
		return
	}
	a.detector.reset()
	a.trippedFlag.Store(false)
	a.metrics.BreakerOpen.Set(0)
	a.logger.Info("circuit breaker reset after quiescence",
		zap.Int("buffers", len(a.buffers)))
}

func (a *Assembler) syncBufferGauge() {
	a.bufferCount.Store(int64(len(a.buffers)))
	a.trackedCount.Store(int64(a.detector.size()))
	a.metrics.ActiveBuffers.Set(float64(len(a.buffers)))
}
