// Package dlq implements the error handler: it consumes dead-letter
// records, categorizes and persists them, republishes retryable ones to
// their original topic after a delay, and parks exhausted ones in the
// permanent failures table.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/models"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
)

// Bus is the slice of the bus client the handler needs.
type Bus interface {
	Publish(ctx context.Context, topic, key string, env *messaging.Envelope, opts ...messaging.PublishOption) error
	Subscribe(ctx context.Context, opts *messaging.SubscribeOptions, handler messaging.MessageHandler) (messaging.Subscription, error)
}

// AuditStore persists failed records to the source database audit tables.
type AuditStore interface {
	InsertErrorLog(ctx context.Context, entry *models.ErrorLogEntry) error
	InsertPermanentFailure(ctx context.Context, failure *models.PermanentFailure) (bool, error)
}

// Config holds the error handler settings.
type Config struct {
	DLQTopic     string
	MetricsTopic string
	GroupID      string
	Source       string

	// MaxRetryAttempts bounds how many republish cycles a record gets
	// before it is parked as a permanent failure.
	MaxRetryAttempts int
	// RetryDelay is how long a record waits before being republished.
	RetryDelay time.Duration
	// RetryTick is how often the retry loop checks for due records.
	RetryTick time.Duration
	// NotificationThreshold publishes a counters summary every time the
	// total crosses a multiple of it.
	NotificationThreshold int
	// RepublishTimeout bounds a single republish attempt.
	RepublishTimeout time.Duration
}

// DefaultConfig returns the error handler defaults.
func DefaultConfig() Config {
	return Config{
		DLQTopic:              "failed-records-dlq",
		MetricsTopic:          "processing-metrics",
		GroupID:               "error-handler",
		Source:                "error-handler",
		MaxRetryAttempts:      3,
		RetryDelay:            60 * time.Second,
		RetryTick:             5 * time.Second,
		NotificationThreshold: 10,
		RepublishTimeout:      30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DLQTopic == "" {
		return fmt.Errorf("dlq topic is required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative")
	}
	if c.RetryTick <= 0 {
		return fmt.Errorf("retry tick must be positive")
	}
	if c.NotificationThreshold <= 0 {
		return fmt.Errorf("notification threshold must be positive")
	}
	return nil
}

// Counters is a snapshot of the handler's error accounting.
type Counters struct {
	Total     int64            `json:"total"`
	ByTopic   map[string]int64 `json:"byTopic"`
	ByType    map[string]int64 `json:"byType"`
	Retried   int64            `json:"retried"`
	Permanent int64            `json:"permanent"`
}

// ErrorSummary is the counters payload published to the metrics topic when
// the notification threshold is crossed.
type ErrorSummary struct {
	Counters
	PendingRetries int       `json:"pendingRetries"`
	Timestamp      time.Time `json:"timestamp"`
}

// Retry statuses tracked for the admin surface.
const (
	RetryStatusScheduled = "scheduled"
	RetryStatusRetried   = "retried"
	RetryStatusPermanent = "permanent"
	RetryStatusDiscarded = "discarded"
)

// PendingRetry is one record waiting for its republish slot.
type PendingRetry struct {
	ID            string    `json:"id"`
	OriginalTopic string    `json:"originalTopic"`
	ErrorType     string    `json:"errorType"`
	LastError     string    `json:"lastError"`
	Attempts      int       `json:"attempts"`
	FirstErrorAt  time.Time `json:"firstErrorAt"`
	DueAt         time.Time `json:"dueAt"`

	original json.RawMessage
}

// RetryOutcome is the terminal state of a record the handler is done with.
type RetryOutcome struct {
	ID            string    `json:"id"`
	OriginalTopic string    `json:"originalTopic"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	ResolvedAt    time.Time `json:"resolvedAt"`
}

// Health is the handler's observable state. Status flips to unhealthy when
// more than half of all handled errors ended as permanent failures.
type Health struct {
	Status         string `json:"status"`
	Total          int64  `json:"total"`
	Permanent      int64  `json:"permanent"`
	PendingRetries int    `json:"pendingRetries"`
}

// Handler consumes the dead-letter topic and drives retry and permanent
// failure accounting.
type Handler struct {
	config  Config
	bus     Bus
	audit   AuditStore
	logger  *zap.Logger
	metrics *obsmetrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	counters Counters
	pending  map[string]*PendingRetry
	resolved map[string]*RetryOutcome

	started atomic.Bool
	sub     messaging.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHandler creates an error handler persisting through the given audit
// store.
func NewHandler(config Config, bus Bus, audit AuditStore, logger *zap.Logger, collector *obsmetrics.Collector) *Handler {
	return &Handler{
		config:  config,
		bus:     bus,
		audit:   audit,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
		counters: Counters{
			ByTopic: make(map[string]int64),
			ByType:  make(map[string]int64),
		},
		pending:  make(map[string]*PendingRetry),
		resolved: make(map[string]*RetryOutcome),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to the DLQ topic and launches the retry loop. The
// subscription runs without DLQ forwarding: a record that fails inside the
// error handler must never bounce back onto the queue it came from.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.config.Validate(); err != nil {
		return fmt.Errorf("invalid error handler config: %w", err)
	}
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("error handler already started")
	}

	sub, err := h.bus.Subscribe(ctx,
		messaging.ApplySubscribeOptions(
			messaging.WithGroupID(h.config.GroupID),
			messaging.WithTopics(h.config.DLQTopic),
			messaging.WithStage("error-handler"),
			messaging.WithoutDLQ(),
		),
		h.handleMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", h.config.DLQTopic, err)
	}
	h.sub = sub

	go h.retryLoop()

	h.logger.Info("error handler started",
		zap.String("dlq_topic", h.config.DLQTopic),
		zap.Int("max_attempts", h.config.MaxRetryAttempts),
		zap.Duration("retry_delay", h.config.RetryDelay))
	return nil
}

// Stop unsubscribes and drains the retry loop. Pending retries are not
// flushed: they are re-read from the DLQ topic on the next start.
func (h *Handler) Stop() {
	if !h.started.Load() {
		return
	}
	if h.sub != nil {
		if err := h.sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe cleanly", zap.Error(err))
		}
	}
	close(h.stopCh)
	<-h.doneCh
}

// handleMessage processes one dead-letter record: count, persist, then
// either schedule a republish or park it permanently.
func (h *Handler) handleMessage(ctx context.Context, env *messaging.Envelope, pctx *messaging.ProcessingContext) (err error) {
	defer func(start time.Time) {
		status := "success"
		if err != nil {
			status = "failure"
		}
		h.metrics.MessagesConsumed.WithLabelValues(h.config.GroupID, pctx.Topic, status).Inc()
		h.metrics.ProcessingTime.WithLabelValues(h.config.GroupID, h.config.Source).Observe(time.Since(start).Seconds())
	}(time.Now())

	if env.Type != messaging.TypeDLQRecord {
		h.logger.Debug("skipping unexpected message type", zap.String("type", env.Type))
		return nil
	}

	var record messaging.DLQRecord
	if err := env.Decode(&record); err != nil {
		h.logger.Warn("skipping undecodable dlq record",
			zap.String("message_id", env.MessageID),
			zap.Error(err))
		return nil
	}

	errorType := Classify(record.Error)
	h.metrics.ErrorsHandled.WithLabelValues(errorType).Inc()
	h.metrics.DLQForwards.WithLabelValues(record.OriginalTopic).Inc()

	h.mu.Lock()
	h.counters.Total++
	h.counters.ByTopic[record.OriginalTopic]++
	h.counters.ByType[errorType]++
	notify := h.counters.Total%int64(h.config.NotificationThreshold) == 0
	h.mu.Unlock()

	h.persistErrorLog(ctx, &record, errorType)

	id := recordID(&record)
	switch {
	case record.OriginalTopic == h.config.DLQTopic:
		// Loop prevention: a record that already originates from the DLQ
		// is never republished.
		h.logger.Warn("dlq-origin record parked permanently",
			zap.String("record_id", id))
		h.markPermanent(ctx, id, &record, errorType)
	case record.ProcessingAttempts >= h.config.MaxRetryAttempts:
		h.markPermanent(ctx, id, &record, errorType)
	default:
		h.schedule(id, &record, errorType)
	}

	if notify {
		h.publishSummary(ctx)
	}
	return nil
}

// persistErrorLog writes the audit row. Audit failures are logged and
// swallowed: error handling must keep going even when the audit table is
// down.
func (h *Handler) persistErrorLog(ctx context.Context, record *messaging.DLQRecord, errorType string) {
	entry := &models.ErrorLogEntry{
		Topic:        record.OriginalTopic,
		ErrorType:    errorType,
		ErrorMessage: record.Error,
		Payload:      string(record.OriginalMessage),
		Attempts:     record.ProcessingAttempts,
		CreatedAt:    h.now().UTC(),
	}
	if err := h.audit.InsertErrorLog(ctx, entry); err != nil {
		h.logger.Error("failed to persist error log row",
			zap.String("topic", record.OriginalTopic),
			zap.Error(err))
	}
}

// schedule queues the record for republishing after the retry delay.
func (h *Handler) schedule(id string, record *messaging.DLQRecord, errorType string) {
	firstErrorAt := record.FirstErrorAt
	if firstErrorAt.IsZero() {
		firstErrorAt = h.now().UTC()
	}

	h.mu.Lock()
	h.pending[id] = &PendingRetry{
		ID:            id,
		OriginalTopic: record.OriginalTopic,
		ErrorType:     errorType,
		LastError:     record.Error,
		Attempts:      record.ProcessingAttempts,
		FirstErrorAt:  firstErrorAt,
		DueAt:         h.now().Add(h.config.RetryDelay),
		original:      record.OriginalMessage,
	}
	h.mu.Unlock()

	h.logger.Info("retry scheduled",
		zap.String("record_id", id),
		zap.String("original_topic", record.OriginalTopic),
		zap.Int("attempts", record.ProcessingAttempts),
		zap.Duration("delay", h.config.RetryDelay))
}

// markPermanent writes the record to the permanent failures table exactly
// once, keyed by the original message identity.
func (h *Handler) markPermanent(ctx context.Context, id string, record *messaging.DLQRecord, errorType string) {
	failure := &models.PermanentFailure{
		ID:           id,
		Topic:        record.OriginalTopic,
		ErrorType:    errorType,
		ErrorMessage: record.Error,
		Payload:      string(record.OriginalMessage),
		Attempts:     record.ProcessingAttempts,
		FailedAt:     h.now().UTC(),
	}
	inserted, err := h.audit.InsertPermanentFailure(ctx, failure)
	if err != nil {
		h.logger.Error("failed to persist permanent failure",
			zap.String("record_id", id),
			zap.Error(err))
		return
	}
	if !inserted {
		// Already parked by an earlier delivery of the same record.
		return
	}

	h.metrics.PermanentFailures.Inc()
	h.mu.Lock()
	h.counters.Permanent++
	delete(h.pending, id)
	h.resolved[id] = &RetryOutcome{
		ID:            id,
		OriginalTopic: record.OriginalTopic,
		Status:        RetryStatusPermanent,
		Attempts:      record.ProcessingAttempts,
		ResolvedAt:    h.now().UTC(),
	}
	h.mu.Unlock()
}

// retryLoop republishes due records on every tick until stopped.
func (h *Handler) retryLoop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.config.RetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.retryDue()
		}
	}
}

// retryDue republishes every pending record whose delay has elapsed.
func (h *Handler) retryDue() {
	now := h.now()

	h.mu.Lock()
	due := make([]*PendingRetry, 0, len(h.pending))
	for _, p := range h.pending {
		if !p.DueAt.After(now) {
			due = append(due, p)
		}
	}
	h.mu.Unlock()

	for _, p := range due {
		h.republish(p)
	}
}

// republish sends the original message back to its original topic with the
// attempts header bumped. A failed republish consumes an attempt and goes
// back in the queue until the budget runs out.
func (h *Handler) republish(p *PendingRetry) {
	env, err := messaging.ParseEnvelope(p.original)
	if err != nil {
		// The original bytes are not an envelope; there is nothing we can
		// usefully republish.
		h.logger.Warn("pending retry holds a non-envelope payload, parking it",
			zap.String("record_id", p.ID),
			zap.Error(err))
		h.exhaust(p, fmt.Sprintf("original message is not an envelope: %v", err))
		return
	}

	nextAttempt := p.Attempts + 1
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RepublishTimeout)
	defer cancel()

	err = h.bus.Publish(ctx, p.OriginalTopic, republishKey(env), env,
		messaging.WithHeader(messaging.HeaderAttempts, fmt.Sprintf("%d", nextAttempt)))
	if err != nil {
		h.logger.Warn("republish failed",
			zap.String("record_id", p.ID),
			zap.String("original_topic", p.OriginalTopic),
			zap.Int("attempts", nextAttempt),
			zap.Error(err))

		if nextAttempt >= h.config.MaxRetryAttempts {
			h.exhaust(p, err.Error())
			return
		}
		h.mu.Lock()
		p.Attempts = nextAttempt
		p.LastError = err.Error()
		p.DueAt = h.now().Add(h.config.RetryDelay)
		h.mu.Unlock()
		return
	}

	h.metrics.ErrorsRetried.Inc()
	h.mu.Lock()
	h.counters.Retried++
	delete(h.pending, p.ID)
	h.resolved[p.ID] = &RetryOutcome{
		ID:            p.ID,
		OriginalTopic: p.OriginalTopic,
		Status:        RetryStatusRetried,
		Attempts:      nextAttempt,
		ResolvedAt:    h.now().UTC(),
	}
	h.mu.Unlock()

	h.logger.Info("record republished",
		zap.String("record_id", p.ID),
		zap.String("original_topic", p.OriginalTopic),
		zap.Int("attempts", nextAttempt))
}

// exhaust converts a pending retry into a permanent failure.
func (h *Handler) exhaust(p *PendingRetry, lastError string) {
	record := &messaging.DLQRecord{
		OriginalTopic:      p.OriginalTopic,
		OriginalMessage:    p.original,
		Error:              lastError,
		FirstErrorAt:       p.FirstErrorAt,
		ProcessingAttempts: h.config.MaxRetryAttempts,
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.config.RepublishTimeout)
	defer cancel()
	h.markPermanent(ctx, p.ID, record, p.ErrorType)
}

// publishSummary pushes the counters snapshot onto the metrics topic. Like
// the audit path, a publish failure never interrupts handling.
func (h *Handler) publishSummary(ctx context.Context) {
	summary := &ErrorSummary{
		Counters:  h.Counters(),
		Timestamp: h.now().UTC(),
	}
	h.mu.Lock()
	summary.PendingRetries = len(h.pending)
	h.mu.Unlock()

	env, err := messaging.NewEnvelope(messaging.TypeErrorSummary, h.config.Source, summary)
	if err != nil {
		h.logger.Error("failed to encode error summary", zap.Error(err))
		return
	}
	key := messaging.MetricKey("error-handler", h.now())
	if err := h.bus.Publish(ctx, h.config.MetricsTopic, key, env); err != nil {
		h.logger.Warn("failed to publish error summary", zap.Error(err))
	}
}

// Counters returns a deep copy of the error accounting.
func (h *Handler) Counters() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := Counters{
		Total:     h.counters.Total,
		Retried:   h.counters.Retried,
		Permanent: h.counters.Permanent,
		ByTopic:   make(map[string]int64, len(h.counters.ByTopic)),
		ByType:    make(map[string]int64, len(h.counters.ByType)),
	}
	for k, v := range h.counters.ByTopic {
		snapshot.ByTopic[k] = v
	}
	for k, v := range h.counters.ByType {
		snapshot.ByType[k] = v
	}
	return snapshot
}

// Health reports the handler's health snapshot.
func (h *Handler) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := "healthy"
	if h.counters.Total > 0 && h.counters.Permanent*2 > h.counters.Total {
		status = "unhealthy"
	}
	return Health{
		Status:         status,
		Total:          h.counters.Total,
		Permanent:      h.counters.Permanent,
		PendingRetries: len(h.pending),
	}
}

// ListPending returns the records waiting for a republish slot, soonest
// first.
func (h *Handler) ListPending() []*PendingRetry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*PendingRetry, 0, len(h.pending))
	for _, p := range h.pending {
		cp := *p
		cp.original = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Discard drops a pending retry without republishing it. The record is
// parked in the permanent failures table so it stays auditable.
func (h *Handler) Discard(ctx context.Context, id, reason string) error {
	h.mu.Lock()
	p, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending retry with id %s", id)
	}

	record := &messaging.DLQRecord{
		OriginalTopic:      p.OriginalTopic,
		OriginalMessage:    p.original,
		Error:              fmt.Sprintf("discarded by operator: %s", reason),
		FirstErrorAt:       p.FirstErrorAt,
		ProcessingAttempts: p.Attempts,
	}
	h.markPermanent(ctx, id, record, p.ErrorType)

	h.mu.Lock()
	if outcome, ok := h.resolved[id]; ok {
		outcome.Status = RetryStatusDiscarded
	}
	h.mu.Unlock()

	h.logger.Info("pending retry discarded",
		zap.String("record_id", id),
		zap.String("reason", reason))
	return nil
}

// PurgeResolved drops the terminal outcomes kept for the admin surface and
// returns how many were removed.
func (h *Handler) PurgeResolved() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := len(h.resolved)
	h.resolved = make(map[string]*RetryOutcome)
	return count
}

// ListResolved returns the terminal outcomes, newest first.
func (h *Handler) ListResolved() []*RetryOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*RetryOutcome, 0, len(h.resolved))
	for _, o := range h.resolved {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	return out
}

// recordID derives a stable identity for a dead-letter record from the
// original message's envelope ID, so repeated deliveries of the same record
// converge on one pending entry and one permanent row. Records whose
// original bytes are not an envelope get a fresh UUID.
func recordID(record *messaging.DLQRecord) string {
	if env, err := messaging.ParseEnvelope(record.OriginalMessage); err == nil && env.MessageID != "" {
		return env.MessageID
	}
	return uuid.New().String()
}

// republishKey recovers the partition key for a republished message: the
// callId carried by the payload when present, the envelope ID otherwise.
func republishKey(env *messaging.Envelope) string {
	var probe struct {
		CallID string `json:"callId"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err == nil && probe.CallID != "" {
		return probe.CallID
	}
	return env.MessageID
}
