// Package indexer consumes enriched ML results, materializes index documents
// and writes them to the per-tenant search indices in size-or-time batches.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/models"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
	"dev.callstream.pipeline/internal/search"
)

// Flush triggers, also used as metric labels.
const (
	TriggerSize     = "size"
	TriggerTimeout  = "timeout"
	TriggerShutdown = "shutdown"
)

// Bus is the slice of the bus client the indexer needs.
type Bus interface {
	Publish(ctx context.Context, topic, key string, env *messaging.Envelope, opts ...messaging.PublishOption) error
	Subscribe(ctx context.Context, opts *messaging.SubscribeOptions, handler messaging.MessageHandler) (messaging.Subscription, error)
}

// Config holds indexer settings.
type Config struct {
	InputTopic  string
	NotifyTopic string
	GroupID     string
	Source      string

	// Kind selects the per-tenant index family documents land in.
	Kind string

	// A batch flushes when it reaches BatchSize documents or when
	// BatchTimeout has elapsed since its first document arrived.
	BatchSize    int
	BatchTimeout time.Duration

	// FlushTimeout bounds timer- and shutdown-driven flushes, which run
	// outside any consumer call.
	FlushTimeout time.Duration
}

// DefaultConfig returns the indexer defaults.
func DefaultConfig() Config {
	return Config{
		InputTopic:   "ml-processing-queue",
		NotifyTopic:  "opensearch-bulk-index",
		GroupID:      "opensearch-indexer",
		Source:       "opensearch-indexer",
		Kind:         search.KindTranscriptions,
		BatchSize:    10,
		BatchTimeout: 30 * time.Second,
		FlushTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.InputTopic == "" || c.NotifyTopic == "" {
		return fmt.Errorf("input and notify topics are required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id is required")
	}
	if !search.ValidKind(c.Kind) {
		return fmt.Errorf("unknown index kind %q", c.Kind)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch timeout must be positive")
	}
	return nil
}

// Indexer accumulates ML results and flushes them to the search engine.
type Indexer struct {
	config  Config
	bus     Bus
	engine  search.Engine
	logger  *zap.Logger
	metrics *obsmetrics.Collector
	now     func() time.Time

	mu         sync.Mutex
	batch      []*models.IndexDocument
	batchTimer *time.Timer

	// Parent context for flushes that run outside a consumer call; lives
	// until Stop so a timer firing during shutdown still completes.
	flushCtx    context.Context
	cancelFlush context.CancelFunc

	started atomic.Bool
	sub     messaging.Subscription
}

// NewIndexer creates an indexer writing through the given engine.
func NewIndexer(config Config, bus Bus, engine search.Engine, logger *zap.Logger, collector *obsmetrics.Collector) *Indexer {
	flushCtx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		config:      config,
		bus:         bus,
		engine:      engine,
		logger:      logger,
		metrics:     collector,
		now:         time.Now,
		flushCtx:    flushCtx,
		cancelFlush: cancel,
	}
}

// Start subscribes to the ML result stream.
func (ix *Indexer) Start(ctx context.Context) error {
	if err := ix.config.Validate(); err != nil {
		return fmt.Errorf("invalid indexer config: %w", err)
	}
	if !ix.started.CompareAndSwap(false, true) {
		return fmt.Errorf("indexer already started")
	}

	sub, err := ix.bus.Subscribe(ctx,
		messaging.ApplySubscribeOptions(
			messaging.WithGroupID(ix.config.GroupID),
			messaging.WithTopics(ix.config.InputTopic),
			messaging.WithStage("indexer"),
		),
		ix.handleMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ix.config.InputTopic, err)
	}
	ix.sub = sub

	ix.logger.Info("ml result indexer started",
		zap.String("input_topic", ix.config.InputTopic),
		zap.Int("batch_size", ix.config.BatchSize),
		zap.Duration("batch_timeout", ix.config.BatchTimeout))
	return nil
}

// Stop unsubscribes and flushes any partial batch before returning.
func (ix *Indexer) Stop() {
	if !ix.started.Load() {
		return
	}
	if ix.sub != nil {
		if err := ix.sub.Unsubscribe(); err != nil {
			ix.logger.Warn("failed to unsubscribe cleanly", zap.Error(err))
		}
	}

	ix.mu.Lock()
	docs := ix.takeLocked()
	ix.mu.Unlock()
	if len(docs) > 0 {
		ctx, cancel := context.WithTimeout(ix.flushCtx, ix.config.FlushTimeout)
		defer cancel()
		if err := ix.flush(ctx, docs, TriggerShutdown); err != nil {
			ix.logger.Error("shutdown flush failed",
				zap.Int("documents", len(docs)),
				zap.Error(err))
		}
	}
	ix.cancelFlush()
}

// Health reports the indexer's observable state.
type Health struct {
	PendingDocuments int  `json:"pendingDocuments"`
	SubscriberAlive  bool `json:"subscriberAlive"`
}

func (ix *Indexer) Health() Health {
	ix.mu.Lock()
	pending := len(ix.batch)
	ix.mu.Unlock()

	h := Health{PendingDocuments: pending}
	if ix.sub != nil {
		h.SubscriberAlive = ix.sub.IsActive()
	}
	return h
}

// handleMessage validates one ML result and adds it to the batch. Results
// without a callId are identity-less and skipped; results that name a call
// but cannot be indexed go to the DLQ.
func (ix *Indexer) handleMessage(ctx context.Context, env *messaging.Envelope, pctx *messaging.ProcessingContext) (err error) {
	defer func(start time.Time) {
		status := "success"
		if err != nil {
			status = "failure"
		}
		ix.metrics.MessagesConsumed.WithLabelValues(ix.config.GroupID, pctx.Topic, status).Inc()
		ix.metrics.ProcessingTime.WithLabelValues(ix.config.GroupID, ix.config.Source).Observe(time.Since(start).Seconds())
	}(time.Now())

	if env.Type != messaging.TypeMLResult {
		ix.logger.Debug("skipping unexpected message type", zap.String("type", env.Type))
		return nil
	}

	var result models.MLResult
	if err := env.Decode(&result); err != nil {
		return fmt.Errorf("failed to decode ml result: %w", err)
	}
	if result.CallID == "" {
		ix.logger.Warn("skipping ml result without callId",
			zap.String("message_id", env.MessageID))
		return nil
	}
	if err := result.Validate(); err != nil {
		return err
	}

	return ix.add(ctx, models.DocumentFromMLResult(&result, ix.now()))
}

// add appends the document, arms the timeout on a batch's first document and
// flushes inline when the size trigger fires, so a failed flush dead-letters
// the record that completed the batch.
func (ix *Indexer) add(ctx context.Context, doc *models.IndexDocument) error {
	ix.mu.Lock()
	ix.batch = append(ix.batch, doc)
	if len(ix.batch) == 1 {
		ix.batchTimer = time.AfterFunc(ix.config.BatchTimeout, ix.flushExpired)
	}
	if len(ix.batch) < ix.config.BatchSize {
		ix.mu.Unlock()
		return nil
	}
	docs := ix.takeLocked()
	ix.mu.Unlock()

	return ix.flush(ctx, docs, TriggerSize)
}

// takeLocked steals the pending batch and disarms the timer. Caller holds mu.
func (ix *Indexer) takeLocked() []*models.IndexDocument {
	docs := ix.batch
	ix.batch = nil
	if ix.batchTimer != nil {
		ix.batchTimer.Stop()
		ix.batchTimer = nil
	}
	return docs
}

// flushExpired runs on the timer goroutine when a batch ages out before
// filling up. There is no consumer call to fail here; the outcome travels in
// the notification.
func (ix *Indexer) flushExpired() {
	ix.mu.Lock()
	docs := ix.takeLocked()
	ix.mu.Unlock()
	if len(docs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ix.flushCtx, ix.config.FlushTimeout)
	defer cancel()
	if err := ix.flush(ctx, docs, TriggerTimeout); err != nil {
		ix.logger.Error("timed batch flush failed",
			zap.Int("documents", len(docs)),
			zap.Error(err))
	}
}

// flush groups the batch by tenant, ensures each tenant index exists and
// issues one bulk upsert per tenant. A single notification reports the whole
// batch; failures are returned so callers on the consumer path can route the
// triggering record to the DLQ.
func (ix *Indexer) flush(ctx context.Context, docs []*models.IndexDocument, trigger string) error {
	ix.metrics.BatchFlushes.WithLabelValues(trigger).Inc()

	callIDs := make([]string, 0, len(docs))
	groups := make(map[string][]*models.IndexDocument)
	for _, doc := range docs {
		callIDs = append(callIDs, doc.CallID)
		groups[doc.CustomerID] = append(groups[doc.CustomerID], doc)
	}

	var errs []error
	indexed := 0
	for customerID, group := range groups {
		if err := ix.indexGroup(ctx, customerID, group); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", customerID, err))
			continue
		}
		indexed += len(group)
	}

	notification := &models.IndexNotification{
		CallIDs:   callIDs,
		Status:    models.IndexStatusSuccess,
		BatchSize: len(docs),
		Timestamp: ix.now().UTC(),
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		notification.Status = models.IndexStatusFailed
		notification.Error = err.Error()
		ix.metrics.DocumentsIndexed.WithLabelValues("failure").Add(float64(len(docs) - indexed))
		ix.metrics.DocumentsIndexed.WithLabelValues("success").Add(float64(indexed))
		ix.notify(ctx, notification)
		return fmt.Errorf("bulk index flush failed: %w", err)
	}

	ix.metrics.DocumentsIndexed.WithLabelValues("success").Add(float64(indexed))
	ix.notify(ctx, notification)
	ix.logger.Info("index batch flushed",
		zap.String("trigger", trigger),
		zap.Int("documents", indexed),
		zap.Int("tenants", len(groups)))
	return nil
}

func (ix *Indexer) indexGroup(ctx context.Context, customerID string, docs []*models.IndexDocument) error {
	if err := ix.engine.CreateTenantIndex(ctx, customerID, ix.config.Kind); err != nil {
		return fmt.Errorf("failed to ensure index: %w", err)
	}

	start := time.Now()
	result, err := ix.engine.BulkUpsert(ctx, customerID, ix.config.Kind, docs)
	ix.metrics.SearchRequests.WithLabelValues("bulk_upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if result.Failed() {
		for _, e := range result.Errors {
			ix.logger.Error("document rejected by index",
				zap.String("call_id", e.CallID),
				zap.Int("status", e.Status),
				zap.String("reason", e.Reason))
		}
		return fmt.Errorf("%d of %d documents rejected", len(result.Errors), len(docs))
	}
	return nil
}

// notify publishes the batch outcome. The notification is observability, not
// the data path: a publish failure is logged, never escalated.
func (ix *Indexer) notify(ctx context.Context, n *models.IndexNotification) {
	env, err := messaging.NewEnvelope(messaging.TypeIndexNotification, ix.config.Source, n)
	if err != nil {
		ix.logger.Error("failed to encode index notification", zap.Error(err))
		return
	}

	// Batch notifications cover several calls; key by the first so related
	// notifications still land on a stable partition.
	key := "batch"
	if len(n.CallIDs) > 0 {
		key = n.CallIDs[0]
	}
	if err := ix.bus.Publish(ctx, ix.config.NotifyTopic, key, env); err != nil {
		ix.logger.Warn("failed to publish index notification", zap.Error(err))
	}
}
