// Package cdc polls the source database change log and turns row mutations
// into ChangeEvent messages on the bus. Two lanes run concurrently: a live
// "normal" lane driven by the changelog table, and a date-bounded
// "historical" lane that backfills straight from the text table and retires
// itself once drained.
package cdc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/models"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
)

// historicalSafetyLag keeps the historical lane away from rows the normal
// lane may still be chewing on. Only rows older than this are backfilled.
const historicalSafetyLag = 24 * time.Hour

// State is the position of one extraction lane in its lifecycle.
type State int32

const (
	StateDisabled State = iota
	StateIdle
	StatePolling
	StatePublishing
	StateMarking
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StatePublishing:
		return "publishing"
	case StateMarking:
		return "marking"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// ChangeSource reads row mutations from the source database.
type ChangeSource interface {
	FetchUnprocessedChanges(ctx context.Context, since time.Time, limit int) ([]*models.ChangeEvent, error)
	MarkChangesProcessed(ctx context.Context, changeIDs []int64) (int64, error)
	FetchHistoricalRows(ctx context.Context, after, until time.Time, limit int) ([]*models.ChangeEvent, error)
}

// StatusStore persists per-lane watermarks and enablement.
type StatusStore interface {
	EnsureRow(ctx context.Context, tableName string, seed time.Time, enabled bool) error
	Get(ctx context.Context, tableName string) (*models.CDCStatus, error)
	Advance(ctx context.Context, tableName string, watermark time.Time, processed int64) error
	SetEnabled(ctx context.Context, tableName string, enabled bool) error
}

// Publisher is the slice of the bus client the extractor needs.
type Publisher interface {
	PublishBatch(ctx context.Context, topic string, batch []messaging.KeyedEnvelope, opts ...messaging.PublishOption) error
}

// Config holds the extractor settings.
type Config struct {
	Topic            string
	Source           string
	PollingInterval  time.Duration
	BatchSize        int
	PublishBatchSize int
	NormalLookback   time.Duration
	HistoricalStart  time.Time
	ProcessingNode   string
}

// DefaultConfig returns the extractor defaults.
func DefaultConfig() Config {
	return Config{
		Topic:            "cdc-raw-changes",
		Source:           "cdc-extractor",
		PollingInterval:  5 * time.Second,
		BatchSize:        100,
		PublishBatchSize: 50,
		NormalLookback:   24 * time.Hour,
		ProcessingNode:   "callstream-node",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PublishBatchSize <= 0 {
		return fmt.Errorf("publish batch size must be positive")
	}
	return nil
}

// Extractor runs the two CDC lanes against the source database.
type Extractor struct {
	config  Config
	changes ChangeSource
	status  StatusStore
	bus     Publisher
	logger  *zap.Logger
	metrics *obsmetrics.Collector
	now     func() time.Time

	normalState     atomic.Int32
	historicalState atomic.Int32

	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewExtractor creates an extractor. The metrics collector must not be nil.
func NewExtractor(config Config, changes ChangeSource, status StatusStore, bus Publisher, logger *zap.Logger, collector *obsmetrics.Collector) *Extractor {
	return &Extractor{
		config:  config,
		changes: changes,
		status:  status,
		bus:     bus,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start seeds the watermark rows and begins the polling loop. The normal
// lane is seeded at now minus the configured lookback; the historical lane
// is seeded at the configured start date, or created disabled when no
// backfill was requested. Seeding never overwrites an existing row, so a
// drained historical lane stays drained across restarts.
func (e *Extractor) Start(ctx context.Context) error {
	if err := e.config.Validate(); err != nil {
		return fmt.Errorf("invalid extractor config: %w", err)
	}
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("extractor already started")
	}

	normalSeed := e.now().Add(-e.config.NormalLookback)
	if err := e.status.EnsureRow(ctx, models.CDCModeNormal, normalSeed, true); err != nil {
		return fmt.Errorf("failed to seed normal watermark: %w", err)
	}

	historicalEnabled := !e.config.HistoricalStart.IsZero()
	historicalSeed := e.config.HistoricalStart
	if !historicalEnabled {
		historicalSeed = e.now()
	}
	if err := e.status.EnsureRow(ctx, models.CDCModeHistorical, historicalSeed, historicalEnabled); err != nil {
		return fmt.Errorf("failed to seed historical watermark: %w", err)
	}

	for _, lane := range []struct {
		mode  string
		state *atomic.Int32
	}{
		{models.CDCModeNormal, &e.normalState},
		{models.CDCModeHistorical, &e.historicalState},
	} {
		row, err := e.status.Get(ctx, lane.mode)
		if err != nil {
			return fmt.Errorf("failed to read %s status: %w", lane.mode, err)
		}
		if row.Enabled {
			lane.state.Store(int32(StateIdle))
		} else {
			lane.state.Store(int32(StateDisabled))
		}
		e.logger.Info("CDC lane initialized",
			zap.String("mode", lane.mode),
			zap.Bool("enabled", row.Enabled),
			zap.Time("watermark", row.LastProcessedTimestamp))
	}

	go e.run(ctx)
	return nil
}

// Stop halts the polling loop and waits for the in-flight tick to finish.
func (e *Extractor) Stop() {
	if !e.started.Load() {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

// States reports the current lane states, keyed by mode row name.
func (e *Extractor) States() map[string]string {
	return map[string]string{
		models.CDCModeNormal:     State(e.normalState.Load()).String(),
		models.CDCModeHistorical: State(e.historicalState.Load()).String(),
	}
}

func (e *Extractor) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.config.PollingInterval)
	defer ticker.Stop()

	e.logger.Info("CDC extractor started",
		zap.Duration("polling_interval", e.config.PollingInterval),
		zap.String("topic", e.config.Topic),
		zap.String("processing_node", e.config.ProcessingNode))

	for {
		select {
		case <-e.stopCh:
			e.logger.Info("CDC extractor stopped")
			return
		case <-ctx.Done():
			e.logger.Info("CDC extractor context cancelled")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs both enabled lanes concurrently and waits for them. Lane
// failures are logged, never fatal: unmarked rows are simply picked up
// again on the next tick.
func (e *Extractor) tick(ctx context.Context) {
	var g errgroup.Group

	if State(e.normalState.Load()) != StateDisabled {
		g.Go(func() error {
			if err := e.pollNormal(ctx); err != nil {
				e.logger.Error("normal lane poll failed", zap.Error(err))
				e.normalState.Store(int32(StateIdle))
			}
			return nil
		})
	}
	if State(e.historicalState.Load()) != StateDisabled {
		g.Go(func() error {
			if err := e.pollHistorical(ctx); err != nil {
				e.logger.Error("historical lane poll failed", zap.Error(err))
				e.historicalState.Store(int32(StateIdle))
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (e *Extractor) pollNormal(ctx context.Context) error {
	started := e.now()

	row, err := e.status.Get(ctx, models.CDCModeNormal)
	if err != nil {
		return fmt.Errorf("failed to read normal status: %w", err)
	}
	if !row.Enabled {
		e.normalState.Store(int32(StateDisabled))
		return nil
	}

	e.normalState.Store(int32(StatePolling))
	events, err := e.changes.FetchUnprocessedChanges(ctx, row.LastProcessedTimestamp, e.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch changes: %w", err)
	}
	if len(events) == 0 {
		e.normalState.Store(int32(StateIdle))
		e.observeWatermark(models.CDCModeNormal, row.LastProcessedTimestamp)
		return nil
	}

	e.stamp(events, models.CDCModeNormal)

	e.normalState.Store(int32(StatePublishing))
	if err := e.publishChunked(ctx, events); err != nil {
		return fmt.Errorf("failed to publish changes: %w", err)
	}

	e.normalState.Store(int32(StateMarking))
	ids := make([]int64, len(events))
	watermark := row.LastProcessedTimestamp
	for i, ev := range events {
		ids[i] = ev.ChangeLogID
		if ev.ChangeTimestamp.After(watermark) {
			watermark = ev.ChangeTimestamp
		}
	}
	if _, err := e.changes.MarkChangesProcessed(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark changes processed: %w", err)
	}
	if err := e.status.Advance(ctx, models.CDCModeNormal, watermark, int64(len(events))); err != nil {
		return fmt.Errorf("failed to advance normal watermark: %w", err)
	}

	e.normalState.Store(int32(StateIdle))
	e.metrics.ChangesExtracted.WithLabelValues("normal").Add(float64(len(events)))
	e.metrics.PollDuration.WithLabelValues("normal").Observe(e.now().Sub(started).Seconds())
	e.observeWatermark(models.CDCModeNormal, watermark)

	e.logger.Info("published change batch",
		zap.String("mode", "normal"),
		zap.Int("events", len(events)),
		zap.Time("watermark", watermark))
	return nil
}

func (e *Extractor) pollHistorical(ctx context.Context) error {
	started := e.now()

	row, err := e.status.Get(ctx, models.CDCModeHistorical)
	if err != nil {
		return fmt.Errorf("failed to read historical status: %w", err)
	}
	if !row.Enabled {
		e.historicalState.Store(int32(StateDisabled))
		return nil
	}

	e.historicalState.Store(int32(StatePolling))
	until := e.now().Add(-historicalSafetyLag)
	events, err := e.changes.FetchHistoricalRows(ctx, row.LastProcessedTimestamp, until, e.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch historical rows: %w", err)
	}
	if len(events) == 0 {
		// Backfill is complete. Retire the lane in the database first so
		// the drain survives restarts.
		e.historicalState.Store(int32(StateDrained))
		if err := e.status.SetEnabled(ctx, models.CDCModeHistorical, false); err != nil {
			return fmt.Errorf("failed to disable historical lane: %w", err)
		}
		e.historicalState.Store(int32(StateDisabled))
		e.logger.Info("historical lane drained",
			zap.Time("watermark", row.LastProcessedTimestamp))
		return nil
	}

	e.stamp(events, models.CDCModeHistorical)

	e.historicalState.Store(int32(StatePublishing))
	if err := e.publishChunked(ctx, events); err != nil {
		return fmt.Errorf("failed to publish historical rows: %w", err)
	}

	// The historical lane never touches the changelog; progress lives
	// solely in the watermark.
	watermark := row.LastProcessedTimestamp
	for _, ev := range events {
		if ev.TextTime.After(watermark) {
			watermark = ev.TextTime
		}
	}
	if err := e.status.Advance(ctx, models.CDCModeHistorical, watermark, int64(len(events))); err != nil {
		return fmt.Errorf("failed to advance historical watermark: %w", err)
	}

	e.historicalState.Store(int32(StateIdle))
	e.metrics.ChangesExtracted.WithLabelValues("historical").Add(float64(len(events)))
	e.metrics.PollDuration.WithLabelValues("historical").Observe(e.now().Sub(started).Seconds())
	e.observeWatermark(models.CDCModeHistorical, watermark)

	e.logger.Info("published historical batch",
		zap.Int("events", len(events)),
		zap.Time("watermark", watermark))
	return nil
}

func (e *Extractor) stamp(events []*models.ChangeEvent, mode string) {
	for _, ev := range events {
		ev.CDCMode = mode
		ev.ProcessingNode = e.config.ProcessingNode
	}
}

// publishChunked sends events in bus round-trips of at most PublishBatchSize
// envelopes, keyed by callId so one call always lands on one partition.
func (e *Extractor) publishChunked(ctx context.Context, events []*models.ChangeEvent) error {
	for start := 0; start < len(events); start += e.config.PublishBatchSize {
		end := start + e.config.PublishBatchSize
		if end > len(events) {
			end = len(events)
		}

		batch := make([]messaging.KeyedEnvelope, 0, end-start)
		for _, ev := range events[start:end] {
			env, err := messaging.NewEnvelope(messaging.TypeChangeEvent, e.config.Source, ev)
			if err != nil {
				return fmt.Errorf("failed to build envelope for call %s: %w", ev.CallID, err)
			}
			batch = append(batch, messaging.KeyedEnvelope{Key: ev.CallID, Envelope: env})
		}

		if err := e.bus.PublishBatch(ctx, e.config.Topic, batch); err != nil {
			e.metrics.MessagesPublished.WithLabelValues(e.config.Topic, "failure").Add(float64(len(batch)))
			return err
		}
		e.metrics.MessagesPublished.WithLabelValues(e.config.Topic, "success").Add(float64(len(batch)))
	}
	return nil
}

func (e *Extractor) observeWatermark(mode string, watermark time.Time) {
	label := "normal"
	if mode == models.CDCModeHistorical {
		label = "historical"
	}
	e.metrics.WatermarkLag.WithLabelValues(label).Set(e.now().Sub(watermark).Seconds())
}
