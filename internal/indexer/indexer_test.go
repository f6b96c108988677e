package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/models"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
	"dev.callstream.pipeline/internal/search"
)

type publishedRecord struct {
	topic string
	key   string
	env   *messaging.Envelope
}

type fakeBus struct {
	mu      sync.Mutex
	records []publishedRecord
}

func (f *fakeBus) Publish(_ context.Context, topic, key string, env *messaging.Envelope, _ ...messaging.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, publishedRecord{topic: topic, key: key, env: env})
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, _ *messaging.SubscribeOptions, _ messaging.MessageHandler) (messaging.Subscription, error) {
	return nil, nil
}

func (f *fakeBus) published() []publishedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedRecord, len(f.records))
	copy(out, f.records)
	return out
}

type bulkCall struct {
	customerID string
	kind       string
	docs       []*models.IndexDocument
}

type fakeEngine struct {
	mu        sync.Mutex
	created   []string
	bulks     []bulkCall
	createErr error
	bulkErr   error
	result    *search.BulkResult
}

func (f *fakeEngine) CreateTenantIndex(_ context.Context, customerID, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, customerID+"/"+kind)
	return nil
}

func (f *fakeEngine) IndexDocument(_ context.Context, _, _ string, _ *models.IndexDocument) error {
	return nil
}

func (f *fakeEngine) BulkUpsert(_ context.Context, customerID, kind string, docs []*models.IndexDocument) (*search.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return nil, f.bulkErr
	}
	f.bulks = append(f.bulks, bulkCall{customerID: customerID, kind: kind, docs: docs})
	if f.result != nil {
		return f.result, nil
	}
	return &search.BulkResult{Indexed: len(docs)}, nil
}

func (f *fakeEngine) KeywordSearch(_ context.Context, _ search.Tenant, _ string, _ *search.KeywordQuery) (*search.Result, error) {
	return &search.Result{}, nil
}

func (f *fakeEngine) VectorSearch(_ context.Context, _ search.Tenant, _ string, _ *search.VectorQuery) (*search.Result, error) {
	return &search.Result{}, nil
}

func (f *fakeEngine) HybridSearch(_ context.Context, _ search.Tenant, _ string, _ *search.HybridQuery) (*search.Result, error) {
	return &search.Result{}, nil
}

func (f *fakeEngine) ValidateCallIDExists(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (f *fakeEngine) SearchByCallID(_ context.Context, _ string) (*search.Result, error) {
	return &search.Result{}, nil
}

func (f *fakeEngine) HealthCheck(_ context.Context) error { return nil }

func (f *fakeEngine) bulkCalls() []bulkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bulkCall, len(f.bulks))
	copy(out, f.bulks)
	return out
}

func (f *fakeEngine) createdIndices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.created))
	copy(out, f.created)
	return out
}

func testIndexer(t *testing.T, mutate func(*Config)) (*Indexer, *fakeBus, *fakeEngine) {
	t.Helper()
	config := DefaultConfig()
	// Long enough that the timer never interferes unless a test shortens it.
	config.BatchTimeout = time.Hour
	if mutate != nil {
		mutate(&config)
	}

	bus := &fakeBus{}
	engine := &fakeEngine{}
	ix := NewIndexer(config, bus, engine, zap.NewNop(), obsmetrics.NewCollector("test"))
	require.NoError(t, ix.Start(context.Background()))
	t.Cleanup(ix.Stop)
	return ix, bus, engine
}

func validResult(callID, customerID string) *models.MLResult {
	return &models.MLResult{
		CallID:           callID,
		CustomerID:       customerID,
		SubscriberID:     "416111222",
		ConversationText: "customer: hi\nagent: hello",
		Embedding:        make([]float32, models.EmbeddingDimensions),
		Language:         models.Language{Detected: "en"},
		Sentiment:        models.Sentiment{Overall: "neutral"},
		ConversationMetadata: models.ConversationMetadata{
			MessageCount: 2,
			Duration:     5000,
		},
	}
}

func deliver(t *testing.T, ix *Indexer, result *models.MLResult) error {
	t.Helper()
	env, err := messaging.NewEnvelope(messaging.TypeMLResult, "test", result)
	require.NoError(t, err)
	return ix.handleMessage(context.Background(), env, &messaging.ProcessingContext{Topic: "ml-processing-queue"})
}

func decodeNotification(t *testing.T, env *messaging.Envelope) *models.IndexNotification {
	t.Helper()
	require.Equal(t, messaging.TypeIndexNotification, env.Type)
	var n models.IndexNotification
	require.NoError(t, env.Decode(&n))
	return &n
}

func TestSizeTriggerFlushesBatch(t *testing.T) {
	ix, bus, engine := testIndexer(t, func(c *Config) { c.BatchSize = 2 })

	require.NoError(t, deliver(t, ix, validResult("C1", "BAN7")))
	assert.Empty(t, engine.bulkCalls(), "batch must not flush below the size trigger")
	assert.Equal(t, 1, ix.Health().PendingDocuments)

	require.NoError(t, deliver(t, ix, validResult("C2", "BAN7")))

	bulks := engine.bulkCalls()
	require.Len(t, bulks, 1)
	assert.Equal(t, "BAN7", bulks[0].customerID)
	assert.Equal(t, search.KindTranscriptions, bulks[0].kind)
	require.Len(t, bulks[0].docs, 2)
	assert.Equal(t, []string{"BAN7/transcriptions"}, engine.createdIndices())
	assert.Zero(t, ix.Health().PendingDocuments)

	records := bus.published()
	require.Len(t, records, 1)
	assert.Equal(t, "opensearch-bulk-index", records[0].topic)
	assert.Equal(t, "C1", records[0].key)

	n := decodeNotification(t, records[0].env)
	assert.Equal(t, models.IndexStatusSuccess, n.Status)
	assert.Equal(t, []string{"C1", "C2"}, n.CallIDs)
	assert.Equal(t, 2, n.BatchSize)
	assert.Empty(t, n.Error)
}

func TestFlushGroupsByTenant(t *testing.T) {
	ix, bus, engine := testIndexer(t, func(c *Config) { c.BatchSize = 2 })

	require.NoError(t, deliver(t, ix, validResult("C1", "BAN1")))
	require.NoError(t, deliver(t, ix, validResult("C2", "BAN2")))

	bulks := engine.bulkCalls()
	require.Len(t, bulks, 2, "each tenant gets its own bulk operation")
	tenants := map[string]int{}
	for _, b := range bulks {
		tenants[b.customerID] = len(b.docs)
	}
	assert.Equal(t, map[string]int{"BAN1": 1, "BAN2": 1}, tenants)
	assert.ElementsMatch(t, []string{"BAN1/transcriptions", "BAN2/transcriptions"}, engine.createdIndices())

	records := bus.published()
	require.Len(t, records, 1, "one notification covers the whole batch")
	n := decodeNotification(t, records[0].env)
	assert.Equal(t, 2, n.BatchSize)
}

func TestTimeoutTriggerFlushes(t *testing.T) {
	ix, bus, engine := testIndexer(t, func(c *Config) {
		c.BatchSize = 10
		c.BatchTimeout = 30 * time.Millisecond
	})

	require.NoError(t, deliver(t, ix, validResult("C1", "BAN7")))

	require.Eventually(t, func() bool {
		return len(bus.published()) == 1
	}, 2*time.Second, 5*time.Millisecond, "partial batch must flush after the timeout")

	bulks := engine.bulkCalls()
	require.Len(t, bulks, 1)
	assert.Len(t, bulks[0].docs, 1)

	n := decodeNotification(t, bus.published()[0].env)
	assert.Equal(t, models.IndexStatusSuccess, n.Status)
	assert.Equal(t, 1, n.BatchSize)
}

func TestFlushFailureDeadLettersTrigger(t *testing.T) {
	ix, bus, engine := testIndexer(t, func(c *Config) { c.BatchSize = 1 })
	engine.bulkErr = errors.New("bulk request failed: connection refused")

	err := deliver(t, ix, validResult("C1", "BAN7"))
	require.Error(t, err, "a failed size-triggered flush must fail the triggering record")

	records := bus.published()
	require.Len(t, records, 1)
	n := decodeNotification(t, records[0].env)
	assert.Equal(t, models.IndexStatusFailed, n.Status)
	assert.Contains(t, n.Error, "connection refused")
}

func TestRejectedDocumentsFailTheBatch(t *testing.T) {
	ix, _, engine := testIndexer(t, func(c *Config) { c.BatchSize = 2 })
	engine.result = &search.BulkResult{
		Indexed: 1,
		Errors:  []search.BulkError{{CallID: "C2", Status: 429, Reason: "queue full"}},
	}

	require.NoError(t, deliver(t, ix, validResult("C1", "BAN7")))
	err := deliver(t, ix, validResult("C2", "BAN7"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestOneTenantFailureDoesNotBlockOthers(t *testing.T) {
	ix, bus, engine := testIndexer(t, func(c *Config) { c.BatchSize = 2 })
	engine.bulkErr = errors.New("cluster unavailable")

	require.NoError(t, deliver(t, ix, validResult("C1", "BAN1")))
	err := deliver(t, ix, validResult("C2", "BAN2"))
	require.Error(t, err)

	// Both tenants were attempted despite the failures.
	assert.Len(t, engine.createdIndices(), 2)

	n := decodeNotification(t, bus.published()[0].env)
	assert.Equal(t, models.IndexStatusFailed, n.Status)
}

func TestHandleMessageFiltering(t *testing.T) {
	t.Run("foreign type is skipped", func(t *testing.T) {
		ix, _, engine := testIndexer(t, func(c *Config) { c.BatchSize = 1 })
		env, err := messaging.NewEnvelope(messaging.TypeChangeEvent, "test", map[string]string{"callId": "C1"})
		require.NoError(t, err)
		require.NoError(t, ix.handleMessage(context.Background(), env, &messaging.ProcessingContext{}))
		assert.Empty(t, engine.bulkCalls())
	})

	t.Run("malformed payload goes to dlq", func(t *testing.T) {
		ix, _, _ := testIndexer(t, nil)
		env := &messaging.Envelope{
			Type:    messaging.TypeMLResult,
			Payload: json.RawMessage(`"not an object"`),
		}
		require.Error(t, ix.handleMessage(context.Background(), env, &messaging.ProcessingContext{}))
	})

	t.Run("missing callId is skipped", func(t *testing.T) {
		ix, _, engine := testIndexer(t, func(c *Config) { c.BatchSize = 1 })
		result := validResult("", "BAN7")
		require.NoError(t, deliver(t, ix, result))
		assert.Empty(t, engine.bulkCalls())
		assert.Zero(t, ix.Health().PendingDocuments)
	})

	t.Run("missing customerId goes to dlq", func(t *testing.T) {
		ix, _, _ := testIndexer(t, nil)
		require.Error(t, deliver(t, ix, validResult("C1", "")))
	})

	t.Run("wrong embedding dimension goes to dlq", func(t *testing.T) {
		ix, _, _ := testIndexer(t, nil)
		result := validResult("C1", "BAN7")
		result.Embedding = make([]float32, 3)
		require.Error(t, deliver(t, ix, result))
	})
}

func TestStopFlushesPartialBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	config := DefaultConfig()
	config.BatchTimeout = time.Hour

	bus := &fakeBus{}
	engine := &fakeEngine{}
	ix := NewIndexer(config, bus, engine, zap.NewNop(), obsmetrics.NewCollector("test"))
	require.NoError(t, ix.Start(context.Background()))

	require.NoError(t, deliver(t, ix, validResult("C1", "BAN7")))
	require.Empty(t, engine.bulkCalls())

	ix.Stop()

	bulks := engine.bulkCalls()
	require.Len(t, bulks, 1, "shutdown must flush the partial batch")
	assert.Len(t, bulks[0].docs, 1)

	n := decodeNotification(t, bus.published()[0].env)
	assert.Equal(t, models.IndexStatusSuccess, n.Status)
}

func TestStopWithoutStartIsQuiet(t *testing.T) {
	ix := NewIndexer(DefaultConfig(), &fakeBus{}, &fakeEngine{}, zap.NewNop(), obsmetrics.NewCollector("test"))
	ix.Stop()
}

func TestSecondStartFails(t *testing.T) {
	ix, _, _ := testIndexer(t, nil)
	assert.Error(t, ix.Start(context.Background()))
}

func TestDocumentsCarryIndexIdentity(t *testing.T) {
	ix, _, engine := testIndexer(t, func(c *Config) { c.BatchSize = 1 })

	result := validResult("C1", "BAN7")
	result.Summary = models.Summary{Text: "short call", KeyPoints: []string{"greeting"}}
	require.NoError(t, deliver(t, ix, result))

	bulks := engine.bulkCalls()
	require.Len(t, bulks, 1)
	doc := bulks[0].docs[0]
	assert.Equal(t, "C1", doc.CallID)
	assert.Equal(t, "BAN7", doc.CustomerID)
	assert.Equal(t, "short call", doc.Summary.Text)
	assert.False(t, doc.IndexedAt.IsZero())
	assert.Equal(t, 2, doc.ConversationMetadata.MessageCount)
}
