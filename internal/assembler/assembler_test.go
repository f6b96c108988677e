package assembler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"dev.callstream.pipeline/internal/messaging"
	"dev.callstream.pipeline/internal/messaging/inmemory"
	"dev.callstream.pipeline/internal/models"
	obsmetrics "dev.callstream.pipeline/internal/observability/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type publishedRecord struct {
	topic string
	key   string
	env   *messaging.Envelope
}

type fakeBus struct {
	mu         sync.Mutex
	records    []publishedRecord
	publishErr error
}

func (f *fakeBus) Publish(_ context.Context, topic, key string, env *messaging.Envelope, _ ...messaging.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
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

func (f *fakeBus) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

type fakeSource struct {
	mu          sync.Mutex
	counts      map[string]int
	transcripts map[string][]*models.ConversationMessage
	countErr    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		counts:      make(map[string]int),
		transcripts: make(map[string][]*models.ConversationMessage),
	}
}

func (f *fakeSource) CountCallMessages(_ context.Context, callID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[callID], nil
}

func (f *fakeSource) GetCallTranscript(_ context.Context, callID string) ([]*models.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcripts[callID], nil
}

func (f *fakeSource) set(callID string, count int, transcript ...*models.ConversationMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[callID] = count
	f.transcripts[callID] = transcript
}

func testAssembler(t *testing.T) (*Assembler, *fakeBus, *fakeSource, *fakeClock) {
	t.Helper()
	bus := &fakeBus{}
	source := newFakeSource()
	clock := newFakeClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	a := NewAssembler(DefaultConfig(), bus, source, zap.NewNop(), obsmetrics.NewCollector("test"))
	a.now = clock.Now
	return a, bus, source, clock
}

func inbound(ev *models.ChangeEvent, offset int64) *inboundEvent {
	return &inboundEvent{event: ev, offset: offset}
}

func decodeAssembly(t *testing.T, env *messaging.Envelope) *models.ConversationAssembly {
	t.Helper()
	require.Equal(t, messaging.TypeConversationAssembly, env.Type)
	var asm models.ConversationAssembly
	require.NoError(t, env.Decode(&asm))
	return &asm
}

func TestSingleCallHappyPath(t *testing.T) {
	a, bus, source, clock := testAssembler(t)
	ctx := context.Background()

	a.onEvent(ctx, inbound(utterance("C1", 1, "C", "hi", bufferBase), 1))
	clock.Advance(time.Second)
	a.onEvent(ctx, inbound(utterance("C1", 2, "A", "hello", bufferBase.Add(5*time.Second)), 2))
	source.set("C1", 2)

	// Quiet period: nothing emits before the idle thresholds.
	a.sweepOnce(ctx)
	require.Empty(t, bus.published())

	clock.Advance(3 * time.Minute)
	a.sweepOnce(ctx)

	records := bus.published()
	require.Len(t, records, 1)
	assert.Equal(t, a.config.OutputTopic, records[0].topic)
	assert.Equal(t, "C1", records[0].key)

	asm := decodeAssembly(t, records[0].env)
	assert.Equal(t, 2, asm.MessageCount)
	assert.Equal(t, 1, asm.AgentMessageCount)
	assert.Equal(t, 1, asm.CustomerMessageCount)
	assert.Equal(t, int64(5000), asm.Duration)
	assert.Equal(t, []string{"A"}, asm.Participants.Agent)
	assert.Equal(t, []string{"416111222"}, asm.Participants.Customer)
	assert.Equal(t, ReasonDBCount, asm.EmitReason)

	// The buffer is gone; a second sweep emits nothing.
	assert.Equal(t, 0, a.Health().BufferCount)
	a.sweepOnce(ctx)
	assert.Len(t, bus.published(), 1)
}

func TestDuplicateDeliveryKeepsOneMessage(t *testing.T) {
	a, bus, source, clock := testAssembler(t)
	ctx := context.Background()

	first := utterance("C1", 1, "C", "hi", bufferBase)
	a.onEvent(ctx, inbound(first, 1))
	clock.Advance(time.Second)
	// At-least-once redelivery: identical fields, identical offset.
	a.onEvent(ctx, inbound(first, 1))
	clock.Advance(time.Second)
	a.onEvent(ctx, inbound(utterance("C1", 2, "A", "hello", bufferBase.Add(5*time.Second)), 2))
	source.set("C1", 2)

	clock.Advance(3 * time.Minute)
	a.sweepOnce(ctx)

	records := bus.published()
	require.Len(t, records, 1)
	assert.Equal(t, 2, decodeAssembly(t, records[0].env).MessageCount)
}

func TestEmissionRules(t *testing.T) {
	ctx := context.Background()
	now := bufferBase.Add(time.Hour)

	fill := func(b *buffer, n int, owner string) {
		for i := 0; i < n; i++ {
			b.upsert(utterance(b.callID, int64(i+1), owner, "m", bufferBase.Add(time.Duration(i)*time.Second)), bufferBase)
		}
	}

	t.Run("both participants long idle", func(t *testing.T) {
		a, _, _, _ := testAssembler(t)
		b := newBuffer("C1", 0, bufferBase)
		b.upsert(utterance("C1", 1, "C", "hi", bufferBase), bufferBase)
		b.upsert(utterance("C1", 2, "A", "hello", bufferBase), bufferBase)
		b.lastActivity = now.Add(-6 * time.Minute)
		assert.Equal(t, ReasonParticipantsIdle, a.shouldEmit(ctx, b, now))
	})

	t.Run("one sided conversation never participant emits", func(t *testing.T) {
		a, _, _, _ := testAssembler(t)
		b := newBuffer("C1", 0, bufferBase)
		b.upsert(utterance("C1", 1, "C", "hi", bufferBase), bufferBase)
		b.lastActivity = now.Add(-20 * time.Minute)
		assert.Equal(t, "", a.shouldEmit(ctx, b, now))
	})

	t.Run("enough messages medium idle", func(t *testing.T) {
		a, _, _, _ := testAssembler(t)
		b := newBuffer("C1", 0, bufferBase)
		fill(b, 10, "C")
		b.lastActivity = now.Add(-4 * time.Minute)
		assert.Equal(t, ReasonMinMessagesIdle, a.shouldEmit(ctx, b, now))
	})

	t.Run("large conversation extended idle", func(t *testing.T) {
		a, _, _, _ := testAssembler(t)
		b := newBuffer("C1", 0, bufferBase)
		fill(b, 50, "C")
		b.lastActivity = now.Add(-5 * time.Minute)
		assert.Equal(t, ReasonLargeConversation, a.shouldEmit(ctx, b, now))
	})

	t.Run("source count match", func(t *testing.T) {
		a, _, source, _ := testAssembler(t)
		source.set("C1", 3)
		b := newBuffer("C1", 0, bufferBase)
		fill(b, 3, "C")
		b.lastActivity = now.Add(-time.Minute)
		assert.Equal(t, ReasonDBCount, a.shouldEmit(ctx, b, now))
	})

	t.Run("source ahead of buffer", func(t *testing.T) {
		a, _, source, _ := testAssembler(t)
		source.set("C1", 5)
		b := newBuffer("C1", 0, bufferBase)
		fill(b, 3, "C")
		b.lastActivity = now.Add(-time.Minute)
		assert.Equal(t, "", a.shouldEmit(ctx, b, now))
	})

	t.Run("empty source table never emits", func(t *testing.T) {
		a, _, source, _ := testAssembler(t)
		source.set("C1", 0)
		b := newBuffer("C1", 0, bufferBase)
		fill(b, 3, "C")
		b.lastActivity = now.Add(-time.Minute)
		assert.Equal(t, "", a.shouldEmit(ctx, b, now))
	})
}

func TestEmittedMessagesAreOrdered(t *testing.T) {
	a, bus, source, clock := testAssembler(t)
	ctx := context.Background()

	a.onEvent(ctx, inbound(utterance("C1", 3, "A", "third", bufferBase.Add(10*time.Second)), 1))
	a.onEvent(ctx, inbound(utterance("C1", 1, "C", "first", bufferBase), 2))
	a.onEvent(ctx, inbound(utterance("C1", 2, "A", "second", bufferBase.Add(5*time.Second)), 3))
	source.set("C1", 3)

	clock.Advance(3 * time.Minute)
	a.sweepOnce(ctx)

	records := bus.published()
	require.Len(t, records, 1)
	asm := decodeAssembly(t, records[0].env)
	require.Len(t, asm.Messages, 3)
	for i := 1; i < len(asm.Messages); i++ {
		assert.False(t, asm.Messages[i].Timestamp.Before(asm.Messages[i-1].Timestamp))
	}
	assert.Equal(t, "customer: first\nagent: second\nagent: third", asm.ConversationText)
}

func TestDeleteAfterEmissionReassembles(t *testing.T) {
	a, bus, source, clock := testAssembler(t)
	ctx := context.Background()

	a.onEvent(ctx, inbound(utterance("C1", 1, "C", "hi", bufferBase), 1))
	clock.Advance(time.Second)
	a.onEvent(ctx, inbound(utterance("C1", 2, "A", "hello", bufferBase.Add(5*time.Second)), 2))
	source.set("C1", 2)

	clock.Advance(3 * time.Minute)
	a.sweepOnce(ctx)
	require.Len(t, bus.published(), 1)

	// Row 2 is deleted at the source; the change log replays it to us after
	// the conversation was already emitted.
	source.set("C1", 1, &models.ConversationMessage{
		CallID:      "C1",
		ChangeLogID: 101,
		Speaker:     models.SpeakerCustomer,
		Owner:       "C",
		Text:        "hi",
		Timestamp:   bufferBase,
	})
	del := utterance("C1", 2, "A", "hello", bufferBase.Add(5*time.Second))
	del.ChangeType = models.ChangeTypeDelete
	a.onEvent(ctx, inbound(del, 3))

	require.Equal(t, 1, a.Health().BufferCount, "delete after emission must rebuild the buffer")

	clock.Advance(time.Minute)
	a.sweepOnce(ctx)

	records := bus.published()
	require.Len(t, records, 2)
	asm := decodeAssembly(t, records[1].env)
	assert.Equal(t, 1, asm.MessageCount)
	assert.Equal(t, 0, asm.AgentMessageCount)
	assert.Equal(t, 1, asm.CustomerMessageCount)
	assert.Equal(t, "C1", records[1].key)
}

func TestDeleteEmptyingLiveBufferDropsIt(t *testing.T) {
	a, bus, _, _ := testAssembler(t)
	ctx := context.Background()

	a.onEvent(ctx, inbound(utterance("C1", 1, "C", "hi", bufferBase), 1))
	require.Equal(t, 1, a.Health().BufferCount)

	del := utterance("C1", 1, "C", "hi", bufferBase)
	del.ChangeType = models.ChangeTypeDelete
	a.onEvent(ctx, inbound(del, 2))

	assert.Equal(t, 0, a.Health().BufferCount)
	assert.Empty(t, bus.published())
}

func TestReplayLoopTripsAndRecovers(t *testing.T) {
	a, bus, source, clock := testAssembler(t)
	ctx := context.Background()

	// A healthy call sits in the map while the loop rages.
	a.onEvent(ctx, inbound(utterance("C1", 1, "C", "hi", bufferBase), 1))
	require.Equal(t, 1, a.Health().BufferCount)

	looped := utterance("C2", 5, "A", "stuck", bufferBase)
	looped.ChangeType = models.ChangeTypeUpdate
	for i := 0; i < 10; i++ {
		a.onEvent(ctx, inbound(looped, 42))
		clock.Advance(time.Second)
	}

	require.True(t, a.Health().CircuitBreaker)
	assert.Equal(t, 1, a.Health().BufferCount, "only the offending buffer is discarded")

	// While tripped nothing is processed and nothing emits.
	a.onEvent(ctx, inbound(utterance("C3", 1, "C", "new", bufferBase), 50))
	assert.Equal(t, 1, a.Health().BufferCount)
	source.set("C1", 1)
	clock.Advance(3 * time.Minute)
	a.sweepOnce(ctx)
	assert.Empty(t, bus.published())

	// Not quiescent long enough: recovery declines.
	a.tryRecover()
	require.True(t, a.Health().CircuitBreaker)

	clock.Advance(3 * time.Minute)
	a.tryRecover()
	require.False(t, a.Health().CircuitBreaker)

	// Processing resumes.
	a.onEvent(ctx, inbound(utterance("C3", 1, "C", "new", bufferBase), 51))
	assert.Equal(t, 2, a.Health().BufferCount)
}

func TestEvictionAtCapacity(t *testing.T) {
	a, _, _, clock := testAssembler(t)
	a.config.MaxBuffers = 2
	ctx := context.Background()

	a.onEvent(ctx, inbound(utterance("OLD", 1, "C", "a", bufferBase), 1))
	clock.Advance(time.Second)
	a.onEvent(ctx, inbound(utterance("MID", 1, "C", "b", bufferBase), 2))
	clock.Advance(time.Second)
	a.onEvent(ctx, inbound(utterance("NEW", 1, "C", "c", bufferBase), 3))

	require.Equal(t, 2, a.Health().BufferCount)
	_, stillThere := a.buffers["OLD"]
	assert.False(t, stillThere, "longest-inactive buffer must be evicted")
	assert.Contains(t, a.buffers, "MID")
	assert.Contains(t, a.buffers, "NEW")
}

func TestPublishFailureRetainsBuffer(t *testing.T) {
	a, bus, source, clock := testAssembler(t)
	ctx := context.Background()

	a.onEvent(ctx, inbound(utterance("C1", 1, "C", "hi", bufferBase), 1))
	source.set("C1", 1)
	bus.setErr(assert.AnError)

	clock.Advance(3 * time.Minute)
	a.sweepOnce(ctx)
	require.Empty(t, bus.published())
	require.Equal(t, 1, a.Health().BufferCount, "failed publish keeps the buffer for retry")

	bus.setErr(nil)
	a.sweepOnce(ctx)
	assert.Len(t, bus.published(), 1)
	assert.Equal(t, 0, a.Health().BufferCount)
}

func TestHandleMessageFiltering(t *testing.T) {
	a, _, _, _ := testAssembler(t)
	ctx := context.Background()
	pctx := &messaging.ProcessingContext{Topic: "cdc-raw-changes", Offset: 7}

	t.Run("foreign type skipped", func(t *testing.T) {
		env, err := messaging.NewEnvelope(messaging.TypeMLResult, "test", map[string]string{"x": "y"})
		require.NoError(t, err)
		require.NoError(t, a.handleMessage(ctx, env, pctx))
		assert.Empty(t, a.events)
	})

	t.Run("malformed payload goes to dlq", func(t *testing.T) {
		env := &messaging.Envelope{
			Type:    messaging.TypeChangeEvent,
			Payload: json.RawMessage(`"not an object"`),
		}
		assert.Error(t, a.handleMessage(ctx, env, pctx))
	})

	t.Run("identity-less event skipped not dlqed", func(t *testing.T) {
		env, err := messaging.NewEnvelope(messaging.TypeChangeEvent, "test",
			&models.ChangeEvent{ChangeType: models.ChangeTypeInsert, ChangeLogID: 1})
		require.NoError(t, err)
		require.NoError(t, a.handleMessage(ctx, env, pctx))
		assert.Empty(t, a.events)
	})

	t.Run("unknown change type skipped", func(t *testing.T) {
		env, err := messaging.NewEnvelope(messaging.TypeChangeEvent, "test",
			&models.ChangeEvent{CallID: "C1", ChangeType: "TRUNCATE", ChangeLogID: 1})
		require.NoError(t, err)
		require.NoError(t, a.handleMessage(ctx, env, pctx))
		assert.Empty(t, a.events)
	})

	t.Run("valid event queued", func(t *testing.T) {
		env, err := messaging.NewEnvelope(messaging.TypeChangeEvent, "test", utterance("C1", 1, "C", "hi", bufferBase))
		require.NoError(t, err)
		require.NoError(t, a.handleMessage(ctx, env, pctx))
		require.Len(t, a.events, 1)
		rec := <-a.events
		assert.Equal(t, "C1", rec.event.CallID)
		assert.Equal(t, int64(7), rec.offset)
	})
}

func TestAssemblerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := inmemory.NewBroker(inmemory.DefaultConfig(), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, broker.Connect(ctx))
	defer func() { require.NoError(t, broker.Disconnect()) }()

	config := DefaultConfig()
	config.SweepInterval = 20 * time.Millisecond
	config.RecoveryInterval = time.Hour

	source := newFakeSource()
	source.set("C1", 2)
	clock := newFakeClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	a := NewAssembler(config, broker, source, zap.NewNop(), obsmetrics.NewCollector("test"))
	a.now = clock.Now
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	publish := func(ev *models.ChangeEvent) {
		env, err := messaging.NewEnvelope(messaging.TypeChangeEvent, "test", ev)
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, config.InputTopic, ev.CallID, env))
	}
	publish(utterance("C1", 1, "C", "hi", bufferBase))
	publish(utterance("C1", 2, "A", "hello", bufferBase.Add(5*time.Second)))

	require.Eventually(t, func() bool {
		return a.Health().BufferCount == 1
	}, 2*time.Second, 10*time.Millisecond, "events should reach the buffer map")

	clock.Advance(3 * time.Minute)

	require.Eventually(t, func() bool {
		return len(broker.Published(config.OutputTopic)) == 1
	}, 2*time.Second, 10*time.Millisecond, "assembly should be published")

	envs := broker.Published(config.OutputTopic)
	asm := decodeAssembly(t, envs[0])
	assert.Equal(t, 2, asm.MessageCount)
	assert.Equal(t, []string{"C1"}, broker.Keys(config.OutputTopic))

	require.Error(t, a.Start(ctx), "second start must be rejected")
}
