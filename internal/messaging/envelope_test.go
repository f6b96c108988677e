package messaging

import (
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeStampsIdentityAndVersion(t *testing.T) {
	env, err := NewEnvelope(TypeChangeEvent, "cdc-extractor", map[string]string{"callId": "C1"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, TypeChangeEvent, env.Type)
	assert.Equal(t, "cdc-extractor", env.Source)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.WithinDuration(t, time.Now().UTC(), env.Timestamp, 5*time.Second)
}

func TestNewEnvelopeWithIDKeepsCallerIdentity(t *testing.T) {
	env, err := NewEnvelopeWithID("C1-42", TypeConversationAssembly, "conversation-assembler", map[string]any{"callId": "C1"})
	require.NoError(t, err)
	assert.Equal(t, "C1-42", env.MessageID)
}

func TestNewEnvelopeRejectsUnserializablePayload(t *testing.T) {
	_, err := NewEnvelope(TypeMLResult, "test", map[string]any{"bad": func() {}})
	require.Error(t, err)
	assert.Equal(t, ErrCodeSerializationFailed, GetBusError(err).Code)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeMLResult, "ml-service", map[string]string{"callId": "C7"})
	require.NoError(t, err)

	raw, err := env.Encode()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, parsed.MessageID)
	assert.Equal(t, env.Type, parsed.Type)

	var payload map[string]string
	require.NoError(t, parsed.Decode(&payload))
	assert.Equal(t, "C7", payload["callId"])
}

func TestParseEnvelopeRejectsMissingDiscriminator(t *testing.T) {
	t.Run("no type field", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"messageId":"m1","payload":{}}`))
		require.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("not json at all", func(t *testing.T) {
		_, err := ParseEnvelope([]byte("definitely not json"))
		require.Error(t, err)
		assert.Equal(t, ErrCodeSerializationFailed, GetBusError(err).Code)
	})
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := &Envelope{Type: TypeDLQRecord}
	var record DLQRecord
	require.ErrorIs(t, env.Decode(&record), ErrInvalidEnvelope)
}

func TestDLQRecordCarriesOriginalVerbatim(t *testing.T) {
	original := []byte(`{"messageId":"m1","type":"cdc.change.event","payload":{"callId":"C1"}}`)
	rec := &DLQRecord{
		OriginalTopic:      "cdc-raw-changes",
		OriginalMessage:    json.RawMessage(original),
		Error:              "connection refused",
		ProcessingAttempts: 2,
	}

	env, err := NewEnvelope(TypeDLQRecord, "kafka-broker", rec)
	require.NoError(t, err)

	var decoded DLQRecord
	require.NoError(t, env.Decode(&decoded))
	assert.JSONEq(t, string(original), string(decoded.OriginalMessage))
	assert.Equal(t, 2, decoded.ProcessingAttempts)
}

func TestPartitionKeyBuilders(t *testing.T) {
	now := time.Unix(12, 345)

	dlqKey := DLQKey("ml-processing-queue", now)
	require.True(t, strings.HasPrefix(dlqKey, "ml-processing-queue-"))
	ns, err := strconv.ParseInt(strings.TrimPrefix(dlqKey, "ml-processing-queue-"), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, now.UnixNano(), ns)

	assert.Equal(t, "indexer-"+strconv.FormatInt(now.UnixNano(), 10), MetricKey("indexer", now))
}

func TestApplyPublishOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		options := ApplyPublishOptions()
		assert.Equal(t, ContentTypeJSON, options.ContentType)
		assert.Equal(t, 5, options.MaxAttempts)
		assert.False(t, options.DisableRetry)
	})

	t.Run("headers accumulate", func(t *testing.T) {
		options := ApplyPublishOptions(
			WithHeader(HeaderAttempts, "2"),
			WithHeader("trace-id", "t1"),
			WithoutRetry(),
		)
		assert.Equal(t, "2", options.Headers[HeaderAttempts])
		assert.Equal(t, "t1", options.Headers["trace-id"])
		assert.True(t, options.DisableRetry)
	})

	t.Run("non-positive max attempts ignored", func(t *testing.T) {
		options := ApplyPublishOptions(WithMaxAttempts(0))
		assert.Equal(t, 5, options.MaxAttempts)
	})
}

func TestSubscribeOptionsValidate(t *testing.T) {
	valid := ApplySubscribeOptions(WithGroupID("conversation-assembler"), WithTopics("cdc-raw-changes"))
	require.NoError(t, valid.Validate())
	assert.True(t, valid.DLQEnabled)
	assert.True(t, valid.MetricsEnabled)

	require.Error(t, ApplySubscribeOptions(WithTopics("cdc-raw-changes")).Validate())
	require.Error(t, ApplySubscribeOptions(WithGroupID("g")).Validate())
}

func TestMessageAttempts(t *testing.T) {
	msg := &Message{Headers: map[string]string{HeaderAttempts: "3"}}
	assert.Equal(t, 3, msg.Attempts())

	assert.Equal(t, 0, (&Message{}).Attempts())
	assert.Equal(t, 0, (&Message{Headers: map[string]string{HeaderAttempts: "junk"}}).Attempts())
	assert.Equal(t, 0, (&Message{Headers: map[string]string{HeaderAttempts: "-1"}}).Attempts())
}

func TestBusErrorRetryability(t *testing.T) {
	assert.True(t, IsRetryableError(ConnectionError("dial failed", nil)))
	assert.False(t, IsRetryableError(SerializationError("envelope", nil)))
	assert.False(t, IsRetryableError(nil))
}
