package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventSpeaker(t *testing.T) {
	tests := []struct {
		name  string
		owner string
		want  string
	}{
		{"agent code", "A", SpeakerAgent},
		{"agent code lowercase", "a", SpeakerAgent},
		{"agent code padded", " A ", SpeakerAgent},
		{"customer code", "C", SpeakerCustomer},
		{"empty owner", "", SpeakerCustomer},
		{"unknown owner", "X", SpeakerCustomer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ChangeEvent{Owner: tt.owner}
			assert.Equal(t, tt.want, e.Speaker())
		})
	}
}

func TestChangeEventValidate(t *testing.T) {
	valid := ChangeEvent{
		CallID:      "C100",
		ChangeLogID: 7,
		ChangeType:  ChangeTypeInsert,
	}

	t.Run("valid", func(t *testing.T) {
		e := valid
		assert.NoError(t, e.Validate())
	})

	t.Run("missing call id", func(t *testing.T) {
		e := valid
		e.CallID = ""
		err := e.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "callId")
	})

	t.Run("unknown change type", func(t *testing.T) {
		e := valid
		e.ChangeType = "TRUNCATE"
		err := e.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "changeType")
	})

	t.Run("missing change log id", func(t *testing.T) {
		e := valid
		e.ChangeLogID = 0
		assert.Error(t, e.Validate())
	})
}

func TestMLResultValidate(t *testing.T) {
	valid := MLResult{
		CallID:     "C200",
		CustomerID: "BAN42",
		Embedding:  make([]float32, EmbeddingDimensions),
	}

	t.Run("valid", func(t *testing.T) {
		r := valid
		assert.NoError(t, r.Validate())
	})

	t.Run("missing call id", func(t *testing.T) {
		r := valid
		r.CallID = ""
		assert.Error(t, r.Validate())
	})

	t.Run("missing customer id", func(t *testing.T) {
		r := valid
		r.CustomerID = ""
		err := r.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "customerId")
	})

	t.Run("short embedding", func(t *testing.T) {
		r := valid
		r.Embedding = make([]float32, 10)
		err := r.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "768")
	})

	t.Run("nil embedding", func(t *testing.T) {
		r := valid
		r.Embedding = nil
		assert.Error(t, r.Validate())
	})
}

func TestDocumentFromMLResult(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Second)
	now := time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC)

	r := &MLResult{
		CallID:           "C300",
		CustomerID:       "BAN7",
		SubscriberID:     "SUB1",
		ConversationText: "customer: hi\nagent: hello",
		Embedding:        make([]float32, EmbeddingDimensions),
		Language:         Language{Detected: "en"},
		Sentiment:        Sentiment{Overall: "positive"},
		Summary:          Summary{Text: "greeting"},
		Topics:           []string{"greeting"},
		ConversationMetadata: ConversationMetadata{
			MessageCount: 2,
			Duration:     5000,
			StartTime:    start,
			EndTime:      end,
			Participants: Participants{Agent: []string{"A"}, Customer: []string{"SUB1"}},
		},
	}

	doc := DocumentFromMLResult(r, now)

	assert.Equal(t, "C300", doc.CallID)
	assert.Equal(t, "BAN7", doc.CustomerID)
	assert.Equal(t, 2, doc.ConversationMetadata.MessageCount)
	assert.Equal(t, int64(5000), doc.ConversationMetadata.Duration)
	assert.Equal(t, start, doc.ConversationMetadata.StartTime)
	assert.Equal(t, end, doc.ConversationMetadata.EndTime)
	assert.Equal(t, []string{"A"}, doc.ConversationMetadata.Participants.Agent)
	assert.Equal(t, now, doc.IndexedAt)
	assert.Len(t, doc.Embedding, EmbeddingDimensions)
}
