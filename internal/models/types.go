// Package models defines the data types flowing through the pipeline, from
// raw CDC row changes to the documents stored in the per-tenant indices.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Change types recorded by the source change log.
const (
	ChangeTypeInsert = "INSERT"
	ChangeTypeUpdate = "UPDATE"
	ChangeTypeDelete = "DELETE"
)

// Owner codes used by the source text table.
const (
	OwnerAgent    = "A"
	OwnerCustomer = "C"
)

// Speaker labels derived from owner codes.
const (
	SpeakerAgent    = "agent"
	SpeakerCustomer = "customer"
)

// CDC operating modes; these are also the row keys in the processing status
// table.
const (
	CDCModeNormal     = "CDC_NORMAL_MODE"
	CDCModeHistorical = "CDC_HISTORICAL_MODE"
)

// EmbeddingDimensions is the required ML embedding vector length.
const EmbeddingDimensions = 768

// ChangeEvent is one row mutation captured from the source text table.
// ChangeLogID uniquely identifies a row-version; (CallID, ChangeLogID)
// identifies a message within a call.
type ChangeEvent struct {
	CallID          string    `json:"callId" db:"call_id"`
	ChangeLogID     int64     `json:"changeLogId" db:"change_id"`
	ChangeType      string    `json:"changeType" db:"change_type"`
	ChangeTimestamp time.Time `json:"changeTimestamp" db:"change_timestamp"`
	BAN             string    `json:"ban" db:"ban"`
	SubscriberNo    string    `json:"subscriberNo" db:"subscriber_no"`
	Owner           string    `json:"owner" db:"owner"`
	Text            string    `json:"text" db:"text"`
	TextTime        time.Time `json:"textTime" db:"text_time"`
	CallTime        time.Time `json:"callTime" db:"call_time"`
	CDCMode         string    `json:"cdcMode,omitempty"`
	ProcessingNode  string    `json:"processingNode,omitempty"`
}

// Speaker maps the owner code to a speaker label. Unknown owners count as
// customer.
func (e *ChangeEvent) Speaker() string {
	if strings.EqualFold(strings.TrimSpace(e.Owner), OwnerAgent) {
		return SpeakerAgent
	}
	return SpeakerCustomer
}

// Validate checks the fields every downstream stage depends on.
func (e *ChangeEvent) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("invalid change event: missing callId")
	}
	switch e.ChangeType {
	case ChangeTypeInsert, ChangeTypeUpdate, ChangeTypeDelete:
	default:
		return fmt.Errorf("invalid change event: unknown changeType %q", e.ChangeType)
	}
	if e.ChangeLogID == 0 {
		return fmt.Errorf("invalid change event: missing changeLogId")
	}
	return nil
}

// ConversationMessage is one utterance inside a call. Identity is
// (CallID, ChangeLogID); duplicates by identity are upserted, not appended.
type ConversationMessage struct {
	CallID      string    `json:"callId"`
	ChangeLogID int64     `json:"changeLogId"`
	Speaker     string    `json:"speaker"`
	Owner       string    `json:"owner"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Participants lists who took part in a conversation: distinct owners on the
// agent side, the subscriber number on the customer side.
type Participants struct {
	Agent    []string `json:"agent"`
	Customer []string `json:"customer"`
}

// ConversationAssembly is the sealed, emitted form of a conversation buffer
// plus computed metadata. Duration is endTime − startTime in milliseconds.
type ConversationAssembly struct {
	CallID               string                `json:"callId"`
	CustomerID           string                `json:"customerId"`
	SubscriberID         string                `json:"subscriberId"`
	Messages             []ConversationMessage `json:"messages"`
	ConversationText     string                `json:"conversationText"`
	StartTime            time.Time             `json:"startTime"`
	EndTime              time.Time             `json:"endTime"`
	Duration             int64                 `json:"duration"`
	MessageCount         int                   `json:"messageCount"`
	AgentMessageCount    int                   `json:"agentMessageCount"`
	CustomerMessageCount int                   `json:"customerMessageCount"`
	Participants         Participants          `json:"participants"`
	AssembledAt          time.Time             `json:"assembledAt"`
	EmitReason           string                `json:"emitReason,omitempty"`
}

// Language is the detected conversation language.
type Language struct {
	Detected   string  `json:"detected"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Sentiment is the overall conversation sentiment.
type Sentiment struct {
	Overall string  `json:"overall"`
	Score   float64 `json:"score,omitempty"`
}

// Entity is one named entity extracted from the conversation.
type Entity struct {
	Type  string  `json:"type"`
	Value string  `json:"value"`
	Score float64 `json:"score,omitempty"`
}

// Summary is the generated conversation summary.
type Summary struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"keyPoints,omitempty"`
}

// Classification is one label assigned to the conversation.
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score,omitempty"`
}

// ConversationMetadata carries the assembly metadata through the ML stage.
type ConversationMetadata struct {
	MessageCount int          `json:"messageCount"`
	Duration     int64        `json:"duration"`
	StartTime    time.Time    `json:"startTime"`
	EndTime      time.Time    `json:"endTime"`
	Participants Participants `json:"participants"`
}

// MLResult is the enriched conversation produced by the external ML service.
type MLResult struct {
	CallID               string               `json:"callId"`
	CustomerID           string               `json:"customerId"`
	SubscriberID         string               `json:"subscriberId,omitempty"`
	ConversationText     string               `json:"conversationText,omitempty"`
	Embedding            []float32            `json:"embedding"`
	Language             Language             `json:"language"`
	Sentiment            Sentiment            `json:"sentiment"`
	Entities             []Entity             `json:"entities,omitempty"`
	Summary              Summary              `json:"summary"`
	Topics               []string             `json:"topics,omitempty"`
	Classifications      []Classification     `json:"classifications,omitempty"`
	ConversationMetadata ConversationMetadata `json:"conversationMetadata"`
	ProcessedAt          time.Time            `json:"processedAt,omitempty"`
}

// Validate rejects results that cannot be indexed: the call identity, the
// owning tenant and a full-size embedding are mandatory.
func (r *MLResult) Validate() error {
	if r.CallID == "" {
		return fmt.Errorf("invalid ml result: missing callId")
	}
	if r.CustomerID == "" {
		return fmt.Errorf("invalid ml result: missing customerId for call %s", r.CallID)
	}
	if len(r.Embedding) != EmbeddingDimensions {
		return fmt.Errorf("invalid ml result: embedding for call %s has %d dimensions, want %d",
			r.CallID, len(r.Embedding), EmbeddingDimensions)
	}
	return nil
}

// IndexDocument is the final per-tenant index document. Identity is CallID;
// CustomerID must equal the owning tenant of the index it lands in. The
// assembly metadata stays nested under conversationMetadata, matching the
// index mapping.
type IndexDocument struct {
	CallID               string               `json:"callId"`
	CustomerID           string               `json:"customerId"`
	SubscriberID         string               `json:"subscriberId,omitempty"`
	ConversationText     string               `json:"conversationText,omitempty"`
	Embedding            []float32            `json:"embedding"`
	Language             Language             `json:"language"`
	Sentiment            Sentiment            `json:"sentiment"`
	Entities             []Entity             `json:"entities,omitempty"`
	Summary              Summary              `json:"summary"`
	Topics               []string             `json:"topics,omitempty"`
	Classifications      []Classification     `json:"classifications,omitempty"`
	ConversationMetadata ConversationMetadata `json:"conversationMetadata"`
	IndexedAt            time.Time            `json:"indexedAt"`
}

// DocumentFromMLResult materializes an ML result as its index document.
func DocumentFromMLResult(r *MLResult, indexedAt time.Time) *IndexDocument {
	return &IndexDocument{
		CallID:               r.CallID,
		CustomerID:           r.CustomerID,
		SubscriberID:         r.SubscriberID,
		ConversationText:     r.ConversationText,
		Embedding:            r.Embedding,
		Language:             r.Language,
		Sentiment:            r.Sentiment,
		Entities:             r.Entities,
		Summary:              r.Summary,
		Topics:               r.Topics,
		Classifications:      r.Classifications,
		ConversationMetadata: r.ConversationMetadata,
		IndexedAt:            indexedAt.UTC(),
	}
}

// Index notification statuses published after each bulk operation.
const (
	IndexStatusSuccess = "success"
	IndexStatusFailed  = "failed"
)

// IndexNotification reports the outcome of one bulk index operation.
type IndexNotification struct {
	CallIDs   []string  `json:"callIds"`
	Status    string    `json:"status"`
	BatchSize int       `json:"batchSize"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CDCStatus is one mode row of the CDC processing status table. Writers use
// last-write-wins per mode.
type CDCStatus struct {
	TableName              string    `json:"tableName" db:"table_name"`
	LastProcessedTimestamp time.Time `json:"lastProcessedTimestamp" db:"last_processed_timestamp"`
	TotalProcessed         int64     `json:"totalProcessed" db:"total_processed"`
	Enabled                bool      `json:"enabled" db:"enabled"`
	LastUpdated            time.Time `json:"lastUpdated" db:"last_updated"`
}

// ErrorLogEntry is one row of the error audit table.
type ErrorLogEntry struct {
	ID           string    `json:"id" db:"id"`
	Topic        string    `json:"topic" db:"topic"`
	ErrorType    string    `json:"errorType" db:"error_type"`
	ErrorMessage string    `json:"errorMessage" db:"error_message"`
	Payload      string    `json:"payload" db:"payload"`
	Attempts     int       `json:"attempts" db:"attempts"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// PermanentFailure is one row of the permanent failures table: a record the
// error handler gave up on. Written exactly once per exhausted record.
type PermanentFailure struct {
	ID           string    `json:"id" db:"id"`
	Topic        string    `json:"topic" db:"topic"`
	ErrorType    string    `json:"errorType" db:"error_type"`
	ErrorMessage string    `json:"errorMessage" db:"error_message"`
	Payload      string    `json:"payload" db:"payload"`
	Attempts     int       `json:"attempts" db:"attempts"`
	FailedAt     time.Time `json:"failedAt" db:"failed_at"`
}
