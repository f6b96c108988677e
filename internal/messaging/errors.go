package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a messaging error code.
type ErrorCode string

const (
	// Connection errors
	ErrCodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"
	ErrCodeConnectionTimeout  ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeReconnectionFailed ErrorCode = "RECONNECTION_FAILED"

	// Publish errors
	ErrCodePublishFailed       ErrorCode = "PUBLISH_FAILED"
	ErrCodePublishTimeout      ErrorCode = "PUBLISH_TIMEOUT"
	ErrCodeKeyRequired         ErrorCode = "KEY_REQUIRED"
	ErrCodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"

	// Subscribe errors
	ErrCodeSubscribeFailed  ErrorCode = "SUBSCRIBE_FAILED"
	ErrCodeConsumerCanceled ErrorCode = "CONSUMER_CANCELED"
	ErrCodeHandlerError     ErrorCode = "HANDLER_ERROR"

	// Topic errors
	ErrCodeTopicCreateFailed ErrorCode = "TOPIC_CREATE_FAILED"

	// Message errors
	ErrCodeMessageInvalid   ErrorCode = "MESSAGE_INVALID"
	ErrCodeDeadLetterFailed ErrorCode = "DEAD_LETTER_FAILED"
	ErrCodeDLQLoop          ErrorCode = "DLQ_LOOP"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// General errors
	ErrCodeBusUnavailable    ErrorCode = "BUS_UNAVAILABLE"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeUnknown           ErrorCode = "UNKNOWN_ERROR"
)

// Common sentinel errors for easy comparison.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReconnectionFailed = errors.New("reconnection failed")
	ErrNotConnected       = errors.New("not connected to broker")

	ErrPublishFailed       = errors.New("publish failed")
	ErrPublishTimeout      = errors.New("publish timeout")
	ErrKeyRequired         = errors.New("partition key is required")
	ErrSerializationFailed = errors.New("serialization failed")

	ErrSubscribeFailed  = errors.New("subscribe failed")
	ErrConsumerCanceled = errors.New("consumer canceled")
	ErrHandlerError     = errors.New("message handler error")

	ErrTopicCreateFailed = errors.New("topic creation failed")

	ErrInvalidEnvelope  = errors.New("invalid envelope")
	ErrDeadLetterFailed = errors.New("dead letter failed")
	// ErrDLQLoop is returned when a record whose origin is the DLQ topic
	// would be forwarded to the DLQ again.
	ErrDLQLoop = errors.New("refusing to dead-letter a DLQ-origin record")

	ErrInvalidConfig = errors.New("invalid configuration")

	ErrBusUnavailable = errors.New("message bus unavailable")
)

// BusError represents a message bus error with detailed context.
type BusError struct {
	// Code is the error code.
	Code ErrorCode `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// BrokerType is the broker implementation that produced the error.
	BrokerType BrokerType `json:"broker_type,omitempty"`
	// Topic is the topic involved (if applicable).
	Topic string `json:"topic,omitempty"`
	// MessageID is the message ID involved (if applicable).
	MessageID string `json:"message_id,omitempty"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional error details.
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewBusError creates a new BusError.
func NewBusError(code ErrorCode, message string, cause error) *BusError {
	return &BusError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// Error implements the error interface.
func (e *BusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *BusError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *BusError) Is(target error) bool {
	if t, ok := target.(*BusError); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Cause, target)
}

// WithBrokerType sets the broker type.
func (e *BusError) WithBrokerType(bt BrokerType) *BusError {
	e.BrokerType = bt
	return e
}

// WithTopic sets the topic name.
func (e *BusError) WithTopic(topic string) *BusError {
	e.Topic = topic
	return e
}

// WithMessageID sets the message ID.
func (e *BusError) WithMessageID(id string) *BusError {
	e.MessageID = id
	return e
}

// WithDetail adds a detail to the error.
func (e *BusError) WithDetail(key string, value interface{}) *BusError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// isRetryable determines if an error code represents a retryable error.
func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionFailed,
		ErrCodeConnectionTimeout,
		ErrCodeReconnectionFailed,
		ErrCodePublishTimeout,
		ErrCodeBusUnavailable:
		return true
	default:
		return false
	}
}

// ConnectionError creates a connection error.
func ConnectionError(message string, cause error) *BusError {
	return NewBusError(ErrCodeConnectionFailed, message, cause)
}

// PublishError creates a publish error.
func PublishError(topic string, cause error) *BusError {
	return NewBusError(ErrCodePublishFailed, "failed to publish message", cause).
		WithTopic(topic)
}

// SubscribeError creates a subscribe error.
func SubscribeError(topic string, cause error) *BusError {
	return NewBusError(ErrCodeSubscribeFailed, "failed to subscribe", cause).
		WithTopic(topic)
}

// HandlerProcessingError creates a handler error.
func HandlerProcessingError(messageID string, cause error) *BusError {
	return NewBusError(ErrCodeHandlerError, "message handler failed", cause).
		WithMessageID(messageID)
}

// TopicError creates a topic error.
func TopicError(topic string, cause error) *BusError {
	return NewBusError(ErrCodeTopicCreateFailed, "topic operation failed", cause).
		WithTopic(topic)
}

// SerializationError creates a serialization error.
func SerializationError(messageType string, cause error) *BusError {
	return NewBusError(ErrCodeSerializationFailed, "serialization failed", cause).
		WithDetail("message_type", messageType)
}

// DeadLetterError creates a DLQ forwarding error.
func DeadLetterError(originalTopic string, cause error) *BusError {
	return NewBusError(ErrCodeDeadLetterFailed, "failed to forward to DLQ", cause).
		WithTopic(originalTopic)
}

// ConfigError creates a configuration error.
func ConfigError(message string) *BusError {
	return NewBusError(ErrCodeInvalidConfig, message, nil)
}

// IsBusError checks if an error is a BusError.
func IsBusError(err error) bool {
	var busErr *BusError
	return errors.As(err, &busErr)
}

// GetBusError extracts a BusError from an error chain.
func GetBusError(err error) *BusError {
	var busErr *BusError
	if errors.As(err, &busErr) {
		return busErr
	}
	return nil
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if busErr := GetBusError(err); busErr != nil {
		return busErr.Retryable
	}
	return false
}

// MultiError aggregates multiple errors into one.
type MultiError struct {
	Errors []error
}

// NewMultiError creates an empty MultiError.
func NewMultiError() *MultiError {
	return &MultiError{}
}

// Add appends a non-nil error.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors reports whether any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ErrorOrNil returns the MultiError when non-empty, nil otherwise.
func (m *MultiError) ErrorOrNil() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	parts := make([]string, 0, len(m.Errors))
	for _, err := range m.Errors {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d errors: %s", len(m.Errors), strings.Join(parts, "; "))
}

// Unwrap returns the collected errors.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
