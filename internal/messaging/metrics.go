package messaging

import (
	"sync/atomic"
	"time"
)

// BrokerMetrics collects broker-level counters. All fields are atomic and
// safe for concurrent use.
type BrokerMetrics struct {
	// Connection metrics
	ConnectionAttempts   atomic.Int64
	ConnectionSuccesses  atomic.Int64
	ConnectionFailures   atomic.Int64
	CurrentConnections   atomic.Int64
	ReconnectionAttempts atomic.Int64

	// Publish metrics
	MessagesPublished atomic.Int64
	PublishSuccesses  atomic.Int64
	PublishFailures   atomic.Int64
	BytesPublished    atomic.Int64
	BatchesPublished  atomic.Int64

	// Consume metrics
	MessagesReceived atomic.Int64
	HandlerSuccesses atomic.Int64
	HandlerFailures  atomic.Int64
	DLQForwards      atomic.Int64
	SkippedMessages  atomic.Int64

	TotalErrors atomic.Int64

	// StartTime is when the metrics were created.
	StartTime time.Time

	lastPublishNano atomic.Int64
	lastConsumeNano atomic.Int64
}

// NewBrokerMetrics creates new broker metrics.
func NewBrokerMetrics() *BrokerMetrics {
	return &BrokerMetrics{StartTime: time.Now().UTC()}
}

// RecordConnectionAttempt records a connection attempt.
func (m *BrokerMetrics) RecordConnectionAttempt() {
	m.ConnectionAttempts.Add(1)
}

// RecordConnectionSuccess records a successful connection.
func (m *BrokerMetrics) RecordConnectionSuccess() {
	m.ConnectionSuccesses.Add(1)
	m.CurrentConnections.Add(1)
}

// RecordConnectionFailure records a failed connection.
func (m *BrokerMetrics) RecordConnectionFailure() {
	m.ConnectionFailures.Add(1)
	m.TotalErrors.Add(1)
}

// RecordDisconnection records a disconnect.
func (m *BrokerMetrics) RecordDisconnection() {
	if m.CurrentConnections.Load() > 0 {
		m.CurrentConnections.Add(-1)
	}
}

// RecordReconnectionAttempt records a reconnect attempt.
func (m *BrokerMetrics) RecordReconnectionAttempt() {
	m.ReconnectionAttempts.Add(1)
}

// RecordPublish records a single-message publish outcome.
func (m *BrokerMetrics) RecordPublish(bytes int, success bool) {
	m.MessagesPublished.Add(1)
	if success {
		m.PublishSuccesses.Add(1)
		m.BytesPublished.Add(int64(bytes))
		m.lastPublishNano.Store(time.Now().UnixNano())
	} else {
		m.PublishFailures.Add(1)
		m.TotalErrors.Add(1)
	}
}

// RecordBatchPublish records a batch publish outcome.
func (m *BrokerMetrics) RecordBatchPublish(count, bytes int, success bool) {
	m.BatchesPublished.Add(1)
	m.MessagesPublished.Add(int64(count))
	if success {
		m.PublishSuccesses.Add(int64(count))
		m.BytesPublished.Add(int64(bytes))
		m.lastPublishNano.Store(time.Now().UnixNano())
	} else {
		m.PublishFailures.Add(int64(count))
		m.TotalErrors.Add(1)
	}
}

// RecordReceive records a consumed record and its handler outcome.
func (m *BrokerMetrics) RecordReceive(success bool) {
	m.MessagesReceived.Add(1)
	m.lastConsumeNano.Store(time.Now().UnixNano())
	if success {
		m.HandlerSuccesses.Add(1)
	} else {
		m.HandlerFailures.Add(1)
		m.TotalErrors.Add(1)
	}
}

// RecordDLQForward records a record forwarded to the DLQ.
func (m *BrokerMetrics) RecordDLQForward() {
	m.DLQForwards.Add(1)
}

// RecordSkipped records an identity-less record that was logged and skipped.
func (m *BrokerMetrics) RecordSkipped() {
	m.SkippedMessages.Add(1)
}

// GetLastPublishTime returns the time of the last successful publish.
func (m *BrokerMetrics) GetLastPublishTime() time.Time {
	n := m.lastPublishNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// GetLastConsumeTime returns the time of the last consumed record.
func (m *BrokerMetrics) GetLastConsumeTime() time.Time {
	n := m.lastConsumeNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// MetricsSnapshot is a point-in-time copy of the counters, JSON-friendly.
type MetricsSnapshot struct {
	ConnectionAttempts   int64     `json:"connection_attempts"`
	ConnectionSuccesses  int64     `json:"connection_successes"`
	ConnectionFailures   int64     `json:"connection_failures"`
	CurrentConnections   int64     `json:"current_connections"`
	ReconnectionAttempts int64     `json:"reconnection_attempts"`
	MessagesPublished    int64     `json:"messages_published"`
	PublishSuccesses     int64     `json:"publish_successes"`
	PublishFailures      int64     `json:"publish_failures"`
	BytesPublished       int64     `json:"bytes_published"`
	BatchesPublished     int64     `json:"batches_published"`
	MessagesReceived     int64     `json:"messages_received"`
	HandlerSuccesses     int64     `json:"handler_successes"`
	HandlerFailures      int64     `json:"handler_failures"`
	DLQForwards          int64     `json:"dlq_forwards"`
	SkippedMessages      int64     `json:"skipped_messages"`
	TotalErrors          int64     `json:"total_errors"`
	StartTime            time.Time `json:"start_time"`
}

// Snapshot returns a point-in-time copy of the counters.
func (m *BrokerMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionAttempts:   m.ConnectionAttempts.Load(),
		ConnectionSuccesses:  m.ConnectionSuccesses.Load(),
		ConnectionFailures:   m.ConnectionFailures.Load(),
		CurrentConnections:   m.CurrentConnections.Load(),
		ReconnectionAttempts: m.ReconnectionAttempts.Load(),
		MessagesPublished:    m.MessagesPublished.Load(),
		PublishSuccesses:     m.PublishSuccesses.Load(),
		PublishFailures:      m.PublishFailures.Load(),
		BytesPublished:       m.BytesPublished.Load(),
		BatchesPublished:     m.BatchesPublished.Load(),
		MessagesReceived:     m.MessagesReceived.Load(),
		HandlerSuccesses:     m.HandlerSuccesses.Load(),
		HandlerFailures:      m.HandlerFailures.Load(),
		DLQForwards:          m.DLQForwards.Load(),
		SkippedMessages:      m.SkippedMessages.Load(),
		TotalErrors:          m.TotalErrors.Load(),
		StartTime:            m.StartTime,
	}
}
