package messaging

import (
	"time"
)

// PublishOptions holds options for publishing messages.
type PublishOptions struct {
	// ContentType is the MIME type of the message payload.
	ContentType string
	// ContentEncoding is the encoding of the message payload.
	ContentEncoding string
	// Headers are additional headers attached to the record.
	Headers map[string]string
	// Timeout is the publish timeout.
	Timeout time.Duration
	// MaxAttempts is the total number of delivery attempts on transient
	// failures (exponential backoff between attempts).
	MaxAttempts int
	// DisableRetry turns the backoff retry loop off (single attempt).
	DisableRetry bool
}

// PublishOption is a function that modifies PublishOptions.
type PublishOption func(*PublishOptions)

// DefaultPublishOptions returns default publish options.
func DefaultPublishOptions() *PublishOptions {
	return &PublishOptions{
		ContentType:     ContentTypeJSON,
		ContentEncoding: EncodingUTF8,
		Timeout:         30 * time.Second,
		MaxAttempts:     5,
	}
}

// ApplyPublishOptions applies the given options to the default options.
func ApplyPublishOptions(opts ...PublishOption) *PublishOptions {
	options := DefaultPublishOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithHeader attaches an additional header to the published record.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// WithPublishTimeout sets the publish timeout.
func WithPublishTimeout(timeout time.Duration) PublishOption {
	return func(o *PublishOptions) {
		o.Timeout = timeout
	}
}

// WithMaxAttempts sets the total number of delivery attempts.
func WithMaxAttempts(attempts int) PublishOption {
	return func(o *PublishOptions) {
		if attempts > 0 {
			o.MaxAttempts = attempts
		}
	}
}

// WithoutRetry disables the backoff retry loop for this publish.
func WithoutRetry() PublishOption {
	return func(o *PublishOptions) {
		o.DisableRetry = true
	}
}

// OffsetReset specifies where a new consumer group starts reading.
type OffsetReset string

const (
	// OffsetResetEarliest starts from the earliest offset.
	OffsetResetEarliest OffsetReset = "earliest"
	// OffsetResetLatest starts from the latest offset.
	OffsetResetLatest OffsetReset = "latest"
)

// SubscribeOptions holds options for consumer subscriptions.
type SubscribeOptions struct {
	// GroupID is the consumer group ID.
	GroupID string
	// Topics is the topic set the subscription consumes.
	Topics []string
	// Stage names the pipeline stage for metrics and DLQ accounting.
	Stage string
	// SessionTimeout is the consumer group session timeout.
	SessionTimeout time.Duration
	// HeartbeatInterval is the consumer group heartbeat interval.
	HeartbeatInterval time.Duration
	// MaxPollInterval bounds the time between polls before the group
	// considers the consumer dead.
	MaxPollInterval time.Duration
	// OffsetReset is the start position when the group has no offset.
	OffsetReset OffsetReset
	// DLQEnabled forwards handler failures to the DLQ topic before commit.
	DLQEnabled bool
	// MetricsEnabled publishes a ProcessingMetric per consumed record.
	MetricsEnabled bool
	// MaxReconnectAttempts bounds reconnects before the subscription
	// reports unhealthy.
	MaxReconnectAttempts int
}

// SubscribeOption is a function that modifies SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

// DefaultSubscribeOptions returns default subscribe options.
func DefaultSubscribeOptions() *SubscribeOptions {
	return &SubscribeOptions{
		SessionTimeout:       30 * time.Second,
		HeartbeatInterval:    3 * time.Second,
		MaxPollInterval:      5 * time.Minute,
		OffsetReset:          OffsetResetLatest,
		DLQEnabled:           true,
		MetricsEnabled:       true,
		MaxReconnectAttempts: 5,
	}
}

// ApplySubscribeOptions applies the given options to the default options.
func ApplySubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	options := DefaultSubscribeOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithGroupID sets the consumer group ID.
func WithGroupID(groupID string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.GroupID = groupID
	}
}

// WithTopics sets the subscribed topics.
func WithTopics(topics ...string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Topics = topics
	}
}

// WithStage names the pipeline stage for metrics and DLQ accounting.
func WithStage(stage string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Stage = stage
	}
}

// WithSessionTimeout sets the consumer group session timeout.
func WithSessionTimeout(timeout time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.SessionTimeout = timeout
	}
}

// WithHeartbeatInterval sets the consumer group heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.HeartbeatInterval = interval
	}
}

// WithMaxPollInterval sets the max poll interval.
func WithMaxPollInterval(interval time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.MaxPollInterval = interval
	}
}

// FromBeginning starts a new consumer group at the earliest offset.
func FromBeginning() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.OffsetReset = OffsetResetEarliest
	}
}

// WithoutDLQ disables DLQ forwarding for handler failures.
func WithoutDLQ() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.DLQEnabled = false
	}
}

// WithoutMetrics disables per-message metric emission.
func WithoutMetrics() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.MetricsEnabled = false
	}
}

// Validate checks that the subscription is usable.
func (o *SubscribeOptions) Validate() error {
	if o.GroupID == "" {
		return ConfigError("consumer group ID is required")
	}
	if len(o.Topics) == 0 {
		return ConfigError("at least one topic is required")
	}
	return nil
}
