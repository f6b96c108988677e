package kafka

import (
	"crypto/tls"
	"fmt"
	"time"
)

// Config holds Kafka connection configuration.
type Config struct {
	// Broker settings
	Brokers  []string `json:"brokers" yaml:"brokers"`
	ClientID string   `json:"client_id" yaml:"client_id"`

	// Source stamped on every envelope published through this broker.
	Source string `json:"source" yaml:"source"`

	// Security settings
	TLSEnabled    bool        `json:"tls_enabled" yaml:"tls_enabled"`
	TLSConfig     *tls.Config `json:"-" yaml:"-"`
	TLSSkipVerify bool        `json:"tls_skip_verify" yaml:"tls_skip_verify"`

	// SASL authentication
	SASLEnabled   bool   `json:"sasl_enabled" yaml:"sasl_enabled"`
	SASLMechanism string `json:"sasl_mechanism" yaml:"sasl_mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	SASLUsername  string `json:"sasl_username" yaml:"sasl_username"`
	SASLPassword  string `json:"sasl_password" yaml:"sasl_password"`

	// Producer settings
	RequiredAcks     int           `json:"required_acks" yaml:"required_acks"` // 0=none, 1=leader, -1=all
	BatchSize        int           `json:"batch_size" yaml:"batch_size"`
	BatchBytes       int64         `json:"batch_bytes" yaml:"batch_bytes"`
	BatchTimeout     time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	CompressionCodec string        `json:"compression_codec" yaml:"compression_codec"` // none, gzip, snappy, lz4, zstd

	// Publish retry policy for transient failures.
	RetryInitialBackoff time.Duration `json:"retry_initial_backoff" yaml:"retry_initial_backoff"`
	RetryMultiplier     float64       `json:"retry_multiplier" yaml:"retry_multiplier"`
	RetryCeiling        time.Duration `json:"retry_ceiling" yaml:"retry_ceiling"`
	PublishMaxAttempts  int           `json:"publish_max_attempts" yaml:"publish_max_attempts"`

	// Consumer settings
	FetchMinBytes int           `json:"fetch_min_bytes" yaml:"fetch_min_bytes"`
	FetchMaxBytes int           `json:"fetch_max_bytes" yaml:"fetch_max_bytes"`
	FetchMaxWait  time.Duration `json:"fetch_max_wait" yaml:"fetch_max_wait"`

	// Connection settings
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// Topic settings
	DLQTopic           string `json:"dlq_topic" yaml:"dlq_topic"`
	MetricsTopic       string `json:"metrics_topic" yaml:"metrics_topic"`
	DefaultPartitions  int    `json:"default_partitions" yaml:"default_partitions"`
	DefaultReplication int    `json:"default_replication" yaml:"default_replication"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:             []string{"localhost:9092"},
		ClientID:            "callstream",
		Source:              "callstream-pipeline",
		TLSEnabled:          false,
		TLSSkipVerify:       false,
		SASLEnabled:         false,
		SASLMechanism:       "PLAIN",
		RequiredAcks:        -1, // All replicas
		BatchSize:           100,
		BatchBytes:          1048576, // 1MB
		BatchTimeout:        10 * time.Millisecond,
		CompressionCodec:    "lz4",
		RetryInitialBackoff: 300 * time.Millisecond,
		RetryMultiplier:     2.0,
		RetryCeiling:        30 * time.Second,
		PublishMaxAttempts:  5,
		FetchMinBytes:       1,
		FetchMaxBytes:       10485760, // 10MB
		FetchMaxWait:        500 * time.Millisecond,
		DialTimeout:         30 * time.Second,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		DLQTopic:            "failed-records-dlq",
		MetricsTopic:        "processing-metrics",
		DefaultPartitions:   3,
		DefaultReplication:  1,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	for _, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker address cannot be empty")
		}
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.PublishMaxAttempts < 1 {
		return fmt.Errorf("publish_max_attempts must be at least 1")
	}
	if c.RetryInitialBackoff <= 0 {
		return fmt.Errorf("retry_initial_backoff must be positive")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be at least 1")
	}
	if c.DefaultPartitions < 1 {
		return fmt.Errorf("default_partitions must be at least 1")
	}
	if c.DefaultReplication < 1 {
		return fmt.Errorf("default_replication must be at least 1")
	}
	if c.SASLEnabled {
		switch c.SASLMechanism {
		case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return fmt.Errorf("SASL credentials are required when SASL is enabled")
		}
	}
	return nil
}
