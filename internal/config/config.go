package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the pipeline process. Every field is
// loadable from the environment; an optional YAML file can override selected
// sections on top (see LoadFromFile).
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	CDC        CDCConfig        `yaml:"cdc"`
	Assembler  AssemblerConfig  `yaml:"assembler"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Search     SearchConfig     `yaml:"search"`
	Errors     ErrorConfig      `yaml:"errors"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig drives the operational HTTP server (health, metrics, lookups).
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	Mode           string        `yaml:"mode"` // "debug" or "release"
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestLogging bool          `yaml:"request_logging"`
}

type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Name           string        `yaml:"name"`
	SSLMode        string        `yaml:"sslmode"`
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
	Required       bool          `yaml:"required"` // boot fails if unreachable
	MigrateOnStart bool          `yaml:"migrate_on_start"`
}

type KafkaConfig struct {
	Brokers           []string     `yaml:"brokers"`
	ClientID          string       `yaml:"client_id"`
	Required          bool         `yaml:"required"` // boot fails if unreachable
	TLSEnabled        bool         `yaml:"tls_enabled"`
	TLSSkipVerify     bool         `yaml:"tls_skip_verify"`
	SASLMechanism     string       `yaml:"sasl_mechanism"` // "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	SASLUsername      string       `yaml:"sasl_username"`
	SASLPassword      string       `yaml:"sasl_password"`
	DefaultPartitions int          `yaml:"default_partitions"`
	ReplicationFactor int          `yaml:"replication_factor"`
	Topics            TopicsConfig `yaml:"topics"`
}

// TopicsConfig names every stream the pipeline publishes to or consumes from.
type TopicsConfig struct {
	RawChanges         string `yaml:"raw_changes"`
	Assembly           string `yaml:"assembly"`
	MLQueue            string `yaml:"ml_queue"`
	IndexNotifications string `yaml:"index_notifications"`
	DLQ                string `yaml:"dlq"`
	Metrics            string `yaml:"metrics"`
}

// All returns every configured topic name, for topic provisioning at startup.
func (t TopicsConfig) All() []string {
	return []string{t.RawChanges, t.Assembly, t.MLQueue, t.IndexNotifications, t.DLQ, t.Metrics}
}

type CDCConfig struct {
	Enabled             bool          `yaml:"enabled"`
	PollingInterval     time.Duration `yaml:"polling_interval"`
	BatchSize           int           `yaml:"batch_size"`
	PublishBatchSize    int           `yaml:"publish_batch_size"`
	NormalLookbackHours int           `yaml:"normal_lookback_hours"`
	HistoricalModeDate  time.Time     `yaml:"historical_mode_date"`
	ProcessingNode      string        `yaml:"processing_node"`
}

// HistoricalEnabled reports whether a backfill start date was configured.
func (c CDCConfig) HistoricalEnabled() bool {
	return !c.HistoricalModeDate.IsZero()
}

type AssemblerConfig struct {
	GroupID       string        `yaml:"group_id"`
	MaxBuffers    int           `yaml:"max_buffers"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type IndexerConfig struct {
	GroupID      string        `yaml:"group_id"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type SearchConfig struct {
	Addresses           []string      `yaml:"addresses"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	IndexPrefix         string        `yaml:"index_prefix"`
	VectorField         string        `yaml:"vector_field"`
	SpaceType           string        `yaml:"space_type"` // "cosinesimil" or "l2"
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	HybridKeywordWeight float64       `yaml:"hybrid_keyword_weight"`
	HybridVectorWeight  float64       `yaml:"hybrid_vector_weight"`
}

type ErrorConfig struct {
	GroupID               string        `yaml:"group_id"`
	MaxRetryAttempts      int           `yaml:"max_retry_attempts"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	NotificationThreshold int           `yaml:"notification_threshold"`
}

type MonitoringConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Namespace      string `yaml:"namespace"`
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			Mode:           getEnv("GIN_MODE", "release"),
			ReadTimeout:    getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 30*time.Second),
			RequestLogging: getBoolEnv("REQUEST_LOGGING", true),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "callstream"),
			Password:       getEnv("DB_PASSWORD", ""),
			Name:           getEnv("DB_NAME", "callstream_db"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MinConnections: getIntEnv("DB_MIN_CONNECTIONS", 10),
			MaxConnections: getIntEnv("DB_MAX_CONNECTIONS", 50),
			ConnTimeout:    getDurationEnv("DB_CONN_TIMEOUT", 10*time.Second),
			Required:       getBoolEnv("DB_REQUIRED", true),
			MigrateOnStart: getBoolEnv("DB_MIGRATE_ON_START", true),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ClientID:          getEnv("KAFKA_CLIENT_ID", "callstream-pipeline"),
			Required:          getBoolEnv("KAFKA_REQUIRED", true),
			TLSEnabled:        getBoolEnv("KAFKA_TLS_ENABLED", false),
			TLSSkipVerify:     getBoolEnv("KAFKA_TLS_SKIP_VERIFY", false),
			SASLMechanism:     getEnv("KAFKA_SASL_MECHANISM", ""),
			SASLUsername:      getEnv("KAFKA_SASL_USERNAME", ""),
			SASLPassword:      getEnv("KAFKA_SASL_PASSWORD", ""),
			DefaultPartitions: getIntEnv("KAFKA_DEFAULT_PARTITIONS", 3),
			ReplicationFactor: getIntEnv("KAFKA_REPLICATION_FACTOR", 1),
			Topics: TopicsConfig{
				RawChanges:         getEnv("KAFKA_TOPIC_RAW_CHANGES", "cdc-raw-changes"),
				Assembly:           getEnv("KAFKA_TOPIC_ASSEMBLY", "conversation-assembly"),
				MLQueue:            getEnv("KAFKA_TOPIC_ML_QUEUE", "ml-processing-queue"),
				IndexNotifications: getEnv("KAFKA_TOPIC_INDEX_NOTIFICATIONS", "opensearch-bulk-index"),
				DLQ:                getEnv("KAFKA_TOPIC_DLQ", "failed-records-dlq"),
				Metrics:            getEnv("KAFKA_TOPIC_METRICS", "processing-metrics"),
			},
		},
		CDC: CDCConfig{
			Enabled:             getBoolEnv("ENABLE_KAFKA_CDC", false),
			PollingInterval:     getDurationEnv("CDC_POLLING_INTERVAL", 5*time.Second),
			BatchSize:           getIntEnv("CDC_BATCH_SIZE", 100),
			PublishBatchSize:    getIntEnv("CDC_PUBLISH_BATCH_SIZE", 50),
			NormalLookbackHours: getIntEnv("CDC_NORMAL_LOOKBACK_HOURS", 24),
			HistoricalModeDate:  getTimeEnv("CDC_HISTORICAL_MODE_DATE"),
			ProcessingNode:      getEnv("CDC_PROCESSING_NODE", defaultNodeName()),
		},
		Assembler: AssemblerConfig{
			GroupID:       getEnv("ASSEMBLER_GROUP_ID", "conversation-assembler"),
			MaxBuffers:    getIntEnv("ASSEMBLER_MAX_BUFFERS", 1000),
			SweepInterval: getDurationEnv("ASSEMBLER_SWEEP_INTERVAL", 5*time.Second),
		},
		Indexer: IndexerConfig{
			GroupID:      getEnv("INDEXER_GROUP_ID", "opensearch-indexer"),
			BatchSize:    getIntEnv("OPENSEARCH_BATCH_SIZE", 10),
			BatchTimeout: getDurationEnv("OPENSEARCH_BATCH_TIMEOUT", 30*time.Second),
		},
		Search: SearchConfig{
			Addresses:           getEnvSlice("OPENSEARCH_ADDRESSES", []string{"http://localhost:9200"}),
			Username:            getEnv("OPENSEARCH_USERNAME", ""),
			Password:            getEnv("OPENSEARCH_PASSWORD", ""),
			IndexPrefix:         getEnv("OPENSEARCH_INDEX_PREFIX", "callstream"),
			VectorField:         getEnv("OPENSEARCH_VECTOR_FIELD", "embedding"),
			SpaceType:           getEnv("OPENSEARCH_SPACE_TYPE", "cosinesimil"),
			RequestTimeout:      getDurationEnv("OPENSEARCH_REQUEST_TIMEOUT", 30*time.Second),
			InsecureSkipVerify:  getBoolEnv("OPENSEARCH_INSECURE_SKIP_VERIFY", false),
			HybridKeywordWeight: getFloatEnv("OPENSEARCH_HYBRID_KEYWORD_WEIGHT", 0.3),
			HybridVectorWeight:  getFloatEnv("OPENSEARCH_HYBRID_VECTOR_WEIGHT", 0.7),
		},
		Errors: ErrorConfig{
			GroupID:               getEnv("ERROR_GROUP_ID", "error-handler"),
			MaxRetryAttempts:      getIntEnv("ERROR_MAX_RETRY_ATTEMPTS", 3),
			RetryDelay:            getMillisEnv("ERROR_RETRY_DELAY_MS", 60*time.Second),
			NotificationThreshold: getIntEnv("ERROR_NOTIFICATION_THRESHOLD", 10),
		},
		Monitoring: MonitoringConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
			TracingEnabled: getBoolEnv("TRACING_ENABLED", false),
			OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4318"),
			Namespace:      getEnv("METRICS_NAMESPACE", "callstream"),
		},
	}
}

// Validate checks cross-field constraints that the typed getters cannot.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	for _, t := range c.Kafka.Topics.All() {
		if t == "" {
			return fmt.Errorf("topic names must not be empty")
		}
	}
	if c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("DB_MIN_CONNECTIONS (%d) exceeds DB_MAX_CONNECTIONS (%d)",
			c.Database.MinConnections, c.Database.MaxConnections)
	}
	if c.CDC.BatchSize <= 0 {
		return fmt.Errorf("CDC_BATCH_SIZE must be positive, got %d", c.CDC.BatchSize)
	}
	if c.CDC.PublishBatchSize <= 0 {
		return fmt.Errorf("CDC_PUBLISH_BATCH_SIZE must be positive, got %d", c.CDC.PublishBatchSize)
	}
	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("OPENSEARCH_BATCH_SIZE must be positive, got %d", c.Indexer.BatchSize)
	}
	if c.Errors.MaxRetryAttempts < 0 {
		return fmt.Errorf("ERROR_MAX_RETRY_ATTEMPTS must not be negative, got %d", c.Errors.MaxRetryAttempts)
	}
	if strings.ContainsAny(c.Search.IndexPrefix, "*?\" <>|,#:") || c.Search.IndexPrefix == "" {
		return fmt.Errorf("invalid index prefix %q", c.Search.IndexPrefix)
	}
	if c.Search.IndexPrefix != strings.ToLower(c.Search.IndexPrefix) {
		return fmt.Errorf("index prefix must be lowercase, got %q", c.Search.IndexPrefix)
	}
	switch c.Search.SpaceType {
	case "cosinesimil", "l2":
	default:
		return fmt.Errorf("unsupported vector space %q (want cosinesimil or l2)", c.Search.SpaceType)
	}
	switch c.Kafka.SASLMechanism {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return fmt.Errorf("unsupported SASL mechanism %q", c.Kafka.SASLMechanism)
	}
	return nil
}

// DSN renders the database config as a postgres connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "callstream-node"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare integers are read as milliseconds for operators migrating
		// from the legacy deployment.
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getTimeEnv(key string) time.Time {
	value := os.Getenv(key)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
