package opensearch

import (
	"fmt"
	"strings"
	"time"
)

// Vector space types supported by the engine.
const (
	SpaceCosine = "cosinesimil"
	SpaceL2     = "l2"
)

// Config holds OpenSearch connection and index settings.
type Config struct {
	// Addresses are tried in order on transport failure.
	Addresses []string `json:"addresses" yaml:"addresses"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"-" yaml:"password"`

	// IndexPrefix is the leading segment of every tenant index name.
	IndexPrefix string `json:"index_prefix" yaml:"index_prefix"`
	// VectorField names the embedding field in the mapping.
	VectorField string `json:"vector_field" yaml:"vector_field"`
	// SpaceType selects the kNN distance: cosinesimil or l2.
	SpaceType string `json:"space_type" yaml:"space_type"`

	ConnectTimeout     time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	// Hybrid search weights.
	KeywordWeight float64 `json:"keyword_weight" yaml:"keyword_weight"`
	VectorWeight  float64 `json:"vector_weight" yaml:"vector_weight"`

	Shards   int `json:"shards" yaml:"shards"`
	Replicas int `json:"replicas" yaml:"replicas"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addresses:      []string{"http://localhost:9200"},
		IndexPrefix:    "callstream",
		VectorField:    "embedding",
		SpaceType:      SpaceCosine,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		KeywordWeight:  0.3,
		VectorWeight:   0.7,
		Shards:         1,
		Replicas:       1,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	for _, addr := range c.Addresses {
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			return fmt.Errorf("address %q must start with http:// or https://", addr)
		}
	}
	if c.IndexPrefix == "" {
		return fmt.Errorf("index prefix is required")
	}
	if c.IndexPrefix != strings.ToLower(c.IndexPrefix) {
		return fmt.Errorf("index prefix must be lowercase")
	}
	if c.VectorField == "" {
		return fmt.Errorf("vector field is required")
	}
	if c.SpaceType != SpaceCosine && c.SpaceType != SpaceL2 {
		return fmt.Errorf("space_type must be %s or %s", SpaceCosine, SpaceL2)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.KeywordWeight < 0 || c.VectorWeight < 0 {
		return fmt.Errorf("hybrid weights must be non-negative")
	}
	return nil
}
