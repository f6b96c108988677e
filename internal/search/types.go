// Package search defines the tenant-aware contract for the document/vector
// index engine: index naming, query shapes and result types. The opensearch
// subpackage implements it over HTTP.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dev.callstream.pipeline/internal/models"
)

// Index kinds. Every tenant owns one index per kind.
const (
	KindTranscriptions = "transcriptions"
	KindSummaries      = "summaries"
)

// ValidKind reports whether kind names a known index kind.
func ValidKind(kind string) bool {
	return kind == KindTranscriptions || kind == KindSummaries
}

// Tenant scopes an operation to one customer. A zero CustomerID is the
// admin scope: searches run across all tenants and skip the tenant filter.
type Tenant struct {
	CustomerID    string
	SubscriberIDs []string
}

// IsAdmin reports whether this is the cross-tenant admin scope.
func (t Tenant) IsAdmin() bool { return t.CustomerID == "" }

// IndexName builds the per-tenant index name: {prefix}-{customerId}-{kind},
// customer lowered because index names must be lowercase.
func IndexName(prefix, customerID, kind string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, strings.ToLower(customerID), kind)
}

// IndexPattern builds the admin wildcard covering every tenant's index of
// one kind.
func IndexPattern(prefix, kind string) string {
	return fmt.Sprintf("%s-*-%s", prefix, kind)
}

// Index resolves the tenant to its concrete index, or to the admin
// wildcard.
func (t Tenant) Index(prefix, kind string) string {
	if t.IsAdmin() {
		return IndexPattern(prefix, kind)
	}
	return IndexName(prefix, t.CustomerID, kind)
}

// Filters narrows a search. Zero values mean "not filtered".
type Filters struct {
	From      *time.Time
	To        *time.Time
	Language  string
	Sentiment string
	CallType  string
	Agent     string
}

// KeywordQuery is a full-text search request. A query of "*" or "" matches
// everything.
type KeywordQuery struct {
	Query        string
	Filters      Filters
	Size         int
	From         int
	SortField    string
	SortOrder    string
	Aggregations map[string]any
}

// VectorQuery is a k-nearest-neighbor search request.
type VectorQuery struct {
	Vector  []float32
	K       int
	Filters Filters
}

// HybridQuery combines full-text relevance and vector similarity with
// configurable weights.
type HybridQuery struct {
	Query         string
	Vector        []float32
	K             int
	KeywordWeight float64
	VectorWeight  float64
	Filters       Filters
}

// Hit is one search result.
type Hit struct {
	Index  string          `json:"index"`
	ID     string          `json:"id"`
	Score  float64         `json:"score"`
	Source json.RawMessage `json:"source"`
}

// Document decodes the hit source into an index document.
func (h *Hit) Document() (*models.IndexDocument, error) {
	var doc models.IndexDocument
	if err := json.Unmarshal(h.Source, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode hit %s: %w", h.ID, err)
	}
	return &doc, nil
}

// Result is a search response.
type Result struct {
	Total        int64           `json:"total"`
	Hits         []Hit           `json:"hits"`
	TookMS       int64           `json:"tookMs"`
	Aggregations json.RawMessage `json:"aggregations,omitempty"`
}

// BulkError is one failed document of a bulk operation.
type BulkError struct {
	CallID string `json:"callId"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// BulkResult summarizes a bulk upsert.
type BulkResult struct {
	Indexed int         `json:"indexed"`
	Errors  []BulkError `json:"errors,omitempty"`
}

// Failed reports whether any document in the bulk was rejected.
func (r *BulkResult) Failed() bool { return len(r.Errors) > 0 }

// Engine is the tenant-aware index engine contract. Write operations are
// always tenant-scoped; search operations accept the admin scope.
type Engine interface {
	// CreateTenantIndex idempotently creates the tenant's index of the
	// given kind with the standard mapping.
	CreateTenantIndex(ctx context.Context, customerID, kind string) error
	// IndexDocument upserts one document, stamping customerId and
	// indexedAt.
	IndexDocument(ctx context.Context, customerID, kind string, doc *models.IndexDocument) error
	// BulkUpsert upserts a batch keyed by callId.
	BulkUpsert(ctx context.Context, customerID, kind string, docs []*models.IndexDocument) (*BulkResult, error)

	KeywordSearch(ctx context.Context, tenant Tenant, kind string, q *KeywordQuery) (*Result, error)
	VectorSearch(ctx context.Context, tenant Tenant, kind string, q *VectorQuery) (*Result, error)
	HybridSearch(ctx context.Context, tenant Tenant, kind string, q *HybridQuery) (*Result, error)

	// ValidateCallIDExists reports whether any tenant's transcription index
	// holds the call. Admin-scoped.
	ValidateCallIDExists(ctx context.Context, callID string) (bool, error)
	// SearchByCallID returns the call's documents across all tenants.
	// Admin-scoped.
	SearchByCallID(ctx context.Context, callID string) (*Result, error)

	HealthCheck(ctx context.Context) error
}
