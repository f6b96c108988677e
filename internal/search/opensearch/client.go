// Package opensearch implements the tenant-aware index engine contract over
// the OpenSearch REST API.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dev.callstream.pipeline/internal/models"
	"dev.callstream.pipeline/internal/search"
)

// bulkRetryOnConflict bounds optimistic-concurrency retries per document so
// concurrent re-emissions of the same call converge instead of failing.
const bulkRetryOnConflict = 3

// Client talks to OpenSearch. One instance per process; safe for concurrent
// use.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger

	mu        sync.RWMutex
	connected bool

	// Indices already verified to exist, so steady-state bulks skip the
	// existence round-trip.
	knownMu      sync.Mutex
	knownIndices map[string]bool
}

// NewClient creates an OpenSearch client.
func NewClient(config *Config, logger *logrus.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
	}
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.RequestTimeout,
			Transport: transport,
		},
		logger:       logger,
		knownIndices: make(map[string]bool),
	}, nil
}

// Connect verifies connectivity to the cluster.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	if err := c.healthCheck(ctx); err != nil {
		return fmt.Errorf("failed to connect to OpenSearch: %w", err)
	}
	c.connected = true
	c.logger.WithField("addresses", c.config.Addresses).Info("Connected to OpenSearch")
	return nil
}

// Close releases the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.httpClient.CloseIdleConnections()
	return nil
}

// IsConnected returns whether Connect has succeeded.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// HealthCheck verifies the cluster responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.healthCheck(ctx)
}

func (c *Client) healthCheck(ctx context.Context) error {
	status, body, err := c.doRequest(ctx, http.MethodGet, "/_cluster/health", nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy status %d: %s", status, string(body))
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to parse cluster health: %w", err)
	}
	if health.Status == "red" {
		return fmt.Errorf("cluster status is red")
	}
	return nil
}

// doRequest executes one request, failing over across addresses on
// transport errors. It returns the status code and body; HTTP error
// statuses are the caller's to interpret.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	if contentType == "" {
		contentType = "application/json"
	}

	var lastErr error
	for _, addr := range c.config.Addresses {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, addr+path, reqBody)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if c.config.Username != "" {
			req.SetBasicAuth(c.config.Username, c.config.Password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("address", addr).Warn("OpenSearch request failed, trying next address")
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read response: %w", err)
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, fmt.Errorf("all addresses failed: %w", lastErr)
}

// doJSON marshals the body, sends it, and fails on error statuses.
func (c *Client) doJSON(ctx context.Context, method, path string, body any) ([]byte, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}
	status, respBody, err := c.doRequest(ctx, method, path, raw, "")
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("request %s %s failed with status %d: %s", method, path, status, string(respBody))
	}
	return respBody, nil
}

// CreateTenantIndex creates the tenant's index with the standard mapping.
// Idempotent: an existing index, including one created by a concurrent
// racer, leaves the mapping untouched.
func (c *Client) CreateTenantIndex(ctx context.Context, customerID, kind string) error {
	if customerID == "" {
		return fmt.Errorf("customer id is required to create an index")
	}
	if !search.ValidKind(kind) {
		return fmt.Errorf("unknown index kind %q", kind)
	}

	index := search.IndexName(c.config.IndexPrefix, customerID, kind)

	c.knownMu.Lock()
	known := c.knownIndices[index]
	c.knownMu.Unlock()
	if known {
		return nil
	}

	status, _, err := c.doRequest(ctx, http.MethodHead, "/"+index, nil, "")
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", index, err)
	}
	if status == http.StatusOK {
		c.rememberIndex(index)
		return nil
	}

	raw, err := json.Marshal(c.buildIndexBody())
	if err != nil {
		return fmt.Errorf("failed to marshal index body: %w", err)
	}
	status, respBody, err := c.doRequest(ctx, http.MethodPut, "/"+index, raw, "")
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", index, err)
	}
	if status >= 400 {
		if strings.Contains(string(respBody), "resource_already_exists_exception") {
			c.rememberIndex(index)
			return nil
		}
		return fmt.Errorf("failed to create index %s: status %d: %s", index, status, string(respBody))
	}

	c.rememberIndex(index)
	c.logger.WithFields(logrus.Fields{
		"index":    index,
		"customer": customerID,
		"kind":     kind,
	}).Info("Tenant index created")
	return nil
}

func (c *Client) rememberIndex(index string) {
	c.knownMu.Lock()
	c.knownIndices[index] = true
	c.knownMu.Unlock()
}

// IndexDocument upserts a single document, stamping the tenant and the
// indexing time.
func (c *Client) IndexDocument(ctx context.Context, customerID, kind string, doc *models.IndexDocument) error {
	if doc.CallID == "" {
		return fmt.Errorf("document requires a callId")
	}
	doc.CustomerID = customerID
	doc.IndexedAt = time.Now().UTC()

	index := search.IndexName(c.config.IndexPrefix, customerID, kind)
	path := fmt.Sprintf("/%s/_doc/%s", index, doc.CallID)
	if _, err := c.doJSON(ctx, http.MethodPut, path, doc); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.CallID, err)
	}
	return nil
}

// BulkUpsert upserts the batch in one request, keyed by callId, with
// bounded retry-on-conflict per document.
func (c *Client) BulkUpsert(ctx context.Context, customerID, kind string, docs []*models.IndexDocument) (*search.BulkResult, error) {
	if len(docs) == 0 {
		return &search.BulkResult{}, nil
	}

	index := search.IndexName(c.config.IndexPrefix, customerID, kind)
	now := time.Now().UTC()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		if doc.CallID == "" {
			return nil, fmt.Errorf("bulk document without callId for customer %s", customerID)
		}
		doc.CustomerID = customerID
		doc.IndexedAt = now

		action := map[string]any{
			"update": map[string]any{
				"_index":            index,
				"_id":               doc.CallID,
				"retry_on_conflict": bulkRetryOnConflict,
			},
		}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(map[string]any{"doc": doc, "doc_as_upsert": true}); err != nil {
			return nil, fmt.Errorf("failed to encode bulk document: %w", err)
		}
	}

	status, respBody, err := c.doRequest(ctx, http.MethodPost, "/_bulk", buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return nil, fmt.Errorf("bulk request failed: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("bulk request failed with status %d: %s", status, string(respBody))
	}

	var response struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse bulk response: %w", err)
	}

	result := &search.BulkResult{}
	for _, item := range response.Items {
		for _, op := range item {
			if op.Error != nil {
				result.Errors = append(result.Errors, search.BulkError{
					CallID: op.ID,
					Status: op.Status,
					Reason: fmt.Sprintf("%s: %s", op.Error.Type, op.Error.Reason),
				})
			} else {
				result.Indexed++
			}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"index":   index,
		"indexed": result.Indexed,
		"errors":  len(result.Errors),
	}).Debug("Bulk upsert completed")
	return result, nil
}

// KeywordSearch runs a full-text search scoped to the tenant.
func (c *Client) KeywordSearch(ctx context.Context, tenant search.Tenant, kind string, q *search.KeywordQuery) (*search.Result, error) {
	return c.runSearch(ctx, tenant.Index(c.config.IndexPrefix, kind), c.buildKeywordBody(tenant, q))
}

// VectorSearch runs a k-nearest-neighbor search scoped to the tenant.
func (c *Client) VectorSearch(ctx context.Context, tenant search.Tenant, kind string, q *search.VectorQuery) (*search.Result, error) {
	if len(q.Vector) != models.EmbeddingDimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, want %d", len(q.Vector), models.EmbeddingDimensions)
	}
	return c.runSearch(ctx, tenant.Index(c.config.IndexPrefix, kind), c.buildVectorBody(tenant, q))
}

// HybridSearch blends keyword and vector relevance.
func (c *Client) HybridSearch(ctx context.Context, tenant search.Tenant, kind string, q *search.HybridQuery) (*search.Result, error) {
	if len(q.Vector) != models.EmbeddingDimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, want %d", len(q.Vector), models.EmbeddingDimensions)
	}
	return c.runSearch(ctx, tenant.Index(c.config.IndexPrefix, kind), c.buildHybridBody(tenant, q))
}

// ValidateCallIDExists reports whether any tenant holds the call.
func (c *Client) ValidateCallIDExists(ctx context.Context, callID string) (bool, error) {
	result, err := c.searchCallID(ctx, callID, 0)
	if err != nil {
		return false, err
	}
	return result.Total > 0, nil
}

// SearchByCallID returns the call's documents across all tenants.
func (c *Client) SearchByCallID(ctx context.Context, callID string) (*search.Result, error) {
	return c.searchCallID(ctx, callID, 10)
}

func (c *Client) searchCallID(ctx context.Context, callID string, size int) (*search.Result, error) {
	body := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"callId": callID},
		},
		"size": size,
	}
	index := search.IndexPattern(c.config.IndexPrefix, search.KindTranscriptions)
	return c.runSearch(ctx, index, body)
}

func (c *Client) runSearch(ctx context.Context, index string, body map[string]any) (*search.Result, error) {
	respBody, err := c.doJSON(ctx, http.MethodPost, "/"+index+"/_search", body)
	if err != nil {
		return nil, fmt.Errorf("search on %s failed: %w", index, err)
	}

	var response struct {
		Took int64 `json:"took"`
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Index  string          `json:"_index"`
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
		Aggregations json.RawMessage `json:"aggregations"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	result := &search.Result{
		Total:        response.Hits.Total.Value,
		TookMS:       response.Took,
		Aggregations: response.Aggregations,
	}
	for _, h := range response.Hits.Hits {
		result.Hits = append(result.Hits, search.Hit{
			Index:  h.Index,
			ID:     h.ID,
			Score:  h.Score,
			Source: h.Source,
		})
	}
	return result, nil
}
