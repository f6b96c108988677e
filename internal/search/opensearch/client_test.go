package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.callstream.pipeline/internal/models"
	"dev.callstream.pipeline/internal/search"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := DefaultConfig()
	config.Addresses = []string{server.URL}
	config.RequestTimeout = 5 * time.Second
	config.ConnectTimeout = 2 * time.Second

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := NewClient(config, logger)
	require.NoError(t, err)
	return client, server
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func searchResponse(total int, hits ...map[string]any) map[string]any {
	return map[string]any{
		"took": 3,
		"hits": map[string]any{
			"total": map[string]any{"value": total},
			"hits":  hits,
		},
	}
}

func TestConnectChecksClusterHealth(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_cluster/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"status": "green"})
	})

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())
}

func TestConnectRejectsRedCluster(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "red"})
	})

	require.Error(t, client.Connect(context.Background()))
	assert.False(t, client.IsConnected())
}

func TestDoRequestFailsOver(t *testing.T) {
	var served atomic.Int32
	client, server := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"status": "green"})
	})
	// First address is unreachable, the live server is second.
	client.config.Addresses = []string{"http://127.0.0.1:1", server.URL}

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.Equal(t, int32(1), served.Load())
}

func TestCreateTenantIndex(t *testing.T) {
	var created atomic.Int32
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			assert.Equal(t, "/callstream-ban7-transcriptions", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			created.Add(1)
			body := decodeBody(t, r)

			settings := body["settings"].(map[string]any)
			index := settings["index"].(map[string]any)
			assert.Equal(t, true, index["knn"])

			mappings := body["mappings"].(map[string]any)
			props := mappings["properties"].(map[string]any)
			embedding := props["embedding"].(map[string]any)
			assert.Equal(t, "knn_vector", embedding["type"])
			assert.Equal(t, float64(models.EmbeddingDimensions), embedding["dimension"])
			method := embedding["method"].(map[string]any)
			assert.Equal(t, "hnsw", method["name"])
			assert.Equal(t, SpaceCosine, method["space_type"])

			assert.Contains(t, props, "conversationText")
			assert.Contains(t, props, "conversationMetadata")
			writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})

	ctx := context.Background()
	require.NoError(t, client.CreateTenantIndex(ctx, "BAN7", search.KindTranscriptions))
	require.Equal(t, int32(1), created.Load())

	// Second create is answered from the known-index cache.
	require.NoError(t, client.CreateTenantIndex(ctx, "BAN7", search.KindTranscriptions))
	assert.Equal(t, int32(1), created.Load())
}

func TestCreateTenantIndexSkipsExisting(t *testing.T) {
	var puts atomic.Int32
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			puts.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
		}
	})

	require.NoError(t, client.CreateTenantIndex(context.Background(), "BAN7", search.KindTranscriptions))
	assert.Zero(t, puts.Load(), "existing index must leave the mapping unchanged")
}

func TestCreateTenantIndexToleratesCreateRace(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"type": "resource_already_exists_exception"},
			})
		}
	})

	assert.NoError(t, client.CreateTenantIndex(context.Background(), "BAN7", search.KindTranscriptions))
}

func TestCreateTenantIndexRejectsBadInput(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	ctx := context.Background()
	assert.Error(t, client.CreateTenantIndex(ctx, "", search.KindTranscriptions))
	assert.Error(t, client.CreateTenantIndex(ctx, "BAN7", "recordings"))
}

func TestBulkUpsert(t *testing.T) {
	var captured string
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_bulk", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		captured = string(raw)

		writeJSON(w, http.StatusOK, map[string]any{
			"errors": true,
			"items": []map[string]any{
				{"update": map[string]any{"_id": "C1", "status": 200}},
				{"update": map[string]any{"_id": "C2", "status": 429, "error": map[string]any{
					"type": "es_rejected_execution_exception", "reason": "queue full",
				}}},
			},
		})
	})

	docs := []*models.IndexDocument{
		{CallID: "C1", Embedding: make([]float32, models.EmbeddingDimensions)},
		{CallID: "C2", Embedding: make([]float32, models.EmbeddingDimensions)},
	}
	result, err := client.BulkUpsert(context.Background(), "BAN7", search.KindTranscriptions, docs)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Indexed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "C2", result.Errors[0].CallID)
	assert.Equal(t, 429, result.Errors[0].Status)
	assert.True(t, result.Failed())

	lines := strings.Split(strings.TrimSpace(captured), "\n")
	require.Len(t, lines, 4, "two action lines and two document lines")

	var action map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &action))
	assert.Equal(t, "callstream-ban7-transcriptions", action["update"]["_index"])
	assert.Equal(t, "C1", action["update"]["_id"])
	assert.Equal(t, float64(bulkRetryOnConflict), action["update"]["retry_on_conflict"])

	var docLine map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &docLine))
	assert.Equal(t, true, docLine["doc_as_upsert"])
	doc := docLine["doc"].(map[string]any)
	assert.Equal(t, "BAN7", doc["customerId"], "bulk must stamp the owning tenant")
	assert.NotEmpty(t, doc["indexedAt"])
}

func TestBulkUpsertEmptyBatch(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty batch")
	})

	result, err := client.BulkUpsert(context.Background(), "BAN7", search.KindTranscriptions, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Indexed)
}

func TestKeywordSearchScopesToTenant(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/callstream-ban7-transcriptions/_search", r.URL.Path)
		body := decodeBody(t, r)

		boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
		filters := boolQuery["filter"].([]any)
		require.NotEmpty(t, filters)
		term := filters[0].(map[string]any)["term"].(map[string]any)
		assert.Equal(t, "BAN7", term["customerId"])

		must := boolQuery["must"].([]any)
		mm := must[0].(map[string]any)["multi_match"].(map[string]any)
		assert.Equal(t, "refund", mm["query"])
		fields := mm["fields"].([]any)
		assert.Contains(t, fields, "conversationText^2")
		assert.Contains(t, fields, "conversationText.stemmed")

		writeJSON(w, http.StatusOK, searchResponse(1, map[string]any{
			"_index": "callstream-ban7-transcriptions", "_id": "C1", "_score": 1.5,
			"_source": map[string]any{"callId": "C1", "customerId": "BAN7"},
		}))
	})

	result, err := client.KeywordSearch(context.Background(),
		search.Tenant{CustomerID: "BAN7"}, search.KindTranscriptions,
		&search.KeywordQuery{Query: "refund"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Total)
	require.Len(t, result.Hits, 1)
	doc, err := result.Hits[0].Document()
	require.NoError(t, err)
	assert.Equal(t, "C1", doc.CallID)
}

func TestKeywordSearchAdminWildcard(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/callstream-*-transcriptions/_search", r.URL.EscapedPath())
		body := decodeBody(t, r)

		boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
		_, hasFilter := boolQuery["filter"]
		assert.False(t, hasFilter, "admin queries carry no tenant filter")

		must := boolQuery["must"].([]any)
		_, isMatchAll := must[0].(map[string]any)["match_all"]
		assert.True(t, isMatchAll, "wildcard query must fall back to match_all")

		writeJSON(w, http.StatusOK, searchResponse(0))
	})

	_, err := client.KeywordSearch(context.Background(),
		search.Tenant{}, search.KindTranscriptions,
		&search.KeywordQuery{Query: "*"})
	require.NoError(t, err)
}

func TestKeywordSearchFilters(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
		filters := boolQuery["filter"].([]any)

		var sawRange, sawLanguage, sawSentiment bool
		for _, f := range filters {
			clause := f.(map[string]any)
			if rangeClause, ok := clause["range"].(map[string]any); ok {
				_, sawRange = rangeClause["conversationMetadata.startTime"]
			}
			if term, ok := clause["term"].(map[string]any); ok {
				if _, ok := term["language.detected"]; ok {
					sawLanguage = true
				}
				if _, ok := term["sentiment.overall"]; ok {
					sawSentiment = true
				}
			}
		}
		assert.True(t, sawRange)
		assert.True(t, sawLanguage)
		assert.True(t, sawSentiment)

		writeJSON(w, http.StatusOK, searchResponse(0))
	})

	_, err := client.KeywordSearch(context.Background(),
		search.Tenant{CustomerID: "BAN7"}, search.KindTranscriptions,
		&search.KeywordQuery{
			Query: "billing",
			Filters: search.Filters{
				From:      &from,
				Language:  "en",
				Sentiment: "negative",
			},
		})
	require.NoError(t, err)
}

func TestVectorSearch(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
		must := boolQuery["must"].([]any)
		knn := must[0].(map[string]any)["knn"].(map[string]any)
		inner := knn["embedding"].(map[string]any)
		assert.Equal(t, float64(5), inner["k"])
		assert.Len(t, inner["vector"].([]any), models.EmbeddingDimensions)

		writeJSON(w, http.StatusOK, searchResponse(0))
	})

	_, err := client.VectorSearch(context.Background(),
		search.Tenant{CustomerID: "BAN7"}, search.KindTranscriptions,
		&search.VectorQuery{Vector: make([]float32, models.EmbeddingDimensions), K: 5})
	require.NoError(t, err)
}

func TestVectorSearchRejectsWrongDimension(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.VectorSearch(context.Background(),
		search.Tenant{CustomerID: "BAN7"}, search.KindTranscriptions,
		&search.VectorQuery{Vector: make([]float32, 3), K: 5})
	assert.Error(t, err)
}

func TestHybridSearchWeighting(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
		must := boolQuery["must"].([]any)
		require.Len(t, must, 2)
		assert.NotContains(t, boolQuery, "should")

		knn := must[0].(map[string]any)["knn"].(map[string]any)["embedding"].(map[string]any)
		assert.Equal(t, 0.7, knn["boost"])
		mm := must[1].(map[string]any)["multi_match"].(map[string]any)
		assert.Equal(t, 0.3, mm["boost"])

		writeJSON(w, http.StatusOK, searchResponse(0))
	})

	_, err := client.HybridSearch(context.Background(),
		search.Tenant{CustomerID: "BAN7"}, search.KindTranscriptions,
		&search.HybridQuery{
			Query:  "refund",
			Vector: make([]float32, models.EmbeddingDimensions),
			K:      10,
		})
	require.NoError(t, err)
}

func TestValidateCallIDExists(t *testing.T) {
	total := 2
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/callstream-*-transcriptions/_search", r.URL.EscapedPath())
		body := decodeBody(t, r)
		term := body["query"].(map[string]any)["term"].(map[string]any)
		assert.Equal(t, "C1", term["callId"])
		writeJSON(w, http.StatusOK, searchResponse(total))
	})

	exists, err := client.ValidateCallIDExists(context.Background(), "C1")
	require.NoError(t, err)
	assert.True(t, exists)

	total = 0
	exists, err = client.ValidateCallIDExists(context.Background(), "C1")
	require.NoError(t, err)
	assert.False(t, exists)
}
