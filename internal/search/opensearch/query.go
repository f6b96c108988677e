package opensearch

import (
	"dev.callstream.pipeline/internal/search"
)

// multiMatchFields are the full-text targets of a keyword search, with the
// conversation text boosted over summary fields.
var multiMatchFields = []string{
	"conversationText^2",
	"conversationText.stemmed",
	"summary.text",
	"summary.keyPoints",
}

// buildFilterClauses renders the tenant scope plus the optional term/range
// filters. Admin tenants carry no scope clause.
func buildFilterClauses(tenant search.Tenant, f search.Filters) []map[string]any {
	var clauses []map[string]any

	if !tenant.IsAdmin() {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{"customerId": tenant.CustomerID},
		})
	}
	if len(tenant.SubscriberIDs) > 0 {
		clauses = append(clauses, map[string]any{
			"terms": map[string]any{"subscriberId": tenant.SubscriberIDs},
		})
	}

	if f.From != nil || f.To != nil {
		bounds := map[string]any{}
		if f.From != nil {
			bounds["gte"] = f.From.UTC()
		}
		if f.To != nil {
			bounds["lte"] = f.To.UTC()
		}
		clauses = append(clauses, map[string]any{
			"range": map[string]any{"conversationMetadata.startTime": bounds},
		})
	}
	if f.Language != "" {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{"language.detected": f.Language},
		})
	}
	if f.Sentiment != "" {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{"sentiment.overall": f.Sentiment},
		})
	}
	if f.CallType != "" {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{"classifications.label": f.CallType},
		})
	}
	if f.Agent != "" {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{"conversationMetadata.participants.agent": f.Agent},
		})
	}
	return clauses
}

// textClause renders the full-text part of a query; "*" and "" fall back to
// match-all.
func textClause(query string, boost float64) map[string]any {
	if query == "" || query == "*" {
		all := map[string]any{}
		if boost > 0 {
			all["boost"] = boost
		}
		return map[string]any{"match_all": all}
	}
	mm := map[string]any{
		"query":  query,
		"fields": multiMatchFields,
		"type":   "best_fields",
	}
	if boost > 0 {
		mm["boost"] = boost
	}
	return map[string]any{"multi_match": mm}
}

func (c *Client) buildKeywordBody(tenant search.Tenant, q *search.KeywordQuery) map[string]any {
	boolQuery := map[string]any{
		"must": []map[string]any{textClause(q.Query, 0)},
	}
	if filters := buildFilterClauses(tenant, q.Filters); len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	size := q.Size
	if size <= 0 {
		size = 10
	}
	body := map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"size":  size,
		"from":  q.From,
	}
	if q.SortField != "" {
		order := q.SortOrder
		if order == "" {
			order = "desc"
		}
		body["sort"] = []map[string]any{{q.SortField: map[string]any{"order": order}}}
	}
	if len(q.Aggregations) > 0 {
		body["aggs"] = q.Aggregations
	}
	return body
}

func (c *Client) knnClause(vector []float32, k int, boost float64) map[string]any {
	inner := map[string]any{
		"vector": vector,
		"k":      k,
	}
	if boost > 0 {
		inner["boost"] = boost
	}
	return map[string]any{
		"knn": map[string]any{c.config.VectorField: inner},
	}
}

func (c *Client) buildVectorBody(tenant search.Tenant, q *search.VectorQuery) map[string]any {
	k := q.K
	if k <= 0 {
		k = 10
	}
	boolQuery := map[string]any{
		"must": []map[string]any{c.knnClause(q.Vector, k, 0)},
	}
	if filters := buildFilterClauses(tenant, q.Filters); len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"size":  k,
	}
}

// buildHybridBody blends keyword relevance and vector similarity as two
// weighted must clauses over the same tenant filter, so a hit has to
// satisfy both legs.
func (c *Client) buildHybridBody(tenant search.Tenant, q *search.HybridQuery) map[string]any {
	k := q.K
	if k <= 0 {
		k = 10
	}
	keywordWeight := q.KeywordWeight
	if keywordWeight == 0 {
		keywordWeight = c.config.KeywordWeight
	}
	vectorWeight := q.VectorWeight
	if vectorWeight == 0 {
		vectorWeight = c.config.VectorWeight
	}

	boolQuery := map[string]any{
		"must": []map[string]any{
			c.knnClause(q.Vector, k, vectorWeight),
			textClause(q.Query, keywordWeight),
		},
	}
	if filters := buildFilterClauses(tenant, q.Filters); len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"size":  k,
	}
}
