package opensearch

import (
	"dev.callstream.pipeline/internal/models"
)

// analyzedText builds a full-text field with the base analyzer plus a
// stemmed subfield, so queries can hit either form.
func analyzedText() map[string]any {
	return map[string]any{
		"type":     "text",
		"analyzer": "transcript",
		"fields": map[string]any{
			"stemmed": map[string]any{
				"type":     "text",
				"analyzer": "transcript_stemmed",
			},
		},
	}
}

func keyword() map[string]any { return map[string]any{"type": "keyword"} }

func date() map[string]any { return map[string]any{"type": "date"} }

// buildIndexBody returns the create-index body: kNN settings, the two
// transcript analyzers, and the document mapping. The vector field name and
// space type are configurable; the dimension is fixed by the ML contract.
func (c *Client) buildIndexBody() map[string]any {
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"knn":                true,
				"number_of_shards":   c.config.Shards,
				"number_of_replicas": c.config.Replicas,
			},
			"analysis": map[string]any{
				"analyzer": map[string]any{
					"transcript": map[string]any{
						"type":      "custom",
						"tokenizer": "standard",
						"filter":    []string{"lowercase", "asciifolding"},
					},
					"transcript_stemmed": map[string]any{
						"type":      "custom",
						"tokenizer": "standard",
						"filter":    []string{"lowercase", "asciifolding", "porter_stem"},
					},
				},
			},
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"callId":           keyword(),
				"customerId":       keyword(),
				"subscriberId":     keyword(),
				"conversationText": analyzedText(),
				"summary": map[string]any{
					"properties": map[string]any{
						"text":      analyzedText(),
						"keyPoints": analyzedText(),
					},
				},
				"language": map[string]any{
					"properties": map[string]any{
						"detected":   keyword(),
						"confidence": map[string]any{"type": "float"},
					},
				},
				"sentiment": map[string]any{
					"properties": map[string]any{
						"overall": keyword(),
						"score":   map[string]any{"type": "float"},
					},
				},
				"topics": keyword(),
				"entities": map[string]any{
					"properties": map[string]any{
						"type":  keyword(),
						"value": keyword(),
						"score": map[string]any{"type": "float"},
					},
				},
				"classifications": map[string]any{
					"properties": map[string]any{
						"label": keyword(),
						"score": map[string]any{"type": "float"},
					},
				},
				c.config.VectorField: map[string]any{
					"type":      "knn_vector",
					"dimension": models.EmbeddingDimensions,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": c.config.SpaceType,
						"engine":     "nmslib",
						"parameters": map[string]any{
							"ef_construction": 128,
							"m":               16,
						},
					},
				},
				"conversationMetadata": map[string]any{
					"properties": map[string]any{
						"messageCount": map[string]any{"type": "integer"},
						"duration":     map[string]any{"type": "long"},
						"startTime":    date(),
						"endTime":      date(),
						"participants": map[string]any{
							"properties": map[string]any{
								"agent":    keyword(),
								"customer": keyword(),
							},
						},
					},
				},
				"indexedAt": date(),
			},
		},
	}
}
