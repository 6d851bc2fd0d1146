package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
)

// citationSchema lists the fields a citation must carry to be attached to a message.
const citationSchema = `{
	"type": "object",
	"required": ["source", "content", "score"],
	"properties": {
		"doc_id":    {"type": "string"},
		"docId":     {"type": "string"},
		"chunk_id":  {"type": "string"},
		"chunkId":   {"type": "string"},
		"source":    {"type": "string"},
		"title":     {"type": ["string", "null"]},
		"content":   {"type": "string"},
		"score":     {"type": "number"},
		"retriever": {"type": ["string", "null"]},
		"metadata":  {"type": ["object", "null"]}
	}
}`

var compiledCitationSchema = mustSchema(citationSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compiling citation schema: %v", err))
	}
	return schema
}

var citationFields = map[string]bool{
	"doc_id": true, "docId": true, "chunk_id": true, "chunkId": true,
	"source": true, "title": true, "content": true, "score": true,
	"retriever": true, "metadata": true,
}

// decodeMessage extracts an answer fragment. Plain-text deltas are the common case.
func decodeMessage(data string) string {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		for _, k := range []string{"content", "delta", "text"} {
			if s, ok := x[k].(string); ok {
				return s
			}
		}
	}
	return data
}

// decodeCitations parses a citations payload: an array, or an object wrapping one.
// Items failing validation are dropped and counted.
func decodeCitations(data string) ([]entities.Citation, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		var wrapped struct {
			Citations []json.RawMessage `json:"citations"`
		}
		if werr := json.Unmarshal([]byte(data), &wrapped); werr != nil || wrapped.Citations == nil {
			return nil, 0, fmt.Errorf("decoding citations: %w", err)
		}
		raw = wrapped.Citations
	}

	citations := make([]entities.Citation, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		result, err := compiledCitationSchema.Validate(gojsonschema.NewBytesLoader(item))
		if err != nil || !result.Valid() {
			dropped++
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil {
			dropped++
			continue
		}
		citations = append(citations, citationFromFields(fields))
	}
	return citations, dropped, nil
}

func citationFromFields(f map[string]any) entities.Citation {
	c := entities.Citation{
		DocID:     firstString(f, "doc_id", "docId"),
		ChunkID:   firstString(f, "chunk_id", "chunkId"),
		Source:    firstString(f, "source"),
		Title:     firstString(f, "title"),
		Content:   firstString(f, "content"),
		Retriever: firstString(f, "retriever"),
	}
	if score, ok := f["score"].(float64); ok {
		c.Score = score
	}
	if meta, ok := f["metadata"].(map[string]any); ok && len(meta) > 0 {
		c.Metadata = meta
	}
	// Keep stream-only fields such as "id" and "relevance".
	for k, v := range f {
		if citationFields[k] {
			continue
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata[k] = v
	}
	if c.Title == "" {
		c.Title = c.Source
	}
	return c
}

func firstString(f map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := f[k].(string); ok {
			return s
		}
	}
	return ""
}

var errNotObject = errors.New("payload is not an object")

// decodeObject parses a structured object payload. An empty payload is an empty object.
func decodeObject(data string) (map[string]any, error) {
	if strings.TrimSpace(data) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

// decodeError turns an error payload into a human-readable message.
func decodeError(data string) string {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		switch x := v.(type) {
		case string:
			if x != "" {
				return x
			}
		case map[string]any:
			for _, k := range []string{"error", "detail", "message"} {
				if s, ok := x[k].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	if msg := strings.TrimSpace(data); msg != "" {
		return msg
	}
	return "stream error"
}
