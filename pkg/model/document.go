package model

import (
	"strings"

	"github.com/google/uuid"
)

// Document is a user facing document, represented as a JSON object.
//
//	"id" field is reserved for the document ID.
//	"path" field is reserved for the parent collection path.
type Document map[string]interface{}

// DocRef identifies a document by its parent collection path and id.
type DocRef struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

func (doc Document) GetID() string {
	if id, ok := doc["id"].(string); ok {
		return id
	}
	return ""
}

func (doc Document) SetID(id string) {
	doc["id"] = id
}

func (doc Document) GenerateIDIfEmpty() {
	if _, ok := doc["id"]; !ok {
		doc["id"] = uuid.New().String()
	}
}

func (doc Document) GetPath() string {
	if path, ok := doc["path"].(string); ok {
		return path
	}
	return ""
}

func (doc Document) SetPath(path string) {
	doc["path"] = path
}

func (doc Document) Ref() DocRef {
	return DocRef{Path: doc.GetPath(), ID: doc.GetID()}
}

func (doc Document) HasKey(key string) bool {
	_, exists := doc[key]
	return exists
}

// IsEmpty reports whether the document carries no fields beyond its identity.
func (doc Document) IsEmpty() bool {
	for key := range doc {
		if key != "id" && key != "path" {
			return false
		}
	}
	return true
}

// Field resolves a possibly dot-delimited field path against the document.
// "__name__" resolves to the document id. A missing field yields (nil, false).
func (doc Document) Field(path string) (interface{}, bool) {
	if path == "__name__" {
		return doc.GetID(), true
	}
	if !strings.Contains(path, ".") {
		v, ok := doc[path]
		return v, ok
	}
	var cur interface{} = map[string]interface{}(doc)
	for _, seg := range strings.Split(path, ".") {
		var m map[string]interface{}
		switch val := cur.(type) {
		case map[string]interface{}:
			m = val
		case Document:
			m = val
		default:
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Merge returns doc with the partial document's top level fields laid over
// it. Untouched nested values are shared with the inputs, not copied.
func (doc Document) Merge(partial Document) Document {
	if len(partial) == 0 {
		return doc
	}
	out := make(Document, len(doc)+len(partial))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Clone deep-copies the document. Maps and slices are copied recursively,
// scalar values are shared.
func (doc Document) Clone() Document {
	if doc == nil {
		return nil
	}
	return Document(cloneMap(doc))
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return Document(cloneMap(val))
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
