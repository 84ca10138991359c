// Package fieldvalue translates field-value operator tuples found in write
// payloads into their wire form and into local estimates.
//
// An operator is a two-element array whose first element is an opcode string
// prefixed with "::", e.g. ["::increment", 3]. Opcodes the codec does not
// recognize pass through untouched.
package fieldvalue

import (
	"encoding/json"
	"strings"

	"mirage/pkg/model"
)

// Kind names a recognized field-value operator.
type Kind string

const (
	KindIncrement       Kind = "::increment"
	KindArrayUnion      Kind = "::arrayUnion"
	KindArrayRemove     Kind = "::arrayRemove"
	KindServerTimestamp Kind = "::serverTimestamp"
	KindDelete          Kind = "::delete"
)

// Transform is the wire-side sentinel a recognized operator becomes. The
// remote client serializes it into the backend's native transform.
type Transform struct {
	Kind    Kind
	Operand interface{}
}

// MarshalJSON emits the operator tuple form the backend expects.
func (t Transform) MarshalJSON() ([]byte, error) {
	if t.Kind == KindServerTimestamp || t.Kind == KindDelete {
		return json.Marshal([]interface{}{string(t.Kind)})
	}
	return json.Marshal([]interface{}{string(t.Kind), t.Operand})
}

// Increment builds an operator tuple that atomically adds n to a numeric field.
func Increment(n float64) []interface{} {
	return []interface{}{string(KindIncrement), n}
}

// ArrayUnion builds an operator tuple that appends v to an array field.
func ArrayUnion(v interface{}) []interface{} {
	return []interface{}{string(KindArrayUnion), v}
}

// ArrayRemove builds an operator tuple that removes v from an array field.
func ArrayRemove(v interface{}) []interface{} {
	return []interface{}{string(KindArrayRemove), v}
}

// ServerTimestamp builds an operator tuple resolved to the commit time
// on the server.
func ServerTimestamp() []interface{} {
	return []interface{}{string(KindServerTimestamp)}
}

// Delete builds an operator tuple that removes the field from the document.
func Delete() []interface{} {
	return []interface{}{string(KindDelete)}
}

// asOperator unpacks v if it is an operator tuple with a known opcode.
func asOperator(v interface{}) (Kind, interface{}, bool) {
	tuple, ok := v.([]interface{})
	if !ok || len(tuple) == 0 || len(tuple) > 2 {
		return "", nil, false
	}
	opcode, ok := tuple[0].(string)
	if !ok || !strings.HasPrefix(opcode, "::") {
		return "", nil, false
	}
	switch Kind(opcode) {
	case KindIncrement, KindArrayUnion, KindArrayRemove, KindServerTimestamp, KindDelete:
	default:
		return "", nil, false
	}
	var operand interface{}
	if len(tuple) == 2 {
		operand = tuple[1]
	}
	return Kind(opcode), operand, true
}

// ToWire rewrites operator tuples in fields into Transform sentinels and
// reports whether the write must go out as a field update rather than a
// whole-document set. Dotted keys and "::delete" force a field update
// because a set would clobber the rest of the document.
func ToWire(fields model.Document) (model.Document, bool) {
	out, requiresUpdate := wireValueMap(map[string]interface{}(fields))
	for key := range fields {
		if strings.Contains(key, ".") {
			requiresUpdate = true
		}
	}
	return model.Document(out), requiresUpdate
}

func wireValueMap(m map[string]interface{}) (map[string]interface{}, bool) {
	out := make(map[string]interface{}, len(m))
	requiresUpdate := false
	for key, v := range m {
		converted, fieldUpdate := wireValue(v)
		requiresUpdate = requiresUpdate || fieldUpdate
		out[key] = converted
	}
	return out, requiresUpdate
}

func wireValue(v interface{}) (interface{}, bool) {
	if kind, operand, ok := asOperator(v); ok {
		return Transform{Kind: kind, Operand: operand}, kind == KindDelete
	}
	switch val := v.(type) {
	case map[string]interface{}:
		return wireValueMap(val)
	case model.Document:
		out, requires := wireValueMap(map[string]interface{}(val))
		return model.Document(out), requires
	case []interface{}:
		requiresUpdate := false
		out := make([]interface{}, len(val))
		for i, item := range val {
			if nested, ok := item.(map[string]interface{}); ok {
				converted, requires := wireValueMap(nested)
				requiresUpdate = requiresUpdate || requires
				out[i] = converted
				continue
			}
			out[i] = item
		}
		return out, requiresUpdate
	default:
		return v, false
	}
}

// Lookup resolves the current value of a dot-separated field path on the
// target document, or nil when absent.
type Lookup func(fieldPath string) interface{}

// ToEstimate resolves operator tuples into the value the server is expected
// to produce, using lookup to read the document's current state. Dotted keys
// are expanded into nested objects so the estimate merges like a field
// update would. "::delete" drops the field from the estimate entirely.
func ToEstimate(fields model.Document, lookup Lookup) model.Document {
	if lookup == nil {
		lookup = func(string) interface{} { return nil }
	}
	out := make(model.Document, len(fields))
	for key, v := range fields {
		resolved, keep := estimateValue(key, v, lookup)
		if !keep {
			continue
		}
		if strings.Contains(key, ".") {
			setPath(out, key, resolved)
			continue
		}
		out[key] = resolved
	}
	return out
}

func estimateValue(path string, v interface{}, lookup Lookup) (interface{}, bool) {
	if kind, operand, ok := asOperator(v); ok {
		return applyOperator(kind, operand, lookup(path))
	}
	switch val := v.(type) {
	case map[string]interface{}:
		return estimateMap(path, val, lookup), true
	case model.Document:
		return model.Document(estimateMap(path, map[string]interface{}(val), lookup)), true
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			if nested, ok := item.(map[string]interface{}); ok {
				out[i] = estimateMap(path, nested, lookup)
				continue
			}
			out[i] = item
		}
		return out, true
	default:
		return v, true
	}
}

func estimateMap(path string, m map[string]interface{}, lookup Lookup) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for key, v := range m {
		resolved, keep := estimateValue(path+"."+key, v, lookup)
		if !keep {
			continue
		}
		out[key] = resolved
	}
	return out
}

func applyOperator(kind Kind, operand, current interface{}) (interface{}, bool) {
	switch kind {
	case KindIncrement:
		base, _ := model.NumericValue(current)
		delta, _ := model.NumericValue(operand)
		return base + delta, true
	case KindArrayUnion:
		// Appends without deduplicating, matching the optimistic estimate
		// the server later corrects.
		existing, _ := current.([]interface{})
		return append(append([]interface{}{}, existing...), operand), true
	case KindArrayRemove:
		existing, _ := current.([]interface{})
		out := make([]interface{}, 0, len(existing))
		for _, item := range existing {
			if !model.Equal(item, operand) {
				out = append(out, item)
			}
		}
		return out, true
	case KindServerTimestamp:
		return model.Now(), true
	case KindDelete:
		return nil, false
	default:
		return operand, true
	}
}

// setPath writes value at a dot-separated path, creating intermediate
// objects as needed.
func setPath(doc model.Document, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cursor := map[string]interface{}(doc)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cursor[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cursor[part] = next
		}
		cursor = next
	}
	cursor[parts[len(parts)-1]] = value
}
