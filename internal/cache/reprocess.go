package cache

import (
	"sort"
	"strings"

	"mirage/pkg/model"
)

// Process replays a query against the store's effective documents:
// collect ids, filter, order, apply cursors, apply the limit. It returns
// the ordered references and the matching documents keyed by id.
func Process(q model.Query, s *Store) ([]model.DocRef, map[string]model.Document) {
	path := q.CollectionPath()

	if q.IsDoc() {
		id := q.DocID()
		doc, ok := s.Effective(path, id)
		if !ok || !matchesAll(doc, q.Where) {
			return nil, map[string]model.Document{}
		}
		return []model.DocRef{{Path: path, ID: id}},
			map[string]model.Document{id: doc}
	}

	var matched []model.Document
	for _, id := range s.CollectionIDs(path) {
		doc, ok := s.Effective(path, id)
		if !ok {
			continue
		}
		if !matchesAll(doc, q.Where) {
			continue
		}
		matched = append(matched, doc)
	}

	sortDocs(matched, q.OrderBy)
	matched = paginate(matched, q)

	ordered := make([]model.DocRef, 0, len(matched))
	docs := make(map[string]model.Document, len(matched))
	for _, doc := range matched {
		id := doc.GetID()
		ordered = append(ordered, model.DocRef{Path: path, ID: id})
		docs[id] = doc
	}
	return ordered, docs
}

// viaFor decides what a replayed query's provenance becomes: optimistic
// when the collection carries speculative overrides, memory otherwise.
func viaFor(path string, s *Store) model.Provenance {
	if s.HasOverrides(path) {
		return model.ViaOptimistic
	}
	return model.ViaMemory
}

// shouldSkip reports whether a query can keep its last confirmed results
// untouched: it was answered by the server or its cache and no override
// exists for its collection.
func shouldSkip(via model.Provenance, path string, s *Store) bool {
	if via != model.ViaCache && via != model.ViaServer {
		return false
	}
	return !s.HasOverrides(path)
}

func matchesAll(doc model.Document, filters []model.Filter) bool {
	for _, f := range filters {
		if !matchesFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchesFilter(doc model.Document, f model.Filter) bool {
	v, _ := doc.Field(f.Field)
	switch f.Op {
	case model.OpAny:
		return true
	case model.OpEq:
		return model.Equal(v, f.Value)
	case model.OpNe:
		return !model.Equal(v, f.Value)
	case model.OpLt, model.OpLte, model.OpGt, model.OpGte:
		c, ok := model.Compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case model.OpLt:
			return c < 0
		case model.OpLte:
			return c <= 0
		case model.OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case model.OpArrayContains:
		return model.Contains(v, f.Value)
	case model.OpIn:
		return model.Contains(f.Value, v)
	case model.OpNotIn:
		return !model.Contains(f.Value, v)
	case model.OpArrayContainsAny:
		wanted, ok := f.Value.([]interface{})
		if !ok {
			return false
		}
		for _, w := range wanted {
			if model.Contains(v, w) {
				return true
			}
		}
		return false
	default:
		// Unrecognized operators match everything rather than silently
		// dropping documents.
		return true
	}
}

// compareSort orders two field values for orderBy purposes. Strings sort
// case-insensitively; values with no defined ordering compare equal so the
// stable sort keeps their relative position.
func compareSort(a, b interface{}) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(strings.ToLower(as), strings.ToLower(bs))
		}
	}
	if c, ok := model.Compare(a, b); ok {
		return c
	}
	return 0
}

func sortDocs(docs []model.Document, orderBy []model.Order) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, ord := range orderBy {
			av, _ := docs[i].Field(ord.Field)
			bv, _ := docs[j].Field(ord.Field)
			c := compareSort(av, bv)
			if ord.Descending() {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// paginate applies the query's cursors and limit to the already-ordered
// documents. With an end cursor and no start cursor the limit keeps the
// tail of the range instead of the head.
func paginate(docs []model.Document, q model.Query) []model.Document {
	start := q.StartAt
	startInclusive := true
	if len(start) == 0 && len(q.StartAfter) > 0 {
		start = q.StartAfter
		startInclusive = false
	}
	end := q.EndAt
	endInclusive := true
	if len(end) == 0 && len(q.EndBefore) > 0 {
		end = q.EndBefore
		endInclusive = false
	}

	out := docs
	if len(start) > 0 || len(end) > 0 {
		out = out[:0:0]
		started := len(start) == 0
		for _, doc := range docs {
			if !started {
				if !cursorSatisfied(doc, q.OrderBy, start, startInclusive) {
					continue
				}
				started = true
			}
			if len(end) > 0 && cursorPassedEnd(doc, q.OrderBy, end, endInclusive) {
				break
			}
			out = append(out, doc)
		}
	}

	if q.Limit > 0 && len(out) > q.Limit {
		if len(end) > 0 && len(start) == 0 {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out
}

// cursorSatisfied reports whether the document is at or past the start
// cursor. A document qualifies as soon as any orderBy field reaches its
// cursor value.
func cursorSatisfied(doc model.Document, orderBy []model.Order, cursor []interface{}, inclusive bool) bool {
	for i, ord := range orderBy {
		if i >= len(cursor) {
			break
		}
		v, _ := doc.Field(ord.Field)
		c := compareSort(v, cursor[i])
		if ord.Descending() {
			c = -c
		}
		if inclusive && c >= 0 {
			return true
		}
		if !inclusive && c > 0 {
			return true
		}
	}
	return false
}

// cursorPassedEnd reports whether the document falls beyond the end cursor.
func cursorPassedEnd(doc model.Document, orderBy []model.Order, cursor []interface{}, inclusive bool) bool {
	for i, ord := range orderBy {
		if i >= len(cursor) {
			break
		}
		v, _ := doc.Field(ord.Field)
		c := compareSort(v, cursor[i])
		if ord.Descending() {
			c = -c
		}
		if inclusive && c > 0 {
			return true
		}
		if !inclusive && c >= 0 {
			return true
		}
	}
	return false
}
