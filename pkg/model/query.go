package model

import "strings"

// Provenance tags how much confidence a query result carries.
type Provenance string

const (
	// ViaServer marks results confirmed by the remote database.
	ViaServer Provenance = "server"
	// ViaCache marks results served from the remote client's offline cache.
	ViaCache Provenance = "cache"
	// ViaOptimistic marks results adjusted by a pending local override.
	ViaOptimistic Provenance = "optimistic"
	// ViaMemory marks results synthesized purely from local state, before
	// any remote response has arrived.
	ViaMemory Provenance = "memory"
)

// Query is the canonical descriptor of a document or result-set reference:
// a collection (or collection group), an optional document id, nested
// subcollection segments, and the filter/order/cursor/limit pipeline.
type Query struct {
	Collection      string   `json:"collection,omitempty" mapstructure:"collection"`
	Doc             string   `json:"doc,omitempty" mapstructure:"doc"`
	CollectionGroup string   `json:"collectionGroup,omitempty" mapstructure:"collectionGroup"`
	Subcollections  []Query  `json:"subcollections,omitempty" mapstructure:"subcollections"`
	StoreAs         string   `json:"storeAs,omitempty" mapstructure:"storeAs"`
	Where           []Filter `json:"where,omitempty" mapstructure:"where"`
	OrderBy         []Order  `json:"orderBy,omitempty" mapstructure:"orderBy"`
	Limit           int      `json:"limit,omitempty" mapstructure:"limit"`

	// Cursor values are matched positionally against the OrderBy fields.
	StartAt    []interface{} `json:"startAt,omitempty" mapstructure:"startAt"`
	StartAfter []interface{} `json:"startAfter,omitempty" mapstructure:"startAfter"`
	EndAt      []interface{} `json:"endAt,omitempty" mapstructure:"endAt"`
	EndBefore  []interface{} `json:"endBefore,omitempty" mapstructure:"endBefore"`
}

// IsDoc reports whether the descriptor addresses a single document rather
// than a result set.
func (q Query) IsDoc() bool {
	if len(q.Subcollections) > 0 {
		return q.Subcollections[len(q.Subcollections)-1].IsDoc()
	}
	return q.Doc != ""
}

// CollectionPath returns the full slash-delimited path of the parent
// collection the query's documents live in, walking through any
// subcollection segments.
func (q Query) CollectionPath() string {
	base := q.Collection
	if base == "" {
		base = q.CollectionGroup
	}
	segs := []string{base}
	cur := q
	for len(cur.Subcollections) > 0 {
		if cur.Doc != "" {
			segs = append(segs, cur.Doc)
		}
		cur = cur.Subcollections[0]
		if cur.Collection != "" {
			segs = append(segs, cur.Collection)
		}
	}
	return strings.Join(segs, "/")
}

// DocID returns the addressed document id for document references, walking
// into subcollections. Empty for collection-level queries.
func (q Query) DocID() string {
	cur := q
	for len(cur.Subcollections) > 0 {
		cur = cur.Subcollections[0]
	}
	return cur.Doc
}

// HasCursor reports whether any pagination cursor is set.
func (q Query) HasCursor() bool {
	return len(q.StartAt) > 0 || len(q.StartAfter) > 0 ||
		len(q.EndAt) > 0 || len(q.EndBefore) > 0
}
