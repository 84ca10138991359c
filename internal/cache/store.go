package cache

import (
	"reflect"
	"sort"

	"mirage/pkg/model"
)

// originTableLimit bounds the provenance side table; past it the table is
// reset rather than letting stale map identities pile up.
const originTableLimit = 4096

// Store holds the two document maps the cache is built on: confirmed data
// from the server and speculative overrides from in-flight mutations. Both
// are keyed collection path then document id. Store is not goroutine-safe;
// Cache serializes access.
type Store struct {
	database  map[string]map[string]model.Document
	overrides map[string]map[string]model.Document
	origins   map[uintptr]model.Provenance
}

func NewStore() *Store {
	return &Store{
		database:  map[string]map[string]model.Document{},
		overrides: map[string]map[string]model.Document{},
		origins:   map[uintptr]model.Provenance{},
	}
}

// Confirmed returns the server-confirmed document, untouched by overrides.
func (s *Store) Confirmed(path, id string) (model.Document, bool) {
	doc, ok := s.database[path][id]
	return doc, ok
}

// SetConfirmed replaces the confirmed document at path/id.
func (s *Store) SetConfirmed(path, id string, doc model.Document) {
	coll, ok := s.database[path]
	if !ok {
		coll = map[string]model.Document{}
		s.database[path] = coll
	}
	coll[id] = doc
}

// MergeConfirmed shallow-merges partial fields into the confirmed document,
// creating it when absent.
func (s *Store) MergeConfirmed(path, id string, partial model.Document) {
	current, ok := s.Confirmed(path, id)
	if !ok {
		s.SetConfirmed(path, id, partial.Clone())
		return
	}
	s.SetConfirmed(path, id, current.Merge(partial))
}

func (s *Store) DeleteConfirmed(path, id string) {
	if coll, ok := s.database[path]; ok {
		delete(coll, id)
		if len(coll) == 0 {
			delete(s.database, path)
		}
	}
}

// ApplyOverride shallow-merges fields into the document's speculative
// override, creating it when absent.
func (s *Store) ApplyOverride(path, id string, fields model.Document) {
	coll, ok := s.overrides[path]
	if !ok {
		coll = map[string]model.Document{}
		s.overrides[path] = coll
	}
	if existing, ok := coll[id]; ok {
		coll[id] = existing.Merge(fields)
		return
	}
	coll[id] = fields.Clone()
}

func (s *Store) ClearOverride(path, id string) {
	if coll, ok := s.overrides[path]; ok {
		delete(coll, id)
		if len(coll) == 0 {
			delete(s.overrides, path)
		}
	}
}

// ClearOverrideFields drops only the named fields from the override,
// removing the override entirely once it is empty.
func (s *Store) ClearOverrideFields(path, id string, fields []string) {
	coll, ok := s.overrides[path]
	if !ok {
		return
	}
	override, ok := coll[id]
	if !ok {
		return
	}
	for _, field := range fields {
		delete(override, field)
	}
	if override.IsEmpty() {
		s.ClearOverride(path, id)
	}
}

// ReconcileOverride removes override fields the confirmed document now
// agrees with. Fields the server has not caught up to yet stay speculative.
func (s *Store) ReconcileOverride(path, id string, confirmed model.Document) {
	coll, ok := s.overrides[path]
	if !ok {
		return
	}
	override, ok := coll[id]
	if !ok {
		return
	}
	for field, value := range override {
		got, present := confirmed.Field(field)
		if present && model.Equal(got, value) {
			delete(override, field)
		}
	}
	if override.IsEmpty() {
		s.ClearOverride(path, id)
	}
}

func (s *Store) Override(path, id string) (model.Document, bool) {
	doc, ok := s.overrides[path][id]
	return doc, ok
}

// HasOverrides reports whether any speculative override exists for the
// collection. Queries over collections without overrides can skip
// reprocessing.
func (s *Store) HasOverrides(path string) bool {
	return len(s.overrides[path]) > 0
}

// CollectionIDs returns the union of confirmed and overridden document ids
// for the collection, sorted for deterministic replay.
func (s *Store) CollectionIDs(path string) []string {
	seen := map[string]struct{}{}
	for id := range s.database[path] {
		seen[id] = struct{}{}
	}
	for id := range s.overrides[path] {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Effective builds the document as the application should see it: the
// override shallow-merged over the confirmed document. The result's origin
// is recorded for LookupOrigin.
func (s *Store) Effective(path, id string) (model.Document, bool) {
	confirmed, hasConfirmed := s.Confirmed(path, id)
	override, hasOverride := s.Override(path, id)
	switch {
	case !hasConfirmed && !hasOverride:
		return nil, false
	case !hasOverride:
		s.recordOrigin(confirmed, model.ViaServer)
		return confirmed, true
	case !hasConfirmed:
		doc := override.Clone()
		doc.SetPath(path)
		doc.SetID(id)
		s.recordOrigin(doc, model.ViaOptimistic)
		return doc, true
	default:
		doc := confirmed.Merge(override)
		doc.SetPath(path)
		doc.SetID(id)
		s.recordOrigin(doc, model.ViaOptimistic)
		return doc, true
	}
}

func (s *Store) recordOrigin(doc model.Document, via model.Provenance) {
	if len(s.origins) >= originTableLimit {
		s.origins = map[uintptr]model.Provenance{}
	}
	s.origins[reflect.ValueOf(doc).Pointer()] = via
}

// LookupOrigin reports where a document handed out by Effective came from.
// Unknown documents default to the server.
func (s *Store) LookupOrigin(doc model.Document) model.Provenance {
	if doc == nil {
		return model.ViaServer
	}
	if via, ok := s.origins[reflect.ValueOf(doc).Pointer()]; ok {
		return via
	}
	return model.ViaServer
}
