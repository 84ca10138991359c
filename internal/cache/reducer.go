// Package cache maintains the client-side picture of the remote database:
// confirmed documents, speculative overrides from in-flight mutations, and
// per-query ordered results replayed over both.
package cache

import (
	"log/slog"
	"sync"

	"mirage/internal/fieldvalue"
	"mirage/internal/query"
	"mirage/pkg/model"
)

// QueryEntry tracks one query's last known result set and where it came
// from.
type QueryEntry struct {
	Query      model.Query
	Ordered    []model.DocRef
	HasOrdered bool
	Via        model.Provenance
}

// Cache is the reducer: events go in through Apply, reads come out through
// Effective, Ordered and Origin. All access is serialized by one mutex.
type Cache struct {
	mu      sync.RWMutex
	store   *Store
	entries map[string]*QueryEntry
	log     *slog.Logger
}

func New(log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		store:   NewStore(),
		entries: map[string]*QueryEntry{},
		log:     log,
	}
}

// Apply runs one event through the reducer.
func (c *Cache) Apply(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := ev.(type) {
	case QuerySnapshot:
		c.applySnapshot(ev)
	case DocChanged:
		c.applyDocChanged(ev)
	case DocDeleted:
		c.applyDocDeleted(ev)
	case DocRemoved:
		c.applyDocRemoved(ev)
	case ListenerUnset:
		c.applyListenerUnset(ev)
	case MutationStarted:
		c.applyMutationStarted(ev)
	case MutationFailed:
		c.applyMutationFailed(ev)
	case OverrideApplied:
		c.store.ApplyOverride(ev.Path, ev.ID, ev.Fields)
		c.reprocessCollection(ev.Path)
	case OverrideCleared:
		if len(ev.Fields) > 0 {
			c.store.ClearOverrideFields(ev.Path, ev.ID, ev.Fields)
		} else {
			c.store.ClearOverride(ev.Path, ev.ID)
		}
		c.reprocessCollection(ev.Path)
	}
}

func (c *Cache) applySnapshot(ev QuerySnapshot) {
	path := ev.Query.CollectionPath()
	for id, doc := range ev.Docs {
		confirmed := doc.Clone()
		confirmed.SetPath(path)
		confirmed.SetID(id)
		c.store.SetConfirmed(path, id, confirmed)
		c.store.ReconcileOverride(path, id, confirmed)
	}

	entry := c.ensureEntry(ev.Query)
	entry.Ordered = append([]model.DocRef(nil), ev.Ordered...)
	entry.HasOrdered = true
	if ev.FromCache {
		entry.Via = model.ViaCache
	} else {
		entry.Via = model.ViaServer
	}

	c.reprocessCollection(path)
}

func (c *Cache) applyDocChanged(ev DocChanged) {
	confirmed := ev.Doc.Clone()
	confirmed.SetPath(ev.Path)
	confirmed.SetID(ev.ID)
	c.store.SetConfirmed(ev.Path, ev.ID, confirmed)
	c.store.ReconcileOverride(ev.Path, ev.ID, confirmed)

	entry := c.ensureEntry(ev.Query)
	entry.Ordered = adjustOrdered(entry.Ordered, model.DocRef{Path: ev.Path, ID: ev.ID}, ev.NewIndex)
	entry.HasOrdered = true
	entry.Via = model.ViaServer

	if ev.Reprocess {
		c.reprocessCollection(ev.Path)
	}
}

func (c *Cache) applyDocDeleted(ev DocDeleted) {
	c.store.DeleteConfirmed(ev.Path, ev.ID)
	c.store.ClearOverride(ev.Path, ev.ID)

	entry := c.ensureEntry(ev.Query)
	entry.Ordered = removeRef(entry.Ordered, ev.ID)
	entry.HasOrdered = true

	c.reprocessCollection(ev.Path)
}

func (c *Cache) applyDocRemoved(ev DocRemoved) {
	// The document still exists; it only left this query's window. Any
	// speculative override on it is settled now.
	if ev.Doc != nil {
		c.store.ReconcileOverride(ev.Path, ev.ID, ev.Doc)
	} else {
		c.store.ClearOverride(ev.Path, ev.ID)
	}

	entry := c.ensureEntry(ev.Query)
	entry.Ordered = removeRef(entry.Ordered, ev.ID)
	entry.HasOrdered = true

	c.reprocessCollection(ev.Path)
}

func (c *Cache) applyListenerUnset(ev ListenerUnset) {
	name := query.Name(ev.Query)
	if _, ok := c.entries[name]; !ok {
		return
	}
	// Confirmed documents are shared across queries on the collection and
	// always survive; only the result entry goes.
	if !ev.PreserveCache {
		delete(c.entries, name)
	}
	c.reprocessCollection(ev.Query.CollectionPath())
}

// BeginMutation installs the mutation's optimistic preview and returns the
// concrete writes it produced, so a later failure can roll back exactly
// those overrides. A preview that cannot be computed installs nothing.
func (c *Cache) BeginMutation(m *model.Mutation) []model.Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginMutation(m)
}

func (c *Cache) applyMutationStarted(ev MutationStarted) {
	c.beginMutation(ev.Mutation)
}

func (c *Cache) beginMutation(m *model.Mutation) []model.Write {
	writes, ok := c.previewWrites(m)
	if !ok {
		return nil
	}
	touched := map[string]struct{}{}
	for _, w := range writes {
		lookup := c.effectiveLookup(w.Path, w.ID)
		estimate := fieldvalue.ToEstimate(w.Fields, lookup)
		c.store.ApplyOverride(w.Path, w.ID, estimate)
		touched[w.Path] = struct{}{}
	}
	for path := range touched {
		c.reprocessCollection(path)
	}
	return writes
}

func (c *Cache) applyMutationFailed(ev MutationFailed) {
	touched := map[string]struct{}{}
	for _, w := range ev.Writes {
		c.store.ClearOverride(w.Path, w.ID)
		touched[w.Path] = struct{}{}
	}
	for path := range touched {
		c.reprocessCollection(path)
	}
}

// previewWrites flattens a mutation into the concrete writes its optimistic
// preview should install. Transaction producers run against cache-resolved
// reads; if one errors the preview is abandoned and the planner surfaces
// the real failure.
func (c *Cache) previewWrites(m *model.Mutation) ([]model.Write, bool) {
	if m == nil {
		return nil, false
	}
	switch m.Kind() {
	case model.KindSingle:
		return []model.Write{*m.Write}, true
	case model.KindBatch:
		return append([]model.Write(nil), m.Batch...), true
	default:
		reads := model.ReadResults{}
		for key, spec := range m.Reads {
			switch {
			case spec.Doc != nil:
				doc, _ := c.store.Effective(spec.Doc.Path, spec.Doc.ID)
				reads[key] = doc
			case spec.Query != nil:
				ordered, docs := Process(*spec.Query, c.store)
				list := make([]model.Document, 0, len(ordered))
				for _, ref := range ordered {
					list = append(list, docs[ref.ID])
				}
				reads[key] = list
			default:
				value, frozen := spec.Provided()
				if !frozen {
					c.log.Warn("mutation preview saw an unfrozen provider read", "key", key)
					return nil, false
				}
				reads[key] = value
			}
		}
		var writes []model.Write
		for _, produce := range m.Writes {
			ws, err := produce(reads)
			if err != nil {
				c.log.Debug("mutation preview abandoned", "error", err)
				return nil, false
			}
			writes = append(writes, ws...)
		}
		return writes, true
	}
}

func (c *Cache) effectiveLookup(path, id string) fieldvalue.Lookup {
	doc, ok := c.store.Effective(path, id)
	if !ok {
		return nil
	}
	return func(fieldPath string) interface{} {
		v, _ := doc.Field(fieldPath)
		return v
	}
}

// reprocessCollection replays every tracked query over the collection,
// skipping queries whose confirmed results are still authoritative.
func (c *Cache) reprocessCollection(path string) {
	for _, entry := range c.entries {
		if entry.Query.CollectionPath() != path {
			continue
		}
		if shouldSkip(entry.Via, path, c.store) {
			continue
		}
		ordered, _ := Process(entry.Query, c.store)
		entry.Ordered = ordered
		entry.HasOrdered = true
		entry.Via = viaFor(path, c.store)
	}
}

func (c *Cache) ensureEntry(q model.Query) *QueryEntry {
	name := query.Name(q)
	entry, ok := c.entries[name]
	if !ok {
		entry = &QueryEntry{Query: q}
		c.entries[name] = entry
	}
	return entry
}

// adjustOrdered moves ref to newIndex, first dropping any prior occurrence.
// A negative newIndex only removes.
func adjustOrdered(refs []model.DocRef, ref model.DocRef, newIndex int) []model.DocRef {
	out := removeRef(refs, ref.ID)
	if newIndex < 0 {
		return out
	}
	if newIndex > len(out) {
		newIndex = len(out)
	}
	out = append(out, model.DocRef{})
	copy(out[newIndex+1:], out[newIndex:])
	out[newIndex] = ref
	return out
}

func removeRef(refs []model.DocRef, id string) []model.DocRef {
	out := refs[:0:0]
	for _, r := range refs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// Effective returns the document as the application should see it.
func (c *Cache) Effective(path, id string) (model.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Effective(path, id)
}

// Origin reports a document's provenance, for documents returned by
// Effective or Ordered.
func (c *Cache) Origin(doc model.Document) model.Provenance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.LookupOrigin(doc)
}

// Ordered resolves a tracked query's result set. The returned documents are
// nil, with ok true, when the query is tracked but has produced nothing yet
// from memory alone.
func (c *Cache) Ordered(q model.Query) ([]model.Document, model.Provenance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[query.Name(q)]
	if !ok || !entry.HasOrdered {
		return nil, model.ViaMemory, false
	}
	if entry.Via == model.ViaMemory && len(entry.Ordered) == 0 {
		return nil, model.ViaMemory, true
	}
	docs := make([]model.Document, 0, len(entry.Ordered))
	for _, ref := range entry.Ordered {
		doc, ok := c.store.Effective(ref.Path, ref.ID)
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, entry.Via, true
}

// Entry exposes a tracked query's bookkeeping, mainly for tests and
// diagnostics.
func (c *Cache) Entry(q model.Query) (QueryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[query.Name(q)]
	if !ok {
		return QueryEntry{}, false
	}
	snapshot := *entry
	snapshot.Ordered = append([]model.DocRef(nil), entry.Ordered...)
	return snapshot, true
}
