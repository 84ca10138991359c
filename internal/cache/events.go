package cache

import "mirage/pkg/model"

// Event is the closed set of transitions the cache reducer accepts. Every
// variant carries all the data its transition needs; Apply switches
// exhaustively over the set.
type Event interface {
	isCacheEvent()
}

// QuerySnapshot delivers a full result set for one query, either a listener
// response or a one-shot read. FromCache marks results served from the
// backend's own local cache rather than the server.
type QuerySnapshot struct {
	Query     model.Query
	Docs      map[string]model.Document
	Ordered   []model.DocRef
	FromCache bool
}

// DocChanged delivers one modified document inside an active listener's
// result set. Reprocess is set on the final change of a batch so ordered
// results are rebuilt once instead of per document.
type DocChanged struct {
	Query     model.Query
	Path      string
	ID        string
	Doc       model.Document
	OldIndex  int
	NewIndex  int
	Reprocess bool
}

// DocDeleted reports a document removed from the database: it leaves both
// the confirmed store and the query's ordered results.
type DocDeleted struct {
	Query model.Query
	Path  string
	ID    string
}

// DocRemoved reports a document that fell out of a query's result set but
// still exists, e.g. it stopped matching a filter. Confirmed data is kept;
// overrides reconcile against Doc, or clear entirely when Doc is nil.
type DocRemoved struct {
	Query    model.Query
	Path     string
	ID       string
	Doc      model.Document
	OldIndex int
	NewIndex int
}

// ListenerUnset tears down a query's result entry unless PreserveCache asks
// to keep it. Confirmed documents always stay; other queries over the same
// collection may still depend on them.
type ListenerUnset struct {
	Query         model.Query
	PreserveCache bool
}

// MutationStarted previews a mutation's writes as speculative overrides
// before the remote write settles.
type MutationStarted struct {
	Mutation *model.Mutation
}

// MutationFailed rolls back the overrides a failed or timed-out mutation
// installed.
type MutationFailed struct {
	Writes []model.Write
}

// OverrideApplied installs a single speculative override directly.
type OverrideApplied struct {
	Path   string
	ID     string
	Fields model.Document
}

// OverrideCleared removes a document's speculative override, or only the
// listed fields when Fields is non-empty.
type OverrideCleared struct {
	Path   string
	ID     string
	Fields []string
}

func (QuerySnapshot) isCacheEvent()   {}
func (DocChanged) isCacheEvent()      {}
func (DocDeleted) isCacheEvent()      {}
func (DocRemoved) isCacheEvent()      {}
func (ListenerUnset) isCacheEvent()   {}
func (MutationStarted) isCacheEvent() {}
func (MutationFailed) isCacheEvent()  {}
func (OverrideApplied) isCacheEvent() {}
func (OverrideCleared) isCacheEvent() {}
