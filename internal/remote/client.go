// Package remote defines the surface the engine needs from a document
// database backend. Implementations adapt a concrete transport, e.g. the
// websocket client in the ws subpackage.
package remote

import (
	"context"

	"mirage/pkg/model"
)

// Snapshot is one document as read from the backend.
type Snapshot struct {
	Path   string
	ID     string
	Data   model.Document
	Exists bool
}

// Document attaches path and id to the snapshot's data.
func (s Snapshot) Document() model.Document {
	doc := s.Data.Clone()
	if doc == nil {
		doc = model.Document{}
	}
	doc.SetPath(s.Path)
	doc.SetID(s.ID)
	return doc
}

// ChangeKind labels a per-document delta inside a listener update.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// DocChange is one document's movement within a listened result set.
type DocChange struct {
	Kind     ChangeKind
	Doc      Snapshot
	OldIndex int
	NewIndex int
}

// QuerySnapshot is a full result set plus the deltas that produced it.
// FromCache marks results the backend answered from its own local cache.
type QuerySnapshot struct {
	Docs      []Snapshot
	Changes   []DocChange
	FromCache bool
}

// Write is one wire-ready document write. Fields may contain fieldvalue
// Transform sentinels. FieldUpdate selects a merge of the named fields over
// a whole-document set.
type Write struct {
	Path        string
	ID          string
	Fields      model.Document
	FieldUpdate bool
}

// BatchWriter accumulates writes for a single atomic commit. Backends cap
// batch size; the planner chunks above the cap.
type BatchWriter interface {
	Set(w Write)
	Delete(path, id string)
	Commit(ctx context.Context) error
}

// Transaction is the handle passed to a transaction body. Reads must
// precede writes.
type Transaction interface {
	Get(ctx context.Context, path, id string) (Snapshot, error)
	Set(w Write)
	Delete(path, id string)
}

// Listener receives pushed updates for a subscribed query.
type Listener func(QuerySnapshot)

// Client is the backend surface. All blocking calls honor ctx.
type Client interface {
	Get(ctx context.Context, path, id string) (Snapshot, error)
	GetQuery(ctx context.Context, q model.Query) (QuerySnapshot, error)
	Set(ctx context.Context, w Write) error
	Delete(ctx context.Context, path, id string) error
	Batch() BatchWriter
	RunTransaction(ctx context.Context, body func(tx Transaction) error) error

	// Listen subscribes to a query and pushes updates until the returned
	// stop function is called.
	Listen(ctx context.Context, q model.Query, fn Listener) (stop func(), err error)
}
