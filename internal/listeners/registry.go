// Package listeners tracks active query subscriptions, attaching one remote
// listener per distinct query and fanning its updates into the cache and
// the action stream.
package listeners

import (
	"context"
	"log/slog"
	"sync"

	"mirage/internal/cache"
	"mirage/internal/dispatch"
	"mirage/internal/query"
	"mirage/internal/remote"
	"mirage/pkg/model"
)

// Options tune registry behavior.
type Options struct {
	// AllowMultiple attaches a fresh remote listener on every subscribe
	// instead of reference-counting one per query.
	AllowMultiple bool

	// PreserveCache keeps a query's confirmed documents after its last
	// subscriber detaches.
	PreserveCache bool
}

type entry struct {
	query model.Query
	refs  int
	stops []func()
}

// Registry is the subscription bookkeeper.
type Registry struct {
	mu     sync.Mutex
	client remote.Client
	cache  *cache.Cache
	disp   dispatch.Dispatcher
	opts   Options
	log    *slog.Logger

	active map[string]*entry
}

func NewRegistry(client remote.Client, c *cache.Cache, disp dispatch.Dispatcher, opts Options, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		client: client,
		cache:  c,
		disp:   disp,
		opts:   opts,
		log:    log,
		active: map[string]*entry{},
	}
}

// Subscribe attaches a listener for the query. For an already-listened
// query it bumps the reference count unless multiple listeners are allowed.
func (r *Registry) Subscribe(ctx context.Context, q model.Query) error {
	name := query.Name(q)

	// The entry is reserved before Listen runs so a concurrent first
	// subscribe refcounts instead of attaching a second remote listener.
	r.mu.Lock()
	e, exists := r.active[name]
	if exists && !r.opts.AllowMultiple {
		e.refs++
		r.mu.Unlock()
		return nil
	}
	if !exists {
		e = &entry{query: q}
		r.active[name] = e
	}
	e.refs++
	r.mu.Unlock()

	stop, err := r.client.Listen(ctx, q, func(update remote.QuerySnapshot) {
		r.handleUpdate(q, update)
	})

	r.mu.Lock()
	if err != nil {
		e.refs--
		if e.refs <= 0 {
			delete(r.active, name)
		}
		r.mu.Unlock()
		r.disp.Dispatch(dispatch.Action{
			Type:    dispatch.ActionListenerError,
			Meta:    queryMeta(q),
			Payload: err.Error(),
		})
		return err
	}
	e.stops = append(e.stops, stop)
	r.mu.Unlock()

	r.disp.Dispatch(dispatch.Action{Type: dispatch.ActionSetListener, Meta: queryMeta(q)})
	return nil
}

// Unsubscribe drops one reference; the last reference detaches the remote
// listener and unsets the query in the cache.
func (r *Registry) Unsubscribe(q model.Query) {
	name := query.Name(q)

	r.mu.Lock()
	e, ok := r.active[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if r.opts.AllowMultiple && len(e.stops) > 0 {
		stop := e.stops[len(e.stops)-1]
		e.stops = e.stops[:len(e.stops)-1]
		defer stop()
	}
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	stops := e.stops
	delete(r.active, name)
	r.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	r.cache.Apply(cache.ListenerUnset{Query: q, PreserveCache: r.opts.PreserveCache})
	r.disp.Dispatch(dispatch.Action{Type: dispatch.ActionUnsetListener, Meta: queryMeta(q)})
}

// Count reports active reference counts for a query, for diagnostics.
func (r *Registry) Count(q model.Query) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[query.Name(q)]
	if !ok {
		return 0
	}
	return e.refs
}

// StopAll detaches every listener without unsetting cached data.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.active))
	for name, e := range r.active {
		entries = append(entries, e)
		delete(r.active, name)
	}
	r.mu.Unlock()
	for _, e := range entries {
		for _, stop := range e.stops {
			stop()
		}
	}
}

func (r *Registry) handleUpdate(q model.Query, update remote.QuerySnapshot) {
	if len(update.Changes) == 0 {
		r.applySnapshot(q, update)
		return
	}
	path := q.CollectionPath()
	for i, change := range update.Changes {
		last := i == len(update.Changes)-1
		switch {
		case change.Kind == remote.ChangeRemoved && !change.Doc.Exists:
			r.cache.Apply(cache.DocDeleted{Query: q, Path: path, ID: change.Doc.ID})
			r.disp.Dispatch(dispatch.Action{
				Type: dispatch.ActionDocumentRemoved,
				Meta: queryMeta(q),
				Payload: map[string]interface{}{
					"path": path, "id": change.Doc.ID,
				},
			})
		case change.Kind == remote.ChangeRemoved:
			r.cache.Apply(cache.DocRemoved{
				Query: q, Path: path, ID: change.Doc.ID,
				Doc:      change.Doc.Document(),
				OldIndex: change.OldIndex, NewIndex: change.NewIndex,
			})
			r.disp.Dispatch(dispatch.Action{
				Type: dispatch.ActionDocumentRemoved,
				Meta: queryMeta(q),
				Payload: map[string]interface{}{
					"path": path, "id": change.Doc.ID,
				},
			})
		default:
			r.cache.Apply(cache.DocChanged{
				Query: q, Path: path, ID: change.Doc.ID,
				Doc:      change.Doc.Document(),
				OldIndex: change.OldIndex, NewIndex: change.NewIndex,
				Reprocess: last,
			})
			actionType := dispatch.ActionDocumentModified
			if change.Kind == remote.ChangeAdded {
				actionType = dispatch.ActionDocumentAdded
			}
			r.disp.Dispatch(dispatch.Action{
				Type:    actionType,
				Meta:    queryMeta(q),
				Payload: change.Doc.Document(),
			})
		}
	}
}

func (r *Registry) applySnapshot(q model.Query, update remote.QuerySnapshot) {
	path := q.CollectionPath()
	docs := make(map[string]model.Document, len(update.Docs))
	ordered := make([]model.DocRef, 0, len(update.Docs))
	for _, snap := range update.Docs {
		docs[snap.ID] = snap.Document()
		ordered = append(ordered, model.DocRef{Path: path, ID: snap.ID})
	}
	r.cache.Apply(cache.QuerySnapshot{
		Query:     q,
		Docs:      docs,
		Ordered:   ordered,
		FromCache: update.FromCache,
	})
	r.disp.Dispatch(dispatch.Action{
		Type: dispatch.ActionListenerResponse,
		Meta: queryMeta(q),
		Payload: map[string]interface{}{
			"size":      len(update.Docs),
			"fromCache": update.FromCache,
		},
	})
}

func queryMeta(q model.Query) map[string]interface{} {
	return map[string]interface{}{
		"query":      query.Name(q),
		"collection": q.CollectionPath(),
	}
}
