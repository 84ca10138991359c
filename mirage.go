// Package mirage is an optimistic client-side cache for a remote document
// database. Reads and listened queries land in a local cache; mutations
// apply speculatively the moment they are submitted and are reconciled, or
// rolled back, when the backend answers.
package mirage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mirage/internal/cache"
	"mirage/internal/config"
	"mirage/internal/dispatch"
	"mirage/internal/listeners"
	"mirage/internal/logging"
	"mirage/internal/mutate"
	"mirage/internal/query"
	"mirage/internal/remote"
	"mirage/internal/remote/ws"
	"mirage/pkg/model"
)

// Action is one entry of the engine's outward action stream.
type Action = dispatch.Action

// ActionType identifies the kind of an Action.
type ActionType = dispatch.ActionType

// The published action types.
const (
	ActionSetListener       = dispatch.ActionSetListener
	ActionUnsetListener     = dispatch.ActionUnsetListener
	ActionListenerResponse  = dispatch.ActionListenerResponse
	ActionListenerError     = dispatch.ActionListenerError
	ActionGetRequest        = dispatch.ActionGetRequest
	ActionGetSuccess        = dispatch.ActionGetSuccess
	ActionGetFailure        = dispatch.ActionGetFailure
	ActionDocumentAdded     = dispatch.ActionDocumentAdded
	ActionDocumentModified  = dispatch.ActionDocumentModified
	ActionDocumentRemoved   = dispatch.ActionDocumentRemoved
	ActionDeleteSuccess     = dispatch.ActionDeleteSuccess
	ActionDeleteFailure     = dispatch.ActionDeleteFailure
	ActionMutateStart       = dispatch.ActionMutateStart
	ActionMutateSuccess     = dispatch.ActionMutateSuccess
	ActionMutateFailure     = dispatch.ActionMutateFailure
	ActionTransactionStart  = dispatch.ActionTransactionStart
	ActionTransactionResult = dispatch.ActionTransactionResult
)

// CollectionDeleteHandler runs when a delete targets a whole collection.
// Returning nil means the handler dealt with it; otherwise the error is
// surfaced to the caller.
type CollectionDeleteHandler func(ctx context.Context, q model.Query) error

// Option customizes an Instance.
type Option func(*Instance) error

// WithConfigFile loads engine configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(in *Instance) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		in.cfg = cfg
		return nil
	}
}

// WithLogger overrides the configured logger.
func WithLogger(log *slog.Logger) Option {
	return func(in *Instance) error {
		in.log = log
		return nil
	}
}

// WithMutationTimeout bounds how long a mutation may stay unsettled before
// its optimistic overrides roll back locally.
func WithMutationTimeout(d time.Duration) Option {
	return func(in *Instance) error {
		in.cfg.Mutation.Timeout = d
		return nil
	}
}

// WithAllowMultipleListeners attaches one remote listener per subscribe
// call instead of reference-counting duplicates.
func WithAllowMultipleListeners(allow bool) Option {
	return func(in *Instance) error {
		in.cfg.Listeners.AllowMultiple = allow
		return nil
	}
}

// WithPreserveCacheAfterUnset keeps confirmed documents after a query's
// last subscriber detaches.
func WithPreserveCacheAfterUnset(preserve bool) Option {
	return func(in *Instance) error {
		in.cfg.Listeners.PreserveCacheAfterUnset = preserve
		return nil
	}
}

// WithCollectionDeleteHandler installs a handler for deletes that target a
// whole collection instead of rejecting them.
func WithCollectionDeleteHandler(fn CollectionDeleteHandler) Option {
	return func(in *Instance) error {
		in.onCollectionDelete = fn
		return nil
	}
}

// Instance is one engine: a backend client, the cache, the listener
// registry, the mutation planner and the action stream.
type Instance struct {
	cfg    config.Config
	log    *slog.Logger
	client remote.Client

	cache    *cache.Cache
	hub      *dispatch.Hub
	disp     dispatch.Dispatcher
	registry *listeners.Registry
	planner  *mutate.Planner
	mirror   *dispatch.Mirror

	onCollectionDelete CollectionDeleteHandler
	ownsClient         bool
}

// New builds an Instance over an already-connected backend client.
func New(client remote.Client, opts ...Option) (*Instance, error) {
	in := &Instance{
		cfg:    config.DefaultConfig(),
		client: client,
	}
	for _, opt := range opts {
		if err := opt(in); err != nil {
			return nil, err
		}
	}
	if in.log == nil {
		logger, err := logging.NewLogger(in.cfg.Logging)
		if err != nil {
			return nil, err
		}
		in.log = logger
	}

	in.cache = cache.New(in.log)
	in.hub = dispatch.NewHub()
	in.disp = in.hub
	if in.cfg.NATS.Enabled {
		mirror, err := dispatch.NewMirror(in.hub, in.cfg.NATS.URL, in.cfg.NATS.SubjectPrefix, in.log)
		if err != nil {
			return nil, err
		}
		in.mirror = mirror
		in.disp = mirror
	}
	in.registry = listeners.NewRegistry(in.client, in.cache, in.disp, listeners.Options{
		AllowMultiple: in.cfg.Listeners.AllowMultiple,
		PreserveCache: in.cfg.Listeners.PreserveCacheAfterUnset,
	}, in.log)
	in.planner = mutate.NewPlanner(in.client, in.cfg.Mutation.BatchChunkSize, in.log)
	return in, nil
}

// Dial connects to the backend named in the configuration over websocket
// and builds an Instance owning that connection.
func Dial(ctx context.Context, opts ...Option) (*Instance, error) {
	probe := &Instance{cfg: config.DefaultConfig()}
	for _, opt := range opts {
		if err := opt(probe); err != nil {
			return nil, err
		}
	}
	if probe.cfg.Remote.URL == "" {
		return nil, fmt.Errorf("mirage: remote.url not configured")
	}

	client, err := ws.Dial(ctx, probe.cfg.Remote.URL, probe.cfg.Remote.Token, probe.log)
	if err != nil {
		return nil, err
	}
	in, err := New(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	in.ownsClient = true
	return in, nil
}

// Close detaches listeners and shuts down the action stream. A connection
// opened by Dial is closed as well.
func (in *Instance) Close() error {
	in.registry.StopAll()
	if in.mirror != nil {
		in.mirror.Close()
	}
	in.hub.Close()
	if in.ownsClient {
		if closer, ok := in.client.(interface{ Close() error }); ok {
			return closer.Close()
		}
	}
	return nil
}

// Actions subscribes to the action stream. The channel closes when ctx is
// cancelled or the unsubscribe function runs.
func (in *Instance) Actions(ctx context.Context) (<-chan Action, func(), error) {
	return in.hub.Subscribe(ctx, 0)
}

// Get resolves the query descriptor against the backend once, caches the
// result and returns the effective documents.
func (in *Instance) Get(ctx context.Context, descriptor interface{}) ([]model.Document, error) {
	q, err := query.Normalize(descriptor)
	if err != nil {
		return nil, err
	}
	in.disp.Dispatch(Action{Type: ActionGetRequest, Meta: queryMeta(q)})

	snapshot, err := in.fetch(ctx, q)
	if err != nil {
		in.disp.Dispatch(Action{Type: ActionGetFailure, Meta: queryMeta(q), Payload: err.Error()})
		return nil, err
	}

	path := q.CollectionPath()
	docs := make(map[string]model.Document, len(snapshot.Docs))
	ordered := make([]model.DocRef, 0, len(snapshot.Docs))
	for _, snap := range snapshot.Docs {
		docs[snap.ID] = snap.Document()
		ordered = append(ordered, model.DocRef{Path: path, ID: snap.ID})
	}
	in.cache.Apply(cache.QuerySnapshot{
		Query:     q,
		Docs:      docs,
		Ordered:   ordered,
		FromCache: snapshot.FromCache,
	})
	in.disp.Dispatch(Action{Type: ActionGetSuccess, Meta: queryMeta(q), Payload: map[string]interface{}{
		"size": len(snapshot.Docs),
	}})

	result, _, _ := in.cache.Ordered(q)
	return result, nil
}

func (in *Instance) fetch(ctx context.Context, q model.Query) (remote.QuerySnapshot, error) {
	if !q.IsDoc() {
		return in.client.GetQuery(ctx, q)
	}
	snap, err := in.client.Get(ctx, q.CollectionPath(), q.DocID())
	if err != nil {
		return remote.QuerySnapshot{}, err
	}
	if !snap.Exists {
		return remote.QuerySnapshot{}, nil
	}
	return remote.QuerySnapshot{Docs: []remote.Snapshot{snap}}, nil
}

// Subscribe attaches a listener for the query descriptor. Updates flow into
// the cache and the action stream until Unsubscribe.
func (in *Instance) Subscribe(ctx context.Context, descriptor interface{}) (model.Query, error) {
	q, err := query.Normalize(descriptor)
	if err != nil {
		return model.Query{}, err
	}
	return q, in.registry.Subscribe(ctx, q)
}

// Unsubscribe drops one reference to the query's listener.
func (in *Instance) Unsubscribe(descriptor interface{}) error {
	q, err := query.Normalize(descriptor)
	if err != nil {
		return err
	}
	in.registry.Unsubscribe(q)
	return nil
}

// Mutate submits a mutation descriptor: the optimistic preview applies
// immediately, then the planner executes the writes remotely. A failure or
// timeout rolls the preview back; the remote write is never cancelled by
// the local timeout. Success does not clear the preview: the override stays
// until a listener snapshot delivers the confirmed document and reconciles
// it field by field, so reads stay optimistic in the interim.
func (in *Instance) Mutate(ctx context.Context, m *model.Mutation) error {
	if err := m.Freeze(); err != nil {
		return err
	}

	previewed := in.cache.BeginMutation(m)
	in.disp.Dispatch(Action{Type: ActionMutateStart, Payload: map[string]interface{}{
		"writes": len(previewed),
	}})
	if m.Kind() == model.KindTransaction {
		in.disp.Dispatch(Action{Type: ActionTransactionStart})
	}

	result := make(chan error, 1)
	go func() {
		result <- in.planner.Run(ctx, m)
	}()

	timer := time.NewTimer(in.cfg.Mutation.Timeout)
	defer timer.Stop()

	rollback := func(cause error) {
		in.cache.Apply(cache.MutationFailed{Writes: previewed})
		in.disp.Dispatch(Action{Type: ActionMutateFailure, Payload: cause.Error()})
	}

	select {
	case err := <-result:
		if m.Kind() == model.KindTransaction {
			in.disp.Dispatch(Action{Type: ActionTransactionResult, Payload: err == nil})
		}
		if err != nil {
			rollback(err)
			return err
		}
		in.disp.Dispatch(Action{Type: ActionMutateSuccess})
		return nil
	case <-timer.C:
		rollback(model.ErrTimeout)
		return model.ErrTimeout
	case <-ctx.Done():
		rollback(ctx.Err())
		return ctx.Err()
	}
}

// Delete removes a single document. Deleting a whole collection is refused
// unless a collection delete handler is installed.
func (in *Instance) Delete(ctx context.Context, descriptor interface{}) error {
	q, err := query.Normalize(descriptor)
	if err != nil {
		return err
	}
	if !q.IsDoc() {
		if in.onCollectionDelete != nil {
			return in.onCollectionDelete(ctx, q)
		}
		return model.ErrCollectionDelete
	}

	path, id := q.CollectionPath(), q.DocID()
	if err := in.client.Delete(ctx, path, id); err != nil {
		in.disp.Dispatch(Action{Type: ActionDeleteFailure, Meta: queryMeta(q), Payload: err.Error()})
		return err
	}
	in.cache.Apply(cache.DocDeleted{Query: q, Path: path, ID: id})
	in.disp.Dispatch(Action{Type: ActionDeleteSuccess, Meta: queryMeta(q)})
	return nil
}

// Effective returns a document as the application should see it: any
// in-flight optimistic override merged over the confirmed state.
func (in *Instance) Effective(path, id string) (model.Document, bool) {
	return in.cache.Effective(path, id)
}

// Ordered resolves a tracked query's current result set. A nil slice with
// a nil error means the query has produced nothing from memory yet.
func (in *Instance) Ordered(descriptor interface{}) ([]model.Document, error) {
	q, err := query.Normalize(descriptor)
	if err != nil {
		return nil, err
	}
	docs, _, ok := in.cache.Ordered(q)
	if !ok {
		return nil, model.ErrNotFound
	}
	return docs, nil
}

// Origin reports where a document handed out by Effective or Ordered came
// from: the server, the backend's cache, an optimistic override, or local
// replay.
func (in *Instance) Origin(doc model.Document) model.Provenance {
	return in.cache.Origin(doc)
}

func queryMeta(q model.Query) map[string]interface{} {
	return map[string]interface{}{
		"query":      query.Name(q),
		"collection": q.CollectionPath(),
	}
}
