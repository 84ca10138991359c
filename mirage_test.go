package mirage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/internal/remote"
	"mirage/pkg/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend keeps documents in memory and lets tests push listener
// updates and inject write failures.
type fakeBackend struct {
	mu        sync.Mutex
	docs      map[string]remote.Snapshot
	listeners map[string]remote.Listener
	writeErr  error
	writeWait chan struct{}
	deletes   []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		docs:      map[string]remote.Snapshot{},
		listeners: map[string]remote.Listener{},
	}
}

func (b *fakeBackend) put(path, id string, data model.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[path+"/"+id] = remote.Snapshot{Path: path, ID: id, Data: data, Exists: true}
}

func (b *fakeBackend) Get(ctx context.Context, path, id string) (remote.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.docs[path+"/"+id]
	if !ok {
		return remote.Snapshot{Path: path, ID: id}, nil
	}
	return snap, nil
}

func (b *fakeBackend) GetQuery(ctx context.Context, q model.Query) (remote.QuerySnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out remote.QuerySnapshot
	for _, snap := range b.docs {
		if snap.Path == q.CollectionPath() {
			out.Docs = append(out.Docs, snap)
		}
	}
	return out, nil
}

func (b *fakeBackend) Set(ctx context.Context, w remote.Write) error {
	b.mu.Lock()
	wait := b.writeWait
	err := b.writeErr
	b.mu.Unlock()
	if wait != nil {
		<-wait
	}
	if err != nil {
		return err
	}
	b.put(w.Path, w.ID, w.Fields)
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, path, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, path+"/"+id)
	b.deletes = append(b.deletes, path+"/"+id)
	return nil
}

func (b *fakeBackend) Batch() remote.BatchWriter { return &fakeBackendBatch{backend: b} }

type fakeBackendBatch struct {
	backend *fakeBackend
	writes  []remote.Write
}

func (fb *fakeBackendBatch) Set(w remote.Write)     { fb.writes = append(fb.writes, w) }
func (fb *fakeBackendBatch) Delete(path, id string) {}

func (fb *fakeBackendBatch) Commit(ctx context.Context) error {
	for _, w := range fb.writes {
		if err := fb.backend.Set(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) RunTransaction(ctx context.Context, body func(tx remote.Transaction) error) error {
	return body(&fakeBackendTx{backend: b, ctx: ctx})
}

type fakeBackendTx struct {
	backend *fakeBackend
	ctx     context.Context
}

func (tx *fakeBackendTx) Get(ctx context.Context, path, id string) (remote.Snapshot, error) {
	return tx.backend.Get(ctx, path, id)
}

func (tx *fakeBackendTx) Set(w remote.Write) { tx.backend.Set(tx.ctx, w) }

func (tx *fakeBackendTx) Delete(path, id string) {}

func (b *fakeBackend) Listen(ctx context.Context, q model.Query, fn remote.Listener) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := q.CollectionPath()
	b.listeners[key] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, key)
	}, nil
}

func (b *fakeBackend) push(collection string, update remote.QuerySnapshot) {
	b.mu.Lock()
	fn := b.listeners[collection]
	b.mu.Unlock()
	if fn != nil {
		fn(update)
	}
}

func newTestInstance(t *testing.T, backend *fakeBackend, opts ...Option) *Instance {
	t.Helper()
	in, err := New(backend, append([]Option{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { in.Close() })
	return in
}

func TestGetCachesResults(t *testing.T) {
	backend := newFakeBackend()
	backend.put("tasks", "t1", model.Document{"id": "t1", "done": false})
	in := newTestInstance(t, backend)

	docs, err := in.Get(context.Background(), "tasks")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "t1", docs[0].GetID())

	doc, ok := in.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, model.ViaServer, in.Origin(doc))
}

func TestMutateOptimisticThenConfirmed(t *testing.T) {
	backend := newFakeBackend()
	backend.put("tasks", "t1", model.Document{"id": "t1", "done": false})
	in := newTestInstance(t, backend)

	ctx := context.Background()
	q, err := in.Subscribe(ctx, "tasks")
	require.NoError(t, err)
	backend.push("tasks", remote.QuerySnapshot{Docs: []remote.Snapshot{
		{Path: "tasks", ID: "t1", Data: model.Document{"done": false}, Exists: true},
	}})

	// Hold the remote write open; the optimistic value must be visible
	// while it is still in flight.
	gate := make(chan struct{})
	backend.mu.Lock()
	backend.writeWait = gate
	backend.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- in.Mutate(ctx, &model.Mutation{
			Write: &model.Write{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}},
		})
	}()

	require.Eventually(t, func() bool {
		doc, ok := in.Effective("tasks", "t1")
		return ok && doc["done"] == true
	}, time.Second, 5*time.Millisecond)
	doc, _ := in.Effective("tasks", "t1")
	assert.Equal(t, model.ViaOptimistic, in.Origin(doc))

	close(gate)
	require.NoError(t, <-done)

	// The listener confirms the write; provenance returns to the server.
	backend.push("tasks", remote.QuerySnapshot{Docs: []remote.Snapshot{
		{Path: "tasks", ID: "t1", Data: model.Document{"done": true}, Exists: true},
	}})

	doc, ok := in.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, true, doc["done"])
	assert.Equal(t, model.ViaServer, in.Origin(doc))

	docs, err := in.Ordered(q)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestMutateFailureRollsBack(t *testing.T) {
	backend := newFakeBackend()
	backend.put("tasks", "t1", model.Document{"id": "t1", "done": false})
	in := newTestInstance(t, backend)

	ctx := context.Background()
	_, err := in.Get(ctx, "tasks")
	require.NoError(t, err)

	backend.mu.Lock()
	backend.writeErr = errors.New("permission denied")
	backend.mu.Unlock()

	err = in.Mutate(ctx, &model.Mutation{
		Write: &model.Write{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}},
	})
	require.Error(t, err)

	doc, ok := in.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, false, doc["done"])
}

func TestMutateTimeoutRollsBackLocally(t *testing.T) {
	backend := newFakeBackend()
	backend.put("tasks", "t1", model.Document{"id": "t1", "done": false})
	in := newTestInstance(t, backend, WithMutationTimeout(30*time.Millisecond))

	ctx := context.Background()
	_, err := in.Get(ctx, "tasks")
	require.NoError(t, err)

	gate := make(chan struct{})
	defer close(gate)
	backend.mu.Lock()
	backend.writeWait = gate
	backend.mu.Unlock()

	err = in.Mutate(ctx, &model.Mutation{
		Write: &model.Write{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}},
	})
	require.ErrorIs(t, err, model.ErrTimeout)

	doc, ok := in.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, false, doc["done"])
}

func TestDeleteRefusesCollections(t *testing.T) {
	backend := newFakeBackend()
	in := newTestInstance(t, backend)

	err := in.Delete(context.Background(), "tasks")
	require.ErrorIs(t, err, model.ErrCollectionDelete)

	handled := false
	in2 := newTestInstance(t, backend, WithCollectionDeleteHandler(func(ctx context.Context, q model.Query) error {
		handled = true
		return nil
	}))
	require.NoError(t, in2.Delete(context.Background(), "tasks"))
	assert.True(t, handled)
}

func TestDeleteDocument(t *testing.T) {
	backend := newFakeBackend()
	backend.put("tasks", "t1", model.Document{"id": "t1"})
	in := newTestInstance(t, backend)

	_, err := in.Get(context.Background(), "tasks")
	require.NoError(t, err)
	require.NoError(t, in.Delete(context.Background(), "tasks/t1"))

	_, ok := in.Effective("tasks", "t1")
	assert.False(t, ok)
	assert.Equal(t, []string{"tasks/t1"}, backend.deletes)
}

func TestActionsStream(t *testing.T) {
	backend := newFakeBackend()
	backend.put("tasks", "t1", model.Document{"id": "t1"})
	in := newTestInstance(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	actions, unsub, err := in.Actions(ctx)
	require.NoError(t, err)
	defer unsub()

	_, err = in.Get(ctx, "tasks")
	require.NoError(t, err)

	var seen []ActionType
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case a := <-actions:
			seen = append(seen, a.Type)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, []ActionType{ActionGetRequest, ActionGetSuccess}, seen)
}

func TestSubscribeRefCountsThroughFacade(t *testing.T) {
	backend := newFakeBackend()
	in := newTestInstance(t, backend)

	ctx := context.Background()
	_, err := in.Subscribe(ctx, "tasks")
	require.NoError(t, err)
	_, err = in.Subscribe(ctx, "tasks")
	require.NoError(t, err)

	backend.mu.Lock()
	listeners := len(backend.listeners)
	backend.mu.Unlock()
	assert.Equal(t, 1, listeners)

	require.NoError(t, in.Unsubscribe("tasks"))
	backend.mu.Lock()
	stillListening := len(backend.listeners)
	backend.mu.Unlock()
	assert.Equal(t, 1, stillListening)

	require.NoError(t, in.Unsubscribe("tasks"))
	backend.mu.Lock()
	after := len(backend.listeners)
	backend.mu.Unlock()
	assert.Equal(t, 0, after)
}
