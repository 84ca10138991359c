package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/internal/fieldvalue"
	"mirage/pkg/model"
)

func snapshotFor(q model.Query, docs ...model.Document) QuerySnapshot {
	byID := make(map[string]model.Document, len(docs))
	ordered := make([]model.DocRef, 0, len(docs))
	path := q.CollectionPath()
	for _, doc := range docs {
		id := doc.GetID()
		byID[id] = doc
		ordered = append(ordered, model.DocRef{Path: path, ID: id})
	}
	return QuerySnapshot{Query: q, Docs: byID, Ordered: ordered}
}

func ids(docs []model.Document) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.GetID())
	}
	return out
}

func TestSnapshotThenRead(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "tasks"}

	c.Apply(snapshotFor(q,
		model.Document{"id": "t1", "done": false},
		model.Document{"id": "t2", "done": true},
	))

	docs, via, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, model.ViaServer, via)
	assert.Equal(t, []string{"t1", "t2"}, ids(docs))

	doc, ok := c.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, false, doc["done"])
	assert.Equal(t, model.ViaServer, c.Origin(doc))
}

func TestOptimisticWriteVisibleImmediately(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "tasks"}
	c.Apply(snapshotFor(q, model.Document{"id": "t1", "done": false}))

	c.Apply(MutationStarted{Mutation: &model.Mutation{
		Write: &model.Write{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}},
	}})

	doc, ok := c.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, true, doc["done"])
	assert.Equal(t, model.ViaOptimistic, c.Origin(doc))

	docs, via, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, model.ViaOptimistic, via)
	require.Len(t, docs, 1)
	assert.Equal(t, true, docs[0]["done"])
}

func TestOverrideReconciledByConfirmation(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "tasks"}
	c.Apply(snapshotFor(q, model.Document{"id": "t1", "done": false}))

	c.Apply(MutationStarted{Mutation: &model.Mutation{
		Write: &model.Write{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}},
	}})

	// The server confirms the write; the override dissolves and provenance
	// returns to the server.
	c.Apply(snapshotFor(q, model.Document{"id": "t1", "done": true}))

	doc, ok := c.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, true, doc["done"])
	assert.Equal(t, model.ViaServer, c.Origin(doc))

	_, via, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, model.ViaServer, via)
}

func TestMutationFailedRollsBack(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "tasks"}
	c.Apply(snapshotFor(q, model.Document{"id": "t1", "done": false}))

	write := model.Write{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}}
	c.Apply(MutationStarted{Mutation: &model.Mutation{Write: &write}})

	doc, _ := c.Effective("tasks", "t1")
	require.Equal(t, true, doc["done"])

	c.Apply(MutationFailed{Writes: []model.Write{write}})

	doc, ok := c.Effective("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, false, doc["done"])
	assert.Equal(t, model.ViaServer, c.Origin(doc))
}

func TestIncrementEstimatesAgainstEffective(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "counters"}
	c.Apply(snapshotFor(q, model.Document{"id": "c1", "hits": 10}))

	increment := func() *model.Mutation {
		return &model.Mutation{Write: &model.Write{
			Path: "counters", ID: "c1",
			Fields: model.Document{"hits": fieldvalue.Increment(1)},
		}}
	}
	c.Apply(MutationStarted{Mutation: increment()})
	c.Apply(MutationStarted{Mutation: increment()})

	doc, ok := c.Effective("counters", "c1")
	require.True(t, ok)
	assert.Equal(t, float64(12), doc["hits"])
}

func TestQueryReplayFiltersOrdersAndLimits(t *testing.T) {
	c := New(nil)
	base := model.Query{Collection: "tasks"}
	c.Apply(snapshotFor(base,
		model.Document{"id": "t1", "done": false, "amount": 3},
		model.Document{"id": "t2", "done": true, "amount": 1},
		model.Document{"id": "t3", "done": false, "amount": 9},
		model.Document{"id": "t4", "done": false, "amount": 5},
	))

	filtered := model.Query{
		Collection: "tasks",
		StoreAs:    "open-by-amount",
		Where:      []model.Filter{{Field: "done", Op: model.OpEq, Value: false}},
		OrderBy:    []model.Order{{Field: "amount", Direction: "desc"}},
		Limit:      2,
	}
	// An override on the collection forces the replay.
	c.Apply(MutationStarted{Mutation: &model.Mutation{
		Write: &model.Write{Path: "tasks", ID: "t5", Fields: model.Document{"done": false, "amount": 7}},
	}})
	c.Apply(snapshotFor(filtered))

	docs, via, ok := c.Ordered(filtered)
	require.True(t, ok)
	assert.Equal(t, model.ViaOptimistic, via)
	assert.Equal(t, []string{"t3", "t5"}, ids(docs))
}

func TestQueryReplayCursors(t *testing.T) {
	c := New(nil)
	q := model.Query{
		Collection: "tasks",
		StoreAs:    "paged",
		OrderBy:    []model.Order{{Field: "amount"}},
		StartAfter: []interface{}{3},
		Limit:      2,
	}
	c.Apply(snapshotFor(model.Query{Collection: "tasks"},
		model.Document{"id": "t1", "amount": 1},
		model.Document{"id": "t2", "amount": 3},
		model.Document{"id": "t3", "amount": 5},
		model.Document{"id": "t4", "amount": 7},
		model.Document{"id": "t5", "amount": 9},
	))
	c.Apply(snapshotFor(q))
	c.Apply(OverrideApplied{Path: "tasks", ID: "t1", Fields: model.Document{"seen": true}})

	docs, _, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, []string{"t3", "t4"}, ids(docs))
}

func TestEndCursorKeepsTail(t *testing.T) {
	s := NewStore()
	for id, amount := range map[string]int{"t1": 1, "t2": 3, "t3": 5, "t4": 7} {
		doc := model.Document{"id": id, "amount": amount}
		s.SetConfirmed("tasks", id, doc)
	}
	q := model.Query{
		Collection: "tasks",
		OrderBy:    []model.Order{{Field: "amount"}},
		EndAt:      []interface{}{7},
		Limit:      2,
	}
	ordered, _ := Process(q, s)
	require.Len(t, ordered, 2)
	assert.Equal(t, "t3", ordered[0].ID)
	assert.Equal(t, "t4", ordered[1].ID)
}

func TestServerResultsSkipReplayWithoutOverrides(t *testing.T) {
	c := New(nil)
	q := model.Query{
		Collection: "tasks",
		StoreAs:    "server-picked",
		Where:      []model.Filter{{Field: "done", Op: model.OpEq, Value: false}},
	}
	// The server chose t1 even though local replay would disagree; without
	// overrides its answer stands.
	c.Apply(QuerySnapshot{
		Query:   q,
		Docs:    map[string]model.Document{"t1": {"id": "t1", "done": true}},
		Ordered: []model.DocRef{{Path: "tasks", ID: "t1"}},
	})

	docs, via, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, model.ViaServer, via)
	assert.Equal(t, []string{"t1"}, ids(docs))
}

func TestMemoryEmptyMeansNoDataYet(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "ghosts", StoreAs: "ghosts"}

	_, _, ok := c.Ordered(q)
	assert.False(t, ok)

	// An unrelated override replays the tracked query from memory; nothing
	// matches, which reads as "no data yet" rather than "empty".
	c.Apply(snapshotFor(q))
	c.Apply(OverrideApplied{Path: "ghosts", ID: "g1", Fields: model.Document{"x": 1}})
	c.Apply(OverrideCleared{Path: "ghosts", ID: "g1"})

	docs, via, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, model.ViaMemory, via)
	assert.Nil(t, docs)
}

func TestDocChangedAdjustsOrderIncrementally(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "tasks"}
	c.Apply(snapshotFor(q,
		model.Document{"id": "t1", "rank": 1},
		model.Document{"id": "t2", "rank": 2},
		model.Document{"id": "t3", "rank": 3},
	))

	c.Apply(DocChanged{
		Query: q, Path: "tasks", ID: "t1",
		Doc:      model.Document{"id": "t1", "rank": 4},
		OldIndex: 0, NewIndex: 2,
	})

	docs, _, ok := c.Ordered(q)
	require.True(t, ok)
	assert.Equal(t, []string{"t2", "t3", "t1"}, ids(docs))

	doc, _ := c.Effective("tasks", "t1")
	assert.Equal(t, 4, doc["rank"])
}

func TestDocDeletedAndRemoved(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "tasks"}
	c.Apply(snapshotFor(q,
		model.Document{"id": "t1"},
		model.Document{"id": "t2"},
	))

	c.Apply(DocRemoved{Query: q, Path: "tasks", ID: "t2", OldIndex: 1, NewIndex: -1})
	docs, _, _ := c.Ordered(q)
	assert.Equal(t, []string{"t1"}, ids(docs))
	_, stillThere := c.Effective("tasks", "t2")
	assert.True(t, stillThere)

	c.Apply(DocDeleted{Query: q, Path: "tasks", ID: "t1"})
	_, gone := c.Effective("tasks", "t1")
	assert.False(t, gone)
}

func TestListenerUnset(t *testing.T) {
	t.Run("preserve keeps the result entry", func(t *testing.T) {
		c := New(nil)
		q := model.Query{Collection: "tasks"}
		c.Apply(snapshotFor(q, model.Document{"id": "t1"}))
		c.Apply(ListenerUnset{Query: q, PreserveCache: true})

		docs, _, ok := c.Ordered(q)
		require.True(t, ok)
		assert.Equal(t, []string{"t1"}, ids(docs))
	})

	t.Run("unset drops only the result entry", func(t *testing.T) {
		c := New(nil)
		q := model.Query{Collection: "tasks"}
		c.Apply(snapshotFor(q, model.Document{"id": "t1"}))
		c.Apply(ListenerUnset{Query: q, PreserveCache: false})

		_, _, ok := c.Ordered(q)
		assert.False(t, ok)
		_, kept := c.Effective("tasks", "t1")
		assert.True(t, kept)
	})

	t.Run("unset leaves sibling queries intact", func(t *testing.T) {
		c := New(nil)
		all := model.Query{Collection: "tasks", StoreAs: "all"}
		open := model.Query{
			Collection: "tasks",
			StoreAs:    "open",
			Where:      []model.Filter{{Field: "done", Op: model.OpEq, Value: false}},
		}
		c.Apply(snapshotFor(all,
			model.Document{"id": "t1", "done": false},
			model.Document{"id": "t2", "done": true},
		))
		c.Apply(snapshotFor(open, model.Document{"id": "t1", "done": false}))

		c.Apply(ListenerUnset{Query: all, PreserveCache: false})

		doc, kept := c.Effective("tasks", "t1")
		require.True(t, kept)
		assert.Equal(t, false, doc["done"])

		docs, _, ok := c.Ordered(open)
		require.True(t, ok)
		assert.Equal(t, []string{"t1"}, ids(docs))
	})
}

func TestDocRemovedSettlesOverride(t *testing.T) {
	t.Run("reconciles against the reported data", func(t *testing.T) {
		c := New(nil)
		q := model.Query{Collection: "tasks"}
		c.Apply(snapshotFor(q, model.Document{"id": "t1", "done": false}))
		c.Apply(OverrideApplied{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}})

		c.Apply(DocRemoved{
			Query: q, Path: "tasks", ID: "t1",
			Doc:      model.Document{"id": "t1", "done": true},
			OldIndex: 0, NewIndex: -1,
		})

		_, pending := c.store.Override("tasks", "t1")
		assert.False(t, pending)

		doc, ok := c.Effective("tasks", "t1")
		require.True(t, ok)
		assert.Equal(t, false, doc["done"])
		assert.Equal(t, model.ViaServer, c.Origin(doc))
	})

	t.Run("clears entirely without data", func(t *testing.T) {
		c := New(nil)
		q := model.Query{Collection: "tasks"}
		c.Apply(snapshotFor(q, model.Document{"id": "t1", "done": false}))
		c.Apply(OverrideApplied{Path: "tasks", ID: "t1", Fields: model.Document{"done": true}})

		c.Apply(DocRemoved{Query: q, Path: "tasks", ID: "t1", OldIndex: 0, NewIndex: -1})

		_, pending := c.store.Override("tasks", "t1")
		assert.False(t, pending)
	})
}

func TestFilterFallbackNeverDropsData(t *testing.T) {
	s := NewStore()
	s.SetConfirmed("tasks", "t1", model.Document{"id": "t1", "x": 1})

	t.Run("unrecognized operator matches", func(t *testing.T) {
		q := model.Query{
			Collection: "tasks",
			Where:      []model.Filter{{Field: "x", Op: "bogus", Value: 1}},
		}
		ordered, _ := Process(q, s)
		require.Len(t, ordered, 1)
	})

	t.Run("any matches documents missing the field", func(t *testing.T) {
		q := model.Query{
			Collection: "tasks",
			Where:      []model.Filter{{Field: "absent", Op: model.OpAny}},
		}
		ordered, _ := Process(q, s)
		require.Len(t, ordered, 1)
	})
}

func TestTransactionPreview(t *testing.T) {
	c := New(nil)
	q := model.Query{Collection: "accounts"}
	c.Apply(snapshotFor(q, model.Document{"id": "a1", "balance": 100}))

	m := &model.Mutation{
		Reads: map[string]model.ReadSpec{
			"account": model.DocRead("accounts", "a1"),
		},
		Writes: []model.WriteProducer{
			func(reads model.ReadResults) ([]model.Write, error) {
				balance, _ := reads.Doc("account").Field("balance")
				n, _ := model.NumericValue(balance)
				return []model.Write{{
					Path: "accounts", ID: "a1",
					Fields: model.Document{"balance": n - 30},
				}}, nil
			},
		},
	}
	require.NoError(t, m.Freeze())
	c.Apply(MutationStarted{Mutation: m})

	doc, ok := c.Effective("accounts", "a1")
	require.True(t, ok)
	assert.Equal(t, float64(70), doc["balance"])
	assert.Equal(t, model.ViaOptimistic, c.Origin(doc))
}

func TestStoreReconcileOverrideFieldwise(t *testing.T) {
	s := NewStore()
	s.SetConfirmed("tasks", "t1", model.Document{"id": "t1", "a": 1, "b": 1})
	s.ApplyOverride("tasks", "t1", model.Document{"a": 2, "b": 2})

	// Server caught up on "a" only; "b" stays speculative.
	s.ReconcileOverride("tasks", "t1", model.Document{"id": "t1", "a": 2, "b": 1})

	override, ok := s.Override("tasks", "t1")
	require.True(t, ok)
	_, hasA := override["a"]
	assert.False(t, hasA)
	assert.Equal(t, 2, override["b"])
}
