package mutate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/internal/fieldvalue"
	"mirage/internal/remote"
	"mirage/pkg/model"
)

type fakeBatch struct {
	client    *fakeClient
	writes    []remote.Write
	committed bool
}

func (b *fakeBatch) Set(w remote.Write)     { b.writes = append(b.writes, w) }
func (b *fakeBatch) Delete(path, id string) {}

func (b *fakeBatch) Commit(ctx context.Context) error {
	b.client.commits++
	if b.client.failCommitAt == b.client.commits {
		return errors.New("commit rejected")
	}
	b.committed = true
	return nil
}

type fakeTx struct {
	client *fakeClient
	writes []remote.Write
}

func (tx *fakeTx) Get(ctx context.Context, path, id string) (remote.Snapshot, error) {
	tx.client.txGets++
	snap, ok := tx.client.docs[path+"/"+id]
	if !ok {
		return remote.Snapshot{Path: path, ID: id}, nil
	}
	return snap, nil
}

func (tx *fakeTx) Set(w remote.Write)     { tx.writes = append(tx.writes, w) }
func (tx *fakeTx) Delete(path, id string) {}

type fakeClient struct {
	sets         []remote.Write
	batches      []*fakeBatch
	docs         map[string]remote.Snapshot
	queryResult  remote.QuerySnapshot
	queryCalls   int
	txGets       int
	commits      int
	failCommitAt int
	lastTx       *fakeTx
}

func (c *fakeClient) Get(ctx context.Context, path, id string) (remote.Snapshot, error) {
	snap, ok := c.docs[path+"/"+id]
	if !ok {
		return remote.Snapshot{Path: path, ID: id}, nil
	}
	return snap, nil
}

func (c *fakeClient) GetQuery(ctx context.Context, q model.Query) (remote.QuerySnapshot, error) {
	c.queryCalls++
	return c.queryResult, nil
}

func (c *fakeClient) Set(ctx context.Context, w remote.Write) error {
	c.sets = append(c.sets, w)
	return nil
}

func (c *fakeClient) Delete(ctx context.Context, path, id string) error { return nil }

func (c *fakeClient) Batch() remote.BatchWriter {
	b := &fakeBatch{client: c}
	c.batches = append(c.batches, b)
	return b
}

func (c *fakeClient) RunTransaction(ctx context.Context, body func(tx remote.Transaction) error) error {
	tx := &fakeTx{client: c}
	c.lastTx = tx
	return body(tx)
}

func (c *fakeClient) Listen(ctx context.Context, q model.Query, fn remote.Listener) (func(), error) {
	return func() {}, nil
}

func TestSingleWrite(t *testing.T) {
	client := &fakeClient{}
	p := NewPlanner(client, 0, nil)

	err := p.Run(context.Background(), &model.Mutation{
		Write: &model.Write{
			Path: "tasks", ID: "t1",
			Fields: model.Document{"hits": fieldvalue.Increment(1), "owner.name": "ada"},
		},
	})
	require.NoError(t, err)

	require.Len(t, client.sets, 1)
	w := client.sets[0]
	assert.Equal(t, "tasks", w.Path)
	assert.True(t, w.FieldUpdate)
	assert.Equal(t, fieldvalue.Transform{Kind: fieldvalue.KindIncrement, Operand: float64(1)}, w.Fields["hits"])
}

func TestBatchChunksAtCap(t *testing.T) {
	client := &fakeClient{}
	p := NewPlanner(client, 0, nil)

	writes := make([]model.Write, 1200)
	for i := range writes {
		writes[i] = model.Write{Path: "tasks", ID: fmt.Sprintf("t%d", i), Fields: model.Document{"n": i}}
	}
	require.NoError(t, p.Run(context.Background(), &model.Mutation{Batch: writes}))

	require.Len(t, client.batches, 3)
	assert.Len(t, client.batches[0].writes, 500)
	assert.Len(t, client.batches[1].writes, 500)
	assert.Len(t, client.batches[2].writes, 200)
	for _, b := range client.batches {
		assert.True(t, b.committed)
	}
}

func TestBatchChunkFailureKeepsEarlierCommits(t *testing.T) {
	client := &fakeClient{failCommitAt: 2}
	p := NewPlanner(client, 10, nil)

	writes := make([]model.Write, 25)
	for i := range writes {
		writes[i] = model.Write{Path: "tasks", ID: fmt.Sprintf("t%d", i), Fields: model.Document{"n": i}}
	}
	err := p.Run(context.Background(), &model.Mutation{Batch: writes})
	require.Error(t, err)

	// The first chunk stays committed and the third is never attempted.
	require.Len(t, client.batches, 2)
	assert.True(t, client.batches[0].committed)
	assert.False(t, client.batches[1].committed)
	assert.Equal(t, 2, client.commits)
}

func TestTransactionResolvesReadsAndWrites(t *testing.T) {
	client := &fakeClient{
		docs: map[string]remote.Snapshot{
			"accounts/a1": {Path: "accounts", ID: "a1", Data: model.Document{"balance": 100}, Exists: true},
			"accounts/a2": {Path: "accounts", ID: "a2", Data: model.Document{"balance": 40}, Exists: true},
		},
		queryResult: remote.QuerySnapshot{Docs: []remote.Snapshot{
			{Path: "accounts", ID: "a2", Exists: true},
		}},
	}
	p := NewPlanner(client, 0, nil)

	providerCalls := 0
	m := &model.Mutation{
		Reads: map[string]model.ReadSpec{
			"main":   model.DocRead("accounts", "a1"),
			"others": model.QueryRead(model.Query{Collection: "accounts"}),
			"fee": model.ProviderRead(func() interface{} {
				providerCalls++
				return 5
			}),
		},
		Writes: []model.WriteProducer{
			func(reads model.ReadResults) ([]model.Write, error) {
				balance, _ := reads.Doc("main").Field("balance")
				n, _ := model.NumericValue(balance)
				fee, _ := model.NumericValue(reads["fee"])
				others := reads.Docs("others")
				return []model.Write{{
					Path: "accounts", ID: "a1",
					Fields: model.Document{"balance": n - fee, "peers": len(others)},
				}}, nil
			},
		},
	}
	require.NoError(t, m.Freeze())
	require.NoError(t, p.Run(context.Background(), m))

	assert.Equal(t, 1, providerCalls)
	assert.Equal(t, 1, client.queryCalls)
	// One transactional get for the doc read, one per query candidate.
	assert.Equal(t, 2, client.txGets)

	require.Len(t, client.lastTx.writes, 1)
	assert.Equal(t, float64(95), client.lastTx.writes[0].Fields["balance"])
	assert.Equal(t, 1, client.lastTx.writes[0].Fields["peers"])
}

func TestTransactionProducerErrorAborts(t *testing.T) {
	client := &fakeClient{}
	p := NewPlanner(client, 0, nil)

	m := &model.Mutation{
		Writes: []model.WriteProducer{
			func(reads model.ReadResults) ([]model.Write, error) {
				return nil, errors.New("insufficient funds")
			},
		},
	}
	err := p.Run(context.Background(), m)
	require.ErrorIs(t, err, model.ErrTransactionAborted)
	assert.Empty(t, client.lastTx.writes)
}

func TestTransactionUnfrozenProviderRejected(t *testing.T) {
	client := &fakeClient{}
	p := NewPlanner(client, 0, nil)

	m := &model.Mutation{
		Reads: map[string]model.ReadSpec{
			"v": model.ProviderRead(func() interface{} { return 1 }),
		},
		Writes: []model.WriteProducer{
			func(model.ReadResults) ([]model.Write, error) { return nil, nil },
		},
	}
	err := p.Run(context.Background(), m)
	require.ErrorIs(t, err, model.ErrSynchronicity)
}
