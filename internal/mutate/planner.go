// Package mutate plans and executes mutation descriptors against the
// remote backend: a single write, a chunked batch, or a read-then-write
// transaction.
package mutate

import (
	"context"
	"fmt"
	"log/slog"

	"mirage/internal/fieldvalue"
	"mirage/internal/remote"
	"mirage/pkg/model"
)

// maxChunkSize is the backend's hard cap on writes per atomic commit.
const maxChunkSize = 500

// Planner turns mutation descriptors into backend calls.
type Planner struct {
	client remote.Client
	chunk  int
	log    *slog.Logger
}

// NewPlanner builds a planner. chunkSize is clamped to the backend cap;
// zero or negative selects the cap.
func NewPlanner(client remote.Client, chunkSize int, log *slog.Logger) *Planner {
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{client: client, chunk: chunkSize, log: log}
}

// Run executes the mutation. The descriptor must already be frozen.
func (p *Planner) Run(ctx context.Context, m *model.Mutation) error {
	switch m.Kind() {
	case model.KindSingle:
		return p.runSingle(ctx, *m.Write)
	case model.KindBatch:
		return p.runBatch(ctx, m.Batch)
	default:
		return p.runTransaction(ctx, m)
	}
}

func toWire(w model.Write) remote.Write {
	fields, fieldUpdate := fieldvalue.ToWire(w.Fields)
	return remote.Write{
		Path:        w.Path,
		ID:          w.ID,
		Fields:      fields,
		FieldUpdate: fieldUpdate,
	}
}

func (p *Planner) runSingle(ctx context.Context, w model.Write) error {
	return p.client.Set(ctx, toWire(w))
}

// runBatch commits the writes in chunks. Each chunk is atomic on its own;
// a failing chunk does not roll back chunks already committed.
func (p *Planner) runBatch(ctx context.Context, writes []model.Write) error {
	for start := 0; start < len(writes); start += p.chunk {
		end := start + p.chunk
		if end > len(writes) {
			end = len(writes)
		}
		batch := p.client.Batch()
		for _, w := range writes[start:end] {
			batch.Set(toWire(w))
		}
		if err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("batch chunk %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (p *Planner) runTransaction(ctx context.Context, m *model.Mutation) error {
	return p.client.RunTransaction(ctx, func(tx remote.Transaction) error {
		reads, err := p.resolveReads(ctx, tx, m.Reads)
		if err != nil {
			return err
		}
		var writes []model.Write
		for _, produce := range m.Writes {
			ws, err := produce(reads)
			if err != nil {
				return fmt.Errorf("%w: %v", model.ErrTransactionAborted, err)
			}
			writes = append(writes, ws...)
		}
		for _, w := range writes {
			tx.Set(toWire(w))
		}
		return nil
	})
}

func (p *Planner) resolveReads(ctx context.Context, tx remote.Transaction, specs map[string]model.ReadSpec) (model.ReadResults, error) {
	reads := model.ReadResults{}
	for key, spec := range specs {
		switch {
		case spec.Doc != nil:
			snap, err := tx.Get(ctx, spec.Doc.Path, spec.Doc.ID)
			if err != nil {
				return nil, fmt.Errorf("transaction read %q: %w", key, err)
			}
			if snap.Exists {
				reads[key] = snap.Document()
			} else {
				reads[key] = nil
			}
		case spec.Query != nil:
			docs, err := p.transactionalQuery(ctx, tx, *spec.Query)
			if err != nil {
				return nil, fmt.Errorf("transaction read %q: %w", key, err)
			}
			reads[key] = docs
		default:
			value, frozen := spec.Provided()
			if !frozen {
				return nil, fmt.Errorf("transaction read %q: %w", key, model.ErrSynchronicity)
			}
			reads[key] = value
		}
	}
	return reads, nil
}

// transactionalQuery resolves a query read: the backend cannot run arbitrary
// queries inside a transaction, so the query runs outside it and each
// candidate is re-read transactionally. Documents deleted in between drop
// out of the result.
func (p *Planner) transactionalQuery(ctx context.Context, tx remote.Transaction, q model.Query) ([]model.Document, error) {
	result, err := p.client.GetQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	docs := make([]model.Document, 0, len(result.Docs))
	for _, candidate := range result.Docs {
		snap, err := tx.Get(ctx, candidate.Path, candidate.ID)
		if err != nil {
			return nil, err
		}
		if !snap.Exists {
			p.log.Debug("query read candidate vanished during transaction",
				"path", candidate.Path, "id", candidate.ID)
			continue
		}
		docs = append(docs, snap.Document())
	}
	return docs, nil
}
