package model

import (
	"fmt"
	"reflect"
)

// Write is a single concrete document write: the target reference plus the
// fields to store. Field values may be operator tuples (see the fieldvalue
// package) that are resolved before transmission or caching.
type Write struct {
	Path   string
	ID     string
	Fields Document
}

func (w Write) Ref() DocRef {
	return DocRef{Path: w.Path, ID: w.ID}
}

// ensureID fills in a missing document id, taking one already present in
// Fields before generating a fresh one.
func (w *Write) ensureID() {
	if w.ID != "" {
		return
	}
	if w.Fields == nil {
		w.Fields = Document{}
	}
	w.Fields.GenerateIDIfEmpty()
	w.ID = w.Fields.GetID()
}

// ReadResults maps read keys to their resolved values: a Document for
// document reads, []Document for query reads, and the provided value
// verbatim for provider reads. A missing document resolves to a nil entry.
type ReadResults map[string]interface{}

// Doc returns the read result under key as a document, or nil.
func (r ReadResults) Doc(key string) Document {
	doc, _ := r[key].(Document)
	return doc
}

// Docs returns the read result under key as a document list, or nil.
func (r ReadResults) Docs(key string) []Document {
	docs, _ := r[key].([]Document)
	return docs
}

// WriteProducer turns resolved reads into writes. Producers must be
// synchronous; returning no writes is allowed, and an error aborts the whole
// transaction with no partial writes committed.
type WriteProducer func(reads ReadResults) ([]Write, error)

// ReadSpec declares a transaction read. Exactly one of Doc, Query or
// Provider is set.
type ReadSpec struct {
	// Doc reads a single document transactionally.
	Doc *DocRef

	// Query resolves a result set. Remote transactional reads do not
	// support arbitrary queries, so the planner runs the query
	// non-transactionally and re-reads each candidate document inside the
	// transaction. Best effort, not linearizable.
	Query *Query

	// Provider is a synchronous, nullary value source. It is invoked
	// exactly once before the plan is dispatched and its result frozen,
	// so the optimistic estimate and the real transaction observe the
	// same input.
	Provider func() interface{}

	provided   interface{}
	isProvided bool
}

// DocRead declares a single-document read.
func DocRead(path, id string) ReadSpec {
	return ReadSpec{Doc: &DocRef{Path: path, ID: id}}
}

// QueryRead declares a query read.
func QueryRead(q Query) ReadSpec {
	return ReadSpec{Query: &q}
}

// ProviderRead declares a caller-supplied value source.
func ProviderRead(fn func() interface{}) ReadSpec {
	return ReadSpec{Provider: fn}
}

// Provided returns the frozen provider value. Valid only after Freeze.
func (r ReadSpec) Provided() (interface{}, bool) {
	return r.provided, r.isProvided
}

// Mutation is a declarative mutation descriptor: a single write, an ordered
// batch of writes, or a read-then-write transaction. A descriptor is
// submitted once and has no persisted identity afterwards; outcome events
// are its sole trace.
type Mutation struct {
	Write  *Write
	Batch  []Write
	Reads  map[string]ReadSpec
	Writes []WriteProducer
}

// MutationKind distinguishes the three descriptor shapes.
type MutationKind int

const (
	KindSingle MutationKind = iota
	KindBatch
	KindTransaction
)

func (m *Mutation) Kind() MutationKind {
	switch {
	case m.Write != nil:
		return KindSingle
	case m.Batch != nil:
		return KindBatch
	default:
		return KindTransaction
	}
}

// Freeze invokes every provider read exactly once and pins its result.
// Subsequent access, including the cache-side optimistic estimate, uses the
// frozen value instead of re-invoking the provider. A provider handing back
// an awaitable value (channel or function) violates the synchronous
// contract. Writes that omit a document id get one here, so the optimistic
// preview and the remote write agree on identity.
func (m *Mutation) Freeze() error {
	if m.Write != nil {
		m.Write.ensureID()
	}
	for i := range m.Batch {
		m.Batch[i].ensureID()
	}
	for key, read := range m.Reads {
		if read.Provider == nil || read.isProvided {
			continue
		}
		value := read.Provider()
		switch reflect.ValueOf(value).Kind() {
		case reflect.Chan, reflect.Func:
			return fmt.Errorf("read provider %q: %w", key, ErrSynchronicity)
		}
		read.provided = value
		read.isProvided = true
		m.Reads[key] = read
	}
	return nil
}
