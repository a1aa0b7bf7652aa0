// Package store defines the capability surface a remote document store must
// expose to be mirrored by docbind. Adapters decide once, at construction,
// whether a handle is a single document or a collection; consumers branch on
// Kind or type-assert to DocumentRef / CollectionQuery and never sniff
// capabilities off raw data.
package store

import (
	"context"
	"errors"
)

// Kind discriminates the two query shapes.
type Kind int

const (
	KindDocument Kind = iota
	KindCollection
)

// Query is a handle to remote state: either one document or an ordered
// collection of documents. Every Query is exactly one of DocumentRef or
// CollectionQuery.
type Query interface {
	Kind() Kind
}

// CancelFunc releases a live subscription. Implementations must make it
// safe to call more than once; calls after the first are no-ops.
type CancelFunc func()

// Document is one delivered document state. Data may contain DocumentRef
// values for reference fields; plain nested structure is map[string]any and
// []any. A missing document has Exists false and nil Data.
type Document struct {
	Ref    DocumentRef
	Exists bool
	Data   map[string]any
}

// DocumentRef identifies a single remote document.
type DocumentRef interface {
	Query

	// Path is a stable identity string usable for bookkeeping, of the
	// form "<collection>/<id>".
	Path() string

	// Get fetches the current document state once.
	Get(ctx context.Context) (Document, error)

	// Listen delivers the current state and every subsequent change until
	// the returned CancelFunc is called. Delivery is asynchronous with
	// respect to Listen itself and ordered per listener.
	Listen(fn func(Document)) (CancelFunc, error)
}

// ChangeKind labels one collection diff operation.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

// Change is one diff operation against a mirrored collection. For added,
// NewIndex is the insertion position; for removed, OldIndex is the position
// removed; modified carries both (the document may have moved).
type Change struct {
	Kind     ChangeKind
	OldIndex int
	NewIndex int
	Doc      Document
}

// CollectionQuery identifies an ordered collection of remote documents.
type CollectionQuery interface {
	Query

	// GetAll fetches the current contents once, in collection order.
	GetAll(ctx context.Context) ([]Document, error)

	// Listen delivers an initial batch of added changes followed by
	// incremental diff batches until cancelled. Changes within one batch
	// apply in the order given.
	Listen(fn func([]Change)) (CancelFunc, error)
}

// ErrNotFound is returned by stores for operations that require an existing
// document. Get on a DocumentRef does not return it; a missing document is
// Document{Exists: false}.
var ErrNotFound = errors.New("store: document not found")
