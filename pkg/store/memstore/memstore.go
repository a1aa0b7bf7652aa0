// Package memstore is an in-memory document store implementing the
// pkg/store capability surface. Collections keep their documents ordered
// by id; listeners receive the current state followed by incremental
// diffs, delivered asynchronously and in order per listener. It backs the
// test suites and the demo server.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/docbind/pkg/store"
	"github.com/zoravur/docbind/pkg/store/internal/queue"
)

// Store is an in-memory document store. The zero value is not usable; call
// New.
type Store struct {
	mu          sync.RWMutex
	log         *zap.Logger
	collections map[string]*collection
}

type collection struct {
	docs  map[string]map[string]any
	order []string

	docWatchers  map[string]map[*queue.Queue[store.Document]]struct{}
	collWatchers map[*queue.Queue[[]store.Change]]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger; defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		log:         zap.NewNop(),
		collections: make(map[string]*collection),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) collectionLocked(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{
			docs:         make(map[string]map[string]any),
			docWatchers:  make(map[string]map[*queue.Queue[store.Document]]struct{}),
			collWatchers: make(map[*queue.Queue[[]store.Change]]struct{}),
		}
		s.collections[name] = c
	}
	return c
}

// Doc returns a handle to the document at path ("<collection>/<id>"). The
// document need not exist.
func (s *Store) Doc(path string) store.DocumentRef {
	return &docRef{store: s, path: path}
}

// Collection returns a query over every document in the named collection,
// ordered by id.
func (s *Store) Collection(name string) store.CollectionQuery {
	return &collQuery{store: s, name: name}
}

// Put creates or replaces the document at path. Reference fields are
// encoded with store.EncodeRef. The stored data is a deep copy of data.
func (s *Store) Put(path string, data map[string]any) store.DocumentRef {
	name, id := splitPath(path)

	s.mu.Lock()
	c := s.collectionLocked(name)
	_, existed := c.docs[id]
	c.docs[id] = deepCopyMap(data)

	var changes []store.Change
	if existed {
		idx := indexOf(c.order, id)
		changes = []store.Change{{
			Kind:     store.ChangeModified,
			OldIndex: idx,
			NewIndex: idx,
			Doc:      s.documentLocked(path, c.docs[id]),
		}}
	} else {
		idx := sort.SearchStrings(c.order, id)
		c.order = append(c.order, "")
		copy(c.order[idx+1:], c.order[idx:])
		c.order[idx] = id
		changes = []store.Change{{
			Kind:     store.ChangeAdded,
			OldIndex: -1,
			NewIndex: idx,
			Doc:      s.documentLocked(path, c.docs[id]),
		}}
	}
	s.notifyLocked(c, path, s.documentLocked(path, c.docs[id]), changes)
	s.mu.Unlock()

	s.log.Debug("put document", zap.String("path", path), zap.Bool("existed", existed))
	return &docRef{store: s, path: path}
}

// Add stores data under a generated id and returns the new document's
// handle.
func (s *Store) Add(collection string, data map[string]any) store.DocumentRef {
	return s.Put(collection+"/"+uuid.NewString(), data)
}

// Delete removes the document at path; removing a missing document is a
// no-op.
func (s *Store) Delete(path string) {
	name, id := splitPath(path)

	s.mu.Lock()
	c := s.collectionLocked(name)
	if _, ok := c.docs[id]; !ok {
		s.mu.Unlock()
		return
	}
	idx := indexOf(c.order, id)
	delete(c.docs, id)
	c.order = append(c.order[:idx], c.order[idx+1:]...)

	changes := []store.Change{{
		Kind:     store.ChangeRemoved,
		OldIndex: idx,
		NewIndex: -1,
	}}
	s.notifyLocked(c, path, store.Document{Ref: &docRef{store: s, path: path}}, changes)
	s.mu.Unlock()

	s.log.Debug("deleted document", zap.String("path", path))
}

// documentLocked builds the delivered form of a document: a deep copy with
// encoded references materialized into live handles.
func (s *Store) documentLocked(path string, raw map[string]any) store.Document {
	return store.Document{
		Ref:    &docRef{store: s, path: path},
		Exists: true,
		Data:   s.materialize(raw).(map[string]any),
	}
}

// materialize deep-copies v, replacing {"$ref": path} objects with
// DocumentRef handles bound to this store.
func (s *Store) materialize(v any) any {
	if p, ok := store.DecodeRef(v); ok {
		return store.DocumentRef(&docRef{store: s, path: p})
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.materialize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.materialize(val)
		}
		return out
	}
	return v
}

func (s *Store) notifyLocked(c *collection, path string, doc store.Document, changes []store.Change) {
	for w := range c.docWatchers[path] {
		w.Push(doc)
	}
	if len(c.collWatchers) == 0 {
		return
	}
	for w := range c.collWatchers {
		// Each watcher gets its own materialized copies so mirrors
		// never alias store internals or each other.
		w.Push(s.copyChangesLocked(changes))
	}
}

func (s *Store) copyChangesLocked(changes []store.Change) []store.Change {
	out := make([]store.Change, len(changes))
	for i, ch := range changes {
		if ch.Doc.Exists {
			name, id := splitPath(ch.Doc.Ref.Path())
			ch.Doc = s.documentLocked(ch.Doc.Ref.Path(), s.collections[name].docs[id])
		}
		out[i] = ch
	}
	return out
}

func splitPath(path string) (collection, id string) {
	collection, id, ok := strings.Cut(path, "/")
	if !ok {
		return path, ""
	}
	return collection, id
}

func indexOf(order []string, id string) int {
	i := sort.SearchStrings(order, id)
	if i < len(order) && order[i] == id {
		return i
	}
	return -1
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}

type docRef struct {
	store *Store
	path  string
}

func (r *docRef) Kind() store.Kind { return store.KindDocument }
func (r *docRef) Path() string     { return r.path }

func (r *docRef) Get(_ context.Context) (store.Document, error) {
	name, id := splitPath(r.path)

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.collections[name]
	if !ok {
		return store.Document{Ref: r}, nil
	}
	raw, ok := c.docs[id]
	if !ok {
		return store.Document{Ref: r}, nil
	}
	return r.store.documentLocked(r.path, raw), nil
}

func (r *docRef) Listen(fn func(store.Document)) (store.CancelFunc, error) {
	name, id := splitPath(r.path)
	w := queue.New(fn)

	r.store.mu.Lock()
	c := r.store.collectionLocked(name)
	ws, ok := c.docWatchers[r.path]
	if !ok {
		ws = make(map[*queue.Queue[store.Document]]struct{})
		c.docWatchers[r.path] = ws
	}
	ws[w] = struct{}{}

	if raw, ok := c.docs[id]; ok {
		w.Push(r.store.documentLocked(r.path, raw))
	} else {
		w.Push(store.Document{Ref: r})
	}
	r.store.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.store.mu.Lock()
			delete(c.docWatchers[r.path], w)
			r.store.mu.Unlock()
			w.Close()
		})
	}, nil
}

type collQuery struct {
	store *Store
	name  string
}

func (q *collQuery) Kind() store.Kind { return store.KindCollection }

func (q *collQuery) GetAll(_ context.Context) ([]store.Document, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	c, ok := q.store.collections[q.name]
	if !ok {
		return nil, nil
	}
	docs := make([]store.Document, 0, len(c.order))
	for _, id := range c.order {
		docs = append(docs, q.store.documentLocked(q.name+"/"+id, c.docs[id]))
	}
	return docs, nil
}

func (q *collQuery) Listen(fn func([]store.Change)) (store.CancelFunc, error) {
	w := queue.New(fn)

	q.store.mu.Lock()
	c := q.store.collectionLocked(q.name)
	c.collWatchers[w] = struct{}{}

	if len(c.order) > 0 {
		initial := make([]store.Change, 0, len(c.order))
		for i, id := range c.order {
			initial = append(initial, store.Change{
				Kind:     store.ChangeAdded,
				OldIndex: -1,
				NewIndex: i,
				Doc:      q.store.documentLocked(q.name+"/"+id, c.docs[id]),
			})
		}
		w.Push(initial)
	}
	q.store.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.store.mu.Lock()
			delete(c.collWatchers, w)
			q.store.mu.Unlock()
			w.Close()
		})
	}, nil
}
