package binding

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/docbind/pkg/docpath"
	"github.com/zoravur/docbind/pkg/store"
)

type nodeID int

const noNode nodeID = -1

// LiveSubscription mirrors one query into a State slot and keeps the
// mirror consistent as the remote store changes, recursively subscribing
// to reference fields up to the configured depth.
//
// Nodes live in an arena keyed by id with explicit parent/child links
// rather than as nested closures, so teardown ordering (children before
// their parent's handle, depth-first) is a plain traversal. All change
// handling for one LiveSubscription is serialized by a single mutex; store
// adapters must deliver asynchronously with respect to Listen, and deliver
// in order per listener. Independent LiveSubscriptions do not synchronize
// with each other.
//
// Change notification is registered once at the root via OnChange; every
// node reports through it, so one nested change produces one notification.
type LiveSubscription struct {
	mu       sync.Mutex
	state    State
	key      string
	query    store.Query
	opts     Options
	log      *zap.Logger
	onChange func()

	nodes  map[nodeID]*subNode
	nextID nodeID
	root   nodeID
}

// subNode owns exactly one store subscription plus the bookkeeping for the
// reference children discovered in its current data. Document nodes use
// children/refs keyed by structural path; collection nodes use the
// index-aligned listChildren/listRefs, which are spliced in lockstep with
// the mirrored list.
type subNode struct {
	id     nodeID
	parent nodeID
	query  store.Query
	depth  int
	cancel store.CancelFunc

	value any
	write func(v any)

	children map[string]nodeID
	refs     map[string]store.DocumentRef

	listChildren []map[string]nodeID
	listRefs     []map[string]store.DocumentRef
}

func newLiveSubscription(state State, key string, query store.Query, onChange func(), opts Options, log *zap.Logger) *LiveSubscription {
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveSubscription{
		state:    state,
		key:      key,
		query:    query,
		opts:     opts,
		log:      log,
		onChange: onChange,
		nodes:    make(map[nodeID]*subNode),
		root:     noNode,
	}
}

// SetOptions merges opts into the subscription's current options. It
// affects reference children bound after the call; already-bound children
// keep the budget they were created with.
func (s *LiveSubscription) SetOptions(opts ...Opt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = s.opts.apply(opts)
}

// OnChange registers the single change callback for the whole subscription
// tree. It must be set before Bind.
func (s *LiveSubscription) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Bind establishes the remote subscription and starts mirroring. It fails
// synchronously with ErrNoQuery when no query was configured.
func (s *LiveSubscription) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.query == nil {
		return ErrNoQuery
	}
	if s.root != noNode {
		return fmt.Errorf("binding: %q already bound", s.key)
	}
	n := s.newNode(noNode, s.query, s.opts.MaxRefDepth, func(v any) {
		s.state.Set(s.key, v)
	})
	if err := s.bindNode(n); err != nil {
		delete(s.nodes, n.id)
		return err
	}
	s.root = n.id
	return nil
}

// Unbind tears the whole tree down, children before parents, and releases
// every remote handle. Calling it on an already-unbound subscription is a
// no-op.
func (s *LiveSubscription) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == noNode {
		return
	}
	s.unbindNode(s.root)
	s.root = noNode
}

func (s *LiveSubscription) newNode(parent nodeID, query store.Query, depth int, write func(any)) *subNode {
	id := s.nextID
	s.nextID++
	n := &subNode{
		id:       id,
		parent:   parent,
		query:    query,
		depth:    depth,
		write:    write,
		children: make(map[string]nodeID),
		refs:     make(map[string]store.DocumentRef),
	}
	s.nodes[id] = n
	return n
}

// bindNode attaches n's remote subscription. Callers hold s.mu; deliveries
// re-enter through the node-liveness check so a cancelled node's late
// callbacks are dropped.
func (s *LiveSubscription) bindNode(n *subNode) error {
	id := n.id
	switch q := n.query.(type) {
	case store.DocumentRef:
		cancel, err := q.Listen(func(doc store.Document) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if node, ok := s.nodes[id]; ok {
				s.applyDocument(node, doc)
			}
		})
		if err != nil {
			return err
		}
		n.cancel = cancel
	case store.CollectionQuery:
		n.value = []any{}
		n.write(n.value)
		cancel, err := q.Listen(func(changes []store.Change) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if node, ok := s.nodes[id]; ok {
				s.applyChanges(node, changes)
			}
		})
		if err != nil {
			return err
		}
		n.cancel = cancel
	default:
		return fmt.Errorf("binding: unsupported query kind %v", n.query.Kind())
	}
	return nil
}

// applyDocument handles one document snapshot: mirror the new value, write
// it to the target, tear down every child bound for the previous snapshot,
// rescan, rebind, then notify. A missing document mirrors as nil with no
// reference resolution.
func (s *LiveSubscription) applyDocument(n *subNode, doc store.Document) {
	var val any
	if doc.Exists {
		val = any(doc.Data)
	}
	n.value = val
	n.write(val)

	for _, path := range sortedKeys(n.children) {
		s.unbindNode(n.children[path])
	}
	n.children = make(map[string]nodeID)
	n.refs = make(map[string]store.DocumentRef)

	if doc.Exists && n.depth > 0 {
		s.bindRefChildren(n, doc.Data, n.children, n.refs)
	}
	s.changed()
}

// applyChanges handles one batch of collection diff ops in reported order,
// keeping listChildren/listRefs index-aligned with the mirrored list, then
// writes the list to the target once and notifies.
func (s *LiveSubscription) applyChanges(n *subNode, changes []store.Change) {
	list, _ := n.value.([]any)
	for _, ch := range changes {
		switch ch.Kind {
		case store.ChangeAdded:
			list = s.insertItem(n, list, ch.NewIndex, ch.Doc)
		case store.ChangeModified:
			// Children for the old item are torn down and rebuilt
			// wholesale, even when its reference set is unchanged.
			list = s.removeItem(n, list, ch.OldIndex)
			list = s.insertItem(n, list, ch.NewIndex, ch.Doc)
		case store.ChangeRemoved:
			list = s.removeItem(n, list, ch.OldIndex)
		default:
			s.log.Warn("ignoring unknown change kind",
				zap.String("key", s.key),
				zap.Int("kind", int(ch.Kind)))
		}
	}
	n.value = list
	n.write(list)
	s.changed()
}

func (s *LiveSubscription) insertItem(n *subNode, list []any, index int, doc store.Document) []any {
	if index < 0 || index > len(list) {
		s.log.Warn("added change out of range",
			zap.String("key", s.key),
			zap.Int("index", index),
			zap.Int("len", len(list)))
		index = len(list)
	}
	item := doc.Data

	list = append(list, nil)
	copy(list[index+1:], list[index:])
	list[index] = any(item)

	n.listChildren = append(n.listChildren, nil)
	copy(n.listChildren[index+1:], n.listChildren[index:])
	n.listChildren[index] = make(map[string]nodeID)

	n.listRefs = append(n.listRefs, nil)
	copy(n.listRefs[index+1:], n.listRefs[index:])
	n.listRefs[index] = make(map[string]store.DocumentRef)

	if doc.Exists && n.depth > 0 {
		s.bindRefChildren(n, item, n.listChildren[index], n.listRefs[index])
	}
	return list
}

func (s *LiveSubscription) removeItem(n *subNode, list []any, index int) []any {
	if index < 0 || index >= len(list) {
		s.log.Warn("removed change out of range",
			zap.String("key", s.key),
			zap.Int("index", index),
			zap.Int("len", len(list)))
		return list
	}
	scoped := n.listChildren[index]
	for _, path := range sortedKeys(scoped) {
		s.unbindNode(scoped[path])
	}
	n.listChildren = append(n.listChildren[:index], n.listChildren[index+1:]...)
	n.listRefs = append(n.listRefs[:index], n.listRefs[index+1:]...)
	return append(list[:index], list[index+1:]...)
}

// bindRefChildren scans container for reference fields and binds one child
// node per discovered reference, each with one less depth level than the
// parent. Children write straight into container, which stays reachable
// from the parent's mirror, so index shifts in a mirrored list never
// invalidate a child's target.
func (s *LiveSubscription) bindRefChildren(n *subNode, container map[string]any, children map[string]nodeID, refs map[string]store.DocumentRef) {
	for _, e := range extractRefs(container, "") {
		path := e.Path
		child := s.newNode(n.id, e.Ref, n.depth-1, func(v any) {
			docpath.Set(container, path, v)
		})
		if err := s.bindNode(child); err != nil {
			s.log.Warn("binding reference child failed",
				zap.String("key", s.key),
				zap.String("path", path),
				zap.String("ref", e.Ref.Path()),
				zap.Error(err))
			delete(s.nodes, child.id)
			continue
		}
		children[path] = child.id
		refs[path] = e.Ref
	}
}

// unbindNode releases the subtree rooted at id: children first (document
// children in path order, then list-scoped children index-ascending), then
// the node's own remote handle.
func (s *LiveSubscription) unbindNode(id nodeID) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	for _, path := range sortedKeys(n.children) {
		s.unbindNode(n.children[path])
	}
	for _, scoped := range n.listChildren {
		for _, path := range sortedKeys(scoped) {
			s.unbindNode(scoped[path])
		}
	}
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	delete(s.nodes, id)
}

func (s *LiveSubscription) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
