// Package pgstore is a Postgres-backed document store implementing the
// pkg/store capability surface. Documents live in a single JSONB table;
// change fan-out rides LISTEN/NOTIFY via a trigger installed by the
// embedded goose migrations. Reads go through a pgx pool, notifications
// through a lib/pq listener, which reconnects on its own.
//
// Collection diffs are computed per listener against the id ordering it
// last saw, so every listener observes a consistent added/modified/removed
// stream regardless of when it subscribed.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/zoravur/docbind/pkg/store"
	"github.com/zoravur/docbind/pkg/store/internal/queue"
)

//go:embed migrations/*.sql
var migrations embed.FS

const notifyChannel = "docbind_changes"

// Store is a Postgres-backed document store. Open it with Open and release
// it with Close.
type Store struct {
	pool     *pgxpool.Pool
	listener *pq.Listener
	log      *zap.Logger

	mu           sync.Mutex
	closed       bool
	docWatchers  map[string]map[*queue.Queue[store.Document]]struct{}
	collWatchers map[string]map[*collWatcher]struct{}
}

type collWatcher struct {
	q     *queue.Queue[[]store.Change]
	order []string
}

type config struct {
	migrate bool
	log     *zap.Logger
}

// Option configures Open.
type Option func(*config)

// WithLogger sets the store's logger; defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithoutMigrations skips running the embedded migrations on Open, for
// databases managed externally.
func WithoutMigrations() Option {
	return func(c *config) { c.migrate = false }
}

// Open connects to dsn, runs the embedded migrations unless disabled, and
// starts the notification listener.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := config{migrate: true, log: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if cfg.migrate {
		if err := runMigrations(dsn); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s := &Store{
		pool:         pool,
		log:          cfg.log,
		docWatchers:  make(map[string]map[*queue.Queue[store.Document]]struct{}),
		collWatchers: make(map[string]map[*collWatcher]struct{}),
	}
	s.listener = pq.NewListener(dsn, 200*time.Millisecond, 10*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.log.Warn("pg listener event",
					zap.Int("event", int(ev)), zap.Error(err))
			}
		})
	if err := s.listener.Listen(notifyChannel); err != nil {
		s.listener.Close()
		pool.Close()
		return nil, fmt.Errorf("pgstore: listen %s: %w", notifyChannel, err)
	}
	go s.dispatch()
	return s, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("pgstore: open for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Close stops notification dispatch, drops every listener, and releases
// the connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ws := range s.docWatchers {
		for q := range ws {
			q.Close()
		}
	}
	for _, ws := range s.collWatchers {
		for w := range ws {
			w.q.Close()
		}
	}
	s.docWatchers = make(map[string]map[*queue.Queue[store.Document]]struct{})
	s.collWatchers = make(map[string]map[*collWatcher]struct{})
	s.mu.Unlock()

	s.listener.Close()
	s.pool.Close()
}

// Put creates or replaces the document at path ("<collection>/<id>").
// Reference fields are encoded with store.EncodeRef.
func (s *Store) Put(ctx context.Context, path string, data map[string]any) error {
	collection, id := splitPath(path)
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("pgstore: encode %s: %w", path, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		collection, id, encoded)
	if err != nil {
		return fmt.Errorf("pgstore: put %s: %w", path, err)
	}
	return nil
}

// Add stores data under a generated id and returns the new document's
// handle.
func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (store.DocumentRef, error) {
	path := collection + "/" + uuid.NewString()
	if err := s.Put(ctx, path, data); err != nil {
		return nil, err
	}
	return s.Doc(path), nil
}

// Delete removes the document at path; removing a missing document is a
// no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	collection, id := splitPath(path)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", path, err)
	}
	return nil
}

// Doc returns a handle to the document at path. The document need not
// exist.
func (s *Store) Doc(path string) store.DocumentRef {
	return &docRef{store: s, path: path}
}

// Collection returns a query over every document in the named collection,
// ordered by id.
func (s *Store) Collection(name string) store.CollectionQuery {
	return &collQuery{store: s, name: name}
}

type changeEvent struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

func (s *Store) dispatch() {
	for n := range s.listener.Notify {
		if n == nil {
			// Reconnect; notifications may have been lost.
			s.log.Warn("pg listener reconnected, changes may have been missed")
			continue
		}
		var ev changeEvent
		if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
			s.log.Warn("bad change payload",
				zap.String("payload", n.Extra), zap.Error(err))
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *Store) handleEvent(ev changeEvent) {
	path := ev.Collection + "/" + ev.ID

	var raw []byte
	exists := false
	if ev.Op != "delete" {
		var err error
		raw, exists, err = s.fetchRaw(context.Background(), path)
		if err != nil {
			s.log.Warn("refetch after change failed",
				zap.String("path", path), zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for q := range s.docWatchers[path] {
		q.Push(s.decodeDocument(path, raw, exists))
	}
	for w := range s.collWatchers[ev.Collection] {
		var doc store.Document
		if exists {
			doc = s.decodeDocument(path, raw, true)
		}
		if batch := w.apply(ev.ID, exists, doc); len(batch) > 0 {
			w.q.Push(batch)
		}
	}
}

// apply folds one document event into the watcher's known id ordering and
// returns the diff batch to deliver, if any.
func (w *collWatcher) apply(id string, exists bool, doc store.Document) []store.Change {
	idx := indexOf(w.order, id)
	if !exists {
		if idx < 0 {
			return nil
		}
		w.order = append(w.order[:idx], w.order[idx+1:]...)
		return []store.Change{{Kind: store.ChangeRemoved, OldIndex: idx, NewIndex: -1}}
	}
	if idx >= 0 {
		return []store.Change{{Kind: store.ChangeModified, OldIndex: idx, NewIndex: idx, Doc: doc}}
	}
	at := sort.SearchStrings(w.order, id)
	w.order = append(w.order, "")
	copy(w.order[at+1:], w.order[at:])
	w.order[at] = id
	return []store.Change{{Kind: store.ChangeAdded, OldIndex: -1, NewIndex: at, Doc: doc}}
}

func (s *Store) fetchRaw(ctx context.Context, path string) ([]byte, bool, error) {
	collection, id := splitPath(path)
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pgstore: fetch %s: %w", path, err)
	}
	return raw, true, nil
}

// decodeDocument turns stored JSON into a delivered Document, replacing
// {"$ref": path} objects with handles bound to this store. Each call
// produces a fresh value, so listeners never alias each other.
func (s *Store) decodeDocument(path string, raw []byte, exists bool) store.Document {
	doc := store.Document{Ref: s.Doc(path).(*docRef), Exists: exists}
	if !exists {
		return doc
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		s.log.Warn("bad stored document",
			zap.String("path", path), zap.Error(err))
		return store.Document{Ref: doc.Ref}
	}
	doc.Data = s.materialize(data).(map[string]any)
	return doc
}

func (s *Store) materialize(v any) any {
	if p, ok := store.DecodeRef(v); ok {
		return store.DocumentRef(&docRef{store: s, path: p})
	}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = s.materialize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = s.materialize(val)
		}
		return t
	}
	return v
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

type docRef struct {
	store *Store
	path  string
}

func (r *docRef) Kind() store.Kind { return store.KindDocument }
func (r *docRef) Path() string     { return r.path }

func (r *docRef) Get(ctx context.Context) (store.Document, error) {
	raw, exists, err := r.store.fetchRaw(ctx, r.path)
	if err != nil {
		return store.Document{}, err
	}
	return r.store.decodeDocument(r.path, raw, exists), nil
}

func (r *docRef) Listen(fn func(store.Document)) (store.CancelFunc, error) {
	q := queue.New(fn)

	// Snapshot and registration happen under the dispatch lock so the
	// initial state and subsequent events form one ordered stream.
	r.store.mu.Lock()
	if r.store.closed {
		r.store.mu.Unlock()
		q.Close()
		return nil, fmt.Errorf("pgstore: store closed")
	}
	raw, exists, err := r.store.fetchRaw(context.Background(), r.path)
	if err != nil {
		r.store.mu.Unlock()
		q.Close()
		return nil, err
	}
	ws, ok := r.store.docWatchers[r.path]
	if !ok {
		ws = make(map[*queue.Queue[store.Document]]struct{})
		r.store.docWatchers[r.path] = ws
	}
	ws[q] = struct{}{}
	q.Push(r.store.decodeDocument(r.path, raw, exists))
	r.store.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.store.mu.Lock()
			delete(r.store.docWatchers[r.path], q)
			r.store.mu.Unlock()
			q.Close()
		})
	}, nil
}

type collQuery struct {
	store *Store
	name  string
}

func (q *collQuery) Kind() store.Kind { return store.KindCollection }

func (q *collQuery) GetAll(ctx context.Context) ([]store.Document, error) {
	rows, err := q.store.pool.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
		q.name)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query %s: %w", q.name, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("pgstore: scan %s: %w", q.name, err)
		}
		docs = append(docs, q.store.decodeDocument(q.name+"/"+id, raw, true))
	}
	return docs, rows.Err()
}

func (q *collQuery) Listen(fn func([]store.Change)) (store.CancelFunc, error) {
	w := &collWatcher{q: queue.New(fn)}

	q.store.mu.Lock()
	if q.store.closed {
		q.store.mu.Unlock()
		w.q.Close()
		return nil, fmt.Errorf("pgstore: store closed")
	}
	docs, err := q.GetAll(context.Background())
	if err != nil {
		q.store.mu.Unlock()
		w.q.Close()
		return nil, err
	}
	initial := make([]store.Change, 0, len(docs))
	for i, d := range docs {
		_, id := splitPath(d.Ref.Path())
		w.order = append(w.order, id)
		initial = append(initial, store.Change{
			Kind:     store.ChangeAdded,
			OldIndex: -1,
			NewIndex: i,
			Doc:      d,
		})
	}
	ws, ok := q.store.collWatchers[q.name]
	if !ok {
		ws = make(map[*collWatcher]struct{})
		q.store.collWatchers[q.name] = ws
	}
	ws[w] = struct{}{}
	if len(initial) > 0 {
		w.q.Push(initial)
	}
	q.store.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.store.mu.Lock()
			delete(q.store.collWatchers[q.name], w)
			q.store.mu.Unlock()
			w.q.Close()
		})
	}, nil
}
