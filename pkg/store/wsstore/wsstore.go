// Package wsstore is a websocket client adapter: it speaks the docbind
// document protocol to a remote server and exposes the result as store
// handles, so a Binder can mirror server-side state without knowing the
// transport.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/docbind/internal/protocol"
	"github.com/zoravur/docbind/pkg/store"
	"github.com/zoravur/docbind/pkg/store/internal/queue"
)

// ErrClosed is returned by requests made after the connection is gone.
var ErrClosed = errors.New("wsstore: connection closed")

type options struct {
	log    *zap.Logger
	dialer *websocket.Dialer
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDialer overrides the websocket dialer used by Dial.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Client is a connection to a docbind websocket server. All handles
// returned by Doc and Collection share the connection; closing the
// Client invalidates them.
type Client struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan protocol.Envelope
	docSubs  map[string]*queue.Queue[store.Document]
	collSubs map[string]*queue.Queue[[]store.Change]

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a docbind server at url (a ws:// or wss:// endpoint)
// and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{log: zap.NewNop(), dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(&o)
	}

	conn, _, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstore: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		log:      o.log,
		pending:  make(map[string]chan protocol.Envelope),
		docSubs:  make(map[string]*queue.Queue[store.Document]),
		collSubs: make(map[string]*queue.Queue[[]store.Change]),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Active subscriptions stop delivering;
// in-flight requests fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		for _, q := range c.docSubs {
			q.Close()
		}
		for _, q := range c.collSubs {
			q.Close()
		}
		c.docSubs = map[string]*queue.Queue[store.Document]{}
		c.collSubs = map[string]*queue.Queue[[]store.Change]{}
		c.mu.Unlock()
	})
}

// Doc returns a handle to the document at path ("<collection>/<id>").
func (c *Client) Doc(path string) store.DocumentRef {
	return &docRef{c: c, path: path}
}

// Collection returns a handle to the named collection, ordered by
// document id on the server.
func (c *Client) Collection(name string) store.CollectionQuery {
	return &collQuery{c: c, name: name}
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("read failed, closing connection", zap.Error(err))
			}
			c.shutdown()
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResult, protocol.TypeResultSet, protocol.TypeError:
		c.mu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- env
		}

	case protocol.TypeSnapshot:
		c.mu.Lock()
		q := c.docSubs[env.ID]
		c.mu.Unlock()
		if q != nil && env.Doc != nil {
			q.Push(c.decodeDoc(*env.Doc))
		}

	case protocol.TypeChanges:
		c.mu.Lock()
		q := c.collSubs[env.ID]
		c.mu.Unlock()
		if q == nil {
			return
		}
		batch := make([]store.Change, 0, len(env.Changes))
		for _, wc := range env.Changes {
			kind, err := protocol.ParseKind(wc.Kind)
			if err != nil {
				c.log.Warn("dropping change", zap.String("id", env.ID), zap.Error(err))
				continue
			}
			batch = append(batch, store.Change{
				Kind:     kind,
				OldIndex: wc.OldIndex,
				NewIndex: wc.NewIndex,
				Doc:      c.decodeDoc(wc.Doc),
			})
		}
		q.Push(batch)

	case protocol.TypePong:

	default:
		c.log.Warn("unexpected message type", zap.String("type", env.Type))
	}
}

// request sends env and waits for the correlated reply.
func (c *Client) request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.send(env); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return protocol.Envelope{}, err
	}

	select {
	case resp := <-ch:
		if resp.Type == protocol.TypeError {
			return resp, fmt.Errorf("wsstore: %s %s: %s", env.Type, env.ID, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return protocol.Envelope{}, ctx.Err()
	case <-c.closed:
		return protocol.Envelope{}, ErrClosed
	}
}

func (c *Client) send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("wsstore: send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) decodeDoc(wd protocol.Doc) store.Document {
	d := store.Document{Ref: c.Doc(wd.Path).(*docRef), Exists: wd.Exists}
	if wd.Data != nil {
		d.Data = c.materialize(wd.Data).(map[string]any)
	}
	return d
}

// materialize promotes encoded reference objects into live handles bound
// to this connection.
func (c *Client) materialize(v any) any {
	if path, ok := store.DecodeRef(v); ok {
		return c.Doc(path)
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = c.materialize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = c.materialize(e)
		}
		return out
	default:
		return v
	}
}

type docRef struct {
	c    *Client
	path string
}

func (r *docRef) Kind() store.Kind { return store.KindDocument }
func (r *docRef) Path() string     { return r.path }

func (r *docRef) Get(ctx context.Context) (store.Document, error) {
	resp, err := r.c.request(ctx, protocol.Envelope{
		Type: protocol.TypeGet,
		ID:   uuid.NewString(),
		Path: r.path,
	})
	if err != nil {
		return store.Document{Ref: r}, err
	}
	if resp.Doc == nil {
		return store.Document{Ref: r}, fmt.Errorf("wsstore: get %s: empty result", r.path)
	}
	return r.c.decodeDoc(*resp.Doc), nil
}

func (r *docRef) Listen(fn func(store.Document)) (store.CancelFunc, error) {
	id := uuid.NewString()
	q := queue.New(fn)

	r.c.mu.Lock()
	r.c.docSubs[id] = q
	r.c.mu.Unlock()

	err := r.c.send(protocol.Envelope{
		Type: protocol.TypeWatchDoc,
		ID:   id,
		Path: r.path,
	})
	if err != nil {
		r.c.mu.Lock()
		delete(r.c.docSubs, id)
		r.c.mu.Unlock()
		q.Close()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.c.mu.Lock()
			delete(r.c.docSubs, id)
			r.c.mu.Unlock()
			q.Close()
			if err := r.c.send(protocol.Envelope{Type: protocol.TypeUnwatch, ID: id}); err != nil {
				r.c.log.Debug("unwatch failed", zap.String("id", id), zap.Error(err))
			}
		})
	}
	return cancel, nil
}

type collQuery struct {
	c    *Client
	name string
}

func (q *collQuery) Kind() store.Kind { return store.KindCollection }

func (q *collQuery) GetAll(ctx context.Context) ([]store.Document, error) {
	resp, err := q.c.request(ctx, protocol.Envelope{
		Type:       protocol.TypeGetAll,
		ID:         uuid.NewString(),
		Collection: q.name,
	})
	if err != nil {
		return nil, err
	}
	docs := make([]store.Document, len(resp.Docs))
	for i, wd := range resp.Docs {
		docs[i] = q.c.decodeDoc(wd)
	}
	return docs, nil
}

func (q *collQuery) Listen(fn func([]store.Change)) (store.CancelFunc, error) {
	id := uuid.NewString()
	dq := queue.New(fn)

	q.c.mu.Lock()
	q.c.collSubs[id] = dq
	q.c.mu.Unlock()

	err := q.c.send(protocol.Envelope{
		Type:       protocol.TypeWatchColl,
		ID:         id,
		Collection: q.name,
	})
	if err != nil {
		q.c.mu.Lock()
		delete(q.c.collSubs, id)
		q.c.mu.Unlock()
		dq.Close()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			q.c.mu.Lock()
			delete(q.c.collSubs, id)
			q.c.mu.Unlock()
			dq.Close()
			if err := q.c.send(protocol.Envelope{Type: protocol.TypeUnwatch, ID: id}); err != nil {
				q.c.log.Debug("unwatch failed", zap.String("id", id), zap.Error(err))
			}
		})
	}
	return cancel, nil
}
