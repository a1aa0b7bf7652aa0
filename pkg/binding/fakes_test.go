package binding

import (
	"context"
	"sync"
	"time"

	"github.com/zoravur/docbind/pkg/store"
)

// eventLog records listen/cancel events across fakes so tests can assert
// teardown and rebind ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) indexOf(e string) int {
	for i, ev := range l.snapshot() {
		if ev == e {
			return i
		}
	}
	return -1
}

// fakeRef is a controllable DocumentRef. Deliver pushes a snapshot to
// every active listener from the caller's goroutine; tests call it while
// holding no binding locks, which satisfies the asynchronous-delivery
// contract.
type fakeRef struct {
	path  string
	doc   store.Document
	err   error
	delay time.Duration
	log   *eventLog

	mu        sync.Mutex
	listeners map[int]func(store.Document)
	nextID    int
}

func newFakeRef(path string, data map[string]any) *fakeRef {
	f := &fakeRef{path: path, listeners: make(map[int]func(store.Document))}
	f.doc = store.Document{Ref: f, Exists: data != nil, Data: data}
	return f
}

func (f *fakeRef) Kind() store.Kind { return store.KindDocument }
func (f *fakeRef) Path() string     { return f.path }

func (f *fakeRef) Get(ctx context.Context) (store.Document, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return store.Document{}, ctx.Err()
		}
	}
	if f.err != nil {
		return store.Document{}, f.err
	}
	return f.doc, nil
}

func (f *fakeRef) Listen(fn func(store.Document)) (store.CancelFunc, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	if f.log != nil {
		f.log.add("listen " + f.path)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
			if f.log != nil {
				f.log.add("cancel " + f.path)
			}
		})
	}, nil
}

func (f *fakeRef) Deliver(data map[string]any) {
	doc := store.Document{Ref: f, Exists: data != nil, Data: data}
	f.mu.Lock()
	fns := make([]func(store.Document), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(doc)
	}
}

func (f *fakeRef) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// fakeColl is a controllable CollectionQuery.
type fakeColl struct {
	log *eventLog

	mu        sync.Mutex
	listeners map[int]func([]store.Change)
	nextID    int
}

func newFakeColl() *fakeColl {
	return &fakeColl{listeners: make(map[int]func([]store.Change))}
}

func (f *fakeColl) Kind() store.Kind { return store.KindCollection }

func (f *fakeColl) GetAll(context.Context) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeColl) Listen(fn func([]store.Change)) (store.CancelFunc, error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	if f.log != nil {
		f.log.add("listen collection")
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
			if f.log != nil {
				f.log.add("cancel collection")
			}
		})
	}, nil
}

func (f *fakeColl) Deliver(changes []store.Change) {
	f.mu.Lock()
	fns := make([]func([]store.Change), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(changes)
	}
}

func added(index int, data map[string]any) store.Change {
	return store.Change{Kind: store.ChangeAdded, OldIndex: -1, NewIndex: index, Doc: store.Document{Exists: true, Data: data}}
}

func removed(index int) store.Change {
	return store.Change{Kind: store.ChangeRemoved, OldIndex: index, NewIndex: -1}
}
