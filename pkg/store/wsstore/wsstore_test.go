package wsstore

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/docbind/internal/api"
	"github.com/zoravur/docbind/pkg/store"
	"github.com/zoravur/docbind/pkg/store/memstore"
)

// memWriter satisfies api.Writer over memstore for the test server.
type memWriter struct{ st *memstore.Store }

func (w memWriter) Put(_ context.Context, path string, data map[string]any) error {
	w.st.Put(path, data)
	return nil
}
func (w memWriter) Add(_ context.Context, collection string, data map[string]any) (store.DocumentRef, error) {
	return w.st.Add(collection, data), nil
}
func (w memWriter) Delete(_ context.Context, path string) error {
	w.st.Delete(path)
	return nil
}

func startServer(t *testing.T) (*memstore.Store, *Client) {
	t.Helper()
	st := memstore.New()
	srv := httptest.NewServer(api.SetupRoutes(st, memWriter{st}, zap.NewNop()))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return st, c
}

func TestGetRoundTrip(t *testing.T) {
	st, c := startServer(t)
	st.Put("users/u1", map[string]any{"name": "Ada"})

	ctx := context.Background()
	doc, err := c.Doc("users/u1").Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !doc.Exists {
		t.Fatal("expected document to exist")
	}
	if doc.Data["name"] != "Ada" {
		t.Fatalf("Data = %v", doc.Data)
	}
	if doc.Ref.Path() != "users/u1" {
		t.Fatalf("Path = %q", doc.Ref.Path())
	}
}

func TestGetMissingDoc(t *testing.T) {
	_, c := startServer(t)

	doc, err := c.Doc("users/nope").Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Exists {
		t.Fatal("expected missing document")
	}
}

func TestRefsMaterializeAsHandles(t *testing.T) {
	st, c := startServer(t)
	st.Put("users/u1", map[string]any{"name": "Ada"})
	st.Put("posts/p1", map[string]any{
		"title":  "hello",
		"author": store.EncodeRef("users/u1"),
	})

	doc, err := c.Doc("posts/p1").Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ref, ok := doc.Data["author"].(store.DocumentRef)
	if !ok {
		t.Fatalf("author = %T, want DocumentRef", doc.Data["author"])
	}
	if ref.Path() != "users/u1" {
		t.Fatalf("ref path = %q", ref.Path())
	}

	// The handle must be usable over the same connection.
	author, err := ref.Get(context.Background())
	if err != nil {
		t.Fatalf("author Get: %v", err)
	}
	if author.Data["name"] != "Ada" {
		t.Fatalf("author = %v", author.Data)
	}
}

func TestGetAllOrdered(t *testing.T) {
	st, c := startServer(t)
	st.Put("users/b", map[string]any{"n": float64(2)})
	st.Put("users/a", map[string]any{"n": float64(1)})

	docs, err := c.Collection("users").GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d", len(docs))
	}
	if docs[0].Ref.Path() != "users/a" || docs[1].Ref.Path() != "users/b" {
		t.Fatalf("order = %q, %q", docs[0].Ref.Path(), docs[1].Ref.Path())
	}
}

func TestDocListenStreamsSnapshots(t *testing.T) {
	st, c := startServer(t)

	var mu sync.Mutex
	var got []store.Document
	notify := make(chan struct{}, 16)

	cancel, err := c.Doc("users/u1").Listen(func(d store.Document) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		notify <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer cancel()

	await(t, notify) // initial missing snapshot
	st.Put("users/u1", map[string]any{"name": "Ada"})
	await(t, notify)
	st.Delete("users/u1")
	await(t, notify)

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 3 {
		t.Fatalf("snapshots = %d, want >= 3", len(got))
	}
	if got[0].Exists {
		t.Fatal("first snapshot should be missing")
	}
	if !got[1].Exists || got[1].Data["name"] != "Ada" {
		t.Fatalf("second snapshot = %+v", got[1])
	}
	if got[len(got)-1].Exists {
		t.Fatal("last snapshot should be missing after delete")
	}
}

func TestCollectionListenStreamsDiffs(t *testing.T) {
	st, c := startServer(t)
	st.Put("users/a", map[string]any{"n": float64(1)})

	var mu sync.Mutex
	var batches [][]store.Change
	notify := make(chan struct{}, 16)

	cancel, err := c.Collection("users").Listen(func(changes []store.Change) {
		mu.Lock()
		batches = append(batches, changes)
		mu.Unlock()
		notify <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer cancel()

	await(t, notify) // initial added batch
	st.Put("users/b", map[string]any{"n": float64(2)})
	await(t, notify)
	st.Delete("users/a")
	await(t, notify)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) < 3 {
		t.Fatalf("batches = %d, want >= 3", len(batches))
	}
	first := batches[0]
	if len(first) != 1 || first[0].Kind != store.ChangeAdded || first[0].NewIndex != 0 {
		t.Fatalf("initial batch = %+v", first)
	}
	second := batches[1]
	if len(second) != 1 || second[0].Kind != store.ChangeAdded || second[0].NewIndex != 1 {
		t.Fatalf("add batch = %+v", second)
	}
	third := batches[2]
	if len(third) != 1 || third[0].Kind != store.ChangeRemoved || third[0].OldIndex != 0 {
		t.Fatalf("remove batch = %+v", third)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	st, c := startServer(t)

	notify := make(chan struct{}, 16)
	cancel, err := c.Doc("users/u1").Listen(func(store.Document) {
		notify <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	await(t, notify)

	cancel()
	cancel() // idempotent

	st.Put("users/u1", map[string]any{"name": "Ada"})
	select {
	case <-notify:
		t.Fatal("delivery after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestAfterCloseFails(t *testing.T) {
	_, c := startServer(t)
	c.Close()

	_, err := c.Doc("users/u1").Get(context.Background())
	if err == nil {
		t.Fatal("expected error after Close")
	}
}

func await(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
