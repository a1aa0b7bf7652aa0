package binding

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/zoravur/docbind/pkg/store"
	"github.com/zoravur/docbind/pkg/store/memstore"
)

func TestGetOnceResolvesReferences(t *testing.T) {
	ms := memstore.New()
	ms.Put("users/ada", map[string]any{"name": "Ada"})
	ms.Put("posts/p1", map[string]any{
		"title":  "t",
		"author": store.EncodeRef("users/ada"),
	})

	state := NewMapState(nil)
	b := New(state)

	got, err := b.GetOnce(context.Background(), "post", ms.Doc("posts/p1"))
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	post := got.(map[string]any)
	author, ok := post["author"].(map[string]any)
	if !ok || author["name"] != "Ada" {
		t.Fatalf("author not resolved: %#v", post["author"])
	}
	if !reflect.DeepEqual(state.Get("post"), got) {
		t.Fatal("state and returned value diverge")
	}
}

func TestGetOnceDepthZeroKeepsHandles(t *testing.T) {
	ms := memstore.New()
	ms.Put("users/ada", map[string]any{"name": "Ada"})
	ms.Put("posts/p1", map[string]any{"author": store.EncodeRef("users/ada")})

	b := New(NewMapState(nil))
	got, err := b.GetOnce(context.Background(), "post", ms.Doc("posts/p1"), MaxRefDepth(0))
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	if _, ok := got.(map[string]any)["author"].(store.DocumentRef); !ok {
		t.Fatalf("author resolved at depth 0: %#v", got.(map[string]any)["author"])
	}
}

func TestGetOnceMissingDocumentReturnsNil(t *testing.T) {
	ms := memstore.New()
	state := NewMapState(nil)
	state.Set("post", "sentinel")
	b := New(state)

	got, err := b.GetOnce(context.Background(), "post", ms.Doc("posts/absent"))
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	if got != nil {
		t.Fatalf("got %#v, want nil", got)
	}
	if state.Get("post") != nil {
		t.Fatalf("state = %#v, want nil", state.Get("post"))
	}
}

func TestGetOnceCollection(t *testing.T) {
	ms := memstore.New()
	ms.Put("users/ada", map[string]any{"name": "Ada"})
	ms.Put("posts/a", map[string]any{"author": store.EncodeRef("users/ada")})
	ms.Put("posts/b", map[string]any{"title": "plain"})

	b := New(NewMapState(nil))
	got, err := b.GetOnce(context.Background(), "posts", ms.Collection("posts"))
	if err != nil {
		t.Fatalf("GetOnce: %v", err)
	}
	list := got.([]any)
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	author, ok := list[0].(map[string]any)["author"].(map[string]any)
	if !ok || author["name"] != "Ada" {
		t.Fatalf("collection item not resolved: %#v", list[0])
	}
}

func TestGetOnceNilQuery(t *testing.T) {
	b := New(NewMapState(nil))
	if _, err := b.GetOnce(context.Background(), "k", nil); err != ErrNoQuery {
		t.Fatalf("err = %v, want ErrNoQuery", err)
	}
}

func TestBindNilQuery(t *testing.T) {
	b := New(NewMapState(nil))
	if _, err := b.Bind("k", nil); err != ErrNoQuery {
		t.Fatalf("err = %v, want ErrNoQuery", err)
	}
}

func TestUnbindResetPolicies(t *testing.T) {
	cases := []struct {
		name   string
		policy []ResetPolicy
		want   any
	}{
		{"default resets to nil", nil, nil},
		{"keep leaves value", []ResetPolicy{Keep}, "kept"},
		{"reset to empty list", []ResetPolicy{ResetTo(func() any { return []any{} })}, []any{}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := newFakeRef("posts/p1", nil)
			state := NewMapState(nil)
			b := New(state)
			if _, err := b.Bind("post", root); err != nil {
				t.Fatalf("Bind: %v", err)
			}
			state.Set("post", "kept")

			b.Unbind("post", c.policy...)
			if got := state.Get("post"); !reflect.DeepEqual(got, c.want) {
				t.Fatalf("state = %#v, want %#v", got, c.want)
			}
			if root.listenerCount() != 0 {
				t.Fatal("subscription survived Unbind")
			}
		})
	}
}

func TestUnbindUnknownKeyAppliesPolicy(t *testing.T) {
	state := NewMapState(nil)
	state.Set("k", "v")
	b := New(state)
	b.Unbind("k")
	if state.Get("k") != nil {
		t.Fatalf("state = %#v, want nil", state.Get("k"))
	}
}

func TestRebindReplacesRegistryEntry(t *testing.T) {
	first := newFakeRef("posts/p1", nil)
	second := newFakeRef("posts/p2", nil)
	state := NewMapState(nil)
	b := New(state)

	if _, err := b.Bind("post", first); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if _, err := b.Bind("post", second); err != nil {
		t.Fatalf("second Bind: %v", err)
	}

	b.Unbind("post")
	if second.listenerCount() != 0 {
		t.Fatal("second binding not released")
	}
	// The replaced binding is orphaned, exactly the documented hazard.
	if first.listenerCount() != 1 {
		t.Fatalf("first listeners = %d, want leaked 1", first.listenerCount())
	}
}

func TestLiveAgainstMemstore(t *testing.T) {
	ms := memstore.New()
	ms.Put("users/ada", map[string]any{"name": "Ada"})

	state := NewMapState(nil)
	ch, opt := notifier()
	b := New(state, opt)

	unbind, err := b.Bind("users", ms.Collection("users"))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer unbind(Keep)

	awaitCondition(t, ch, func() bool {
		list, _ := state.Get("users").([]any)
		return len(list) == 1
	})

	ms.Put("users/bob", map[string]any{"name": "Bob"})
	awaitCondition(t, ch, func() bool {
		list, _ := state.Get("users").([]any)
		return len(list) == 2
	})

	ms.Delete("users/ada")
	awaitCondition(t, ch, func() bool {
		list, _ := state.Get("users").([]any)
		return len(list) == 1 && list[0].(map[string]any)["name"] == "Bob"
	})
}

// awaitCondition consumes change notifications until cond holds.
func awaitCondition(t *testing.T, ch chan struct{}, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-ch:
		case <-deadline:
			t.Fatal("condition not reached in time")
		}
	}
}
