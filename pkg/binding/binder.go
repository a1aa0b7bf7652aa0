// Package binding mirrors remote document-store state into local
// application state, resolving reference fields up to a configurable depth
// and keeping the mirror live as the store changes. The store itself is an
// external collaborator behind the pkg/store interfaces; the host's
// reactivity system is abstracted to a writable keyed slot plus an optional
// change callback.
package binding

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/docbind/pkg/store"
)

// Binder is the entry point for application code. Each Binder owns its own
// registry of active bindings keyed by target property name; independent
// Binders never share state. The registry contract is one active binding
// per key: a second Bind for the same key replaces the entry and leaks the
// previous subscription, which the Binder logs but does not prevent.
type Binder struct {
	state    State
	log      *zap.Logger
	notify   func()
	defaults Options

	mu     sync.Mutex
	active map[string]*LiveSubscription
}

// BinderOption configures a Binder at construction.
type BinderOption func(*Binder)

// WithLogger sets the logger used by the binder and every subscription it
// creates. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) BinderOption {
	return func(b *Binder) {
		if log != nil {
			b.log = log
		}
	}
}

// WithNotify sets the zero-argument change callback invoked after every
// mirror mutation, including nested reference updates that do not pass
// through State.Set.
func WithNotify(fn func()) BinderOption {
	return func(b *Binder) { b.notify = fn }
}

// WithDefaults sets default Options applied before per-call Opts.
func WithDefaults(opts ...Opt) BinderOption {
	return func(b *Binder) { b.defaults = b.defaults.apply(opts) }
}

// New returns a Binder writing into state.
func New(state State, opts ...BinderOption) *Binder {
	b := &Binder{
		state:    state,
		log:      zap.NewNop(),
		defaults: defaultOptions(),
		active:   make(map[string]*LiveSubscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// changed fires the binder-level notify callback, if any.
func (b *Binder) changed() {
	if b.notify != nil {
		b.notify()
	}
}

// GetOnce fetches the query result once, resolves references to the
// configured depth, writes the result into state[key], and returns it. For
// a single-document query whose document does not exist it writes and
// returns nil without attempting resolution. A failed reference fetch
// fails the call; the slot keeps whatever the passes before the failure
// had written.
func (b *Binder) GetOnce(ctx context.Context, key string, query store.Query, opts ...Opt) (any, error) {
	if query == nil {
		return nil, ErrNoQuery
	}
	o := b.defaults.apply(opts)

	var value any
	switch q := query.(type) {
	case store.DocumentRef:
		doc, err := q.Get(ctx)
		if err != nil {
			return nil, err
		}
		if !doc.Exists {
			b.state.Set(key, nil)
			b.changed()
			return nil, nil
		}
		value = doc.Data
	case store.CollectionQuery:
		docs, err := q.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		list := make([]any, len(docs))
		for i, d := range docs {
			list[i] = any(d.Data)
		}
		value = list
	default:
		return nil, fmt.Errorf("binding: unsupported query kind %v", query.Kind())
	}

	b.state.Set(key, value)
	resolved, err := resolveRefs(ctx, value, o.MaxRefDepth, func() {
		b.state.Set(key, value)
		b.changed()
	})
	if err != nil {
		return nil, err
	}
	b.state.Set(key, resolved)
	b.changed()
	return resolved, nil
}

// UnbindFunc releases the binding it was returned for, applying the given
// reset policy to the bound slot.
type UnbindFunc func(policy ...ResetPolicy)

// Bind constructs a LiveSubscription rooted at state[key], registers it
// under key, and starts it. The returned UnbindFunc is equivalent to
// calling Unbind(key, policy).
func (b *Binder) Bind(key string, query store.Query, opts ...Opt) (UnbindFunc, error) {
	if query == nil {
		return nil, ErrNoQuery
	}
	ls := newLiveSubscription(b.state, key, query, b.changed, b.defaults.apply(opts), b.log)

	b.mu.Lock()
	if _, exists := b.active[key]; exists {
		// Caller contract violation: the replaced subscription keeps
		// running and can no longer be unbound through this Binder.
		b.log.Warn("replacing active binding, previous subscription leaked",
			zap.String("key", key))
	}
	b.active[key] = ls
	b.mu.Unlock()

	if err := ls.Bind(); err != nil {
		b.mu.Lock()
		if b.active[key] == ls {
			delete(b.active, key)
		}
		b.mu.Unlock()
		return nil, err
	}
	return func(policy ...ResetPolicy) {
		b.Unbind(key, policy...)
	}, nil
}

// ResetPolicy decides what Unbind leaves in the bound slot. The zero value
// resets the slot to nil; Keep leaves it untouched; ResetTo supplies a
// replacement value. Collections that should reset to an empty list need
// an explicit ResetTo(func() any { return []any{} }) from the caller; the
// binder does not track the bound shape.
type ResetPolicy struct {
	keep  bool
	value func() any
}

// Keep leaves the slot's current value in place on unbind.
var Keep = ResetPolicy{keep: true}

// ResetTo resets the slot to fn's result on unbind.
func ResetTo(fn func() any) ResetPolicy {
	return ResetPolicy{value: fn}
}

// Unbind stops and removes the binding registered under key, if any, and
// applies the reset policy to state[key]. At most one policy is honored;
// none means reset to nil.
func (b *Binder) Unbind(key string, policy ...ResetPolicy) {
	b.mu.Lock()
	ls := b.active[key]
	delete(b.active, key)
	b.mu.Unlock()

	if ls != nil {
		ls.Unbind()
	}

	var p ResetPolicy
	if len(policy) > 0 {
		p = policy[0]
	}
	switch {
	case p.keep:
	case p.value != nil:
		b.state.Set(key, p.value())
	default:
		b.state.Set(key, nil)
	}
}
