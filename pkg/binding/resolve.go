package binding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/zoravur/docbind/pkg/docpath"
	"github.com/zoravur/docbind/pkg/store"
)

// rootKey hosts the value under a synthetic top-level key during scanning,
// so a reference at the root of the value still gets a non-empty path. The
// key's length (plus its following dot, when present) is subtracted from
// every bookkeeping path to obtain the write path inside the bare value;
// docpath.Set with an empty path then covers the root-replacement case.
const rootKey = "data"

// resolveRefs performs one-time reference resolution on value: it
// repeatedly scans for reference fields, fetches all of them concurrently,
// and splices the fetched documents in at the discovered paths, spending
// one depth level per pass. Resolution ends early when a pass finds no
// references. A failed fetch fails the whole pass with nothing from that
// pass spliced; splices from earlier passes are kept. notify, when non-nil,
// runs once after each successfully spliced pass.
//
// The (possibly replaced) value is returned; a root-level reference
// replaces the value wholesale.
func resolveRefs(ctx context.Context, value any, depth int, notify func()) (any, error) {
	for depth > 0 {
		wrapper := map[string]any{rootKey: value}
		entries := extractRefs(wrapper, "")
		if len(entries) == 0 {
			break
		}

		docs := make([]store.Document, len(entries))
		g, gctx := errgroup.WithContext(ctx)
		for i, e := range entries {
			g.Go(func() error {
				doc, err := e.Ref.Get(gctx)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", e.Ref.Path(), err)
				}
				docs[i] = doc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return value, err
		}

		for i, e := range entries {
			target := e.Path[len(rootKey):]
			if len(target) > 0 && target[0] == '.' {
				target = target[1:]
			}
			var data any
			if docs[i].Exists {
				data = docs[i].Data
			}
			value = docpath.Set(value, target, data)
		}

		if notify != nil {
			notify()
		}
		depth--
	}
	return value, nil
}
