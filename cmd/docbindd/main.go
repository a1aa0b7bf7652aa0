// docbindd serves a document store over websocket and REST. With
// DOCBIND_DATABASE_URL set it backs onto Postgres; otherwise it runs an
// in-memory store seeded with demo data.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	faker "github.com/go-faker/faker/v4"
	"go.uber.org/zap"

	"github.com/zoravur/docbind/internal/api"
	"github.com/zoravur/docbind/internal/app"
	"github.com/zoravur/docbind/pkg/prng"
	"github.com/zoravur/docbind/pkg/store"
	"github.com/zoravur/docbind/pkg/store/memstore"
	"github.com/zoravur/docbind/pkg/store/pgstore"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	seedDocs := flag.Int("seed", 5, "demo documents per collection for the in-memory backend")
	randSeed := flag.Int64("rand-seed", 0, "when non-zero, makes the demo data deterministic")
	flag.Parse()

	if *randSeed != 0 {
		faker.SetCryptoSource(prng.New(*randSeed))
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	backend, writer, cleanup, err := openBackend(logger, *seedDocs)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}
	defer cleanup()

	srv := app.NewServer(app.Config{
		Addr:    *addr,
		Backend: backend,
		Writer:  writer,
		Log:     logger,
	})
	if err := srv.Run(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func openBackend(logger *zap.Logger, seedDocs int) (api.Backend, api.Writer, func(), error) {
	if dsn := os.Getenv("DOCBIND_DATABASE_URL"); dsn != "" {
		st, err := pgstore.Open(context.Background(), dsn, pgstore.WithLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("using postgres backend")
		return st, st, st.Close, nil
	}

	st := memstore.New(memstore.WithLogger(logger))
	seed(st, seedDocs)
	logger.Info("using in-memory backend", zap.Int("seed_docs", seedDocs))
	return st, memWriter{st}, func() {}, nil
}

// seed fills the in-memory store with fake users and posts, each post
// referencing its author so ref resolution has something to chew on.
func seed(st *memstore.Store, n int) {
	for i := 0; i < n; i++ {
		author := st.Add("users", map[string]any{
			"name":  faker.Name(),
			"email": faker.Email(),
		})
		st.Add("posts", map[string]any{
			"title":  faker.Sentence(),
			"body":   faker.Paragraph(),
			"author": store.EncodeRef(author.Path()),
		})
	}
}

// memWriter adapts memstore's synchronous mutators to the api.Writer
// contract.
type memWriter struct {
	st *memstore.Store
}

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
