// Package pgtest boots a throwaway Postgres container, shared across the
// tests of one binary, for integration-testing the pgstore adapter.
// Containers are slow to start, so the first caller pays the boot cost and
// everyone else reuses the instance.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type config struct {
	image    string
	dbName   string
	user     string
	password string
}

// Option configures the container booted by DSN.
type Option func(*config)

func WithImage(i string) Option  { return func(c *config) { c.image = i } }
func WithDBName(n string) Option { return func(c *config) { c.dbName = n } }

var (
	once       sync.Once
	bootErr    error
	pg         *postgres.PostgresContainer
	connString string
)

// DSN returns the connection string of the shared test container, booting
// it on first use. Tests are skipped when DOCBIND_PG_TESTS is unset, so
// the unit suite stays runnable without Docker.
func DSN(t *testing.T, opts ...Option) string {
	t.Helper()
	if os.Getenv("DOCBIND_PG_TESTS") == "" {
		t.Skip("set DOCBIND_PG_TESTS=1 to run Postgres integration tests")
	}

	once.Do(func() {
		cfg := &config{
			image:    "docker.io/postgres:16-alpine",
			dbName:   "docbind",
			user:     "postgres",
			password: "pass",
		}
		for _, o := range opts {
			if o != nil {
				o(cfg)
			}
		}
		bootErr = boot(cfg)
	})
	if bootErr != nil {
		t.Fatalf("pgtest boot failed: %v", bootErr)
	}
	return connString
}

func boot(c *config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return err
	}
	pg = container

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return err
	}
	connString = fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.user, c.password, host, port.Port(), c.dbName,
	)
	return nil
}

// Shutdown terminates the shared container, if one was booted. Call it
// from TestMain when deterministic teardown matters; otherwise Ryuk reaps
// the container.
func Shutdown() error {
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pg.Terminate(ctx)
}
