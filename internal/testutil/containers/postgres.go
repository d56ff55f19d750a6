//go:build integration

// Package containers levanta dependencias reales para los tests de integración.
package containers

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dropDatabas3/signer/internal/store/pg"
)

// Postgres envuelve un contenedor postgres con el schema del signer aplicado.
type Postgres struct {
	DSN  string
	Pool *pgxpool.Pool
}

// NewPostgres levanta postgres:16-alpine, aplica las migraciones y devuelve el pool.
func NewPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("signer"),
		tcpostgres.WithUsername("signer"),
		tcpostgres.WithPassword("signer"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	pool, err := pg.Open(ctx, dsn, pg.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pg.Migrate(ctx, pool); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return &Postgres{DSN: dsn, Pool: pool}
}
