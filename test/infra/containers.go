package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ErrNoDatabase is returned by Open when no Postgres could be found.
var ErrNoDatabase = errors.New("infra: no postgres available")

// PGContainer owns the database a run uses: a container, a scratch database
// on a local server, or nothing when the DSN came from the caller.
type PGContainer struct {
	C    *postgres.PostgresContainer
	drop func(context.Context) error
}

// Open picks a database for a run. In order it tries overrideDSN,
// STRESS_TEST_PG_DSN, DATABASE_URL, a Postgres 16 container, then a scratch
// database on a server listening on localhost.
func Open(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv("STRESS_TEST_PG_DSN"), os.Getenv("DATABASE_URL")} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}
	if DockerAvailable(ctx) {
		return StartPostgres16(ctx)
	}
	pgC, dsn, err := createLocalDatabase(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNoDatabase, err)
	}
	return pgC, dsn, nil
}

func StartPostgres16(ctx context.Context) (*PGContainer, string, error) {
	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("agreementflow"),
		postgres.WithUsername("flow"),
		postgres.WithPassword("flow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: start container: %w", err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(pgC)
		return nil, "", fmt.Errorf("infra: container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

// Shared reports whether the database belongs to someone else, in which case
// callers isolate their schema.
func (p *PGContainer) Shared() bool {
	return p == nil || (p.C == nil && p.drop == nil)
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	switch {
	case p == nil:
		return nil
	case p.C != nil:
		return testcontainers.TerminateContainer(p.C, testcontainers.StopContext(ctx))
	case p.drop != nil:
		return p.drop(ctx)
	}
	return nil
}
