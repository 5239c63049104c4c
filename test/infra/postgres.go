package infra

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres returns a migrated pool for one test, using whatever database
// Open finds. The test is skipped when there is none.
func Postgres(t testing.TB) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pgC, dsn, err := Open(ctx, "")
	if errors.Is(err, ErrNoDatabase) {
		t.Skipf("postgres unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := pgC.Terminate(context.Background()); err != nil {
			t.Logf("terminate warning: %v", err)
		}
	})

	pool, teardown, err := ApplyMigrations(ctx, dsn, pgC.Shared())
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
