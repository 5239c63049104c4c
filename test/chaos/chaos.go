package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend connection of the
// current database. When appName is set only backends reporting that
// application_name are eligible.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `
SELECT pg_terminate_backend(pid) FROM pg_stat_activity
WHERE datname = current_database()
  AND pid <> pg_backend_pid()
  AND ($1 = '' OR application_name = $1)
ORDER BY random() LIMIT 1`, appName)
			}
		}
	}
}
