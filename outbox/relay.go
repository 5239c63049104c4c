package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// Handler consumes relayed messages. A returned error counts as a failed
// attempt.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RelayConfig tunes the polling loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Relay claims pending messages with SKIP LOCKED so several relays can share
// the table, hands them to the handler, and marks each processed or, after
// MaxAttempts failures, dead.
type Relay struct {
	pool    TxBeginner
	handler Handler
	cfg     RelayConfig
}

func NewRelay(pool TxBeginner, handler Handler, cfg RelayConfig) *Relay {
	return &Relay{pool: pool, handler: handler, cfg: cfg.withDefaults()}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("outbox relay: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch relays at most one batch and returns how many messages it
// claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED;
`

	rows, err := tx.Query(ctx, claimSQL, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim batch: %w", err)
	}
	var batch []Message
	for rows.Next() {
		msg := Message{Status: StatusPending}
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate batch: %w", err)
	}

	for _, msg := range batch {
		status := StatusProcessed
		attempts := msg.Attempts
		if herr := r.handler.Handle(ctx, msg); herr != nil {
			if errors.Is(herr, context.Canceled) {
				return 0, herr
			}
			attempts++
			status = StatusPending
			if attempts >= r.cfg.MaxAttempts {
				status = StatusDead
			}
			log.Printf("outbox relay: %s %s attempt %d: %v", msg.Topic, msg.ID, attempts, herr)
		}

		if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$1, attempts=$2, last_attempt=NOW() WHERE id=$3`, status, attempts, msg.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return len(batch), nil
}
