package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/patrickmn/go-cache"
)

// Pending is an outstanding code for one agreement.
type Pending struct {
	Hash      []byte
	Attempts  int
	ExpiresAt time.Time
}

// Store keeps pending codes keyed by agreement id.
type Store interface {
	Put(ctx context.Context, agreementID string, p Pending) error
	Get(ctx context.Context, agreementID string) (Pending, bool, error)
	AddAttempt(ctx context.Context, agreementID string) error
	Delete(ctx context.Context, agreementID string) error
}

// MemoryStore holds codes in an expiring cache. Codes are visible to this
// process only.
type MemoryStore struct {
	mu    sync.Mutex
	codes *cache.Cache
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{codes: cache.New(ttl, ttl)}
}

func (m *MemoryStore) Put(_ context.Context, agreementID string, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes.Set(agreementID, &p, cache.DefaultExpiration)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, agreementID string) (Pending, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.codes.Get(agreementID)
	if !ok {
		return Pending{}, false, nil
	}
	return *v.(*Pending), true, nil
}

func (m *MemoryStore) AddAttempt(_ context.Context, agreementID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.codes.Get(agreementID); ok {
		v.(*Pending).Attempts++
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, agreementID string) error {
	m.codes.Delete(agreementID)
	return nil
}

// Querier is satisfied by pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps codes in verification_codes so any API process can check a
// code another one issued.
type PGStore struct {
	db Querier
}

func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Put(ctx context.Context, agreementID string, p Pending) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO verification_codes (agreement_id, code_hash, attempts, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (agreement_id) DO UPDATE
SET code_hash = EXCLUDED.code_hash,
    attempts = EXCLUDED.attempts,
    expires_at = EXCLUDED.expires_at`,
		agreementID, p.Hash, p.Attempts, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("verification: store code: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, agreementID string) (Pending, bool, error) {
	var p Pending
	err := s.db.QueryRow(ctx, `
SELECT code_hash, attempts, expires_at
FROM verification_codes
WHERE agreement_id = $1`, agreementID).Scan(&p.Hash, &p.Attempts, &p.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pending{}, false, nil
		}
		return Pending{}, false, fmt.Errorf("verification: load code: %w", err)
	}
	return p, true, nil
}

func (s *PGStore) AddAttempt(ctx context.Context, agreementID string) error {
	if _, err := s.db.Exec(ctx, `UPDATE verification_codes SET attempts = attempts + 1 WHERE agreement_id = $1`, agreementID); err != nil {
		return fmt.Errorf("verification: count attempt: %w", err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, agreementID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM verification_codes WHERE agreement_id = $1`, agreementID); err != nil {
		return fmt.Errorf("verification: delete code: %w", err)
	}
	return nil
}
