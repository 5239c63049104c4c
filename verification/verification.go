// Package verification issues and checks one-time identity verification
// codes. Codes are kept hashed in a Store: an expiring in-process cache by
// default, or Postgres when several API processes share flows.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

var (
	// ErrNoPendingCode is returned when no unexpired code exists for the agreement.
	ErrNoPendingCode = errors.New("verification: no pending code")
	// ErrTooManyAttempts is returned once the attempt budget for a code is spent.
	ErrTooManyAttempts = errors.New("verification: too many attempts")
)

// CodeSender delivers a freshly issued code to the counterparty.
type CodeSender interface {
	SendCode(ctx context.Context, agreementID, code string) error
}

type Service struct {
	mu          sync.Mutex
	store       Store
	sender      CodeSender
	ttl         time.Duration
	maxAttempts int
	generate    func() (string, error)
	now         func() time.Time
}

func NewService(sender CodeSender, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:       NewMemoryStore(ttl),
		sender:      sender,
		ttl:         ttl,
		maxAttempts: DefaultMaxAttempts,
		generate:    randomCode,
		now:         time.Now,
	}
}

// WithStore replaces the in-process store.
func (s *Service) WithStore(store Store) *Service {
	s.store = store
	return s
}

func (s *Service) WithCodeGenerator(gen func() (string, error)) *Service {
	s.generate = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue replaces any outstanding code for the agreement, delivers the new one
// and returns when it expires.
func (s *Service) Issue(ctx context.Context, agreementID string) (time.Time, error) {
	if agreementID == "" {
		return time.Time{}, fmt.Errorf("verification: missing agreement id")
	}
	code, err := s.generate()
	if err != nil {
		return time.Time{}, fmt.Errorf("verification: generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return time.Time{}, fmt.Errorf("verification: hash code: %w", err)
	}

	expires := s.now().Add(s.ttl)
	s.mu.Lock()
	err = s.store.Put(ctx, agreementID, Pending{Hash: hash, ExpiresAt: expires})
	s.mu.Unlock()
	if err != nil {
		return time.Time{}, err
	}

	if s.sender != nil {
		if err := s.sender.SendCode(ctx, agreementID, code); err != nil {
			if derr := s.store.Delete(ctx, agreementID); derr != nil {
				return time.Time{}, errors.Join(fmt.Errorf("verification: send code: %w", err), derr)
			}
			return time.Time{}, fmt.Errorf("verification: send code: %w", err)
		}
	}
	return expires, nil
}

// Check compares code with the outstanding one without using it up, so a
// caller whose write fails can check again. A mismatch counts against the
// attempt budget and returns false with a nil error until it is spent.
func (s *Service) Check(ctx context.Context, agreementID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok, err := s.store.Get(ctx, agreementID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNoPendingCode
	}
	if !s.now().Before(p.ExpiresAt) {
		if err := s.store.Delete(ctx, agreementID); err != nil {
			return false, err
		}
		return false, ErrNoPendingCode
	}
	if p.Attempts >= s.maxAttempts {
		if err := s.store.Delete(ctx, agreementID); err != nil {
			return false, err
		}
		return false, ErrTooManyAttempts
	}

	if err := bcrypt.CompareHashAndPassword(p.Hash, []byte(code)); err != nil {
		if err := s.store.AddAttempt(ctx, agreementID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Consume drops the outstanding code once the verification it proved has
// been recorded.
func (s *Service) Consume(ctx context.Context, agreementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, agreementID)
}

func randomCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
