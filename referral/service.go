package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agreementflow/workflow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TopicAgreementRegistered is enqueued when a new agreement is registered.
const TopicAgreementRegistered = "agreement.registered"

var (
	ErrNotParticipant = errors.New("referral: not a participant")
	ErrSameParty      = errors.New("referral: participants must be distinct")
)

type Service struct {
	pool        TxBeginner
	repo        Repository
	outbox      OutboxWriter
	idGenerator func() string
}

type RegisterParams struct {
	ID             string
	OperatorID     string
	CounterpartyID string
	ReferrerID     string
}

type ListResult struct {
	Items []Agreement
	Total int
}

func NewService(pool TxBeginner, repo Repository, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Register records the participants of a new agreement.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Agreement, error) {
	operator := strings.TrimSpace(params.OperatorID)
	counterparty := strings.TrimSpace(params.CounterpartyID)
	referrer := strings.TrimSpace(params.ReferrerID)
	if operator == "" {
		return Agreement{}, fmt.Errorf("referral: missing operator id")
	}
	if counterparty == "" {
		return Agreement{}, fmt.Errorf("referral: missing counterparty id")
	}
	if operator == counterparty || (referrer != "" && (referrer == operator || referrer == counterparty)) {
		return Agreement{}, ErrSameParty
	}

	a := Agreement{
		ID:             strings.TrimSpace(params.ID),
		OperatorID:     operator,
		CounterpartyID: counterparty,
	}
	if a.ID == "" {
		a.ID = s.idGenerator()
	}
	if referrer != "" {
		a.ReferrerID = &referrer
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("referral: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, a)
	if err != nil {
		return Agreement{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"agreement_id": created.ID,
			"has_referrer": created.HasReferrer(),
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicAgreementRegistered, payload); err != nil {
			return Agreement{}, fmt.Errorf("referral: enqueue register outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("referral: register commit: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Agreement, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) HasReferrer(ctx context.Context, agreementID string) (bool, error) {
	return s.repo.HasReferrer(ctx, agreementID)
}

// Participant resolves the workflow role userID holds on the agreement.
func (s *Service) Participant(ctx context.Context, agreementID, userID string) (workflow.Role, error) {
	a, err := s.repo.Get(ctx, agreementID)
	if err != nil {
		return "", err
	}
	role, ok := a.RoleOf(userID)
	if !ok {
		return "", ErrNotParticipant
	}
	return role, nil
}
