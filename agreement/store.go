package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"agreementflow/activity"
	"agreementflow/outbox"
	"agreementflow/realtime"
	"agreementflow/workflow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	TxBeginner
	RowQuerier
}

// FlowRepository defines the data access required by the store.
type FlowRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, agreementID, key string, action workflow.ActionType) error
	LookupIdempotencyKey(ctx context.Context, q RowQuerier, agreementID, key string) (workflow.ActionType, bool, error)
	LockFlow(ctx context.Context, tx pgx.Tx, agreementID string) (int64, error)
	InsertFlow(ctx context.Context, tx pgx.Tx, state workflow.FlowState) (bool, error)
	UpdateFlow(ctx context.Context, tx pgx.Tx, state workflow.FlowState) error
	GetFlow(ctx context.Context, q RowQuerier, agreementID string) (workflow.FlowState, error)
	NotifyChange(ctx context.Context, tx pgx.Tx, channel, payload string) error
}

type ActivityLog interface {
	Append(ctx context.Context, tx pgx.Tx, entry activity.Entry) (activity.Entry, error)
	List(ctx context.Context, agreementID string, limit int) ([]activity.Entry, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Store is the Postgres Gateway. Each commit locks the flow row, checks the
// expected version, and writes state, activity, outbox rows and a change
// notification in one transaction.
type Store struct {
	pool     Pool
	repo     FlowRepository
	activity ActivityLog
	outbox   OutboxWriter
	channel  string
}

func NewStore(pool Pool, repo FlowRepository, log ActivityLog, writer OutboxWriter) *Store {
	if repo == nil {
		repo = NewRepository()
	}
	return &Store{
		pool:     pool,
		repo:     repo,
		activity: log,
		outbox:   writer,
		channel:  realtime.DefaultChannel,
	}
}

// WithChannel sets the NOTIFY channel; an empty channel disables notifications.
func (s *Store) WithChannel(channel string) *Store {
	s.channel = channel
	return s
}

func (s *Store) Load(ctx context.Context, agreementID string) (workflow.FlowState, error) {
	return s.repo.GetFlow(ctx, s.pool, agreementID)
}

func (s *Store) LookupIdempotencyKey(ctx context.Context, agreementID, key string) (workflow.ActionType, bool, error) {
	return s.repo.LookupIdempotencyKey(ctx, s.pool, agreementID, key)
}

func (s *Store) Activity(ctx context.Context, agreementID string, limit int) ([]activity.Entry, error) {
	return s.activity.List(ctx, agreementID, limit)
}

func (s *Store) Create(ctx context.Context, c Creation) (workflow.FlowState, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.FlowState{}, false, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.InsertFlow(ctx, tx, c.State)
	if err != nil {
		return workflow.FlowState{}, false, err
	}
	if !created {
		existing, err := s.repo.GetFlow(ctx, tx, c.State.AgreementID)
		if err != nil {
			return workflow.FlowState{}, false, err
		}
		return existing, false, nil
	}

	if _, err := s.writeSideEffects(ctx, tx, c.State, c.Entry, c.Messages); err != nil {
		return workflow.FlowState{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return workflow.FlowState{}, false, fmt.Errorf("agreement: commit create: %w", err)
	}
	return c.State, true, nil
}

func (s *Store) Commit(ctx context.Context, c Commit) (workflow.FlowState, activity.Entry, error) {
	ctx, span := tracer.Start(ctx, "agreement.Store.Commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("agreement.id", c.Next.AgreementID),
		attribute.Int64("flow.expected_version", c.ExpectedVersion),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.FlowState{}, activity.Entry{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if c.IdempotencyKey != "" {
		if err := s.repo.InsertIdempotencyKey(ctx, tx, c.Next.AgreementID, c.IdempotencyKey, c.Entry.ActionType); err != nil {
			return workflow.FlowState{}, activity.Entry{}, err
		}
	}

	version, err := s.repo.LockFlow(ctx, tx, c.Next.AgreementID)
	if err != nil {
		return workflow.FlowState{}, activity.Entry{}, err
	}
	if version != c.ExpectedVersion {
		span.SetAttributes(attribute.Bool("flow.conflict", true))
		return workflow.FlowState{}, activity.Entry{}, fmt.Errorf("%w: expected version %d, found %d", ErrCommitConflict, c.ExpectedVersion, version)
	}

	next := c.Next.Clone()
	next.Version = c.ExpectedVersion + 1
	if err := s.repo.UpdateFlow(ctx, tx, next); err != nil {
		return workflow.FlowState{}, activity.Entry{}, err
	}

	entry, err := s.writeSideEffects(ctx, tx, next, c.Entry, c.Messages)
	if err != nil {
		return workflow.FlowState{}, activity.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return workflow.FlowState{}, activity.Entry{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return next, entry, nil
}

func (s *Store) writeSideEffects(ctx context.Context, tx pgx.Tx, state workflow.FlowState, entry activity.Entry, messages []outbox.Envelope) (activity.Entry, error) {
	stored, err := s.activity.Append(ctx, tx, entry)
	if err != nil {
		return activity.Entry{}, fmt.Errorf("agreement: append activity: %w", err)
	}
	if s.outbox != nil {
		for _, msg := range messages {
			if err := s.outbox.Enqueue(ctx, tx, msg.Topic, msg.Payload); err != nil {
				return activity.Entry{}, fmt.Errorf("agreement: enqueue outbox: %w", err)
			}
		}
	}
	if err := s.repo.NotifyChange(ctx, tx, s.channel, realtime.FormatNotification(state.AgreementID, state.Version)); err != nil {
		return activity.Entry{}, err
	}
	return stored, nil
}

// IsConflict reports whether err means the commit raced another writer.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCommitConflict)
}
