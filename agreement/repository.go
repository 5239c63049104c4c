package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agreementflow/workflow"
)

// RowQuerier is satisfied by pgxpool.Pool and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// stepRecord is the jsonb shape of one step inside flow_states.steps.
type stepRecord struct {
	OperatorCompleted     bool       `json:"operator_completed"`
	CounterpartyCompleted bool       `json:"counterparty_completed"`
	ReferrerCompleted     bool       `json:"referrer_completed"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	IsBlocked             bool       `json:"is_blocked"`
	BlockReason           string     `json:"block_reason,omitempty"`
	BlockSource           string     `json:"block_source,omitempty"`
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey reserves the key for one action on one agreement
// inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, agreementID, key string, action workflow.ActionType) error {
	if key == "" {
		return fmt.Errorf("agreement: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (agreement_id, key, action_type) VALUES ($1, $2, $3)`, agreementID, key, string(action))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("agreement: insert idempotency key: %w", err)
	}

	return nil
}

// LookupIdempotencyKey returns the action a key was used for on the agreement.
func (r *Repository) LookupIdempotencyKey(ctx context.Context, q RowQuerier, agreementID, key string) (workflow.ActionType, bool, error) {
	var action string
	err := q.QueryRow(ctx, `SELECT action_type FROM idempotency WHERE agreement_id = $1 AND key = $2`, agreementID, key).Scan(&action)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("agreement: check idempotency key: %w", err)
	}
	return workflow.ActionType(action), true, nil
}

// LockFlow takes the per-agreement row lock and returns the committed version.
func (r *Repository) LockFlow(ctx context.Context, tx pgx.Tx, agreementID string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM flow_states WHERE agreement_id = $1 FOR UPDATE`, agreementID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrFlowNotFound
		}
		return 0, fmt.Errorf("agreement: lock flow: %w", err)
	}
	return version, nil
}

// InsertFlow writes a new flow and reports whether the row was created. An
// existing row is left untouched.
func (r *Repository) InsertFlow(ctx context.Context, tx pgx.Tx, state workflow.FlowState) (bool, error) {
	steps, err := encodeSteps(state.Steps)
	if err != nil {
		return false, err
	}

	const insertSQL = `
INSERT INTO flow_states (agreement_id, has_referrer, current_step, steps, verification_requested_at, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (agreement_id) DO NOTHING;
`

	tag, err := tx.Exec(ctx, insertSQL,
		state.AgreementID,
		state.HasReferrer,
		state.CurrentStep,
		steps,
		state.VerificationRequestedAt,
		state.Version,
		state.CreatedAt.UTC(),
		state.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("agreement: insert flow: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) UpdateFlow(ctx context.Context, tx pgx.Tx, state workflow.FlowState) error {
	steps, err := encodeSteps(state.Steps)
	if err != nil {
		return err
	}

	const updateSQL = `
UPDATE flow_states
SET current_step = $2,
    steps = $3,
    verification_requested_at = $4,
    version = $5,
    updated_at = $6
WHERE agreement_id = $1;
`

	tag, err := tx.Exec(ctx, updateSQL,
		state.AgreementID,
		state.CurrentStep,
		steps,
		state.VerificationRequestedAt,
		state.Version,
		state.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("agreement: update flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (r *Repository) GetFlow(ctx context.Context, q RowQuerier, agreementID string) (workflow.FlowState, error) {
	const selectSQL = `
SELECT agreement_id, has_referrer, current_step, steps, verification_requested_at, version, created_at, updated_at
FROM flow_states
WHERE agreement_id = $1;
`

	var (
		state workflow.FlowState
		steps []byte
	)
	err := q.QueryRow(ctx, selectSQL, agreementID).Scan(
		&state.AgreementID,
		&state.HasReferrer,
		&state.CurrentStep,
		&steps,
		&state.VerificationRequestedAt,
		&state.Version,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.FlowState{}, ErrFlowNotFound
		}
		return workflow.FlowState{}, fmt.Errorf("agreement: get flow: %w", err)
	}

	state.Steps, err = decodeSteps(steps)
	if err != nil {
		return workflow.FlowState{}, err
	}
	return workflow.RefreshBlocks(workflow.Normalize(state)), nil
}

// NotifyChange queues a NOTIFY that Postgres delivers only if tx commits.
func (r *Repository) NotifyChange(ctx context.Context, tx pgx.Tx, channel, payload string) error {
	if channel == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("agreement: notify change: %w", err)
	}
	return nil
}

func encodeSteps(steps map[workflow.StepKey]workflow.StepState) ([]byte, error) {
	records := make(map[string]stepRecord, len(steps))
	for key, st := range steps {
		records[string(key)] = stepRecord{
			OperatorCompleted:     st.OperatorCompleted,
			CounterpartyCompleted: st.CounterpartyCompleted,
			ReferrerCompleted:     st.ReferrerCompleted,
			CompletedAt:           st.CompletedAt,
			IsBlocked:             st.IsBlocked,
			BlockReason:           st.BlockReason,
			BlockSource:           string(st.BlockSource),
		}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("agreement: marshal steps: %w", err)
	}
	return b, nil
}

func decodeSteps(b []byte) (map[workflow.StepKey]workflow.StepState, error) {
	records := map[string]stepRecord{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &records); err != nil {
			return nil, fmt.Errorf("agreement: unmarshal steps: %w", err)
		}
	}
	steps := make(map[workflow.StepKey]workflow.StepState, len(records))
	for key, rec := range records {
		steps[workflow.StepKey(key)] = workflow.StepState{
			OperatorCompleted:     rec.OperatorCompleted,
			CounterpartyCompleted: rec.CounterpartyCompleted,
			ReferrerCompleted:     rec.ReferrerCompleted,
			CompletedAt:           rec.CompletedAt,
			IsBlocked:             rec.IsBlocked,
			BlockReason:           rec.BlockReason,
			BlockSource:           workflow.BlockSource(rec.BlockSource),
		}
	}
	return steps, nil
}
