package agreement

import (
	"context"
	"errors"

	"agreementflow/activity"
	"agreementflow/workflow"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("agreement: duplicate idempotency key")
	// ErrFlowNotFound is returned when no flow has been initialized for the agreement.
	ErrFlowNotFound = errors.New("agreement: flow not found")
	// ErrCommitConflict is returned when the state was changed by another
	// commit after it was read. Callers may reload and retry.
	ErrCommitConflict = errors.New("agreement: commit conflict")
)

// Gateway is the durable store for flow state and its activity log. Commit
// must be atomic per agreement.
type Gateway interface {
	Load(ctx context.Context, agreementID string) (workflow.FlowState, error)
	// Create inserts the flow unless one exists. It returns the stored state
	// and whether this call created it.
	Create(ctx context.Context, c Creation) (workflow.FlowState, bool, error)
	Commit(ctx context.Context, c Commit) (workflow.FlowState, activity.Entry, error)
	// LookupIdempotencyKey reports the action a request key was committed
	// with on the agreement. Keys are scoped to one agreement.
	LookupIdempotencyKey(ctx context.Context, agreementID, key string) (workflow.ActionType, bool, error)
	Activity(ctx context.Context, agreementID string, limit int) ([]activity.Entry, error)
}
