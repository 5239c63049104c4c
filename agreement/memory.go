package agreement

import (
	"context"
	"fmt"
	"sync"

	"agreementflow/activity"
	"agreementflow/outbox"
	"agreementflow/workflow"
)

// MemoryGateway is an in-process Gateway with the same commit contract as
// Store: a mutex stands in for the row lock and the version check is
// identical. Used by tests and by `serve --memory`.
type MemoryGateway struct {
	mu       sync.Mutex
	flows    map[string]workflow.FlowState
	keys     map[idempotencyKey]workflow.ActionType
	log      *activity.MemoryLog
	messages []outbox.Envelope
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		flows: make(map[string]workflow.FlowState),
		keys:  make(map[idempotencyKey]workflow.ActionType),
		log:   activity.NewMemoryLog(),
	}
}

func (g *MemoryGateway) Load(_ context.Context, agreementID string) (workflow.FlowState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.flows[agreementID]
	if !ok {
		return workflow.FlowState{}, ErrFlowNotFound
	}
	return workflow.RefreshBlocks(st.Clone()), nil
}

func (g *MemoryGateway) Create(_ context.Context, c Creation) (workflow.FlowState, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.flows[c.State.AgreementID]; ok {
		return existing.Clone(), false, nil
	}
	g.flows[c.State.AgreementID] = c.State.Clone()
	g.log.Append(c.Entry)
	g.messages = append(g.messages, c.Messages...)
	return c.State.Clone(), true, nil
}

type idempotencyKey struct {
	agreementID string
	key         string
}

func (g *MemoryGateway) Commit(_ context.Context, c Commit) (workflow.FlowState, activity.Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := idempotencyKey{agreementID: c.Next.AgreementID, key: c.IdempotencyKey}
	if c.IdempotencyKey != "" {
		if _, ok := g.keys[k]; ok {
			return workflow.FlowState{}, activity.Entry{}, ErrDuplicateIdempotencyKey
		}
	}

	current, ok := g.flows[c.Next.AgreementID]
	if !ok {
		return workflow.FlowState{}, activity.Entry{}, ErrFlowNotFound
	}
	if current.Version != c.ExpectedVersion {
		return workflow.FlowState{}, activity.Entry{}, fmt.Errorf("%w: expected version %d, found %d", ErrCommitConflict, c.ExpectedVersion, current.Version)
	}

	next := c.Next.Clone()
	next.Version = c.ExpectedVersion + 1
	g.flows[next.AgreementID] = next
	if c.IdempotencyKey != "" {
		g.keys[k] = c.Entry.ActionType
	}
	entry := g.log.Append(c.Entry)
	g.messages = append(g.messages, c.Messages...)
	return next.Clone(), entry, nil
}

func (g *MemoryGateway) LookupIdempotencyKey(_ context.Context, agreementID, key string) (workflow.ActionType, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	action, ok := g.keys[idempotencyKey{agreementID: agreementID, key: key}]
	return action, ok, nil
}

func (g *MemoryGateway) Activity(_ context.Context, agreementID string, limit int) ([]activity.Entry, error) {
	return g.log.List(agreementID, limit), nil
}

// Messages returns the outbox envelopes recorded so far, in commit order.
func (g *MemoryGateway) Messages() []outbox.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]outbox.Envelope, len(g.messages))
	copy(out, g.messages)
	return out
}
