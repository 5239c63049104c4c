package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownStep   = errors.New("workflow: unknown step")
	ErrStepCompleted = errors.New("workflow: step already completed")
	ErrNotBlocked    = errors.New("workflow: step is not manually blocked")
	ErrEmptyReason   = errors.New("workflow: reason required")
)

// Event describes one applied change. Every reduction emits exactly one.
type Event struct {
	Type          ActionType
	Step          StepKey
	ActorRole     Role
	ActingAsRole  Role
	Description   string
	Metadata      map[string]any
	StepCompleted bool
	RolledBack    bool
	OccurredAt    time.Time
}

// Apply computes the state that results from req. The caller must have run
// Validate first; Apply itself never fails.
func Apply(state FlowState, req ActionRequest, now time.Time) (FlowState, Event) {
	next := state.Clone()
	def, ok := LookupAction(req.Action)
	ev := Event{
		Type:       req.Action,
		ActorRole:  req.Actor,
		Metadata:   copyMetadata(req.Metadata),
		OccurredAt: now,
	}
	if req.OnBehalfOf != "" {
		ev.ActingAsRole = req.OnBehalfOf
	}
	if !ok {
		ev.Description = fmt.Sprintf("Ignored unknown action %s", req.Action)
		return next, ev
	}
	ev.Step = def.Step
	ev.Description = describe(def, req)

	if def.RollbackTo != "" {
		rollback(&next, def.RollbackTo)
		ev.RolledBack = true
	} else {
		st := next.Steps[def.Step]
		st.mark(req.EffectiveRole())
		next.Steps[def.Step] = st
		if st.CompletedAt == nil && next.StepSatisfied(def.Step) {
			at := now
			st.CompletedAt = &at
			next.Steps[def.Step] = st
			ev.StepCompleted = true
		}
		if def.Type == ActionIdentityVerified {
			next.VerificationRequestedAt = nil
		}
		advance(&next)
	}

	next = RefreshBlocks(next)
	next.UpdatedAt = now
	return next, ev
}

// advance re-derives the current step from the completion map. It never moves
// backwards; only rollback does that.
func advance(state *FlowState) {
	if idx := state.firstIncomplete(); idx > state.CurrentStep {
		state.CurrentStep = idx
	}
}

func rollback(state *FlowState, target StepKey) {
	st := state.Steps[target]
	st.OperatorCompleted = false
	st.CounterpartyCompleted = false
	st.ReferrerCompleted = false
	st.CompletedAt = nil
	st.clearBlock()
	state.Steps[target] = st
	idx, _ := StepIndex(target)
	state.CurrentStep = idx
}

// RequestVerification marks an identity verification as outstanding.
func RequestVerification(state FlowState, actor Role, now time.Time) (FlowState, Event) {
	next := state.Clone()
	at := now
	next.VerificationRequestedAt = &at
	next.UpdatedAt = now
	return next, Event{
		Type:        EventVerificationRequested,
		Step:        StepIdentityVerification,
		ActorRole:   actor,
		Description: fmt.Sprintf("Identity verification requested by %s", actor),
		Metadata:    map[string]any{},
		OccurredAt:  now,
	}
}

// Block places a manual block on step.
func Block(state FlowState, step StepKey, actor Role, reason string, now time.Time) (FlowState, Event, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return FlowState{}, Event{}, ErrEmptyReason
	}
	if _, ok := LookupStep(step); !ok {
		return FlowState{}, Event{}, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	if state.Steps[step].CompletedAt != nil {
		return FlowState{}, Event{}, fmt.Errorf("%w: %s", ErrStepCompleted, step)
	}

	next := state.Clone()
	st := next.Steps[step]
	st.IsBlocked = true
	st.BlockReason = reason
	st.BlockSource = BlockManual
	next.Steps[step] = st
	next.UpdatedAt = now
	return next, Event{
		Type:        EventStepBlocked,
		Step:        step,
		ActorRole:   actor,
		Description: fmt.Sprintf("Step %s blocked", step),
		Metadata:    map[string]any{"reason": reason},
		OccurredAt:  now,
	}, nil
}

// Unblock lifts a manual block. Computed blocks come back on refresh when their
// dependency is still pending.
func Unblock(state FlowState, step StepKey, actor Role, now time.Time) (FlowState, Event, error) {
	if _, ok := LookupStep(step); !ok {
		return FlowState{}, Event{}, fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	if state.Steps[step].BlockSource != BlockManual {
		return FlowState{}, Event{}, fmt.Errorf("%w: %s", ErrNotBlocked, step)
	}

	next := state.Clone()
	st := next.Steps[step]
	previous := st.BlockReason
	st.clearBlock()
	next.Steps[step] = st
	next = RefreshBlocks(next)
	next.UpdatedAt = now
	return next, Event{
		Type:        EventStepUnblocked,
		Step:        step,
		ActorRole:   actor,
		Description: fmt.Sprintf("Step %s unblocked", step),
		Metadata:    map[string]any{"previous_reason": previous},
		OccurredAt:  now,
	}, nil
}

// Initialized is the event recorded when a flow is first created.
func Initialized(state FlowState, actor Role, displayName string) Event {
	meta := map[string]any{"has_referrer": state.HasReferrer}
	if displayName != "" {
		meta["opened_by"] = displayName
	}
	return Event{
		Type:        EventFlowInitialized,
		Step:        state.CurrentStepKey(),
		ActorRole:   actor,
		Description: "Workflow initialized",
		Metadata:    meta,
		OccurredAt:  state.CreatedAt,
	}
}

func describe(def ActionDef, req ActionRequest) string {
	if req.OnBehalfOf == "" {
		return def.Description
	}
	return fmt.Sprintf("%s (%s acting on behalf of %s)", def.Description, req.Actor, req.OnBehalfOf)
}

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
