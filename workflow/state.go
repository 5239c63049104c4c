package workflow

import "time"

// BlockSource records who placed a block on a step.
type BlockSource string

const (
	BlockNone     BlockSource = ""
	BlockComputed BlockSource = "computed"
	BlockManual   BlockSource = "manual"
)

// StepState is the progress of a single step.
type StepState struct {
	OperatorCompleted     bool
	CounterpartyCompleted bool
	ReferrerCompleted     bool
	CompletedAt           *time.Time
	IsBlocked             bool
	BlockReason           string
	BlockSource           BlockSource
	RequiresReferrer      bool
}

// Completed reports whether role has its flag set on this step.
func (s StepState) Completed(role Role) bool {
	switch role {
	case RoleOperator:
		return s.OperatorCompleted
	case RoleCounterparty:
		return s.CounterpartyCompleted
	case RoleReferrer:
		return s.ReferrerCompleted
	default:
		return false
	}
}

func (s *StepState) mark(role Role) {
	switch role {
	case RoleOperator:
		s.OperatorCompleted = true
	case RoleCounterparty:
		s.CounterpartyCompleted = true
	case RoleReferrer:
		s.ReferrerCompleted = true
	}
}

func (s *StepState) clearBlock() {
	s.IsBlocked = false
	s.BlockReason = ""
	s.BlockSource = BlockNone
}

// FlowState is the authoritative progress record for one agreement.
type FlowState struct {
	AgreementID             string
	HasReferrer             bool
	CurrentStep             int
	Steps                   map[StepKey]StepState
	VerificationRequestedAt *time.Time
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// NewFlowState builds the initial state for an agreement.
func NewFlowState(agreementID string, hasReferrer bool, now time.Time) FlowState {
	state := FlowState{
		AgreementID: agreementID,
		HasReferrer: hasReferrer,
		Steps:       make(map[StepKey]StepState, len(stepDefs)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return RefreshBlocks(Normalize(state))
}

// Normalize guarantees the eight canonical step keys are present, drops any
// other key, and copies RequiresReferrer from the definition.
func Normalize(state FlowState) FlowState {
	steps := make(map[StepKey]StepState, len(stepDefs))
	for _, def := range stepDefs {
		st := state.Steps[def.Key]
		st.RequiresReferrer = def.ReferrerConditional && state.HasReferrer
		steps[def.Key] = st
	}
	state.Steps = steps
	if state.CurrentStep < 0 {
		state.CurrentStep = 0
	}
	if state.CurrentStep >= len(stepDefs) {
		state.CurrentStep = len(stepDefs) - 1
	}
	return state
}

// Clone returns a deep copy safe to mutate.
func (s FlowState) Clone() FlowState {
	out := s
	out.Steps = make(map[StepKey]StepState, len(s.Steps))
	for k, v := range s.Steps {
		if v.CompletedAt != nil {
			t := *v.CompletedAt
			v.CompletedAt = &t
		}
		out.Steps[k] = v
	}
	if s.VerificationRequestedAt != nil {
		t := *s.VerificationRequestedAt
		out.VerificationRequestedAt = &t
	}
	return out
}

func (s FlowState) CurrentStepKey() StepKey {
	return StepAt(s.CurrentStep)
}

// StepSatisfied reports whether every required role completed step.
func (s FlowState) StepSatisfied(step StepKey) bool {
	st := s.Steps[step]
	for _, role := range RequiredRoles(step, s.HasReferrer) {
		if !st.Completed(role) {
			return false
		}
	}
	return true
}

// IsComplete reports whether the terminal step has been satisfied.
func (s FlowState) IsComplete() bool {
	return s.Steps[StepFinalization].CompletedAt != nil
}

func (s FlowState) firstIncomplete() int {
	for i, def := range stepDefs {
		if s.Steps[def.Key].CompletedAt == nil {
			return i
		}
	}
	return len(stepDefs) - 1
}

// RefreshBlocks recomputes dependency blocks declared in the step catalog.
// Manual blocks are left untouched.
func RefreshBlocks(state FlowState) FlowState {
	for _, def := range stepDefs {
		if def.BlockedUntil == "" {
			continue
		}
		st := state.Steps[def.Key]
		if st.BlockSource == BlockManual {
			continue
		}
		pending := state.Steps[def.BlockedUntil].CompletedAt == nil && st.CompletedAt == nil
		switch {
		case pending:
			st.IsBlocked = true
			st.BlockReason = def.BlockedReason
			st.BlockSource = BlockComputed
		case st.BlockSource == BlockComputed:
			st.clearBlock()
		}
		state.Steps[def.Key] = st
	}
	return state
}

// blockOf returns the block in effect for step, including computed blocks the
// stored state may not reflect yet.
func blockOf(state FlowState, step StepKey) (string, bool) {
	st := state.Steps[step]
	if st.IsBlocked {
		return st.BlockReason, true
	}
	def, ok := LookupStep(step)
	if !ok || def.BlockedUntil == "" || st.CompletedAt != nil {
		return "", false
	}
	if state.Steps[def.BlockedUntil].CompletedAt == nil {
		return def.BlockedReason, true
	}
	return "", false
}
