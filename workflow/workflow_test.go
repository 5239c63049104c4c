package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 10, 31, 15, 4, 5, 0, time.UTC)

func mustApply(t *testing.T, state FlowState, req ActionRequest) (FlowState, Event) {
	t.Helper()
	d := Validate(state, req)
	require.Truef(t, d.Allowed, "%s by %s denied: %s (%s)", req.Action, req.Actor, d.Reason, d.Code)
	return Apply(state, req, testNow)
}

// completeThrough applies every forward action up to but excluding target.
func completeThrough(t *testing.T, state FlowState, target StepKey) FlowState {
	t.Helper()
	for _, key := range Steps() {
		if key == target {
			return state
		}
		for _, def := range ActionsFor(key) {
			if def.RollbackTo != "" || !roleRequired(key, def.Role, state.HasReferrer) {
				continue
			}
			if def.Type == ActionIdentityVerified {
				state, _ = RequestVerification(state, RoleOperator, testNow)
			}
			state, _ = mustApply(t, state, ActionRequest{Action: def.Type, Actor: def.Role})
		}
	}
	return state
}

func TestRequiredRoles(t *testing.T) {
	tests := []struct {
		step        StepKey
		hasReferrer bool
		want        []Role
	}{
		{StepReview, false, []Role{RoleOperator, RoleCounterparty}},
		{StepReview, true, []Role{RoleOperator, RoleCounterparty, RoleReferrer}},
		{StepSignatures, true, []Role{RoleOperator, RoleCounterparty, RoleReferrer}},
		{StepIdentityVerification, true, []Role{RoleCounterparty}},
		{StepIdentityCards, true, []Role{RoleOperator, RoleCounterparty}},
		{StepPaymentProof, false, []Role{RoleCounterparty}},
		{StepPaymentApproval, true, []Role{RoleOperator}},
		{StepDisclosureAcknowledgement, false, []Role{RoleCounterparty}},
		{StepFinalization, true, []Role{RoleOperator}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredRoles(tt.step, tt.hasReferrer), "%s referrer=%v", tt.step, tt.hasReferrer)
	}
	assert.Nil(t, RequiredRoles("nope", false))
}

func TestCatalogBindsEveryActionToOneStep(t *testing.T) {
	seen := map[ActionType]bool{}
	for _, def := range Actions() {
		require.False(t, seen[def.Type], "duplicate %s", def.Type)
		seen[def.Type] = true
		_, ok := StepIndex(def.Step)
		require.True(t, ok, "%s bound to unknown step", def.Type)
		require.True(t, def.Role.Valid())
	}
	assert.Len(t, seen, 14)
	for _, lifecycle := range []ActionType{EventFlowInitialized, EventVerificationRequested, EventStepBlocked, EventStepUnblocked} {
		_, ok := LookupAction(lifecycle)
		assert.False(t, ok, "%s must not be performable", lifecycle)
	}
}

func TestNewFlowState(t *testing.T) {
	state := NewFlowState("ag-1", true, testNow)

	assert.Equal(t, 0, state.CurrentStep)
	assert.Equal(t, StepReview, state.CurrentStepKey())
	assert.Len(t, state.Steps, 8)
	assert.True(t, state.Steps[StepReview].RequiresReferrer)
	assert.False(t, state.Steps[StepIdentityCards].RequiresReferrer)

	approval := state.Steps[StepPaymentApproval]
	assert.True(t, approval.IsBlocked)
	assert.Equal(t, BlockComputed, approval.BlockSource)
	assert.NotEmpty(t, approval.BlockReason)
}

func TestNormalizeRestoresCanonicalKeys(t *testing.T) {
	state := FlowState{
		AgreementID: "ag-1",
		HasReferrer: true,
		CurrentStep: 42,
		Steps: map[StepKey]StepState{
			"legacy":   {OperatorCompleted: true},
			StepReview: {OperatorCompleted: true},
		},
	}

	got := Normalize(state)

	assert.Len(t, got.Steps, 8)
	assert.NotContains(t, got.Steps, StepKey("legacy"))
	assert.True(t, got.Steps[StepReview].OperatorCompleted)
	assert.True(t, got.Steps[StepSignatures].RequiresReferrer)
	assert.Equal(t, 7, got.CurrentStep)
}

func TestScenarioA_ReviewWaitsForCounterparty(t *testing.T) {
	state := NewFlowState("ag-a", false, testNow)

	state, ev := mustApply(t, state, ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleOperator})
	assert.Equal(t, StepReview, state.CurrentStepKey())
	assert.False(t, ev.StepCompleted)
	assert.Nil(t, state.Steps[StepReview].CompletedAt)

	state, ev = mustApply(t, state, ActionRequest{Action: ActionCounterpartyReviewApproved, Actor: RoleCounterparty})
	assert.Equal(t, StepSignatures, state.CurrentStepKey())
	assert.True(t, ev.StepCompleted)
	require.NotNil(t, state.Steps[StepReview].CompletedAt)
	assert.Equal(t, testNow, *state.Steps[StepReview].CompletedAt)
}

func TestScenarioB_PaymentRejectedRollsBack(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-b", false, testNow), StepPaymentApproval)
	require.Equal(t, StepPaymentApproval, state.CurrentStepKey())
	before := state.Clone()

	state, ev := mustApply(t, state, ActionRequest{
		Action:   ActionPaymentRejected,
		Actor:    RoleOperator,
		Metadata: map[string]any{"reason": "illegible receipt"},
	})

	assert.Equal(t, StepPaymentProof, state.CurrentStepKey())
	proof := state.Steps[StepPaymentProof]
	assert.False(t, proof.OperatorCompleted)
	assert.False(t, proof.CounterpartyCompleted)
	assert.Nil(t, proof.CompletedAt)
	assert.False(t, proof.IsBlocked)
	assert.Equal(t, "illegible receipt", ev.Metadata["reason"])
	assert.True(t, ev.RolledBack)

	for _, key := range []StepKey{StepReview, StepSignatures, StepIdentityVerification, StepIdentityCards} {
		assert.Equal(t, before.Steps[key], state.Steps[key], "step %s must be untouched", key)
	}
	assert.True(t, state.Steps[StepPaymentApproval].IsBlocked, "approval waits for new proof")
}

func TestScenarioC_ApprovalBlockedWithoutProof(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-c", false, testNow), StepPaymentProof)
	before := state.Clone()

	d := Validate(state, ActionRequest{Action: ActionPaymentApproved, Actor: RoleOperator})

	assert.False(t, d.Allowed)
	assert.Equal(t, DenialStepBlocked, d.Code)
	assert.Equal(t, "payment proof has not been submitted", d.Reason)
	assert.Equal(t, before, state)
}

func TestRejectRequiresReason(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-1", false, testNow), StepPaymentApproval)

	d := Validate(state, ActionRequest{Action: ActionPaymentRejected, Actor: RoleOperator, Metadata: map[string]any{"reason": "  "}})

	assert.False(t, d.Allowed)
	assert.Equal(t, DenialMissingMetadata, d.Code)
}

func TestDelegation(t *testing.T) {
	state := NewFlowState("ag-1", false, testNow)

	next, ev := mustApply(t, state, ActionRequest{
		Action:     ActionCounterpartyReviewApproved,
		Actor:      RoleOperator,
		OnBehalfOf: RoleCounterparty,
	})
	assert.True(t, next.Steps[StepReview].CounterpartyCompleted)
	assert.False(t, next.Steps[StepReview].OperatorCompleted)
	assert.Equal(t, RoleOperator, ev.ActorRole)
	assert.Equal(t, RoleCounterparty, ev.ActingAsRole)

	tests := []struct {
		name string
		req  ActionRequest
		code DenialCode
	}{
		{"counterparty for operator", ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleCounterparty, OnBehalfOf: RoleOperator}, DenialDelegationForbidden},
		{"referrer for counterparty", ActionRequest{Action: ActionCounterpartyReviewApproved, Actor: RoleReferrer, OnBehalfOf: RoleCounterparty}, DenialDelegationForbidden},
		{"operator for referrer", ActionRequest{Action: ActionReferrerReviewApproved, Actor: RoleOperator, OnBehalfOf: RoleReferrer}, DenialDelegationForbidden},
		{"operator action credited to counterparty", ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleOperator, OnBehalfOf: RoleCounterparty}, DenialRoleMismatch},
		{"counterparty performing operator action", ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleCounterparty}, DenialRoleMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Validate(state, tt.req)
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.code, d.Code)
		})
	}
}

func TestReferrerGating(t *testing.T) {
	orders := [][]ActionRequest{
		{
			{Action: ActionOperatorReviewApproved, Actor: RoleOperator},
			{Action: ActionCounterpartyReviewApproved, Actor: RoleCounterparty},
			{Action: ActionReferrerReviewApproved, Actor: RoleReferrer},
		},
		{
			{Action: ActionReferrerReviewApproved, Actor: RoleReferrer},
			{Action: ActionCounterpartyReviewApproved, Actor: RoleCounterparty},
			{Action: ActionOperatorReviewApproved, Actor: RoleOperator},
		},
	}
	for _, order := range orders {
		state := NewFlowState("ag-r", true, testNow)
		for i, req := range order {
			state, _ = mustApply(t, state, req)
			if i < len(order)-1 {
				assert.Equal(t, StepReview, state.CurrentStepKey())
				assert.Nil(t, state.Steps[StepReview].CompletedAt)
			}
		}
		assert.Equal(t, StepSignatures, state.CurrentStepKey())
	}

	plain := NewFlowState("ag-n", false, testNow)
	d := Validate(plain, ActionRequest{Action: ActionReferrerReviewApproved, Actor: RoleReferrer})
	assert.False(t, d.Allowed)
	assert.Equal(t, DenialRoleNotRequired, d.Code)
}

func TestIdempotencyGuard(t *testing.T) {
	state := NewFlowState("ag-1", false, testNow)
	req := ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleOperator}
	state, _ = mustApply(t, state, req)

	d := Validate(state, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, DenialAlreadyCompleted, d.Code)

	state, _ = mustApply(t, state, ActionRequest{Action: ActionCounterpartyReviewApproved, Actor: RoleCounterparty})
	d = Validate(state, req)
	assert.Equal(t, DenialAlreadyCompleted, d.Code, "completed earlier step reports the guard, not the step")
}

func TestWrongStepAndUnknownAction(t *testing.T) {
	state := NewFlowState("ag-1", false, testNow)

	d := Validate(state, ActionRequest{Action: ActionOperatorSigned, Actor: RoleOperator})
	assert.Equal(t, DenialWrongStep, d.Code)

	d = Validate(state, ActionRequest{Action: "FLOW_INITIALIZED", Actor: RoleOperator})
	assert.Equal(t, DenialUnknownAction, d.Code)
	assert.Equal(t, "unknown action", d.Reason)
}

func TestRoleCheckPrecedesClosedStep(t *testing.T) {
	state := NewFlowState("ag-1", true, testNow)

	d := Validate(state, ActionRequest{Action: ActionPaymentApproved, Actor: RoleReferrer})
	assert.Equal(t, DenialRoleMismatch, d.Code, d.Reason)

	d = Validate(state, ActionRequest{Action: ActionPaymentApproved, Actor: RoleOperator})
	assert.Equal(t, DenialStepBlocked, d.Code, "the right role still learns the step is blocked")

	state = completeThrough(t, state, StepSignatures)
	d = Validate(state, ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleCounterparty, OnBehalfOf: RoleOperator})
	assert.Equal(t, DenialDelegationForbidden, d.Code, "reported before the step's completion")

	d = Validate(state, ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleOperator})
	assert.Equal(t, DenialAlreadyCompleted, d.Code)
}

func TestFinalizationNeedsEveryPriorStep(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-1", false, testNow), StepFinalization)
	idx, _ := StepIndex(StepFinalization)
	require.Equal(t, idx, state.CurrentStep)

	disclosure := state.Steps[StepDisclosureAcknowledgement]
	disclosure.CounterpartyCompleted = false
	disclosure.CompletedAt = nil
	state.Steps[StepDisclosureAcknowledgement] = disclosure

	d := Validate(state, ActionRequest{Action: ActionAgreementFinalized, Actor: RoleOperator})
	assert.False(t, d.Allowed)
	assert.Equal(t, DenialPriorStepsIncomplete, d.Code)
	assert.Contains(t, d.Reason, string(StepDisclosureAcknowledgement))
}

func TestIdentityVerifiedNeedsOutstandingRequest(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-1", false, testNow), StepIdentityVerification)
	req := ActionRequest{Action: ActionIdentityVerified, Actor: RoleCounterparty}

	d := Validate(state, req)
	assert.Equal(t, DenialNoVerificationPending, d.Code)

	state, ev := RequestVerification(state, RoleCounterparty, testNow)
	assert.Equal(t, EventVerificationRequested, ev.Type)
	require.NotNil(t, state.VerificationRequestedAt)

	state, _ = mustApply(t, state, req)
	assert.Nil(t, state.VerificationRequestedAt)
	assert.Equal(t, StepIdentityCards, state.CurrentStepKey())
}

func TestCatchUpOnStepCompletedByOtherParty(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-1", false, testNow), StepIdentityVerification)
	cards := state.Steps[StepIdentityCards]
	cards.OperatorCompleted = true
	state.Steps[StepIdentityCards] = cards

	d := Validate(state, ActionRequest{Action: ActionCounterpartyIDUploaded, Actor: RoleCounterparty})
	assert.True(t, d.Allowed, d.Reason)

	d = Validate(state, ActionRequest{Action: ActionOperatorIDUploaded, Actor: RoleOperator})
	assert.Equal(t, DenialWrongStep, d.Code)
}

func TestManualBlock(t *testing.T) {
	state := NewFlowState("ag-1", false, testNow)

	blocked, ev, err := Block(state, StepReview, RoleOperator, "awaiting compliance", testNow)
	require.NoError(t, err)
	assert.Equal(t, EventStepBlocked, ev.Type)

	d := Validate(blocked, ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleOperator})
	assert.Equal(t, DenialStepBlocked, d.Code)
	assert.Equal(t, "awaiting compliance", d.Reason)

	unblocked, _, err := Unblock(blocked, StepReview, RoleOperator, testNow)
	require.NoError(t, err)
	assert.False(t, unblocked.Steps[StepReview].IsBlocked)

	_, _, err = Unblock(unblocked, StepReview, RoleOperator, testNow)
	assert.ErrorIs(t, err, ErrNotBlocked)
	_, _, err = Block(state, StepReview, RoleOperator, "", testNow)
	assert.ErrorIs(t, err, ErrEmptyReason)
	_, _, err = Block(state, "nope", RoleOperator, "x", testNow)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestUnblockRestoresComputedBlock(t *testing.T) {
	state := NewFlowState("ag-1", false, testNow)
	state, _, err := Block(state, StepPaymentApproval, RoleOperator, "fraud review", testNow)
	require.NoError(t, err)
	assert.Equal(t, BlockManual, state.Steps[StepPaymentApproval].BlockSource)

	state, _, err = Unblock(state, StepPaymentApproval, RoleOperator, testNow)
	require.NoError(t, err)
	approval := state.Steps[StepPaymentApproval]
	assert.True(t, approval.IsBlocked)
	assert.Equal(t, BlockComputed, approval.BlockSource)
}

func TestFullRunCompletesAgreement(t *testing.T) {
	state := NewFlowState("ag-1", true, testNow)
	state = completeThrough(t, state, StepFinalization)
	require.Equal(t, StepFinalization, state.CurrentStepKey())
	assert.False(t, state.IsComplete())

	state, ev := mustApply(t, state, ActionRequest{Action: ActionAgreementFinalized, Actor: RoleOperator})
	assert.True(t, ev.StepCompleted)
	assert.True(t, state.IsComplete())
	assert.Equal(t, StepFinalization, state.CurrentStepKey())

	p := state.Progress()
	assert.Equal(t, Progress{
		CurrentStepIndex: 7,
		CurrentStep:      StepFinalization,
		TotalSteps:       8,
		CompletedSteps:   8,
		Percentage:       100,
		Complete:         true,
	}, p)
}

func TestProgressMidway(t *testing.T) {
	state := completeThrough(t, NewFlowState("ag-1", false, testNow), StepIdentityVerification)

	p := state.Progress()
	assert.Equal(t, 2, p.CurrentStepIndex)
	assert.Equal(t, 2, p.CompletedSteps)
	assert.Equal(t, 25, p.Percentage)
	assert.False(t, p.Complete)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	state := NewFlowState("ag-1", false, testNow)
	snapshot := state.Clone()

	_, _ = Apply(state, ActionRequest{Action: ActionOperatorReviewApproved, Actor: RoleOperator}, testNow)

	assert.Equal(t, snapshot, state)
}
