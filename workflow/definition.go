// Package workflow holds the agreement step catalog together with the pure
// validation and reduction rules applied to a FlowState. Nothing in this
// package performs I/O.
package workflow

type Role string

const (
	RoleOperator     Role = "operator"
	RoleCounterparty Role = "counterparty"
	RoleReferrer     Role = "referrer"
)

// Valid reports whether r is one of the three workflow participants.
func (r Role) Valid() bool {
	switch r {
	case RoleOperator, RoleCounterparty, RoleReferrer:
		return true
	default:
		return false
	}
}

type StepKey string

const (
	StepReview                    StepKey = "review"
	StepSignatures                StepKey = "signatures"
	StepIdentityVerification      StepKey = "identity_verification"
	StepIdentityCards             StepKey = "identity_cards"
	StepPaymentProof              StepKey = "payment_proof"
	StepPaymentApproval           StepKey = "payment_approval"
	StepDisclosureAcknowledgement StepKey = "disclosure_acknowledgement"
	StepFinalization              StepKey = "finalization"
)

// StepDef declares one gated stage. Roles lists the participants that must
// complete the step; the referrer joins them only when ReferrerConditional is
// set and the agreement has a referrer.
type StepDef struct {
	Key                 StepKey
	Roles               []Role
	ReferrerConditional bool
	// BlockedUntil names a step that must be complete before this one accepts
	// actions. BlockedReason is surfaced while the dependency is pending.
	BlockedUntil  StepKey
	BlockedReason string
}

var stepDefs = []StepDef{
	{Key: StepReview, Roles: []Role{RoleOperator, RoleCounterparty}, ReferrerConditional: true},
	{Key: StepSignatures, Roles: []Role{RoleOperator, RoleCounterparty}, ReferrerConditional: true},
	{Key: StepIdentityVerification, Roles: []Role{RoleCounterparty}},
	{Key: StepIdentityCards, Roles: []Role{RoleOperator, RoleCounterparty}},
	{Key: StepPaymentProof, Roles: []Role{RoleCounterparty}},
	{
		Key:           StepPaymentApproval,
		Roles:         []Role{RoleOperator},
		BlockedUntil:  StepPaymentProof,
		BlockedReason: "payment proof has not been submitted",
	},
	{Key: StepDisclosureAcknowledgement, Roles: []Role{RoleCounterparty}},
	{Key: StepFinalization, Roles: []Role{RoleOperator}},
}

type ActionType string

const (
	ActionOperatorReviewApproved     ActionType = "OPERATOR_REVIEW_APPROVED"
	ActionCounterpartyReviewApproved ActionType = "COUNTERPARTY_REVIEW_APPROVED"
	ActionReferrerReviewApproved     ActionType = "REFERRER_REVIEW_APPROVED"
	ActionOperatorSigned             ActionType = "OPERATOR_SIGNED"
	ActionCounterpartySigned         ActionType = "COUNTERPARTY_SIGNED"
	ActionReferrerSigned             ActionType = "REFERRER_SIGNED"
	ActionIdentityVerified           ActionType = "IDENTITY_VERIFIED"
	ActionOperatorIDUploaded         ActionType = "OPERATOR_ID_UPLOADED"
	ActionCounterpartyIDUploaded     ActionType = "COUNTERPARTY_ID_UPLOADED"
	ActionPaymentProofUploaded       ActionType = "PAYMENT_PROOF_UPLOADED"
	ActionPaymentApproved            ActionType = "PAYMENT_APPROVED"
	ActionPaymentRejected            ActionType = "PAYMENT_REJECTED"
	ActionDisclosureAcknowledged     ActionType = "DISCLOSURE_ACKNOWLEDGED"
	ActionAgreementFinalized         ActionType = "AGREEMENT_FINALIZED"
)

// Lifecycle event types recorded in the activity log. They are not part of
// the action catalog and can never be performed.
const (
	EventFlowInitialized       ActionType = "FLOW_INITIALIZED"
	EventVerificationRequested ActionType = "VERIFICATION_REQUESTED"
	EventStepBlocked           ActionType = "STEP_BLOCKED"
	EventStepUnblocked         ActionType = "STEP_UNBLOCKED"
)

// ActionDef binds an action type to its step and canonical role.
type ActionDef struct {
	Type        ActionType
	Step        StepKey
	Role        Role
	Description string
	// RollbackTo is set for actions that reopen an earlier step instead of
	// crediting a completion flag.
	RollbackTo StepKey
	// RequiredMetadata lists payload keys that must carry a non-empty value.
	RequiredMetadata []string
}

var actionDefs = []ActionDef{
	{Type: ActionOperatorReviewApproved, Step: StepReview, Role: RoleOperator, Description: "Operator approved the agreement review"},
	{Type: ActionCounterpartyReviewApproved, Step: StepReview, Role: RoleCounterparty, Description: "Counterparty approved the agreement review"},
	{Type: ActionReferrerReviewApproved, Step: StepReview, Role: RoleReferrer, Description: "Referrer approved the agreement review"},
	{Type: ActionOperatorSigned, Step: StepSignatures, Role: RoleOperator, Description: "Operator signed the agreement"},
	{Type: ActionCounterpartySigned, Step: StepSignatures, Role: RoleCounterparty, Description: "Counterparty signed the agreement"},
	{Type: ActionReferrerSigned, Step: StepSignatures, Role: RoleReferrer, Description: "Referrer signed the agreement"},
	{Type: ActionIdentityVerified, Step: StepIdentityVerification, Role: RoleCounterparty, Description: "Counterparty verified their identity"},
	{Type: ActionOperatorIDUploaded, Step: StepIdentityCards, Role: RoleOperator, Description: "Operator uploaded an identity card"},
	{Type: ActionCounterpartyIDUploaded, Step: StepIdentityCards, Role: RoleCounterparty, Description: "Counterparty uploaded an identity card"},
	{Type: ActionPaymentProofUploaded, Step: StepPaymentProof, Role: RoleCounterparty, Description: "Counterparty uploaded proof of payment"},
	{Type: ActionPaymentApproved, Step: StepPaymentApproval, Role: RoleOperator, Description: "Operator approved the payment"},
	{
		Type:             ActionPaymentRejected,
		Step:             StepPaymentApproval,
		Role:             RoleOperator,
		Description:      "Operator rejected the payment proof",
		RollbackTo:       StepPaymentProof,
		RequiredMetadata: []string{"reason"},
	},
	{Type: ActionDisclosureAcknowledged, Step: StepDisclosureAcknowledgement, Role: RoleCounterparty, Description: "Counterparty acknowledged the disclosures"},
	{Type: ActionAgreementFinalized, Step: StepFinalization, Role: RoleOperator, Description: "Operator finalized the agreement"},
}

var (
	stepIndex = make(map[StepKey]int, len(stepDefs))
	catalog   = make(map[ActionType]ActionDef, len(actionDefs))
)

func init() {
	for i, def := range stepDefs {
		stepIndex[def.Key] = i
	}
	for _, def := range actionDefs {
		catalog[def.Type] = def
	}
}

// Steps returns the step keys in workflow order.
func Steps() []StepKey {
	keys := make([]StepKey, len(stepDefs))
	for i, def := range stepDefs {
		keys[i] = def.Key
	}
	return keys
}

// TotalSteps is the fixed length of the step sequence.
func TotalSteps() int { return len(stepDefs) }

func StepIndex(key StepKey) (int, bool) {
	i, ok := stepIndex[key]
	return i, ok
}

// StepAt returns the key at position i, or "" when i is out of range.
func StepAt(i int) StepKey {
	if i < 0 || i >= len(stepDefs) {
		return ""
	}
	return stepDefs[i].Key
}

func LookupStep(key StepKey) (StepDef, bool) {
	i, ok := stepIndex[key]
	if !ok {
		return StepDef{}, false
	}
	return stepDefs[i], true
}

func LookupAction(t ActionType) (ActionDef, bool) {
	def, ok := catalog[t]
	return def, ok
}

// Actions returns the whole catalog in declaration order.
func Actions() []ActionDef {
	out := make([]ActionDef, len(actionDefs))
	copy(out, actionDefs)
	return out
}

// ActionsFor lists the actions bound to a step.
func ActionsFor(step StepKey) []ActionDef {
	var out []ActionDef
	for _, def := range actionDefs {
		if def.Step == step {
			out = append(out, def)
		}
	}
	return out
}

// RequiredRoles returns the roles that must complete step.
func RequiredRoles(step StepKey, hasReferrer bool) []Role {
	def, ok := LookupStep(step)
	if !ok {
		return nil
	}
	roles := make([]Role, 0, len(def.Roles)+1)
	roles = append(roles, def.Roles...)
	if def.ReferrerConditional && hasReferrer {
		roles = append(roles, RoleReferrer)
	}
	return roles
}

func roleRequired(step StepKey, role Role, hasReferrer bool) bool {
	for _, r := range RequiredRoles(step, hasReferrer) {
		if r == role {
			return true
		}
	}
	return false
}
