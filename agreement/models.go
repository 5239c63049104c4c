package agreement

import (
	"agreementflow/activity"
	"agreementflow/outbox"
	"agreementflow/workflow"
)

// Actor identifies who is acting in a session.
type Actor struct {
	ID          string
	Role        workflow.Role
	DisplayName string
}

// PerformRequest is one action submitted by an actor.
type PerformRequest struct {
	AgreementID string
	Action      workflow.ActionType
	Actor       Actor
	OnBehalfOf  workflow.Role
	// Metadata is carried opaquely into the activity entry: evidence
	// references, rejection reasons and the like.
	Metadata map[string]any
	// VerificationCode accompanies IDENTITY_VERIFIED.
	VerificationCode string
	IdempotencyKey   string
}

// Result reports the outcome of PerformAction. A denial is a Result with
// Success false and a Code; it is not an error.
type Result struct {
	Success  bool
	Code     workflow.DenialCode
	Error    string
	State    workflow.FlowState
	Entry    activity.Entry
	Replayed bool
}

// Commit is one atomic write: the next state, its audit entry, and the outbox
// messages derived from it.
type Commit struct {
	Next            workflow.FlowState
	ExpectedVersion int64
	Entry           activity.Entry
	Messages        []outbox.Envelope
	IdempotencyKey  string
}

// Creation is the first write of a flow.
type Creation struct {
	State    workflow.FlowState
	Entry    activity.Entry
	Messages []outbox.Envelope
}
