// Package activity stores the append-only audit trail of workflow changes.
package activity

import (
	"time"

	"agreementflow/workflow"
)

// Entry is one immutable audit record. ActingAsRole is set only when the
// actor performed the action on behalf of another role.
type Entry struct {
	ID           string
	AgreementID  string
	Seq          int64
	ActorID      string
	ActorRole    workflow.Role
	ActingAsRole workflow.Role
	ActionType   workflow.ActionType
	Step         workflow.StepKey
	Description  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// NewEntry converts a reducer event into an audit entry. Seq is assigned by
// the log when the entry is appended.
func NewEntry(id, agreementID, actorID string, ev workflow.Event) Entry {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return Entry{
		ID:           id,
		AgreementID:  agreementID,
		ActorID:      actorID,
		ActorRole:    ev.ActorRole,
		ActingAsRole: ev.ActingAsRole,
		ActionType:   ev.Type,
		Step:         ev.Step,
		Description:  ev.Description,
		Metadata:     meta,
		CreatedAt:    ev.OccurredAt,
	}
}

// Delegated reports whether the entry was recorded under delegation.
func (e Entry) Delegated() bool {
	return e.ActingAsRole != "" && e.ActingAsRole != e.ActorRole
}
