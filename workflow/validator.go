package workflow

import (
	"fmt"
	"strings"
)

type DenialCode string

const (
	DenialUnknownAction         DenialCode = "unknown_action"
	DenialWrongStep             DenialCode = "wrong_step"
	DenialRoleMismatch          DenialCode = "role_mismatch"
	DenialDelegationForbidden   DenialCode = "delegation_forbidden"
	DenialRoleNotRequired       DenialCode = "role_not_required"
	DenialAlreadyCompleted      DenialCode = "already_completed"
	DenialStepBlocked           DenialCode = "step_blocked"
	DenialPriorStepsIncomplete  DenialCode = "prior_steps_incomplete"
	DenialNoVerificationPending DenialCode = "no_verification_pending"
	DenialMissingMetadata       DenialCode = "missing_metadata"
	DenialVerificationFailed    DenialCode = "verification_failed"
	DenialIdempotencyKeyReused  DenialCode = "idempotency_key_reused"
)

// ActionRequest is one actor's attempt to perform an action.
type ActionRequest struct {
	Action     ActionType
	Actor      Role
	OnBehalfOf Role
	Metadata   map[string]any
}

// EffectiveRole is the role whose completion flag the action credits.
func (r ActionRequest) EffectiveRole() Role {
	if r.OnBehalfOf != "" {
		return r.OnBehalfOf
	}
	return r.Actor
}

// Decision is the outcome of Validate.
type Decision struct {
	Allowed bool
	Code    DenialCode
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code DenialCode, format string, args ...any) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Deny builds a denial for checks made outside Validate.
func Deny(code DenialCode, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Validate decides whether req may be applied to state. Rules run in a fixed
// order and the first failing rule determines the denial.
func Validate(state FlowState, req ActionRequest) Decision {
	def, ok := LookupAction(req.Action)
	if !ok {
		return deny(DenialUnknownAction, "unknown action")
	}
	role := req.EffectiveRole()
	step := state.Steps[def.Step]

	if d := checkStep(state, def, role); !d.Allowed {
		// A role that may not take the action hears that before why the
		// step is closed.
		if rd := checkRole(state, def, req); !rd.Allowed {
			return rd
		}
		return d
	}
	if d := checkRole(state, def, req); !d.Allowed {
		return d
	}

	if step.Completed(role) {
		return deny(DenialAlreadyCompleted, "%s already completed %s", role, def.Step)
	}
	if reason, blocked := blockOf(state, def.Step); blocked {
		return deny(DenialStepBlocked, "%s", reason)
	}

	if def.Type == ActionAgreementFinalized {
		for _, key := range Steps() {
			if key == StepFinalization {
				break
			}
			if state.Steps[key].CompletedAt == nil {
				return deny(DenialPriorStepsIncomplete, "step %s is not complete", key)
			}
		}
	}
	if def.Type == ActionIdentityVerified && state.VerificationRequestedAt == nil {
		return deny(DenialNoVerificationPending, "no identity verification has been requested")
	}

	for _, key := range def.RequiredMetadata {
		if !hasValue(req.Metadata, key) {
			return deny(DenialMissingMetadata, "%s requires %q", def.Type, key)
		}
	}

	return allow()
}

func checkStep(state FlowState, def ActionDef, role Role) Decision {
	idx, _ := StepIndex(def.Step)
	if idx == state.CurrentStep || catchingUp(state, def, role) {
		return allow()
	}
	if idx < state.CurrentStep && state.Steps[def.Step].Completed(role) {
		return deny(DenialAlreadyCompleted, "%s already completed %s", role, def.Step)
	}
	if reason, blocked := blockOf(state, def.Step); blocked {
		return deny(DenialStepBlocked, "%s", reason)
	}
	return deny(DenialWrongStep, "%s is not the current step (current: %s)", def.Step, state.CurrentStepKey())
}

// catchingUp allows the operator or counterparty to complete a step the other
// of the two has already completed.
func catchingUp(state FlowState, def ActionDef, role Role) bool {
	var other Role
	switch role {
	case RoleOperator:
		other = RoleCounterparty
	case RoleCounterparty:
		other = RoleOperator
	default:
		return false
	}
	if def.RollbackTo != "" || !roleRequired(def.Step, other, state.HasReferrer) {
		return false
	}
	st := state.Steps[def.Step]
	return st.Completed(other) && !st.Completed(role)
}

func checkRole(state FlowState, def ActionDef, req ActionRequest) Decision {
	if req.OnBehalfOf != "" {
		if req.Actor != RoleOperator || req.OnBehalfOf != RoleCounterparty {
			return deny(DenialDelegationForbidden, "%s may not act on behalf of %s", req.Actor, req.OnBehalfOf)
		}
	} else if !req.Actor.Valid() {
		return deny(DenialRoleMismatch, "unknown role %q", req.Actor)
	}

	role := req.EffectiveRole()
	if role != def.Role {
		return deny(DenialRoleMismatch, "%s is performed by %s, not %s", def.Type, def.Role, role)
	}
	if !roleRequired(def.Step, role, state.HasReferrer) {
		return deny(DenialRoleNotRequired, "%s does not take part in %s", role, def.Step)
	}
	return allow()
}

func hasValue(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
