package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agreementflow/activity"
	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/referral"
	"agreementflow/workflow"
)

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type errorBody struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{RequestID: newRequestID(), Code: code, Message: message})
}

// writeServiceError maps domain errors onto HTTP statuses. Anything
// unrecognised is logged and reported as 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agreement.ErrFlowNotFound), errors.Is(err, referral.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, agreement.ErrForbidden), errors.Is(err, referral.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, agreement.ErrCommitConflict):
		writeJSON(w, http.StatusConflict, errorBody{
			RequestID: newRequestID(),
			Code:      "CONFLICT",
			Message:   "the flow changed while the request was processed; reload and retry",
			Retryable: true,
		})
	case errors.Is(err, workflow.ErrStepCompleted):
		writeError(w, http.StatusConflict, "STEP_COMPLETED", err.Error())
	case errors.Is(err, workflow.ErrUnknownStep), errors.Is(err, workflow.ErrNotBlocked), errors.Is(err, workflow.ErrEmptyReason),
		errors.Is(err, referral.ErrSameParty), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "DUPLICATE_EMAIL", err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error())
	case errors.Is(err, agreement.ErrVerifierUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		log.Printf("api: unexpected error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type stepResponse struct {
	Key                   workflow.StepKey `json:"key"`
	OperatorCompleted     bool             `json:"operatorCompleted"`
	CounterpartyCompleted bool             `json:"counterpartyCompleted"`
	ReferrerCompleted     bool             `json:"referrerCompleted"`
	RequiresReferrer      bool             `json:"requiresReferrer"`
	CompletedAt           *string          `json:"completedAt,omitempty"`
	IsBlocked             bool             `json:"isBlocked"`
	BlockReason           string           `json:"blockReason,omitempty"`
}

type progressResponse struct {
	CurrentStepIndex int              `json:"currentStepIndex"`
	CurrentStep      workflow.StepKey `json:"currentStep"`
	TotalSteps       int              `json:"totalSteps"`
	CompletedSteps   int              `json:"completedSteps"`
	Percentage       int              `json:"percentage"`
	Complete         bool             `json:"complete"`
}

type flowResponse struct {
	AgreementID             string           `json:"agreementId"`
	HasReferrer             bool             `json:"hasReferrer"`
	CurrentStep             workflow.StepKey `json:"currentStep"`
	CurrentStepIndex        int              `json:"currentStepIndex"`
	Steps                   []stepResponse   `json:"steps"`
	VerificationRequestedAt *string          `json:"verificationRequestedAt,omitempty"`
	Version                 int64            `json:"version"`
	Progress                progressResponse `json:"progress"`
	CreatedAt               string           `json:"createdAt"`
	UpdatedAt               string           `json:"updatedAt"`
}

func toProgressResponse(p workflow.Progress) progressResponse {
	return progressResponse{
		CurrentStepIndex: p.CurrentStepIndex,
		CurrentStep:      p.CurrentStep,
		TotalSteps:       p.TotalSteps,
		CompletedSteps:   p.CompletedSteps,
		Percentage:       p.Percentage,
		Complete:         p.Complete,
	}
}

func toFlowResponse(state workflow.FlowState) flowResponse {
	steps := make([]stepResponse, 0, workflow.TotalSteps())
	for _, key := range workflow.Steps() {
		st := state.Steps[key]
		steps = append(steps, stepResponse{
			Key:                   key,
			OperatorCompleted:     st.OperatorCompleted,
			CounterpartyCompleted: st.CounterpartyCompleted,
			ReferrerCompleted:     st.ReferrerCompleted,
			RequiresReferrer:      st.RequiresReferrer,
			CompletedAt:           formatTimePtr(st.CompletedAt),
			IsBlocked:             st.IsBlocked,
			BlockReason:           st.BlockReason,
		})
	}
	return flowResponse{
		AgreementID:             state.AgreementID,
		HasReferrer:             state.HasReferrer,
		CurrentStep:             state.CurrentStepKey(),
		CurrentStepIndex:        state.CurrentStep,
		Steps:                   steps,
		VerificationRequestedAt: formatTimePtr(state.VerificationRequestedAt),
		Version:                 state.Version,
		Progress:                toProgressResponse(state.Progress()),
		CreatedAt:               formatTime(state.CreatedAt),
		UpdatedAt:               formatTime(state.UpdatedAt),
	}
}

type activityResponse struct {
	ID           string              `json:"id"`
	Seq          int64               `json:"seq"`
	ActorID      string              `json:"actorId"`
	ActorRole    workflow.Role       `json:"actorRole"`
	ActingAsRole workflow.Role       `json:"actingAsRole,omitempty"`
	ActionType   workflow.ActionType `json:"actionType"`
	Step         workflow.StepKey    `json:"step"`
	Description  string              `json:"description"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	CreatedAt    string              `json:"createdAt"`
}

func toActivityResponse(e activity.Entry) activityResponse {
	return activityResponse{
		ID:           e.ID,
		Seq:          e.Seq,
		ActorID:      e.ActorID,
		ActorRole:    e.ActorRole,
		ActingAsRole: e.ActingAsRole,
		ActionType:   e.ActionType,
		Step:         e.Step,
		Description:  e.Description,
		Metadata:     e.Metadata,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}

type actionResponse struct {
	Success  bool              `json:"success"`
	Code     string            `json:"code,omitempty"`
	Error    string            `json:"error,omitempty"`
	Replayed bool              `json:"replayed,omitempty"`
	Flow     *flowResponse     `json:"flow,omitempty"`
	Entry    *activityResponse `json:"entry,omitempty"`
}

func toActionResponse(res agreement.Result) actionResponse {
	out := actionResponse{
		Success:  res.Success,
		Code:     string(res.Code),
		Error:    res.Error,
		Replayed: res.Replayed,
	}
	if res.State.AgreementID != "" {
		flow := toFlowResponse(res.State)
		out.Flow = &flow
	}
	if res.Entry.ID != "" {
		entry := toActivityResponse(res.Entry)
		out.Entry = &entry
	}
	return out
}

type agreementResponse struct {
	ID             string  `json:"id"`
	OperatorID     string  `json:"operatorId"`
	CounterpartyID string  `json:"counterpartyId"`
	ReferrerID     *string `json:"referrerId,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

func toAgreementResponse(a referral.Agreement) agreementResponse {
	return agreementResponse{
		ID:             a.ID,
		OperatorID:     a.OperatorID,
		CounterpartyID: a.CounterpartyID,
		ReferrerID:     a.ReferrerID,
		CreatedAt:      formatTime(a.CreatedAt),
	}
}

type userResponse struct {
	ID       string        `json:"id"`
	Email    string        `json:"email"`
	FullName string        `json:"fullName"`
	Role     workflow.Role `json:"role"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role}
}
