package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agreementflow/activity"
	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/realtime"
	"agreementflow/referral"
	"agreementflow/workflow"
)

type flowService interface {
	InitializeFlow(ctx context.Context, agreementID string, actor agreement.Actor) (workflow.FlowState, error)
	GetFlow(ctx context.Context, agreementID string) (workflow.FlowState, error)
	GetProgress(ctx context.Context, agreementID string) (workflow.Progress, error)
	CanPerformAction(ctx context.Context, agreementID string, action workflow.ActionType, actor agreement.Actor, onBehalfOf workflow.Role) (workflow.Decision, error)
	PerformAction(ctx context.Context, req agreement.PerformRequest) (agreement.Result, error)
	Activity(ctx context.Context, agreementID string, limit int) ([]activity.Entry, error)
	Subscribe(ctx context.Context, agreementID string) *realtime.Subscription
	RequestIdentityVerification(ctx context.Context, agreementID string, actor agreement.Actor) (workflow.FlowState, error)
	BlockStep(ctx context.Context, agreementID string, step workflow.StepKey, actor agreement.Actor, reason string) (workflow.FlowState, error)
	UnblockStep(ctx context.Context, agreementID string, step workflow.StepKey, actor agreement.Actor) (workflow.FlowState, error)
}

type participantService interface {
	Register(ctx context.Context, params referral.RegisterParams) (referral.Agreement, error)
	List(ctx context.Context, filters referral.Filters) (referral.ListResult, error)
	Participant(ctx context.Context, agreementID, userID string) (workflow.Role, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

// Server exposes the flow service over HTTP. participants may be nil, in
// which case token roles are trusted and agreement registration is disabled.
type Server struct {
	flowService  flowService
	participants participantService
	authService  authService
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/agreements", s.handleRegisterAgreement)
		r.Get("/api/agreements", s.handleListAgreements)

		r.Route("/api/agreements/{agreementID}/flow", func(r chi.Router) {
			r.Use(s.resolveActor)
			r.Post("/", s.handleInitFlow)
			r.Get("/", s.handleGetFlow)
			r.Get("/progress", s.handleProgress)
			r.Get("/can", s.handleCanPerform)
			r.Post("/actions", s.handlePerformAction)
			r.Get("/activity", s.handleActivity)
			r.Post("/verification", s.handleRequestVerification)
			r.Post("/blocks/{step}", s.handleBlockStep)
			r.Delete("/blocks/{step}", s.handleUnblockStep)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserResponse(res.User),
	})
}

func (s *Server) handleRegisterAgreement(w http.ResponseWriter, r *http.Request) {
	if s.participants == nil {
		writeError(w, http.StatusNotImplemented, "UNAVAILABLE", "agreement registry is not configured")
		return
	}
	if roleFrom(r.Context()) != workflow.RoleOperator {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "only operators can register agreements")
		return
	}
	var req struct {
		ID             string `json:"id"`
		CounterpartyID string `json:"counterpartyId"`
		ReferrerID     string `json:"referrerId"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	created, err := s.participants.Register(r.Context(), referral.RegisterParams{
		ID:             req.ID,
		OperatorID:     userIDFrom(r.Context()),
		CounterpartyID: req.CounterpartyID,
		ReferrerID:     req.ReferrerID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(created))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	if s.participants == nil {
		writeError(w, http.StatusNotImplemented, "UNAVAILABLE", "agreement registry is not configured")
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	res, err := s.participants.List(r.Context(), referral.Filters{
		UserID:    userIDFrom(r.Context()),
		Page:      page,
		PageSize:  pageSize,
		SortOrder: q.Get("sort"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]agreementResponse, 0, len(res.Items))
	for _, a := range res.Items {
		items = append(items, toAgreementResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": res.Total})
}

func (s *Server) handleInitFlow(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	state, err := s.flowService.InitializeFlow(r.Context(), chi.URLParam(r, "agreementID"), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(state))
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	state, err := s.flowService.GetFlow(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(state))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.flowService.GetProgress(r.Context(), chi.URLParam(r, "agreementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressResponse(p))
}

func (s *Server) handleCanPerform(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	q := r.URL.Query()
	action := workflow.ActionType(strings.TrimSpace(q.Get("action")))
	if action == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "action is required")
		return
	}
	d, err := s.flowService.CanPerformAction(r.Context(), chi.URLParam(r, "agreementID"), action, actor, workflow.Role(q.Get("onBehalfOf")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": d.Allowed,
		"code":    d.Code,
		"reason":  d.Reason,
	})
}

type performActionRequest struct {
	Action           workflow.ActionType `json:"action"`
	OnBehalfOf       workflow.Role       `json:"onBehalfOf"`
	Metadata         map[string]any      `json:"metadata"`
	VerificationCode string              `json:"verificationCode"`
}

func (s *Server) handlePerformAction(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var body performActionRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}

	res, err := s.flowService.PerformAction(r.Context(), agreement.PerformRequest{
		AgreementID:      chi.URLParam(r, "agreementID"),
		Action:           body.Action,
		Actor:            actor,
		OnBehalfOf:       body.OnBehalfOf,
		Metadata:         body.Metadata,
		VerificationCode: body.VerificationCode,
		IdempotencyKey:   strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toActionResponse(res))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.flowService.Activity(r.Context(), chi.URLParam(r, "agreementID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toActivityResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	state, err := s.flowService.RequestIdentityVerification(r.Context(), chi.URLParam(r, "agreementID"), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toFlowResponse(state))
}

func (s *Server) handleBlockStep(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	var body struct {
		Reason string `json:"reason"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	state, err := s.flowService.BlockStep(r.Context(), chi.URLParam(r, "agreementID"),
		workflow.StepKey(chi.URLParam(r, "step")), actor, strings.TrimSpace(body.Reason))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(state))
}

func (s *Server) handleUnblockStep(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	state, err := s.flowService.UnblockStep(r.Context(), chi.URLParam(r, "agreementID"),
		workflow.StepKey(chi.URLParam(r, "step")), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowResponse(state))
}
