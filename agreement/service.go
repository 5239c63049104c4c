package agreement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"agreementflow/activity"
	"agreementflow/outbox"
	"agreementflow/realtime"
	"agreementflow/verification"
	"agreementflow/workflow"
)

var tracer = otel.Tracer("agreementflow/agreement")

var (
	// ErrForbidden is returned when the actor's role may not use an
	// administrative operation.
	ErrForbidden = errors.New("agreement: forbidden")
	// ErrVerifierUnavailable is returned when no verification collaborator is
	// configured.
	ErrVerifierUnavailable = errors.New("agreement: verification unavailable")
)

// ReferrerLookup reports whether an agreement was introduced by a referrer.
type ReferrerLookup interface {
	HasReferrer(ctx context.Context, agreementID string) (bool, error)
}

// Publisher fans committed states out to watchers. *realtime.Hub satisfies it.
type Publisher interface {
	Publish(state workflow.FlowState)
	Subscribe(ctx context.Context, agreementID string) *realtime.Subscription
}

// Verifier issues and checks identity verification codes.
type Verifier interface {
	Issue(ctx context.Context, agreementID string) (time.Time, error)
	// Check must not use the code up; Consume does, once the verification
	// has been committed.
	Check(ctx context.Context, agreementID, code string) (bool, error)
	Consume(ctx context.Context, agreementID string) error
}

type Service struct {
	gateway   Gateway
	referrers ReferrerLookup
	publisher Publisher
	verifier  Verifier
	now       func() time.Time
	newID     func() string
}

func NewService(gateway Gateway, referrers ReferrerLookup, publisher Publisher) *Service {
	if gateway == nil {
		gateway = NewMemoryGateway()
	}
	if publisher == nil {
		publisher = realtime.NewHub()
	}
	return &Service{
		gateway:   gateway,
		referrers: referrers,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// InitializeFlow creates the flow for an agreement. Calling it again returns
// the stored flow unchanged.
func (s *Service) InitializeFlow(ctx context.Context, agreementID string, actor Actor) (workflow.FlowState, error) {
	if agreementID == "" {
		return workflow.FlowState{}, fmt.Errorf("agreement: missing agreement id")
	}
	if !actor.Role.Valid() {
		return workflow.FlowState{}, fmt.Errorf("agreement: invalid role %q", actor.Role)
	}

	if existing, err := s.gateway.Load(ctx, agreementID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrFlowNotFound) {
		return workflow.FlowState{}, err
	}

	hasReferrer := false
	if s.referrers != nil {
		var err error
		hasReferrer, err = s.referrers.HasReferrer(ctx, agreementID)
		if err != nil {
			return workflow.FlowState{}, fmt.Errorf("agreement: lookup referrer: %w", err)
		}
	}

	state := workflow.NewFlowState(agreementID, hasReferrer, s.now())
	state.Version = 1
	ev := workflow.Initialized(state, actor.Role, actor.DisplayName)
	entry := activity.NewEntry(s.newID(), agreementID, actor.ID, ev)

	stored, created, err := s.gateway.Create(ctx, Creation{
		State:    state,
		Entry:    entry,
		Messages: []outbox.Envelope{flowChanged(state, ev)},
	})
	if err != nil {
		return workflow.FlowState{}, err
	}
	if created {
		s.publisher.Publish(stored)
	}
	return stored, nil
}

func (s *Service) GetFlow(ctx context.Context, agreementID string) (workflow.FlowState, error) {
	return s.gateway.Load(ctx, agreementID)
}

func (s *Service) GetProgress(ctx context.Context, agreementID string) (workflow.Progress, error) {
	state, err := s.gateway.Load(ctx, agreementID)
	if err != nil {
		return workflow.Progress{}, err
	}
	return state.Progress(), nil
}

func (s *Service) Activity(ctx context.Context, agreementID string, limit int) ([]activity.Entry, error) {
	return s.gateway.Activity(ctx, agreementID, limit)
}

// Subscribe watches committed states of one agreement. The caller must Close
// the subscription or cancel ctx.
func (s *Service) Subscribe(ctx context.Context, agreementID string) *realtime.Subscription {
	return s.publisher.Subscribe(ctx, agreementID)
}

// CanPerformAction runs the validator against the current state without
// changing anything.
func (s *Service) CanPerformAction(ctx context.Context, agreementID string, action workflow.ActionType, actor Actor, onBehalfOf workflow.Role) (workflow.Decision, error) {
	state, err := s.gateway.Load(ctx, agreementID)
	if err != nil {
		return workflow.Decision{}, err
	}
	return workflow.Validate(state, workflow.ActionRequest{
		Action:     action,
		Actor:      actor.Role,
		OnBehalfOf: onBehalfOf,
	}), nil
}

// PerformAction validates, applies and commits one action, then broadcasts
// the committed state. Denials are reported in the Result; errors are
// reserved for infrastructure failures and commit conflicts.
func (s *Service) PerformAction(ctx context.Context, req PerformRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "agreement.Service.PerformAction")
	defer span.End()
	span.SetAttributes(
		attribute.String("agreement.id", req.AgreementID),
		attribute.String("flow.action", string(req.Action)),
		attribute.String("flow.actor_role", string(req.Actor.Role)),
	)

	if req.AgreementID == "" {
		return Result{}, fmt.Errorf("agreement: missing agreement id")
	}

	if req.IdempotencyKey != "" {
		action, used, err := s.gateway.LookupIdempotencyKey(ctx, req.AgreementID, req.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if used {
			return s.replay(ctx, req, action)
		}
	}

	state, err := s.gateway.Load(ctx, req.AgreementID)
	if err != nil {
		return Result{}, err
	}

	actionReq := workflow.ActionRequest{
		Action:     req.Action,
		Actor:      req.Actor.Role,
		OnBehalfOf: req.OnBehalfOf,
		Metadata:   req.Metadata,
	}
	if d := workflow.Validate(state, actionReq); !d.Allowed {
		span.SetAttributes(attribute.String("flow.denial", string(d.Code)))
		return denied(state, d), nil
	}

	if req.Action == workflow.ActionIdentityVerified {
		d, err := s.checkCode(ctx, req)
		if err != nil {
			return Result{}, err
		}
		if !d.Allowed {
			span.SetAttributes(attribute.String("flow.denial", string(d.Code)))
			return denied(state, d), nil
		}
	}

	next, ev := workflow.Apply(state, actionReq, s.now())
	committed, entry, err := s.commit(ctx, state, next, ev, req.Actor, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			action, _, lerr := s.gateway.LookupIdempotencyKey(ctx, req.AgreementID, req.IdempotencyKey)
			if lerr != nil {
				return Result{}, lerr
			}
			return s.replay(ctx, req, action)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if req.Action == workflow.ActionIdentityVerified {
		if err := s.verifier.Consume(ctx, req.AgreementID); err != nil {
			// The step is already recorded; a stale code only fails later checks.
			log.Printf("agreement: consume verification code for %s: %v", req.AgreementID, err)
		}
	}

	return Result{Success: true, State: committed, Entry: entry}, nil
}

// RequestIdentityVerification issues a one-time code through the verifier
// and records that a verification is outstanding.
func (s *Service) RequestIdentityVerification(ctx context.Context, agreementID string, actor Actor) (workflow.FlowState, error) {
	if s.verifier == nil {
		return workflow.FlowState{}, ErrVerifierUnavailable
	}
	if actor.Role == workflow.RoleReferrer || !actor.Role.Valid() {
		return workflow.FlowState{}, fmt.Errorf("%w: %s cannot request identity verification", ErrForbidden, actor.Role)
	}

	state, err := s.gateway.Load(ctx, agreementID)
	if err != nil {
		return workflow.FlowState{}, err
	}
	if state.Steps[workflow.StepIdentityVerification].CompletedAt != nil {
		return workflow.FlowState{}, fmt.Errorf("agreement: request verification: %w", workflow.ErrStepCompleted)
	}

	if _, err := s.verifier.Issue(ctx, agreementID); err != nil {
		return workflow.FlowState{}, fmt.Errorf("agreement: issue verification code: %w", err)
	}

	next, ev := workflow.RequestVerification(state, actor.Role, s.now())
	committed, _, err := s.commit(ctx, state, next, ev, actor, "")
	return committed, err
}

// BlockStep places an operator-imposed block on a step.
func (s *Service) BlockStep(ctx context.Context, agreementID string, step workflow.StepKey, actor Actor, reason string) (workflow.FlowState, error) {
	if actor.Role != workflow.RoleOperator {
		return workflow.FlowState{}, fmt.Errorf("%w: only the operator can block steps", ErrForbidden)
	}
	state, err := s.gateway.Load(ctx, agreementID)
	if err != nil {
		return workflow.FlowState{}, err
	}
	next, ev, err := workflow.Block(state, step, actor.Role, reason, s.now())
	if err != nil {
		return workflow.FlowState{}, err
	}
	committed, _, err := s.commit(ctx, state, next, ev, actor, "")
	return committed, err
}

// UnblockStep lifts an operator-imposed block.
func (s *Service) UnblockStep(ctx context.Context, agreementID string, step workflow.StepKey, actor Actor) (workflow.FlowState, error) {
	if actor.Role != workflow.RoleOperator {
		return workflow.FlowState{}, fmt.Errorf("%w: only the operator can unblock steps", ErrForbidden)
	}
	state, err := s.gateway.Load(ctx, agreementID)
	if err != nil {
		return workflow.FlowState{}, err
	}
	next, ev, err := workflow.Unblock(state, step, actor.Role, s.now())
	if err != nil {
		return workflow.FlowState{}, err
	}
	committed, _, err := s.commit(ctx, state, next, ev, actor, "")
	return committed, err
}

func (s *Service) commit(ctx context.Context, prev, next workflow.FlowState, ev workflow.Event, actor Actor, key string) (workflow.FlowState, activity.Entry, error) {
	entry := activity.NewEntry(s.newID(), prev.AgreementID, actor.ID, ev)
	committed, stored, err := s.gateway.Commit(ctx, Commit{
		Next:            next,
		ExpectedVersion: prev.Version,
		Entry:           entry,
		Messages:        messagesFor(prev, next, ev),
		IdempotencyKey:  key,
	})
	if err != nil {
		return workflow.FlowState{}, activity.Entry{}, err
	}
	s.publisher.Publish(committed)
	return committed, stored, nil
}

func (s *Service) checkCode(ctx context.Context, req PerformRequest) (workflow.Decision, error) {
	if s.verifier == nil {
		return workflow.Decision{}, ErrVerifierUnavailable
	}
	code := strings.TrimSpace(req.VerificationCode)
	if code == "" {
		return workflow.Deny(workflow.DenialVerificationFailed, "verification code required"), nil
	}
	ok, err := s.verifier.Check(ctx, req.AgreementID, code)
	switch {
	case errors.Is(err, verification.ErrNoPendingCode):
		return workflow.Deny(workflow.DenialVerificationFailed, "verification code expired"), nil
	case errors.Is(err, verification.ErrTooManyAttempts):
		return workflow.Deny(workflow.DenialVerificationFailed, "too many attempts, request a new code"), nil
	case err != nil:
		return workflow.Decision{}, fmt.Errorf("agreement: verify code: %w", err)
	case !ok:
		return workflow.Deny(workflow.DenialVerificationFailed, "verification code does not match"), nil
	}
	return workflow.Decision{Allowed: true}, nil
}

// replay answers a request whose key was already committed on the agreement.
// A key reused for a different action is denied rather than reported as
// applied.
func (s *Service) replay(ctx context.Context, req PerformRequest, committed workflow.ActionType) (Result, error) {
	state, err := s.gateway.Load(ctx, req.AgreementID)
	if err != nil {
		return Result{}, err
	}
	if committed != req.Action {
		return denied(state, workflow.Deny(workflow.DenialIdempotencyKeyReused,
			fmt.Sprintf("idempotency key was already used for %s", committed))), nil
	}
	return Result{Success: true, State: state, Replayed: true}, nil
}

func denied(state workflow.FlowState, d workflow.Decision) Result {
	return Result{Code: d.Code, Error: d.Reason, State: state}
}

func messagesFor(prev, next workflow.FlowState, ev workflow.Event) []outbox.Envelope {
	msgs := []outbox.Envelope{flowChanged(next, ev)}
	msgs[0].Payload["version"] = prev.Version + 1

	if ev.StepCompleted {
		msgs = append(msgs, outbox.Envelope{
			Topic: outbox.TopicStepCompleted,
			Payload: map[string]any{
				"agreement_id": next.AgreementID,
				"step":         string(ev.Step),
			},
		})
	}
	if ev.Type == workflow.ActionPaymentRejected {
		reason, _ := ev.Metadata["reason"].(string)
		msgs = append(msgs, outbox.Envelope{
			Topic: outbox.TopicPaymentRejected,
			Payload: map[string]any{
				"agreement_id": next.AgreementID,
				"reason":       reason,
			},
		})
	}
	if ev.Type == workflow.EventVerificationRequested {
		msgs = append(msgs, outbox.Envelope{
			Topic:   outbox.TopicVerificationRequested,
			Payload: map[string]any{"agreement_id": next.AgreementID},
		})
	}
	if !prev.IsComplete() && next.IsComplete() {
		msgs = append(msgs, outbox.Envelope{
			Topic:   outbox.TopicAgreementCompleted,
			Payload: map[string]any{"agreement_id": next.AgreementID},
		})
	}
	return msgs
}

func flowChanged(state workflow.FlowState, ev workflow.Event) outbox.Envelope {
	return outbox.Envelope{
		Topic: outbox.TopicFlowChanged,
		Payload: map[string]any{
			"agreement_id": state.AgreementID,
			"action":       string(ev.Type),
			"step":         string(ev.Step),
			"current_step": string(state.CurrentStepKey()),
			"version":      state.Version,
		},
	}
}
