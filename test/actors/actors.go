package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/agreement"
	"agreementflow/outbox"
	"agreementflow/realtime"
	"agreementflow/workflow"
)

// Stats counts outcomes across all actors of a run.
type Stats struct {
	Applied   atomic.Int64
	Denied    atomic.Int64
	Replayed  atomic.Int64
	Conflicts atomic.Int64
	Transient atomic.Int64
	Relayed   atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("applied=%d denied=%d replayed=%d conflicts=%d transient=%d relayed=%d",
		s.Applied.Load(), s.Denied.Load(), s.Replayed.Load(), s.Conflicts.Load(), s.Transient.Load(), s.Relayed.Load())
}

// VerificationCode is the code the harness's verifier always issues.
const VerificationCode = "000000"

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// record classifies a PerformAction outcome.
func record(ctx context.Context, stats *Stats, res agreement.Result, err error) {
	switch {
	case err == nil && res.Replayed:
		stats.Replayed.Add(1)
	case err == nil && res.Success:
		stats.Applied.Add(1)
	case err == nil:
		stats.Denied.Add(1)
	case errors.Is(err, agreement.ErrCommitConflict):
		stats.Conflicts.Add(1)
	case ctx.Err() != nil:
	default:
		// Backends are terminated at random; the service surfaces that as a
		// plain error and nothing is written.
		stats.Transient.Add(1)
	}
}

// Participant repeatedly attempts the catalog actions of its role against one
// agreement. Some requests reuse the previous idempotency key.
func Participant(ctx context.Context, svc *agreement.Service, agreementID string, actor agreement.Actor, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	var own []workflow.ActionDef
	for _, def := range workflow.Actions() {
		if def.Role == actor.Role {
			own = append(own, def)
		}
	}
	if len(own) == 0 {
		return fmt.Errorf("participant %s: no actions for role %s", actor.ID, actor.Role)
	}

	lastKey := ""
	for n := 0; !stopped(ctx, stop); n++ {
		def := own[rng.Intn(len(own))]
		if def.Type == workflow.ActionPaymentRejected && rng.Intn(4) != 0 {
			def, _ = workflow.LookupAction(workflow.ActionPaymentApproved)
		}

		req := agreement.PerformRequest{
			AgreementID:    agreementID,
			Action:         def.Type,
			Actor:          actor,
			IdempotencyKey: fmt.Sprintf("%s-%s-%d", agreementID, actor.ID, n),
		}
		if lastKey != "" && rng.Intn(8) == 0 {
			req.IdempotencyKey = lastKey
		}
		if def.Type == workflow.ActionPaymentRejected {
			req.Metadata = map[string]any{"reason": "amount does not match invoice"}
		}
		if def.Type == workflow.ActionIdentityVerified {
			req.VerificationCode = VerificationCode
		}

		res, err := svc.PerformAction(ctx, req)
		if err == nil && !res.Success && res.Code == workflow.DenialNoVerificationPending {
			if _, verr := svc.RequestIdentityVerification(ctx, agreementID, actor); verr != nil && !errors.Is(verr, workflow.ErrStepCompleted) {
				record(ctx, stats, agreement.Result{}, verr)
			}
		}
		record(ctx, stats, res, err)
		lastKey = req.IdempotencyKey
		pause(rng, 5, 20)
	}
	return nil
}

// Delegate is an operator completing counterparty actions on their behalf.
func Delegate(ctx context.Context, svc *agreement.Service, agreementID string, operator agreement.Actor, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	delegable := []workflow.ActionType{
		workflow.ActionCounterpartyReviewApproved,
		workflow.ActionCounterpartySigned,
		workflow.ActionCounterpartyIDUploaded,
		workflow.ActionDisclosureAcknowledged,
	}
	for !stopped(ctx, stop) {
		res, err := svc.PerformAction(ctx, agreement.PerformRequest{
			AgreementID: agreementID,
			Action:      delegable[rng.Intn(len(delegable))],
			Actor:       operator,
			OnBehalfOf:  workflow.RoleCounterparty,
		})
		record(ctx, stats, res, err)
		pause(rng, 20, 40)
	}
	return nil
}

// Blocker places and lifts operator blocks on random steps.
func Blocker(ctx context.Context, svc *agreement.Service, agreementID string, operator agreement.Actor, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	steps := workflow.Steps()
	for !stopped(ctx, stop) {
		step := steps[rng.Intn(len(steps))]
		_, err := svc.BlockStep(ctx, agreementID, step, operator, "awaiting compliance review")
		if err == nil {
			stats.Applied.Add(1)
			pause(rng, 30, 60)
			_, err = svc.UnblockStep(ctx, agreementID, step, operator)
		}
		switch {
		case err == nil:
			stats.Applied.Add(1)
		case errors.Is(err, workflow.ErrStepCompleted), errors.Is(err, workflow.ErrNotBlocked):
			stats.Denied.Add(1)
		default:
			record(ctx, stats, agreement.Result{}, err)
		}
		pause(rng, 100, 200)
	}
	return nil
}

// OutboxWorker drains the outbox through a relay whose handler fails at
// random, so some messages are retried and a few end up dead.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stats *Stats, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	handler := outbox.HandlerFunc(func(context.Context, outbox.Message) error {
		if rng.Intn(10) == 0 {
			return errors.New("simulated delivery failure")
		}
		stats.Relayed.Add(1)
		return nil
	})
	relay := outbox.NewRelay(pool, handler, outbox.RelayConfig{BatchSize: 10, MaxAttempts: 3})
	for !stopped(ctx, stop) {
		if _, err := relay.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			stats.Transient.Add(1)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// Watcher follows broadcasts for one agreement and fails if a subscriber ever
// sees the version go backwards or repeat.
func Watcher(ctx context.Context, sub *realtime.Subscription, stop <-chan struct{}) error {
	defer sub.Close()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case st, ok := <-sub.C():
			if !ok {
				return nil
			}
			if st.Version <= last {
				return fmt.Errorf("watcher %s: version %d after %d", sub.AgreementID(), st.Version, last)
			}
			last = st.Version
		}
	}
}
