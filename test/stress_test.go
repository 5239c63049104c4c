package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"agreementflow/activity"
	"agreementflow/agreement"
	"agreementflow/auth"
	"agreementflow/notify"
	"agreementflow/outbox"
	"agreementflow/realtime"
	"agreementflow/referral"
	"agreementflow/test/actors"
	"agreementflow/test/chaos"
	"agreementflow/test/infra"
	"agreementflow/test/oracles"
	"agreementflow/verification"
	"agreementflow/workflow"
)

var (
	flDuration   = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flAgreements = flag.Int("agreements", 4, "number of agreements driven concurrently")
	flSeed       = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN        = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// maxOracleErrors bounds consecutive oracle query failures; chaos may kill
// the connection an oracle runs on.
const maxOracleErrors = 3

func TestFlowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pgC, dsn, err := infra.Open(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no postgres available: %v", err)
	}
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer pgC.Terminate(context.Background())
	usedShared := pgC.Shared()

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if !usedShared {
		// Every run starts from empty tables.
		if err := infra.Reset(ctx, pool); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}

	h := newHarness(pool)
	seeded := mustSeed(t, ctx, h, *flAgreements)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	stats := &actors.Stats{}

	bridge := realtime.NewPGBridge(pool, realtime.DefaultChannel, h.remote, realtime.FetchFunc(h.store.Load))
	bridgeCtx, stopBridge := context.WithCancel(ctx2)
	defer stopBridge()
	go func() { _ = bridge.Run(bridgeCtx) }()

	for _, s := range seeded {
		s := s
		// One watcher on the local hub, one on the hub fed from NOTIFY.
		localSub := h.svc.Subscribe(ctx2, s.agreementID)
		remoteSub := h.remote.Subscribe(ctx2, s.agreementID)
		g.Go(func() error { return actors.Watcher(ctx2, localSub, stop) })
		g.Go(func() error { return actors.Watcher(ctx2, remoteSub, stop) })

		g.Go(func() error { return actors.Participant(ctx2, h.svc, s.agreementID, s.operator, rng.Int63(), stats, stop) })
		g.Go(func() error {
			return actors.Participant(ctx2, h.svc, s.agreementID, s.counterparty, rng.Int63(), stats, stop)
		})
		// The referrer acts whether or not the agreement has one; gating
		// must deny it on agreements without.
		g.Go(func() error { return actors.Participant(ctx2, h.svc, s.agreementID, s.referrer, rng.Int63(), stats, stop) })
		g.Go(func() error { return actors.Delegate(ctx2, h.svc, s.agreementID, s.operator, rng.Int63(), stats, stop) })
		g.Go(func() error { return actors.Blocker(ctx2, h.svc, s.agreementID, s.operator, rng.Int63(), stats, stop) })
	}
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, rng.Int63(), stats, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, rng.Int63(), stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	oracleErrors := 0
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				oracleErrors++
				if oracleErrors >= maxOracleErrors {
					t.Fatalf("oracle error: %v", err)
				}
				t.Logf("oracle retry after error: %v", err)
				continue
			}
			oracleErrors = 0
			if name != "" {
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}
	stopBridge()

	// A final pass after all writers stopped.
	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("stress stats: %s", stats)
	if stats.Applied.Load() == 0 {
		t.Fatalf("no action was ever applied (seed=%d)", seed)
	}
}

type harness struct {
	svc          *agreement.Service
	store        *agreement.Store
	remote       *realtime.Hub
	participants *referral.Service
	users        *auth.Service
}

func newHarness(pool *pgxpool.Pool) harness {
	writer := outbox.NewWriter()
	participants := referral.NewService(pool, referral.NewRepository(pool), writer)
	store := agreement.NewStore(pool, agreement.NewRepository(), activity.NewPGLog(pool), writer)
	verifier := verification.NewService(notify.NewLogNotifier(log.New(io.Discard, "", 0)), verification.DefaultTTL).
		WithStore(verification.NewPGStore(pool)).
		WithCodeGenerator(func() (string, error) { return actors.VerificationCode, nil })
	svc := agreement.NewService(store, participants, realtime.NewHub()).WithVerifier(verifier)
	return harness{
		svc:          svc,
		store:        store,
		remote:       realtime.NewHub(),
		participants: participants,
		users:        auth.NewService(auth.NewRepository(pool), "stress-secret"),
	}
}

type seededAgreement struct {
	agreementID  string
	hasReferrer  bool
	operator     agreement.Actor
	counterparty agreement.Actor
	referrer     agreement.Actor
}

func mustSeed(t *testing.T, ctx context.Context, h harness, n int) []seededAgreement {
	t.Helper()
	run := time.Now().UnixNano()

	newUser := func(label string, role workflow.Role) agreement.Actor {
		u, err := h.users.Register(ctx, auth.RegisterRequest{
			Email:    fmt.Sprintf("%s-%d@example.com", label, run),
			Password: "stress-password",
			FullName: "Stress " + label,
			Role:     role,
		})
		if err != nil {
			t.Fatalf("seed user %s: %v", label, err)
		}
		return agreement.Actor{ID: u.ID, Role: role, DisplayName: u.FullName}
	}

	out := make([]seededAgreement, 0, n)
	for i := 0; i < n; i++ {
		s := seededAgreement{
			agreementID:  fmt.Sprintf("stress-%d-%d", run, i),
			hasReferrer:  i%2 == 0,
			operator:     newUser(fmt.Sprintf("op%d", i), workflow.RoleOperator),
			counterparty: newUser(fmt.Sprintf("cp%d", i), workflow.RoleCounterparty),
			referrer:     newUser(fmt.Sprintf("ref%d", i), workflow.RoleReferrer),
		}
		params := referral.RegisterParams{
			ID:             s.agreementID,
			OperatorID:     s.operator.ID,
			CounterpartyID: s.counterparty.ID,
		}
		if s.hasReferrer {
			params.ReferrerID = s.referrer.ID
		}
		if _, err := h.participants.Register(ctx, params); err != nil {
			t.Fatalf("seed agreement %s: %v", s.agreementID, err)
		}
		state, err := h.svc.InitializeFlow(ctx, s.agreementID, s.operator)
		if err != nil {
			t.Fatalf("initialize flow %s: %v", s.agreementID, err)
		}
		if state.HasReferrer != s.hasReferrer {
			t.Fatalf("flow %s: has_referrer=%t, want %t", s.agreementID, state.HasReferrer, s.hasReferrer)
		}
		out = append(out, s)
	}
	return out
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"flow_states", `SELECT agreement_id, has_referrer, current_step, version, updated_at FROM flow_states ORDER BY updated_at DESC LIMIT 20`},
		{"flow_activity", `SELECT agreement_id, seq, actor_role, acting_as_role, action_type, step FROM flow_activity ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
