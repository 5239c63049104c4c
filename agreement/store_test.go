package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"agreementflow/activity"
	"agreementflow/outbox"
	"agreementflow/workflow"
)

func TestStoreCommit_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{version: 4}
	log := &fakeActivityLog{}
	writer := &fakeOutboxWriter{}
	store := NewStore(pool, repo, log, writer)

	next := workflow.NewFlowState("agreement-123", false, time.Unix(100, 0).UTC())
	commit := Commit{
		Next:            next,
		ExpectedVersion: 4,
		Entry:           activity.Entry{ID: "entry-1", AgreementID: "agreement-123", ActionType: workflow.ActionOperatorReviewApproved},
		Messages: []outbox.Envelope{
			{Topic: outbox.TopicFlowChanged, Payload: map[string]any{"agreement_id": "agreement-123"}},
			{Topic: outbox.TopicStepCompleted, Payload: map[string]any{"agreement_id": "agreement-123"}},
		},
		IdempotencyKey: "req-1",
	}

	got, entry, err := store.Commit(context.Background(), commit)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if repo.keyAgreement != "agreement-123" || repo.keyAction != workflow.ActionOperatorReviewApproved {
		t.Errorf("expected key scoped to agreement-123/OPERATOR_REVIEW_APPROVED, got %s/%s", repo.keyAgreement, repo.keyAction)
	}
	if got.Version != 5 {
		t.Errorf("expected version 5, got %d", got.Version)
	}
	if repo.updated == nil || repo.updated.Version != 5 {
		t.Errorf("expected UpdateFlow with version 5, got %+v", repo.updated)
	}
	if entry.Seq != 1 {
		t.Errorf("expected appended entry seq 1, got %d", entry.Seq)
	}
	if len(writer.topics) != 2 {
		t.Errorf("expected 2 outbox messages, got %v", writer.topics)
	}
	if repo.notified != "agreement-123:5" {
		t.Errorf("unexpected notify payload %q", repo.notified)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if commit.Next.Version != 0 {
		t.Errorf("expected caller state to be left untouched")
	}
}

func TestStoreCommit_VersionConflict(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{version: 7}
	log := &fakeActivityLog{}
	store := NewStore(pool, repo, log, &fakeOutboxWriter{})

	_, _, err := store.Commit(context.Background(), Commit{
		Next:            workflow.NewFlowState("agreement-123", false, time.Now()),
		ExpectedVersion: 6,
	})
	if !errors.Is(err, ErrCommitConflict) {
		t.Fatalf("expected ErrCommitConflict, got %v", err)
	}
	if !IsConflict(err) {
		t.Errorf("expected IsConflict to report the conflict")
	}

	if repo.updated != nil {
		t.Errorf("expected no update after conflict")
	}
	if len(log.entries) != 0 {
		t.Errorf("expected no activity after conflict")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
}

func TestStoreCommit_DuplicateIdempotencyKey(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrDuplicateIdempotencyKey, version: 1}
	store := NewStore(pool, repo, &fakeActivityLog{}, &fakeOutboxWriter{})

	_, _, err := store.Commit(context.Background(), Commit{
		Next:            workflow.NewFlowState("agreement-123", false, time.Now()),
		ExpectedVersion: 1,
		IdempotencyKey:  "req-1",
	})
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if repo.locked {
		t.Errorf("expected lock to be skipped when key duplicates")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped on idempotent replay")
	}
}

func TestStoreCreate_ExistingFlowIsReturned(t *testing.T) {
	existing := workflow.NewFlowState("agreement-123", true, time.Unix(50, 0).UTC())
	existing.Version = 3

	pool := &fakePool{}
	repo := &fakeRepo{exists: true, stored: existing}
	log := &fakeActivityLog{}
	store := NewStore(pool, repo, log, &fakeOutboxWriter{})

	got, created, err := store.Create(context.Background(), Creation{
		State: workflow.NewFlowState("agreement-123", false, time.Now()),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if created {
		t.Errorf("expected created=false for an existing flow")
	}
	if got.Version != 3 || !got.HasReferrer {
		t.Errorf("expected stored flow, got %+v", got)
	}
	if len(log.entries) != 0 {
		t.Errorf("expected no activity for an existing flow")
	}
}

func TestStoreCommit_SilentChannel(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{version: 1}
	store := NewStore(pool, repo, &fakeActivityLog{}, nil).WithChannel("")

	if _, _, err := store.Commit(context.Background(), Commit{
		Next:            workflow.NewFlowState("agreement-123", false, time.Now()),
		ExpectedVersion: 1,
		Messages:        []outbox.Envelope{{Topic: outbox.TopicFlowChanged}},
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.channel != "" {
		t.Errorf("expected empty channel, got %q", repo.channel)
	}
}

type fakeRepo struct {
	insertErr error
	version   int64
	exists    bool
	stored    workflow.FlowState

	locked       bool
	keyAgreement string
	keyAction    workflow.ActionType
	updated      *workflow.FlowState
	channel      string
	notified     string
}

func (f *fakeRepo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, agreementID, key string, action workflow.ActionType) error {
	f.keyAgreement = agreementID
	f.keyAction = action
	return f.insertErr
}

func (f *fakeRepo) LookupIdempotencyKey(ctx context.Context, q RowQuerier, agreementID, key string) (workflow.ActionType, bool, error) {
	return f.keyAction, f.insertErr != nil, nil
}

func (f *fakeRepo) LockFlow(ctx context.Context, tx pgx.Tx, agreementID string) (int64, error) {
	f.locked = true
	return f.version, nil
}

func (f *fakeRepo) InsertFlow(ctx context.Context, tx pgx.Tx, state workflow.FlowState) (bool, error) {
	return !f.exists, nil
}

func (f *fakeRepo) UpdateFlow(ctx context.Context, tx pgx.Tx, state workflow.FlowState) error {
	f.updated = &state
	return nil
}

func (f *fakeRepo) GetFlow(ctx context.Context, q RowQuerier, agreementID string) (workflow.FlowState, error) {
	if !f.exists {
		return workflow.FlowState{}, ErrFlowNotFound
	}
	return f.stored, nil
}

func (f *fakeRepo) NotifyChange(ctx context.Context, tx pgx.Tx, channel, payload string) error {
	f.channel = channel
	f.notified = payload
	return nil
}

type fakeActivityLog struct {
	entries []activity.Entry
}

func (f *fakeActivityLog) Append(ctx context.Context, tx pgx.Tx, entry activity.Entry) (activity.Entry, error) {
	entry.Seq = int64(len(f.entries)) + 1
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeActivityLog) List(ctx context.Context, agreementID string, limit int) ([]activity.Entry, error) {
	return f.entries, nil
}

type fakeOutboxWriter struct {
	topics []string
}

func (f *fakeOutboxWriter) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
