package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agreementflow/workflow"
)

const defaultListLimit = 100

// Querier is satisfied by pgxpool.Pool, pgx.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGLog persists entries in the flow_activity table.
type PGLog struct {
	db Querier
}

func NewPGLog(db Querier) *PGLog {
	return &PGLog{db: db}
}

// Append writes entry inside tx. The caller must hold the agreement's flow row
// lock so sequence allocation cannot race.
func (l *PGLog) Append(ctx context.Context, tx pgx.Tx, entry Entry) (Entry, error) {
	if entry.AgreementID == "" {
		return Entry{}, fmt.Errorf("activity: missing agreement id")
	}

	meta := entry.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: marshal metadata: %w", err)
	}

	var actingAs any
	if entry.ActingAsRole != "" {
		actingAs = string(entry.ActingAsRole)
	}
	var actorID any
	if entry.ActorID != "" {
		actorID = entry.ActorID
	}

	const insertSQL = `
INSERT INTO flow_activity (id, agreement_id, seq, actor_id, actor_role, acting_as_role, action_type, step, description, metadata, created_at)
VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_activity WHERE agreement_id = $2), $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING seq;
`

	if err := tx.QueryRow(ctx, insertSQL,
		entry.ID,
		entry.AgreementID,
		actorID,
		string(entry.ActorRole),
		actingAs,
		string(entry.ActionType),
		string(entry.Step),
		entry.Description,
		payload,
		entry.CreatedAt.UTC(),
	).Scan(&entry.Seq); err != nil {
		return Entry{}, fmt.Errorf("activity: insert entry: %w", err)
	}

	return entry, nil
}

// List returns the newest limit entries in commit order.
func (l *PGLog) List(ctx context.Context, agreementID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	const selectSQL = `
SELECT id, agreement_id, seq, COALESCE(actor_id, ''), actor_role, COALESCE(acting_as_role, ''), action_type, step, description, metadata, created_at
FROM (
    SELECT * FROM flow_activity WHERE agreement_id = $1 ORDER BY seq DESC LIMIT $2
) recent
ORDER BY seq ASC;
`

	rows, err := l.db.Query(ctx, selectSQL, agreementID, limit)
	if err != nil {
		return nil, fmt.Errorf("activity: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		entry      Entry
		actorRole  string
		actingAs   string
		actionType string
		step       string
		payload    []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.AgreementID,
		&entry.Seq,
		&entry.ActorID,
		&actorRole,
		&actingAs,
		&actionType,
		&step,
		&entry.Description,
		&payload,
		&entry.CreatedAt,
	); err != nil {
		return Entry{}, fmt.Errorf("activity: scan entry: %w", err)
	}

	entry.ActorRole = workflow.Role(actorRole)
	entry.ActingAsRole = workflow.Role(actingAs)
	entry.ActionType = workflow.ActionType(actionType)
	entry.Step = workflow.StepKey(step)
	entry.Metadata = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Metadata); err != nil {
			return Entry{}, fmt.Errorf("activity: decode metadata: %w", err)
		}
	}
	return entry, nil
}
