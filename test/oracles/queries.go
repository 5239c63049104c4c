package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_activity_seq_contiguous",
			SQL: `WITH s AS (
                      SELECT agreement_id, seq,
                             ROW_NUMBER() OVER (PARTITION BY agreement_id ORDER BY seq) AS rn
                      FROM flow_activity)
                  SELECT * FROM s WHERE seq <> rn`,
		},
		{
			Name: "O2_version_matches_activity",
			SQL: `SELECT f.agreement_id, f.version, COUNT(a.id) AS entries
                  FROM flow_states f
                  LEFT JOIN flow_activity a ON a.agreement_id = f.agreement_id
                  GROUP BY f.agreement_id, f.version
                  HAVING f.version <> COUNT(a.id)`,
		},
		{
			Name: "O3_finalized_requires_all_steps",
			SQL: `SELECT f.agreement_id, s.key
                  FROM flow_states f, jsonb_each(f.steps) s
                  WHERE EXISTS (SELECT 1 FROM flow_activity a
                                WHERE a.agreement_id = f.agreement_id
                                  AND a.action_type = 'AGREEMENT_FINALIZED')
                    AND s.value->>'completed_at' IS NULL`,
		},
		{
			Name: "O4_delegation_scoped",
			SQL: `SELECT id, actor_role, acting_as_role FROM flow_activity
                  WHERE COALESCE(acting_as_role, '') <> ''
                    AND NOT (actor_role = 'operator' AND acting_as_role = 'counterparty')`,
		},
		{
			Name: "O5_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_activity_append_only",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'flow_activity_no_update')`,
		},
		{
			Name: "O7_referrer_gating",
			SQL: `SELECT a.id, a.agreement_id, a.action_type
                  FROM flow_activity a
                  JOIN flow_states f ON f.agreement_id = a.agreement_id
                  WHERE NOT f.has_referrer
                    AND a.action_type LIKE 'REFERRER\_%'`,
		},
		{
			Name: "O8_single_completion",
			SQL: `SELECT payload->>'agreement_id' AS agreement_id, COUNT(*)
                  FROM outbox
                  WHERE topic = 'agreement.completed'
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_rejection_has_reason",
			SQL: `SELECT id FROM flow_activity
                  WHERE action_type = 'PAYMENT_REJECTED'
                    AND COALESCE(metadata->>'reason', '') = ''`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
