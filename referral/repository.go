package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("referral: not found")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	Get(ctx context.Context, id string) (Agreement, error)
	List(ctx context.Context, filters Filters) ([]Agreement, int, error)
	HasReferrer(ctx context.Context, agreementID string) (bool, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	const query = `
        INSERT INTO agreements (id, operator_id, counterparty_id, referrer_id)
        VALUES ($1, $2, $3, $4)
        RETURNING id, operator_id::text, counterparty_id::text, referrer_id::text, created_at
    `

	row := tx.QueryRow(ctx, query,
		a.ID,
		a.OperatorID,
		a.CounterpartyID,
		a.ReferrerID,
	)

	created, err := scanAgreement(row)
	if err != nil {
		return Agreement{}, fmt.Errorf("referral: insert agreement: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Agreement, error) {
	const query = `
		SELECT id, operator_id::text, counterparty_id::text, referrer_id::text, created_at
		FROM agreements
		WHERE id = $1
	`

	a, err := scanAgreement(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("referral: get agreement: %w", err)
	}
	return a, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Agreement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := `SELECT id, operator_id::text, counterparty_id::text, referrer_id::text, created_at
             FROM agreements`
	where := []string{"1=1"}
	args := []any{}

	if filters.UserID != "" {
		n := len(args) + 1
		where = append(where, fmt.Sprintf("(operator_id::text=$%d OR counterparty_id::text=$%d OR referrer_id::text=$%d)", n, n, n))
		args = append(args, filters.UserID)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY created_at %s, id LIMIT %d OFFSET %d`, base, whereClause, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("referral: query list: %w", err)
	}
	defer rows.Close()

	list := []Agreement{}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("referral: scan agreement: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("referral: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM agreements%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("referral: count list: %w", err)
	}

	return list, total, nil
}

// HasReferrer reports whether the agreement was registered with a referrer.
// Agreements that were never registered have none.
func (r *PGRepository) HasReferrer(ctx context.Context, agreementID string) (bool, error) {
	var has bool
	err := r.pool.QueryRow(ctx, `SELECT referrer_id IS NOT NULL FROM agreements WHERE id = $1`, agreementID).Scan(&has)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("referral: lookup referrer: %w", err)
	}
	return has, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a            Agreement
		operator     *string
		counterparty *string
	)
	if err := row.Scan(&a.ID, &operator, &counterparty, &a.ReferrerID, &a.CreatedAt); err != nil {
		return Agreement{}, err
	}
	if operator != nil {
		a.OperatorID = *operator
	}
	if counterparty != nil {
		a.CounterpartyID = *counterparty
	}
	return a, nil
}
