package referral

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agreementflow/outbox"
	"agreementflow/test/infra"
	"agreementflow/workflow"
)

func TestRegisterAndLookup_Integration(t *testing.T) {
	pool := infra.Postgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mustInsert := func(query string, args ...any) string {
		var id string
		if err := pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			t.Fatalf("seed statement failed: %v", err)
		}
		return id
	}
	seedUser := func(name, role string) string {
		return mustInsert(`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id::text`,
			fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), name, role)
	}

	operatorID := seedUser("Olivia Operator", "operator")
	counterpartyID := seedUser("Carl Counterparty", "counterparty")
	referrerID := seedUser("Rita Referrer", "referrer")

	svc := NewService(pool, NewRepository(pool), outbox.NewWriter())

	withRef, err := svc.Register(ctx, RegisterParams{OperatorID: operatorID, CounterpartyID: counterpartyID, ReferrerID: referrerID})
	require.NoError(t, err)
	assert.True(t, withRef.HasReferrer())

	direct, err := svc.Register(ctx, RegisterParams{ID: "direct-1", OperatorID: operatorID, CounterpartyID: counterpartyID})
	require.NoError(t, err)
	assert.Equal(t, "direct-1", direct.ID)

	has, err := svc.HasReferrer(ctx, withRef.ID)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = svc.HasReferrer(ctx, direct.ID)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = svc.HasReferrer(ctx, "never-registered")
	require.NoError(t, err)
	assert.False(t, has)

	role, err := svc.Participant(ctx, withRef.ID, referrerID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RoleReferrer, role)
	_, err = svc.Participant(ctx, direct.ID, referrerID)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := svc.List(ctx, Filters{UserID: counterpartyID, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Items, 1)

	var registered int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1`, TopicAgreementRegistered).Scan(&registered)
	require.NoError(t, err)
	assert.Equal(t, 2, registered)
}
