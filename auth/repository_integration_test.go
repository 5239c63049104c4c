package auth_test

import (
	"context"
	"errors"
	"testing"

	"agreementflow/auth"
	"agreementflow/test/infra"
	"agreementflow/workflow"
)

func TestPGRepository_Users(t *testing.T) {
	pool := infra.Postgres(t)
	ctx := context.Background()
	repo := auth.NewRepository(pool)

	created, err := repo.CreateUser(ctx, auth.CreateUserParams{
		Email:        "Dana@Example.com",
		FullName:     "Dana Operator",
		PasswordHash: "hash",
		Role:         workflow.RoleOperator,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("generated columns missing: %+v", created)
	}

	byEmail, err := repo.GetUserByEmail(ctx, "dana@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if byEmail.ID != created.ID || byEmail.Role != workflow.RoleOperator {
		t.Fatalf("get by email: got %+v want id %s", byEmail, created.ID)
	}

	byID, err := repo.GetUserByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.Email != "Dana@Example.com" {
		t.Fatalf("get by id: email %q", byID.Email)
	}

	_, err = repo.CreateUser(ctx, auth.CreateUserParams{
		Email:        "dana@example.com",
		FullName:     "Dana Again",
		PasswordHash: "hash",
		Role:         workflow.RoleCounterparty,
	})
	if !errors.Is(err, auth.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail for a case variant, got %v", err)
	}

	if _, err := repo.GetUserByID(ctx, "not-a-uuid"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for malformed id, got %v", err)
	}
	if _, err := repo.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
