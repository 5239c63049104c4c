package auth

import (
	"fmt"
	"strings"
	"time"

	"agreementflow/workflow"
)

const minPasswordLength = 8

// User is an account that can take part in agreements. Role is the role the
// account registered with; the participant registry decides the role it
// holds on a given agreement.
type User struct {
	ID           string        `db:"id"`
	Email        string        `db:"email"`
	FullName     string        `db:"full_name"`
	PasswordHash string        `db:"password_hash"`
	Role         workflow.Role `db:"role"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

type RegisterRequest struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	FullName string        `json:"full_name"`
	Role     workflow.Role `json:"role"`
}

// userParams checks the request and returns the row to insert, without the
// password hash. Role defaults to counterparty.
func (r RegisterRequest) userParams() (CreateUserParams, error) {
	if len(r.Password) < minPasswordLength {
		return CreateUserParams{}, ErrWeakPassword
	}
	p := CreateUserParams{
		Email:    strings.TrimSpace(r.Email),
		FullName: strings.TrimSpace(r.FullName),
		Role:     workflow.Role(strings.TrimSpace(string(r.Role))),
	}
	if p.Email == "" || p.FullName == "" {
		return CreateUserParams{}, fmt.Errorf("auth: email and full_name are required")
	}
	if p.Role == "" {
		p.Role = workflow.RoleCounterparty
	}
	if !p.Role.Valid() {
		return CreateUserParams{}, fmt.Errorf("auth: invalid role %q", p.Role)
	}
	return p, nil
}

// CreateUserParams is the write shape of a user. Emails are unique without
// regard to case.
type CreateUserParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         workflow.Role
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
