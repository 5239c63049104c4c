package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"agreementflow/agreement"
	"agreementflow/workflow"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
	ctxKeyName   ctxKey = "name"
	ctxKeyActor  ctxKey = "actor"
)

func userIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func roleFrom(ctx context.Context) workflow.Role {
	v, _ := ctx.Value(ctxKeyRole).(workflow.Role)
	return v
}

func actorFrom(ctx context.Context) (agreement.Actor, bool) {
	v, ok := ctx.Value(ctxKeyActor).(agreement.Actor)
	return v, ok
}

// requireAuth verifies the bearer token and stores its claims on the context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		ctx = context.WithValue(ctx, ctxKeyName, claims.DisplayName)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// resolveActor determines the caller's role on the agreement in the URL.
// With a participant registry the role comes from the agreement record;
// without one the token's role is trusted.
func (s *Server) resolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agreementID := chi.URLParam(r, "agreementID")
		if agreementID == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing agreement id")
			return
		}
		userID := userIDFrom(r.Context())
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthenticated")
			return
		}

		role := roleFrom(r.Context())
		if s.participants != nil {
			var err error
			role, err = s.participants.Participant(r.Context(), agreementID, userID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
		}
		if !role.Valid() {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "no workflow role")
			return
		}

		name, _ := r.Context().Value(ctxKeyName).(string)
		actor := agreement.Actor{ID: userID, Role: role, DisplayName: name}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}
