// Package controlplaneapi is the control plane's own HTTP façade: node
// registration/heartbeat/listing, match create/list/get/delete/join,
// and the cross-node proxy, each scope-checked against the bearer
// token's capability per internal/auth.
package controlplaneapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/freitascorp/meridian/internal/auth"
)

type principalKey struct{}

func principalFrom(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return p, ok
}

// requireScope wraps next, authenticating the bearer token against
// validator and rejecting requests whose principal lacks scope.
func requireScope(validator auth.Validator, scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErr(w, auth.ErrMissingToken())
			return
		}
		principal, err := validator.Validate(r.Context(), token)
		if err != nil {
			writeErr(w, auth.ErrInvalidToken(err))
			return
		}
		if err := principal.RequireScope(scope); err != nil {
			writeErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

// bearerToken extracts the caller's token from either an
// "Authorization: Bearer <token>" header or the equivalent
// "X-Api-Token: <token>" header.
func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return r.Header.Get("X-Api-Token")
}
