package nodeapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/errs"
)

// Scope names required of the bearer token for each node operation
// group. Container/match lifecycle and command submission are
// privileged (module install happens as part of container creation);
// stats and stream reads are not.
const (
	ScopeContainersWrite = "node.containers.write"
	ScopeContainersRead  = "node.containers.read"
	ScopeCommandsWrite   = "node.commands.write"
	ScopeStreamsRead     = "node.streams.read"
)

type principalKey struct{}

func principalFrom(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return p, ok
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

// requireAuth wraps next, authenticating the caller's bearer token and
// stashing the resulting principal in the request context. It performs
// no scope check itself; handlers that serve more than one operation
// behind a single route (container subroutes, command submission)
// check the scope appropriate to the specific operation once they know
// which one is being requested.
func requireAuth(validator auth.Validator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := authenticate(r.Context(), validator, bearerToken(r))
		if err != nil {
			writeErr(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

// requireScope wraps next like requireAuth, additionally rejecting
// principals that lack scope.
func requireScope(validator auth.Validator, scope string, next http.HandlerFunc) http.HandlerFunc {
	return requireAuth(validator, func(w http.ResponseWriter, r *http.Request) {
		principal, _ := principalFrom(r.Context())
		if err := principal.RequireScope(scope); err != nil {
			writeErr(w, err)
			return
		}
		next(w, r)
	})
}

// checkScope fails the request and returns false unless the principal
// already stashed in r's context (by requireAuth) carries scope. Used
// by handlers whose required scope depends on which sub-operation of a
// shared route was requested.
func checkScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	principal, ok := principalFrom(r.Context())
	if !ok {
		writeErr(w, auth.ErrMissingToken())
		return false
	}
	if err := principal.RequireScope(scope); err != nil {
		writeErr(w, err)
		return false
	}
	return true
}

func authenticate(ctx context.Context, validator auth.Validator, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrMissingToken()
	}
	principal, err := validator.Validate(ctx, token)
	if err != nil {
		return nil, auth.ErrInvalidToken(err)
	}
	if principal.Expired() {
		return nil, errs.New(errs.Unauthenticated, "token expired")
	}
	return principal, nil
}

// wsToken extracts a bearer token from a WebSocket upgrade request per
// the "Bearer.<token>" Sec-WebSocket-Protocol convention (a browser
// WebSocket client can set subprotocols but not arbitrary headers),
// falling back to a "?token=" query parameter.
func wsToken(r *http.Request) string {
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if after, ok := strings.CutPrefix(p, "Bearer."); ok {
				return after
			}
		}
	}
	return r.URL.Query().Get("token")
}

// authenticateWS authenticates the caller of a WebSocket upgrade
// request using wsToken's extraction rules.
func authenticateWS(validator auth.Validator, r *http.Request) (*auth.Principal, error) {
	return authenticate(r.Context(), validator, wsToken(r))
}
