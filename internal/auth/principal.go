// Package auth implements capability-token validation and the
// hierarchical scope check used everywhere in meridian to authorize an
// operation, with golang.org/x/oauth2 for the service-to-service auth
// leg. Authorization decisions are not written to an audit trail here.
package auth

import (
	"context"
	"time"

	"github.com/freitascorp/meridian/internal/errs"
)

// Principal is the authenticated identity carried by a validated token.
type Principal struct {
	Subject    string
	Scopes     []string
	APITokenID string
	ExpiresAt  time.Time

	// Match-scoped tokens additionally bind to a single (matchId,
	// playerId) pair; both are empty for cluster-level tokens.
	MatchID  string
	PlayerID string
}

// IsMatchScoped reports whether this principal is bound to a specific
// match/player pair.
func (p *Principal) IsMatchScoped() bool {
	return p.MatchID != "" || p.PlayerID != ""
}

// Expired reports whether the principal's token has expired as of now.
func (p *Principal) Expired() bool {
	return !p.ExpiresAt.IsZero() && time.Now().After(p.ExpiresAt)
}

// RequireScope fails with PermissionDenied unless the principal carries
// a scope satisfying required.
func (p *Principal) RequireScope(required string) error {
	if AnyScopeMatches(p.Scopes, required) {
		return nil
	}
	return errs.New(errs.PermissionDenied, "insufficient scope: requires %q", required)
}

// RequireBinding fails with PermissionDenied unless a match-scoped
// principal's (matchId, playerId) matches the URL path's ids. Cluster-
// level (non-match-scoped) principals always pass — this check only
// constrains match tokens.
func (p *Principal) RequireBinding(matchID, playerID string) error {
	if !p.IsMatchScoped() {
		return nil
	}
	if p.MatchID != matchID || p.PlayerID != playerID {
		return errs.New(errs.PermissionDenied, "token bound to (%s,%s), not (%s,%s)", p.MatchID, p.PlayerID, matchID, playerID)
	}
	return nil
}

// Validator authenticates a bearer token into a Principal.
type Validator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// ErrMissingToken is returned when no bearer token was presented at all,
// both by callers that find no token and by the validators when handed
// an empty one.
func ErrMissingToken() error {
	return errs.New(errs.Unauthenticated, "missing token")
}

// ErrInvalidToken wraps a signature or expiry failure.
func ErrInvalidToken(cause error) error {
	return errs.Wrap(errs.Unauthenticated, cause, "invalid token")
}
