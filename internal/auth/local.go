package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/freitascorp/meridian/internal/errs"
)

// claims is the signed payload of a local capability token. The wire
// token is base64url(claimsJSON) + "." + base64url(signature), verified
// offline against a single configured Ed25519 public key using the
// standard library's crypto/ed25519.
type claims struct {
	Subject    string    `json:"sub"`
	Scopes     []string  `json:"scopes"`
	APITokenID string    `json:"api_token_id,omitempty"`
	ExpiresAt  time.Time `json:"exp"`
	MatchID    string    `json:"match_id,omitempty"`
	PlayerID   string    `json:"player_id,omitempty"`
}

// LocalValidator verifies a token's Ed25519 signature against a single
// configured public key, with no network call.
type LocalValidator struct {
	publicKey ed25519.PublicKey
}

// NewLocalValidator creates a validator for the given Ed25519 public key.
func NewLocalValidator(publicKey ed25519.PublicKey) *LocalValidator {
	return &LocalValidator{publicKey: publicKey}
}

// NewLocalValidatorFromBase64 decodes a standard-base64-encoded Ed25519
// public key (32 bytes) before constructing the validator.
func NewLocalValidatorFromBase64(b64 string) (*LocalValidator, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return NewLocalValidator(ed25519.PublicKey(raw)), nil
}

// Validate parses and verifies a "<claimsB64>.<sigB64>" token.
func (v *LocalValidator) Validate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken()
	}

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidToken(fmt.Errorf("malformed token: expected claims.signature"))
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken(fmt.Errorf("decode claims: %w", err))
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken(fmt.Errorf("decode signature: %w", err))
	}

	if !ed25519.Verify(v.publicKey, claimsJSON, sig) {
		return nil, ErrInvalidToken(fmt.Errorf("signature verification failed"))
	}

	var c claims
	if err := json.Unmarshal(claimsJSON, &c); err != nil {
		return nil, ErrInvalidToken(fmt.Errorf("decode claims json: %w", err))
	}

	p := &Principal{
		Subject:    c.Subject,
		Scopes:     c.Scopes,
		APITokenID: c.APITokenID,
		ExpiresAt:  c.ExpiresAt,
		MatchID:    c.MatchID,
		PlayerID:   c.PlayerID,
	}
	if p.Expired() {
		return nil, errs.New(errs.Unauthenticated, "token expired at %s", p.ExpiresAt)
	}
	return p, nil
}

// SignToken signs claims with a private key, producing the wire format
// LocalValidator.Validate parses. Used by tests and by the auth
// service's token-issuance path.
func SignToken(privateKey ed25519.PrivateKey, p *Principal) (string, error) {
	c := claims{
		Subject:    p.Subject,
		Scopes:     p.Scopes,
		APITokenID: p.APITokenID,
		ExpiresAt:  p.ExpiresAt,
		MatchID:    p.MatchID,
		PlayerID:   p.PlayerID,
	}
	claimsJSON, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	sig := ed25519.Sign(privateKey, claimsJSON)
	return base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
