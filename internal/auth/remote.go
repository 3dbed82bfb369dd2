package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/freitascorp/meridian/internal/errs"
)

// introspectionResponse is RFC 7662's token introspection response body,
// trimmed to the fields meridian needs.
type introspectionResponse struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub"`
	Scope    string `json:"scope"` // space-separated, per RFC 7662
	TokenID  string `json:"jti,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	MatchID  string `json:"match_id,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
}

// RemoteValidator validates tokens by calling the external auth
// service's introspection endpoint, authenticating itself with an
// OAuth2 client-credentials grant via golang.org/x/oauth2.
type RemoteValidator struct {
	introspectionURL string
	httpClient       *http.Client
}

// NewRemoteValidator creates a validator that authenticates to
// introspectionURL using the given OAuth2 client credentials.
func NewRemoteValidator(introspectionURL, clientID, clientSecret, tokenURL string) *RemoteValidator {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &RemoteValidator{
		introspectionURL: introspectionURL,
		httpClient:       cfg.Client(context.Background()),
	}
}

// Validate calls the introspection endpoint and converts its response
// into a Principal.
func (v *RemoteValidator) Validate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken()
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "build introspection request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, err, "introspection request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.Unavailable, "introspection endpoint returned %d", resp.StatusCode)
	}

	var ir introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decode introspection response")
	}
	if !ir.Active {
		return nil, ErrInvalidToken(fmt.Errorf("token not active"))
	}

	p := &Principal{
		Subject:  ir.Subject,
		MatchID:  ir.MatchID,
		PlayerID: ir.PlayerID,
	}
	if ir.Scope != "" {
		p.Scopes = strings.Fields(ir.Scope)
	}
	if ir.Exp > 0 {
		p.ExpiresAt = time.Unix(ir.Exp, 0)
	}
	p.APITokenID = ir.TokenID

	if p.Expired() {
		return nil, errs.New(errs.Unauthenticated, "token expired at %s", p.ExpiresAt)
	}
	return p, nil
}
