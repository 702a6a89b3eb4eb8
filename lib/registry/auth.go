package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is what a CredentialSource resolves for one registry host.
// Either Username/Password or IdentityToken is set, never both. An identity
// token (as docker-credential-helpers return for some providers, e.g. a
// refresh token) is not sent to the token endpoint: fetchBearerToken makes
// its usual GET with offline_token=true and no Authorization header, and
// does not use the "refresh_token" grant.
type Credential struct {
	Username      string
	Password      string
	IdentityToken string
}

func (c Credential) empty() bool {
	return c.Username == "" && c.Password == "" && c.IdentityToken == ""
}

// CredentialSource resolves credentials for a registry host. lib/credentials
// implements the resolver chain; tests and anonymous pulls use a static or
// nil source.
type CredentialSource interface {
	Credential(ctx context.Context, registryHost string) (Credential, error)
}

// authState is which authentication mode a host has settled into, following
// the Distribution Spec's conventional flow: try unauthenticated, and let
// the first 401's WWW-Authenticate challenge pick Basic or Bearer.
type authState int

const (
	stateUnauth authState = iota
	stateBasic
	stateBearer
)

// hostAuth tracks the auth state machine and any cached bearer token for one
// registry host plus scope. A Client keeps one of these per (host, scope)
// pair, since a bearer token is only valid for the scope it was issued for.
type hostAuth struct {
	mu          sync.Mutex
	state       authState
	cred        Credential
	token       string
	tokenExpiry time.Time
}

// authenticate reacts to a 401 response: it parses the WWW-Authenticate
// challenge, resolves credentials, and either switches to Basic (setting
// req's Authorization header directly) or fetches and caches a Bearer token.
// On success it sets the Authorization header on req so the caller can
// retry. Called with a fresh *http.Request each retry; authenticate is only
// ever invoked in reaction to a 401, so it always negotiates a new token
// rather than trusting ha's cached one — the cached token is what just got
// rejected, and replaying it would 401 again.
func (c *Client) authenticate(ctx context.Context, ha *hostAuth, resp *http.Response, req *http.Request) error {
	ha.mu.Lock()
	defer ha.mu.Unlock()

	if ha.cred.empty() && c.credentials != nil {
		cred, err := c.credentials.Credential(ctx, c.host)
		if err != nil {
			return fmt.Errorf("resolve credentials for %s: %w", c.host, err)
		}
		ha.cred = cred
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return ErrUnauthorized
	}
	ch := parseChallenge(header)

	switch strings.ToLower(ch.Scheme) {
	case "basic":
		ha.state = stateBasic
		req.Header.Set("Authorization", basicAuthHeader(ha.cred))
		return nil
	case "bearer":
		token, expiry, err := c.fetchBearerToken(ctx, ch, ha.cred)
		if err != nil {
			return fmt.Errorf("fetch bearer token: %w", err)
		}
		ha.state = stateBearer
		ha.token = token
		ha.tokenExpiry = expiry
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return fmt.Errorf("unsupported auth scheme %q", ch.Scheme)
	}
}

func basicAuthHeader(cred Credential) string {
	raw := cred.Username + ":" + cred.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// tokenResponse is the Distribution Spec's token endpoint response. Either
// token or access_token is populated depending on the registry; expires_in
// defaults to 60 seconds when absent, per the spec.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// fetchBearerToken performs the token endpoint round trip named by ch's
// realm/service/scope parameters, via GET with query parameters (anonymous
// or Basic-credentialed) per the Distribution Spec's token authentication
// appendix.
func (c *Client) fetchBearerToken(ctx context.Context, ch challenge, cred Credential) (string, time.Time, error) {
	realm := ch.Params["realm"]
	if realm == "" {
		return "", time.Time{}, fmt.Errorf("bearer challenge missing realm")
	}

	u, err := url.Parse(realm)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parse realm %q: %w", realm, err)
	}
	q := u.Query()
	if service := ch.Params["service"]; service != "" {
		q.Set("service", service)
	}
	if scope := ch.Params["scope"]; scope != "" {
		q.Set("scope", scope)
	}
	if cred.IdentityToken != "" {
		q.Set("offline_token", "true")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", time.Time{}, err
	}
	if !cred.empty() && cred.IdentityToken == "" {
		req.Header.Set("Authorization", basicAuthHeader(cred))
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", time.Time{}, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", time.Time{}, parseErrorBody(httpResp.StatusCode, u.String(), body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", time.Time{}, fmt.Errorf("token response carried no token")
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 60
	}
	expiry := time.Now().Add(time.Duration(expiresIn) * time.Second)

	// Registries don't always populate expires_in accurately; fall back to
	// the token's own exp claim, best-effort, when we can read one. We never
	// validate the signature — the registry that issued it is the trust
	// boundary, not us.
	if claimExpiry, ok := jwtExpiry(token); ok && claimExpiry.Before(expiry) {
		expiry = claimExpiry
	}

	return token, expiry, nil
}

func jwtExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
