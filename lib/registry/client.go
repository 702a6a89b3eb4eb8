// Package registry implements a Docker Registry v2 / OCI Distribution Spec
// client: manifest and blob pull/push, cross-repository blob mounting, and
// the Basic/Bearer authentication state machine, against any spec-compliant
// registry (Docker Hub, GHCR, ECR, a local registry:2).
//
// It is deliberately narrower than a general-purpose registry client: reads
// accept schema 1, Docker v2.2, and OCI manifests/indexes, but writes only
// ever produce Docker v2.2 or OCI — the two families a build can target.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Client talks to a single registry host. One Client is reused across many
// repositories on that host so its per-scope token cache stays warm.
type Client struct {
	host        string
	insecure    bool
	httpClient  *http.Client
	credentials CredentialSource
	log         *slog.Logger

	mu        sync.Mutex
	authByKey map[string]*hostAuth // keyed by repository, since scope is repository-specific

	maxRetries int
}

// Option configures a Client constructed by New.
type Option func(*Client)

// WithHTTPClient overrides the *http.Client used for all requests (tests
// substitute one pointed at an httptest.Server with a custom Transport).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCredentials sets the resolver consulted on the first 401 from this
// host. Left nil, the client only succeeds against anonymous-pull-enabled
// repositories.
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) { c.credentials = src }
}

// WithInsecure allows plain HTTP against host, for local/offline registries.
// Per spec, this must be explicitly opted into per host — it is never
// inferred from the host name.
func WithInsecure() Option {
	return func(c *Client) { c.insecure = true }
}

// WithLogger attaches a structured logger; requests are logged at Debug.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New constructs a Client for host (e.g. "registry-1.docker.io" or
// "localhost:5000").
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:       host,
		httpClient: http.DefaultClient,
		log:        slog.Default(),
		authByKey:  make(map[string]*hostAuth),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) scheme() string {
	if c.insecure {
		return "http"
	}
	return "https"
}

func (c *Client) baseURL(repository string) string {
	return fmt.Sprintf("%s://%s/v2/%s", c.scheme(), c.host, repository)
}

func (c *Client) authFor(repository string) *hostAuth {
	c.mu.Lock()
	defer c.mu.Unlock()
	ha, ok := c.authByKey[repository]
	if !ok {
		ha = &hostAuth{}
		c.authByKey[repository] = ha
	}
	return ha
}

// Ping probes GET /v2/, the Distribution Spec's API version check, and
// reports whether the registry is reachable and speaks v2. It does not
// authenticate — a 401 here just confirms the registry requires auth, which
// is itself a successful probe. Like do, it retries 429 and 5xx responses
// with backoff, up to maxRetries times.
func (c *Client) Ping(ctx context.Context) error {
	pingURL := fmt.Sprintf("%s://%s/v2/", c.scheme(), c.host)
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ping %s: %w", c.host, err)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			if !c.sleepBackoff(ctx, attempt, retryAfter) {
				return &Error{StatusCode: resp.StatusCode, URL: pingURL}
			}
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
			body, _ := io.ReadAll(resp.Body)
			return parseErrorBody(resp.StatusCode, req.URL.String(), body)
		}
		return nil
	}
}

// requestSpec captures how to rebuild a request for a retry: bodies
// must be re-readable since a 401 challenge/response round trip consumes the
// first attempt's body.
type requestSpec struct {
	method  string
	url     string
	body    []byte // nil for bodyless requests
	headers http.Header
}

// do executes spec against repository's scope, handling the auth state
// machine (re-authenticating and retrying after each 401, up to maxRetries
// attempts in all) and transient-error retry/backoff (429 and 5xx, honoring
// Retry-After).
func (c *Client) do(ctx context.Context, repository string, spec requestSpec) (*http.Response, error) {
	ha := c.authFor(repository)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := c.newRequest(ctx, spec)
		if err != nil {
			return nil, err
		}

		ha.mu.Lock()
		if ha.state == stateBasic {
			req.Header.Set("Authorization", basicAuthHeader(ha.cred))
		} else if ha.state == stateBearer && ha.token != "" && time.Now().Before(ha.tokenExpiry) {
			req.Header.Set("Authorization", "Bearer "+ha.token)
		}
		ha.mu.Unlock()

		if c.log != nil {
			c.log.Debug("registry request", "method", spec.method, "url", spec.url, "attempt", attempt)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if !c.sleepBackoff(ctx, attempt, nil) {
				break
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt < c.maxRetries:
			authReq, err := c.newRequest(ctx, spec)
			if err != nil {
				resp.Body.Close()
				return nil, err
			}
			if err := c.authenticate(ctx, ha, resp, authReq); err != nil {
				resp.Body.Close()
				return nil, err
			}
			resp.Body.Close()
			resp, err = c.httpClient.Do(authReq)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.StatusCode == http.StatusUnauthorized {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				lastErr = parseErrorBody(resp.StatusCode, spec.url, body)
				continue
			}
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			if attempt == c.maxRetries || !c.sleepBackoff(ctx, attempt, retryAfter) {
				return nil, &Error{StatusCode: resp.StatusCode, URL: spec.url}
			}
			continue

		default:
			return resp, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("registry request to %s exhausted retries", spec.url)
}

func (c *Client) newRequest(ctx context.Context, spec requestSpec) (*http.Request, error) {
	var body io.Reader
	if spec.body != nil {
		body = bytes.NewReader(spec.body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, spec.url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range spec.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// sleepBackoff waits before a retry, honoring an explicit Retry-After when
// the registry gave one and otherwise using capped exponential backoff with
// full jitter. It returns false (meaning: give up) if ctx is done first.
func (c *Client) sleepBackoff(ctx context.Context, attempt int, retryAfter *time.Duration) bool {
	var d time.Duration
	if retryAfter != nil {
		d = *retryAfter
	} else {
		base := float64(200*time.Millisecond) * math.Pow(2, float64(attempt))
		ceiling := float64(30 * time.Second)
		if base > ceiling {
			base = ceiling
		}
		d = time.Duration(rand.Float64() * base)
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// parseRetryAfter parses a Retry-After header in either of its two HTTP
// forms: an integer number of seconds, or an HTTP-date. Returns nil when
// header is empty or unparseable in either form.
func parseRetryAfter(header string) *time.Duration {
	if header == "" {
		return nil
	}
	if secs, err := strconv.Atoi(header); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
