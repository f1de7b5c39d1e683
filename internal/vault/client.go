// Package vault implements the login/renew/fetch/lease-renew lifecycle
// against a Vault server, generalised from cmd/theatre-secrets's
// vaultOptions.Client/.Login (a single hard-coded kubernetes-auth login
// against one role) into a client that serves many roles and many HTTP
// methods within one process lifetime.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/gocardless/rconfd/internal/rerror"
	"github.com/gocardless/rconfd/internal/secret"
)

const defaultLoginPath = "/auth/kubernetes/login"
const defaultTimeout = 30 * time.Second

// Config configures a Client. CACertFile may be empty to use the system
// trust store.
type Config struct {
	Address    string
	LoginPath  string
	CACertFile string
	Timeout    time.Duration

	// HTTPClient overrides the underlying HTTP client, for tests to inject
	// a gock-intercepted client the same way the teacher's gock-based
	// suites do (e.g. pkg/cicd/github's deployer tests).
	HTTPClient *http.Client
}

// Client is the Vault HTTP client. It holds one *vaultapi.Client (for TLS
// config and base URL) and a session per role. Unlike spec.md §4.3/§5's
// design note for the scheduler's own token/lease bookkeeping, the session
// map here IS mutated concurrently: internal/cache.Cache.ResolveAll drives
// up to maxConcurrentFetches goroutines that all call Client.Fetch, and
// more than one of them commonly shares a role (one Vault role typically
// backs several secrets). mu guards the map itself; loginGroup
// single-flights concurrent logins for the same not-yet-seen role into one
// HTTP request, the same dedup shape internal/cache uses for fetches.
type Client struct {
	api       *vaultapi.Client
	loginPath string
	jwt       JWTSource

	mu         sync.Mutex
	sessions   map[string]*Session // role -> session
	loginGroup singleflight.Group
}

func New(cfg Config, jwt JWTSource) (*Client, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	apiCfg.Timeout = timeout

	if cfg.CACertFile != "" {
		if err := apiCfg.ConfigureTLS(&vaultapi.TLSConfig{CACert: cfg.CACertFile}); err != nil {
			return nil, errors.Wrap(err, "failed to configure vault TLS")
		}
	}

	if cfg.HTTPClient != nil {
		apiCfg.HttpClient = cfg.HTTPClient
	}

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vault client")
	}

	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = defaultLoginPath
	}

	return &Client{
		api:       client,
		loginPath: loginPath,
		jwt:       jwt,
		sessions:  make(map[string]*Session),
	}, nil
}

// rawRequest issues a request against the Vault HTTP API, with token
// and JSON body handling matching the teacher's RawRequest usage in
// cmd/theatre-secrets and cmd/theatre-envconsul.
func (c *Client) rawRequest(ctx context.Context, method, path, token string, body interface{}) (map[string]interface{}, error) {
	req := c.api.NewRequest(method, "/v1/"+strings.TrimPrefix(path, "/"))
	if token != "" {
		req.Headers.Set("X-Vault-Token", token)
	}
	if body != nil {
		req.SetJSONBody(body)
	}

	resp, err := c.api.RawRequestWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := resp.Error(); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read vault response body")
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode vault response as JSON")
	}

	return decoded, nil
}

// Login exchanges the configured JWT for a Vault token scoped to role,
// storing the resulting Session.
func (c *Client) Login(ctx context.Context, role string) (*Session, error) {
	jwt, err := c.jwt.Token()
	if err != nil {
		return nil, rerror.Wrap(rerror.KindAuthFailure, err, "failed to obtain JWT")
	}

	body := map[string]string{"jwt": jwt, "role": role}

	decoded, err := c.rawRequest(ctx, http.MethodPost, c.loginPath, "", body)
	if err != nil {
		return nil, rerror.Wrapf(rerror.KindAuthFailure, err, "vault login failed for role %q", role)
	}

	auth, _ := decoded["auth"].(map[string]interface{})
	if auth == nil {
		return nil, rerror.Newf(rerror.KindAuthFailure, "vault login response for role %q had no auth block", role)
	}

	token, _ := auth["client_token"].(string)
	if token == "" {
		return nil, rerror.Newf(rerror.KindAuthFailure, "vault login response for role %q had no client token", role)
	}

	accessor, _ := auth["accessor"].(string)
	renewable, _ := auth["renewable"].(bool)
	ttl := intFromJSON(auth["lease_duration"])

	session := &Session{
		Token:          token,
		TokenAccessor:  accessor,
		TokenTTLSec:    ttl,
		TokenRenewable: renewable,
		FirstSeenAt:    time.Now(),
	}

	c.mu.Lock()
	c.sessions[role] = session
	c.mu.Unlock()

	return session, nil
}

// Roles returns every role that currently has a session, for the
// scheduler to compute per-role renewal deadlines from.
func (c *Client) Roles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	roles := make([]string, 0, len(c.sessions))
	for role := range c.sessions {
		roles = append(roles, role)
	}
	return roles
}

// Session returns the current session for role, if one exists.
func (c *Client) Session(role string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[role]
	return s, ok
}

// EnsureSession returns a valid session for role, logging in if none
// exists yet. It does not renew an existing-but-near-expiry session; that
// is the scheduler's job via RenewToken, called ahead of AuthDeadline.
// Concurrent callers for the same not-yet-seen role single-flight onto one
// Login.
func (c *Client) EnsureSession(ctx context.Context, role string) (*Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[role]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := c.loginGroup.Do(role, func() (interface{}, error) {
		return c.Login(ctx, role)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Session), nil
}

// RenewToken attempts /auth/token/renew-self for the given role's session.
// On failure it performs one re-login; if that also fails the error is
// rerror.KindAuthFailure, fatal for this pass but recoverable on the next.
func (c *Client) RenewToken(ctx context.Context, role string) (*Session, error) {
	c.mu.Lock()
	session, ok := c.sessions[role]
	c.mu.Unlock()
	if !ok {
		return c.Login(ctx, role)
	}

	decoded, err := c.rawRequest(ctx, http.MethodPost, "/auth/token/renew-self", session.Token, nil)
	if err == nil {
		auth, _ := decoded["auth"].(map[string]interface{})
		if auth != nil {
			renewable, _ := auth["renewable"].(bool)
			ttl := intFromJSON(auth["lease_duration"])

			c.mu.Lock()
			session.TokenTTLSec = ttl
			session.TokenRenewable = renewable
			session.FirstSeenAt = time.Now()
			c.mu.Unlock()

			return session, nil
		}
	}

	// Renewal failed (or returned no auth block): re-login once.
	newSession, loginErr := c.Login(ctx, role)
	if loginErr != nil {
		return nil, rerror.Wrapf(rerror.KindAuthFailure, loginErr, "token renewal failed (%v) and re-login also failed", err)
	}

	return newSession, nil
}

// Fetch implements secret.Fetcher: it issues a Vault request using the
// session for p.Role(), with p.Method() and, for non-GET methods, the
// keyword args as a JSON body.
func (c *Client) Fetch(ctx context.Context, p secret.Path) (secret.Value, *secret.Lease, error) {
	session, err := c.EnsureSession(ctx, p.Role())
	if err != nil {
		return secret.Value{}, nil, err
	}

	var body interface{}
	if p.Method() != http.MethodGet && len(p.Keyword) > 0 {
		body = orderedJSONBody(p.Keyword)
	}

	decoded, err := c.rawRequest(ctx, p.Method(), p.Tail, session.Token, body)
	if err != nil {
		return secret.Value{}, nil, rerror.Wrapf(rerror.KindBackendFailure, err, "vault %s %s failed", p.Method(), p.Tail)
	}

	value := decoded
	if data, ok := decoded["data"].(map[string]interface{}); ok {
		value = data
	}

	var lease *secret.Lease
	if leaseID, _ := decoded["lease_id"].(string); leaseID != "" {
		lease = &secret.Lease{
			ID:          leaseID,
			DurationSec: intFromJSON(decoded["lease_duration"]),
			Renewable:   boolFromJSON(decoded["renewable"]),
			FirstSeenAt: time.Now(),
		}
	}

	return secret.Value{JSON: value, IsJS: true}, lease, nil
}

// RenewLease posts {lease_id, increment} to /sys/leases/renew. If the
// server reports non-renewable or a shorter duration than requested, the
// returned Lease reflects the server's authoritative response.
func (c *Client) RenewLease(ctx context.Context, token string, lease secret.Lease) (*secret.Lease, error) {
	body := map[string]interface{}{
		"lease_id":  lease.ID,
		"increment": lease.DurationSec,
	}

	decoded, err := c.rawRequest(ctx, http.MethodPost, "/sys/leases/renew", token, body)
	if err != nil {
		return nil, rerror.Wrapf(rerror.KindBackendFailure, err, "failed to renew lease %s", lease.ID)
	}

	renewed := &secret.Lease{
		ID:          stringFromJSON(decoded["lease_id"]),
		DurationSec: intFromJSON(decoded["lease_duration"]),
		Renewable:   boolFromJSON(decoded["renewable"]),
		FirstSeenAt: time.Now(),
	}
	if renewed.ID == "" {
		renewed.ID = lease.ID
	}

	return renewed, nil
}

// orderedJSONBody marshals keyword args into a JSON object preserving
// their declaration order, rather than the alphabetical order
// encoding/json would otherwise impose on a plain map - so that the
// request body sent to Vault matches the order the operator wrote the
// secret path in.
type orderedJSONBody []secret.KV

func (o orderedJSONBody) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func intFromJSON(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func boolFromJSON(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func stringFromJSON(v interface{}) string {
	s, _ := v.(string)
	return s
}
