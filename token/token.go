// Package token issues, caches, and refreshes the bearer credentials used by
// every outbound planner call. Two kinds exist: delegated tokens minted on
// behalf of the agent user via a password grant, and application tokens
// minted for the service itself via a client-credentials grant.
//
// Delegated tokens are minted once against a superset scope set covering all
// delegated capabilities the bridge needs; subset lookups are satisfied from
// the superset token without a network call. Tokens are cached in-process
// and durably in the store so restarts do not re-mint.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"goa.design/taskbridge/retry"
	"goa.design/taskbridge/store"
)

// Kind selects the credential flavor.
type Kind string

const (
	// Delegated acts as the configured agent user.
	Delegated Kind = "delegated"
	// Application acts as the service itself.
	Application Kind = "application"
)

// Failure kinds. ErrConsentRequired and ErrBadCredentials are fatal to the
// sync engine's writes; ErrThrottled and ErrTransient are retried with
// backoff.
var (
	ErrConsentRequired = errors.New("consent required")
	ErrBadCredentials  = errors.New("bad credentials")
	ErrThrottled       = errors.New("token endpoint throttled")
	ErrTransient       = errors.New("transient token failure")
)

// IsFatal reports whether the token error halts planner writes.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConsentRequired) || errors.Is(err, ErrBadCredentials)
}

const (
	// acquireTimeout bounds a single token endpoint round trip.
	acquireTimeout = 20 * time.Second
	// earlyExpiry is subtracted from expires_in for the durable cache TTL,
	// and is the minimum remaining lifetime for a cache hit.
	earlyExpiry = 5 * time.Minute
	// maxBackoff caps retries against a flapping token endpoint.
	maxBackoff = 60 * time.Second
)

type (
	// Config configures the cache.
	Config struct {
		TenantID     string
		ClientID     string
		ClientSecret string
		// Username and Password are the agent credentials for the delegated
		// password grant.
		Username string
		Password string
		// DelegatedScopes is the superset scope set requested for delegated
		// tokens.
		DelegatedScopes []string
		// TokenURL overrides the tenant token endpoint. Defaults to the
		// Microsoft identity platform v2 endpoint for TenantID.
		TokenURL string
		// HTTPClient overrides the client used for token requests.
		HTTPClient *http.Client
	}

	// Cache acquires and caches bearer tokens.
	Cache struct {
		cfg   Config
		store *store.Gateway

		mu  sync.Mutex
		mem map[string]entry
	}

	entry struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
)

// New constructs a token cache backed by the given store gateway.
func New(cfg Config, st *store.Gateway) (*Cache, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("tenant id, client id and client secret are required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	if len(cfg.DelegatedScopes) == 0 {
		cfg.DelegatedScopes = []string{"https://graph.microsoft.com/.default"}
	}
	if st == nil {
		return nil, errors.New("store gateway is required")
	}
	return &Cache{cfg: cfg, store: st, mem: make(map[string]entry)}, nil
}

// Acquire returns a bearer token of the given kind valid for the scope set,
// along with its expiry. Cache layers: in-process map, then the durable
// store, then the network. For delegated tokens a subset miss falls back to
// the stored superset token before minting.
func (c *Cache) Acquire(ctx context.Context, kind Kind, scopes []string) (string, time.Time, error) {
	hash := ScopeHash(scopes)
	if tok, ok := c.lookup(ctx, kind, hash); ok {
		return tok.AccessToken, tok.ExpiresAt, nil
	}
	if kind == Delegated {
		if super := ScopeHash(c.cfg.DelegatedScopes); super != hash {
			if tok, ok := c.lookup(ctx, kind, super); ok {
				return tok.AccessToken, tok.ExpiresAt, nil
			}
		}
	}
	tok, err := c.mint(ctx, kind, scopes)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.AccessToken, tok.ExpiresAt, nil
}

// lookup checks the in-process map then the durable store. A hit requires at
// least earlyExpiry of remaining lifetime.
func (c *Cache) lookup(ctx context.Context, kind Kind, hash string) (entry, bool) {
	key := string(kind) + ":" + hash
	c.mu.Lock()
	tok, ok := c.mem[key]
	c.mu.Unlock()
	if ok && time.Until(tok.ExpiresAt) >= earlyExpiry {
		return tok, true
	}
	var stored entry
	found, err := c.store.GetJSON(ctx, c.store.TokenKey(string(kind), hash), &stored)
	if err != nil || !found {
		return entry{}, false
	}
	if time.Until(stored.ExpiresAt) < earlyExpiry {
		return entry{}, false
	}
	c.mu.Lock()
	c.mem[key] = stored
	c.mu.Unlock()
	return stored, true
}

// mint performs the network grant with retry on throttled/transient
// failures, then populates both cache layers.
func (c *Cache) mint(ctx context.Context, kind Kind, scopes []string) (entry, error) {
	var tok entry
	cfg := retry.Config{
		MaxAttempts:       4,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        maxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            0.25,
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
		raw, err := c.grant(ctx, kind)
		if err != nil {
			kindErr := classify(err)
			if retryable(kindErr) {
				// Surface as HTTPStatusError so retry.Do keeps going.
				return &retry.HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: kindErr.Error()}
			}
			return kindErr
		}
		tok = entry{AccessToken: raw.AccessToken, ExpiresAt: raw.Expiry}
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return entry{}, fmt.Errorf("%w: %v", ErrTransient, exhausted.LastError)
		}
		return entry{}, err
	}

	hash := ScopeHash(scopes)
	if kind == Delegated {
		// Delegated tokens are always minted against the superset.
		hash = ScopeHash(c.cfg.DelegatedScopes)
	}
	key := string(kind) + ":" + hash
	c.mu.Lock()
	c.mem[key] = tok
	c.mu.Unlock()
	ttl := time.Until(tok.ExpiresAt) - earlyExpiry
	if ttl > 0 {
		data, _ := json.Marshal(tok)
		_ = c.store.Set(ctx, c.store.TokenKey(string(kind), hash), string(data), ttl)
	}
	return tok, nil
}

// grant performs the OAuth2 exchange for the given kind.
func (c *Cache) grant(ctx context.Context, kind Kind) (*oauth2.Token, error) {
	if c.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	switch kind {
	case Delegated:
		conf := &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL},
			Scopes:       c.cfg.DelegatedScopes,
		}
		return conf.PasswordCredentialsToken(ctx, c.cfg.Username, c.cfg.Password)
	case Application:
		conf := &clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     c.cfg.TokenURL,
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		return conf.Token(ctx)
	default:
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
}

// classify maps an oauth2 exchange failure onto the cache's failure kinds.
func classify(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		body := strings.ToLower(rerr.ErrorCode + " " + rerr.ErrorDescription + " " + string(rerr.Body))
		switch {
		case strings.Contains(body, "consent_required"),
			strings.Contains(body, "interaction_required"),
			strings.Contains(body, "aadsts65001"):
			return fmt.Errorf("%w: %s", ErrConsentRequired, rerr.ErrorCode)
		case strings.Contains(body, "invalid_grant"),
			strings.Contains(body, "invalid_client"),
			strings.Contains(body, "unauthorized_client"),
			strings.Contains(body, "aadsts50126"):
			return fmt.Errorf("%w: %s", ErrBadCredentials, rerr.ErrorCode)
		}
		if rerr.Response != nil {
			switch {
			case rerr.Response.StatusCode == http.StatusTooManyRequests:
				return fmt.Errorf("%w: %s", ErrThrottled, rerr.ErrorCode)
			case rerr.Response.StatusCode >= 500:
				return fmt.Errorf("%w: status %d", ErrTransient, rerr.Response.StatusCode)
			}
		}
		return fmt.Errorf("%w: %s", ErrBadCredentials, rerr.ErrorCode)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func retryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrTransient)
}

// ScopeHash derives the durable cache key fragment for a scope set. Order
// insensitive.
func ScopeHash(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, " ")))
	return hex.EncodeToString(sum[:8])
}
