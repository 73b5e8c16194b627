package token

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"goa.design/taskbridge/store"
)

// deadStore returns a gateway over an unreachable Redis; the cache treats
// store failures as misses so the in-process layer still works.
func deadStore(t *testing.T) *store.Gateway {
	t.Helper()
	gw, err := store.New(store.Options{Redis: redis.NewClient(&redis.Options{Addr: "localhost:1"})})
	require.NoError(t, err)
	return gw
}

func newCache(t *testing.T, endpoint http.Handler) (*Cache, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		TenantID:        "tenant-1",
		ClientID:        "client-1",
		ClientSecret:    "s3cret",
		Username:        "agent@example.com",
		Password:        "hunter2",
		DelegatedScopes: []string{"Tasks.ReadWrite", "Chat.Read", "Mail.Read"},
		TokenURL:        srv.URL,
	}, deadStore(t))
	require.NoError(t, err)
	return c, srv
}

func grantHandler(t *testing.T, hits *int, wantGrantType string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		require.NoError(t, r.ParseForm())
		if wantGrantType != "" {
			assert.Equal(t, wantGrantType, r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})
}

func TestAcquireApplicationToken(t *testing.T) {
	var hits int
	c, _ := newCache(t, grantHandler(t, &hits, "client_credentials"))

	tok, expires, err := c.Acquire(context.Background(), Application, nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.False(t, expires.IsZero())
	assert.Equal(t, 1, hits)

	// Second acquire is served from the in-process cache.
	tok, _, err = c.Acquire(context.Background(), Application, nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, hits)
}

func TestAcquireDelegatedUsesPasswordGrant(t *testing.T) {
	var hits int
	c, _ := newCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "agent@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"del-1","token_type":"Bearer","expires_in":3600}`)
	}))

	tok, _, err := c.Acquire(context.Background(), Delegated, []string{"Tasks.ReadWrite"})
	require.NoError(t, err)
	assert.Equal(t, "del-1", tok)
	assert.Equal(t, 1, hits)
}

func TestDelegatedSubsetServedFromSuperset(t *testing.T) {
	var hits int
	c, _ := newCache(t, grantHandler(t, &hits, "password"))

	// First subset mints against the superset scope set.
	_, _, err := c.Acquire(context.Background(), Delegated, []string{"Chat.Read"})
	require.NoError(t, err)
	require.Equal(t, 1, hits)

	// Any other subset reuses the superset token without a network call.
	tok, _, err := c.Acquire(context.Background(), Delegated, []string{"Mail.Read"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, hits)
}

func TestBadCredentialsAreFatalWithoutRetry(t *testing.T) {
	var hits int
	c, _ := newCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant","error_description":"AADSTS50126: invalid username or password"}`)
	}))

	_, _, err := c.Acquire(context.Background(), Delegated, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadCredentials)
	assert.True(t, IsFatal(err))
	// No backoff loop; at most the oauth2 auth-style probe repeats the call.
	assert.LessOrEqual(t, hits, 2)
}

func TestConsentRequiredIsFatal(t *testing.T) {
	var hits int
	c, _ := newCache(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"consent_required","error_description":"AADSTS65001: no consent"}`)
	}))

	_, _, err := c.Acquire(context.Background(), Delegated, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConsentRequired)
	assert.True(t, IsFatal(err))
	assert.LessOrEqual(t, hits, 2)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			"consent",
			&oauth2.RetrieveError{ErrorCode: "interaction_required"},
			ErrConsentRequired,
		},
		{
			"bad password",
			&oauth2.RetrieveError{ErrorCode: "invalid_grant", ErrorDescription: "AADSTS50126"},
			ErrBadCredentials,
		},
		{
			"bad client",
			&oauth2.RetrieveError{ErrorCode: "unauthorized_client"},
			ErrBadCredentials,
		},
		{
			"throttled",
			&oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}},
			ErrThrottled,
		},
		{
			"server error",
			&oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}},
			ErrTransient,
		},
		{
			"network",
			errors.New("dial tcp: connection refused"),
			ErrTransient,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrConsentRequired))
	assert.True(t, IsFatal(ErrBadCredentials))
	assert.False(t, IsFatal(ErrThrottled))
	assert.False(t, IsFatal(ErrTransient))
	assert.False(t, IsFatal(errors.New("other")))
	assert.False(t, IsFatal(nil))
}

func TestScopeHash(t *testing.T) {
	a := ScopeHash([]string{"Tasks.ReadWrite", "Chat.Read"})
	b := ScopeHash([]string{"Chat.Read", "Tasks.ReadWrite"})
	c := ScopeHash([]string{"Chat.Read"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}
