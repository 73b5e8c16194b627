package surface

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"goa.design/taskbridge/token"
)

// scriptedTokens returns canned results per kind.
type scriptedTokens struct {
	delegatedErr error
	appErr       error
	acquired     []token.Kind
}

func (s *scriptedTokens) Acquire(_ context.Context, kind token.Kind, _ []string) (string, time.Time, error) {
	s.acquired = append(s.acquired, kind)
	switch kind {
	case token.Delegated:
		if s.delegatedErr != nil {
			return "", time.Time{}, s.delegatedErr
		}
		return "delegated-token", time.Now().Add(time.Hour), nil
	default:
		if s.appErr != nil {
			return "", time.Time{}, s.appErr
		}
		return "app-token", time.Now().Add(time.Hour), nil
	}
}

func newProxyServer(t *testing.T, upstream http.Handler, tokens Tokens) *httptest.Server {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)
	p, err := New(Options{BaseURL: up.URL, Tokens: tokens, AgentUserID: "agent-1"})
	require.NoError(t, err)
	mux := goahttp.NewMuxer()
	p.Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProxyUsesDelegatedIdentity(t *testing.T) {
	tokens := &scriptedTokens{}
	srv := newProxyServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/chats", r.URL.Path)
		assert.Equal(t, "Bearer delegated-token", r.Header.Get("Authorization"))
		assert.Equal(t, "$top=5", r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"value":[]}`)
	}), tokens)

	resp, err := http.Get(srv.URL + "/api/chats?$top=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"value":[]}`, string(body))
	assert.Equal(t, []token.Kind{token.Delegated}, tokens.acquired)
}

func TestProxyFallsBackToAppIdentity(t *testing.T) {
	tokens := &scriptedTokens{delegatedErr: token.ErrBadCredentials}
	srv := newProxyServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/agent-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
		io.WriteString(w, `{"value":[]}`)
	}), tokens)

	resp, err := http.Get(srv.URL + "/api/mail")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []token.Kind{token.Delegated, token.Application}, tokens.acquired)
}

func TestProxyTransientTokenFailureNoFallback(t *testing.T) {
	tokens := &scriptedTokens{delegatedErr: token.ErrThrottled}
	var upstreamHits int
	srv := newProxyServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
	}), tokens)

	resp, err := http.Get(srv.URL + "/api/calendar")
	require.NoError(t, err)
	resp.Body.Close()

	// A throttled token endpoint is not an identity problem; switching to
	// the app identity would not help.
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, []token.Kind{token.Delegated}, tokens.acquired)
	assert.Zero(t, upstreamHits)
}

func TestProxyBothIdentitiesFail(t *testing.T) {
	tokens := &scriptedTokens{
		delegatedErr: token.ErrConsentRequired,
		appErr:       errors.New("app grant failed"),
	}
	srv := newProxyServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), tokens)

	resp, err := http.Get(srv.URL + "/api/files")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestProxyPreservesUpstreamStatusAndRetryAfter(t *testing.T) {
	tokens := &scriptedTokens{}
	srv := newProxyServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}), tokens)

	resp, err := http.Get(srv.URL + "/api/chats")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "12", resp.Header.Get("Retry-After"))
}

func TestProxyRoutes(t *testing.T) {
	tokens := &scriptedTokens{}
	var paths []string
	srv := newProxyServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
	}), tokens)

	for _, local := range []string{"/api/chats", "/api/mail", "/api/calendar", "/api/files"} {
		resp, err := http.Get(srv.URL + local)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, []string{
		"/me/chats",
		"/me/messages",
		"/me/calendar/events",
		"/me/drive/root/children",
	}, paths)
}
