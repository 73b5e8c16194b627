// Package surface exposes read-only proxies over the cloud service's
// non-planner resources: chats, mail, calendar, and files. Local agents call
// these instead of holding credentials themselves. Every proxy prefers the
// delegated identity and falls back to the application identity against the
// /users/{id} form when delegated access is unavailable.
package surface

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	goahttp "goa.design/goa/v3/http"

	"goa.design/taskbridge/telemetry"
	"goa.design/taskbridge/token"
)

// proxyTimeout bounds each upstream read.
const proxyTimeout = 30 * time.Second

type (
	// Tokens is the subset of the token cache the proxies use.
	Tokens interface {
		Acquire(ctx context.Context, kind token.Kind, scopes []string) (string, time.Time, error)
	}

	// Options configures the proxy set.
	Options struct {
		// BaseURL is the versioned API root. Required.
		BaseURL string
		// Tokens supplies bearer tokens. Required.
		Tokens Tokens
		// AgentUserID addresses the /users/{id} fallback. Required for the
		// application-identity path.
		AgentUserID string
		// HTTPClient overrides the transport.
		HTTPClient *http.Client
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Proxies is the mounted handler set.
	Proxies struct {
		base   string
		tokens Tokens
		userID string
		http   *http.Client
		log    telemetry.Logger
	}

	// route binds one local path to its delegated and app-identity upstream
	// paths.
	route struct {
		local     string
		delegated string
		appOnly   string
	}
)

// routes are the exposed read surfaces. The delegated form uses /me; the
// fallback substitutes the agent user.
var routes = []route{
	{local: "/api/chats", delegated: "/me/chats", appOnly: "/users/%s/chats"},
	{local: "/api/mail", delegated: "/me/messages", appOnly: "/users/%s/messages"},
	{local: "/api/calendar", delegated: "/me/calendar/events", appOnly: "/users/%s/calendar/events"},
	{local: "/api/files", delegated: "/me/drive/root/children", appOnly: "/users/%s/drive/root/children"},
}

// New constructs the proxy set.
func New(opts Options) (*Proxies, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: proxyTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Proxies{
		base:   opts.BaseURL,
		tokens: opts.Tokens,
		userID: opts.AgentUserID,
		http:   hc,
		log:    log,
	}, nil
}

// Mount registers the proxy endpoints on the muxer.
func (p *Proxies) Mount(mux goahttp.Muxer) {
	for _, r := range routes {
		mux.Handle(http.MethodGet, r.local, p.handler(r))
	}
}

func (p *Proxies) handler(r route) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		// Delegated first; app identity only when delegated access cannot be
		// established at all.
		tok, _, err := p.tokens.Acquire(ctx, token.Delegated, nil)
		upstream := r.delegated
		if err != nil {
			if !token.IsFatal(err) || p.userID == "" {
				p.log.Error(ctx, "surface: token acquisition failed", "path", r.local, "err", err.Error())
				http.Error(w, "upstream authentication failed", http.StatusBadGateway)
				return
			}
			tok, _, err = p.tokens.Acquire(ctx, token.Application, nil)
			if err != nil {
				p.log.Error(ctx, "surface: app token acquisition failed", "path", r.local, "err", err.Error())
				http.Error(w, "upstream authentication failed", http.StatusBadGateway)
				return
			}
			upstream = fmt.Sprintf(r.appOnly, url.PathEscape(p.userID))
		}

		target := p.base + upstream
		if raw := req.URL.RawQuery; raw != "" {
			target += "?" + raw
		}
		p.forward(ctx, w, target, tok)
	}
}

// forward performs the upstream GET and streams the response through,
// preserving status and content type. Only safe pass-through headers cross.
func (p *Proxies) forward(ctx context.Context, w http.ResponseWriter, target, tok string) {
	upReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusInternalServerError)
		return
	}
	upReq.Header.Set("Authorization", "Bearer "+tok)
	upReq.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(upReq)
	if err != nil {
		p.log.Error(ctx, "surface: upstream call failed", "err", err.Error())
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.Warn(ctx, "surface: response copy interrupted", "err", err.Error())
	}
}
