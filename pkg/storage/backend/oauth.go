// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/LeeDigitalWorks/zapoffload/pkg/debug"
	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// oauthRefreshTotal counts access token refreshes by backend and result
var oauthRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zapoffload",
	Subsystem: "oauth",
	Name:      "refresh_total",
	Help:      "Total number of OAuth access token refreshes",
}, []string{"backend", "result"}) // result: "ok", "error"

func init() {
	debug.Registry().MustRegister(oauthRefreshTotal)
}

// refreshTransport authenticates every request with the current access token.
// On a 401 it refreshes the token once and replays the request once; a second
// 401 is fatal for that call. Concurrent 401s share a single refresh.
type refreshTransport struct {
	base  http.RoundTripper
	kind  types.BackendKind
	conf  *oauth2.Config
	token *retryablehttp.Client // client used for the token endpoint

	// authHosts limits which hosts receive the bearer token. Pre-authenticated
	// download and upload-session URLs on other hosts are sent without it.
	authHosts map[string]bool

	mu           sync.RWMutex
	current      *oauth2.Token
	refreshToken string

	group singleflight.Group
}

func newRefreshTransport(kind types.BackendKind, conf *oauth2.Config, refreshToken string, rc *retryablehttp.Client, apiURLs ...string) *refreshTransport {
	t := &refreshTransport{
		base:         &retryablehttp.RoundTripper{Client: rc},
		kind:         kind,
		conf:         conf,
		token:        rc,
		refreshToken: refreshToken,
		authHosts:    make(map[string]bool),
	}
	for _, u := range apiURLs {
		if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
			t.authHosts[parsed.Host] = true
		}
	}
	return t
}

// newOAuthClient builds the http.Client used by an OAuth adapter:
// refresh middleware over a retrying transport. Only requests to the hosts
// of apiURLs are authenticated.
func newOAuthClient(kind types.BackendKind, conf *oauth2.Config, refreshToken string, apiURLs ...string) *http.Client {
	rc := newRetryableClient(kind)
	return &http.Client{Transport: newRefreshTransport(kind, conf, refreshToken, rc, apiURLs...)}
}

func (t *refreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if len(t.authHosts) > 0 && !t.authHosts[req.URL.Host] {
		return t.base.RoundTrip(req)
	}

	tok, err := t.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, tok, req.Body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// A body that cannot be rewound cannot be replayed
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	tok, err = t.refresh(ctx, tok)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	if req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return nil, types.NewError(types.KindBackendUnavailable, string(t.kind), "rewind request body", err)
		}
	}
	resp, err = t.send(req, tok, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, types.NewError(types.KindBackendUnavailable, string(t.kind),
			"authentication failed after token refresh", nil)
	}
	return resp, nil
}

func (t *refreshTransport) send(req *http.Request, tok *oauth2.Token, body io.ReadCloser) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Body = body
	tok.SetAuthHeader(r)
	return t.base.RoundTrip(r)
}

// accessToken returns a valid token, refreshing when there is none or it expired
func (t *refreshTransport) accessToken(ctx context.Context) (*oauth2.Token, error) {
	t.mu.RLock()
	tok := t.current
	t.mu.RUnlock()
	if tok.Valid() {
		return tok, nil
	}
	return t.refresh(ctx, tok)
}

// refresh replaces stale with a fresh token. When another caller already
// replaced it, the newer token is returned without another round trip.
func (t *refreshTransport) refresh(ctx context.Context, stale *oauth2.Token) (*oauth2.Token, error) {
	t.mu.RLock()
	cur := t.current
	t.mu.RUnlock()
	if cur != nil && cur != stale && cur.Valid() {
		return cur, nil
	}

	v, err, _ := t.group.Do("refresh", func() (any, error) {
		t.mu.RLock()
		rt := t.refreshToken
		t.mu.RUnlock()

		tctx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, t.token.StandardClient())
		tok, err := t.conf.TokenSource(tctx, &oauth2.Token{RefreshToken: rt}).Token()
		if err != nil {
			oauthRefreshTotal.WithLabelValues(string(t.kind), "error").Inc()
			logger.Warn().Err(err).Str("backend", string(t.kind)).Msg("oauth token refresh failed")
			return nil, types.NewError(types.KindBackendUnavailable, string(t.kind), "refresh access token", err)
		}
		oauthRefreshTotal.WithLabelValues(string(t.kind), "ok").Inc()

		t.mu.Lock()
		t.current = tok
		if tok.RefreshToken != "" {
			t.refreshToken = tok.RefreshToken
		}
		t.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// oauthConfig builds the token-refresh config, letting cfg.Options["token_url"] override the endpoint
func oauthConfig(cfg types.ConnectionConfig, endpoint oauth2.Endpoint) *oauth2.Config {
	if u := cfg.Options["token_url"]; u != "" {
		endpoint.TokenURL = u
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
	}
}

// oauthMissing lists absent OAuth credentials with the given labels
func oauthMissing(cfg types.ConnectionConfig, idLabel, secretLabel, folderLabel string) []string {
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, idLabel)
	}
	if cfg.ClientSecret == "" {
		missing = append(missing, secretLabel)
	}
	if cfg.RefreshToken == "" {
		missing = append(missing, "Refresh Token")
	}
	if cfg.Folder == "" {
		missing = append(missing, folderLabel)
	}
	return missing
}
