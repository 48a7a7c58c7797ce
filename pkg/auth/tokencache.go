/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth caches instance credentials issued by the compute metadata server. The
// default service-account token lives in a single slot; audience-scoped identity tokens
// live in an expiring map keyed by audience URI. Both paths refresh through the shared
// executor so callers never block on the metadata round trip.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"

	"github.com/cplabs/cpio/pkg/async"
	"github.com/cplabs/cpio/pkg/cache/expiring"
	"github.com/cplabs/cpio/pkg/errors"
	"github.com/cplabs/cpio/pkg/logging"
)

const (
	// expiryGrace is subtracted from a token's remaining life when deciding freshness.
	// A token within five minutes of expiry is refreshed so downstream calls never
	// present one that dies mid-request.
	expiryGrace = 5 * time.Minute

	defaultTokenPath  = "/computeMetadata/v1/instance/service-accounts/default/token"
	identityTokenPath = "/computeMetadata/v1/instance/service-accounts/default/identity"
)

var identityClaims = []string{"iss", "aud", "sub", "iat", "exp"}

// HTTPClient is the slice of http.Client the cache needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenRequest asks for a session token. Audience is empty for the default
// service-account token and names the target service URI for identity tokens.
type TokenRequest struct {
	Audience string
}

// Token is a session credential and the wall time it stops being valid.
type Token struct {
	Value      string
	ExpireTime time.Time
}

func (t Token) expired(now time.Time) bool {
	return now.Add(expiryGrace).After(t.ExpireTime)
}

// TokenCache serves session tokens from memory and refreshes them from the metadata
// server when they are within the expiry grace window.
type TokenCache struct {
	metadataHost string
	httpClient   HTTPClient
	executor     *async.Executor
	clk          clock.Clock

	mu           sync.RWMutex
	defaultToken *Token

	byAudience *expiring.Map[string, Token]
}

func NewTokenCache(metadataHost string, httpClient HTTPClient, executor *async.Executor, byAudience *expiring.Map[string, Token], clk clock.Clock) *TokenCache {
	return &TokenCache{
		metadataHost: metadataHost,
		httpClient:   httpClient,
		executor:     executor,
		clk:          clk,
		byAudience:   byAudience,
	}
}

// GetSessionToken resolves actx with the default service-account token. A fresh cached
// token resolves synchronously on the caller's goroutine; otherwise the fetch runs as a
// high-priority executor task. Callers racing on a cold slot may each fetch, the last
// write wins and every caller still resolves with a valid token.
func (c *TokenCache) GetSessionToken(ctx context.Context, actx *async.Context[TokenRequest, Token]) {
	if token, ok := c.cachedDefault(); ok {
		actx.FinishWith(token)
		return
	}
	if err := c.executor.Schedule(func() { c.resolveDefault(ctx, actx) }, async.PriorityHigh); err != nil {
		actx.Finish(fmt.Errorf("scheduling token refresh, %w", err))
	}
}

// GetSessionTokenForTargetAudience resolves actx with an identity token scoped to
// actx.Request.Audience.
func (c *TokenCache) GetSessionTokenForTargetAudience(ctx context.Context, actx *async.Context[TokenRequest, Token]) {
	audience := actx.Request.Audience
	if audience == "" {
		actx.Finish(errors.NewCoded(errors.CodeBadSessionToken, false, "audience is required"))
		return
	}
	if token, ok := c.cachedAudience(audience); ok {
		actx.FinishWith(token)
		return
	}
	if err := c.executor.Schedule(func() { c.resolveAudience(ctx, actx) }, async.PriorityHigh); err != nil {
		actx.Finish(fmt.Errorf("scheduling identity token refresh, %w", err))
	}
}

func (c *TokenCache) cachedDefault() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.defaultToken == nil || c.defaultToken.expired(c.clk.Now()) {
		return Token{}, false
	}
	return *c.defaultToken, true
}

func (c *TokenCache) cachedAudience(audience string) (Token, bool) {
	token, ok := c.byAudience.Find(audience)
	if !ok || token.expired(c.clk.Now()) {
		return Token{}, false
	}
	return token, true
}

func (c *TokenCache) resolveDefault(ctx context.Context, actx *async.Context[TokenRequest, Token]) {
	if actx.Cancelled() {
		actx.Finish(errors.NewCoded(errors.CodeCancelled, false, "token refresh cancelled"))
		return
	}
	// Another refresh may have landed while this task sat in the queue.
	if token, ok := c.cachedDefault(); ok {
		actx.FinishWith(token)
		return
	}
	token, err := c.fetchDefaultToken(ctx)
	if err != nil {
		actx.Finish(err)
		return
	}
	c.mu.Lock()
	c.defaultToken = &token
	c.mu.Unlock()
	tokenRefreshes.WithLabelValues("default").Inc()
	actx.FinishWith(token)
}

func (c *TokenCache) resolveAudience(ctx context.Context, actx *async.Context[TokenRequest, Token]) {
	audience := actx.Request.Audience
	if actx.Cancelled() {
		actx.Finish(errors.NewCoded(errors.CodeCancelled, false, "identity token refresh cancelled"))
		return
	}
	if token, ok := c.cachedAudience(audience); ok {
		actx.FinishWith(token)
		return
	}
	token, err := c.fetchIdentityToken(ctx, audience)
	if err != nil {
		actx.Finish(err)
		return
	}
	// The map never overwrites, so refresh is erase-then-insert. A concurrent refresh
	// can slip between the two calls; both fetched valid tokens, keep whichever landed.
	_ = c.byAudience.Erase(audience)
	if err := c.byAudience.Insert(audience, token); err != nil {
		if current, ok := c.byAudience.Find(audience); ok {
			token = current
		}
		logging.FromContext(ctx).With("audience", audience).Debugf("lost identity token insert race, %v", err)
	}
	tokenRefreshes.WithLabelValues("audience").Inc()
	actx.FinishWith(token)
}

func (c *TokenCache) fetchDefaultToken(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s%s", c.metadataHost, defaultTokenPath), nil)
	if err != nil {
		return Token{}, fmt.Errorf("building token request, %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("calling token endpoint, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Token{}, errors.NewCoded(errors.CodeBadSessionToken, true, "token endpoint returned status %d", resp.StatusCode)
	}
	var body struct {
		AccessToken *string `json:"access_token"`
		ExpiresIn   *int64  `json:"expires_in"`
		TokenType   *string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, errors.WrapCoded(errors.CodeBadSessionToken, true, fmt.Errorf("decoding token response, %w", err))
	}
	if body.AccessToken == nil || body.ExpiresIn == nil || body.TokenType == nil {
		return Token{}, errors.NewCoded(errors.CodeBadSessionToken, true, "token response is missing access_token, expires_in or token_type")
	}
	return Token{
		Value:      *body.AccessToken,
		ExpireTime: c.clk.Now().Add(time.Duration(*body.ExpiresIn) * time.Second),
	}, nil
}

func (c *TokenCache) fetchIdentityToken(ctx context.Context, audience string) (Token, error) {
	endpoint := fmt.Sprintf("http://%s%s?audience=%s&format=full", c.metadataHost, identityTokenPath, url.QueryEscape(audience))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("building identity token request, %w", err)
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("calling identity token endpoint, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Token{}, errors.NewCoded(errors.CodeBadSessionToken, true, "identity token endpoint returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("reading identity token response, %w", err)
	}
	value := strings.TrimSpace(string(raw))
	expireTime, err := validateIdentityToken(value)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: value, ExpireTime: expireTime}, nil
}

// validateIdentityToken checks the compact JWT shape without verifying the signature.
// The metadata server is trusted; validation only guards against truncated or
// misrouted responses before the token is cached.
func validateIdentityToken(value string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, errors.WrapCoded(errors.CodeBadSessionToken, true, fmt.Errorf("parsing identity token, %w", err))
	}
	for _, claim := range identityClaims {
		if _, ok := claims[claim]; !ok {
			return time.Time{}, errors.NewCoded(errors.CodeBadSessionToken, true, "identity token is missing the %s claim", claim)
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.NewCoded(errors.CodeBadSessionToken, true, "identity token carries a malformed exp claim")
	}
	return exp.Time, nil
}
