package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// challenge is a parsed WWW-Authenticate header, per RFC 7235 and the
// distribution registry's Bearer-token extension.
type challenge struct {
	scheme  string
	realm   string
	service string
	scope   string
}

// parseChallenge parses a single WWW-Authenticate header value. ok is
// false if header does not look like a challenge this package knows how
// to answer.
func parseChallenge(header string) (ch challenge, ok bool) {
	header = strings.TrimSpace(header)
	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return challenge{}, false
	}
	ch.scheme = scheme

	for _, param := range strings.Split(rest, ",") {
		k, v, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "realm":
			ch.realm = v
		case "service":
			ch.service = v
		case "scope":
			ch.scope = v
		}
	}
	return ch, true
}

// tokenResponse is the subset of the token endpoint's response body this
// package cares about. Either field may carry the token, depending on
// the upstream's implementation.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (t tokenResponse) value() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

// tokenCache stores bearer tokens keyed by upstream host and request URL
// (see tokenCacheKey), with an
// optional Redis backend shared across registry replicas; falls back to
// an in-process map when no address is configured.
type tokenCache struct {
	mu    sync.Mutex
	local map[string]cachedToken

	redis *redis.Client
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

func newTokenCache(redisAddr string) *tokenCache {
	tc := &tokenCache{local: make(map[string]cachedToken)}
	if redisAddr != "" {
		tc.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return tc
}

func (tc *tokenCache) get(ctx context.Context, key string) (string, bool) {
	if tc.redis != nil {
		val, err := tc.redis.Get(ctx, key).Result()
		if err != nil {
			return "", false
		}
		return val, true
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	cached, ok := tc.local[key]
	if !ok {
		return "", false
	}
	if time.Now().After(cached.expiresAt) {
		delete(tc.local, key)
		return "", false
	}
	return cached.token, true
}

func (tc *tokenCache) set(ctx context.Context, key, token string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	if tc.redis != nil {
		tc.redis.Set(ctx, key, token, ttl)
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.local[key] = cachedToken{token: token, expiresAt: time.Now().Add(ttl)}
}

// fetchBearerToken exchanges credentials for a bearer token against the
// realm/service/scope named in ch, per the distribution registry's
// token authentication spec.
func fetchBearerToken(ctx context.Context, client *Client, ch challenge, username, password string) (string, time.Duration, error) {
	realm, err := url.Parse(ch.realm)
	if err != nil {
		return "", 0, fmt.Errorf("proxy: invalid token realm %q: %w", ch.realm, err)
	}

	q := realm.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}
	realm.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm.String(), nil)
	if err != nil {
		return "", 0, err
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		return "", 0, fmt.Errorf("proxy: token exchange against %s: %w", ch.realm, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("proxy: token exchange against %s: %s", ch.realm, resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("proxy: decoding token response: %w", err)
	}

	token := tr.value()
	if token == "" {
		return "", 0, fmt.Errorf("proxy: token response from %s carried no token", ch.realm)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return token, ttl, nil
}

func tokenCacheKey(upstream, scope string) string {
	return upstream + "|" + scope
}
