// Package auth implements JWKS caching and JWT bearer validation (C11 of the
// gateway's component design): a TTL'd JWKS cache with single-flight refresh,
// bearer-scheme parsing, and multi-algorithm signature/claim validation.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// JWK is a single JSON Web Key, kept as a raw map so it can be handed
// directly to golang-jwt's jwk-to-key conversion per algorithm family.
type JWK struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
	KeyType   string `json:"kty"`
	raw       map[string]any
}

// UnmarshalJSON keeps the raw field map alongside the typed fields so
// algorithm-specific decoders (RSA/EC/OKP) can read kty-specific members.
func (j *JWK) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	j.raw = raw
	if v, ok := raw["kid"].(string); ok {
		j.KeyID = v
	}
	if v, ok := raw["alg"].(string); ok {
		j.Algorithm = v
	}
	if v, ok := raw["kty"].(string); ok {
		j.KeyType = v
	}
	return nil
}

// Raw exposes the underlying key-material fields (n, e, x, y, crv, k, ...).
func (j *JWK) Raw() map[string]any { return j.raw }

// JWKSet is the RFC 7517 JSON Web Key Set document shape.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// cacheEntry is the cached (keys, fetched_at) pair.
type cacheEntry struct {
	set       JWKSet
	fetchedAt time.Time
}

// JWKSCache fetches a JWKS document from a remote URL and caches it with an
// optional TTL, using a double-checked-locking pattern: readers take a fast
// path on a fresh RWMutex read lock; on a stale or absent entry, a refresh
// mutex is acquired and the cache is re-checked before the HTTP fetch, so a
// thundering herd at a TTL boundary produces exactly one outbound fetch.
type JWKSCache struct {
	url    string
	ttl    time.Duration // zero means "never expires"
	client *fasthttp.Client

	mu    sync.RWMutex
	entry *cacheEntry

	refreshMu sync.Mutex
}

// NewJWKSCache constructs a cache for the given JWKS URL. ttl <= 0 means the
// cached entry never expires once fetched.
func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		url:    url,
		ttl:    ttl,
		client: &fasthttp.Client{},
	}
}

// Get returns the current JWKS, fetching or refreshing it as needed.
func (c *JWKSCache) Get(ctx context.Context) (JWKSet, error) {
	if set, ok := c.freshEntry(); ok {
		return set, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Re-check: another goroutine may have refreshed while we waited for
	// the refresh lock.
	if set, ok := c.freshEntry(); ok {
		return set, nil
	}

	set, err := c.fetch(ctx)
	if err != nil {
		return JWKSet{}, fmt.Errorf("auth: jwks fetch: %w", err)
	}

	c.mu.Lock()
	c.entry = &cacheEntry{set: set, fetchedAt: time.Now()}
	c.mu.Unlock()

	return set, nil
}

func (c *JWKSCache) freshEntry() (JWKSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.entry == nil {
		return JWKSet{}, false
	}
	if c.ttl > 0 && time.Since(c.entry.fetchedAt) > c.ttl {
		return JWKSet{}, false
	}
	return c.entry.set, true
}

func (c *JWKSCache) fetch(ctx context.Context) (JWKSet, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return JWKSet{}, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return JWKSet{}, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}

	var set JWKSet
	if err := json.Unmarshal(resp.Body(), &set); err != nil {
		return JWKSet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return set, nil
}
