// Package registry implements the downstream registry & cache (C2): owns
// the set of configured downstream MCP servers. Non-forward descriptors are
// connected once at startup; forward-auth descriptors are connected lazily,
// one client per (server, token) pair, cached with LRU-by-idle-time
// eviction. Grounded on original_source's mcp registry semantics, with the
// cache shape grounded on the teacher's internal/cache/memory.go TTL-map
// pattern.
package registry

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/mcp/downstream"
)

// Registry holds every configured downstream: a fixed set of non-forward
// clients constructed at startup, and a bounded, idle-evicting cache of
// forward-auth clients keyed by (server, token).
type Registry struct {
	static map[string]*downstream.Client // name -> client, non-forward only

	forwardMu   sync.Mutex
	forwardDesc map[string]downstream.HTTPDescriptor // name -> template descriptor (Auth == AuthForwardIncoming)
	cache       *forwardCache
}

// StartupFailure records a downstream that failed to connect at startup
// and was skipped — the gateway still starts, serving the healthy subset.
type StartupFailure struct {
	Name string
	Err  error
}

// New constructs the registry: connects every non-forward descriptor
// (skipping — and recording — any that fail), and prepares the forward-auth
// cache for forward descriptors. maxSize <= 0 means unbounded; idleTimeout
// <= 0 disables idle eviction.
func New(ctx context.Context, descriptors []downstream.Descriptor, maxSize int, idleTimeout time.Duration) (*Registry, []StartupFailure) {
	r := &Registry{
		static:      make(map[string]*downstream.Client),
		forwardDesc: make(map[string]downstream.HTTPDescriptor),
		cache:       newForwardCache(maxSize, idleTimeout),
	}

	var failures []StartupFailure
	for _, d := range descriptors {
		if d.HTTP != nil && d.HTTP.Auth == downstream.AuthForwardIncoming {
			r.forwardDesc[d.Name] = *d.HTTP
			continue
		}

		client, err := downstream.New(ctx, d)
		if err != nil {
			failures = append(failures, StartupFailure{Name: d.Name, Err: err})
			continue
		}
		r.static[d.Name] = client
	}

	return r, failures
}

// ErrUnknownServer is returned when name does not match any configured
// downstream.
type ErrUnknownServer struct{ Name string }

func (e *ErrUnknownServer) Error() string { return fmt.Sprintf("registry: unknown server %q", e.Name) }

// Get resolves a non-forward downstream by name.
func (r *Registry) Get(name string) (*downstream.Client, error) {
	c, ok := r.static[name]
	if !ok {
		return nil, &ErrUnknownServer{Name: name}
	}
	return c, nil
}

// GetForward resolves (constructing and caching if necessary) a
// forward-auth downstream bound to token. The cache never serves a client
// to a token other than the one it was bound to — the cache key is
// (name, token) so a miss always rebinds fresh.
func (r *Registry) GetForward(ctx context.Context, name, token string) (*downstream.Client, error) {
	tmpl, ok := r.forwardDesc[name]
	if !ok {
		return nil, &ErrUnknownServer{Name: name}
	}

	return r.cache.getOrCreate(ctx, name, token, func(ctx context.Context) (*downstream.Client, error) {
		bound := tmpl
		bound.ForwardedToken = token
		return downstream.New(ctx, downstream.Descriptor{Name: name, HTTP: &bound})
	})
}

// IsForward reports whether name is a configured forward-auth server.
func (r *Registry) IsForward(name string) bool {
	_, ok := r.forwardDesc[name]
	return ok
}

// Names returns every configured downstream name (static and forward),
// sorted is the caller's responsibility.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.static)+len(r.forwardDesc))
	for n := range r.static {
		names = append(names, n)
	}
	for n := range r.forwardDesc {
		names = append(names, n)
	}
	return names
}

// StaticClients returns every non-forward client, for fan-out operations
// like aggregated list_prompts/list_resources.
func (r *Registry) StaticClients() map[string]*downstream.Client {
	return r.static
}

// NewForTest builds a Registry directly around a pre-built set of static
// clients, bypassing New's descriptor-dialing startup path — for use by
// other packages' tests (e.g. the aggregator) that need a Registry wired
// to fake/inmemory clients.
func NewForTest(clients map[string]*downstream.Client) *Registry {
	if clients == nil {
		clients = make(map[string]*downstream.Client)
	}
	return &Registry{
		static:      clients,
		forwardDesc: make(map[string]downstream.HTTPDescriptor),
		cache:       newForwardCache(0, 0),
	}
}

// Close closes every statically-held client and every cached forward-auth
// client.
func (r *Registry) Close() error {
	var firstErr error
	for _, c := range r.static {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.cache.closeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// forwardKey uniquely identifies a cached forward-auth client.
type forwardKey struct {
	name  string
	token string
}

type forwardEntry struct {
	key      forwardKey
	client   *downstream.Client
	lastUsed time.Time
	elem     *list.Element

	inflightMu sync.Mutex
	inflight   chan struct{} // non-nil while under construction
	buildErr   error
}

// forwardCache is a bounded, idle-evicting, single-flight-per-key cache of
// forward-auth clients.
type forwardCache struct {
	maxSize     int
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[forwardKey]*forwardEntry
	lru     *list.List // front = most recently used
}

func newForwardCache(maxSize int, idleTimeout time.Duration) *forwardCache {
	return &forwardCache{
		maxSize:     maxSize,
		idleTimeout: idleTimeout,
		entries:     make(map[forwardKey]*forwardEntry),
		lru:         list.New(),
	}
}

func (c *forwardCache) getOrCreate(ctx context.Context, name, token string, build func(context.Context) (*downstream.Client, error)) (*downstream.Client, error) {
	key := forwardKey{name: name, token: token}

	c.mu.Lock()
	c.evictIdleLocked()
	if e, ok := c.entries[key]; ok {
		c.lru.MoveToFront(e.elem)
		e.lastUsed = time.Now()
		c.mu.Unlock()
		return c.awaitEntry(e)
	}

	e := &forwardEntry{key: key, inflight: make(chan struct{})}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.mu.Unlock()

	client, err := build(ctx)
	e.client = client
	e.buildErr = err
	e.lastUsed = time.Now()
	close(e.inflight)

	if err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.lru.Remove(e.elem)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.enforceMaxSizeLocked()
	c.mu.Unlock()

	return client, nil
}

func (c *forwardCache) awaitEntry(e *forwardEntry) (*downstream.Client, error) {
	<-e.inflight
	return e.client, e.buildErr
}

// evictIdleLocked must be called with c.mu held.
func (c *forwardCache) evictIdleLocked() {
	if c.idleTimeout <= 0 {
		return
	}
	now := time.Now()
	for elem := c.lru.Back(); elem != nil; {
		e := elem.Value.(*forwardEntry)
		prev := elem.Prev()
		select {
		case <-e.inflight:
		default:
			elem = prev // still under construction
			continue
		}
		if now.Sub(e.lastUsed) > c.idleTimeout {
			c.lru.Remove(elem)
			delete(c.entries, e.key)
			if e.client != nil {
				e.client.Close()
			}
		}
		elem = prev
	}
}

// enforceMaxSizeLocked evicts least-recently-used entries until the cache
// is within maxSize. Must be called with c.mu held.
func (c *forwardCache) enforceMaxSizeLocked() {
	if c.maxSize <= 0 {
		return
	}
	for c.lru.Len() > c.maxSize {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*forwardEntry)
		c.lru.Remove(back)
		delete(c.entries, e.key)
		if e.client != nil {
			e.client.Close()
		}
	}
}

func (c *forwardCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, e := range c.entries {
		if e.client != nil {
			if err := e.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	c.entries = make(map[forwardKey]*forwardEntry)
	c.lru.Init()
	return firstErr
}
