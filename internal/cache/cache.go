// Package cache implements the per-pass secret cache: canonical-identity
// deduplication of fetches under bounded concurrency, and the long-lived
// store of resolved values that the scheduler consults to decide what
// needs renewing or re-running on each subsequent pass.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gocardless/rconfd/internal/metrics"
	"github.com/gocardless/rconfd/internal/rerror"
	"github.com/gocardless/rconfd/internal/secret"
)

// maxConcurrentFetches bounds the number of in-flight back-end fetches
// within a single pass, per spec.md §5.
const maxConcurrentFetches = 16

// Entry is everything the cache knows about one resolved identity.
type Entry struct {
	Path        secret.Path
	Value       secret.Value
	Lease       *secret.Lease
	FetchedAt   time.Time
}

// isStaticOnce reports whether an identity, once fetched successfully,
// should never be fetched again for the remainder of the process
// lifetime: env, file, and exe:static back-ends, plus any vault secret
// that did not come back with a lease (nothing to renew, nothing to
// re-derive without the operator restarting rconfd).
func isStaticOnce(p secret.Path, lease *secret.Lease) bool {
	switch p.Backend {
	case secret.Env, secret.File:
		return true
	case secret.Exe:
		return p.ExeModifier() == "static"
	case secret.Vault:
		return lease == nil
	default:
		return true
	}
}

// Cache deduplicates fetches by canonical identity and retains resolved
// values across passes so that daemon mode only re-resolves what has
// actually gone stale.
type Cache struct {
	registry *secret.Registry
	group    singleflight.Group
	sem      chan struct{}

	mu      sync.Mutex
	entries map[secret.Identity]*Entry
}

func New(registry *secret.Registry) *Cache {
	return &Cache{
		registry: registry,
		sem:      make(chan struct{}, maxConcurrentFetches),
		entries:  make(map[secret.Identity]*Entry),
	}
}

// Get returns the currently cached entry for an identity, if any.
func (c *Cache) Get(id secret.Identity) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// ResolveResult is the outcome of resolving one declared path.
type ResolveResult struct {
	Identity secret.Identity
	Entry    *Entry
	Err      error
}

// ResolveAll fetches every identity in paths that is not already cached as
// "static-once" resolved or cached with a lease, with bounded concurrency
// and per-identity single-flight deduplication. It implements spec.md §4.4
// phases 1-2. Leased entries are kept current by the scheduler, which
// renews them in place or deletes them so that the next call re-fetches.
//
// If a rerror.KindAuthFailure is observed for a role, no further not-yet-started
// fetches for that role in this call are attempted - scoped per role per
// spec.md §7 ("AuthFailure against a role aborts all fetches using that
// role in the current pass"), not process-wide: other roles, and all
// non-vault fetches, continue.
func (c *Cache) ResolveAll(ctx context.Context, paths []secret.Path) []ResolveResult {
	unique := dedupe(paths)

	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
		results   = make([]ResolveResult, 0, len(unique))

		vaultDownMu    sync.Mutex
		vaultDownRoles = make(map[string]bool)
	)

	isVaultDown := func(role string) bool {
		vaultDownMu.Lock()
		defer vaultDownMu.Unlock()
		return vaultDownRoles[role]
	}
	markVaultDown := func(role string) {
		vaultDownMu.Lock()
		vaultDownRoles[role] = true
		vaultDownMu.Unlock()
	}

	for _, p := range unique {
		p := p
		id := p.Identity()

		if cached, ok := c.Get(id); ok && (cached.Lease != nil || isStaticOnce(cached.Path, cached.Lease)) {
			resultsMu.Lock()
			results = append(results, ResolveResult{Identity: id, Entry: cached})
			resultsMu.Unlock()
			continue
		}

		if p.Backend == secret.Vault && isVaultDown(p.Role()) {
			resultsMu.Lock()
			results = append(results, ResolveResult{
				Identity: id,
				Err:      rerror.Newf(rerror.KindAuthFailure, "skipped: vault authentication already failed this pass for role %q", p.Role()),
			})
			resultsMu.Unlock()
			continue
		}

		wg.Add(1)
		c.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-c.sem }()

			entry, err := c.resolveOne(ctx, p)
			if err != nil && rerror.Is(err, rerror.KindAuthFailure) && p.Backend == secret.Vault {
				markVaultDown(p.Role())
			}

			resultsMu.Lock()
			results = append(results, ResolveResult{Identity: id, Entry: entry, Err: err})
			resultsMu.Unlock()
		}()
	}

	wg.Wait()

	return results
}

func (c *Cache) resolveOne(ctx context.Context, p secret.Path) (*Entry, error) {
	id := p.Identity()

	v, err, _ := c.group.Do(string(id), func() (interface{}, error) {
		start := time.Now()
		value, lease, err := c.registry.Fetch(ctx, p)
		metrics.ObserveFetch(string(p.Backend), start, err)
		if err != nil {
			return nil, err
		}

		entry := &Entry{Path: p, Value: value, Lease: lease, FetchedAt: time.Now()}

		c.mu.Lock()
		c.entries[id] = entry
		c.mu.Unlock()

		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Entry), nil
}

// dedupe collapses paths to one representative per canonical identity, per
// spec.md invariant 1.
func dedupe(paths []secret.Path) []secret.Path {
	seen := make(map[secret.Identity]bool, len(paths))
	out := make([]secret.Path, 0, len(paths))
	for _, p := range paths {
		id := p.Identity()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, p)
	}
	return out
}

// LeasedEntries returns every cached entry that carries a lease, for the
// scheduler to compute renewal deadlines from.
func (c *Cache) LeasedEntries() map[secret.Identity]*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[secret.Identity]*Entry)
	for id, e := range c.entries {
		if e.Lease != nil {
			out[id] = e
		}
	}
	return out
}

// Set replaces the stored entry for an identity - used by the scheduler
// after a successful lease renewal, whose response is authoritative over
// the previously cached metadata.
func (c *Cache) Set(id secret.Identity, e *Entry) {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

// Delete drops a cached entry, forcing the next ResolveAll to re-fetch it -
// used when a lease renewal fails and the secret must be re-fetched from
// scratch on the next pass.
func (c *Cache) Delete(id secret.Identity) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
