package secret

import (
	"context"

	"github.com/gocardless/rconfd/internal/rerror"
)

// Fetcher resolves a single parsed Path into a Value, optionally attaching
// a Lease when the back-end's response carries one (Vault only).
type Fetcher interface {
	Fetch(ctx context.Context, p Path) (Value, *Lease, error)
}

// Registry dispatches a parsed Path to the Fetcher registered for its
// Backend tag. It holds no state of its own beyond the dispatch table -
// deduplication and concurrency live in internal/cache.
type Registry struct {
	backends map[Backend]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[Backend]Fetcher)}
}

// Register installs (or replaces) the Fetcher for a backend tag.
func (r *Registry) Register(b Backend, f Fetcher) {
	r.backends[b] = f
}

// Fetch dispatches p to its registered backend.
func (r *Registry) Fetch(ctx context.Context, p Path) (Value, *Lease, error) {
	f, ok := r.backends[p.Backend]
	if !ok {
		return Value{}, nil, rerror.Newf(rerror.KindPathSyntax, "no backend registered for %q", p.Backend)
	}
	return f.Fetch(ctx, p)
}
