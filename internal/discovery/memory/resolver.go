package memory

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
)

// Resolver maps server aliases to address literals.
type Resolver struct {
	servers map[string]string
	mu      sync.RWMutex
}

// NewResolver creates a new memory resolver from a comma-separated string
// Format: "alias=address,..."
// Example: "primary=127.0.0.1,lab=fe80::1"
func NewResolver(mappingStr string) (*Resolver, error) {
	servers := make(map[string]string)
	if mappingStr == "" {
		return &Resolver{servers: servers}, nil
	}

	for _, pair := range strings.Split(mappingStr, ",") {
		alias, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		alias = strings.TrimSpace(alias)
		addr = strings.TrimSpace(addr)
		if !ok || alias == "" || addr == "" {
			return nil, fmt.Errorf("invalid mapping format: %s", pair)
		}
		servers[alias] = addr
	}

	return &Resolver{servers: servers}, nil
}

// Set adds or replaces an alias.
func (r *Resolver) Set(alias, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[alias] = addr
}

// Resolve returns the address for name. A name that is already an IP
// literal is returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	addr, ok := r.servers[name]
	r.mu.RUnlock()

	if ok {
		return addr, nil
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return name, nil
	}
	return "", fmt.Errorf("server not found for alias: %s", name)
}
