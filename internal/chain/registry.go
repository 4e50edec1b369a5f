package chain

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Registry resolves a chain id to its Client.
type Registry struct {
	clients map[uint64]Client
}

// NewRegistry builds a registry over the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[uint64]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ChainID()] = c
	}
	return r
}

// Get returns the client for chainID or an error wrapping
// domain.ErrChainUnsupported.
func (r *Registry) Get(chainID uint64) (Client, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, domain.ErrChainUnsupported)
	}
	return c, nil
}

// IDs returns the registered chain ids in ascending order.
func (r *Registry) IDs() []uint64 {
	ids := make([]uint64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every client that owns connections.
func (r *Registry) Close() {
	for _, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
