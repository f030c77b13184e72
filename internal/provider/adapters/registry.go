package adapters

import (
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
)

// Registry holds one client per concrete provider. Reconciliation picks the
// polling client by the job's resolved origin.
type Registry struct {
	clients map[domain.Provider]domain.Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[domain.Provider]domain.Client{}}
}

func (r *Registry) Register(provider domain.Provider, client domain.Client) {
	if r == nil || client == nil || !provider.Concrete() {
		return
	}
	r.clients[provider] = client
}

func (r *Registry) Client(provider domain.Provider) (domain.Client, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	client, ok := r.clients[provider]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return client, nil
}
