package twofactor

import "fmt"

// Registry holds the fixed set of second-factor providers. Membership never
// changes after startup, so lookups need no locking. An unknown key is a
// configuration bug and surfaces as an error instead of being skipped.
type Registry struct {
	providers map[string]Provider
	ordered   []Provider
}

// NewRegistry builds a registry from the given providers. Duplicate keys are
// rejected so a misconfigured deployment fails at startup, not at login time.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.providers[p.Key()]; exists {
			return nil, fmt.Errorf("duplicate two-factor provider key %q", p.Key())
		}
		r.providers[p.Key()] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// Get resolves a provider by key
func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("unknown two-factor provider key %q", key)
	}
	return p, nil
}

// All returns the providers in registration order
func (r *Registry) All() []Provider {
	return r.ordered
}
