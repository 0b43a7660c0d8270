package config

import (
	"fmt"
	"os"
	"sync/atomic"

	yaml "go.yaml.in/yaml/v3"
)

// osEnv is the production Env, backed by the process environment (already
// merged with any .env file by gotenv.Load in Load()).
var osEnv = mapEnv{lookup: os.LookupEnv}

// LoadPolicy reads and validates the policy document at path. Every
// ${VAR} placeholder in backend/provider_config/virtual-key fields is
// expanded against the process environment before validation runs.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading policy file %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("config: parsing policy file %s: %w", path, err)
	}

	for i, b := range p.Backends {
		expanded, err := ExpandBackend(b, osEnv)
		if err != nil {
			return nil, err
		}
		p.Backends[i] = expanded
	}
	for i, vk := range p.VirtualKeys {
		expanded, err := ExpandVirtualKeyToken(vk, osEnv)
		if err != nil {
			return nil, err
		}
		p.VirtualKeys[i] = expanded
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	names := make(map[string]struct{}, len(p.Backends))
	for _, b := range p.Backends {
		if b.Name == "" {
			return fmt.Errorf("config: policy: backend with empty name")
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("config: policy: duplicate backend name %q", b.Name)
		}
		names[b.Name] = struct{}{}
	}

	checkRef := func(name string) error {
		if name == "" {
			return nil
		}
		if _, ok := names[name]; !ok {
			return fmt.Errorf("config: policy: router rule references unknown backend %q", name)
		}
		return nil
	}

	for _, r := range p.Router.Rules {
		if err := checkRef(r.Backend); err != nil {
			return err
		}
		for _, wb := range r.Backends {
			if err := checkRef(wb.Backend); err != nil {
				return err
			}
		}
	}
	for _, wb := range p.Router.Default {
		if err := checkRef(wb.Backend); err != nil {
			return err
		}
	}

	ids := make(map[string]struct{}, len(p.VirtualKeys))
	for _, vk := range p.VirtualKeys {
		if vk.ID == "" {
			return fmt.Errorf("config: policy: virtual key with empty id")
		}
		if _, dup := ids[vk.ID]; dup {
			return fmt.Errorf("config: policy: duplicate virtual key id %q", vk.ID)
		}
		ids[vk.ID] = struct{}{}
		if vk.Route != "" {
			if err := checkRef(vk.Route); err != nil {
				return err
			}
		}
	}

	return nil
}

// Store holds the currently-active Policy behind an atomic pointer so
// readers never observe a partially-updated document; writers (the admin
// API or the fsnotify watcher) build a whole new *Policy and Swap it in —
// the copy-on-write discipline §5 requires.
type Store struct {
	ptr atomic.Pointer[Policy]
}

// NewStore creates a Store seeded with the given policy.
func NewStore(p *Policy) *Store {
	s := &Store{}
	s.ptr.Store(p)
	return s
}

// Snapshot returns the currently active policy. The returned pointer is
// safe to read from concurrently and is never mutated in place.
func (s *Store) Snapshot() *Policy {
	return s.ptr.Load()
}

// Swap atomically replaces the active policy.
func (s *Store) Swap(p *Policy) {
	s.ptr.Store(p)
}

// BackendByName returns the named backend from the current snapshot.
func (s *Store) BackendByName(name string) (Backend, bool) {
	p := s.Snapshot()
	for _, b := range p.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}

// VirtualKeyByToken returns the virtual key whose token matches tok, if any.
func (s *Store) VirtualKeyByToken(tok string) (VirtualKey, bool) {
	p := s.Snapshot()
	for _, vk := range p.VirtualKeys {
		if vk.Token == tok {
			return vk, true
		}
	}
	return VirtualKey{}, false
}
