package victim

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds the profiles available to a relay and the one currently in use.
type Registry struct {
	profiles []*Profile
	byName   map[string]*Profile
	current  atomic.Pointer[Profile]

	mu        sync.Mutex
	listeners []func(*Profile)

	// selectMu orders swaps and their notifications
	selectMu sync.Mutex
}

// NewRegistry creates a registry from the given profiles. The first profile
// becomes the current one. Names are compared case-insensitively.
func NewRegistry(profiles ...*Profile) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("registry needs at least one profile")
	}

	r := &Registry{
		profiles: make([]*Profile, 0, len(profiles)),
		byName:   make(map[string]*Profile, len(profiles)),
	}
	for _, p := range profiles {
		if p == nil {
			return nil, fmt.Errorf("nil profile")
		}
		key := strings.ToLower(p.Name())
		if _, exists := r.byName[key]; exists {
			return nil, fmt.Errorf("duplicate victim name %q", p.Name())
		}
		r.byName[key] = p
		r.profiles = append(r.profiles, p)
	}
	r.current.Store(r.profiles[0])
	return r, nil
}

// DefaultRegistry returns a registry containing only the built-in profiles.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Builtin lists the profiles compiled into the binary.
func Builtin() []*Profile {
	return []*Profile{ST25TA}
}

// Available returns the profiles in registration order.
func (r *Registry) Available() []*Profile {
	out := make([]*Profile, len(r.profiles))
	copy(out, r.profiles)
	return out
}

// Current returns the selected profile.
func (r *Registry) Current() *Profile {
	return r.current.Load()
}

// Lookup finds a profile by name.
func (r *Registry) Lookup(name string) (*Profile, bool) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// MatchAID finds the profile whose AID equals aid.
func (r *Registry) MatchAID(aid []byte) (*Profile, bool) {
	for _, p := range r.profiles {
		if p.MatchesAID(aid) {
			return p, true
		}
	}
	return nil, false
}

// Select makes the named profile current and notifies listeners when the
// selection actually changes. Listeners see selections in the order they
// were made and must not call Select themselves.
func (r *Registry) Select(name string) error {
	p, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVictim, name)
	}

	r.selectMu.Lock()
	defer r.selectMu.Unlock()

	if old := r.current.Swap(p); old == p {
		return nil
	}

	r.mu.Lock()
	listeners := make([]func(*Profile), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}
	return nil
}

// OnChange registers fn to be called after every selection change.
func (r *Registry) OnChange(fn func(*Profile)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// LoadFile reads a JSON array of profiles.
func LoadFile(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read victims file: %w", err)
	}

	var profiles []*Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse victims file %s: %w", path, err)
	}
	return profiles, nil
}
