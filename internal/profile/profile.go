// Package profile provides the client variants a node can be launched with.
// A fleet mixes honest sealers with one adversarial sealer whose prebuilt
// binary manipulates block timestamps or emission delay; the harness only
// selects which binary each node runs.
package profile

import (
	"sort"
	"sync"
)

// Built-in profile names.
const (
	Honest         = "honest"
	Sleep3s        = "sleep3s"
	Shift25s       = "25s"
	Shift23Sleep3s = "23s-sleep3s"
)

// DefaultBinary is the honest client looked up on PATH.
const DefaultBinary = "openethereum"

// Profile describes one client variant.
type Profile struct {
	// Name is the identifier used in configuration (e.g. "honest", "sleep3s").
	Name string

	// Binary is the executable path or a name resolved on PATH.
	Binary string

	// Adversarial marks variants that deviate from the turn schedule.
	Adversarial bool

	// Description is shown in fleet status output.
	Description string

	// ExtraArgs are appended after "--config <file>".
	ExtraArgs []string
}

// String returns the profile name.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}

// Registry holds registered profiles. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Profile),
	}
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get returns the profile by name, or nil.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the honest client and the three
// timing variants used in the reference runs. Binaries default to sibling
// build directories and are normally overridden from configuration.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Profile{
		Name:        Honest,
		Binary:      DefaultBinary,
		Description: "unmodified client, seals only in its own step",
	})
	r.Register(&Profile{
		Name:        Sleep3s,
		Binary:      "openethereum-3.3.4_sleep3s/target/release/openethereum",
		Adversarial: true,
		Description: "delays block emission by 3s to suppress the next sealer's window",
	})
	r.Register(&Profile{
		Name:        Shift25s,
		Binary:      "openethereum-3.3.4_25s/target/release/openethereum",
		Adversarial: true,
		Description: "seals with a timestamp shifted forward by 25s",
	})
	r.Register(&Profile{
		Name:        Shift23Sleep3s,
		Binary:      "openethereum-3.3.4_23s_sleep3s/target/release/openethereum",
		Adversarial: true,
		Description: "timestamp shifted forward by 23s plus a 3s emission delay",
	})
	return r
}
