package matching

import (
	"time"

	"github.com/whisper/video-app/internal/geo"
)

// Entry is the registry record for one live connection.
type Entry struct {
	ConnID      string
	Region      geo.Region
	Fingerprint string
	ConnectedAt time.Time
	// Profile is nil until the first set-preferences.
	Profile *Profile
}

// Registry maps connection ids to their records.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers e. It returns false if the id is taken.
func (r *Registry) Add(e *Entry) bool {
	if _, ok := r.entries[e.ConnID]; ok {
		return false
	}
	r.entries[e.ConnID] = e
	return true
}

// Get returns the entry for connID or nil.
func (r *Registry) Get(connID string) *Entry {
	return r.entries[connID]
}

// Remove unregisters connID and returns its entry, or nil if absent.
func (r *Registry) Remove(connID string) *Entry {
	e, ok := r.entries[connID]
	if !ok {
		return nil
	}
	delete(r.entries, connID)
	return e
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.entries)
}
