package server

import (
	"sort"
	"sync"
	"time"
)

// Device is the identity a device announced in its hello, bound to the
// session it arrived on.
type Device struct {
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	AppVersion  string    `json:"app_version"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DisplayName is the device name, or the session id for a device that
// announced an empty one.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.SessionID
}

type registryEntry struct {
	device  Device
	session *Session
}

// Registry is the thread-safe set of devices that completed the handshake,
// keyed by session id. Every method is atomic with respect to the others.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// DeviceLookup is the read side of a Registry.
type DeviceLookup interface {
	Get(sessionID string) (Device, bool)
	Contains(sessionID string) bool
	Count() int
	List() []Device
}

// registryView hides the mutators of a Registry behind DeviceLookup.
type registryView struct{ r *Registry }

func (v registryView) Get(sessionID string) (Device, bool) { return v.r.Get(sessionID) }
func (v registryView) Contains(sessionID string) bool      { return v.r.Contains(sessionID) }
func (v registryView) Count() int                          { return v.r.Count() }
func (v registryView) List() []Device                      { return v.r.List() }

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register stores the device for sessionID, replacing any stale entry.
// sess may be nil when the registry is used without live connections.
func (r *Registry) Register(sessionID string, device Device, sess *Session) {
	device.SessionID = sessionID
	r.mu.Lock()
	r.entries[sessionID] = registryEntry{device: device, session: sess}
	r.mu.Unlock()
}

// Unregister removes sessionID and returns the record it held.
// Unknown ids are a no-op.
func (r *Registry) Unregister(sessionID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return Device{}, false
	}
	delete(r.entries, sessionID)
	return e.device, true
}

// unregisterSession removes sessionID only while it still belongs to sess,
// so a closing session never evicts the one that replaced it.
func (r *Registry) unregisterSession(sessionID string, sess *Session) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok || e.session != sess {
		return Device{}, false
	}
	delete(r.entries, sessionID)
	return e.device, true
}

// Get returns the device registered for sessionID.
func (r *Registry) Get(sessionID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return e.device, ok
}

// Contains reports whether sessionID is registered.
func (r *Registry) Contains(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[sessionID]
	return ok
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a snapshot ordered by connection time, then session id.
// The slice is owned by the caller.
func (r *Registry) List() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.entries))
	for _, e := range r.entries {
		devices = append(devices, e.device)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if !devices[i].ConnectedAt.Equal(devices[j].ConnectedAt) {
			return devices[i].ConnectedAt.Before(devices[j].ConnectedAt)
		}
		return devices[i].SessionID < devices[j].SessionID
	})
	return devices
}

// session returns the live handle for sessionID.
func (r *Registry) session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// sessions resolves dispatch targets to live handles. An empty target list
// means every registered device. A target matches a session id first and
// otherwise every device with that name. Targets that match nothing are
// returned in missing.
func (r *Registry) sessions(targets []string) (found []*Session, missing []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(targets) == 0 {
		for _, e := range r.entries {
			if e.session != nil {
				found = append(found, e.session)
			}
		}
		sortSessions(found)
		return found, nil
	}

	seen := make(map[*Session]bool)
	add := func(sess *Session) {
		if sess != nil && !seen[sess] {
			seen[sess] = true
			found = append(found, sess)
		}
	}

	for _, target := range targets {
		if e, ok := r.entries[target]; ok {
			add(e.session)
			continue
		}
		matched := false
		for _, e := range r.entries {
			if e.device.Name == target {
				add(e.session)
				matched = true
			}
		}
		if !matched {
			missing = append(missing, target)
		}
	}
	sortSessions(found)
	return found, missing
}

// drain empties the registry and returns the sessions it held.
func (r *Registry) drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.entries))
	for id, e := range r.entries {
		if e.session != nil {
			out = append(out, e.session)
		}
		delete(r.entries, id)
	}
	return out
}

func sortSessions(s []*Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].id < s[j].id })
}
