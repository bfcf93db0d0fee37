package awareness

import (
	"encoding/json"
	"sync"
	"time"
)

// Update is the wire form of one presence record. State is an opaque JSON
// blob owned by the client (name, color, cursor, selection); only the
// envelope is structured here. An empty State means removal.
type Update struct {
	ClientID string
	Clock    uint64
	State    []byte
}

// Removal reports whether the update removes the client.
func (u Update) Removal() bool { return len(u.State) == 0 }

// Entry is one locally held presence record.
type Entry struct {
	ClientID string
	Clock    uint64
	LastSeen time.Time
	State    json.RawMessage
}

// Store holds the ephemeral per-client presence for one room. Entries merge
// last-writer-wins on the per-client clock and expire after TTL without a
// refresh. Nothing here ever touches durable storage.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*Entry
	// clocks outlive entries so a removed client cannot be resurrected by a
	// stale lower-clock update
	clocks map[string]uint64
}

// NewStore returns an empty store. Entries not refreshed within ttl are
// dropped by Sweep.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		entries: make(map[string]*Entry),
		clocks:  make(map[string]uint64),
	}
}

// SetLocal replaces the client's state, bumps its clock and returns the
// update to broadcast.
func (s *Store) SetLocal(clientID string, state json.RawMessage, now time.Time) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	clock := s.clocks[clientID] + 1
	s.clocks[clientID] = clock
	s.entries[clientID] = &Entry{ClientID: clientID, Clock: clock, LastSeen: now, State: state}
	return Update{ClientID: clientID, Clock: clock, State: state}
}

// ApplyRemote merges incoming updates and returns the ones that changed
// visible state, for rebroadcast. An update only wins with a strictly
// greater clock than the locally held one for that client.
func (s *Store) ApplyRemote(updates []Update, now time.Time) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var accepted []Update
	for _, u := range updates {
		if u.ClientID == "" || u.Clock <= s.clocks[u.ClientID] {
			continue
		}
		s.clocks[u.ClientID] = u.Clock
		if u.Removal() {
			if _, ok := s.entries[u.ClientID]; ok {
				delete(s.entries, u.ClientID)
				accepted = append(accepted, u)
			}
			continue
		}
		s.entries[u.ClientID] = &Entry{ClientID: u.ClientID, Clock: u.Clock, LastSeen: now, State: u.State}
		accepted = append(accepted, u)
	}
	return accepted
}

// Remove drops the client immediately (graceful disconnect) and returns the
// removal update to broadcast. ok is false when the client is unknown.
func (s *Store) Remove(clientID string) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[clientID]; !ok {
		return Update{}, false
	}
	delete(s.entries, clientID)
	s.clocks[clientID]++
	return Update{ClientID: clientID, Clock: s.clocks[clientID]}, true
}

// Sweep drops entries whose LastSeen+TTL has elapsed, returning one removal
// update per expired client so peers drop them too.
func (s *Store) Sweep(now time.Time) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Update
	for id, e := range s.entries {
		if now.Sub(e.LastSeen) > s.ttl {
			delete(s.entries, id)
			s.clocks[id]++
			removed = append(removed, Update{ClientID: id, Clock: s.clocks[id]})
		}
	}
	return removed
}

// Entries returns the live records as updates, for seeding a new peer.
func (s *Store) Entries() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Update{ClientID: e.ClientID, Clock: e.Clock, State: e.State})
	}
	return out
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
