package room

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/awareness"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/crdt"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/protocol"
)

// Session is what a room knows about one attached connection: an id to
// exclude it from its own broadcasts, a non-blocking send and a way to cut
// it loose. The room never owns the transport.
type Session interface {
	SessionID() string
	// Send enqueues a frame without blocking; false means the session's
	// outbound queue overflowed.
	Send(frame []byte) bool
	Close()
}

// Room is the isolation boundary: one document, one awareness map, one
// connection set. All document and awareness mutation for a room is
// serialized behind its locks; distinct rooms share nothing.
type Room struct {
	id    string
	doc   *crdt.Doc
	aware *awareness.Store

	mu       sync.Mutex
	sessions map[string]Session
	dirty    bool
}

func newRoom(id string, site uint64, awarenessTTL time.Duration) *Room {
	return &Room{
		id:       id,
		doc:      crdt.NewDoc(site),
		aware:    awareness.NewStore(awarenessTTL),
		sessions: make(map[string]Session),
	}
}

func (r *Room) ID() string { return r.id }

// Text returns the current visible document content.
func (r *Room) Text() string { return r.doc.Text() }

// StateVector returns the room replica's per-site high-water clocks.
func (r *Room) StateVector() crdt.StateVector { return r.doc.StateVector() }

// DiffSince computes what a peer holding sv is missing.
func (r *Room) DiffSince(sv crdt.StateVector) crdt.Diff { return r.doc.DiffSince(sv) }

// ApplyUpdate merges a remote diff into the room replica and marks the room
// dirty for the next persistence flush.
func (r *Room) ApplyUpdate(diff crdt.Diff) error {
	if err := r.doc.ApplyRemote(diff); err != nil {
		return fmt.Errorf("room %s: %w", r.id, err)
	}
	if !diff.Empty() {
		r.markDirty()
	}
	return nil
}

// ApplyAwareness merges presence updates, returning the accepted ones for
// rebroadcast.
func (r *Room) ApplyAwareness(updates []awareness.Update, now time.Time) []awareness.Update {
	return r.aware.ApplyRemote(updates, now)
}

// AwarenessEntries returns the live presence set, for seeding a new peer.
func (r *Room) AwarenessEntries() []awareness.Update { return r.aware.Entries() }

// RemoveAwareness drops a client's presence on graceful disconnect.
func (r *Room) RemoveAwareness(clientID string) (awareness.Update, bool) {
	return r.aware.Remove(clientID)
}

// SweepAwareness expires stale presence entries.
func (r *Room) SweepAwareness(now time.Time) []awareness.Update { return r.aware.Sweep(now) }

// Broadcast fans a frame out to every attached session except exclude. A
// session whose queue overflows is closed rather than allowed to stall the
// room; its read loop will detach it.
func (r *Room) Broadcast(frame []byte, exclude string) {
	r.mu.Lock()
	var slow []Session
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		if !s.Send(frame) {
			slow = append(slow, s)
		}
	}
	r.mu.Unlock()
	for _, s := range slow {
		log.Printf("room %s: session %s send queue overflow, closing", r.id, s.SessionID())
		s.Close()
	}
}

// Snapshot encodes the full replica state for persistence or a cold peer.
func (r *Room) Snapshot() []byte {
	return protocol.Encode(protocol.Message{Type: protocol.MsgSyncStep2, Diff: r.doc.Snapshot()})
}

func (r *Room) attach(s Session) {
	r.mu.Lock()
	r.sessions[s.SessionID()] = s
	r.mu.Unlock()
}

func (r *Room) detach(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *Room) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// snapshotIfDirty takes an encoded snapshot when there are unflushed
// changes (always, when force is set) and clears the dirty flag. Only the
// snapshot copy holds the lock; the flush I/O happens outside it.
func (r *Room) snapshotIfDirty(force bool) ([]byte, bool) {
	r.mu.Lock()
	if !r.dirty && !force {
		r.mu.Unlock()
		return nil, false
	}
	r.dirty = false
	r.mu.Unlock()
	return r.Snapshot(), true
}

// seed applies a persisted snapshot to a freshly created replica.
func (r *Room) seed(snapshot []byte) error {
	m, err := protocol.Decode(snapshot)
	if err != nil {
		return fmt.Errorf("room %s: decode snapshot: %w", r.id, err)
	}
	if m.Type != protocol.MsgSyncStep2 && m.Type != protocol.MsgUpdate {
		return fmt.Errorf("room %s: snapshot carries %s, not a diff", r.id, m.Type)
	}
	return r.doc.ApplyRemote(m.Diff)
}
