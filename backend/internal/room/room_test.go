package room

import (
	"sync"
	"testing"
	"time"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/crdt"
)

// fakeSession records delivered frames; cap > 0 simulates a bounded send
// queue that overflows.
type fakeSession struct {
	id  string
	cap int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeSession) SessionID() string { return s.id }

func (s *fakeSession) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap > 0 && len(s.frames) >= s.cap {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSession) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func editDiff(site uint64, text string) crdt.Diff {
	return crdt.NewDoc(site).LocalInsert(0, text)
}

func TestRoom_BroadcastExcludesSender(t *testing.T) {
	r := newRoom("r1", 1, time.Minute)
	sender := &fakeSession{id: "sender"}
	peer := &fakeSession{id: "peer"}
	r.attach(sender)
	r.attach(peer)

	r.Broadcast([]byte{0x02, 0x00}, "sender")

	if got := sender.frameCount(); got != 0 {
		t.Fatalf("sender got %d frames, want 0", got)
	}
	if got := peer.frameCount(); got != 1 {
		t.Fatalf("peer got %d frames, want 1", got)
	}
}

func TestRoom_BroadcastClosesOverflowingSession(t *testing.T) {
	r := newRoom("r1", 1, time.Minute)
	slow := &fakeSession{id: "slow", cap: 1}
	fast := &fakeSession{id: "fast"}
	r.attach(slow)
	r.attach(fast)

	r.Broadcast([]byte{0x02}, "")
	r.Broadcast([]byte{0x02}, "")

	if !slow.isClosed() {
		t.Fatal("overflowing session was not closed")
	}
	if fast.isClosed() {
		t.Fatal("healthy session was closed")
	}
	if got := fast.frameCount(); got != 2 {
		t.Fatalf("healthy session got %d frames, want 2", got)
	}
}

func TestRoom_SnapshotSeedsAnotherRoom(t *testing.T) {
	src := newRoom("r1", 1, time.Minute)
	if err := src.ApplyUpdate(editDiff(9, "persisted")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	dst := newRoom("r1", 2, time.Minute)
	if err := dst.seed(src.Snapshot()); err != nil {
		t.Fatalf("seed() error = %v", err)
	}
	if got, want := dst.Text(), src.Text(); got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestRoom_SeedRejectsGarbage(t *testing.T) {
	r := newRoom("r1", 1, time.Minute)
	if err := r.seed([]byte{0xff, 0x00}); err == nil {
		t.Fatal("seed() accepted an unknown frame")
	}
	if err := r.seed([]byte{0x00}); err == nil {
		t.Fatal("seed() accepted a non-diff frame")
	}
}

func TestRoom_SnapshotIfDirty(t *testing.T) {
	r := newRoom("r1", 1, time.Minute)
	if _, ok := r.snapshotIfDirty(false); ok {
		t.Fatal("fresh room reported dirty")
	}
	if err := r.ApplyUpdate(editDiff(9, "x")); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if _, ok := r.snapshotIfDirty(false); !ok {
		t.Fatal("room not dirty after an update")
	}
	if _, ok := r.snapshotIfDirty(false); ok {
		t.Fatal("dirty flag not cleared by snapshot")
	}
	if _, ok := r.snapshotIfDirty(true); !ok {
		t.Fatal("force snapshot returned nothing")
	}
	// an empty diff must not mark the room dirty
	if err := r.ApplyUpdate(crdt.Diff{}); err != nil {
		t.Fatalf("ApplyUpdate(empty) error = %v", err)
	}
	if _, ok := r.snapshotIfDirty(false); ok {
		t.Fatal("empty diff marked the room dirty")
	}
}
