package room

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/collab"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/protocol"
)

// Loader fetches the persisted snapshot for a room created from cold. ok is
// false when the room has never been flushed.
type Loader interface {
	Load(ctx context.Context, roomID string) (snapshot []byte, ok bool, err error)
}

// Flusher writes a room snapshot out. Failures are logged and retried on
// the next tick, never surfaced to live editors.
type Flusher interface {
	Flush(ctx context.Context, roomID string, snapshot []byte) error
}

type Options struct {
	// GraceWindow is how long a room with zero connections stays in memory
	// waiting for a reconnect before it is flushed and destroyed.
	GraceWindow time.Duration
	// FlushInterval drives the periodic background flush of dirty rooms.
	FlushInterval time.Duration
	// AwarenessTTL expires presence entries that stop refreshing.
	AwarenessTTL time.Duration
	// SweepInterval drives the awareness expiry sweep.
	SweepInterval time.Duration
	// FlushConcurrency bounds parallel snapshot writes across rooms.
	FlushConcurrency int
}

func (o *Options) fill() {
	if o.GraceWindow <= 0 {
		o.GraceWindow = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 15 * time.Second
	}
	if o.AwarenessTTL <= 0 {
		o.AwarenessTTL = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.AwarenessTTL / 3
	}
	if o.FlushConcurrency <= 0 {
		o.FlushConcurrency = 4
	}
}

type roomEntry struct {
	room *Room
	// loading is closed once the cold-start snapshot load finished; other
	// attachers wait on it instead of racing a second load.
	loading chan struct{}
	refs    int
	drain   *time.Timer
}

// Registry is the process-wide room table, constructed at server start and
// injected into the transport layer. Its lock covers only the brief map
// mutations; snapshot I/O always runs outside it.
type Registry struct {
	loader   Loader
	flusher  Flusher
	events   *collab.KafkaDispatcher
	flushSem *collab.SemaphoreControl
	opts     Options

	mu    sync.Mutex
	rooms map[string]*roomEntry

	nextSite atomic.Uint64
	stop     chan struct{}
	done     chan struct{}
}

// NewRegistry starts the background flush and awareness sweep loops.
// events may be nil when Kafka is not configured.
func NewRegistry(loader Loader, flusher Flusher, events *collab.KafkaDispatcher, opts Options) *Registry {
	opts.fill()
	r := &Registry{
		loader:   loader,
		flusher:  flusher,
		events:   events,
		flushSem: collab.NewSemaphoreControl(opts.FlushConcurrency),
		opts:     opts,
		rooms:    make(map[string]*roomEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Attach looks the room up, creating and seeding it from the loader on a
// cold miss, registers the session and cancels any pending teardown.
func (r *Registry) Attach(ctx context.Context, roomID string, s Session) (*Room, error) {
	for {
		r.mu.Lock()
		e := r.rooms[roomID]
		if e == nil {
			e = &roomEntry{
				room:    newRoom(roomID, r.nextSite.Add(1), r.opts.AwarenessTTL),
				loading: make(chan struct{}),
			}
			r.rooms[roomID] = e
			r.mu.Unlock()
			r.seedRoom(ctx, e.room)
			close(e.loading)
		} else {
			r.mu.Unlock()
			select {
			case <-e.loading:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		r.mu.Lock()
		if r.rooms[roomID] != e {
			// torn down while we waited; start over
			r.mu.Unlock()
			continue
		}
		if e.drain != nil {
			e.drain.Stop()
			e.drain = nil
		}
		e.refs++
		r.mu.Unlock()
		e.room.attach(s)
		return e.room, nil
	}
}

// Detach removes the session. The last detach arms the grace timer instead
// of tearing the room down synchronously, so a quick reconnect re-attaches
// to the in-memory room without a reload.
func (r *Registry) Detach(roomID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.rooms[roomID]
	if e == nil {
		return
	}
	e.room.detach(s.SessionID())
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 && e.drain == nil {
		e.drain = time.AfterFunc(r.opts.GraceWindow, func() { r.teardown(roomID, e) })
	}
}

func (r *Registry) seedRoom(ctx context.Context, rm *Room) {
	snap, ok, err := r.loader.Load(ctx, rm.ID())
	if err != nil {
		log.Printf("room %s: snapshot load failed, starting empty: %v", rm.ID(), err)
		return
	}
	if !ok {
		return
	}
	if err := rm.seed(snap); err != nil {
		log.Printf("room %s: snapshot rejected, starting empty: %v", rm.ID(), err)
	}
}

func (r *Registry) teardown(roomID string, e *roomEntry) {
	r.mu.Lock()
	if r.rooms[roomID] != e || e.refs > 0 {
		// a reconnect beat the timer
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	r.flushRoom(context.Background(), e.room, true)
	r.events.Emit(collab.RoomEvent{EventType: collab.EventRoomClosed, RoomID: roomID, At: time.Now()})
}

func (r *Registry) flushRoom(ctx context.Context, rm *Room, force bool) {
	snap, ok := rm.snapshotIfDirty(force)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.flushSem.Acquire(ctx); err != nil {
		rm.markDirty()
		return
	}
	err := r.flusher.Flush(ctx, rm.ID(), snap)
	_ = r.flushSem.Release()
	if err != nil {
		// retried on the next tick; editors never see this
		log.Printf("room %s: snapshot flush failed: %v", rm.ID(), err)
		rm.markDirty()
		return
	}
	r.events.Emit(collab.RoomEvent{EventType: collab.EventSnapshotFlushed, RoomID: rm.ID(), Bytes: len(snap), At: time.Now()})
}

func (r *Registry) snapshotRooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, e := range r.rooms {
		out = append(out, e.room)
	}
	return out
}

func (r *Registry) run() {
	defer close(r.done)
	flush := time.NewTicker(r.opts.FlushInterval)
	sweep := time.NewTicker(r.opts.SweepInterval)
	defer flush.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-flush.C:
			for _, rm := range r.snapshotRooms() {
				r.flushRoom(context.Background(), rm, false)
			}
		case <-sweep.C:
			now := time.Now()
			for _, rm := range r.snapshotRooms() {
				if removed := rm.SweepAwareness(now); len(removed) > 0 {
					frame := protocol.Encode(protocol.Message{Type: protocol.MsgAwareness, Awareness: removed})
					rm.Broadcast(frame, "")
				}
			}
		}
	}
}

// Close stops the background loops and flushes every dirty room. Called
// once at server shutdown.
func (r *Registry) Close(ctx context.Context) {
	close(r.stop)
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for id, e := range r.rooms {
		if e.drain != nil {
			e.drain.Stop()
		}
		rooms = append(rooms, e.room)
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	for _, rm := range rooms {
		r.flushRoom(ctx, rm, false)
	}
}
