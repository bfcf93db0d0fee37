package ws

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/awareness"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/collab"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/crdt"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/protocol"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/room"
)

type syncState int

const (
	stateConnecting syncState = iota
	stateSyncing
	stateSynced
	stateClosed
)

// session drives the sync protocol for one document connection: handshake
// (exchange of state vectors, one-shot diff), then steady-state relay.
// An inbound update is applied once and broadcast to everyone but its
// sender; the receiver side never re-broadcasts, which is what keeps echo
// storms impossible.
type session struct {
	id       string
	clientID string
	userID   uint64
	username string
	roomID   string

	conn   *Conn
	room   *room.Room
	reg    *room.Registry
	events *collab.KafkaDispatcher
	state  syncState
}

// room.Session 实现：房间只看到这三个方法。
func (s *session) SessionID() string      { return s.id }
func (s *session) Send(frame []byte) bool { return s.conn.enqueue(frame) }
func (s *session) Close()                 { s.conn.close() }

func (s *session) sendMsg(m protocol.Message) {
	if !s.conn.enqueue(protocol.Encode(m)) {
		s.conn.close()
	}
}

// run owns the session from handshake to teardown. It returns when the
// transport drops.
func (s *session) run() {
	go s.conn.writeLoop()

	// entering Syncing: offer our state vector, and seed the newcomer with
	// the presence it missed
	s.state = stateSyncing
	s.sendMsg(protocol.Message{Type: protocol.MsgSyncStep1, Vector: s.room.StateVector()})
	if entries := s.room.AwarenessEntries(); len(entries) > 0 {
		s.sendMsg(protocol.Message{Type: protocol.MsgAwareness, Awareness: entries})
	}

	for {
		mt, frame, err := s.conn.ws.ReadMessage()
		if err != nil {
			// transport-level failure is the only thing that ends a session
			break
		}
		if mt != websocket.BinaryMessage {
			log.Printf("session %s: drop non-binary frame", s.id)
			continue
		}
		s.handleFrame(frame)
	}
	s.closeSession()
}

func (s *session) handleFrame(frame []byte) {
	m, err := protocol.Decode(frame)
	if err != nil {
		// malformed or future message kind: drop this frame only
		log.Printf("session %s room %s: drop frame: %v", s.id, s.roomID, err)
		return
	}
	switch m.Type {
	case protocol.MsgSyncStep1:
		s.sendMsg(protocol.Message{Type: protocol.MsgSyncStep2, Diff: s.room.DiffSince(m.Vector)})
	case protocol.MsgSyncStep2:
		s.applyDiff(m.Diff)
		if s.state == stateSyncing {
			s.state = stateSynced
		}
	case protocol.MsgUpdate:
		s.applyDiff(m.Diff)
	case protocol.MsgAwareness:
		accepted := s.room.ApplyAwareness(m.Awareness, time.Now())
		if len(accepted) > 0 {
			s.room.Broadcast(protocol.Encode(protocol.Message{Type: protocol.MsgAwareness, Awareness: accepted}), s.id)
		}
	}
}

func (s *session) applyDiff(diff crdt.Diff) {
	if err := s.room.ApplyUpdate(diff); err != nil {
		// structurally invalid: rejected whole, session lives on
		log.Printf("session %s room %s: reject diff: %v", s.id, s.roomID, err)
		return
	}
	if diff.Empty() {
		return
	}
	s.room.Broadcast(protocol.Encode(protocol.Message{Type: protocol.MsgUpdate, Diff: diff}), s.id)
	s.events.Emit(collab.RoomEvent{
		EventType: collab.EventUpdateApplied,
		RoomID:    s.roomID,
		SessionID: s.id,
		ClientID:  s.clientID,
		UserID:    s.userID,
		Bytes:     len(diff.Items) + len(diff.Deletes),
		At:        time.Now(),
	})
}

func (s *session) closeSession() {
	s.state = stateClosed
	s.conn.close()
	if u, ok := s.room.RemoveAwareness(s.clientID); ok {
		s.room.Broadcast(protocol.Encode(protocol.Message{Type: protocol.MsgAwareness, Awareness: []awareness.Update{u}}), s.id)
	}
	s.reg.Detach(s.roomID, s)
}
