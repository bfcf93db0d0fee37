package protocol

import (
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/awareness"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/crdt"
)

// MessageType is the leading tag byte of every frame. New kinds may be
// added; peers drop tags they do not know instead of failing.
type MessageType byte

const (
	// MsgSyncStep1 carries the sender's state vector and asks for what it
	// is missing.
	MsgSyncStep1 MessageType = 0x00
	// MsgSyncStep2 answers step 1 with the computed diff.
	MsgSyncStep2 MessageType = 0x01
	// MsgUpdate carries an incremental diff in steady state.
	MsgUpdate MessageType = 0x02
	// MsgAwareness carries presence entries on the ephemeral side channel.
	MsgAwareness MessageType = 0x03
)

func (t MessageType) String() string {
	switch t {
	case MsgSyncStep1:
		return "sync_step1"
	case MsgSyncStep2:
		return "sync_step2"
	case MsgUpdate:
		return "update"
	case MsgAwareness:
		return "awareness"
	}
	return "unknown"
}

// Message is the tagged union exchanged on a document connection. Exactly
// one payload field is meaningful for a given Type.
type Message struct {
	Type      MessageType
	Vector    crdt.StateVector   // MsgSyncStep1
	Diff      crdt.Diff          // MsgSyncStep2, MsgUpdate
	Awareness []awareness.Update // MsgAwareness
}
