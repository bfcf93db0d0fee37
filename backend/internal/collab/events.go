package collab

import "time"

// Room lifecycle events published to Kafka for downstream consumers
// (activity feeds, analytics). Best effort only: the editing path never
// waits on delivery.
const (
	EventUpdateApplied   = "UPDATE_APPLIED"
	EventSnapshotFlushed = "SNAPSHOT_FLUSHED"
	EventRoomClosed      = "ROOM_CLOSED"
)

type RoomEvent struct {
	EventType string    `json:"eventType"`
	RoomID    string    `json:"roomId"`
	SessionID string    `json:"sessionId,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	UserID    uint64    `json:"userId,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	At        time.Time `json:"at"`
}
