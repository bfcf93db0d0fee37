package ws

// JSON message shapes for the presence/chat side channel. This channel
// reuses the room concept but is deliberately lighter weight than the
// binary document protocol: plain JSON, no handshake, nothing persisted.

// ChatInbound is every client→server message; Type selects which fields
// matter. The first message on a connection must be "init".
type ChatInbound struct {
	Type     string `json:"type"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Text     string `json:"text,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// PresenceMessage announces a user joining or leaving the room.
type PresenceMessage struct {
	Type     string `json:"type"` // 固定 "presence"
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Status   string `json:"status"` // "joined" | "left"
}

// ActiveUsersMessage carries the full current member list.
type ActiveUsersMessage struct {
	Type  string       `json:"type"` // 固定 "activeUsers"
	Users []ActiveUser `json:"users"`
}

type ActiveUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ChatMessage relays one chat line to everyone in the room.
type ChatMessage struct {
	Type      string `json:"type"` // 固定 "chat"
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis, server clock
}

// TypingMessage relays a typing indicator to everyone but the typer.
type TypingMessage struct {
	Type     string `json:"type"` // 固定 "typing"
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

func (m PresenceMessage) MessageType() string    { return m.Type }
func (m ActiveUsersMessage) MessageType() string { return m.Type }
func (m ChatMessage) MessageType() string        { return m.Type }
func (m TypingMessage) MessageType() string      { return m.Type }
