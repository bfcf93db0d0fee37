package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/cache"
)

// chatConn is one connection on the presence/chat side channel. Identity
// arrives with the init message, not the transport.
type chatConn struct {
	conn     *Conn
	out      chan any
	roomID   string
	userID   string
	userName string
	inited   bool
}

func (cc *chatConn) enqueue(msg OutboundMessage) {
	select {
	case cc.out <- msg:
	case <-cc.conn.done:
	default:
		// 队列满了，则丢弃消息（聊天通道允许丢）
	}
}

// ChatHub multiplexes the JSON side channel per room: presence
// joined/left, the active-user list, chat lines and typing indicators.
// Membership is mirrored into the redis presence cache with a logical TTL
// so the list stays correct across instances; chat itself is never stored.
type ChatHub struct {
	presence cache.PresenceCache
	ttl      time.Duration

	mu    sync.RWMutex
	rooms map[string]map[*chatConn]struct{}
}

func NewChatHub(presence cache.PresenceCache, ttl time.Duration) *ChatHub {
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &ChatHub{presence: presence, ttl: ttl, rooms: make(map[string]map[*chatConn]struct{})}
}

// Connect upgrades a side-channel connection and pumps it until it drops.
func (h *ChatHub) Connect(c *gin.Context) {
	roomID := c.Query("room")
	if roomID == "" {
		c.String(http.StatusBadRequest, "missing room")
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("chat upgrade error: %v", err)
		return
	}
	cc := &chatConn{conn: newConn(ws, 64), out: make(chan any, 64), roomID: roomID}
	go cc.conn.writeJSONLoop(cc.out)
	h.readLoop(cc)
}

func (h *ChatHub) readLoop(cc *chatConn) {
	defer h.leave(cc)
	for {
		var msg ChatInbound
		if err := cc.conn.ws.ReadJSON(&msg); err != nil {
			return
		}
		// 第一条消息必须是 init，其余的先忽略
		if !cc.inited && msg.Type != "init" {
			log.Printf("chat room %s: %q before init, ignored", cc.roomID, msg.Type)
			continue
		}
		switch msg.Type {
		case "init":
			if cc.inited {
				continue
			}
			if msg.UserID == "" {
				log.Printf("chat room %s: init without userId, ignored", cc.roomID)
				continue
			}
			cc.userID, cc.userName = msg.UserID, msg.UserName
			cc.inited = true
			h.join(cc)
		case "chat":
			h.refresh(cc)
			h.broadcast(cc.roomID, ChatMessage{
				Type:      "chat",
				UserID:    cc.userID,
				UserName:  cc.userName,
				Text:      msg.Text,
				Timestamp: time.Now().UnixMilli(),
			}, nil)
		case "typing":
			h.refresh(cc)
			h.broadcast(cc.roomID, TypingMessage{
				Type:     "typing",
				UserID:   cc.userID,
				UserName: cc.userName,
				IsTyping: msg.IsTyping,
			}, cc)
		default:
			log.Printf("chat room %s: unknown message type %q, ignored", cc.roomID, msg.Type)
		}
	}
}

func (h *ChatHub) join(cc *chatConn) {
	h.mu.Lock()
	if h.rooms[cc.roomID] == nil {
		h.rooms[cc.roomID] = make(map[*chatConn]struct{})
	}
	h.rooms[cc.roomID][cc] = struct{}{}
	h.mu.Unlock()

	h.refresh(cc)
	h.broadcast(cc.roomID, PresenceMessage{Type: "presence", UserID: cc.userID, UserName: cc.userName, Status: "joined"}, nil)
	h.broadcast(cc.roomID, ActiveUsersMessage{Type: "activeUsers", Users: h.activeUsers(cc.roomID)}, nil)
}

func (h *ChatHub) leave(cc *chatConn) {
	cc.conn.close()
	if !cc.inited {
		return
	}
	h.mu.Lock()
	conns := h.rooms[cc.roomID]
	delete(conns, cc)
	if len(conns) == 0 {
		delete(h.rooms, cc.roomID)
	}
	// 同一用户可能还有其他标签页在线
	lastOfUser := true
	for other := range conns {
		if other.userID == cc.userID {
			lastOfUser = false
			break
		}
	}
	h.mu.Unlock()
	if !lastOfUser {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.RemoveMember(ctx, cc.roomID, cc.userID); err != nil {
		log.Printf("chat room %s: remove member: %v", cc.roomID, err)
	}
	h.broadcast(cc.roomID, PresenceMessage{Type: "presence", UserID: cc.userID, UserName: cc.userName, Status: "left"}, nil)
	h.broadcast(cc.roomID, ActiveUsersMessage{Type: "activeUsers", Users: h.activeUsers(cc.roomID)}, nil)
}

// refresh bumps the member's logical TTL; any activity counts as liveness.
func (h *ChatHub) refresh(cc *chatConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.AddMember(ctx, cc.roomID, cc.userID, cc.userName, h.ttl); err != nil {
		log.Printf("chat room %s: add member: %v", cc.roomID, err)
	}
}

func (h *ChatHub) broadcast(roomID string, msg OutboundMessage, exclude *chatConn) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cc := range h.rooms[roomID] {
		if cc == exclude {
			continue
		}
		cc.enqueue(msg)
	}
}

// activeUsers reads the member list from the presence cache, falling back
// to this instance's local view when redis is unreachable.
func (h *ChatHub) activeUsers(roomID string) []ActiveUser {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	members, err := h.presence.AliveMembers(ctx, roomID)
	if err == nil {
		users := make([]ActiveUser, 0, len(members))
		for _, m := range members {
			users = append(users, ActiveUser{UserID: m.UserID, UserName: m.UserName})
		}
		return users
	}
	log.Printf("chat room %s: alive members: %v, using local view", roomID, err)
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var users []ActiveUser
	for cc := range h.rooms[roomID] {
		if _, ok := seen[cc.userID]; ok {
			continue
		}
		seen[cc.userID] = struct{}{}
		users = append(users, ActiveUser{UserID: cc.userID, UserName: cc.userName})
	}
	return users
}
