package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/collab"
	"github.com/samiulislam07/MarkFlow-markdown-editor-sub000/backend/internal/room"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// Manager wires authenticated websocket upgrades to the room registry.
type Manager struct {
	reg       *room.Registry
	events    *collab.KafkaDispatcher
	queueSize int
}

func NewManager(reg *room.Registry, events *collab.KafkaDispatcher, queueSize int) *Manager {
	return &Manager{reg: reg, events: events, queueSize: queueSize}
}

// WebSocketConnect upgrades a document connection and runs its sync session
// until the transport drops. The auth middleware has already put
// userId/username on the context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := c.Query("room")
	if roomID == "" {
		c.String(http.StatusBadRequest, "missing room")
		return
	}
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	s := &session{
		id:       uuid.NewString(),
		clientID: clientID,
		userID:   c.GetUint64("userId"),
		username: c.GetString("username"),
		roomID:   roomID,
		conn:     newConn(ws, m.queueSize),
		reg:      m.reg,
		events:   m.events,
		state:    stateConnecting,
	}
	rm, err := m.reg.Attach(c.Request.Context(), roomID, s)
	if err != nil {
		log.Printf("session %s: attach room %s failed: %v", s.id, roomID, err)
		s.conn.close()
		return
	}
	s.room = rm
	log.Printf("session %s: user %d(%s) joined room %s as client %s", s.id, s.userID, s.username, roomID, clientID)
	s.run()
}
