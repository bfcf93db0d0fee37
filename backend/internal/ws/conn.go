package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn wraps one websocket with a bounded outbound queue and a write
// goroutine, so broadcast fan-out never blocks on a slow peer. 发送方只入队，
// 不直接写 socket。
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Conn{
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame for delivery. false means the connection is gone
// or its queue is full; the caller decides whether that is fatal.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		// 队列满：交给调用方断开，而不是阻塞整个房间
		return false
	}
}

// writeLoop drains the queue onto the socket until close.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeJSONLoop is the side-channel variant: payloads are JSON documents
// rather than binary frames.
func (c *Conn) writeJSONLoop(out <-chan any) {
	for {
		select {
		case msg := <-out:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close shuts the socket and releases both loops. Safe to call from any
// goroutine, any number of times.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
