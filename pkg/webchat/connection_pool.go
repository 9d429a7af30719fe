package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *poolClient) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans frames out to websocket clients. Each client has its own
// buffered writer; a client whose buffer is full or whose write fails is
// dropped so one slow reader cannot stall the store.
type ConnectionPool struct {
	mu           sync.Mutex
	clients      map[wsConn]*poolClient
	sendBuffer   int
	writeTimeout time.Duration
	onCount      func(int)
}

// NewConnectionPool returns an empty pool. onCount, if set, is called with the
// client count after every change.
func NewConnectionPool(onCount func(int)) *ConnectionPool {
	return &ConnectionPool{
		clients:      map[wsConn]*poolClient{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		onCount:      onCount,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := &poolClient{conn: conn, send: make(chan []byte, cp.sendBuffer), done: make(chan struct{})}
	cp.mu.Lock()
	if old, ok := cp.clients[conn]; ok {
		old.stop()
	}
	cp.clients[conn] = c
	n := len(cp.clients)
	cp.mu.Unlock()
	go cp.writeLoop(c)
	cp.notifyCount(n)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	if ok {
		delete(cp.clients, conn)
	}
	n := len(cp.clients)
	cp.mu.Unlock()
	if ok {
		c.stop()
		cp.notifyCount(n)
	}
}

// Broadcast queues data for every client.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var dropped []wsConn
	cp.mu.Lock()
	for conn, c := range cp.clients {
		select {
		case c.send <- data:
		default:
			dropped = append(dropped, conn)
		}
	}
	cp.mu.Unlock()
	for _, conn := range dropped {
		log.Warn().Str("component", "webchat").Msg("ws send buffer full, dropping connection")
		cp.Remove(conn)
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	full := false
	if ok {
		select {
		case c.send <- data:
		default:
			full = true
		}
	}
	cp.mu.Unlock()
	if full {
		log.Warn().Str("component", "webchat").Msg("ws send buffer full, dropping connection")
		cp.Remove(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := cp.clients
	cp.clients = map[wsConn]*poolClient{}
	cp.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
	cp.notifyCount(0)
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "webchat").Msg("ws write failed, dropping connection")
				cp.removeClient(c)
				return
			}
		}
	}
}

func (cp *ConnectionPool) removeClient(c *poolClient) {
	cp.mu.Lock()
	cur, ok := cp.clients[c.conn]
	if ok && cur == c {
		delete(cp.clients, c.conn)
	}
	n := len(cp.clients)
	cp.mu.Unlock()
	c.stop()
	if ok && cur == c {
		cp.notifyCount(n)
	}
}

func (cp *ConnectionPool) notifyCount(n int) {
	if cp.onCount != nil {
		cp.onCount(n)
	}
}
