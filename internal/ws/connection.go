package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/flavourstalk/chat-core/internal/metrics"
)

// outboxSize bounds the per-connection outbound queue. A slow reader fills
// its own queue and starts losing its oldest frames; it never slows down the
// goroutine that produced the message.
const outboxSize = 64

// Connection represents a single WebSocket client connection. Outbound
// frames go through a bounded outbox drained by a dedicated write pump;
// inbound reads are driven by the epoll event loop.
type Connection struct {
	ID        string    // connection id (UUID)
	UserID    string    // authenticated owner of the connection
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	writeMu    sync.Mutex // serializes raw frame writes
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	outbox chan []byte
	done   chan struct{}
	closed int32
}

func newConnection(id, userID string, conn net.Conn, fd int) *Connection {
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
		outbox:    make(chan []byte, outboxSize),
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Enqueue queues a frame for delivery. When the outbox is full the oldest
// queued frame is dropped to make room, so enqueueing never blocks.
func (c *Connection) Enqueue(data []byte) {
	for {
		select {
		case c.outbox <- data:
			return
		default:
		}
		select {
		case <-c.outbox:
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		default:
		}
	}
}

// writePump drains the outbox onto the wire until the connection closes.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			if err := c.writeFrame(data); err != nil {
				// The epoll read path or heartbeat will notice and evict.
				return
			}
		}
	}
}

// writeFrame sends a WebSocket text frame. The write mutex keeps pump writes
// and heartbeat pings from interleaving frame bytes.
func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the write pump and closes the underlying network connection.
// Safe to call more than once.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry mapping connection ids, file
// descriptors, and user ids to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]*Connection // one live connection per user; newest wins
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]*Connection),
	}
}

// Add registers a connection in all lookup maps. A previous connection held
// by the same user is closed and returned so the caller can log the takeover.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	prev := cm.byUser[conn.UserID]
	if prev != nil {
		delete(cm.byID, prev.ID)
		delete(cm.byFd, prev.Fd)
	}
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.byUser[conn.UserID] = conn
	cm.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return prev
}

// Remove removes a connection by id and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if cm.byUser[conn.UserID] == conn {
			delete(cm.byUser, conn.UserID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByUser returns the user's live connection, or nil if they are offline.
func (cm *ConnectionManager) GetByUser(userID string) *Connection {
	cm.mu.RLock()
	conn := cm.byUser[userID]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Online reports whether the user currently holds a live connection.
func (cm *ConnectionManager) Online(userID string) bool {
	return cm.GetByUser(userID) != nil
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
