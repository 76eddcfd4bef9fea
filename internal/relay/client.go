package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	clientMailboxSize = 256

	// ClosePolicyViolation is sent on backpressure overflow and when a
	// duplicate clientId displaces an older connection.
	ClosePolicyViolation = 1011
)

// Client is one attached CDP consumer: its WebSocket, an outbound mailbox
// drained by a single writer, and the id bookkeeping the router needs.
type Client struct {
	ID   string
	conn *websocket.Conn
	log  *logrus.Entry

	mailbox chan *Frame
	done    chan struct{}
	once    sync.Once

	mu         sync.Mutex
	discover   bool
	autoAttach bool
	announced  map[string]struct{} // sessions already sent Target.attachedToTarget
	inflight   map[int64]struct{}  // client ids awaiting a reply
	extIDs     map[int64]struct{}  // relay ids owned by this client's forwards
}

func newClient(id string, conn *websocket.Conn, log *logrus.Entry) *Client {
	c := &Client{
		ID:        id,
		conn:      conn,
		log:       log.WithField("clientId", id),
		mailbox:   make(chan *Frame, clientMailboxSize),
		done:      make(chan struct{}),
		announced: make(map[string]struct{}),
		inflight:  make(map[int64]struct{}),
		extIDs:    make(map[int64]struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.mailbox:
			if err := c.conn.WriteJSON(f); err != nil {
				c.log.WithError(err).Debug("client write failed")
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// send enqueues a frame for the client. A full mailbox means the client
// cannot keep up: the link closes with a policy code and false is returned.
func (c *Client) send(f *Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.mailbox <- f:
		return true
	default:
		c.log.Warn("client mailbox overflow, closing")
		c.close(ClosePolicyViolation, "message backlog overflow")
		return false
	}
}

// close shuts the connection down once; the read loop unblocks and runs the
// relay-side cleanup.
func (c *Client) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// beginCommand registers a client command id, enforcing per-sender
// uniqueness among in-flight commands.
func (c *Client) beginCommand(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.inflight[id]; dup {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Client) endCommand(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

func (c *Client) trackForward(extID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extIDs[extID] = struct{}{}
}

func (c *Client) forgetForward(extID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.extIDs, extID)
}

// pendingForwards returns the relay ids still awaiting extension replies,
// reaped when the client disconnects.
func (c *Client) pendingForwards() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.extIDs))
	for id := range c.extIDs {
		ids = append(ids, id)
	}
	return ids
}

// wantsTargets reports whether the client asked for target discovery or
// auto-attach and so receives future attachment events.
func (c *Client) wantsTargets() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discover || c.autoAttach
}

func (c *Client) setDiscover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discover = true
}

func (c *Client) setAutoAttach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAttach = true
}

// markAnnounced records that the client saw Target.attachedToTarget for a
// session. Returns false if it was already announced, keeping replays
// idempotent.
func (c *Client) markAnnounced(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.announced[sessionID]; ok {
		return false
	}
	c.announced[sessionID] = struct{}{}
	return true
}

func (c *Client) forgetAnnounced(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.announced, sessionID)
}
