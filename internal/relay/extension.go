package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// The extension speaks an envelope protocol: CDP frames scoped to a session,
// or meta messages for target lifecycle and extension-level RPCs.
const (
	envelopeCDP  = "cdp"
	envelopeMeta = "meta"
)

const (
	extOutboundQueue = 256
	extPingInterval  = 5 * time.Second
	requestTimeout   = 30 * time.Second
)

type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// metaMessage is the payload of a meta envelope in either direction:
// commands and events carry a method, RPC replies carry an id.
type metaMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// deliverFunc resolves a pending request: exactly one of frame or err is set.
type deliverFunc func(f *Frame, err error)

// ExtLink is the single WebSocket to the browser extension. Writes go through
// one writer goroutine; request/response correlation lives here, keyed by
// relay-assigned ids.
type ExtLink struct {
	conn   *websocket.Conn
	nextID func() int64
	log    *logrus.Entry

	mu      sync.Mutex
	waiters map[int64]deliverFunc
	closed  bool

	out  chan []byte
	done chan struct{}
}

func newExtLink(conn *websocket.Conn, nextID func() int64, log *logrus.Entry) *ExtLink {
	l := &ExtLink{
		conn:    conn,
		nextID:  nextID,
		log:     log,
		waiters: make(map[int64]deliverFunc),
		out:     make(chan []byte, extOutboundQueue),
		done:    make(chan struct{}),
	}
	go l.writeLoop()
	go l.pingLoop()
	return l
}

func (l *ExtLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case raw := <-l.out:
			if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				l.log.WithError(err).Debug("extension write failed")
				l.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (l *ExtLink) pingLoop() {
	ticker := time.NewTicker(extPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sendMeta(&metaMessage{Method: "ping"})
		}
	}
}

func (l *ExtLink) enqueue(raw []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrExtensionDisconnected
	}
	select {
	case l.out <- raw:
		return nil
	case <-l.done:
		return ErrExtensionDisconnected
	}
}

func (l *ExtLink) sendEnvelope(env *envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return l.enqueue(raw)
}

func (l *ExtLink) sendMeta(msg *metaMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return l.sendEnvelope(&envelope{Type: envelopeMeta, Payload: payload})
}

// SendCDP forwards a CDP command to the extension under a fresh relay id and
// registers deliver for the matching reply. Returns the relay-assigned id so
// the caller can cancel the pending entry if its holder goes away.
func (l *ExtLink) SendCDP(f *Frame, deliver deliverFunc) int64 {
	f.ID = l.nextID()

	if deliver != nil {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			deliver(nil, ErrExtensionDisconnected)
			return f.ID
		}
		l.waiters[f.ID] = deliver
		l.mu.Unlock()
	}

	sessionID := f.SessionID
	wire := f.Clone()
	wire.SessionID = ""
	payload, err := json.Marshal(wire)
	if err == nil {
		err = l.sendEnvelope(&envelope{Type: envelopeCDP, SessionID: sessionID, Payload: payload})
	}
	if err != nil && deliver != nil {
		if l.cancel(f.ID) {
			deliver(nil, ErrExtensionDisconnected)
		}
	}
	return f.ID
}

// RequestCDP sends a session-scoped CDP command and blocks for its reply.
// Used by the rewrite plans.
func (l *ExtLink) RequestCDP(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		rawParams = raw
	}

	ch := make(chan result, 1)
	f := &Frame{Method: method, Params: rawParams, SessionID: sessionID}
	id := l.SendCDP(f, func(resp *Frame, err error) {
		ch <- result{frame: resp, err: err}
	})
	return l.await(ctx, id, ch)
}

// Request performs an extension-level RPC over a meta envelope (target
// creation, window mode) and blocks for the reply.
func (l *ExtLink) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		rawParams = raw
	}

	id := l.nextID()
	ch := make(chan result, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrExtensionDisconnected
	}
	l.waiters[id] = func(resp *Frame, err error) {
		ch <- result{frame: resp, err: err}
	}
	l.mu.Unlock()

	if err := l.sendMeta(&metaMessage{ID: id, Method: method, Params: rawParams}); err != nil {
		l.cancel(id)
		return nil, err
	}
	return l.await(ctx, id, ch)
}

type result struct {
	frame *Frame
	err   error
}

func (l *ExtLink) await(ctx context.Context, id int64, ch chan result) (json.RawMessage, error) {
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != nil {
			return nil, res.frame.Error
		}
		return res.frame.Result, nil
	case <-ctx.Done():
		l.cancel(id)
		return nil, ctx.Err()
	}
}

// resolve completes the waiter registered under id. Returns false when no
// waiter holds the id (stale reply after cancellation).
func (l *ExtLink) resolve(id int64, f *Frame) bool {
	l.mu.Lock()
	deliver, ok := l.waiters[id]
	delete(l.waiters, id)
	l.mu.Unlock()
	if !ok {
		return false
	}
	deliver(f, nil)
	return true
}

// cancel silently drops the waiter for id; a late reply is discarded.
func (l *ExtLink) cancel(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.waiters[id]
	delete(l.waiters, id)
	return ok
}

// Close tears the link down and resolves every pending waiter with
// ErrExtensionDisconnected.
func (l *ExtLink) Close(code int, reason string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	waiters := l.waiters
	l.waiters = make(map[int64]deliverFunc)
	l.mu.Unlock()

	close(l.done)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = l.conn.Close()

	for _, deliver := range waiters {
		deliver(nil, ErrExtensionDisconnected)
	}
	l.log.WithField("reason", reason).Info("extension link closed")
}

// parseEnvelope decodes one raw message off the extension socket.
func parseEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	switch env.Type {
	case envelopeCDP, envelopeMeta:
		return &env, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}
