package relay

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/logging"
)

const (
	// ProtocolVersion is the CDP protocol version the relay reports.
	ProtocolVersion = "1.3"

	// AuthHeader carries the auth token on HTTP requests and upgrades.
	AuthHeader = "x-tabrelay-token"
)

// PageInfo is one entry of the extension status snapshot.
type PageInfo struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// ExtensionStatus is the /extension-status snapshot: connected iff exactly
// one extension socket is open, pages projecting the target set.
type ExtensionStatus struct {
	Connected bool       `json:"connected"`
	PageCount int        `json:"pageCount"`
	Pages     []PageInfo `json:"pages"`
}

// Relay bridges CDP clients to the browser extension: one extension link,
// many client links, a target registry, and the command router between them.
type Relay struct {
	cfg     *config.Config
	version string
	log     *logrus.Entry

	reg    *Registry
	router *Router

	mu      sync.Mutex
	ext     *ExtLink
	clients map[string]*Client
	stopped bool

	nextID atomic.Int64

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a relay for the given configuration. Nothing listens until
// Start.
func New(cfg *config.Config, version string) *Relay {
	r := &Relay{
		cfg:        cfg,
		version:    version,
		log:        logging.Component("relay"),
		clients:    make(map[string]*Client),
		shutdownCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(req *http.Request) bool {
				origin := req.Header.Get("Origin")
				if origin == "" || strings.HasPrefix(origin, "chrome-extension://") {
					return true
				}
				return strings.Contains(origin, "127.0.0.1") || strings.Contains(origin, "localhost")
			},
		},
	}
	r.reg = NewRegistry(r, logging.Component("registry"))
	r.router = newRouter(r, r.reg, logging.Component("router"))
	return r
}

// Version returns the relay's own version string.
func (r *Relay) Version() string { return r.version }

// allocID hands out relay-global monotonic ids for the extension link.
func (r *Relay) allocID() int64 { return r.nextID.Add(1) }

// DeliverEvent implements EventSink: registry-synthesized events go straight
// to the client's mailbox.
func (r *Relay) DeliverEvent(clientID string, f *Frame) {
	r.deliver(clientID, f)
}

func (r *Relay) deliver(clientID string, f *Frame) {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	r.mu.Unlock()
	if ok {
		c.send(f)
	}
}

func (r *Relay) broadcast(f *Frame) {
	r.eachClient(func(c *Client) { c.send(f) })
}

func (r *Relay) eachClient(fn func(c *Client)) {
	r.mu.Lock()
	clients := lo.Values(r.clients)
	r.mu.Unlock()
	for _, c := range clients {
		fn(c)
	}
}

func (r *Relay) extLink() *ExtLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ext
}

// Status derives the extension status snapshot.
func (r *Relay) Status() *ExtensionStatus {
	targets := r.reg.ListTargets()
	status := &ExtensionStatus{
		Connected: r.extLink() != nil,
		PageCount: len(targets),
		Pages:     make([]PageInfo, 0, len(targets)),
	}
	for _, info := range targets {
		status.Pages = append(status.Pages, PageInfo{
			TargetID: string(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
		})
	}
	return status
}

// Start binds the port before doing any other work; a bind failure is the
// caller's signal that another instance owns the port.
func (r *Relay) Start() error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	r.listener = listener
	r.httpServer = &http.Server{Handler: r.Handler()}

	go func() {
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.log.WithError(err).Error("http server stopped")
		}
	}()
	r.log.WithField("addr", addr).Info("relay listening")
	return nil
}

// Stop closes every link and shuts the HTTP server down.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	ext := r.ext
	r.ext = nil
	clients := lo.Values(r.clients)
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	if ext != nil {
		ext.Close(websocket.CloseGoingAway, "relay stopping")
	}
	r.reg.Clear()
	for _, c := range clients {
		c.close(websocket.CloseNormalClosure, "relay stopping")
	}
	if r.httpServer != nil {
		return r.httpServer.Shutdown(ctx)
	}
	return nil
}

// ShutdownRequested fires when POST /shutdown was accepted, so the serve
// loop can exit cleanly.
func (r *Relay) ShutdownRequested() <-chan struct{} {
	return r.shutdownCh
}

// Handler returns the HTTP surface: discovery endpoints plus the two
// WebSocket upgrade paths.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/", r.handleRoot)
	router.Head("/", r.handleRoot)
	router.Get("/version", r.handleVersion)
	router.Get("/json/version", r.handleJSONVersion)
	router.Get("/json", r.handleJSONList)
	router.Get("/json/list", r.handleJSONList)
	router.Get("/json/activate/{targetId}", r.handleJSONActivate)
	router.Get("/json/close/{targetId}", r.handleJSONClose)
	router.Get("/extension-status", r.handleExtensionStatus)
	router.Post("/shutdown", r.handleShutdown)
	router.HandleFunc("/extension", r.handleExtensionWS)
	router.HandleFunc("/cdp", r.handleClientWS)
	router.HandleFunc("/cdp/{clientId}", r.handleClientWS)
	return router
}

func (r *Relay) handleRoot(w http.ResponseWriter, req *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func (r *Relay) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.OkJSON(w, map[string]string{"version": r.version})
}

func (r *Relay) webSocketURL() string {
	host := r.cfg.Host
	if host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d/cdp", host, r.cfg.Port)
}

func (r *Relay) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	if !r.checkAuth(w, req) {
		return
	}
	httputil.OkJSON(w, map[string]string{
		"Browser":              "TabRelay/" + r.version,
		"Protocol-Version":     ProtocolVersion,
		"webSocketDebuggerUrl": r.webSocketURL(),
	})
}

func (r *Relay) handleJSONList(w http.ResponseWriter, req *http.Request) {
	if !r.checkAuth(w, req) {
		return
	}
	targets := r.reg.ListTargets()
	list := make([]map[string]string, 0, len(targets))
	for _, info := range targets {
		list = append(list, map[string]string{
			"id":                   string(info.TargetID),
			"type":                 info.Type,
			"title":                info.Title,
			"url":                  info.URL,
			"webSocketDebuggerUrl": r.webSocketURL(),
		})
	}
	httputil.OkJSON(w, list)
}

func (r *Relay) handleExtensionStatus(w http.ResponseWriter, req *http.Request) {
	httputil.OkJSON(w, r.Status())
}

func (r *Relay) handleJSONActivate(w http.ResponseWriter, req *http.Request) {
	r.forwardTargetOp(w, req, "activateTarget")
}

func (r *Relay) handleJSONClose(w http.ResponseWriter, req *http.Request) {
	r.forwardTargetOp(w, req, "closeTarget")
}

func (r *Relay) forwardTargetOp(w http.ResponseWriter, req *http.Request, method string) {
	if !r.checkAuth(w, req) {
		return
	}
	targetID := chi.URLParam(req, "targetId")
	if targetID == "" {
		http.Error(w, "targetId required", http.StatusBadRequest)
		return
	}
	ext := r.extLink()
	if ext == nil {
		http.Error(w, "extension not connected", http.StatusServiceUnavailable)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := ext.Request(ctx, method, map[string]string{"targetId": targetID}); err != nil {
			r.log.WithError(err).WithField("targetId", targetID).Warnf("%s failed", method)
		}
	}()
	_, _ = w.Write([]byte("OK"))
}

func (r *Relay) handleShutdown(w http.ResponseWriter, req *http.Request) {
	if !isLoopbackAddr(req.RemoteAddr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	httputil.OkJSON(w, map[string]bool{"ok": true})
	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
}

// checkAuth gates HTTP and upgrade requests. Loopback peers pass with no
// token or the right one; everything else needs the configured token,
// compared in constant time.
func (r *Relay) checkAuth(w http.ResponseWriter, req *http.Request) bool {
	token := req.Header.Get(AuthHeader)
	if token == "" {
		token = httputil.QueryString(req, "token", "")
	}

	if isLoopbackAddr(req.RemoteAddr) {
		if token == "" || r.tokenMatches(token) {
			return true
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	if r.cfg.AuthToken == "" || !r.tokenMatches(token) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (r *Relay) tokenMatches(token string) bool {
	if r.cfg.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.cfg.AuthToken)) == 1
}

// handleExtensionWS accepts the single extension socket. A second extension
// displaces the first: the old link closes with a policy code, its targets
// detach, and the new extension re-reports.
func (r *Relay) handleExtensionWS(w http.ResponseWriter, req *http.Request) {
	if !r.checkAuth(w, req) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Debug("extension upgrade failed")
		return
	}

	link := newExtLink(conn, r.allocID, logging.Component("extension"))

	r.mu.Lock()
	old := r.ext
	r.ext = link
	r.mu.Unlock()

	if old != nil {
		r.log.Info("extension replaced, closing previous link")
		old.Close(ClosePolicyViolation, "replaced by newer extension")
		r.reg.Clear()
	}
	r.log.WithField("remote", req.RemoteAddr).Info("extension connected")

	if r.cfg.SeparateWindow {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if _, err := link.Request(ctx, "setWindowMode", map[string]string{"mode": "separate"}); err != nil {
				r.log.WithError(err).Warn("setWindowMode not acknowledged")
			}
		}()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := parseEnvelope(raw)
		if err != nil {
			r.log.WithError(err).Warn("dropping extension message")
			continue
		}
		switch env.Type {
		case envelopeCDP:
			r.router.HandleExtensionCDP(link, env)
		case envelopeMeta:
			r.router.HandleExtensionMeta(link, env)
		}
	}

	// Only the link still registered clears the registry; a displaced link
	// must not drop its successor's targets.
	r.mu.Lock()
	owned := r.ext == link
	if owned {
		r.ext = nil
	}
	r.mu.Unlock()

	link.Close(websocket.CloseNormalClosure, "extension gone")
	if owned {
		r.reg.Clear()
		r.log.Info("extension disconnected")
	}
}

// handleClientWS accepts a CDP consumer on /cdp/{clientId}. A duplicate
// clientId displaces the older connection (last writer wins).
func (r *Relay) handleClientWS(w http.ResponseWriter, req *http.Request) {
	if !r.checkAuth(w, req) {
		return
	}
	clientID := chi.URLParam(req, "clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if !validClientID(clientID) {
		http.Error(w, "invalid clientId", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := newClient(clientID, conn, r.log)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		c.close(websocket.CloseGoingAway, "relay stopping")
		return
	}
	displaced := r.clients[clientID]
	r.clients[clientID] = c
	r.mu.Unlock()

	if displaced != nil {
		displaced.close(ClosePolicyViolation, "clientId reclaimed")
	}
	c.log.Info("client connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		r.router.HandleClientFrame(c, raw)
	}

	c.close(websocket.CloseNormalClosure, "client gone")
	r.reapClient(c)
}

// reapClient cancels the client's pending forwards and, if it still owns its
// id slot, drops its registrations. A displaced client must not unhook its
// replacement's subscriptions.
func (r *Relay) reapClient(c *Client) {
	if ext := r.extLink(); ext != nil {
		for _, extID := range c.pendingForwards() {
			ext.cancel(extID)
		}
	}

	r.mu.Lock()
	owned := r.clients[c.ID] == c
	if owned {
		delete(r.clients, c.ID)
	}
	r.mu.Unlock()

	if owned {
		r.reg.DropClient(c.ID)
		c.log.Info("client disconnected")
	}
}

func isLoopbackAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

// WaitListening is a test helper: it blocks until the bound listener accepts
// connections or the timeout elapses.
func (r *Relay) WaitListening(timeout time.Duration) error {
	if r.listener == nil {
		return ErrRelayStopped
	}
	deadline := time.Now().Add(timeout)
	addr := r.listener.Addr().String()
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("relay not listening on %s", addr)
}

// Addr returns the bound address after Start.
func (r *Relay) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}
