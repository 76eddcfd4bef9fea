package relay

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"
)

// handlerFunc handles one intercepted browser-scope command.
type handlerFunc func(rt *Router, c *Client, f *Frame)

// Router decides, for each inbound client command, whether to synthesize a
// reply, rewrite it into page-scope equivalents, forward it to the extension,
// or reject it. It also fans extension events out to subscribed clients.
type Router struct {
	relay    *Relay
	reg      *Registry
	log      *logrus.Entry
	handlers map[string]handlerFunc
}

func newRouter(relay *Relay, reg *Registry, log *logrus.Entry) *Router {
	rt := &Router{relay: relay, reg: reg, log: log}
	rt.handlers = map[string]handlerFunc{
		"Browser.getVersion":          (*Router).synthGetVersion,
		"Browser.setDownloadBehavior": (*Router).synthEmpty,
		"Target.getTargets":           (*Router).synthGetTargets,
		"Target.getTargetInfo":        (*Router).synthGetTargetInfo,
		"Target.setDiscoverTargets":   (*Router).synthSetDiscoverTargets,
		"Target.setAutoAttach":        (*Router).synthSetAutoAttach,
		"Target.attachToTarget":       (*Router).synthAttachToTarget,
		"Target.createTarget":         (*Router).synthCreateTarget,
		"Storage.getCookies":          (*Router).rewriteGetCookies,
		"Storage.setCookies":          (*Router).rewriteSetCookies,
		"Storage.clearCookies":        (*Router).rewriteClearCookies,
	}
	return rt
}

// HandleClientFrame processes one raw message off a client socket. Malformed
// frames are answered with -32600 and the link stays open.
func (rt *Router) HandleClientFrame(c *Client, raw []byte) {
	f, cdpErr := ParseFrame(raw)
	if cdpErr != nil {
		c.send(NewErrorFrame(0, "", cdpErr))
		return
	}
	if cdpErr := f.ValidateCommand(); cdpErr != nil {
		c.send(NewErrorFrame(f.ID, f.SessionID, cdpErr))
		return
	}
	if !c.beginCommand(f.ID) {
		c.send(NewErrorFrame(f.ID, f.SessionID,
			NewCDPError(CodeInvalidRequest, "command id %d already in flight", f.ID)))
		return
	}

	// Session-scoped commands go to the extension verbatim; browser-scope
	// commands hit the intercept table or are rejected.
	if f.SessionID != "" {
		rt.forward(c, f)
		return
	}
	if h, ok := rt.handlers[f.Method]; ok {
		h(rt, c, f)
		return
	}
	rt.respondError(c, f, NewCDPError(CodeMethodNotFound, "'%s' wasn't found", f.Method))
}

func (rt *Router) respond(c *Client, f *Frame, result any) {
	c.endCommand(f.ID)
	c.send(NewResult(f.ID, f.SessionID, result))
}

func (rt *Router) respondError(c *Client, f *Frame, cdpErr *CDPError) {
	c.endCommand(f.ID)
	c.send(NewErrorFrame(f.ID, f.SessionID, cdpErr))
}

// forward sends a session-scoped command to the extension under a
// relay-assigned id and rewrites the reply id back to the client's.
func (rt *Router) forward(c *Client, f *Frame) {
	if _, ok := rt.reg.BySession(f.SessionID); !ok {
		rt.respondError(c, f, NewCDPError(CodeServerError, "unknown sessionId %q", f.SessionID))
		return
	}
	ext := rt.relay.extLink()
	if ext == nil {
		rt.respondError(c, f, NewCDPError(CodeExtensionGone, "extension not connected"))
		return
	}

	clientID := f.ID
	sessionID := f.SessionID
	fwd := f.Clone()

	// fwd.ID is assigned inside SendCDP before the waiter can fire.
	extID := ext.SendCDP(fwd, func(resp *Frame, err error) {
		c.forgetForward(fwd.ID)
		c.endCommand(clientID)
		if err != nil {
			c.send(NewErrorFrame(clientID, sessionID,
				NewCDPError(CodeExtensionGone, "extension disconnected")))
			return
		}
		out := resp.Clone()
		out.ID = clientID
		out.SessionID = sessionID
		c.send(out)
	})
	c.trackForward(extID)
}

// Synthesized browser-scope commands.

func (rt *Router) synthGetVersion(c *Client, f *Frame) {
	rt.respond(c, f, map[string]string{
		"protocolVersion": ProtocolVersion,
		"product":         "TabRelay/" + rt.relay.version,
		"revision":        "0",
		"userAgent":       "TabRelay/" + rt.relay.version,
		"jsVersion":       "V8",
	})
}

func (rt *Router) synthEmpty(c *Client, f *Frame) {
	rt.respond(c, f, nil)
}

func (rt *Router) synthGetTargets(c *Client, f *Frame) {
	rt.respond(c, f, map[string]any{"targetInfos": rt.reg.ListTargets()})
}

func (rt *Router) synthGetTargetInfo(c *Client, f *Frame) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if f.Params != nil {
		_ = json.Unmarshal(f.Params, &params)
	}

	if params.TargetID != "" {
		if t, ok := rt.reg.ByTarget(params.TargetID); ok {
			rt.respond(c, f, map[string]any{"targetInfo": t.Info})
			return
		}
		rt.respondError(c, f, NewCDPError(CodeServerError, "no target with id %q", params.TargetID))
		return
	}

	// No target named: answer with the earliest attached one.
	for _, t := range rt.reg.Sessions() {
		rt.respond(c, f, map[string]any{"targetInfo": t.Info})
		return
	}
	rt.respondError(c, f, NewCDPError(CodeServerError, "no page targets attached"))
}

func (rt *Router) synthSetDiscoverTargets(c *Client, f *Frame) {
	var params struct {
		Discover bool `json:"discover"`
	}
	if f.Params != nil {
		_ = json.Unmarshal(f.Params, &params)
	}
	if params.Discover {
		c.setDiscover()
	}
	rt.respond(c, f, nil)
	if params.Discover {
		rt.replayTargets(c)
	}
}

func (rt *Router) synthSetAutoAttach(c *Client, f *Frame) {
	c.setAutoAttach()
	rt.respond(c, f, nil)
	rt.replayTargets(c)
}

// replayTargets announces every existing target to the client, once per
// session; repeated discovery calls extend the announced set, never repeat it.
func (rt *Router) replayTargets(c *Client) {
	for _, t := range rt.reg.Sessions() {
		rt.announce(c, t.SessionID, t.Info)
	}
}

// announce subscribes the client to a session and emits the attachment
// event, exactly once per (client, session).
func (rt *Router) announce(c *Client, sessionID string, info *target.Info) {
	if !c.markAnnounced(sessionID) {
		return
	}
	if !rt.reg.Subscribe(c.ID, sessionID) {
		c.forgetAnnounced(sessionID)
		return
	}
	c.send(NewEvent("Target.attachedToTarget", map[string]any{
		"sessionId":          sessionID,
		"targetInfo":         info,
		"waitingForDebugger": false,
	}, ""))
}

func (rt *Router) synthAttachToTarget(c *Client, f *Frame) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if f.Params != nil {
		_ = json.Unmarshal(f.Params, &params)
	}
	if params.TargetID == "" {
		rt.respondError(c, f, NewCDPError(CodeInvalidParams, "targetId required"))
		return
	}

	t, ok := rt.reg.ByTarget(params.TargetID)
	if !ok {
		rt.respondError(c, f, NewCDPError(CodeServerError, "no target with id %q", params.TargetID))
		return
	}
	rt.reg.Subscribe(c.ID, t.SessionID)
	rt.respond(c, f, map[string]string{"sessionId": t.SessionID})
	if c.markAnnounced(t.SessionID) {
		c.send(NewEvent("Target.attachedToTarget", map[string]any{
			"sessionId":          t.SessionID,
			"targetInfo":         t.Info,
			"waitingForDebugger": false,
		}, ""))
	}
}

// synthCreateTarget delegates target creation to the extension as an
// extension-level RPC; opening a tab is a browser operation the page
// debugger surface cannot express.
func (rt *Router) synthCreateTarget(c *Client, f *Frame) {
	ext := rt.relay.extLink()
	if ext == nil {
		rt.respondError(c, f, NewCDPError(CodeExtensionGone, "extension not connected"))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		result, err := ext.Request(ctx, "createTarget", f.Params)
		if err != nil {
			rt.respondError(c, f, rewriteError(err))
			return
		}
		rt.respond(c, f, result)
	}()
}

// Extension-side handling.

// HandleExtensionCDP processes a cdp envelope: responses complete pending
// waiters, events fan out to subscribers.
func (rt *Router) HandleExtensionCDP(link *ExtLink, env *envelope) {
	f, cdpErr := ParseFrame(env.Payload)
	if cdpErr != nil {
		rt.log.WithField("error", cdpErr.Message).Warn("dropping malformed extension frame")
		return
	}
	if f.SessionID == "" {
		f.SessionID = env.SessionID
	}

	if f.IsResponse() {
		if !link.resolve(f.ID, f) {
			rt.log.WithField("id", f.ID).Debug("reply for cancelled request dropped")
		}
		return
	}
	if f.IsEvent() {
		rt.HandleExtensionEvent(f)
	}
}

// HandleExtensionEvent dispatches one CDP event: session-scoped events go to
// that session's subscribers in receive order, browser-scope events to every
// client.
func (rt *Router) HandleExtensionEvent(f *Frame) {
	if f.SessionID == "" {
		rt.relay.broadcast(f)
		return
	}
	rt.reg.NextEventSeq(f.SessionID)
	for _, clientID := range rt.reg.Subscribers(f.SessionID) {
		rt.relay.deliver(clientID, f)
	}
}

// HandleExtensionMeta processes a meta envelope: RPC replies resolve waiters,
// lifecycle notifications mutate the registry.
func (rt *Router) HandleExtensionMeta(link *ExtLink, env *envelope) {
	var msg metaMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		rt.log.WithError(err).Warn("dropping malformed meta message")
		return
	}

	if msg.Method == "" && msg.ID != 0 {
		reply := &Frame{ID: msg.ID, Result: msg.Result}
		if msg.Error != "" {
			reply.Error = NewCDPError(CodeServerError, "%s", msg.Error)
		}
		link.resolve(msg.ID, reply)
		return
	}

	switch msg.Method {
	case "attached":
		rt.handleTargetAttached(msg.Params)
	case "detached":
		rt.handleTargetDetached(msg.Params)
	case "infoChanged":
		rt.handleTargetInfoChanged(msg.Params)
	case "pong":
	default:
		rt.log.WithField("method", msg.Method).Debug("ignoring unknown meta method")
	}
}

func (rt *Router) handleTargetAttached(raw json.RawMessage) {
	var params struct {
		SessionID  string       `json:"sessionId"`
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.SessionID == "" || params.TargetInfo == nil {
		rt.log.Warn("dropping attached notification without session or target info")
		return
	}
	info := params.TargetInfo
	if info.Type == "" {
		info.Type = "page"
	}
	if info.Type != "page" {
		return
	}
	info.Attached = true

	sessionID, isNew := rt.reg.Attach(params.SessionID, info)
	if !isNew {
		return
	}
	rt.relay.eachClient(func(c *Client) {
		if c.wantsTargets() {
			rt.announce(c, sessionID, info)
		}
	})
}

func (rt *Router) handleTargetDetached(raw json.RawMessage) {
	var params struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	targetID := params.TargetID
	if targetID == "" && params.SessionID != "" {
		if info, ok := rt.reg.BySession(params.SessionID); ok {
			targetID = string(info.TargetID)
		}
	}
	if targetID == "" {
		return
	}
	sessionID, ok := rt.reg.Detach(targetID)
	if !ok {
		return
	}
	rt.relay.eachClient(func(c *Client) { c.forgetAnnounced(sessionID) })
}

func (rt *Router) handleTargetInfoChanged(raw json.RawMessage) {
	var params struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.TargetInfo == nil {
		return
	}
	if !rt.reg.UpdateInfo(params.TargetInfo) {
		return
	}
	rt.relay.broadcast(NewEvent("Target.targetInfoChanged", map[string]any{
		"targetInfo": params.TargetInfo,
	}, ""))
}
