package relay

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Target is a page the extension holds a debugger attachment for, keyed by
// the browser-assigned session id.
type Target struct {
	SessionID string
	Info      *target.Info

	seq      int    // attach order
	eventSeq uint64 // outbound event sequence for this session
}

// EventSink receives synthetic events the registry emits while mutating.
// Delivery happens under the registry lock so observers see attach/detach
// order exactly as it happened.
type EventSink interface {
	DeliverEvent(clientID string, f *Frame)
}

// Registry owns the target table and the client↔session subscriptions.
type Registry struct {
	mu        sync.Mutex
	bySession map[string]*Target
	byTarget  map[string]*Target
	subs      map[string]map[string]struct{} // sessionId -> clientIds
	seq       int
	sink      EventSink
	log       *logrus.Entry
}

func NewRegistry(sink EventSink, log *logrus.Entry) *Registry {
	return &Registry{
		bySession: make(map[string]*Target),
		byTarget:  make(map[string]*Target),
		subs:      make(map[string]map[string]struct{}),
		sink:      sink,
		log:       log,
	}
}

// Attach records an extension-reported attachment. It is idempotent: a second
// attach for a known targetId returns the existing session id and false.
func (r *Registry) Attach(sessionID string, info *target.Info) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.byTarget[string(info.TargetID)]; ok {
		return t.SessionID, false
	}

	r.seq++
	t := &Target{SessionID: sessionID, Info: info, seq: r.seq}
	r.bySession[sessionID] = t
	r.byTarget[string(info.TargetID)] = t
	r.log.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"targetId":  info.TargetID,
		"url":       info.URL,
	}).Debug("target attached")
	return sessionID, true
}

// Detach removes the target and tells every subscribed client, with the prior
// session id, that it is gone. Returns the session id that was bound.
func (r *Registry) Detach(targetID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byTarget[targetID]
	if !ok {
		return "", false
	}
	r.dropLocked(t)
	return t.SessionID, true
}

// Clear removes every target in attach order, emitting a detach event per
// subscribed client. Used when the extension link closes or is replaced.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := lo.Values(r.bySession)
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	for _, t := range targets {
		r.dropLocked(t)
	}
}

// dropLocked removes one target and notifies its subscribers. Caller holds mu.
func (r *Registry) dropLocked(t *Target) {
	evt := NewEvent("Target.detachedFromTarget", map[string]any{
		"sessionId": t.SessionID,
		"targetId":  t.Info.TargetID,
	}, "")
	for clientID := range r.subs[t.SessionID] {
		r.sink.DeliverEvent(clientID, evt)
	}
	delete(r.subs, t.SessionID)
	delete(r.bySession, t.SessionID)
	delete(r.byTarget, string(t.Info.TargetID))
	r.log.WithField("sessionId", t.SessionID).Debug("target detached")
}

// Subscribe binds a client to a session's event stream. Returns false when
// the session does not exist; no client may reference a missing target.
func (r *Registry) Subscribe(clientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[sessionID]; !ok {
		return false
	}
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		r.subs[sessionID] = set
	}
	set[clientID] = struct{}{}
	return true
}

func (r *Registry) Unsubscribe(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[sessionID], clientID)
}

// DropClient removes a client from every subscription set.
func (r *Registry) DropClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.subs {
		delete(set, clientID)
	}
}

// Subscribers returns the clients bound to a session.
func (r *Registry) Subscribers(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.subs[sessionID])
}

// ListTargets returns target descriptors ordered by attachment time
// ascending, ties broken by targetId.
func (r *Registry) ListTargets() []*target.Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := lo.Values(r.bySession)
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].seq != targets[j].seq {
			return targets[i].seq < targets[j].seq
		}
		return targets[i].Info.TargetID < targets[j].Info.TargetID
	})
	return lo.Map(targets, func(t *Target, _ int) *target.Info { return t.Info })
}

// Sessions returns (sessionId, info) pairs in attach order, for replaying
// attachment events to a newly discovering client.
func (r *Registry) Sessions() []*Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := lo.Values(r.bySession)
	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	return targets
}

// BySession looks up the target bound to a session id.
func (r *Registry) BySession(sessionID string) (*target.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return t.Info, true
}

// ByTarget looks up the session currently bound to a target id.
func (r *Registry) ByTarget(targetID string) (*Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTarget[targetID]
	return t, ok
}

// EarliestSession picks the deterministic session for browser-scope rewrites:
// the earliest-attached target with an open session.
func (r *Registry) EarliestSession() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := ""
	bestSeq := 0
	for _, t := range r.bySession {
		if best == "" || t.seq < bestSeq {
			best, bestSeq = t.SessionID, t.seq
		}
	}
	return best, best != ""
}

// UpdateInfo replaces the stored descriptor for a target, keeping its
// attachment order.
func (r *Registry) UpdateInfo(info *target.Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTarget[string(info.TargetID)]
	if !ok {
		return false
	}
	t.Info = info
	return true
}

// NextEventSeq bumps and returns the per-session outbound event counter,
// used by ordering checks.
func (r *Registry) NextEventSeq(sessionID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySession[sessionID]
	if !ok {
		return 0
	}
	t.eventSeq++
	return t.eventSeq
}

// Len returns the number of attached targets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}
