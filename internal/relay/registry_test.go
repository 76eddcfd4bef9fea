package relay

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabrelay/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Discard()
	os.Exit(m.Run())
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	clientID string
	frame    *Frame
}

func (s *recordingSink) DeliverEvent(clientID string, f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{clientID, f})
}

func (s *recordingSink) all() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func pageInfo(targetID, url string) *target.Info {
	return &target.Info{
		TargetID: target.ID(targetID),
		Type:     "page",
		URL:      url,
		Title:    url,
		Attached: true,
	}
}

func newTestRegistry() (*Registry, *recordingSink) {
	sink := &recordingSink{}
	return NewRegistry(sink, logging.Component("registry-test")), sink
}

func TestAttachIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()

	sess, isNew := reg.Attach("s1", pageInfo("t1", "https://a.example"))
	require.True(t, isNew)
	assert.Equal(t, "s1", sess)

	// A second attach for a known targetId returns the existing session.
	sess, isNew = reg.Attach("s2", pageInfo("t1", "https://a.example"))
	assert.False(t, isNew)
	assert.Equal(t, "s1", sess)
	assert.Equal(t, 1, reg.Len())
}

func TestListTargetsOrder(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Attach("s2", pageInfo("t-b", "https://b.example"))
	reg.Attach("s1", pageInfo("t-a", "https://a.example"))
	reg.Attach("s3", pageInfo("t-c", "https://c.example"))

	infos := reg.ListTargets()
	require.Len(t, infos, 3)
	assert.Equal(t, target.ID("t-b"), infos[0].TargetID)
	assert.Equal(t, target.ID("t-a"), infos[1].TargetID)
	assert.Equal(t, target.ID("t-c"), infos[2].TargetID)
}

func TestDetachNotifiesSubscribersOnce(t *testing.T) {
	reg, sink := newTestRegistry()
	reg.Attach("s1", pageInfo("t1", "https://a.example"))
	require.True(t, reg.Subscribe("client-a", "s1"))
	require.True(t, reg.Subscribe("client-b", "s1"))

	sess, ok := reg.Detach("t1")
	require.True(t, ok)
	assert.Equal(t, "s1", sess)

	events := sink.all()
	require.Len(t, events, 2)
	seen := map[string]int{}
	for _, e := range events {
		seen[e.clientID]++
		assert.Equal(t, "Target.detachedFromTarget", e.frame.Method)
		assert.Contains(t, string(e.frame.Params), `"sessionId":"s1"`)
	}
	assert.Equal(t, map[string]int{"client-a": 1, "client-b": 1}, seen)

	// Detach of an unknown target is a no-op.
	_, ok = reg.Detach("t1")
	assert.False(t, ok)
	assert.Len(t, sink.all(), 2)
}

func TestClearEmitsInAttachOrder(t *testing.T) {
	reg, sink := newTestRegistry()
	reg.Attach("s1", pageInfo("t1", "https://a.example"))
	reg.Attach("s2", pageInfo("t2", "https://b.example"))
	require.True(t, reg.Subscribe("c", "s1"))
	require.True(t, reg.Subscribe("c", "s2"))

	reg.Clear()
	events := sink.all()
	require.Len(t, events, 2)
	assert.Contains(t, string(events[0].frame.Params), `"sessionId":"s1"`)
	assert.Contains(t, string(events[1].frame.Params), `"sessionId":"s2"`)
	assert.Equal(t, 0, reg.Len())
}

func TestSubscribeUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry()
	assert.False(t, reg.Subscribe("c", "nope"))
}

func TestDropClient(t *testing.T) {
	reg, sink := newTestRegistry()
	reg.Attach("s1", pageInfo("t1", "https://a.example"))
	require.True(t, reg.Subscribe("c", "s1"))

	reg.DropClient("c")
	reg.Detach("t1")
	assert.Empty(t, sink.all())
}

func TestEarliestSession(t *testing.T) {
	reg, _ := newTestRegistry()
	_, ok := reg.EarliestSession()
	assert.False(t, ok)

	reg.Attach("s5", pageInfo("t5", "https://five.example"))
	reg.Attach("s6", pageInfo("t6", "https://six.example"))
	sess, ok := reg.EarliestSession()
	require.True(t, ok)
	assert.Equal(t, "s5", sess)

	// Detaching the earliest moves the choice to the next oldest.
	reg.Detach("t5")
	sess, ok = reg.EarliestSession()
	require.True(t, ok)
	assert.Equal(t, "s6", sess)
}

func TestUpdateInfo(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Attach("s1", pageInfo("t1", "https://a.example"))

	updated := pageInfo("t1", "https://a.example/after-nav")
	assert.True(t, reg.UpdateInfo(updated))
	info, ok := reg.BySession("s1")
	require.True(t, ok)
	assert.Equal(t, "https://a.example/after-nav", info.URL)

	assert.False(t, reg.UpdateInfo(pageInfo("t9", "https://x.example")))
}

func TestEventSeqPerSession(t *testing.T) {
	reg, _ := newTestRegistry()
	reg.Attach("s1", pageInfo("t1", "https://a.example"))
	reg.Attach("s2", pageInfo("t2", "https://b.example"))

	for i := 1; i <= 3; i++ {
		assert.Equal(t, uint64(i), reg.NextEventSeq("s1"), fmt.Sprintf("seq %d", i))
	}
	assert.Equal(t, uint64(1), reg.NextEventSeq("s2"))
	assert.Equal(t, uint64(0), reg.NextEventSeq("missing"))
}
