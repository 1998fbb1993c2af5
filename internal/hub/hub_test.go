package hub_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/proto"
	"github.com/tideline-chat/core/internal/sequencer"
	t "github.com/tideline-chat/core/internal/store/types"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.messages = append(c.messages, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

type fakeAppender struct {
	mu      sync.Mutex
	batches int
}

func (f *fakeAppender) AppendUpdateLog(ctx context.Context, userID t.Uid, seq uint64, updates []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	return nil
}

func (f *fakeAppender) MaxSequenceAll(ctx context.Context) (map[t.Uid]uint64, error) {
	return nil, nil
}

type fakePersister struct {
	mu      sync.Mutex
	offline []t.Uid
}

func (p *fakePersister) SetPresence(ctx context.Context, id t.Uid, online bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !online {
		p.offline = append(p.offline, id)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSession(sid string) (*hub.Session, *fakeConn) {
	conn := &fakeConn{}
	return hub.NewSession(sid, conn, testLogger(), 0), conn
}

func TestEnqueueDedupsAndFlushesAsOneBatch(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	h := hub.New(seq, &fakePersister{}, testLogger(), 0, 0)

	sess, conn := newSession("s1")
	h.Register(sess)
	h.BindUser(sess, t.Uid(1))
	go sess.WriteLoop()

	ctx := context.Background()
	update := hub.Update{Kind: proto.UpdateStatus, Payload: hub.UserRef{UserID: 1}}

	h.Enqueue(ctx, sess, update)
	h.Enqueue(ctx, sess, update) // duplicate signature within the debounce window

	require.Eventually(t2, func() bool { return conn.count() == 1 }, time.Second, 5*time.Millisecond)

	var frame proto.Updates
	require.NoError(t2, json.Unmarshal(conn.last(), &frame))
	require.Equal(t2, "updates", frame.Type)
	require.Len(t2, frame.Updates, 1)
}

func TestBroadcastOnlyReachesAuthenticatedSessions(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	h := hub.New(seq, &fakePersister{}, testLogger(), 0, 0)

	authed, authedConn := newSession("authed")
	h.Register(authed)
	h.BindUser(authed, t.Uid(1))
	go authed.WriteLoop()

	anon, anonConn := newSession("anon")
	h.Register(anon)
	go anon.WriteLoop()

	ctx := context.Background()
	h.Broadcast(ctx, hub.Update{Kind: proto.UpdateStatus, Payload: hub.UserRef{UserID: 1}})

	require.Eventually(t2, func() bool { return authedConn.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t2, 0, anonConn.count())
}

func TestToUserTargetsOnlyThatUsersSessions(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	h := hub.New(seq, &fakePersister{}, testLogger(), 0, 0)

	a, aConn := newSession("a")
	h.Register(a)
	h.BindUser(a, t.Uid(1))
	go a.WriteLoop()

	b, bConn := newSession("b")
	h.Register(b)
	h.BindUser(b, t.Uid(2))
	go b.WriteLoop()

	ctx := context.Background()
	h.ToUser(ctx, t.Uid(1), hub.Update{Kind: proto.UpdateDMNew, Payload: hub.UserRef{UserID: 1}})

	require.Eventually(t2, func() bool { return aConn.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t2, 0, bConn.count())
}

func TestDisconnectMarksOfflineOnLastSession(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	persister := &fakePersister{}
	h := hub.New(seq, persister, testLogger(), 0, 0)

	observer, observerConn := newSession("observer")
	h.Register(observer)
	h.BindUser(observer, t.Uid(2))
	h.Subscribe(observer, t.Uid(1))
	go observer.WriteLoop()

	subject, _ := newSession("subject")
	h.Register(subject)
	h.BindUser(subject, t.Uid(1))
	go subject.WriteLoop()

	ctx := context.Background()
	h.Disconnect(ctx, subject)

	require.Eventually(t2, func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		return len(persister.offline) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t2, func() bool { return observerConn.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDirectSendBypassesBatching(t2 *testing.T) {
	sess, conn := newSession("direct")
	go sess.WriteLoop()

	ok := sess.DirectSend(proto.NewError("boom", 400, "test error"))
	require.True(t2, ok)
	require.Eventually(t2, func() bool { return conn.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNewHonorsConfiguredFlushDelay(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	h := hub.New(seq, &fakePersister{}, testLogger(), 10*time.Millisecond, 0)

	sess, conn := newSession("fast")
	h.Register(sess)
	h.BindUser(sess, t.Uid(1))
	go sess.WriteLoop()

	h.Enqueue(context.Background(), sess, hub.Update{Kind: proto.UpdateStatus, Payload: hub.UserRef{UserID: 1}})

	require.Eventually(t2, func() bool { return conn.count() == 1 }, 200*time.Millisecond, 2*time.Millisecond)
}

func TestNewHonorsConfiguredSigCacheSize(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	h := hub.New(seq, &fakePersister{}, testLogger(), 0, 500)
	require.Equal(t2, 500, h.SigCacheSize())
}

func TestNewEnforcesSigCacheFloor(t2 *testing.T) {
	seq := sequencer.New(&fakeAppender{})
	h := hub.New(seq, &fakePersister{}, testLogger(), 0, 10)
	require.GreaterOrEqual(t2, h.SigCacheSize(), 100)
}
