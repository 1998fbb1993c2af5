package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/sequencer"
	t "github.com/tideline-chat/core/internal/store/types"
)

type fakeAppender struct{}

func (fakeAppender) AppendUpdateLog(ctx context.Context, userID t.Uid, seq uint64, updates []byte) error {
	return nil
}

func (fakeAppender) MaxSequenceAll(ctx context.Context) (map[t.Uid]uint64, error) {
	return nil, nil
}

type fakePersister struct{}

func (fakePersister) SetPresence(ctx context.Context, id t.Uid, online bool) error { return nil }

type fakeConn struct{}

func (fakeConn) WriteMessage(data []byte) error { return nil }
func (fakeConn) Close() error                   { return nil }

func testHub() *hub.Hub {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return hub.New(sequencer.New(fakeAppender{}), fakePersister{}, log, 0, 0)
}

func registeredSession(h *hub.Hub, sid string, uid t.Uid) *hub.Session {
	s := hub.NewSession(sid, fakeConn{}, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	h.Register(s)
	h.BindUser(s, uid)
	go s.WriteLoop()
	return s
}

func TestPublicTypingRefreshKeepsTypingState(t2 *testing.T) {
	h := testHub()
	viewer := registeredSession(h, "viewer", t.Uid(99))
	registeredSession(h, "typer", t.Uid(1))

	e := New(h)
	ctx := context.Background()

	e.PublicTyping(ctx, t.Uid(1))
	e.PublicTyping(ctx, t.Uid(1)) // refresh, should not re-broadcast

	e.mu.Lock()
	_, typing := e.public[t.Uid(1)]
	e.mu.Unlock()
	require.True(t2, typing)

	_ = viewer
}

func TestPublicStopTypingClearsTypingState(t2 *testing.T) {
	h := testHub()
	registeredSession(h, "typer", t.Uid(1))
	e := New(h)
	ctx := context.Background()

	// No prior typing state: stop should be a no-op, not panic or broadcast.
	e.PublicStopTyping(ctx, t.Uid(1))

	e.PublicTyping(ctx, t.Uid(1))
	e.mu.Lock()
	_, typing := e.public[t.Uid(1)]
	e.mu.Unlock()
	require.True(t2, typing)

	e.PublicStopTyping(ctx, t.Uid(1))
	e.mu.Lock()
	_, stillTyping := e.public[t.Uid(1)]
	e.mu.Unlock()
	require.False(t2, stillTyping)
}

func TestDMTypingRecordsPairState(t2 *testing.T) {
	h := testHub()
	registeredSession(h, "sender", t.Uid(1))
	registeredSession(h, "recipient", t.Uid(2))
	e := New(h)
	ctx := context.Background()

	e.DMTyping(ctx, t.Uid(1), t.Uid(2))

	e.mu.Lock()
	_, typing := e.direct[dmKey{Sender: 1, Recipient: 2}]
	e.mu.Unlock()
	require.True(t2, typing)
}

func TestSweepExpiresStaleTypingState(t2 *testing.T) {
	h := testHub()
	registeredSession(h, "typer", t.Uid(1))
	e := New(h)
	ctx := context.Background()

	base := time.Now()
	e.clock = func() time.Time { return base }
	e.PublicTyping(ctx, t.Uid(1))

	e.clock = func() time.Time { return base.Add(TypingTTL + time.Second) }
	e.sweepOnce(ctx)

	e.mu.Lock()
	_, stillTyping := e.public[t.Uid(1)]
	e.mu.Unlock()
	require.False(t2, stillTyping)
}

func TestSweepDoesNotExpireFreshTypingState(t2 *testing.T) {
	h := testHub()
	registeredSession(h, "typer", t.Uid(1))
	e := New(h)
	ctx := context.Background()

	base := time.Now()
	e.clock = func() time.Time { return base }
	e.PublicTyping(ctx, t.Uid(1))

	e.clock = func() time.Time { return base.Add(TypingTTL / 2) }
	e.sweepOnce(ctx)

	e.mu.Lock()
	_, stillTyping := e.public[t.Uid(1)]
	e.mu.Unlock()
	require.True(t2, stillTyping)
}
