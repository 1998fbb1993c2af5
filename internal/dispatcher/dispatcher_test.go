package dispatcher_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tideline-chat/core/internal/audit"
	"github.com/tideline-chat/core/internal/dispatcher"
	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/idgen"
	"github.com/tideline-chat/core/internal/metrics"
	"github.com/tideline-chat/core/internal/moderation"
	"github.com/tideline-chat/core/internal/presence"
	"github.com/tideline-chat/core/internal/profanity"
	"github.com/tideline-chat/core/internal/proto"
	"github.com/tideline-chat/core/internal/push"
	"github.com/tideline-chat/core/internal/sequencer"
	"github.com/tideline-chat/core/internal/spam"
	"github.com/tideline-chat/core/internal/store"
	"github.com/tideline-chat/core/internal/store/memstore"
	t "github.com/tideline-chat/core/internal/store/types"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.messages = append(c.messages, cp)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) at(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[i]
}

type noopPush struct{}

func (noopPush) Send(ctx context.Context, target t.Uid, payload push.Payload) error { return nil }

type harness struct {
	disp  *dispatcher.Dispatcher
	h     *hub.Hub
	store *store.Store
}

func newHarness(t2 *testing.T) *harness {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := memstore.New()
	require.NoError(t2, db.Open(""))
	ids, err := idgen.New(0)
	require.NoError(t2, err)
	st := store.New(db, ids, nil)

	seq := sequencer.New(st)
	h := hub.New(seq, st, log, 0, 0)

	filter := profanity.New([]string{"badword"}, nil)
	spamMonitor := spam.New()
	pres := presence.New(h)
	notifier := push.New(noopPush{}, log, 16)
	t2.Cleanup(notifier.Stop)

	auditSink := audit.New(audit.Config{Path: filepath.Join(t2.TempDir(), "audit.log")})
	mod := moderation.New(st, h, filter, spamMonitor, auditSink, nil)
	mx := metrics.New(prometheus.NewRegistry())

	disp := dispatcher.New(log, st, h, filter, spamMonitor, pres, notifier, auditSink, mod, mx)
	return &harness{disp: disp, h: h, store: st}
}

func (hn *harness) connectUser(t2 *testing.T, username string) (*hub.Session, *fakeConn, *t.User) {
	u, err := hn.store.CreateUser(context.Background(), username, username, "")
	require.NoError(t2, err)

	conn := &fakeConn{}
	sess := hub.NewSession(username+"-session", conn, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	hn.h.Register(sess)
	hn.disp.BindSession(sess, u.Id)
	go sess.WriteLoop()
	return sess, conn, u
}

func sendFrame(hn *harness, sess *hub.Session, cmdType string, data interface{}) {
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(proto.Inbound{Type: cmdType, Data: raw})
	hn.disp.Dispatch(context.Background(), sess, frame)
}

func decodeDirect(raw []byte) proto.Direct {
	var d proto.Direct
	json.Unmarshal(raw, &d)
	return d
}

// findDirect polls conn until a Direct frame of the given type appears
// (batched "updates" frames use a different envelope and are skipped),
// so assertions don't depend on how the hub interleaves a command's
// immediate reply with its own asynchronous broadcast.
func findDirect(t2 *testing.T, conn *fakeConn, cmdType string) proto.Direct {
	t2.Helper()
	var found proto.Direct
	require.Eventually(t2, func() bool {
		n := conn.count()
		for i := 0; i < n; i++ {
			d := decodeDirect(conn.at(i))
			if d.Type == cmdType {
				found = d
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

func TestDispatchPingRepliesAndBroadcastsStatus(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, _ := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, proto.CmdPing, nil)

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	reply := decodeDirect(conn.at(0))
	require.Equal(t2, proto.CmdPing, reply.Type)

	// the broadcast statusUpdate arrives as a separate batched frame
	// after the hub's debounce window.
	require.Eventually(t2, func() bool { return conn.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestDispatchSendMessageSuccess(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, _ := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, proto.CmdSendMessage, map[string]string{"content": "hello there"})

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	reply := decodeDirect(conn.at(0))
	require.Equal(t2, proto.CmdSendMessage, reply.Type)
}

func TestDispatchSendMessageRejectsProfanity(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, _ := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, proto.CmdSendMessage, map[string]string{"content": "this has a badword in it"})

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	var frame proto.ErrorFrame
	require.NoError(t2, json.Unmarshal(conn.at(0), &frame))
	require.Equal(t2, 422, frame.Error.Code)
}

func TestDispatchSendMessageRejectsEmptyContent(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, _ := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, proto.CmdSendMessage, map[string]string{"content": ""})

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	var frame proto.ErrorFrame
	require.NoError(t2, json.Unmarshal(conn.at(0), &frame))
	require.Equal(t2, 400, frame.Error.Code)
}

func TestDispatchEditMessageForbiddenForNonAuthor(t2 *testing.T) {
	hn := newHarness(t2)
	author, authorConn, _ := hn.connectUser(t2, "alice")
	other, otherConn, _ := hn.connectUser(t2, "mallory")

	sendFrame(hn, author, proto.CmdSendMessage, map[string]string{"content": "original text"})
	reply := findDirect(t2, authorConn, proto.CmdSendMessage)
	raw, _ := json.Marshal(reply.Data)
	var view struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t2, json.Unmarshal(raw, &view))

	sendFrame(hn, other, proto.CmdEditMessage, map[string]interface{}{"id": view.ID, "content": "hijacked"})

	require.Eventually(t2, func() bool { return otherConn.count() >= 1 }, time.Second, 5*time.Millisecond)
	var frame proto.ErrorFrame
	require.NoError(t2, json.Unmarshal(otherConn.at(0), &frame))
	require.Equal(t2, 403, frame.Error.Code)
}

func TestDispatchDMSendRejectsSelfDM(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, user := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, proto.CmdDMSend, map[string]interface{}{
		"recipientId": uint64(user.Id),
		"ciphertext":  "opaque",
	})

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	var frame proto.ErrorFrame
	require.NoError(t2, json.Unmarshal(conn.at(0), &frame))
	require.Equal(t2, 400, frame.Error.Code)
}

func TestDispatchDMSendDeliversToBothParties(t2 *testing.T) {
	hn := newHarness(t2)
	sender, senderConn, _ := hn.connectUser(t2, "alice")
	_, recipientConn, recipient := hn.connectUser(t2, "bob")

	sendFrame(hn, sender, proto.CmdDMSend, map[string]interface{}{
		"recipientId": uint64(recipient.Id),
		"ciphertext":  "opaque-bytes",
	})

	require.Eventually(t2, func() bool { return senderConn.count() >= 1 }, time.Second, 5*time.Millisecond)
	reply := decodeDirect(senderConn.at(0))
	require.Equal(t2, proto.CmdDMSend, reply.Type)

	require.Eventually(t2, func() bool { return recipientConn.count() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatchAddReactionFirstToggleAdds(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, _ := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, proto.CmdSendMessage, map[string]string{"content": "react to this"})
	sent := findDirect(t2, conn, proto.CmdSendMessage)
	raw, _ := json.Marshal(sent.Data)
	var view struct {
		ID uint64 `json:"id"`
	}
	require.NoError(t2, json.Unmarshal(raw, &view))

	sendFrame(hn, sess, proto.CmdAddReaction, map[string]interface{}{"messageId": view.ID, "emoji": "👍"})
	reacted := findDirect(t2, conn, proto.CmdAddReaction)
	reactedRaw, _ := json.Marshal(reacted.Data)
	var toggled struct {
		Action string `json:"action"`
	}
	require.NoError(t2, json.Unmarshal(reactedRaw, &toggled))
	require.Equal(t2, "added", toggled.Action)
}

func TestDispatchUnknownCommandRepliesBadRequest(t2 *testing.T) {
	hn := newHarness(t2)
	sess, conn, _ := hn.connectUser(t2, "alice")

	sendFrame(hn, sess, "not_a_real_command", nil)

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	var frame proto.ErrorFrame
	require.NoError(t2, json.Unmarshal(conn.at(0), &frame))
	require.Equal(t2, 400, frame.Error.Code)
}

func TestDispatchAuthRequiredWithoutBinding(t2 *testing.T) {
	hn := newHarness(t2)
	conn := &fakeConn{}
	sess := hub.NewSession("anon-session", conn, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	hn.h.Register(sess)
	go sess.WriteLoop()

	sendFrame(hn, sess, proto.CmdSendMessage, map[string]string{"content": "hi"})

	require.Eventually(t2, func() bool { return conn.count() >= 1 }, time.Second, 5*time.Millisecond)
	var frame proto.ErrorFrame
	require.NoError(t2, json.Unmarshal(conn.at(0), &frame))
	require.Equal(t2, 401, frame.Error.Code)
}
