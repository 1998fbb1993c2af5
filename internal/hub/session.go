package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	t "github.com/tideline-chat/core/internal/store/types"
)

// sendTimeout mirrors the teacher's 50us queueOut timeout
// (server/session.go): a session whose send buffer is still full after
// this long is treated as stalled rather than blocking the hub.
const sendTimeout = 50 * time.Microsecond

// defaultSigCacheSize is the default bound on recent_sigs per spec.md
// §4.5 ("retain >= 100"), used when NewSession isn't given an explicit
// size; tunable, floor enforced in NewSession.
const defaultSigCacheSize = 256

const sigCacheFloor = 100

// outbound abstracts the transport write side so Session doesn't
// depend on gorilla/websocket directly; internal/transport wires the
// real connection in.
type outbound interface {
	WriteMessage(data []byte) error
	Close() error
}

// Session is one live bidirectional transport bound to at most one
// authenticated user, grounded on the teacher's Session
// (server/session.go) trimmed to this spec's single-transport model.
type Session struct {
	SID string
	log *slog.Logger

	conn outbound
	send chan []byte

	mu   sync.Mutex
	uid  t.Uid
	subs map[t.Uid]bool // users whose presence this session observes

	pending     []Update
	recentSigs  *lru.Cache[string, struct{}]
	batchTimer  *time.Timer
	lastAckSeq  uint64

	closed bool
	done   chan struct{}
}

// NewSession wires a Session around an already-accepted transport.
// sigCacheSize bounds the per-session recent-signature dedup cache
// (spec.md §4.5); a value <= 0 (unspecified) uses defaultSigCacheSize,
// and a positive value below sigCacheFloor is raised to sigCacheFloor.
func NewSession(sid string, conn outbound, log *slog.Logger, sigCacheSize int) *Session {
	size := sigCacheSize
	if size <= 0 {
		size = defaultSigCacheSize
	}
	if size < sigCacheFloor {
		size = sigCacheFloor
	}
	cache, _ := lru.New[string, struct{}](size)
	return &Session{
		SID:        sid,
		log:        log,
		conn:       conn,
		send:       make(chan []byte, 256),
		subs:       make(map[t.Uid]bool),
		recentSigs: cache,
		done:       make(chan struct{}),
	}
}

// Authenticate binds uid to this session after a successful hello/login.
func (s *Session) Authenticate(uid t.Uid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

// UserID returns the authenticated user, or ZeroUid if anonymous.
func (s *Session) UserID() t.Uid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *Session) IsAuthenticated() bool {
	return s.UserID() != t.ZeroUid
}

// queueOutBytes writes data to the transport's send buffer, dropping
// it after sendTimeout if the buffer is full, matching the teacher's
// queueOutBytes (server/session.go).
func (s *Session) queueOutBytes(data []byte) bool {
	select {
	case s.send <- data:
		return true
	case <-time.After(sendTimeout):
		s.log.Warn("session send buffer stalled", "sid", s.SID)
		return false
	case <-s.done:
		return false
	}
}

// DirectSend writes frame immediately, bypassing batching.
func (s *Session) DirectSend(frame interface{}) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("direct send marshal failed", "sid", s.SID, "error", err)
		return false
	}
	return s.queueOutBytes(data)
}

// WriteLoop drains s.send to the transport until the session closes.
// Run this in its own goroutine per connection, the way the teacher
// pairs one reader and one writer goroutine per Session.
func (s *Session) WriteLoop() {
	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteMessage(data); err != nil {
				s.log.Info("session write failed, closing", "sid", s.SID, "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close marks the session dead and releases its transport. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.batchTimer != nil {
		s.batchTimer.Stop()
	}
	s.mu.Unlock()
	close(s.done)
	s.conn.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddStatusSub records that this session observes uid's presence.
func (s *Session) AddStatusSub(uid t.Uid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[uid] = true
}

// RemoveStatusSub stops observing uid's presence.
func (s *Session) RemoveStatusSub(uid t.Uid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, uid)
}

// Subscribes reports the set of users this session currently observes.
func (s *Session) Subscribes() []t.Uid {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]t.Uid, 0, len(s.subs))
	for uid := range s.subs {
		out = append(out, uid)
	}
	return out
}

// LastAckSeq returns the highest seq the client has acknowledged via
// getUpdates gap recovery.
func (s *Session) LastAckSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckSeq
}

// SetLastAckSeq records the client's gap-recovery watermark.
func (s *Session) SetLastAckSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastAckSeq {
		s.lastAckSeq = seq
	}
}
