// Package hub is the session registry and batching fan-out engine
// (spec.md §4.5), grounded on the teacher's Hub (server/hub.go) and
// its run-loop/registry pattern, generalized from tinode's
// topic-routed registry to this spec's flat user/session index.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tideline-chat/core/internal/proto"
	"github.com/tideline-chat/core/internal/sequencer"
	t "github.com/tideline-chat/core/internal/store/types"
)

// FlushDelay is the batching debounce window (spec.md §4.5, ~75ms).
const FlushDelay = 75 * time.Millisecond

// Persister is the subset of Store the hub needs to update presence on
// disconnect; batches are persisted through the sequencer.
type Persister interface {
	SetPresence(ctx context.Context, id t.Uid, online bool) error
}

// Hub tracks every live session and fans updates out to them.
type Hub struct {
	log   *slog.Logger
	seq   *sequencer.Sequencer
	store Persister

	flushDelay   time.Duration
	sigCacheSize int

	mu           sync.RWMutex
	sessions     map[string]*Session
	userSessions map[t.Uid]map[string]*Session
	statusSubs   map[t.Uid]map[string]*Session // uid observed -> observing sessions
}

// New builds an empty Hub. flushDelay and sigCacheSize come from
// config.Config.Hub; a zero flushDelay falls back to FlushDelay and a
// sigCacheSize below sigCacheFloor is raised to it, the way NewSession
// enforces the same floor for callers that build a Session directly.
func New(seq *sequencer.Sequencer, store Persister, log *slog.Logger, flushDelay time.Duration, sigCacheSize int) *Hub {
	if flushDelay <= 0 {
		flushDelay = FlushDelay
	}
	if sigCacheSize < sigCacheFloor {
		sigCacheSize = sigCacheFloor
	}
	return &Hub{
		log:          log,
		seq:          seq,
		store:        store,
		flushDelay:   flushDelay,
		sigCacheSize: sigCacheSize,
		sessions:     make(map[string]*Session),
		userSessions: make(map[t.Uid]map[string]*Session),
		statusSubs:   make(map[t.Uid]map[string]*Session),
	}
}

// SigCacheSize returns the configured per-session dedup cache bound, so
// callers that build Sessions outside the Hub (transport.serveWS) can
// size them consistently with the hub's own configuration.
func (h *Hub) SigCacheSize() int { return h.sigCacheSize }

// Register adds a newly-accepted session to the connections set.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.SID] = s
}

// BindUser indexes a session under its now-authenticated user.
func (h *Hub) BindUser(s *Session, uid t.Uid) {
	s.Authenticate(uid)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.userSessions[uid]
	if !ok {
		set = make(map[string]*Session)
		h.userSessions[uid] = set
	}
	set[s.SID] = s
}

// Subscribe adds s to the set of sessions observing uid's presence.
func (h *Hub) Subscribe(s *Session, uid t.Uid) {
	s.AddStatusSub(uid)
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.statusSubs[uid]
	if !ok {
		set = make(map[string]*Session)
		h.statusSubs[uid] = set
	}
	set[s.SID] = s
}

// Unsubscribe removes s from uid's observer set.
func (h *Hub) Unsubscribe(s *Session, uid t.Uid) {
	s.RemoveStatusSub(uid)
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.statusSubs[uid]; ok {
		delete(set, s.SID)
		if len(set) == 0 {
			delete(h.statusSubs, uid)
		}
	}
}

// Enqueue appends update to s's pending batch unless its signature was
// seen recently on this session, then arms the flush timer if one
// isn't already running (spec.md §4.5 batching protocol).
func (h *Hub) Enqueue(ctx context.Context, s *Session, u Update) {
	sig := signature(u)

	s.mu.Lock()
	if _, dup := s.recentSigs.Get(sig); dup {
		s.mu.Unlock()
		return
	}
	s.recentSigs.Add(sig, struct{}{})
	s.pending = append(s.pending, u)
	needsTimer := s.batchTimer == nil
	if needsTimer {
		s.batchTimer = time.AfterFunc(h.flushDelay, func() { h.flush(ctx, s) })
	}
	s.mu.Unlock()
}

// flush swaps out s's pending batch and, if non-empty and s is
// authenticated, durably logs it and ships it as an updates frame.
func (h *Hub) flush(ctx context.Context, s *Session) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	uid := s.uid
	s.mu.Unlock()

	if len(batch) == 0 || uid == t.ZeroUid {
		return
	}

	payloads := make([]interface{}, len(batch))
	for i, u := range batch {
		payloads[i] = proto.Direct{Type: u.Kind, Data: u.WireData()}
	}

	raw, err := marshalBatch(batch)
	if err != nil {
		h.log.Error("hub flush: marshal failed", "sid", s.SID, "error", err)
		return
	}

	seq, err := h.seq.LogBatch(ctx, uid, raw)
	if err != nil {
		h.log.Error("hub flush: log batch failed", "uid", uid, "error", err)
		return
	}

	s.DirectSend(proto.NewUpdates(seq, payloads))
}

// Broadcast enqueues update on every authenticated session.
func (h *Hub) Broadcast(ctx context.Context, u Update) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.IsAuthenticated() {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.Enqueue(ctx, s, u)
	}
}

// ToUser enqueues update on every session of uid.
func (h *Hub) ToUser(ctx context.Context, uid t.Uid, u Update) {
	h.mu.RLock()
	set := h.userSessions[uid]
	targets := make([]*Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.Enqueue(ctx, s, u)
	}
}

// ToSubscribers enqueues update on every session observing uid's
// presence, used by the presence engine's broadcasts.
func (h *Hub) ToSubscribers(ctx context.Context, uid t.Uid, u Update) {
	h.mu.RLock()
	set := h.statusSubs[uid]
	targets := make([]*Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		h.Enqueue(ctx, s, u)
	}
}

// DirectSend bypasses batching entirely.
func (h *Hub) DirectSend(s *Session, frame interface{}) bool {
	return s.DirectSend(frame)
}

// Disconnect removes s from every index; if its user has no remaining
// sessions, marks them offline and broadcasts statusUpdate to the
// user's observers (spec.md §4.5 lifecycle).
func (h *Hub) Disconnect(ctx context.Context, s *Session) {
	h.flush(ctx, s)

	uid := s.UserID()
	var wentOffline bool

	h.mu.Lock()
	delete(h.sessions, s.SID)
	if uid != t.ZeroUid {
		if set, ok := h.userSessions[uid]; ok {
			delete(set, s.SID)
			if len(set) == 0 {
				delete(h.userSessions, uid)
				wentOffline = true
			}
		}
	}
	for observed := range h.statusSubs {
		delete(h.statusSubs[observed], s.SID)
	}
	h.mu.Unlock()

	s.Close()

	if wentOffline {
		if err := h.store.SetPresence(ctx, uid, false); err != nil {
			h.log.Error("disconnect: set presence offline failed", "uid", uid, "error", err)
		}
		h.ToSubscribers(ctx, uid, Update{
			Kind:    proto.UpdateStatus,
			Payload: UserRef{UserID: uint64(uid), Extra: map[string]bool{"online": false}},
		})
	}
}
