// Package presence implements the two edge-triggered typing state
// machines of spec.md §4.6, grounded on the teacher's presence
// notification plumbing (server/pres.go) generalized from tinode's
// per-topic fan-out to this spec's per-user and per-DM-pair scope.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/proto"
	t "github.com/tideline-chat/core/internal/store/types"
)

// TypingTTL is how long a typing state survives without a refresh
// before the sweeper forces it back to idle (spec.md §4.6, 3s).
const TypingTTL = 3 * time.Second

// SweepInterval is how often the sweeper scans for expired state.
const SweepInterval = 1 * time.Second

type dmKey struct {
	Sender    t.Uid
	Recipient t.Uid
}

// Engine tracks public and DM typing state and broadcasts transitions
// through a hub.Hub.
type Engine struct {
	hub *hub.Hub

	mu        sync.Mutex
	public    map[t.Uid]time.Time // uid -> last refresh, present only while typing
	direct    map[dmKey]time.Time
	clock     func() time.Time
}

// New builds an Engine bound to h.
func New(h *hub.Hub) *Engine {
	return &Engine{
		hub:    h,
		public: make(map[t.Uid]time.Time),
		direct: make(map[dmKey]time.Time),
		clock:  time.Now,
	}
}

// PublicTyping transitions uid to typing if it was idle, always
// refreshing the timestamp. Broadcasts only on the idle->typing edge.
func (e *Engine) PublicTyping(ctx context.Context, uid t.Uid) {
	e.mu.Lock()
	_, wasTyping := e.public[uid]
	e.public[uid] = e.clock()
	e.mu.Unlock()

	if !wasTyping {
		e.hub.Broadcast(ctx, hub.Update{
			Kind:    proto.UpdateTyping,
			Payload: hub.UserRef{UserID: uint64(uid)},
		})
	}
}

// PublicStopTyping forces uid back to idle and broadcasts stopTyping.
func (e *Engine) PublicStopTyping(ctx context.Context, uid t.Uid) {
	e.mu.Lock()
	_, wasTyping := e.public[uid]
	delete(e.public, uid)
	e.mu.Unlock()

	if wasTyping {
		e.hub.Broadcast(ctx, hub.Update{
			Kind:    proto.UpdateStopTyping,
			Payload: hub.UserRef{UserID: uint64(uid)},
		})
	}
}

// DMTyping transitions (sender, recipient) to typing if idle, routed
// only to the recipient.
func (e *Engine) DMTyping(ctx context.Context, sender, recipient t.Uid) {
	key := dmKey{Sender: sender, Recipient: recipient}

	e.mu.Lock()
	_, wasTyping := e.direct[key]
	e.direct[key] = e.clock()
	e.mu.Unlock()

	if !wasTyping {
		e.hub.ToUser(ctx, recipient, hub.Update{
			Kind:    proto.UpdateDMTyping,
			Payload: hub.UserRef{UserID: uint64(sender)},
		})
	}
}

// DMStopTyping forces (sender, recipient) back to idle.
func (e *Engine) DMStopTyping(ctx context.Context, sender, recipient t.Uid) {
	key := dmKey{Sender: sender, Recipient: recipient}

	e.mu.Lock()
	_, wasTyping := e.direct[key]
	delete(e.direct, key)
	e.mu.Unlock()

	if wasTyping {
		e.hub.ToUser(ctx, recipient, hub.Update{
			Kind:    proto.UpdateStopDMTyping,
			Payload: hub.UserRef{UserID: uint64(sender)},
		})
	}
}

// Run blocks, sweeping expired typing state every SweepInterval until
// ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	now := e.clock()

	var expiredPublic []t.Uid
	var expiredDirect []dmKey

	e.mu.Lock()
	for uid, ts := range e.public {
		if now.Sub(ts) > TypingTTL {
			expiredPublic = append(expiredPublic, uid)
			delete(e.public, uid)
		}
	}
	for key, ts := range e.direct {
		if now.Sub(ts) > TypingTTL {
			expiredDirect = append(expiredDirect, key)
			delete(e.direct, key)
		}
	}
	e.mu.Unlock()

	for _, uid := range expiredPublic {
		e.hub.Broadcast(ctx, hub.Update{
			Kind:    proto.UpdateStopTyping,
			Payload: hub.UserRef{UserID: uint64(uid)},
		})
	}
	for _, key := range expiredDirect {
		e.hub.ToUser(ctx, key.Recipient, hub.Update{
			Kind:    proto.UpdateStopDMTyping,
			Payload: hub.UserRef{UserID: uint64(key.Sender)},
		})
	}
}
