// Package spam implements the per-user sliding-window abuse rules of
// spec.md §4.3: burst, short-repeat, and fuzzy-similar-repeat message
// flooding. State is in-memory only, never durable, matching the
// teacher's preference for best-effort in-process moderation state
// (server/pres.go's in-memory contact tracking) and grounded on
// original_source/backend/security/rate_limit.py for the window
// semantics and original_source/backend/routes/messaging.py for the
// grace-period carve-out.
package spam

import (
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	t "github.com/tideline-chat/core/internal/store/types"
)

const (
	// BurstWindow bounds the rate_window lookback.
	BurstWindow = 30 * time.Second
	// HistoryWindow bounds the history_window lookback.
	HistoryWindow = 45 * time.Second

	burstThreshold        = 20
	shortRepeatMaxLen     = 8
	shortRepeatThreshold  = 4
	similarRepeatThreshold = 5
	similarRatioFloor     = 0.88
)

type rateEntry struct {
	msgID uint64
	at    time.Time
}

type historyEntry struct {
	normalized string
	original   string
	msgID      uint64
	at         time.Time
}

type userState struct {
	mu      sync.Mutex
	rate    []rateEntry
	history []historyEntry
}

// Verdict is the outcome of evaluating one message against the rules.
type Verdict struct {
	Flagged bool
	Reason  string   // "burst", "short_repeat", or "similar_repeat"
	MsgIDs  []uint64 // every message id to retroactively delete, including the new one
}

// Monitor tracks sliding windows for every user that has posted
// recently. GracePeriod exempts messages sent within GracePeriod of
// account creation from the short-repeat rule (default 0: disabled, so
// the unconditional spec.md §8 invariant holds out of the box).
type Monitor struct {
	mu        sync.Mutex
	users     map[t.Uid]*userState
	clock     func() time.Time
	GracePeriod time.Duration
}

// New returns an empty Monitor.
func New() *Monitor {
	return &Monitor{
		users: make(map[t.Uid]*userState),
		clock: time.Now,
	}
}

func (m *Monitor) stateFor(uid t.Uid) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[uid]
	if !ok {
		s = &userState{}
		m.users[uid] = s
	}
	return s
}

// Forget drops a user's in-memory windows, used when an account is
// deleted or suspended and its history is no longer relevant.
func (m *Monitor) Forget(uid t.Uid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, uid)
}

// Evaluate records a newly-inserted public message and applies the
// burst / short-repeat / similar-repeat rules in that order. The owner
// account and already-suspended users must be excluded by the caller
// before invoking Evaluate.
func (m *Monitor) Evaluate(uid t.Uid, msgID uint64, normalized, original string, accountAge time.Duration) Verdict {
	s := m.stateFor(uid)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock()
	s.rate = trimRate(s.rate, now)
	s.history = trimHistory(s.history, now)

	s.rate = append(s.rate, rateEntry{msgID: msgID, at: now})
	s.history = append(s.history, historyEntry{normalized: normalized, original: original, msgID: msgID, at: now})

	if len(s.rate) >= burstThreshold {
		ids := idsFromRate(s.rate)
		s.rate, s.history = nil, nil
		return Verdict{Flagged: true, Reason: "burst", MsgIDs: ids}
	}

	if len(normalized) <= shortRepeatMaxLen && (m.GracePeriod == 0 || accountAge >= m.GracePeriod) {
		matches := matchingIDs(s.history, func(h historyEntry) bool { return h.normalized == normalized })
		if len(matches) >= shortRepeatThreshold+1 {
			s.rate, s.history = nil, nil
			return Verdict{Flagged: true, Reason: "short_repeat", MsgIDs: matches}
		}
	}

	similar := matchingIDs(s.history, func(h historyEntry) bool {
		if h.normalized == normalized {
			return true
		}
		ratio := difflib.NewMatcher(splitChars(h.normalized), splitChars(normalized)).Ratio()
		return ratio >= similarRatioFloor
	})
	if len(similar) >= similarRepeatThreshold {
		s.rate, s.history = nil, nil
		return Verdict{Flagged: true, Reason: "similar_repeat", MsgIDs: similar}
	}

	return Verdict{}
}

func trimRate(entries []rateEntry, now time.Time) []rateEntry {
	cutoff := now.Add(-BurstWindow)
	i := 0
	for ; i < len(entries); i++ {
		if entries[i].at.After(cutoff) {
			break
		}
	}
	return entries[i:]
}

func trimHistory(entries []historyEntry, now time.Time) []historyEntry {
	cutoff := now.Add(-HistoryWindow)
	i := 0
	for ; i < len(entries); i++ {
		if entries[i].at.After(cutoff) {
			break
		}
	}
	return entries[i:]
}

func idsFromRate(entries []rateEntry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.msgID
	}
	return out
}

func matchingIDs(entries []historyEntry, pred func(historyEntry) bool) []uint64 {
	var out []uint64
	for _, e := range entries {
		if pred(e) {
			out = append(out, e.msgID)
		}
	}
	return out
}

func splitChars(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}
