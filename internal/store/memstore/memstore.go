// Package memstore is an in-memory adapter.Adapter used by package
// tests that exercise the hub, dispatcher, and spam monitor without a
// MySQL instance. The teacher ships no such fake; it is added here so
// the packages above the store have a fast, deterministic backend to
// run against, following the same interface the mysql adapter honors.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tideline-chat/core/internal/store"
	t "github.com/tideline-chat/core/internal/store/types"
)

// Store is a goroutine-safe in-memory Adapter implementation.
type Store struct {
	mu sync.Mutex

	users     map[t.Uid]*t.User
	usersByNm map[string]t.Uid

	sessions map[string]*t.DeviceSession

	messages map[uint64]*t.PublicMessage

	dms map[uint64]*t.DMEnvelope

	reactions   map[uint64]map[t.Uid]map[string]bool
	dmReactions map[uint64]map[t.Uid]map[string]bool

	updateLog map[t.Uid][]t.UpdateLogEntry

	blocklist []string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:       make(map[t.Uid]*t.User),
		usersByNm:   make(map[string]t.Uid),
		sessions:    make(map[string]*t.DeviceSession),
		messages:    make(map[uint64]*t.PublicMessage),
		dms:         make(map[uint64]*t.DMEnvelope),
		reactions:   make(map[uint64]map[t.Uid]map[string]bool),
		dmReactions: make(map[uint64]map[t.Uid]map[string]bool),
		updateLog:   make(map[t.Uid][]t.UpdateLogEntry),
	}
}

func (s *Store) Open(string) error  { return nil }
func (s *Store) Close() error       { return nil }
func (s *Store) IsOpen() bool       { return true }

func (s *Store) UserCreate(_ context.Context, u *t.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.usersByNm[u.Username]; dup {
		return store.ErrConflict
	}
	if _, dup := s.users[u.Id]; dup {
		return store.ErrConflict
	}
	cp := *u
	s.users[u.Id] = &cp
	s.usersByNm[u.Username] = u.Id
	return nil
}

func (s *Store) UserGetByID(_ context.Context, id t.Uid) (*t.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UserGetByName(_ context.Context, username string) (*t.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByNm[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) UserGetAll(_ context.Context, ids ...t.Uid) ([]t.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]t.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *Store) UserUpdate(_ context.Context, id t.Uid, update map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range update {
		switch k {
		case "suspended":
			u.Suspended = v.(bool)
		case "suspension_reason":
			u.SuspensionReason = v.(string)
		case "deleted":
			u.Deleted = v.(bool)
		case "verified":
			u.Verified = v.(bool)
		case "online":
			u.Online = v.(bool)
		case "last_seen":
			u.LastSeen = v.(time.Time)
		case "display_name":
			u.DisplayName = v.(string)
		}
	}
	return nil
}

func (s *Store) UserCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

func (s *Store) SessionCreate(_ context.Context, d *t.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.sessions[d.SessionID]; dup {
		return store.ErrConflict
	}
	cp := *d
	s.sessions[d.SessionID] = &cp
	return nil
}

func (s *Store) SessionGet(_ context.Context, sessionID string) (*t.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) SessionTouch(_ context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	d.LastSeen = now
	return nil
}

func (s *Store) SessionRevoke(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	d.Revoked = true
	return nil
}

func (s *Store) SessionRevokeOthers(_ context.Context, userID t.Uid, keep string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.sessions {
		if d.UserID == userID && id != keep && !d.Revoked {
			d.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *Store) MessageInsert(_ context.Context, m *t.PublicMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ReplyToID != 0 {
		if _, ok := s.messages[m.ReplyToID]; !ok {
			return store.ErrNotFound
		}
	}
	if _, dup := s.messages[m.ID]; dup {
		return store.ErrConflict
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) MessageGet(_ context.Context, id uint64) (*t.PublicMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) MessageGetRange(_ context.Context, sinceID uint64, limit int) ([]t.PublicMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]t.PublicMessage, 0, limit)
	ids := make([]uint64, 0, len(s.messages))
	for id := range s.messages {
		if id > sinceID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		m := s.messages[id]
		if !m.Deleted {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Store) MessageUpdateContent(_ context.Context, id uint64, content string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = now
	return nil
}

func (s *Store) MessageSoftDelete(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Deleted = true
	return nil
}

func (s *Store) MessageDeleteByIDs(_ context.Context, ids []uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && !m.Deleted {
			m.Deleted = true
			n++
		}
	}
	return n, nil
}

func (s *Store) DMInsert(_ context.Context, d *t.DMEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[d.RecipientID]; !ok {
		return store.ErrNotFound
	}
	if u := s.users[d.RecipientID]; u.Deleted || u.Suspended {
		return store.ErrNotFound
	}
	if _, dup := s.dms[d.ID]; dup {
		return store.ErrConflict
	}
	cp := *d
	s.dms[d.ID] = &cp
	return nil
}

func (s *Store) DMGet(_ context.Context, id uint64) (*t.DMEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[id]
	if !ok || d.Deleted {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) DMUpdateCiphertext(_ context.Context, id uint64, iv, ciphertext, salt, iv2, wrappedMK string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[id]
	if !ok {
		return store.ErrNotFound
	}
	d.IV, d.Ciphertext, d.Salt, d.IV2, d.WrappedMK = iv, ciphertext, salt, iv2, wrappedMK
	d.UpdatedAt = now
	return nil
}

func (s *Store) DMSoftDelete(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dms[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Deleted = true
	return nil
}

func (s *Store) ReactionToggle(_ context.Context, messageID uint64, userID t.Uid, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.reactions[messageID]
	if !ok {
		byUser = make(map[t.Uid]map[string]bool)
		s.reactions[messageID] = byUser
	}
	emojis, ok := byUser[userID]
	if !ok {
		emojis = make(map[string]bool)
		byUser[userID] = emojis
	}
	if emojis[emoji] {
		delete(emojis, emoji)
		return false, nil
	}
	emojis[emoji] = true
	return true, nil
}

func (s *Store) ReactionsFor(_ context.Context, messageID uint64) ([]t.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []t.Reaction
	for uid, emojis := range s.reactions[messageID] {
		for e := range emojis {
			out = append(out, t.Reaction{MessageID: messageID, UserID: uid, Emoji: e})
		}
	}
	return out, nil
}

func (s *Store) DMReactionToggle(_ context.Context, envelopeID uint64, userID t.Uid, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.dmReactions[envelopeID]
	if !ok {
		byUser = make(map[t.Uid]map[string]bool)
		s.dmReactions[envelopeID] = byUser
	}
	emojis, ok := byUser[userID]
	if !ok {
		emojis = make(map[string]bool)
		byUser[userID] = emojis
	}
	if emojis[emoji] {
		delete(emojis, emoji)
		return false, nil
	}
	emojis[emoji] = true
	return true, nil
}

func (s *Store) DMReactionsFor(_ context.Context, envelopeID uint64) ([]t.DMReaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []t.DMReaction
	for uid, emojis := range s.dmReactions[envelopeID] {
		for e := range emojis {
			out = append(out, t.DMReaction{EnvelopeID: envelopeID, UserID: uid, Emoji: e})
		}
	}
	return out, nil
}

func (s *Store) UpdateLogAppend(_ context.Context, e *t.UpdateLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.updateLog[e.UserID] {
		if existing.Sequence == e.Sequence {
			return store.ErrConflict
		}
	}
	s.updateLog[e.UserID] = append(s.updateLog[e.UserID], *e)
	return nil
}

func (s *Store) UpdateLogFetch(_ context.Context, userID t.Uid, fromSeqExclusive, toSeqInclusive uint64) ([]t.UpdateLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []t.UpdateLogEntry
	for _, e := range s.updateLog[userID] {
		if e.Sequence > fromSeqExclusive && e.Sequence <= toSeqInclusive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) UpdateLogMaxSeq(_ context.Context, userID t.Uid) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, e := range s.updateLog[userID] {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (s *Store) UpdateLogMaxSeqAll(_ context.Context) (map[t.Uid]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[t.Uid]uint64, len(s.updateLog))
	for uid, entries := range s.updateLog {
		var max uint64
		for _, e := range entries {
			if e.Sequence > max {
				max = e.Sequence
			}
		}
		out[uid] = max
	}
	return out, nil
}

func (s *Store) UpdateLogPrune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for uid, entries := range s.updateLog {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(olderThan) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		s.updateLog[uid] = kept
	}
	return n, nil
}

func (s *Store) BlocklistLoad(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.blocklist))
	copy(out, s.blocklist)
	return out, nil
}

func (s *Store) BlocklistSave(_ context.Context, phrases []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]string(nil), phrases...)
	sort.Strings(sorted)
	s.blocklist = sorted
	return nil
}
