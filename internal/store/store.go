// Package store is the typed facade over a concrete adapter.Adapter,
// following the teacher's pattern of a package-level Store wrapping the
// interchangeable backend (server/store in tinode/chat). Callers above
// this package never see the adapter interface directly.
package store

import (
	"context"
	"time"

	"github.com/tideline-chat/core/internal/idgen"
	"github.com/tideline-chat/core/internal/store/adapter"
	t "github.com/tideline-chat/core/internal/store/types"
)

// Store is the single entry point the rest of the module uses to reach
// persisted state.
type Store struct {
	db   adapter.Adapter
	ids  *idgen.Generator
	now  func() time.Time
}

// New wraps db with id generation and clock injection. now defaults to
// time.Now when nil; tests substitute a fixed clock.
func New(db adapter.Adapter, ids *idgen.Generator, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, ids: ids, now: now}
}

func (s *Store) Open(dsn string) error { return s.db.Open(dsn) }
func (s *Store) Close() error          { return s.db.Close() }

// FindUserByName looks a user up by login name.
func (s *Store) FindUserByName(ctx context.Context, username string) (*t.User, error) {
	return s.db.UserGetByName(ctx, username)
}

// FindUserById looks a user up by id.
func (s *Store) FindUserById(ctx context.Context, id t.Uid) (*t.User, error) {
	return s.db.UserGetByID(ctx, id)
}

// CreateUser persists a brand new account. PasswordVerifier must already
// be hashed; this layer never sees plaintext credentials.
func (s *Store) CreateUser(ctx context.Context, username, displayName, passwordVerifier string) (*t.User, error) {
	now := s.now()
	u := &t.User{
		Id:               t.Uid(s.ids.Next()),
		Username:         username,
		DisplayName:      displayName,
		PasswordVerifier: passwordVerifier,
	}
	u.InitTimes(now)
	if err := s.db.UserCreate(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateOwner provisions the single privileged account at t.OwnerUid.
// Unlike CreateUser, it does not draw an id from the snowflake
// generator: the owner's id is fixed by convention (t.OwnerUid) so
// every other check in the module (t.User.IsOwner, moderation's
// owner-only gates) can compare against that constant directly. Callers
// must only invoke this once, against an empty user table.
func (s *Store) CreateOwner(ctx context.Context, username, displayName, passwordVerifier string) (*t.User, error) {
	now := s.now()
	u := &t.User{
		Id:               t.OwnerUid,
		Username:         username,
		DisplayName:      displayName,
		PasswordVerifier: passwordVerifier,
	}
	u.InitTimes(now)
	if err := s.db.UserCreate(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SuspendUser flips a user's suspended flag with a recorded reason.
func (s *Store) SuspendUser(ctx context.Context, id t.Uid, reason string) error {
	return s.db.UserUpdate(ctx, id, map[string]interface{}{
		"suspended":         true,
		"suspension_reason": reason,
	})
}

// UnsuspendUser clears a user's suspension.
func (s *Store) UnsuspendUser(ctx context.Context, id t.Uid) error {
	return s.db.UserUpdate(ctx, id, map[string]interface{}{
		"suspended":         false,
		"suspension_reason": "",
	})
}

// DeleteUser marks a user deleted. Deleted is sticky (spec.md §3); no
// operation ever clears it.
func (s *Store) DeleteUser(ctx context.Context, id t.Uid) error {
	return s.db.UserUpdate(ctx, id, map[string]interface{}{"deleted": true})
}

// SetVerified sets the verified badge on an account to verified.
func (s *Store) SetVerified(ctx context.Context, id t.Uid, verified bool) error {
	return s.db.UserUpdate(ctx, id, map[string]interface{}{"verified": verified})
}

// SetPresence records whether a user is currently connected.
func (s *Store) SetPresence(ctx context.Context, id t.Uid, online bool) error {
	return s.db.UserUpdate(ctx, id, map[string]interface{}{
		"online":    online,
		"last_seen": s.now(),
	})
}

// InsertPublicMessage assigns an id and persists a new room message.
// If replyTo is non-zero, the referenced message must already exist
// (spec.md §4.1 InsertPublicMessage NotFound case).
func (s *Store) InsertPublicMessage(ctx context.Context, authorID t.Uid, content string, replyTo uint64, attachments []t.FileRef) (*t.PublicMessage, error) {
	if replyTo != 0 {
		if _, err := s.db.MessageGet(ctx, replyTo); err != nil {
			return nil, err
		}
	}
	now := s.now()
	m := &t.PublicMessage{
		ID:          s.ids.Next(),
		AuthorID:    authorID,
		Content:     content,
		Timestamp:   now,
		ReplyToID:   replyTo,
		Attachments: attachments,
	}
	m.InitTimes(now)
	if err := s.db.MessageInsert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// EditPublicMessage rewrites a message's content and marks it edited.
// Fails with ErrForbidden unless actorID authored the message
// (spec.md §4.1).
func (s *Store) EditPublicMessage(ctx context.Context, id uint64, actorID t.Uid, content string) (*t.PublicMessage, error) {
	m, err := s.db.MessageGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.AuthorID != actorID {
		return nil, ErrForbidden
	}
	if err := s.db.MessageUpdateContent(ctx, id, content, s.now()); err != nil {
		return nil, err
	}
	m.Content = content
	m.IsEdited = true
	return m, nil
}

// DeletePublicMessage soft-deletes a single message. Fails with
// ErrForbidden unless actorID authored the message or isOwner
// (spec.md §4.1).
func (s *Store) DeletePublicMessage(ctx context.Context, id uint64, actorID t.Uid, isOwner bool) (string, error) {
	m, err := s.db.MessageGet(ctx, id)
	if err != nil {
		return "", err
	}
	if m.AuthorID != actorID && !isOwner {
		return "", ErrForbidden
	}
	if err := s.db.MessageSoftDelete(ctx, id); err != nil {
		return "", err
	}
	return m.Content, nil
}

// DeletePublicMessagesByIds soft-deletes a batch in one call, used by the
// moderation sweep.
func (s *Store) DeletePublicMessagesByIds(ctx context.Context, ids []uint64) (int, error) {
	return s.db.MessageDeleteByIDs(ctx, ids)
}

// GetPublicMessage loads a single message by id. The ownership checks
// in EditPublicMessage/DeletePublicMessage and the reply-to check in
// InsertPublicMessage read the adapter directly rather than calling it.
func (s *Store) GetPublicMessage(ctx context.Context, id uint64) (*t.PublicMessage, error) {
	return s.db.MessageGet(ctx, id)
}

// FetchPublicMessages returns up to limit messages newer than sinceID.
func (s *Store) FetchPublicMessages(ctx context.Context, sinceID uint64, limit int) ([]t.PublicMessage, error) {
	return s.db.MessageGetRange(ctx, sinceID, limit)
}

// InsertDM persists an opaque end-to-end-encrypted envelope. Fails
// with ErrNotFound if the recipient is missing, deleted, or suspended
// (spec.md §4.1 InsertDM contract).
func (s *Store) InsertDM(ctx context.Context, sender, recipient t.Uid, iv, ciphertext, salt, iv2, wrappedMK string, replyTo uint64, attachments []t.FileRef) (*t.DMEnvelope, error) {
	r, err := s.db.UserGetByID(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if r.Deleted || r.Suspended {
		return nil, ErrNotFound
	}
	now := s.now()
	d := &t.DMEnvelope{
		ID:          s.ids.Next(),
		SenderID:    sender,
		RecipientID: recipient,
		IV:          iv,
		Ciphertext:  ciphertext,
		Salt:        salt,
		IV2:         iv2,
		WrappedMK:   wrappedMK,
		Timestamp:   now,
		ReplyToID:   replyTo,
		Attachments: attachments,
	}
	d.InitTimes(now)
	if err := s.db.DMInsert(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDM loads a single DM envelope by id, used for sender-only
// authorization checks before edit/delete.
func (s *Store) GetDM(ctx context.Context, id uint64) (*t.DMEnvelope, error) {
	return s.db.DMGet(ctx, id)
}

// EditDM replaces an envelope's ciphertext fields in place. Sender-only
// (spec.md §4.1).
func (s *Store) EditDM(ctx context.Context, id uint64, actorID t.Uid, iv, ciphertext, salt, iv2, wrappedMK string) (*t.DMEnvelope, error) {
	d, err := s.db.DMGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.SenderID != actorID {
		return nil, ErrForbidden
	}
	if err := s.db.DMUpdateCiphertext(ctx, id, iv, ciphertext, salt, iv2, wrappedMK, s.now()); err != nil {
		return nil, err
	}
	d.IV, d.Ciphertext, d.Salt, d.IV2, d.WrappedMK = iv, ciphertext, salt, iv2, wrappedMK
	return d, nil
}

// DeleteDM soft-deletes a direct envelope. Sender-only.
func (s *Store) DeleteDM(ctx context.Context, id uint64, actorID t.Uid) error {
	d, err := s.db.DMGet(ctx, id)
	if err != nil {
		return err
	}
	if d.SenderID != actorID {
		return ErrForbidden
	}
	return s.db.DMSoftDelete(ctx, id)
}

// ToggleReaction flips a user's emoji reaction on a public message.
func (s *Store) ToggleReaction(ctx context.Context, messageID uint64, userID t.Uid, emoji string) (bool, error) {
	return s.db.ReactionToggle(ctx, messageID, userID, emoji)
}

// ToggleDMReaction flips a user's emoji reaction on a DM envelope.
func (s *Store) ToggleDMReaction(ctx context.Context, envelopeID uint64, userID t.Uid, emoji string) (bool, error) {
	return s.db.DMReactionToggle(ctx, envelopeID, userID, emoji)
}

// ReactionsFor returns the current reaction set on a public message.
func (s *Store) ReactionsFor(ctx context.Context, messageID uint64) ([]t.Reaction, error) {
	return s.db.ReactionsFor(ctx, messageID)
}

// DMReactionsFor returns the current reaction set on a DM envelope.
func (s *Store) DMReactionsFor(ctx context.Context, envelopeID uint64) ([]t.DMReaction, error) {
	return s.db.DMReactionsFor(ctx, envelopeID)
}

// CreateSession records a new authenticated device session.
func (s *Store) CreateSession(ctx context.Context, userID t.Uid, sessionID, device, os, browser, model string) (*t.DeviceSession, error) {
	now := s.now()
	d := &t.DeviceSession{
		SessionID: sessionID,
		UserID:    userID,
		Device:    device,
		OS:        os,
		Browser:   browser,
		Model:     model,
		LastSeen:  now,
	}
	d.InitTimes(now)
	if err := s.db.SessionCreate(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// TouchSession bumps a session's last-seen clock.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	return s.db.SessionTouch(ctx, sessionID, s.now())
}

// RevokeSession invalidates a single bearer token.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	return s.db.SessionRevoke(ctx, sessionID)
}

// RevokeOtherSessions invalidates every session for a user except keep.
func (s *Store) RevokeOtherSessions(ctx context.Context, userID t.Uid, keep string) (int, error) {
	return s.db.SessionRevokeOthers(ctx, userID, keep)
}

// GetSession loads a session by its bearer-token id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*t.DeviceSession, error) {
	return s.db.SessionGet(ctx, sessionID)
}

// AppendUpdateLog durably records a batch at a sequence number the
// caller already assigned (the sequencer owns the per-user counter;
// this layer only persists). A unique-constraint violation on
// (userID, seq) means another session already persisted this batch
// and surfaces as ErrConflict, which callers treat as a no-op.
func (s *Store) AppendUpdateLog(ctx context.Context, userID t.Uid, seq uint64, updates []byte) error {
	e := &t.UpdateLogEntry{
		UserID:    userID,
		Sequence:  seq,
		Updates:   updates,
		Timestamp: s.now(),
	}
	return s.db.UpdateLogAppend(ctx, e)
}

// FetchUpdateLog returns every entry in (fromSeqExclusive, toSeqInclusive]
// for userID, used by getUpdates gap recovery.
func (s *Store) FetchUpdateLog(ctx context.Context, userID t.Uid, fromSeqExclusive, toSeqInclusive uint64) ([]t.UpdateLogEntry, error) {
	return s.db.UpdateLogFetch(ctx, userID, fromSeqExclusive, toSeqInclusive)
}

// MaxSequence returns the highest sequence number issued to userID.
func (s *Store) MaxSequence(ctx context.Context, userID t.Uid) (uint64, error) {
	return s.db.UpdateLogMaxSeq(ctx, userID)
}

// MaxSequenceAll returns the startup reconciliation snapshot: the
// highest sequence number issued to every user with a log entry.
func (s *Store) MaxSequenceAll(ctx context.Context) (map[t.Uid]uint64, error) {
	return s.db.UpdateLogMaxSeqAll(ctx)
}

// PruneUpdateLog deletes update-log rows older than olderThan.
func (s *Store) PruneUpdateLog(ctx context.Context, olderThan time.Time) (int, error) {
	return s.db.UpdateLogPrune(ctx, olderThan)
}

// LoadBlocklist returns the persisted profanity blocklist.
func (s *Store) LoadBlocklist(ctx context.Context) ([]string, error) {
	return s.db.BlocklistLoad(ctx)
}

// SaveBlocklist persists a new profanity blocklist snapshot.
func (s *Store) SaveBlocklist(ctx context.Context, phrases []string) error {
	return s.db.BlocklistSave(ctx, phrases)
}
