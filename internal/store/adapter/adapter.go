// Package adapter contains the interface a concrete database backend
// must implement. Modeled on the teacher's single-database-adapter
// convention (server/store/adapter/adapter.go in tinode/chat): one
// interface, one active implementation at a time, swappable for tests.
package adapter

import (
	"context"
	"time"

	t "github.com/tideline-chat/core/internal/store/types"
)

// Adapter is implemented by a concrete storage backend. Every write
// completes with either a full commit or a full rollback before
// returning; there is no partial-write state visible to callers.
type Adapter interface {
	Open(dsn string) error
	Close() error
	IsOpen() bool

	// Users. Id/ID fields on inserted entities are pre-assigned by the
	// caller (internal/idgen) before the call; implementations persist
	// them as given rather than generating their own.

	UserCreate(ctx context.Context, u *t.User) error
	UserGetByID(ctx context.Context, id t.Uid) (*t.User, error)
	UserGetByName(ctx context.Context, username string) (*t.User, error)
	UserGetAll(ctx context.Context, ids ...t.Uid) ([]t.User, error)
	UserUpdate(ctx context.Context, id t.Uid, update map[string]interface{}) error
	UserCount(ctx context.Context) (int, error)

	// Device sessions

	SessionCreate(ctx context.Context, s *t.DeviceSession) error
	SessionGet(ctx context.Context, sessionID string) (*t.DeviceSession, error)
	SessionTouch(ctx context.Context, sessionID string, now time.Time) error
	SessionRevoke(ctx context.Context, sessionID string) error
	SessionRevokeOthers(ctx context.Context, userID t.Uid, keepSessionID string) (int, error)

	// Public messages

	MessageInsert(ctx context.Context, m *t.PublicMessage) error
	MessageGet(ctx context.Context, id uint64) (*t.PublicMessage, error)
	MessageGetRange(ctx context.Context, sinceID uint64, limit int) ([]t.PublicMessage, error)
	MessageUpdateContent(ctx context.Context, id uint64, content string, now time.Time) error
	MessageSoftDelete(ctx context.Context, id uint64) error
	MessageDeleteByIDs(ctx context.Context, ids []uint64) (int, error)

	// Direct messages

	DMInsert(ctx context.Context, d *t.DMEnvelope) error
	DMGet(ctx context.Context, id uint64) (*t.DMEnvelope, error)
	DMUpdateCiphertext(ctx context.Context, id uint64, iv, ciphertext, salt, iv2, wrappedMK string, now time.Time) error
	DMSoftDelete(ctx context.Context, id uint64) error

	// Reactions

	ReactionToggle(ctx context.Context, messageID uint64, userID t.Uid, emoji string) (added bool, err error)
	ReactionsFor(ctx context.Context, messageID uint64) ([]t.Reaction, error)
	DMReactionToggle(ctx context.Context, envelopeID uint64, userID t.Uid, emoji string) (added bool, err error)
	DMReactionsFor(ctx context.Context, envelopeID uint64) ([]t.DMReaction, error)

	// Update log

	UpdateLogAppend(ctx context.Context, e *t.UpdateLogEntry) error
	UpdateLogFetch(ctx context.Context, userID t.Uid, fromSeqExclusive, toSeqInclusive uint64) ([]t.UpdateLogEntry, error)
	UpdateLogMaxSeq(ctx context.Context, userID t.Uid) (uint64, error)
	UpdateLogMaxSeqAll(ctx context.Context) (map[t.Uid]uint64, error)
	UpdateLogPrune(ctx context.Context, olderThan time.Time) (int, error)

	// Blocklist

	BlocklistLoad(ctx context.Context) ([]string, error)
	BlocklistSave(ctx context.Context, phrases []string) error
}
