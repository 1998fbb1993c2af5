// Package types holds the persisted entities of the chat core. The
// errors the store layer reports live in package store.
package types

import (
	"strconv"
	"time"
)

// Uid is a monotonically increasing user id assigned by the store.
type Uid uint64

// IsZero reports whether the uid was never assigned.
func (uid Uid) IsZero() bool {
	return uid == 0
}

// String renders the uid in decimal, the wire format clients see.
func (uid Uid) String() string {
	return strconv.FormatUint(uint64(uid), 10)
}

// MarshalJSON renders the uid as a JSON string so large ids survive
// round-tripping through JS Number precision loss on the client.
func (uid Uid) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(uid.String())), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (uid *Uid) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*uid = Uid(v)
	return nil
}

// ZeroUid is the unassigned/anonymous user.
const ZeroUid Uid = 0

// OwnerUid is the single privileged account; exempt from suspension and
// auto-moderation, sole holder of moderation rights.
const OwnerUid Uid = 1

// ObjHeader carries the creation and last-update timestamps every
// persisted entity embeds.
type ObjHeader struct {
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InitTimes stamps CreatedAt/UpdatedAt to now if unset.
func (h *ObjHeader) InitTimes(now time.Time) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
}

// User is an account record.
type User struct {
	ObjHeader
	Id                Uid
	Username          string
	DisplayName       string
	PasswordVerifier  string
	Verified          bool
	Suspended         bool
	SuspensionReason  string
	Deleted           bool
	Online            bool
	LastSeen          time.Time
}

// IsOwner reports whether this is the one privileged account.
func (u *User) IsOwner() bool {
	return u.Id == OwnerUid
}

// DeviceSession is one authenticated bearer-token session for a user.
type DeviceSession struct {
	ObjHeader
	SessionID string // opaque 128-bit hex
	UserID    Uid
	Device    string
	OS        string
	Browser   string
	Model     string
	LastSeen  time.Time
	Revoked   bool
}

// FileRef is a pointer to an uploaded attachment; bytes live outside the
// store (file upload storage itself is out of scope per spec.md §1).
type FileRef struct {
	Path         string
	OriginalName string
}

// PublicMessage is a row in the single global room.
type PublicMessage struct {
	ObjHeader
	ID          uint64
	AuthorID    Uid
	Content     string // HTML-escaped, <= 4096 chars
	Timestamp   time.Time
	ReplyToID   uint64 // 0 if none
	IsEdited    bool
	Deleted     bool
	Attachments []FileRef
}

// DMEnvelope is an opaque end-to-end-encrypted direct message. The store
// never inspects or re-encodes the ciphertext fields.
type DMEnvelope struct {
	ObjHeader
	ID          uint64
	SenderID    Uid
	RecipientID Uid
	IV          string
	Ciphertext  string
	Salt        string
	IV2         string
	WrappedMK   string
	Timestamp   time.Time
	ReplyToID   uint64
	Deleted     bool
	Attachments []FileRef
}

// Reaction is a toggleable emoji reaction on a public message.
type Reaction struct {
	MessageID uint64
	UserID    Uid
	Emoji     string
}

// DMReaction is the DM-side equivalent of Reaction.
type DMReaction struct {
	EnvelopeID uint64
	UserID     Uid
	Emoji      string
}

// UpdateLogEntry is one durable flushed batch for a user.
type UpdateLogEntry struct {
	UserID    Uid
	Sequence  uint64
	Updates   []byte // serialized []dispatcher-level update, opaque here
	Timestamp time.Time
}

// Blocklist is the set of normalized phrases the profanity filter rejects.
type Blocklist struct {
	Phrases []string // sorted, lowercased, trimmed
}
