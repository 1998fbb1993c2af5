package dispatcher

import (
	"time"

	t "github.com/tideline-chat/core/internal/store/types"
)

// FileView is the wire shape of an attachment pointer.
type FileView struct {
	Path         string `json:"path"`
	OriginalName string `json:"originalName"`
}

// MessageView is the wire shape of a public message, used both as the
// "data" body of newMessage/messageEdited updates and as one element
// of a getMessages reply.
type MessageView struct {
	ID          uint64     `json:"id"`
	AuthorID    uint64     `json:"authorId"`
	Content     string     `json:"content"`
	Timestamp   time.Time  `json:"timestamp"`
	ReplyToID   uint64     `json:"replyToId,omitempty"`
	IsEdited    bool       `json:"isEdited"`
	Attachments []FileView `json:"attachments,omitempty"`
}

func messageView(m *t.PublicMessage) MessageView {
	return MessageView{
		ID:          m.ID,
		AuthorID:    uint64(m.AuthorID),
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		ReplyToID:   m.ReplyToID,
		IsEdited:    m.IsEdited,
		Attachments: fileViews(m.Attachments),
	}
}

// DMView is the wire shape of a DM envelope. Ciphertext fields are
// passed through verbatim; the server never inspects or re-encodes
// them (spec.md §3 DM opacity invariant).
type DMView struct {
	ID          uint64     `json:"id"`
	SenderID    uint64     `json:"senderId"`
	RecipientID uint64     `json:"recipientId"`
	IV          string     `json:"iv"`
	Ciphertext  string     `json:"ciphertext"`
	Salt        string     `json:"salt"`
	IV2         string     `json:"iv2"`
	WrappedMK   string     `json:"wrappedMk"`
	Timestamp   time.Time  `json:"timestamp"`
	ReplyToID   uint64     `json:"replyToId,omitempty"`
	Attachments []FileView `json:"attachments,omitempty"`
}

func dmView(d *t.DMEnvelope) DMView {
	return DMView{
		ID:          d.ID,
		SenderID:    uint64(d.SenderID),
		RecipientID: uint64(d.RecipientID),
		IV:          d.IV,
		Ciphertext:  d.Ciphertext,
		Salt:        d.Salt,
		IV2:         d.IV2,
		WrappedMK:   d.WrappedMK,
		Timestamp:   d.Timestamp,
		ReplyToID:   d.ReplyToID,
		Attachments: fileViews(d.Attachments),
	}
}

func fileViews(in []t.FileRef) []FileView {
	if len(in) == 0 {
		return nil
	}
	out := make([]FileView, len(in))
	for i, f := range in {
		out[i] = FileView{Path: f.Path, OriginalName: f.OriginalName}
	}
	return out
}

// ReactionSetView is the refreshed reaction set returned alongside a
// toggle result (spec.md §4.1 ToggleReaction contract).
type ReactionSetView struct {
	MessageID uint64              `json:"messageId,omitempty"`
	EnvelopeID uint64             `json:"envelopeId,omitempty"`
	Reactions map[string][]uint64 `json:"reactions"` // emoji -> user ids
}

func reactionSetView(messageID uint64, reactions []t.Reaction) ReactionSetView {
	byEmoji := make(map[string][]uint64)
	for _, r := range reactions {
		byEmoji[r.Emoji] = append(byEmoji[r.Emoji], uint64(r.UserID))
	}
	return ReactionSetView{MessageID: messageID, Reactions: byEmoji}
}

func dmReactionSetView(envelopeID uint64, reactions []t.DMReaction) ReactionSetView {
	byEmoji := make(map[string][]uint64)
	for _, r := range reactions {
		byEmoji[r.Emoji] = append(byEmoji[r.Emoji], uint64(r.UserID))
	}
	return ReactionSetView{EnvelopeID: envelopeID, Reactions: byEmoji}
}
