package hub

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/tideline-chat/core/internal/proto"
)

// marshalBatch serializes a batch into the exact {type, data} frames a
// live client would have received, so a replayed getUpdates batch
// (spec.md §4.4 gap recovery) is byte-identical to the original.
func marshalBatch(batch []Update) ([]byte, error) {
	out := make([]proto.Direct, len(batch))
	for i, u := range batch {
		out[i] = proto.Direct{Type: u.Kind, Data: u.WireData()}
	}
	return json.Marshal(out)
}

// Update is one queued fan-out item: a typed payload plus the kind
// tag used both for the signature table (spec.md §4.5) and for the
// wire envelope written into the flushed batch.
type Update struct {
	Kind    string
	Payload interface{}
}

// WireData extracts the {type, data} envelope's "data" body from u,
// per spec.md §6's outbound update shape {type, data}. Ref types that
// only exist to carry a dedup key (MessageRef, EnvelopeRef) unwrap to
// their embedded view; types that are already flat data pass through.
func (u Update) WireData() interface{} {
	switch p := u.Payload.(type) {
	case MessageRef:
		return p.Message
	case EnvelopeRef:
		return p.Envelope
	case UserRef:
		data := map[string]interface{}{"userId": p.UserID}
		if extra, ok := p.Extra.(map[string]bool); ok {
			for k, v := range extra {
				data[k] = v
			}
		} else if p.Extra != nil {
			data["extra"] = p.Extra
		}
		return data
	default:
		return u.Payload
	}
}

// signature computes the in-batch dedup key for u, per spec.md §4.5's
// table. It is only ever compared against other signatures on the same
// session; it carries no security meaning.
func signature(u Update) string {
	switch u.Kind {
	case proto.UpdateNewMessage, proto.UpdateMessageEdited, proto.UpdateMessageDeleted:
		if p, ok := u.Payload.(MessageRef); ok {
			return fmt.Sprintf("%s:%d", u.Kind, p.MessageID)
		}
	case proto.UpdateDMNew, proto.UpdateDMEdited, proto.UpdateDMDeleted:
		if p, ok := u.Payload.(EnvelopeRef); ok {
			return fmt.Sprintf("%s:%d", u.Kind, p.EnvelopeID)
		}
	case proto.UpdateReaction:
		if p, ok := u.Payload.(ReactionRef); ok {
			return fmt.Sprintf("%s:%d:%s:%d", u.Kind, p.MessageID, p.Emoji, p.UserID)
		}
	case proto.UpdateDMReaction:
		if p, ok := u.Payload.(DMReactionRef); ok {
			return fmt.Sprintf("%s:%d:%s:%d", u.Kind, p.EnvelopeID, p.Emoji, p.UserID)
		}
	case proto.UpdateTyping, proto.UpdateStopTyping, proto.UpdateDMTyping, proto.UpdateStopDMTyping:
		if p, ok := u.Payload.(UserRef); ok {
			return fmt.Sprintf("%s:%d", u.Kind, p.UserID)
		}
	case proto.UpdateStatus:
		if p, ok := u.Payload.(UserRef); ok {
			return fmt.Sprintf("%s:%d", u.Kind, p.UserID)
		}
	}
	return fmt.Sprintf("%s:%s", u.Kind, hashPayload(u.Payload))
}

func hashPayload(payload interface{}) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%#v", payload)))
	return hex.EncodeToString(sum[:])
}

// MessageRef identifies a public-message-scoped update.
type MessageRef struct {
	MessageID uint64
	Message   interface{}
}

// EnvelopeRef identifies a DM-envelope-scoped update.
type EnvelopeRef struct {
	EnvelopeID uint64
	Envelope   interface{}
}

// ReactionRef identifies a public-message reaction toggle.
type ReactionRef struct {
	MessageID uint64
	UserID    uint64
	Emoji     string
	Added     bool
}

// DMReactionRef identifies a DM reaction toggle.
type DMReactionRef struct {
	EnvelopeID uint64
	UserID     uint64
	Emoji      string
	Added      bool
}

// UserRef identifies a user-scoped update (typing, status).
type UserRef struct {
	UserID uint64
	Extra  interface{}
}
