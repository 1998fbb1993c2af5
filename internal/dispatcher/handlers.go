package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"html"

	"github.com/tideline-chat/core/internal/audit"
	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/profanity"
	"github.com/tideline-chat/core/internal/proto"
	"github.com/tideline-chat/core/internal/push"
	t "github.com/tideline-chat/core/internal/store/types"
)

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// handlePing sets the caller online and broadcasts statusUpdate
// {online:true} on every ping (spec.md §4.7).
func handlePing(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, _ json.RawMessage) (interface{}, error) {
	if err := d.store.SetPresence(ctx, user.Id, true); err != nil {
		return nil, err
	}
	d.hub.Broadcast(ctx, hub.Update{
		Kind:    proto.UpdateStatus,
		Payload: hub.UserRef{UserID: uint64(user.Id), Extra: map[string]bool{"online": true}},
	})
	return map[string]bool{"ok": true}, nil
}

type getMessagesRequest struct {
	SinceID uint64 `json:"sinceId"`
	Limit   int    `json:"limit"`
}

func handleGetMessages(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req getMessagesRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := d.store.FetchPublicMessages(ctx, req.SinceID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, len(msgs))
	for i := range msgs {
		views[i] = messageView(&msgs[i])
	}
	return views, nil
}

type sendMessageRequest struct {
	Content     string     `json:"content"`
	ReplyToID   uint64     `json:"replyToId"`
	Attachments []FileView `json:"attachments"`
}

func handleSendMessage(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req sendMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Content == "" || len(req.Content) > maxContentLength {
		d.mx.MessagesRejected.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: content must be 1-%d characters", ErrValidation, maxContentLength)
	}
	if d.filter.Contains(req.Content) {
		d.mx.MessagesRejected.WithLabelValues("content_policy").Inc()
		return nil, fmt.Errorf("%w: message rejected by content filter", ErrContentPolicy)
	}
	escaped := html.EscapeString(req.Content)

	m, err := d.store.InsertPublicMessage(ctx, user.Id, escaped, req.ReplyToID, attachmentRefs(req.Attachments))
	if err != nil {
		return nil, err
	}
	d.mx.MessagesAccepted.Inc()

	view := messageView(m)
	d.hub.Broadcast(ctx, hub.Update{
		Kind:    proto.UpdateNewMessage,
		Payload: hub.MessageRef{MessageID: m.ID, Message: view},
	})
	d.notify.Notify(push.KindNewMessage, 0, push.Payload{From: user.Id, MessageID: m.ID, Timestamp: m.Timestamp})
	d.audit.Record(audit.LevelInfo, audit.MessageCreated, "authorId", user.Id, "messageId", m.ID)

	if user.Id != t.OwnerUid {
		normalized := profanity.Normalize(escaped)
		verdict := d.spam.Evaluate(user.Id, m.ID, normalized, escaped, nowMs().Sub(user.CreatedAt))
		if verdict.Flagged {
			event := audit.AutoSuspensionPublicSpam
			if verdict.Reason == "burst" {
				event = audit.AutoSuspensionBurst
			}
			if err := d.mod.AutoSuspend(ctx, user.Id, "Automatic suspension: "+spamReasonText(verdict.Reason), event, verdict.MsgIDs); err != nil {
				d.log.Error("auto-suspend failed", "uid", user.Id, "error", err)
			} else {
				d.mx.AutoSuspensions.WithLabelValues(verdict.Reason).Inc()
				for _, id := range verdict.MsgIDs {
					d.hub.Broadcast(ctx, hub.Update{
						Kind:    proto.UpdateMessageDeleted,
						Payload: hub.MessageRef{MessageID: id, Message: map[string]uint64{"id": id}},
					})
				}
			}
		}
	}

	return view, nil
}

func spamReasonText(reason string) string {
	switch reason {
	case "burst":
		return "excessive message rate"
	case "short_repeat":
		return "repeated short message"
	default:
		return "repeated similar messages"
	}
}

type editMessageRequest struct {
	ID      uint64 `json:"id"`
	Content string `json:"content"`
}

func handleEditMessage(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req editMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Content == "" || len(req.Content) > maxContentLength {
		return nil, fmt.Errorf("%w: content must be 1-%d characters", ErrValidation, maxContentLength)
	}
	if d.filter.Contains(req.Content) {
		return nil, fmt.Errorf("%w: message rejected by content filter", ErrContentPolicy)
	}
	escaped := html.EscapeString(req.Content)

	m, err := d.store.EditPublicMessage(ctx, req.ID, user.Id, escaped)
	if err != nil {
		return nil, err
	}
	view := messageView(m)
	d.hub.Broadcast(ctx, hub.Update{Kind: proto.UpdateMessageEdited, Payload: hub.MessageRef{MessageID: m.ID, Message: view}})
	d.audit.Record(audit.LevelInfo, audit.MessageEdited, "actorId", user.Id, "messageId", m.ID)
	return view, nil
}

type deleteMessageRequest struct {
	ID uint64 `json:"id"`
}

func handleDeleteMessage(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req deleteMessageRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if _, err := d.store.DeletePublicMessage(ctx, req.ID, user.Id, user.IsOwner()); err != nil {
		return nil, err
	}
	d.hub.Broadcast(ctx, hub.Update{
		Kind:    proto.UpdateMessageDeleted,
		Payload: hub.MessageRef{MessageID: req.ID, Message: map[string]uint64{"id": req.ID}},
	})
	d.audit.Record(audit.LevelInfo, audit.MessageDeleted, "actorId", user.Id, "messageId", req.ID)
	return map[string]bool{"ok": true}, nil
}

type dmSendRequest struct {
	RecipientID uint64     `json:"recipientId"`
	IV          string     `json:"iv"`
	Ciphertext  string     `json:"ciphertext"`
	Salt        string     `json:"salt"`
	IV2         string     `json:"iv2"`
	WrappedMK   string     `json:"wrappedMk"`
	ReplyToID   uint64     `json:"replyToId"`
	Attachments []FileView `json:"attachments"`
}

func handleDMSend(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req dmSendRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	recipient := t.Uid(req.RecipientID)
	if recipient == user.Id {
		return nil, fmt.Errorf("%w: cannot DM yourself", ErrValidation)
	}
	env, err := d.store.InsertDM(ctx, user.Id, recipient, req.IV, req.Ciphertext, req.Salt, req.IV2, req.WrappedMK, req.ReplyToID, attachmentRefs(req.Attachments))
	if err != nil {
		return nil, err
	}
	view := dmView(env)
	update := hub.Update{Kind: proto.UpdateDMNew, Payload: hub.EnvelopeRef{EnvelopeID: env.ID, Envelope: view}}
	d.hub.ToUser(ctx, user.Id, update)
	d.hub.ToUser(ctx, recipient, update)
	d.notify.Notify(push.KindDMNew, recipient, push.Payload{From: user.Id, MessageID: env.ID, Timestamp: env.Timestamp})
	d.audit.Record(audit.LevelInfo, audit.DMCreated, "senderId", user.Id, "recipientId", recipient, "envelopeId", env.ID)
	return view, nil
}

type dmEditRequest struct {
	ID         uint64 `json:"id"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
	IV2        string `json:"iv2"`
	WrappedMK  string `json:"wrappedMk"`
}

func handleDMEdit(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req dmEditRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	env, err := d.store.EditDM(ctx, req.ID, user.Id, req.IV, req.Ciphertext, req.Salt, req.IV2, req.WrappedMK)
	if err != nil {
		return nil, err
	}
	view := dmView(env)
	update := hub.Update{Kind: proto.UpdateDMEdited, Payload: hub.EnvelopeRef{EnvelopeID: env.ID, Envelope: view}}
	d.hub.ToUser(ctx, env.SenderID, update)
	d.hub.ToUser(ctx, env.RecipientID, update)
	d.audit.Record(audit.LevelInfo, audit.DMEdited, "actorId", user.Id, "envelopeId", env.ID)
	return view, nil
}

type dmDeleteRequest struct {
	ID uint64 `json:"id"`
}

func handleDMDelete(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req dmDeleteRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	env, err := d.store.GetDM(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := d.store.DeleteDM(ctx, req.ID, user.Id); err != nil {
		return nil, err
	}
	update := hub.Update{
		Kind:    proto.UpdateDMDeleted,
		Payload: hub.EnvelopeRef{EnvelopeID: req.ID, Envelope: map[string]uint64{"id": req.ID}},
	}
	d.hub.ToUser(ctx, env.SenderID, update)
	d.hub.ToUser(ctx, env.RecipientID, update)
	d.audit.Record(audit.LevelInfo, audit.DMDeleted, "actorId", user.Id, "envelopeId", req.ID)
	return map[string]bool{"ok": true}, nil
}

type reactionRequest struct {
	MessageID  uint64 `json:"messageId"`
	EnvelopeID uint64 `json:"envelopeId"`
	Emoji      string `json:"emoji"`
}

func handleAddReaction(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req reactionRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Emoji == "" {
		return nil, fmt.Errorf("%w: emoji required", ErrValidation)
	}
	added, err := d.store.ToggleReaction(ctx, req.MessageID, user.Id, req.Emoji)
	if err != nil {
		return nil, err
	}
	reactions, err := d.store.ReactionsFor(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	action := "removed"
	if added {
		action = "added"
	}
	view := reactionSetView(req.MessageID, reactions)
	d.hub.Broadcast(ctx, hub.Update{
		Kind: proto.UpdateReaction,
		Payload: hub.ReactionRef{MessageID: req.MessageID, UserID: uint64(user.Id), Emoji: req.Emoji, Added: added},
	})
	d.audit.Record(audit.LevelInfo, audit.ReactionUpdate, "actorId", user.Id, "messageId", req.MessageID, "emoji", req.Emoji, "action", action)
	return map[string]interface{}{"action": action, "reactions": view.Reactions}, nil
}

func handleAddDMReaction(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req reactionRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.Emoji == "" {
		return nil, fmt.Errorf("%w: emoji required", ErrValidation)
	}
	env, err := d.store.GetDM(ctx, req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	if user.Id != env.SenderID && user.Id != env.RecipientID {
		return nil, fmt.Errorf("%w: not a participant", ErrValidation)
	}
	added, err := d.store.ToggleDMReaction(ctx, req.EnvelopeID, user.Id, req.Emoji)
	if err != nil {
		return nil, err
	}
	reactions, err := d.store.DMReactionsFor(ctx, req.EnvelopeID)
	if err != nil {
		return nil, err
	}
	action := "removed"
	if added {
		action = "added"
	}
	view := dmReactionSetView(req.EnvelopeID, reactions)
	update := hub.Update{
		Kind:    proto.UpdateDMReaction,
		Payload: hub.DMReactionRef{EnvelopeID: req.EnvelopeID, UserID: uint64(user.Id), Emoji: req.Emoji, Added: added},
	}
	d.hub.ToUser(ctx, env.SenderID, update)
	d.hub.ToUser(ctx, env.RecipientID, update)
	d.audit.Record(audit.LevelInfo, audit.DMReactionUpdate, "actorId", user.Id, "envelopeId", req.EnvelopeID, "emoji", req.Emoji, "action", action)
	return map[string]interface{}{"action": action, "reactions": view.Reactions}, nil
}

type subscribeStatusRequest struct {
	UserID uint64 `json:"userId"`
}

func handleSubscribeStatus(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req subscribeStatusRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	target := t.Uid(req.UserID)
	d.hub.Subscribe(s, target)
	tu, err := d.store.FindUserById(ctx, target)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"userId": req.UserID, "online": tu.Online}, nil
}

func handleUnsubscribeStatus(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req subscribeStatusRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	d.hub.Unsubscribe(s, t.Uid(req.UserID))
	return nil, nil
}

// handleTyping/handleStopTyping/handleDMTyping/handleStopDMTyping emit
// no confirmation reply by design (spec.md §4.7: "no confirmation
// (privacy)").

type dmTypingRequest struct {
	RecipientID uint64 `json:"recipientId"`
}

func handleTyping(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, _ json.RawMessage) (interface{}, error) {
	d.pres.PublicTyping(ctx, user.Id)
	return nil, nil
}

func handleStopTyping(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, _ json.RawMessage) (interface{}, error) {
	d.pres.PublicStopTyping(ctx, user.Id)
	return nil, nil
}

func handleDMTyping(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req dmTypingRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	d.pres.DMTyping(ctx, user.Id, t.Uid(req.RecipientID))
	return nil, nil
}

func handleStopDMTyping(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req dmTypingRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	d.pres.DMStopTyping(ctx, user.Id, t.Uid(req.RecipientID))
	return nil, nil
}

type callForwardRequest struct {
	ToUserID uint64                 `json:"toUserId"`
	Payload  map[string]interface{} `json:"payload"`
}

// handleCallForward builds a handler that forwards an opaque
// WebRTC-signaling payload to the named recipient through the
// recipient's batched update stream (see update below) (spec.md §4.7: call_signaling/call_video_toggle/
// call_screen_share_toggle/call_end all forward opaque payloads).
func handleCallForward(cmdType string) handlerFunc {
	return func(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
		var req callForwardRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		frame := proto.Direct{Type: cmdType, Data: map[string]interface{}{
			"fromUserId": uint64(user.Id),
			"payload":    req.Payload,
		}}
		d.hub.ToUser(ctx, t.Uid(req.ToUserID), update(frame))
		return nil, nil
	}
}

// update wraps a DirectSend-shaped frame as an Enqueue-able Update so
// call forwarding goes through the same per-session batching path as
// every other server-originated change, instead of a bespoke
// unbatched path (spec.md §4.5 treats every fan-out the same way;
// DirectSend is reserved for replies to the sender, not third-party
// delivery).
func update(frame proto.Direct) hub.Update {
	return hub.Update{Kind: frame.Type, Payload: frame.Data}
}

type getUpdatesRequest struct {
	LastSeq uint64 `json:"lastSeq"`
}

// handleGetUpdates replays the gap-recovery log: every batch strictly
// after LastSeq, in order, as the client would have seen it live
// (spec.md §4.4/§4.5, scenario S2).
func handleGetUpdates(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error) {
	var req getUpdatesRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	maxSeq, err := d.store.MaxSequence(ctx, user.Id)
	if err != nil {
		return nil, err
	}
	entries, err := d.store.FetchUpdateLog(ctx, user.Id, req.LastSeq, maxSeq)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		var items []json.RawMessage
		if err := json.Unmarshal(e.Updates, &items); err != nil {
			d.log.Error("getUpdates: corrupt log entry", "uid", user.Id, "seq", e.Sequence, "error", err)
			continue
		}
		payloads := make([]interface{}, len(items))
		for i, it := range items {
			payloads[i] = it
		}
		d.hub.DirectSend(s, proto.NewUpdates(e.Sequence, payloads))
		d.mx.GapRecoveryBatches.Inc()
	}
	s.SetLastAckSeq(maxSeq)
	return nil, nil
}

func attachmentRefs(views []FileView) []t.FileRef {
	if len(views) == 0 {
		return nil
	}
	out := make([]t.FileRef, len(views))
	for i, v := range views {
		out[i] = t.FileRef{Path: v.Path, OriginalName: v.OriginalName}
	}
	return out
}
