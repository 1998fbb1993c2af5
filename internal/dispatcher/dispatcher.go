// Package dispatcher is the inbound command router of spec.md §4.7,
// grounded on the teacher's Session.dispatch (server/session.go) but
// restructured from a switch over anonymous message-shape fields into
// a command table: a map keyed by command name whose entries carry an
// authRequired flag and a handler func. Commands are looked up by their
// string name; there is no separate command enum type.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tideline-chat/core/internal/audit"
	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/metrics"
	"github.com/tideline-chat/core/internal/moderation"
	"github.com/tideline-chat/core/internal/presence"
	"github.com/tideline-chat/core/internal/profanity"
	"github.com/tideline-chat/core/internal/proto"
	"github.com/tideline-chat/core/internal/push"
	"github.com/tideline-chat/core/internal/spam"
	"github.com/tideline-chat/core/internal/store"
	t "github.com/tideline-chat/core/internal/store/types"
)

// Error kinds from spec.md §7. Handlers return one of these (wrapped
// with context via fmt.Errorf/%w) and replyForErr maps it onto the
// matching transport-level error code.
var (
	ErrValidation    = errors.New("dispatcher: validation error")
	ErrContentPolicy = errors.New("dispatcher: content policy violation")
	ErrAuthRequired  = errors.New("dispatcher: authentication required")
	ErrSuspended     = errors.New("dispatcher: account suspended")
	ErrDeleted       = errors.New("dispatcher: account deleted")
)

const maxContentLength = 4096

// Hub is the subset of internal/hub.Hub the dispatcher depends on. It
// is declared as an interface, per Design Notes §9, so the hub never
// needs to import the dispatcher back: the dependency is one-way.
type Hub interface {
	Register(s *hub.Session)
	BindUser(s *hub.Session, uid t.Uid)
	Subscribe(s *hub.Session, uid t.Uid)
	Unsubscribe(s *hub.Session, uid t.Uid)
	Enqueue(ctx context.Context, s *hub.Session, u hub.Update)
	Broadcast(ctx context.Context, u hub.Update)
	ToUser(ctx context.Context, uid t.Uid, u hub.Update)
	DirectSend(s *hub.Session, frame interface{}) bool
	Disconnect(ctx context.Context, s *hub.Session)
}

// handlerFunc implements one command. data is the raw JSON body of the
// inbound frame's "data" field. user is the dispatching actor's
// current row, already checked for suspended/deleted by Dispatch.
type handlerFunc func(ctx context.Context, d *Dispatcher, s *hub.Session, user *t.User, data json.RawMessage) (interface{}, error)

// command is one command-table row: the auth requirement and handler,
// keyed by the proto.Cmd* name.
type command struct {
	authRequired bool
	handle       handlerFunc
}

// Dispatcher wires every component the command table's handlers need:
// the store, the hub (as an interface), the profanity filter, the spam
// monitor, the presence/typing engine, the notifier, the audit sink,
// and the moderation surface for owner-only mutations routed through
// the same frame protocol as everything else (spec.md §6 "Admin
// surface ... call into the core via the same contracts users do").
type Dispatcher struct {
	log    *slog.Logger
	store  *store.Store
	hub    Hub
	filter *profanity.Filter
	spam   *spam.Monitor
	pres   *presence.Engine
	notify *push.Notifier
	audit  *audit.Sink
	mod    *moderation.Surface
	mx     *metrics.Collectors

	table map[string]command
}

// New builds a Dispatcher and its command table.
func New(
	log *slog.Logger,
	st *store.Store,
	h Hub,
	filter *profanity.Filter,
	spamMonitor *spam.Monitor,
	pres *presence.Engine,
	notifier *push.Notifier,
	auditSink *audit.Sink,
	mod *moderation.Surface,
	mx *metrics.Collectors,
) *Dispatcher {
	d := &Dispatcher{
		log: log, store: st, hub: h, filter: filter, spam: spamMonitor,
		pres: pres, notify: notifier, audit: auditSink, mod: mod, mx: mx,
	}
	d.table = map[string]command{
		proto.CmdPing:                  {authRequired: true, handle: handlePing},
		proto.CmdGetMessages:           {authRequired: true, handle: handleGetMessages},
		proto.CmdSendMessage:           {authRequired: true, handle: handleSendMessage},
		proto.CmdEditMessage:           {authRequired: true, handle: handleEditMessage},
		proto.CmdDeleteMessage:         {authRequired: true, handle: handleDeleteMessage},
		proto.CmdDMSend:                {authRequired: true, handle: handleDMSend},
		proto.CmdDMEdit:                {authRequired: true, handle: handleDMEdit},
		proto.CmdDMDelete:              {authRequired: true, handle: handleDMDelete},
		proto.CmdAddReaction:           {authRequired: true, handle: handleAddReaction},
		proto.CmdAddDMReaction:         {authRequired: true, handle: handleAddDMReaction},
		proto.CmdSubscribeStatus:       {authRequired: true, handle: handleSubscribeStatus},
		proto.CmdUnsubscribeStatus:     {authRequired: true, handle: handleUnsubscribeStatus},
		proto.CmdTyping:                {authRequired: true, handle: handleTyping},
		proto.CmdStopTyping:            {authRequired: true, handle: handleStopTyping},
		proto.CmdDMTyping:              {authRequired: true, handle: handleDMTyping},
		proto.CmdStopDMTyping:          {authRequired: true, handle: handleStopDMTyping},
		proto.CmdCallSignaling:         {authRequired: true, handle: handleCallForward(proto.CmdCallSignaling)},
		proto.CmdCallVideoToggle:       {authRequired: true, handle: handleCallForward(proto.CmdCallVideoToggle)},
		proto.CmdCallScreenShareToggle: {authRequired: true, handle: handleCallForward(proto.CmdCallScreenShareToggle)},
		proto.CmdCallEnd:               {authRequired: true, handle: handleCallForward(proto.CmdCallEnd)},
		proto.CmdGetUpdates:            {authRequired: true, handle: handleGetUpdates},
	}
	return d
}

// BindSession marks s as authenticated for uid, called by the HTTP/WS
// edge once it has validated the bearer token (spec.md §6: token
// validation happens before Dispatcher handlers run).
func (d *Dispatcher) BindSession(s *hub.Session, uid t.Uid) {
	d.hub.BindUser(s, uid)
}

// Dispatch decodes one inbound frame and routes it through the
// command table, replying on s per spec.md §4.7/§7. It never lets a
// handler panic or error propagate past this call: unexpected errors
// become 500 replies and the session survives (spec.md §7 Internal
// error policy).
func (d *Dispatcher) Dispatch(ctx context.Context, s *hub.Session, raw []byte) {
	var in proto.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		d.hub.DirectSend(s, proto.NewError("", 400, "malformed frame"))
		return
	}

	cmd, ok := d.table[in.Type]
	if !ok {
		d.hub.DirectSend(s, proto.NewError(in.Type, 400, "unknown command"))
		return
	}

	var user *t.User
	if cmd.authRequired {
		if !s.IsAuthenticated() {
			d.hub.DirectSend(s, proto.NewError(in.Type, 401, "authentication required"))
			return
		}
		u, err := d.store.FindUserById(ctx, s.UserID())
		if err != nil {
			d.hub.DirectSend(s, replyForErr(in.Type, err))
			return
		}
		if err := checkAccountStatus(u); err != nil {
			d.hub.DirectSend(s, replyForErr(in.Type, err))
			return
		}
		user = u
	}

	result, err := d.safeHandle(ctx, cmd.handle, s, user, in.Data)
	if err != nil {
		d.auditDispatchError(in.Type, s, err)
		d.hub.DirectSend(s, replyForErr(in.Type, err))
		return
	}
	if result != nil {
		d.hub.DirectSend(s, proto.Direct{Type: in.Type, Data: result})
	}
}

// safeHandle recovers a panicking handler into an Internal error so
// one bad frame can never take down the session's dispatch loop
// (spec.md §7: "No exception ever propagates into the batch flusher
// loop" generalizes to the dispatch loop as a whole).
func (d *Dispatcher) safeHandle(ctx context.Context, h handlerFunc, s *hub.Session, user *t.User, data json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher: handler panic", "sid", s.SID, "panic", r)
			err = errInternal
		}
	}()
	return h(ctx, d, s, user, data)
}

var errInternal = errors.New("dispatcher: internal error")

func (d *Dispatcher) auditDispatchError(cmdType string, s *hub.Session, err error) {
	if errors.Is(err, errInternal) {
		d.log.Error("dispatcher: handler error", "cmd", cmdType, "sid", s.SID, "error", err)
	}
}

// replyForErr maps an error kind onto the transport-level error reply
// shape of spec.md §7.
func replyForErr(cmdType string, err error) proto.ErrorFrame {
	switch {
	case errors.Is(err, ErrValidation):
		return proto.NewError(cmdType, 400, err.Error())
	case errors.Is(err, ErrContentPolicy):
		return proto.NewError(cmdType, 422, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return proto.NewError(cmdType, 404, "not found")
	case errors.Is(err, store.ErrForbidden):
		return proto.NewError(cmdType, 403, "forbidden")
	case errors.Is(err, ErrAuthRequired):
		return proto.NewError(cmdType, 401, err.Error())
	case errors.Is(err, ErrSuspended), errors.Is(err, ErrDeleted):
		return proto.NewError(cmdType, 403, err.Error())
	case errors.Is(err, store.ErrConflict):
		return proto.NewError(cmdType, 409, "conflict")
	default:
		return proto.NewError(cmdType, 500, "internal error")
	}
}

// checkAccountStatus rejects dispatch for a suspended or deleted
// actor, per spec.md §7's Suspended/Deleted error kind: "account
// disabled" applies on every subsequent authenticated request once the
// flag is set, not just at login.
func checkAccountStatus(u *t.User) error {
	if u.Deleted {
		return ErrDeleted
	}
	if u.Suspended {
		return ErrSuspended
	}
	return nil
}

func nowMs() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
