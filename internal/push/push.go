// Package push defines the fire-and-forget notifier contract of
// spec.md §4.8, grounded on the teacher's push.Handler/Receipt
// interface (server/push/push.go) trimmed to this spec's single-method
// Notify contract — no topic/access-mode concepts survive since this
// spec has no subscription model to notify about.
package push

import (
	"context"
	"log/slog"
	"time"

	t "github.com/tideline-chat/core/internal/store/types"
)

// Kind identifies what happened, mirroring the teacher's Payload.What
// action tags (server/push/push.go ActMsg).
type Kind string

const (
	KindNewMessage Kind = "msg"
	KindDMNew      Kind = "dm"
)

// Payload is the data-only, silent push body: enough for a client to
// fetch the full content, never the content itself for DMs (those stay
// end-to-end encrypted).
type Payload struct {
	Kind      Kind      `json:"kind"`
	From      t.Uid     `json:"from"`
	MessageID uint64    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Handler delivers one push to one user's registered devices. Never
// called synchronously from the dispatcher's hot path; Notifier queues
// the call onto a worker.
type Handler interface {
	Send(ctx context.Context, target t.Uid, payload Payload) error
}

// Notifier is a fire-and-forget dispatcher-facing front for Handler.
// Notify never blocks the caller and never propagates a delivery
// failure back to it (spec.md §4.8).
type Notifier struct {
	handler Handler
	log     *slog.Logger
	queue   chan notifyJob
	done    chan struct{}
}

type notifyJob struct {
	target  t.Uid
	payload Payload
}

// New starts a Notifier backed by handler. queueSize bounds the
// in-flight job buffer; a full queue drops the new notification rather
// than blocking Notify.
func New(handler Handler, log *slog.Logger, queueSize int) *Notifier {
	n := &Notifier{
		handler: handler,
		log:     log,
		queue:   make(chan notifyJob, queueSize),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify enqueues a push; it never blocks and never returns an error
// to the caller. A full queue drops the notification and logs a warning.
func (n *Notifier) Notify(kind Kind, target t.Uid, payload Payload) {
	payload.Kind = kind
	select {
	case n.queue <- notifyJob{target: target, payload: payload}:
	default:
		n.log.Warn("push notifier queue full, dropping", "target", target, "kind", kind)
	}
}

func (n *Notifier) run() {
	for {
		select {
		case job := <-n.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := n.handler.Send(ctx, job.target, job.payload); err != nil {
				n.log.Warn("push delivery failed", "target", job.target, "error", err)
			}
			cancel()
		case <-n.done:
			return
		}
	}
}

// Stop terminates the notifier's worker.
func (n *Notifier) Stop() {
	close(n.done)
}
