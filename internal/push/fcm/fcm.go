// Package fcm is the push.Handler implementation backed by Firebase
// Cloud Messaging, grounded on the teacher's server/push/fcm package
// and its use of firebase.google.com/go/messaging for data-only
// silent pushes (push.ActMsg in the teacher, KindNewMessage/KindDMNew
// here). Device token storage and the actual notification payload
// shaping (title/body localization) are simplified relative to the
// teacher's AndroidConfig since this spec has no per-locale
// configuration surface.
package fcm

import (
	"context"
	"encoding/json"
	"fmt"

	firebase "firebase.google.com/go"
	fcm "firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"github.com/tideline-chat/core/internal/push"
	t "github.com/tideline-chat/core/internal/store/types"
)

// DeviceDirectory resolves a user's registered FCM tokens. Device
// registration itself is a Non-goal of this spec; callers typically
// back this with a simple in-memory or store-backed token table.
type DeviceDirectory interface {
	TokensFor(ctx context.Context, uid t.Uid) ([]string, error)
}

// Handler sends data-only pushes through FCM.
type Handler struct {
	client  *fcm.Client
	devices DeviceDirectory
}

// New builds a Handler from a service-account credentials file, the
// same initialization shape as the teacher's fcm.Init (server/push/fcm).
func New(ctx context.Context, credentialsFile string, devices DeviceDirectory) (*Handler, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("fcm: init app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("fcm: init messaging client: %w", err)
	}
	return &Handler{client: client, devices: devices}, nil
}

// Send delivers a silent, data-only push to every token registered for
// target. A failed token does not fail the call unless every send
// fails, in which case the last error is returned; push.Notifier only
// logs whatever error Send returns.
func (h *Handler) Send(ctx context.Context, target t.Uid, payload push.Payload) error {
	tokens, err := h.devices.TokensFor(ctx, target)
	if err != nil {
		return fmt.Errorf("fcm: resolve tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	data, err := encodeData(payload)
	if err != nil {
		return err
	}

	var lastErr error
	sent := 0
	for _, tok := range tokens {
		msg := &fcm.Message{
			Token: tok,
			Data:  data,
			Android: &fcm.AndroidConfig{
				Priority: "high",
			},
		}
		if _, err := h.client.Send(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("fcm: all %d sends failed: %w", len(tokens), lastErr)
	}
	return nil
}

func encodeData(payload push.Payload) (map[string]string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fcm: marshal payload: %w", err)
	}
	return map[string]string{
		"kind":    string(payload.Kind),
		"payload": string(body),
	}, nil
}
