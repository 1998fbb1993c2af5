// Package audit is the append-only structured event sink of spec.md
// §4.9. Rotation parameters (5 MiB, 5 generations) are implemented
// with gopkg.in/natefinch/lumberjack.v2, grounded on that library's
// MaxSize/MaxBackups knobs; the human-readable record format uses
// log/slog's text handler the way the rest of this module logs,
// rather than introducing a second logging convention for one sink.
package audit

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event names, the fixed taxonomy of spec.md §4.9.
const (
	LoginSuccess             = "login_success"
	LoginFailed              = "login_failed"
	RegistrationSuccess      = "registration_success"
	PasswordChanged          = "password_changed"
	Logout                   = "logout"
	AutoSuspensionPublicSpam = "auto_suspension_public_spam"
	AutoSuspensionBurst      = "auto_suspension_public_burst"
	AdminSuspendUser         = "admin_suspend_user"
	AdminUnsuspendUser       = "admin_unsuspend_user"
	AdminDeleteUser          = "admin_delete_user"
	AdminVerifyToggle        = "admin_verify_toggle"
	BlocklistAdd             = "blocklist_add"
	BlocklistRemove          = "blocklist_remove"
	HTTPRequest              = "http_request"
	WSConnect                = "ws_connect"
	WSDisconnect             = "ws_disconnect"
	WSEvent                  = "ws_event"
	MessageCreated           = "message_created"
	MessageEdited            = "message_edited"
	MessageDeleted           = "message_deleted"
	DMCreated                = "dm_created"
	DMEdited                 = "dm_edited"
	DMDeleted                = "dm_deleted"
	ReactionUpdate           = "reaction_update"
	DMReactionUpdate         = "dm_reaction_update"
)

// Sink emits audit events to a rotating log file.
type Sink struct {
	log *slog.Logger
}

// Config controls the rotating audit log file.
type Config struct {
	Path       string
	MaxSizeMB  int // default 5
	MaxBackups int // default 5
}

// New opens (or creates) the rotating audit log described by cfg.
func New(cfg Config) *Sink {
	maxSize := cfg.MaxSizeMB
	if maxSize == 0 {
		maxSize = 5
	}
	maxBackups := cfg.MaxBackups
	if maxBackups == 0 {
		maxBackups = 5
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   false,
	}
	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Sink{log: slog.New(handler)}
}

// Level is the severity an audit record is recorded at;
// auto-suspension events are logged at warning per spec.md §4.3.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
)

// Record appends one audit event with its fixed field set.
func (s *Sink) Record(level Level, event string, fields ...any) {
	switch level {
	case LevelWarning:
		s.log.Warn(event, fields...)
	default:
		s.log.Info(event, fields...)
	}
}
