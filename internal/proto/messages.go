// Package proto defines the JSON wire shapes exchanged with clients,
// grounded on the teacher's ClientComMessage/ServerComMessage envelope
// split (server/session.go, server/datamodel.go) but flattened to this
// spec's single-command dispatch table (spec.md §4.7) instead of
// tinode's topic-routed pub/sub/meta envelope.
package proto

import "encoding/json"

// Inbound is one client-to-server frame: {type, data, credentials?}.
type Inbound struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Credentials string          `json:"credentials,omitempty"`
}

// Direct is a non-batched outbound frame: {type, data}. Used for
// DirectSend replies (command responses, subscribe results, gap
// replay items).
type Direct struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Updates is a flushed batch: {type:"updates", seq, updates:[...]}.
type Updates struct {
	Type    string        `json:"type"`
	Seq     uint64        `json:"seq"`
	Updates []interface{} `json:"updates"`
}

// NewUpdates builds an Updates frame.
func NewUpdates(seq uint64, updates []interface{}) Updates {
	return Updates{Type: "updates", Seq: seq, Updates: updates}
}

// ErrorDetail is the body of an error reply.
type ErrorDetail struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

// ErrorFrame is {type, error:{code, detail}}.
type ErrorFrame struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// NewError builds an ErrorFrame replying to a command of the given type.
func NewError(replyType string, code int, detail string) ErrorFrame {
	return ErrorFrame{Type: replyType, Error: ErrorDetail{Code: code, Detail: detail}}
}

// Update kinds enqueued through the hub's batching protocol
// (spec.md §4.5 signature table).
const (
	UpdateNewMessage           = "newMessage"
	UpdateMessageEdited        = "messageEdited"
	UpdateMessageDeleted       = "messageDeleted"
	UpdateDMNew                = "dmNew"
	UpdateDMEdited             = "dmEdited"
	UpdateDMDeleted            = "dmDeleted"
	UpdateReaction             = "reactionUpdate"
	UpdateDMReaction           = "dmReactionUpdate"
	UpdateTyping               = "typing"
	UpdateStopTyping           = "stopTyping"
	UpdateDMTyping             = "dmTyping"
	UpdateStopDMTyping         = "stopDmTyping"
	UpdateStatus               = "statusUpdate"
	UpdateSuspended            = "suspended"
)

// Dispatcher command names (spec.md §4.7).
const (
	CmdPing                     = "ping"
	CmdGetMessages              = "getMessages"
	CmdSendMessage              = "sendMessage"
	CmdEditMessage              = "editMessage"
	CmdDeleteMessage            = "deleteMessage"
	CmdDMSend                   = "dmSend"
	CmdDMEdit                   = "dmEdit"
	CmdDMDelete                 = "dmDelete"
	CmdAddReaction              = "addReaction"
	CmdAddDMReaction            = "addDmReaction"
	CmdSubscribeStatus          = "subscribeStatus"
	CmdUnsubscribeStatus        = "unsubscribeStatus"
	CmdTyping                   = "typing"
	CmdStopTyping               = "stopTyping"
	CmdDMTyping                 = "dmTyping"
	CmdStopDMTyping             = "stopDmTyping"
	CmdCallSignaling            = "call_signaling"
	CmdCallVideoToggle          = "call_video_toggle"
	CmdCallScreenShareToggle    = "call_screen_share_toggle"
	CmdCallEnd                  = "call_end"
	CmdGetUpdates               = "getUpdates"
)
