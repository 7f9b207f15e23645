package models

import "encoding/json"

// Live channel event names.
const (
	EventGetConversation = "getConversation"
	EventChatMessage     = "chatMessage"
	EventUpdateStatus    = "updateStatus"
	EventIdentify        = "identify"
	EventAck             = "ack"
)

// Frame is the envelope of every live channel message. Ack is set on
// requests that expect a reply and echoed on the matching "ack" frame.
type Frame struct {
	Event string          `json:"event"`
	Ack   int64           `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConversationRequest asks for the history between sender and receiver.
type ConversationRequest struct {
	SenderID   int `json:"senderId"`
	ReceiverID int `json:"receiverId"`
}

// SubmitRequest submits a new message. ClientKey is the sender generated
// idempotency key echoed back in the ack and the delivered message.
type SubmitRequest struct {
	SenderID   int    `json:"senderId"`
	ReceiverID int    `json:"receiverId"`
	Content    string `json:"content"`
	ClientKey  string `json:"clientKey,omitempty"`
}

// StatusUpdate is a presence change, both inbound and broadcast.
type StatusUpdate struct {
	UserID int    `json:"userId"`
	Status string `json:"status"`
}

// IdentifyRequest binds a connection to the owner of Token.
type IdentifyRequest struct {
	Token string `json:"token"`
}

// ConversationReply answers getConversation.
type ConversationReply struct {
	Success bool      `json:"success"`
	Data    []Message `json:"data"`
	Error   string    `json:"error,omitempty"`
	Code    string    `json:"code,omitempty"`
}

// SubmitAck answers chatMessage. On success the persisted message fields
// are flattened next to "success".
type SubmitAck struct {
	Success bool `json:"success"`
	*Message
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// IdentifyReply answers identify.
type IdentifyReply struct {
	Success bool   `json:"success"`
	UserID  int    `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorReply answers a request with an unknown event or a malformed payload.
type ErrorReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}
