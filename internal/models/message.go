package models

import "time"

// Message is a persisted chat message between two users.
type Message struct {
	ID         int       `db:"id" json:"id"`
	SenderID   int       `db:"sender_id" json:"senderId"`
	ReceiverID int       `db:"receiver_id" json:"receiverId"`
	Content    string    `db:"content" json:"content"`
	ClientKey  string    `db:"client_key" json:"clientKey,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Involves reports whether the message belongs to the conversation between a and b.
func (m Message) Involves(a, b int) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}
