package models

import (
	"time"
)

// MessageStatus is the display status of a message. It is a view derived
// from the receipt sets and the conversation's participants; only the
// optimistic phase (sending/failed) is owned by the client itself.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// statusRank orders the delivery progression. sending and failed share the
// bottom rank: neither carries any receipt information.
var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the sending→read progression.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// Message is a chat message. The ID is assigned client-side at creation time
// so the optimistic copy and the store-confirmed copy share it.
type Message struct {
	ID             string        `bson:"_id" json:"id"`
	ConversationID string        `bson:"conversation_id" json:"conversation_id"`
	SenderID       string        `bson:"sender_id" json:"sender_id"`
	SenderName     string        `bson:"sender_name,omitempty" json:"sender_name,omitempty"`
	Content        string        `bson:"content" json:"content"`
	Timestamp      time.Time     `bson:"timestamp" json:"timestamp"`
	Status         MessageStatus `bson:"status" json:"status"`
	MediaURL       string        `bson:"media_url,omitempty" json:"media_url,omitempty"`
	MediaType      string        `bson:"media_type,omitempty" json:"media_type,omitempty"`

	// ReadBy and DeliveredTo only ever grow; the store updates them with
	// additive set unions, never overwrites.
	ReadBy      []string `bson:"read_by,omitempty" json:"read_by,omitempty"`
	DeliveredTo []string `bson:"delivered_to,omitempty" json:"delivered_to,omitempty"`
}

// IsFromUser reports whether the message was sent by the given user.
// Derived at read time; never stored as authoritative.
func (m *Message) IsFromUser(userID string) bool {
	return m.SenderID == userID
}

// ReadByUser reports whether userID appears in the read receipt set.
func (m *Message) ReadByUser(userID string) bool {
	return containsID(m.ReadBy, userID)
}

// DeliveredToUser reports whether userID appears in the delivery receipt set.
func (m *Message) DeliveredToUser(userID string) bool {
	return containsID(m.DeliveredTo, userID)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	c.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	return &c
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
