package models

import (
	"time"
)

// Conversation is a chat between two or more users. Non-group conversations
// have exactly two participants.
type Conversation struct {
	ID                   string            `bson:"_id" json:"id"`
	ParticipantIDs       []string          `bson:"participant_ids" json:"participant_ids"`
	ParticipantNames     map[string]string `bson:"participant_names,omitempty" json:"participant_names,omitempty"`
	IsGroup              bool              `bson:"is_group" json:"is_group"`
	GroupName            string            `bson:"group_name,omitempty" json:"group_name,omitempty"`
	LastMessage          string            `bson:"last_message,omitempty" json:"last_message,omitempty"`
	LastMessageTimestamp time.Time         `bson:"last_message_timestamp,omitempty" json:"last_message_timestamp,omitempty"`
	CreatedAt            time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time         `bson:"updated_at" json:"updated_at"`
}

// Others returns the participant ids excluding the given user.
func (c *Conversation) Others(userID string) []string {
	others := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != userID {
			others = append(others, id)
		}
	}
	return others
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return containsID(c.ParticipantIDs, userID)
}

// SortKey is the timestamp the conversation list orders by: last message
// activity, falling back to the last document update for conversations that
// have no messages yet.
func (c *Conversation) SortKey() time.Time {
	if !c.LastMessageTimestamp.IsZero() {
		return c.LastMessageTimestamp
	}
	return c.UpdatedAt
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.ParticipantNames != nil {
		cp.ParticipantNames = make(map[string]string, len(c.ParticipantNames))
		for k, v := range c.ParticipantNames {
			cp.ParticipantNames[k] = v
		}
	}
	return &cp
}

// ConversationSummary carries the denormalized fields written back to the
// conversation document after a successful send.
type ConversationSummary struct {
	LastMessage          string    `bson:"last_message" json:"last_message"`
	LastMessageTimestamp time.Time `bson:"last_message_timestamp" json:"last_message_timestamp"`
	UpdatedAt            time.Time `bson:"updated_at" json:"updated_at"`
}
