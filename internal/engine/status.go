package engine

import (
	"github.com/nhartman/parley/internal/models"
)

// ResolveStatus computes the display status of a message from its receipt
// sets and the conversation's participants. Pure and total.
//
// Only the current user's own outgoing messages are resolved: everyone else
// must have read (or received) them for the status to advance. Messages from
// other senders keep their status untouched; the current user's own
// acknowledgements for those travel through the receipt batcher instead.
func ResolveStatus(msg *models.Message, participantIDs []string, currentUserID string) models.MessageStatus {
	if !msg.IsFromUser(currentUserID) {
		return msg.Status
	}

	others := 0
	read := 0
	delivered := 0
	for _, id := range participantIDs {
		if id == currentUserID {
			continue
		}
		others++
		if msg.ReadByUser(id) {
			read++
		}
		if msg.DeliveredToUser(id) {
			delivered++
		}
	}
	if others == 0 {
		return msg.Status
	}

	switch {
	case read == others:
		return models.StatusRead
	case delivered == others:
		return models.StatusDelivered
	case len(msg.ReadBy) > 0 || len(msg.DeliveredTo) > 0:
		return models.StatusSent
	default:
		// No receipts yet: keep whatever phase the message is in
		// (typically sending or sent).
		return msg.Status
	}
}
