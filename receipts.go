package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DeliveryState is the tick shown next to a message.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// DeriveStatus computes a message's delivery state as seen by viewerID.
// There is no stored state machine; the result follows from timestamps,
// receipts, and the lifecycle status. Confirmed messages count as at least
// delivered. Pending and failed ones stay at sent.
func DeriveStatus(m Message, viewerID string) DeliveryState {
	if m.ReadAt != nil {
		return DeliveryRead
	}
	for _, r := range m.Receipts {
		if r.ParticipantID == viewerID && r.ReadAt != nil {
			return DeliveryRead
		}
	}
	if m.DeliveredAt != nil {
		return DeliveryDelivered
	}
	for _, r := range m.Receipts {
		if r.DeliveredAt != nil {
			return DeliveryDelivered
		}
	}
	if m.Status == StatusConfirmed {
		return DeliveryDelivered
	}
	return DeliverySent
}

// IsUnread reports whether a conversation with the given last activity is
// unread for a participant whose last-read marker is lastRead.
func IsUnread(lastActivity, lastRead *time.Time) bool {
	if lastActivity == nil {
		return false
	}
	return lastRead == nil || lastActivity.After(*lastRead)
}

// ReceiptDetails splits a message's recipients by how far it got.
type ReceiptDetails struct {
	Read      []Receipt
	Delivered []Receipt
}

// DeliveryTracker records read markers and derives receipt views.
type DeliveryTracker struct {
	svc DataService
	log zerolog.Logger
}

// NewDeliveryTracker creates a tracker backed by svc.
func NewDeliveryTracker(svc DataService, log zerolog.Logger) *DeliveryTracker {
	return &DeliveryTracker{
		svc: svc,
		log: log.With().Str("component", "delivery-tracker").Logger(),
	}
}

// MarkRead moves participantID's read marker for the conversation up to
// its latest activity. Calling it again without new activity changes nothing.
func (d *DeliveryTracker) MarkRead(ctx context.Context, conversationID, participantID string) error {
	if conversationID == "" || participantID == "" {
		return nil
	}
	if err := d.svc.MarkRead(ctx, conversationID, participantID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkReadAsync is the fire-and-forget form of MarkRead: failures are
// logged, never returned.
func (d *DeliveryTracker) MarkReadAsync(ctx context.Context, conversationID, participantID string) {
	go func() {
		if err := d.MarkRead(context.WithoutCancel(ctx), conversationID, participantID); err != nil {
			d.log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Str("participant_id", participantID).
				Msg("mark read failed")
		}
	}()
}

// Details fetches per-recipient receipts for a message.
func (d *DeliveryTracker) Details(ctx context.Context, messageID string) (*ReceiptDetails, error) {
	receipts, err := d.svc.ListReceipts(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	out := &ReceiptDetails{}
	for _, r := range receipts {
		if r.ReadAt != nil {
			out.Read = append(out.Read, r)
		}
		if r.DeliveredAt != nil {
			out.Delivered = append(out.Delivered, r)
		}
	}
	return out, nil
}
