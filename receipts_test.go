package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want DeliveryState
	}{
		{"pending", Message{Status: StatusPending}, DeliverySent},
		{"failed", Message{Status: StatusFailed}, DeliverySent},
		{"confirmed without receipts", Message{Status: StatusConfirmed}, DeliveryDelivered},
		{"delivered timestamp", Message{Status: StatusConfirmed, DeliveredAt: ptr(at(1))}, DeliveryDelivered},
		{"read timestamp", Message{Status: StatusConfirmed, DeliveredAt: ptr(at(1)), ReadAt: ptr(at(2))}, DeliveryRead},
		{
			"viewer read receipt",
			Message{Status: StatusConfirmed, Receipts: []Receipt{{ParticipantID: "viewer", ReadAt: ptr(at(2))}}},
			DeliveryRead,
		},
		{
			"another recipient delivered",
			Message{Status: StatusPending, Receipts: []Receipt{{ParticipantID: "other", DeliveredAt: ptr(at(1))}}},
			DeliveryDelivered,
		},
		{
			"other reader does not count as read for viewer",
			Message{Status: StatusConfirmed, Receipts: []Receipt{{ParticipantID: "other", DeliveredAt: ptr(at(1)), ReadAt: ptr(at(2))}}},
			DeliveryDelivered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.msg, "viewer"))
		})
	}
}

func TestIsUnread(t *testing.T) {
	assert.False(t, IsUnread(nil, nil), "no activity")
	assert.False(t, IsUnread(nil, ptr(at(1))))
	assert.True(t, IsUnread(ptr(at(1)), nil), "never read")
	assert.True(t, IsUnread(ptr(at(2)), ptr(at(1))))
	assert.False(t, IsUnread(ptr(at(2)), ptr(at(2))))
	assert.False(t, IsUnread(ptr(at(1)), ptr(at(2))))
}

func TestDeliveryTracker(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*MemoryService, *DeliveryTracker, string) {
		svc := NewMemoryService(MemoryOptions{Clock: increasingClock()})
		t.Cleanup(svc.Close)
		svc.AddProfile(alice)
		svc.AddProfile(bob)
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)
		return svc, NewDeliveryTracker(svc, zerolog.Nop()), c.ID
	}

	t.Run("mark read is idempotent", func(t *testing.T) {
		svc, d, conv := setup(t)
		require.NoError(t, svc.CreateMessage(ctx, CreateMessageRequest{ConversationID: conv, SenderID: bob.ID, Body: TextBody("hi"), Token: "client-1"}))

		sub, err := svc.SubscribeMessages(ctx, conv)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, d.MarkRead(ctx, conv, alice.ID))
		ev := <-sub.Events()
		assert.Equal(t, EventUpdated, ev.Kind)
		require.NotNil(t, ev.Message.ReadAt)

		list, err := svc.ListConversations(ctx, alice.ID)
		require.NoError(t, err)
		first := *list[0].LastReadAt

		require.NoError(t, d.MarkRead(ctx, conv, alice.ID))
		assert.Empty(t, sub.Events(), "nothing new to mark")
		list, err = svc.ListConversations(ctx, alice.ID)
		require.NoError(t, err)
		assert.True(t, first.Equal(*list[0].LastReadAt))
	})

	t.Run("empty ids are a no-op", func(t *testing.T) {
		_, d, conv := setup(t)
		assert.NoError(t, d.MarkRead(ctx, "", alice.ID))
		assert.NoError(t, d.MarkRead(ctx, conv, ""))
	})

	t.Run("errors are wrapped", func(t *testing.T) {
		svc, d, conv := setup(t)
		boom := errors.New("offline")
		svc.FailNext(OpMarkRead, boom)
		err := d.MarkRead(ctx, conv, alice.ID)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("details split read and delivered", func(t *testing.T) {
		svc, d, _ := setup(t)
		g, err := svc.CreateConversation(ctx, KindGroup, "", []string{alice.ID, bob.ID, carol.ID})
		require.NoError(t, err)
		require.NoError(t, svc.CreateMessage(ctx, CreateMessageRequest{ConversationID: g.ID, SenderID: alice.ID, Body: TextBody("hi"), Token: "client-1"}))
		msgs, err := svc.ListMessages(ctx, g.ID)
		require.NoError(t, err)

		details, err := d.Details(ctx, msgs[0].ID)
		require.NoError(t, err)
		assert.Empty(t, details.Read)
		assert.Empty(t, details.Delivered)

		require.NoError(t, d.MarkRead(ctx, g.ID, carol.ID))
		details, err = d.Details(ctx, msgs[0].ID)
		require.NoError(t, err)
		require.Len(t, details.Read, 1)
		assert.Equal(t, carol.ID, details.Read[0].ParticipantID)

		_, err = d.Details(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
