package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityResolver(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*MemoryService, *IdentityResolver) {
		svc := NewMemoryService(MemoryOptions{})
		t.Cleanup(svc.Close)
		svc.AddProfile(alice)
		svc.AddProfile(Profile{ID: bob.ID, DisplayName: bob.DisplayName, AvatarURL: "https://cdn.example/bob.png"})
		return svc, NewIdentityResolver(svc, nil, Labels{}, zerolog.Nop())
	}

	t.Run("direct uses counterpart profile", func(t *testing.T) {
		svc, r := setup(t)
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)

		id, conv := r.Resolve(ctx, c.ID, alice.ID)
		require.NotNil(t, conv)
		assert.Equal(t, Identity{
			DisplayName:   "Bob",
			AvatarURL:     "https://cdn.example/bob.png",
			CounterpartID: bob.ID,
			Kind:          KindDirect,
			Resolved:      true,
		}, id)
	})

	t.Run("nickname wins over profile name", func(t *testing.T) {
		svc, r := setup(t)
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)
		require.NoError(t, svc.SetNickname(ctx, c.ID, bob.ID, "Bobby"))

		id, _ := r.Resolve(ctx, c.ID, alice.ID)
		assert.Equal(t, "Bobby", id.DisplayName)
	})

	t.Run("counterpart without profile", func(t *testing.T) {
		svc, r := setup(t)
		svc.RemoveProfile(bob.ID)
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)

		id, _ := r.Resolve(ctx, c.ID, alice.ID)
		assert.Equal(t, "Friend", id.DisplayName)
		assert.Equal(t, bob.ID, id.CounterpartID)
	})

	t.Run("counterpart gone", func(t *testing.T) {
		svc, r := setup(t)
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)
		require.NoError(t, svc.LeaveConversation(ctx, c.ID, bob.ID))

		id, conv := r.Resolve(ctx, c.ID, alice.ID)
		assert.NotNil(t, conv)
		assert.Equal(t, "Direct Message", id.DisplayName)
		assert.Empty(t, id.CounterpartID)
		assert.True(t, id.Resolved)
	})

	t.Run("group and broadcast defaults", func(t *testing.T) {
		svc, r := setup(t)
		g, err := svc.CreateConversation(ctx, KindGroup, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)
		b, err := svc.CreateConversation(ctx, KindBroadcast, "", nil)
		require.NoError(t, err)
		named, err := svc.CreateConversation(ctx, KindGroup, "Physics", []string{alice.ID})
		require.NoError(t, err)

		id, _ := r.Resolve(ctx, g.ID, alice.ID)
		assert.Equal(t, "Group Chat", id.DisplayName)
		assert.Equal(t, g.ID, id.CounterpartID)

		id, _ = r.Resolve(ctx, b.ID, alice.ID)
		assert.Equal(t, "Class Chat", id.DisplayName)
		assert.Equal(t, KindBroadcast, id.Kind)

		id, _ = r.Resolve(ctx, named.ID, alice.ID)
		assert.Equal(t, "Physics", id.DisplayName)
	})

	t.Run("lookup failure is still resolved", func(t *testing.T) {
		svc, r := setup(t)
		svc.FailNext(OpGetConversation, errors.New("offline"))
		id, conv := r.Resolve(ctx, "whatever", alice.ID)
		assert.Nil(t, conv)
		assert.Equal(t, "Conversation", id.DisplayName)
		assert.Empty(t, id.Kind, "kind is unknown")
		assert.True(t, id.Resolved)
	})

	t.Run("member lookup failure", func(t *testing.T) {
		svc, r := setup(t)
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)
		svc.FailNext(OpListMembers, errors.New("offline"))

		id, _ := r.Resolve(ctx, c.ID, alice.ID)
		assert.Equal(t, "Direct Message", id.DisplayName)
	})

	t.Run("custom labels", func(t *testing.T) {
		svc, _ := setup(t)
		r := NewIdentityResolver(svc, nil, Labels{Group: "Team"}, zerolog.Nop())
		g, err := svc.CreateConversation(ctx, KindGroup, "", []string{alice.ID})
		require.NoError(t, err)
		id, _ := r.Resolve(ctx, g.ID, alice.ID)
		assert.Equal(t, "Team", id.DisplayName)
	})

	t.Run("resolution marks read", func(t *testing.T) {
		svc, _ := setup(t)
		r := NewIdentityResolver(svc, NewDeliveryTracker(svc, zerolog.Nop()), Labels{}, zerolog.Nop())
		c, err := svc.CreateConversation(ctx, KindDirect, "", []string{alice.ID, bob.ID})
		require.NoError(t, err)
		require.NoError(t, svc.CreateMessage(ctx, CreateMessageRequest{ConversationID: c.ID, SenderID: bob.ID, Body: TextBody("hi"), Token: "client-1"}))

		r.Resolve(ctx, c.ID, alice.ID)
		require.Eventually(t, func() bool {
			list, err := svc.ListConversations(ctx, alice.ID)
			require.NoError(t, err)
			return len(list) == 1 && !IsUnread(list[0].LastMessageAt, list[0].LastReadAt)
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestSummaryIdentity(t *testing.T) {
	direct := ConversationSummary{
		Conversation: Conversation{ID: "c1", Kind: KindDirect},
		Members: []Member{
			{ParticipantID: alice.ID, Profile: &alice},
			{ParticipantID: bob.ID, Nickname: "B", Profile: &bob},
		},
	}

	id := SummaryIdentity(direct, alice.ID, Labels{})
	assert.Equal(t, "B", id.DisplayName)
	assert.Equal(t, bob.ID, id.CounterpartID)

	id = SummaryIdentity(direct, bob.ID, Labels{})
	assert.Equal(t, "Alice", id.DisplayName)

	lonely := ConversationSummary{Conversation: Conversation{ID: "c2", Kind: KindDirect}, Members: direct.Members[:1]}
	assert.Equal(t, "Direct Message", SummaryIdentity(lonely, alice.ID, Labels{}).DisplayName)

	broadcast := ConversationSummary{Conversation: Conversation{ID: "c3", Kind: KindBroadcast}}
	assert.Equal(t, "Class Chat", SummaryIdentity(broadcast, alice.ID, Labels{}).DisplayName)

	group := ConversationSummary{Conversation: Conversation{ID: "c4", Kind: KindGroup, Name: "Lab"}}
	assert.Equal(t, "Lab", SummaryIdentity(group, alice.ID, Labels{}).DisplayName)
}
