package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func pending(token, sender, text string, sec int) Message {
	return Message{Token: token, ConversationID: "c1", SenderID: sender, Body: TextBody(text), CreatedAt: at(sec)}
}

func confirmedMsg(id, token, sender, text string, sec int) Message {
	return Message{ID: id, Token: token, ConversationID: "c1", SenderID: sender, Body: TextBody(text), CreatedAt: at(sec), Status: StatusConfirmed}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// ============================================================================
// Append / Insert
// ============================================================================

func TestMessageStoreAppend(t *testing.T) {
	t.Run("pending entry uses token as id", func(t *testing.T) {
		s := NewMessageStore()
		require.True(t, s.Append(pending("client-1", "alice", "hi", 0)))

		m, ok := s.Get("client-1")
		require.True(t, ok)
		assert.Equal(t, "client-1", m.ID)
		assert.Equal(t, StatusPending, m.Status)
	})

	t.Run("duplicate token rejected", func(t *testing.T) {
		s := NewMessageStore()
		require.True(t, s.Append(pending("client-1", "alice", "hi", 0)))
		assert.False(t, s.Append(pending("client-1", "alice", "again", 1)))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("empty token rejected", func(t *testing.T) {
		s := NewMessageStore()
		assert.False(t, s.Append(pending("", "alice", "hi", 0)))
	})
}

func TestMessageStoreInsert(t *testing.T) {
	t.Run("dedupes by id and token", func(t *testing.T) {
		s := NewMessageStore()
		require.True(t, s.Insert(confirmedMsg("m1", "client-9", "bob", "yo", 0)))
		assert.False(t, s.Insert(confirmedMsg("m1", "", "bob", "yo", 0)))
		assert.False(t, s.Insert(confirmedMsg("m2", "client-9", "bob", "yo", 0)))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("placed by creation time", func(t *testing.T) {
		s := NewMessageStore()
		s.Insert(confirmedMsg("m1", "", "bob", "one", 1))
		s.Insert(confirmedMsg("m3", "", "bob", "three", 3))
		s.Insert(confirmedMsg("m2", "", "bob", "two", 2))
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		s := NewMessageStore()
		s.Insert(confirmedMsg("a", "", "bob", "a", 1))
		s.Insert(confirmedMsg("b", "", "bob", "b", 1))
		assert.Equal(t, []string{"a", "b"}, ids(s.Messages()))
	})
}

// ============================================================================
// Confirm
// ============================================================================

func TestMessageStoreConfirm(t *testing.T) {
	t.Run("token match promotes in place", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "first", 0))
		s.Append(pending("client-2", "alice", "second", 1))

		out := s.Confirm(confirmedMsg("srv-1", "client-1", "alice", "first", 5), true)
		require.Equal(t, ConfirmMerged, out)

		msgs := s.Messages()
		assert.Equal(t, []string{"srv-1", "client-2"}, ids(msgs))
		assert.Equal(t, StatusConfirmed, msgs[0].Status)
		assert.Equal(t, "client-1", msgs[0].Token)

		byOld, ok := s.Get("client-1")
		require.True(t, ok, "token lookups keep working after promotion")
		assert.Equal(t, "srv-1", byOld.ID)
	})

	t.Run("second delivery is a duplicate", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "hi", 0))
		ev := confirmedMsg("srv-1", "client-1", "alice", "hi", 1)
		require.Equal(t, ConfirmMerged, s.Confirm(ev, true))
		assert.Equal(t, ConfirmDuplicate, s.Confirm(ev, true))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("refetched row without token absorbs the pending entry", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "hi", 0))
		s.Replace([]Message{confirmedMsg("srv-1", "", "alice", "hi", 1)})
		require.Equal(t, 2, s.Len(), "history cannot tell the pending entry is the same message")

		out := s.Confirm(confirmedMsg("srv-1", "client-1", "alice", "hi", 1), true)
		assert.Equal(t, ConfirmMerged, out)
		msgs := s.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "srv-1", msgs[0].ID)
		assert.Equal(t, "client-1", msgs[0].Token)
		assert.Equal(t, StatusConfirmed, msgs[0].Status)

		byToken, ok := s.FindByToken("client-1")
		require.True(t, ok)
		assert.Equal(t, "srv-1", byToken.ID)
		assert.Equal(t, ConfirmDuplicate, s.Confirm(confirmedMsg("srv-1", "client-1", "alice", "hi", 1), true))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("failed entry is promoted", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "hi", 0))
		require.True(t, s.Fail("client-1"))
		require.Equal(t, ConfirmMerged, s.Confirm(confirmedMsg("srv-1", "client-1", "alice", "hi", 1), true))
		m, _ := s.Get("srv-1")
		assert.Equal(t, StatusConfirmed, m.Status)
	})

	t.Run("content fallback only without token", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "same", 0))
		s.Append(pending("client-2", "alice", "same", 1))

		out := s.Confirm(confirmedMsg("srv-1", "", "alice", "same", 2), true)
		require.Equal(t, ConfirmMerged, out)
		msgs := s.Messages()
		assert.Equal(t, "client-1", msgs[0].ID, "newest pending match is used")
		assert.Equal(t, "srv-1", msgs[1].ID)

		assert.Equal(t, ConfirmUnmatched, s.Confirm(confirmedMsg("srv-2", "", "alice", "same", 3), false))
	})

	t.Run("a foreign token never content matches", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "same", 0))
		assert.Equal(t, ConfirmUnmatched, s.Confirm(confirmedMsg("srv-1", "client-other", "alice", "same", 1), true))
	})

	t.Run("pending reactions survive confirmation", func(t *testing.T) {
		s := NewMessageStore()
		s.Append(pending("client-1", "alice", "hi", 0))
		require.NoError(t, s.AddReaction("client-1", Reaction{ID: "temp-react-1", ParticipantID: "alice", Emoji: "🔥", Pending: true}))

		ev := confirmedMsg("srv-1", "client-1", "alice", "hi", 1)
		ev.Reactions = []Reaction{{ID: "r1", MessageID: "srv-1", ParticipantID: "bob", Emoji: "👍"}}
		s.Confirm(ev, true)

		m, _ := s.Get("srv-1")
		require.Len(t, m.Reactions, 2)
		assert.Equal(t, "r1", m.Reactions[0].ID)
		assert.Equal(t, "temp-react-1", m.Reactions[1].ID)
	})
}

// ============================================================================
// Replace / Fail / Remove
// ============================================================================

func TestMessageStoreReplace(t *testing.T) {
	s := NewMessageStore()
	s.Insert(confirmedMsg("old", "", "bob", "stale", 0))
	s.Append(pending("client-1", "alice", "in flight", 5))
	s.Append(pending("client-2", "alice", "landed", 6))

	s.Replace([]Message{
		confirmedMsg("m1", "", "bob", "hello", 1),
		confirmedMsg("m2", "client-2", "alice", "landed", 6),
	})

	msgs := s.Messages()
	assert.Equal(t, []string{"m1", "m2", "client-1"}, ids(msgs))
	assert.Equal(t, StatusPending, msgs[2].Status)
	_, ok := s.Get("old")
	assert.False(t, ok)
}

func TestMessageStoreFail(t *testing.T) {
	s := NewMessageStore()
	s.Append(pending("client-1", "alice", "hi", 0))
	assert.True(t, s.Fail("client-1"))
	assert.False(t, s.Fail("client-1"), "already failed")
	assert.False(t, s.Fail("missing"))

	s.Confirm(confirmedMsg("srv-1", "client-1", "alice", "hi", 1), true)
	assert.False(t, s.Fail("client-1"), "confirmed entries never fail")
}

func TestMessageStoreUpdateStatus(t *testing.T) {
	s := NewMessageStore()
	s.Insert(confirmedMsg("m1", "", "alice", "hi", 0))
	read := at(10)
	ok := s.UpdateStatus(Message{ID: "m1", ReadAt: &read, Body: TextBody("edited?")})
	require.True(t, ok)

	m, _ := s.Get("m1")
	assert.Equal(t, "hi", m.Body.Text, "confirmed body is immutable")
	require.NotNil(t, m.ReadAt)
	assert.True(t, m.ReadAt.Equal(read))

	assert.False(t, s.UpdateStatus(Message{ID: "nope"}))
}

func TestMessageStoreRemove(t *testing.T) {
	s := NewMessageStore()
	s.Insert(confirmedMsg("m1", "client-1", "alice", "hi", 0))
	assert.True(t, s.Remove("m1"))
	assert.False(t, s.Remove("m1"))
	_, ok := s.FindByToken("client-1")
	assert.False(t, ok)
}

// ============================================================================
// Reactions
// ============================================================================

func TestMessageStoreReactions(t *testing.T) {
	newStore := func() *MessageStore {
		s := NewMessageStore()
		s.Insert(confirmedMsg("m1", "", "bob", "hi", 0))
		return s
	}

	t.Run("one per participant and emoji", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.AddReaction("m1", Reaction{ID: "temp-react-1", ParticipantID: "alice", Emoji: "👍", Pending: true}))
		err := s.AddReaction("m1", Reaction{ID: "temp-react-2", ParticipantID: "alice", Emoji: "👍", Pending: true})
		assert.ErrorIs(t, err, ErrDuplicateReaction)
		require.NoError(t, s.AddReaction("m1", Reaction{ID: "temp-react-3", ParticipantID: "alice", Emoji: "❤️", Pending: true}))

		m, _ := s.Get("m1")
		assert.Len(t, m.Reactions, 2)
	})

	t.Run("unknown message", func(t *testing.T) {
		s := newStore()
		assert.ErrorIs(t, s.AddReaction("nope", Reaction{ID: "x"}), ErrNotFound)
	})

	t.Run("rollback removes exactly the temporary id", func(t *testing.T) {
		s := newStore()
		require.True(t, s.ApplyReactionEvent(ReactionEvent{Kind: EventCreated, Reaction: Reaction{ID: "r-bob", MessageID: "m1", ParticipantID: "bob", Emoji: "👍"}}))
		require.NoError(t, s.AddReaction("m1", Reaction{ID: "temp-react-1", ParticipantID: "alice", Emoji: "👍", Pending: true}))

		assert.True(t, s.RemoveReaction("m1", "temp-react-1"))
		m, _ := s.Get("m1")
		require.Len(t, m.Reactions, 1)
		assert.Equal(t, "r-bob", m.Reactions[0].ID)
	})

	t.Run("promote swaps temp for authoritative", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.AddReaction("m1", Reaction{ID: "temp-react-1", ParticipantID: "alice", Emoji: "👍", Pending: true}))
		s.PromoteReaction("m1", "temp-react-1", Reaction{ID: "r1", ParticipantID: "alice", Emoji: "👍"})

		m, _ := s.Get("m1")
		require.Len(t, m.Reactions, 1)
		assert.Equal(t, "r1", m.Reactions[0].ID)
		assert.False(t, m.Reactions[0].Pending)
	})

	t.Run("event before promote does not double count", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.AddReaction("m1", Reaction{ID: "temp-react-1", ParticipantID: "alice", Emoji: "👍", Pending: true}))
		auth := Reaction{ID: "r1", MessageID: "m1", ParticipantID: "alice", Emoji: "👍"}

		assert.True(t, s.ApplyReactionEvent(ReactionEvent{Kind: EventCreated, Reaction: auth}))
		s.PromoteReaction("m1", "temp-react-1", auth)
		assert.False(t, s.ApplyReactionEvent(ReactionEvent{Kind: EventCreated, Reaction: auth}))

		m, _ := s.Get("m1")
		require.Len(t, m.Reactions, 1)
		assert.Equal(t, "r1", m.Reactions[0].ID)
	})

	t.Run("delete event", func(t *testing.T) {
		s := newStore()
		r := Reaction{ID: "r1", MessageID: "m1", ParticipantID: "bob", Emoji: "👍"}
		s.ApplyReactionEvent(ReactionEvent{Kind: EventCreated, Reaction: r})
		assert.True(t, s.ApplyReactionEvent(ReactionEvent{Kind: EventDeleted, Reaction: r}))
		assert.False(t, s.ApplyReactionEvent(ReactionEvent{Kind: EventDeleted, Reaction: r}))
	})
}
