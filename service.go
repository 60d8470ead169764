package chatsync

import (
	"context"
)

// Subscription is a cancellable stream of typed events. Events is closed
// once the subscription ends, either by Close or because the source went away.
type Subscription[T any] interface {
	Events() <-chan T
	Close() error
}

// PresenceChannel is a participant's membership in a conversation's
// ephemeral presence group.
type PresenceChannel interface {
	// Announce renews (active) or drops (idle) the participant's lease.
	Announce(ctx context.Context, state PresenceState) error
	// Sync delivers the full set of active entries on every membership change.
	Sync() <-chan []PresenceEntry
	// Leave drops the lease and closes Sync.
	Leave() error
}

// MediaFile is a local file picked for upload.
type MediaFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// CreateMessageRequest carries everything the backend needs to persist a send.
type CreateMessageRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Body           Body   `json:"body"`
	ReplyTo        string `json:"replyTo,omitempty"`
	Token          string `json:"token"`
}

// DataService is the backend the chat engine runs against. Confirmation of
// CreateMessage arrives through SubscribeMessages, not through its return.
type DataService interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListMembers(ctx context.Context, conversationID string) ([]Member, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	CreateMessage(ctx context.Context, req CreateMessageRequest) error
	CreateSystemMessage(ctx context.Context, conversationID, text string) error
	SubscribeMessages(ctx context.Context, conversationID string) (Subscription[MessageEvent], error)
	SubscribeReactions(ctx context.Context, conversationID string) (Subscription[ReactionEvent], error)
	JoinPresence(ctx context.Context, conversationID string, self Profile) (PresenceChannel, error)
	MarkRead(ctx context.Context, conversationID, participantID string) error
	UploadMedia(ctx context.Context, file MediaFile) (string, error)

	AddReaction(ctx context.Context, messageID, participantID, emoji string) (*Reaction, error)
	ListReceipts(ctx context.Context, messageID string) ([]Receipt, error)
	ListConversations(ctx context.Context, participantID string) ([]ConversationSummary, error)
	FindBroadcast(ctx context.Context) (*Conversation, error)
	CreateConversation(ctx context.Context, kind ConversationKind, name string, memberIDs []string) (*Conversation, error)
	RenameConversation(ctx context.Context, conversationID, name string) error
	SetNickname(ctx context.Context, conversationID, participantID, nickname string) error
	LeaveConversation(ctx context.Context, conversationID, participantID string) error
}

// chanSubscription adapts a channel and a cancel func to Subscription.
type chanSubscription[T any] struct {
	ch     chan T
	cancel func()
}

func (s *chanSubscription[T]) Events() <-chan T { return s.ch }

func (s *chanSubscription[T]) Close() error {
	s.cancel()
	return nil
}

var (
	_ DataService = (*MemoryService)(nil)
	_ DataService = (*RemoteService)(nil)
)
