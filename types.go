package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat gateway.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Gateway error codes with a matching sentinel error.
const (
	CodeNotFound          = "not_found"
	CodeNotMember         = "not_member"
	CodeDuplicateReaction = "duplicate_reaction"
	CodeBroadcastExists   = "broadcast_exists"
)

// Unwrap maps well-known codes to sentinel errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeNotMember:
		return ErrNotMember
	case CodeDuplicateReaction:
		return ErrDuplicateReaction
	case CodeBroadcastExists:
		return ErrBroadcastExists
	}
	return nil
}

// Result is the generic gateway response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes direct, group, and broadcast conversations.
type ConversationKind string

const (
	KindDirect    ConversationKind = "direct"
	KindGroup     ConversationKind = "group"
	KindBroadcast ConversationKind = "broadcast"
)

// Conversation is a messaging context. Name is empty when unset; direct
// conversations derive their display name from the counterpart.
type Conversation struct {
	ID                 string           `json:"id" msgpack:"id"`
	Kind               ConversationKind `json:"kind" msgpack:"kind"`
	Name               string           `json:"name,omitempty" msgpack:"name"`
	AvatarURL          string           `json:"avatarUrl,omitempty" msgpack:"avatar_url"`
	CreatedAt          time.Time        `json:"createdAt" msgpack:"created_at"`
	LastMessageAt      *time.Time       `json:"lastMessageAt,omitempty" msgpack:"last_message_at"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty" msgpack:"last_message_preview"`
}

// Profile is the denormalised display information of a participant.
type Profile struct {
	ID          string `json:"id" msgpack:"id"`
	DisplayName string `json:"displayName,omitempty" msgpack:"display_name"`
	AvatarURL   string `json:"avatarUrl,omitempty" msgpack:"avatar_url"`
}

// Member is a (conversation, participant) pair.
type Member struct {
	ConversationID string     `json:"conversationId"`
	ParticipantID  string     `json:"participantId"`
	Nickname       string     `json:"nickname,omitempty"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
	Profile        *Profile   `json:"profile,omitempty"`
}

// ConversationSummary is a conversation as it appears in a participant's list.
type ConversationSummary struct {
	Conversation
	Members    []Member   `json:"members,omitempty"`
	MyNickname string     `json:"myNickname,omitempty"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// BodyKind is the variant of a message body.
type BodyKind string

const (
	BodyText    BodyKind = "text"
	BodyImage   BodyKind = "image"
	BodyPost    BodyKind = "post"
	BodyProfile BodyKind = "profile"
	BodySystem  BodyKind = "system"
)

// Body is the content of a message. Only the fields relevant to Kind are set.
type Body struct {
	Kind      BodyKind `json:"kind" msgpack:"kind"`
	Text      string   `json:"text,omitempty" msgpack:"text"`
	MediaURL  string   `json:"mediaUrl,omitempty" msgpack:"media_url"`
	PostID    string   `json:"postId,omitempty" msgpack:"post_id"`
	ProfileID string   `json:"profileId,omitempty" msgpack:"profile_id"`
}

// TextBody is shorthand for a plain text body.
func TextBody(text string) Body {
	return Body{Kind: BodyText, Text: text}
}

// Preview returns the short text shown in conversation lists.
func (b Body) Preview() string {
	switch b.Kind {
	case BodyImage:
		if b.Text != "" {
			return b.Text
		}
		return "Photo"
	case BodyPost:
		return "Shared a post"
	case BodyProfile:
		return "Shared a profile"
	default:
		return b.Text
	}
}

// MessageStatus is the local lifecycle state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Receipt is the delivery/read state of a message for one recipient.
type Receipt struct {
	MessageID     string     `json:"messageId,omitempty" msgpack:"message_id"`
	ParticipantID string     `json:"participantId" msgpack:"participant_id"`
	Profile       *Profile   `json:"profile,omitempty" msgpack:"profile"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty" msgpack:"delivered_at"`
	ReadAt        *time.Time `json:"readAt,omitempty" msgpack:"read_at"`
}

// Reaction is one participant's emoji on a message. Pending reactions carry
// a locally generated ID until the backend confirms them.
type Reaction struct {
	ID            string `json:"id" msgpack:"id"`
	MessageID     string `json:"messageId" msgpack:"message_id"`
	ParticipantID string `json:"participantId" msgpack:"participant_id"`
	Emoji         string `json:"emoji" msgpack:"emoji"`
	Pending       bool   `json:"-" msgpack:"pending"`
}

// Message is one entry of a conversation. ID is the server ID once
// confirmed; before that it equals Token.
type Message struct {
	ID             string        `json:"id" msgpack:"id"`
	Token          string        `json:"token,omitempty" msgpack:"token"`
	ConversationID string        `json:"conversationId" msgpack:"conversation_id"`
	SenderID       string        `json:"senderId,omitempty" msgpack:"sender_id"`
	Sender         *Profile      `json:"sender,omitempty" msgpack:"sender"`
	Body           Body          `json:"body" msgpack:"body"`
	ReplyTo        string        `json:"replyTo,omitempty" msgpack:"reply_to"`
	CreatedAt      time.Time     `json:"createdAt" msgpack:"created_at"`
	Status         MessageStatus `json:"status" msgpack:"status"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty" msgpack:"delivered_at"`
	ReadAt         *time.Time    `json:"readAt,omitempty" msgpack:"read_at"`
	Receipts       []Receipt     `json:"receipts,omitempty" msgpack:"receipts"`
	Reactions      []Reaction    `json:"reactions,omitempty" msgpack:"reactions"`
}

// IsSystem reports whether the message was generated by the backend.
func (m *Message) IsSystem() bool {
	return m.SenderID == "" || m.Body.Kind == BodySystem
}

func (m Message) clone() Message {
	if m.Receipts != nil {
		m.Receipts = append([]Receipt(nil), m.Receipts...)
	}
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Sender != nil {
		s := *m.Sender
		m.Sender = &s
	}
	return m
}

// ============================================================================
// Events
// ============================================================================

// EventKind tags realtime events.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// MessageEvent is pushed by the backend when a message row changes. Created
// events may omit Sender and Reactions.
type MessageEvent struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message"`
}

// ReactionEvent is pushed when a reaction is added or removed.
type ReactionEvent struct {
	Kind     EventKind `json:"kind"`
	Reaction Reaction  `json:"reaction"`
}

// ============================================================================
// Presence
// ============================================================================

// PresenceState is what a participant announces to a conversation.
type PresenceState string

const (
	PresenceIdle   PresenceState = "idle"
	PresenceActive PresenceState = "active"
)

// PresenceEntry is one participant currently holding an active lease.
type PresenceEntry struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName,omitempty"`
	Since         time.Time `json:"since"`
}
