package chatsync

import (
	"context"

	"github.com/rs/zerolog"
)

// Identity is what a conversation header shows: who or what is on the other side.
type Identity struct {
	DisplayName   string
	AvatarURL     string
	CounterpartID string
	// Kind is empty when the conversation could not be loaded.
	Kind ConversationKind
	// Resolved is true once resolution finished, whether or not it found anything.
	Resolved bool
}

// IdentityResolver works out the display identity of a conversation for
// the local participant.
type IdentityResolver struct {
	svc    DataService
	reads  *DeliveryTracker
	labels Labels
	log    zerolog.Logger
}

// NewIdentityResolver creates a resolver. reads may be nil to skip the
// mark-as-read side effect.
func NewIdentityResolver(svc DataService, reads *DeliveryTracker, labels Labels, log zerolog.Logger) *IdentityResolver {
	labels.defaults()
	return &IdentityResolver{
		svc:    svc,
		reads:  reads,
		labels: labels,
		log:    log.With().Str("component", "identity-resolver").Logger(),
	}
}

// Resolve never fails: lookup errors degrade to a generic label with
// Resolved set, so callers never wait on a loading state. The conversation
// is returned when it could be loaded.
func (r *IdentityResolver) Resolve(ctx context.Context, conversationID, selfID string) (Identity, *Conversation) {
	conv, err := r.svc.GetConversation(ctx, conversationID)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("identity resolution failed")
		return Identity{DisplayName: r.labels.Unresolved, Resolved: true}, nil
	}

	if conv.Kind != KindDirect {
		id := Identity{
			DisplayName:   conv.Name,
			AvatarURL:     conv.AvatarURL,
			CounterpartID: conv.ID,
			Kind:          conv.Kind,
			Resolved:      true,
		}
		if id.DisplayName == "" {
			id.DisplayName = r.groupDefault(conv.Kind)
		}
		r.markRead(ctx, conv.ID, selfID)
		return id, conv
	}

	members, err := r.svc.ListMembers(ctx, conv.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("member lookup failed")
		return Identity{DisplayName: r.labels.DirectMissing, Kind: KindDirect, Resolved: true}, conv
	}
	other := counterpart(members, selfID)
	if other == nil {
		return Identity{DisplayName: r.labels.DirectMissing, Kind: KindDirect, Resolved: true}, conv
	}

	id := Identity{
		DisplayName:   directName(other, r.labels.DirectFallback),
		CounterpartID: other.ParticipantID,
		Kind:          KindDirect,
		Resolved:      true,
	}
	if other.Profile != nil {
		id.AvatarURL = other.Profile.AvatarURL
	}
	r.markRead(ctx, conv.ID, selfID)
	return id, conv
}

func (r *IdentityResolver) markRead(ctx context.Context, conversationID, selfID string) {
	if r.reads != nil {
		r.reads.MarkReadAsync(ctx, conversationID, selfID)
	}
}

func (r *IdentityResolver) groupDefault(kind ConversationKind) string {
	if kind == KindBroadcast {
		return r.labels.Broadcast
	}
	return r.labels.Group
}

func counterpart(members []Member, selfID string) *Member {
	for i := range members {
		if members[i].ParticipantID != selfID {
			return &members[i]
		}
	}
	return nil
}

func directName(m *Member, fallback string) string {
	if m.Nickname != "" {
		return m.Nickname
	}
	if m.Profile != nil && m.Profile.DisplayName != "" {
		return m.Profile.DisplayName
	}
	return fallback
}

// SummaryIdentity derives the list-view identity of a conversation from
// the denormalised summary, without any lookups.
func SummaryIdentity(s ConversationSummary, selfID string, labels Labels) Identity {
	labels.defaults()
	id := Identity{Kind: s.Kind, Resolved: true}
	switch s.Kind {
	case KindDirect:
		other := counterpart(s.Members, selfID)
		if other == nil {
			id.DisplayName = labels.DirectMissing
			return id
		}
		id.DisplayName = directName(other, labels.DirectFallback)
		id.CounterpartID = other.ParticipantID
		if other.Profile != nil {
			id.AvatarURL = other.Profile.AvatarURL
		}
	case KindBroadcast:
		id.DisplayName = firstNonEmpty(s.Name, labels.Broadcast)
		id.AvatarURL = s.AvatarURL
		id.CounterpartID = s.ID
	default:
		id.DisplayName = firstNonEmpty(s.Name, labels.Group)
		id.AvatarURL = s.AvatarURL
		id.CounterpartID = s.ID
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
