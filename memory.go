package chatsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Op names a MemoryService operation for failure injection.
type Op string

const (
	OpGetConversation    Op = "GetConversation"
	OpListMembers        Op = "ListMembers"
	OpListMessages       Op = "ListMessages"
	OpGetMessage         Op = "GetMessage"
	OpCreateMessage      Op = "CreateMessage"
	OpSubscribeMessages  Op = "SubscribeMessages"
	OpSubscribeReactions Op = "SubscribeReactions"
	OpJoinPresence       Op = "JoinPresence"
	OpMarkRead           Op = "MarkRead"
	OpUploadMedia        Op = "UploadMedia"
	OpAddReaction        Op = "AddReaction"
)

// MemoryOptions configures NewMemoryService.
type MemoryOptions struct {
	// PresenceTTL is the lease length of an active announcement (3s by default).
	PresenceTTL time.Duration
	// SweepInterval is how often expired leases are dropped (PresenceTTL/4 by default).
	SweepInterval time.Duration
	// EventBuffer is the per-subscription channel capacity.
	EventBuffer int
	Logger      zerolog.Logger
	// Clock overrides time.Now.
	Clock func() time.Time
}

// MemoryService is an in-process DataService. It keeps everything in maps,
// fans realtime events out to subscribers, and runs a lease-based presence
// hub per conversation.
type MemoryService struct {
	mu sync.RWMutex

	profiles      map[string]Profile
	conversations map[string]*Conversation
	members       map[string][]*Member // conversation ID -> members in join order
	messages      map[string]*Message
	order         map[string][]string // conversation ID -> message IDs ascending
	reactions     map[string][]Reaction
	receipts      map[string]map[string]*Receipt
	media         map[string]MediaFile

	msgSubs   map[string]map[int]chan MessageEvent
	reactSubs map[string]map[int]chan ReactionEvent
	nextSub   int

	hubs     map[string]*presenceHub
	failures map[Op][]error
	holding  bool
	held     map[string][]MessageEvent

	ttl    time.Duration
	buffer int
	now    func() time.Time
	log    zerolog.Logger

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryService creates an empty service and starts its lease sweeper.
// Close stops it.
func NewMemoryService(opts MemoryOptions) *MemoryService {
	if opts.PresenceTTL == 0 {
		opts.PresenceTTL = 3 * time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = opts.PresenceTTL / 4
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &MemoryService{
		profiles:      make(map[string]Profile),
		conversations: make(map[string]*Conversation),
		members:       make(map[string][]*Member),
		messages:      make(map[string]*Message),
		order:         make(map[string][]string),
		reactions:     make(map[string][]Reaction),
		receipts:      make(map[string]map[string]*Receipt),
		media:         make(map[string]MediaFile),
		msgSubs:       make(map[string]map[int]chan MessageEvent),
		reactSubs:     make(map[string]map[int]chan ReactionEvent),
		hubs:          make(map[string]*presenceHub),
		failures:      make(map[Op][]error),
		held:          make(map[string][]MessageEvent),
		ttl:           opts.PresenceTTL,
		buffer:        opts.EventBuffer,
		now:           opts.Clock,
		log:           opts.Logger.With().Str("component", "memory-service").Logger(),
		stop:          make(chan struct{}),
	}
	go s.sweepLoop(opts.SweepInterval)
	return s
}

// Close stops the sweeper and ends every subscription and presence channel.
func (s *MemoryService) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		for conv, subs := range s.msgSubs {
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			delete(s.msgSubs, conv)
		}
		for conv, subs := range s.reactSubs {
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			delete(s.reactSubs, conv)
		}
		hubs := make([]*presenceHub, 0, len(s.hubs))
		for _, h := range s.hubs {
			hubs = append(hubs, h)
		}
		s.mu.Unlock()
		for _, h := range hubs {
			h.closeAll()
		}
	})
}

// ============================================================================
// Test Controls
// ============================================================================

// FailNext makes the next call of op return err. Calls queue up.
func (s *MemoryService) FailNext(op Op, err error) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], err)
	s.mu.Unlock()
}

func (s *MemoryService) fail(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

// HoldEvents stops (true) or resumes (false) delivery of message "created"
// events. Held events are collected until taken with Held.
func (s *MemoryService) HoldEvents(on bool) {
	s.mu.Lock()
	s.holding = on
	s.mu.Unlock()
}

// Held returns and forgets the events held back for a conversation.
func (s *MemoryService) Held(conversationID string) []MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.held[conversationID]
	delete(s.held, conversationID)
	return evs
}

// Publish pushes an arbitrary message event to a conversation's subscribers.
func (s *MemoryService) Publish(conversationID string, ev MessageEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.fanoutMessage(conversationID, ev)
}

// Redeliver publishes the "created" event of an existing message again, as
// an at-least-once transport would.
func (s *MemoryService) Redeliver(messageID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	s.fanoutMessage(m.ConversationID, MessageEvent{Kind: EventCreated, Message: minimal(m)})
	return nil
}

// PresenceEntries returns the live leases of a conversation.
func (s *MemoryService) PresenceEntries(conversationID string) []PresenceEntry {
	s.mu.RLock()
	h := s.hubs[conversationID]
	s.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h.snapshot()
}

// ============================================================================
// Seeding
// ============================================================================

// AddProfile registers or replaces a participant profile.
func (s *MemoryService) AddProfile(p Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// RemoveProfile deletes a participant profile. Memberships stay.
func (s *MemoryService) RemoveProfile(id string) {
	s.mu.Lock()
	delete(s.profiles, id)
	s.mu.Unlock()
}

// ============================================================================
// Conversations
// ============================================================================

func (s *MemoryService) GetConversation(_ context.Context, id string) (*Conversation, error) {
	if err := s.fail(OpGetConversation); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryService) ListMembers(_ context.Context, conversationID string) ([]Member, error) {
	if err := s.fail(OpListMembers); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return s.memberViews(conversationID), nil
}

func (s *MemoryService) memberViews(conversationID string) []Member {
	rows := s.members[conversationID]
	out := make([]Member, 0, len(rows))
	for _, m := range rows {
		v := *m
		if p, ok := s.profiles[m.ParticipantID]; ok {
			v.Profile = &p
		}
		out = append(out, v)
	}
	return out
}

func (s *MemoryService) member(conversationID, participantID string) *Member {
	for _, m := range s.members[conversationID] {
		if m.ParticipantID == participantID {
			return m
		}
	}
	return nil
}

// memberFor returns the member row, joining participants to the broadcast
// conversation on first use.
func (s *MemoryService) memberFor(c *Conversation, participantID string) *Member {
	if m := s.member(c.ID, participantID); m != nil {
		return m
	}
	if c.Kind != KindBroadcast {
		return nil
	}
	m := &Member{ConversationID: c.ID, ParticipantID: participantID}
	s.members[c.ID] = append(s.members[c.ID], m)
	return m
}

func (s *MemoryService) ListConversations(_ context.Context, participantID string) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConversationSummary
	for _, c := range s.conversations {
		me := s.member(c.ID, participantID)
		if me == nil && c.Kind != KindBroadcast {
			continue
		}
		sum := ConversationSummary{Conversation: *c, Members: s.memberViews(c.ID)}
		if me != nil {
			sum.MyNickname = me.Nickname
			sum.LastReadAt = me.LastReadAt
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return out, nil
}

func (s *MemoryService) FindBroadcast(_ context.Context) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.Kind == KindBroadcast {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("broadcast conversation: %w", ErrNotFound)
}

func (s *MemoryService) CreateConversation(_ context.Context, kind ConversationKind, name string, memberIDs []string) (*Conversation, error) {
	switch kind {
	case KindDirect, KindGroup, KindBroadcast:
	default:
		return nil, fmt.Errorf("unknown conversation kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindBroadcast {
		for _, c := range s.conversations {
			if c.Kind == KindBroadcast {
				return nil, ErrBroadcastExists
			}
		}
	}
	c := &Conversation{ID: uuid.NewString(), Kind: kind, Name: name, CreatedAt: s.now()}
	s.conversations[c.ID] = c
	seen := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		s.members[c.ID] = append(s.members[c.ID], &Member{ConversationID: c.ID, ParticipantID: id})
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryService) RenameConversation(_ context.Context, conversationID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	c.Name = strings.TrimSpace(name)
	return nil
}

func (s *MemoryService) SetNickname(_ context.Context, conversationID, participantID, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.member(conversationID, participantID)
	if m == nil {
		return fmt.Errorf("member %s of %s: %w", participantID, conversationID, ErrNotFound)
	}
	m.Nickname = strings.TrimSpace(nickname)
	return nil
}

func (s *MemoryService) LeaveConversation(_ context.Context, conversationID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.members[conversationID]
	for i, m := range rows {
		if m.ParticipantID == participantID {
			s.members[conversationID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("member %s of %s: %w", participantID, conversationID, ErrNotFound)
}

// ============================================================================
// Messages
// ============================================================================

func (s *MemoryService) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	if err := s.fail(OpListMessages); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	ids := s.order[conversationID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.hydrate(s.messages[id]))
	}
	return out, nil
}

func (s *MemoryService) GetMessage(_ context.Context, id string) (*Message, error) {
	if err := s.fail(OpGetMessage); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	full := s.hydrate(m)
	return &full, nil
}

func (s *MemoryService) CreateMessage(_ context.Context, req CreateMessageRequest) error {
	if err := s.fail(OpCreateMessage); err != nil {
		return err
	}
	if req.Body.Kind == "" {
		req.Body.Kind = BodyText
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[req.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", req.ConversationID, ErrNotFound)
	}
	if s.memberFor(c, req.SenderID) == nil {
		return fmt.Errorf("participant %s: %w", req.SenderID, ErrNotMember)
	}
	s.insertMessage(c, &Message{
		Token:    req.Token,
		SenderID: req.SenderID,
		Body:     req.Body,
		ReplyTo:  req.ReplyTo,
	})
	return nil
}

func (s *MemoryService) CreateSystemMessage(_ context.Context, conversationID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	s.insertMessage(c, &Message{Body: Body{Kind: BodySystem, Text: text}})
	return nil
}

// insertMessage stores m, opens receipts for every other member, bumps the
// conversation's activity and publishes a minimal "created" event. Callers
// hold the write lock.
func (s *MemoryService) insertMessage(c *Conversation, m *Message) {
	now := s.now()
	m.ID = uuid.NewString()
	m.ConversationID = c.ID
	m.CreatedAt = now
	m.Status = StatusConfirmed
	s.messages[m.ID] = m
	s.order[c.ID] = append(s.order[c.ID], m.ID)

	if m.SenderID != "" {
		rs := make(map[string]*Receipt)
		for _, mem := range s.members[c.ID] {
			if mem.ParticipantID != m.SenderID {
				rs[mem.ParticipantID] = &Receipt{MessageID: m.ID, ParticipantID: mem.ParticipantID}
			}
		}
		s.receipts[m.ID] = rs
	}

	c.LastMessageAt = &now
	c.LastMessagePreview = m.Body.Preview()

	ev := MessageEvent{Kind: EventCreated, Message: minimal(m)}
	if s.holding {
		s.held[c.ID] = append(s.held[c.ID], ev)
		return
	}
	s.fanoutMessage(c.ID, ev)
}

// minimal is the payload of a "created" event: the row without joins.
func minimal(m *Message) Message {
	out := *m
	out.Sender = nil
	out.Reactions = nil
	out.Receipts = nil
	return out
}

// hydrate returns the message with sender profile, reactions and receipts
// joined in. Message-level DeliveredAt/ReadAt are set once every recipient
// got that far.
func (s *MemoryService) hydrate(m *Message) Message {
	out := *m
	if p, ok := s.profiles[m.SenderID]; ok {
		out.Sender = &p
	}
	if rs := s.reactions[m.ID]; len(rs) > 0 {
		out.Reactions = append([]Reaction(nil), rs...)
	}
	out.Receipts = s.receiptViews(m.ID)
	if len(out.Receipts) > 0 {
		var delivered, read *time.Time
		allDelivered, allRead := true, true
		for _, r := range out.Receipts {
			if r.DeliveredAt == nil {
				allDelivered = false
			} else if delivered == nil || r.DeliveredAt.After(*delivered) {
				delivered = r.DeliveredAt
			}
			if r.ReadAt == nil {
				allRead = false
			} else if read == nil || r.ReadAt.After(*read) {
				read = r.ReadAt
			}
		}
		if allDelivered {
			out.DeliveredAt = delivered
		}
		if allRead {
			out.ReadAt = read
		}
	}
	return out
}

func (s *MemoryService) receiptViews(messageID string) []Receipt {
	rs := s.receipts[messageID]
	if len(rs) == 0 {
		return nil
	}
	out := make([]Receipt, 0, len(rs))
	for _, r := range rs {
		v := *r
		if p, ok := s.profiles[r.ParticipantID]; ok {
			v.Profile = &p
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (s *MemoryService) ListReceipts(_ context.Context, messageID string) ([]Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.messages[messageID]; !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return s.receiptViews(messageID), nil
}

// MarkRead advances the participant's watermark to the conversation's last
// activity and stamps receipts of every message up to it. Messages whose
// receipts changed are published as "updated".
func (s *MemoryService) MarkRead(_ context.Context, conversationID, participantID string) error {
	if err := s.fail(OpMarkRead); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	me := s.memberFor(c, participantID)
	if me == nil {
		return fmt.Errorf("participant %s: %w", participantID, ErrNotMember)
	}
	watermark := c.CreatedAt
	if c.LastMessageAt != nil {
		watermark = *c.LastMessageAt
	}
	if me.LastReadAt != nil && !watermark.After(*me.LastReadAt) {
		return nil
	}
	me.LastReadAt = &watermark

	now := s.now()
	for _, id := range s.order[conversationID] {
		m := s.messages[id]
		if m.CreatedAt.After(watermark) {
			break
		}
		r, ok := s.receipts[id][participantID]
		if !ok || r.ReadAt != nil {
			continue
		}
		if r.DeliveredAt == nil {
			r.DeliveredAt = &now
		}
		r.ReadAt = &now
		s.fanoutMessage(conversationID, MessageEvent{Kind: EventUpdated, Message: s.hydrate(m)})
	}
	return nil
}

func (s *MemoryService) UploadMedia(_ context.Context, file MediaFile) (string, error) {
	if err := s.fail(OpUploadMedia); err != nil {
		return "", err
	}
	if len(file.Data) == 0 {
		return "", fmt.Errorf("upload %s: empty file", file.Name)
	}
	url := "memory://media/" + uuid.NewString()
	if file.Name != "" {
		url += "/" + file.Name
	}
	s.mu.Lock()
	s.media[url] = file
	s.mu.Unlock()
	return url, nil
}

// Media returns an uploaded file.
func (s *MemoryService) Media(url string) (MediaFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.media[url]
	return f, ok
}

// ============================================================================
// Reactions
// ============================================================================

func (s *MemoryService) AddReaction(_ context.Context, messageID, participantID, emoji string) (*Reaction, error) {
	if err := s.fail(OpAddReaction); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if hasReaction(s.reactions[messageID], participantID, emoji) {
		return nil, ErrDuplicateReaction
	}
	r := Reaction{ID: uuid.NewString(), MessageID: messageID, ParticipantID: participantID, Emoji: emoji}
	s.reactions[messageID] = append(s.reactions[messageID], r)
	s.fanoutReaction(m.ConversationID, ReactionEvent{Kind: EventCreated, Reaction: r})
	return &r, nil
}

// RemoveReaction deletes a reaction by ID.
func (s *MemoryService) RemoveReaction(_ context.Context, reactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for msgID, rs := range s.reactions {
		for i, r := range rs {
			if r.ID != reactionID {
				continue
			}
			s.reactions[msgID] = append(rs[:i:i], rs[i+1:]...)
			s.fanoutReaction(s.messages[msgID].ConversationID, ReactionEvent{Kind: EventDeleted, Reaction: r})
			return nil
		}
	}
	return fmt.Errorf("reaction %s: %w", reactionID, ErrNotFound)
}

// ============================================================================
// Subscriptions
// ============================================================================

func (s *MemoryService) SubscribeMessages(ctx context.Context, conversationID string) (Subscription[MessageEvent], error) {
	if err := s.fail(OpSubscribeMessages); err != nil {
		return nil, err
	}
	ch := make(chan MessageEvent, s.buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.msgSubs[conversationID] == nil {
		s.msgSubs[conversationID] = make(map[int]chan MessageEvent)
	}
	s.msgSubs[conversationID][id] = ch
	s.mu.Unlock()

	return memSubscription(ctx, s, ch, func() {
		if c, ok := s.msgSubs[conversationID][id]; ok {
			delete(s.msgSubs[conversationID], id)
			close(c)
		}
	}), nil
}

func (s *MemoryService) SubscribeReactions(ctx context.Context, conversationID string) (Subscription[ReactionEvent], error) {
	if err := s.fail(OpSubscribeReactions); err != nil {
		return nil, err
	}
	ch := make(chan ReactionEvent, s.buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.reactSubs[conversationID] == nil {
		s.reactSubs[conversationID] = make(map[int]chan ReactionEvent)
	}
	s.reactSubs[conversationID][id] = ch
	s.mu.Unlock()

	return memSubscription(ctx, s, ch, func() {
		if c, ok := s.reactSubs[conversationID][id]; ok {
			delete(s.reactSubs[conversationID], id)
			close(c)
		}
	}), nil
}

// memSubscription wraps ch; remove runs under the write lock exactly once,
// on Close or when ctx ends.
func memSubscription[T any](ctx context.Context, s *MemoryService, ch chan T, remove func()) Subscription[T] {
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		case <-s.stop:
		}
	}()
	return &chanSubscription[T]{ch: ch, cancel: cancel}
}

// fanoutMessage delivers ev without blocking; a subscriber that fell a full
// buffer behind loses the event. Callers hold the lock.
func (s *MemoryService) fanoutMessage(conversationID string, ev MessageEvent) {
	for _, ch := range s.msgSubs[conversationID] {
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("conversation_id", conversationID).Str("message_id", ev.Message.ID).Msg("subscriber buffer full, event dropped")
		}
	}
}

func (s *MemoryService) fanoutReaction(conversationID string, ev ReactionEvent) {
	for _, ch := range s.reactSubs[conversationID] {
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("conversation_id", conversationID).Str("reaction_id", ev.Reaction.ID).Msg("subscriber buffer full, event dropped")
		}
	}
}

// ============================================================================
// Presence
// ============================================================================

func (s *MemoryService) JoinPresence(_ context.Context, conversationID string, self Profile) (PresenceChannel, error) {
	if err := s.fail(OpJoinPresence); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	h := s.hubs[conversationID]
	if h == nil {
		h = &presenceHub{
			ttl:     s.ttl,
			now:     s.now,
			leases:  make(map[*memPresence]presenceLease),
			members: make(map[*memPresence]struct{}),
		}
		s.hubs[conversationID] = h
	}
	s.mu.Unlock()
	return h.join(self), nil
}

func (s *MemoryService) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.RLock()
			hubs := make([]*presenceHub, 0, len(s.hubs))
			for _, h := range s.hubs {
				hubs = append(hubs, h)
			}
			s.mu.RUnlock()
			for _, h := range hubs {
				h.sweep()
			}
		}
	}
}

type presenceLease struct {
	entry   PresenceEntry
	expires time.Time
}

// presenceHub is the shared presence set of one conversation. Leases are
// held per session, so one participant may be present from several; every
// change to the set of present participants is broadcast as a full snapshot.
type presenceHub struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	leases  map[*memPresence]presenceLease
	members map[*memPresence]struct{}
}

func (h *presenceHub) join(self Profile) *memPresence {
	p := &memPresence{hub: h, self: self, sync: make(chan []PresenceEntry, 1)}
	h.mu.Lock()
	h.members[p] = struct{}{}
	deliverLatest(p.sync, h.entriesLocked())
	h.mu.Unlock()
	return p
}

func (h *presenceHub) announce(p *memPresence, state PresenceState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[p]; !ok {
		return ErrClosed
	}
	id := p.self.ID
	switch state {
	case PresenceActive:
		wasPresent := h.presentLocked(id)
		now := h.now()
		l, exists := h.leases[p]
		if !exists {
			l.entry = PresenceEntry{ParticipantID: id, DisplayName: p.self.DisplayName, Since: now}
		}
		l.expires = now.Add(h.ttl)
		h.leases[p] = l
		if !wasPresent {
			h.broadcastLocked()
		}
	default:
		h.dropLocked(p)
	}
	return nil
}

func (h *presenceHub) leave(p *memPresence) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[p]; !ok {
		return
	}
	delete(h.members, p)
	close(p.sync)
	h.dropLocked(p)
}

// dropLocked removes p's lease and broadcasts when that was the last
// session keeping its participant present.
func (h *presenceHub) dropLocked(p *memPresence) {
	if _, ok := h.leases[p]; !ok {
		return
	}
	delete(h.leases, p)
	if !h.presentLocked(p.self.ID) {
		h.broadcastLocked()
	}
}

func (h *presenceHub) presentLocked(participantID string) bool {
	for p := range h.leases {
		if p.self.ID == participantID {
			return true
		}
	}
	return false
}

func (h *presenceHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.members {
		delete(h.members, p)
		close(p.sync)
	}
	h.leases = make(map[*memPresence]presenceLease)
}

func (h *presenceHub) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	expired := false
	for p, l := range h.leases {
		if now.After(l.expires) {
			delete(h.leases, p)
			expired = true
		}
	}
	if expired {
		h.broadcastLocked()
	}
}

func (h *presenceHub) snapshot() []PresenceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entriesLocked()
}

func (h *presenceHub) entriesLocked() []PresenceEntry {
	first := make(map[string]PresenceEntry, len(h.leases))
	for _, l := range h.leases {
		if e, ok := first[l.entry.ParticipantID]; !ok || l.entry.Since.Before(e.Since) {
			first[l.entry.ParticipantID] = l.entry
		}
	}
	out := make([]PresenceEntry, 0, len(first))
	for _, e := range first {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (h *presenceHub) broadcastLocked() {
	snap := h.entriesLocked()
	for p := range h.members {
		deliverLatest(p.sync, snap)
	}
}

// deliverLatest puts snap on a one-slot channel, replacing any snapshot the
// reader has not taken yet.
func deliverLatest(ch chan []PresenceEntry, snap []PresenceEntry) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// memPresence is one participant's PresenceChannel on a presenceHub.
type memPresence struct {
	hub  *presenceHub
	self Profile
	sync chan []PresenceEntry
}

func (p *memPresence) Announce(ctx context.Context, state PresenceState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.hub.announce(p, state)
}

func (p *memPresence) Sync() <-chan []PresenceEntry { return p.sync }

func (p *memPresence) Leave() error {
	p.hub.leave(p)
	return nil
}
