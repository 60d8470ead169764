package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RoomOptions configures OpenRoom.
type RoomOptions struct {
	// Self is the local participant.
	Self   Profile
	Config Config
	// Logger defaults to a disabled logger.
	Logger   zerolog.Logger
	Metrics  *Metrics
	Notices  *NoticeBoard
	Cache    SnapshotCache
	Previews *PreviewRegistry
	// Tokens generates correlation tokens; NewToken when nil.
	Tokens TokenSource
	// OnChange is called after every change to the message list or the
	// typing set. It runs on the room's goroutines and must not block.
	OnChange func()
}

// SendOptions are optional attributes of an outgoing message.
type SendOptions struct {
	ReplyTo string
}

// Room is one open conversation: its message log, reconciliation of
// optimistic sends against realtime events, presence and read tracking.
// A Room is created by OpenRoom and must be closed.
type Room struct {
	id       string
	svc      DataService
	self     Profile
	cfg      Config
	log      zerolog.Logger
	metrics  *Metrics
	notices  *NoticeBoard
	cache    SnapshotCache
	previews *PreviewRegistry
	tokens   TokenSource
	onChange func()

	store    *MessageStore
	reads    *DeliveryTracker
	presence *PresenceTracker
	msgSub   Subscription[MessageEvent]
	reactSub Subscription[ReactionEvent]

	mu           sync.RWMutex
	identity     Identity
	conv         *Conversation
	sentAt       map[string]time.Time // token -> optimistic send time
	openPreviews map[string]string    // token -> preview handle

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// OpenRoom resolves the conversation's identity, loads its history (cached
// snapshot first, then the authoritative list), subscribes to message and
// reaction events, and joins presence as active.
//
// It fails only when no history can be shown at all: the fetch failed and
// there was no cached snapshot. Subscription and presence failures degrade
// the room to a non-live view and are logged.
func OpenRoom(ctx context.Context, svc DataService, conversationID string, opts RoomOptions) (*Room, error) {
	opts.Config.defaults()
	if opts.Tokens == nil {
		opts.Tokens = NewToken
	}
	if opts.Previews == nil {
		opts.Previews = NewPreviewRegistry()
	}
	log := opts.Logger.With().
		Str("component", "room").
		Str("conversation_id", conversationID).
		Logger()

	roomCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Room{
		id:           conversationID,
		svc:          svc,
		self:         opts.Self,
		cfg:          opts.Config,
		log:          log,
		metrics:      opts.Metrics,
		notices:      opts.Notices,
		cache:        opts.Cache,
		previews:     opts.Previews,
		tokens:       opts.Tokens,
		onChange:     opts.OnChange,
		store:        NewMessageStore(),
		sentAt:       make(map[string]time.Time),
		openPreviews: make(map[string]string),
		ctx:          roomCtx,
		cancel:       cancel,
	}
	r.reads = NewDeliveryTracker(svc, opts.Logger)

	// Identity and history are independent round trips.
	var g errgroup.Group
	g.Go(func() error {
		resolver := NewIdentityResolver(svc, r.reads, r.cfg.Labels, opts.Logger)
		id, conv := resolver.Resolve(ctx, conversationID, r.self.ID)
		r.mu.Lock()
		r.identity, r.conv = id, conv
		r.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		// Subscribe before fetching so nothing published in between is lost;
		// events queue on the subscription until the loop starts.
		if sub, err := svc.SubscribeMessages(roomCtx, conversationID); err != nil {
			log.Warn().Err(err).Msg("message subscription failed, room will not update live")
		} else {
			r.msgSub = sub
		}
		if sub, err := svc.SubscribeReactions(roomCtx, conversationID); err != nil {
			log.Warn().Err(err).Msg("reaction subscription failed")
		} else {
			r.reactSub = sub
		}

		cached := false
		if r.cache != nil {
			if msgs, ok := r.cache.Load(ctx, conversationID); ok {
				r.store.Replace(msgs)
				cached = true
			}
		}
		if err := r.Refresh(ctx); err != nil {
			if !cached {
				return err
			}
			log.Warn().Err(err).Msg("history fetch failed, showing cached snapshot")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.cache = nil
		r.Close()
		return nil, err
	}

	if ch, err := svc.JoinPresence(ctx, conversationID, r.self); err != nil {
		log.Warn().Err(err).Msg("presence join failed")
	} else {
		r.presence = StartPresence(roomCtx, ch, r.self, PresenceOptions{
			TypingTimeout: r.cfg.TypingTimeout,
			Heartbeat:     r.cfg.PresenceHeartbeat,
			Logger:        opts.Logger,
			Metrics:       r.metrics,
			OnChange:      func([]string) { r.changed() },
		})
	}

	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// ID returns the conversation ID.
func (r *Room) ID() string { return r.id }

// Identity returns the resolved display identity of the conversation.
func (r *Room) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// Conversation returns the conversation record, or nil when it could not
// be loaded.
func (r *Room) Conversation() *Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conv == nil {
		return nil
	}
	cp := *r.conv
	return &cp
}

// Messages returns the message log in display order.
func (r *Room) Messages() []Message {
	return r.store.Messages()
}

// Message looks a message up by server ID or correlation token.
func (r *Room) Message(id string) (Message, bool) {
	return r.store.Get(id)
}

// Status derives the delivery tick of a message for the local participant.
func (r *Room) Status(m Message) DeliveryState {
	return DeriveStatus(m, r.self.ID)
}

// Typing returns the remote participants currently active in the room.
func (r *Room) Typing() []string {
	if r.presence == nil {
		return nil
	}
	return r.presence.Peers()
}

// SetTyping forwards an input signal to the presence tracker.
func (r *Room) SetTyping(typing bool) {
	if r.presence != nil && !r.closed.Load() {
		r.presence.Typing(typing)
	}
}

// Blur tells the presence tracker the input lost focus.
func (r *Room) Blur() {
	r.SetTyping(false)
}

// Refresh replaces the log with the authoritative history, keeping local
// unconfirmed entries, and refreshes the snapshot cache.
func (r *Room) Refresh(ctx context.Context) error {
	history, err := r.svc.ListMessages(ctx, r.id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	r.store.Replace(history)
	r.saveSnapshot(ctx)
	r.changed()
	return nil
}

// MarkRead marks the conversation read for the local participant.
func (r *Room) MarkRead(ctx context.Context) error {
	return r.reads.MarkRead(ctx, r.id, r.self.ID)
}

// ReceiptDetails lists who has received and read a message.
func (r *Room) ReceiptDetails(ctx context.Context, messageID string) (*ReceiptDetails, error) {
	return r.reads.Details(ctx, messageID)
}

// ============================================================================
// Sending
// ============================================================================

// SendText sends a plain text message.
func (r *Room) SendText(ctx context.Context, text string) (Message, error) {
	return r.Send(ctx, TextBody(text), SendOptions{})
}

// Send appends an optimistic entry and asks the service to persist it. The
// entry is confirmed when the realtime event carrying its token arrives.
// On a service error the entry is marked failed, a notice is posted, and
// the error is returned alongside the failed entry.
func (r *Room) Send(ctx context.Context, body Body, opts SendOptions) (Message, error) {
	if r.closed.Load() {
		return Message{}, ErrClosed
	}
	if body.Kind == "" {
		body.Kind = BodyText
	}
	if body.Kind == BodyText {
		body.Text = strings.TrimSpace(body.Text)
		if body.Text == "" {
			return Message{}, ErrEmptyMessage
		}
	}

	token, err := r.appendPending(body, opts.ReplyTo)
	if err != nil {
		return Message{}, err
	}
	err = r.svc.CreateMessage(ctx, CreateMessageRequest{
		ConversationID: r.id,
		SenderID:       r.self.ID,
		Body:           body,
		ReplyTo:        opts.ReplyTo,
		Token:          token,
	})
	if err != nil {
		return r.failSend(token, err, "Failed to send message")
	}
	m, _ := r.store.FindByToken(token)
	return m, nil
}

// SendMedia validates and uploads a file, showing a local preview while the
// upload runs. The preview handle is released when the send fails or once
// the confirmed message carries the permanent URL. An empty ContentType is
// sniffed from the data.
func (r *Room) SendMedia(ctx context.Context, file MediaFile, caption string) (Message, error) {
	if r.closed.Load() {
		return Message{}, ErrClosed
	}
	if file.ContentType == "" {
		file.ContentType = mimetype.Detect(file.Data).String()
	}
	if !strings.HasPrefix(file.ContentType, "image/") && !strings.HasPrefix(file.ContentType, "video/") {
		return Message{}, ErrUnsupportedMedia
	}
	if int64(len(file.Data)) > r.cfg.MaxMediaBytes {
		return Message{}, ErrMediaTooLarge
	}

	handle := r.previews.Open(file)
	caption = strings.TrimSpace(caption)
	token, err := r.appendPending(Body{Kind: BodyImage, MediaURL: handle, Text: caption}, "")
	if err != nil {
		r.previews.Release(handle)
		return Message{}, err
	}
	r.mu.Lock()
	r.openPreviews[token] = handle
	r.mu.Unlock()

	url, err := r.svc.UploadMedia(ctx, file)
	if err != nil {
		r.releasePreview(token, caption)
		return r.failSend(token, err, "Failed to upload media")
	}
	err = r.svc.CreateMessage(ctx, CreateMessageRequest{
		ConversationID: r.id,
		SenderID:       r.self.ID,
		Body:           Body{Kind: BodyImage, MediaURL: url, Text: caption},
		Token:          token,
	})
	if err != nil {
		r.releasePreview(token, caption)
		return r.failSend(token, err, "Failed to send message")
	}
	m, _ := r.store.FindByToken(token)
	return m, nil
}

func (r *Room) appendPending(body Body, replyTo string) (string, error) {
	token := r.tokens(r.cfg.TokenPrefix)
	self := r.self
	ok := r.store.Append(Message{
		Token:          token,
		ConversationID: r.id,
		SenderID:       r.self.ID,
		Sender:         &self,
		Body:           body,
		ReplyTo:        replyTo,
		CreatedAt:      time.Now(),
	})
	if !ok {
		return "", fmt.Errorf("correlation token %q already in use", token)
	}
	r.mu.Lock()
	r.sentAt[token] = time.Now()
	r.mu.Unlock()
	r.metrics.sent()
	r.changed()
	return token, nil
}

func (r *Room) failSend(token string, cause error, notice string) (Message, error) {
	if r.store.Fail(token) {
		r.metrics.failed()
	}
	r.mu.Lock()
	delete(r.sentAt, token)
	r.mu.Unlock()
	r.notices.Post(NoticeError, notice)
	r.log.Warn().Err(cause).Str("token", token).Msg("send failed")
	r.changed()
	m, _ := r.store.FindByToken(token)
	return m, fmt.Errorf("send message: %w", cause)
}

// releasePreview frees the preview of token. When the entry is not
// confirmed yet, the dangling handle is dropped from its body.
func (r *Room) releasePreview(token, caption string) {
	r.mu.Lock()
	handle, ok := r.openPreviews[token]
	delete(r.openPreviews, token)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.previews.Release(handle)
	r.store.SetBody(token, Body{Kind: BodyImage, Text: caption})
}

// ============================================================================
// Reactions
// ============================================================================

// React adds an emoji reaction optimistically. A participant can hold one
// reaction per emoji per message; a repeat returns ErrDuplicateReaction and
// changes nothing. If the service rejects the reaction, exactly the
// optimistic one is removed again.
func (r *Room) React(ctx context.Context, messageID, emoji string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return errors.New("emoji is empty")
	}
	temp := Reaction{
		ID:            r.tokens(r.cfg.ReactionTokenPrefix),
		MessageID:     messageID,
		ParticipantID: r.self.ID,
		Emoji:         emoji,
		Pending:       true,
	}
	if err := r.store.AddReaction(messageID, temp); err != nil {
		return err
	}
	r.changed()

	target := messageID
	if m, ok := r.store.Get(messageID); ok {
		target = m.ID
	}
	got, err := r.svc.AddReaction(ctx, target, r.self.ID, emoji)
	if err != nil {
		r.store.RemoveReaction(target, temp.ID)
		r.metrics.rollback()
		r.notices.Post(NoticeError, "Failed to add reaction")
		r.log.Warn().Err(err).Str("message_id", target).Str("emoji", emoji).Msg("reaction rolled back")
		r.changed()
		return fmt.Errorf("add reaction: %w", err)
	}
	r.store.PromoteReaction(target, temp.ID, *got)
	r.changed()
	return nil
}

// ============================================================================
// Event Loop
// ============================================================================

func (r *Room) loop() {
	defer r.wg.Done()

	var msgs <-chan MessageEvent
	if r.msgSub != nil {
		msgs = r.msgSub.Events()
	}
	var reacts <-chan ReactionEvent
	if r.reactSub != nil {
		reacts = r.reactSub.Events()
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-msgs:
			if !ok {
				msgs = nil
				r.log.Debug().Msg("message subscription ended")
				continue
			}
			r.handleMessageEvent(ev)
		case ev, ok := <-reacts:
			if !ok {
				reacts = nil
				continue
			}
			r.handleReactionEvent(ev)
		}
	}
}

func (r *Room) handleMessageEvent(ev MessageEvent) {
	m := ev.Message
	if m.ConversationID != "" && m.ConversationID != r.id {
		return
	}
	switch ev.Kind {
	case EventCreated:
		r.handleCreated(m)
	case EventUpdated:
		if r.store.UpdateStatus(m) {
			r.changed()
		}
	case EventDeleted:
		if r.store.Remove(m.ID) {
			r.changed()
		}
	}
}

// handleCreated folds a "created" event into the log. Own messages promote
// their optimistic entry in place; anything else is hydrated and inserted
// once, by ID and token.
func (r *Room) handleCreated(m Message) {
	if m.SenderID != "" && m.SenderID == r.self.ID {
		switch r.store.Confirm(m, *r.cfg.ContentMatchFallback) {
		case ConfirmMerged:
			r.confirmed(m)
			return
		case ConfirmDuplicate:
			r.metrics.duplicate("message")
			return
		}
		// Sent from another session of the same participant.
		if m.Sender == nil {
			self := r.self
			m.Sender = &self
		}
		if r.store.Insert(m) {
			r.changed()
		} else {
			r.metrics.duplicate("message")
		}
		return
	}

	if _, ok := r.store.Get(m.ID); ok {
		r.metrics.duplicate("message")
		return
	}
	if m.Token != "" {
		if _, ok := r.store.FindByToken(m.Token); ok {
			r.metrics.duplicate("message")
			return
		}
	}

	full := m
	if got, err := r.svc.GetMessage(r.ctx, m.ID); err != nil {
		r.log.Warn().Err(err).Str("message_id", m.ID).Msg("message hydration failed, using event payload")
	} else {
		full = *got
	}
	if !r.store.Insert(full) {
		r.metrics.duplicate("message")
		return
	}
	r.changed()
	r.reads.MarkReadAsync(r.ctx, r.id, r.self.ID)
}

func (r *Room) confirmed(m Message) {
	r.mu.Lock()
	since := r.sentAt[m.Token]
	delete(r.sentAt, m.Token)
	handle, hasPreview := r.openPreviews[m.Token]
	delete(r.openPreviews, m.Token)
	r.mu.Unlock()

	if hasPreview {
		r.previews.Release(handle)
	}
	r.metrics.confirmed(since)
	r.changed()
}

func (r *Room) handleReactionEvent(ev ReactionEvent) {
	if r.store.ApplyReactionEvent(ev) {
		r.changed()
	} else if ev.Kind == EventCreated {
		r.metrics.duplicate("reaction")
	}
}

func (r *Room) changed() {
	if r.onChange == nil {
		return
	}
	defer func() { recover() }() // a panicking view must not kill the room
	r.onChange()
}

func (r *Room) saveSnapshot(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Save(ctx, r.id, r.store.Messages()); err != nil {
		r.log.Warn().Err(err).Msg("snapshot save failed")
	}
}

// ============================================================================
// Conversation Actions
// ============================================================================

// Rename changes the conversation name and posts a system message.
func (r *Room) Rename(ctx context.Context, name string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	name = strings.TrimSpace(name)
	if err := r.svc.RenameConversation(ctx, r.id, name); err != nil {
		r.notices.Post(NoticeError, "Failed to rename conversation")
		return fmt.Errorf("rename conversation: %w", err)
	}
	r.mu.Lock()
	if r.conv != nil {
		r.conv.Name = name
	}
	if r.identity.Kind != KindDirect {
		r.identity.DisplayName = firstNonEmpty(name, r.defaultName())
	}
	r.mu.Unlock()

	r.postSystem(ctx, fmt.Sprintf("%s changed the group name to %q", r.actorName(), name))
	r.notices.Post(NoticeSuccess, "Conversation renamed")
	r.changed()
	return nil
}

// SetNickname sets (or clears, with "") the nickname of a member and posts
// a system message.
func (r *Room) SetNickname(ctx context.Context, participantID, nickname string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	nickname = strings.TrimSpace(nickname)
	members, err := r.svc.ListMembers(ctx, r.id)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	var target *Member
	for i := range members {
		if members[i].ParticipantID == participantID {
			target = &members[i]
		}
	}
	if target == nil {
		return fmt.Errorf("member %s: %w", participantID, ErrNotFound)
	}
	if err := r.svc.SetNickname(ctx, r.id, participantID, nickname); err != nil {
		r.notices.Post(NoticeError, "Failed to update nickname")
		return fmt.Errorf("set nickname: %w", err)
	}

	targetName := r.cfg.Labels.DirectFallback
	if target.Profile != nil && target.Profile.DisplayName != "" {
		targetName = target.Profile.DisplayName
	}
	if nickname == "" {
		r.postSystem(ctx, fmt.Sprintf("%s cleared %s's nickname", r.actorName(), targetName))
	} else {
		r.postSystem(ctx, fmt.Sprintf("%s changed %s's nickname to %q", r.actorName(), targetName, nickname))
	}

	r.mu.Lock()
	if r.identity.Kind == KindDirect && r.identity.CounterpartID == participantID {
		target.Nickname = nickname
		r.identity.DisplayName = directName(target, r.cfg.Labels.DirectFallback)
	}
	r.mu.Unlock()
	r.changed()
	return nil
}

// Leave removes the local participant from the conversation and closes the room.
func (r *Room) Leave(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.svc.LeaveConversation(ctx, r.id, r.self.ID); err != nil {
		r.notices.Post(NoticeError, "Failed to leave conversation")
		return fmt.Errorf("leave conversation: %w", err)
	}
	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, r.id); err != nil {
			r.log.Warn().Err(err).Msg("snapshot invalidate failed")
		}
	}
	r.cache = nil
	return r.Close()
}

func (r *Room) postSystem(ctx context.Context, text string) {
	if err := r.svc.CreateSystemMessage(ctx, r.id, text); err != nil {
		r.log.Warn().Err(err).Msg("system message failed")
	}
}

func (r *Room) actorName() string {
	return firstNonEmpty(r.self.DisplayName, r.cfg.Labels.DirectFallback)
}

func (r *Room) defaultName() string {
	if r.identity.Kind == KindBroadcast {
		return r.cfg.Labels.Broadcast
	}
	return r.cfg.Labels.Group
}

// ============================================================================
// Teardown
// ============================================================================

// Close unsubscribes from every realtime source, stops the presence
// timers, leaves the presence group, and releases outstanding previews.
// It is idempotent.
func (r *Room) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
		if r.msgSub != nil {
			r.msgSub.Close()
		}
		if r.reactSub != nil {
			r.reactSub.Close()
		}
		if r.presence != nil {
			err = r.presence.Close()
		}
		r.wg.Wait()

		r.mu.Lock()
		for token, handle := range r.openPreviews {
			r.previews.Release(handle)
			delete(r.openPreviews, token)
		}
		r.mu.Unlock()

		r.saveSnapshot(context.Background())
		r.log.Debug().Msg("room closed")
	})
	return err
}
