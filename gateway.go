package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// RealtimeEnvelope is the wire format for all server-to-client frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Frame types.
const (
	FrameAuthenticated = "authenticated"
	FrameMessageEvent  = "message.event"
	FrameReactionEvent = "reaction.event"
	FramePresenceSync  = "presence.sync"
	FramePong          = "pong"
	FrameError         = "error"

	CommandSubscribe        = "subscribe"
	CommandUnsubscribe      = "unsubscribe"
	CommandPresenceAnnounce = "presence.announce"
	CommandPresenceLeave    = "presence.leave"
	CommandPing             = "ping"
)

// Subscription topics.
const (
	TopicMessages  = "messages"
	TopicReactions = "reactions"
	TopicPresence  = "presence"
)

// SubscribePayload is the payload of subscribe and unsubscribe commands.
type SubscribePayload struct {
	ConversationID string `json:"conversationId"`
	Topic          string `json:"topic"`
}

// AnnouncePayload is the payload of presence.announce and presence.leave.
type AnnouncePayload struct {
	ConversationID string        `json:"conversationId"`
	ParticipantID  string        `json:"participantId"`
	DisplayName    string        `json:"displayName,omitempty"`
	State          PresenceState `json:"state,omitempty"`
}

// MessageEventPayload carries a MessageEvent with its conversation.
type MessageEventPayload struct {
	ConversationID string `json:"conversationId"`
	MessageEvent
}

// ReactionEventPayload carries a ReactionEvent with its conversation.
type ReactionEventPayload struct {
	ConversationID string `json:"conversationId"`
	ReactionEvent
}

// PresenceSyncPayload is the full presence set of a conversation.
type PresenceSyncPayload struct {
	ConversationID string          `json:"conversationId"`
	Entries        []PresenceEntry `json:"entries"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime gateway connection.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	EventBuffer          int
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay is exponential backoff with up to 50% jitter. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// Fan-out
// ============================================================================

// fanout routes events of one type to local subscribers by conversation.
type fanout[T any] struct {
	mu   sync.Mutex
	subs map[string]map[int]chan T
	next int
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[string]map[int]chan T)}
}

// add registers a subscriber and reports whether it is the first for the
// conversation.
func (f *fanout[T]) add(conversationID string, buffer int) (int, chan T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.subs[conversationID]) == 0
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[int]chan T)
	}
	id := f.next
	f.next++
	ch := make(chan T, buffer)
	f.subs[conversationID][id] = ch
	return id, ch, first
}

// remove unregisters and closes a subscriber and reports whether it was
// the last for the conversation.
func (f *fanout[T]) remove(conversationID string, id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[conversationID][id]
	if !ok {
		return false
	}
	close(ch)
	delete(f.subs[conversationID], id)
	if len(f.subs[conversationID]) == 0 {
		delete(f.subs, conversationID)
		return true
	}
	return false
}

// publish delivers ev without blocking and returns how many subscribers
// had a full buffer.
func (f *fanout[T]) publish(conversationID string, ev T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for _, ch := range f.subs[conversationID] {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *fanout[T]) conversations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for id := range f.subs {
		out = append(out, id)
	}
	return out
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conv, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, conv)
	}
}

// ============================================================================
// Gateway
// ============================================================================

// Gateway is the realtime websocket connection of a RemoteService: it
// carries message, reaction and presence events for every conversation the
// process has subscribed to, and presence announcements back. Subscriptions
// and presence are re-established after every reconnect.
type Gateway struct {
	url        string
	token      string
	httpClient *http.Client
	config     RealtimeConfig
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	state      RealtimeState
	closed     bool
	cancelConn context.CancelFunc
	recon      *reconnector

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}

	messages  *fanout[MessageEvent]
	reactions *fanout[ReactionEvent]

	presenceMu sync.Mutex
	presence   map[string]map[*gatewayPresence]struct{}
}

// NewGateway creates a disconnected gateway for the service at baseURL.
func NewGateway(baseURL, token string, httpClient *http.Client, config RealtimeConfig, log zerolog.Logger) *Gateway {
	config.defaults()
	wsURL := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		url:          wsURL + "/ws",
		token:        token,
		httpClient:   httpClient,
		config:       config,
		log:          log.With().Str("component", "gateway").Logger(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateDisconnected,
		recon:        newReconnector(&config),
		pendingPings: make(map[string]chan struct{}),
		messages:     newFanout[MessageEvent](),
		reactions:    newFanout[ReactionEvent](),
		presence:     make(map[string]map[*gatewayPresence]struct{}),
	}
}

// State returns the current connection state.
func (g *Gateway) State() RealtimeState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) setState(s RealtimeState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Connect dials the gateway and waits for the authenticated frame. It is
// a no-op while a connection is up or being re-established.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.state != StateDisconnected {
		g.mu.Unlock()
		return nil
	}
	g.state = StateConnecting
	g.mu.Unlock()

	if err := g.connect(ctx); err != nil {
		g.setState(StateDisconnected)
		return err
	}
	return nil
}

// connect dials and installs a connection. The caller owns the state on
// failure.
func (g *Gateway) connect(ctx context.Context) error {
	conn, err := g.dial(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	connCtx, cancel := context.WithCancel(g.ctx)
	g.conn = conn
	g.state = StateConnected
	g.cancelConn = cancel
	g.mu.Unlock()
	g.recon.markConnected()
	g.log.Debug().Str("url", g.url).Msg("gateway connected")

	go g.readLoop(connCtx, cancel, conn)
	go g.heartbeatLoop(connCtx, conn)
	g.resubscribe(connCtx)
	return nil
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}
	conn, _, err := websocket.Dial(ctx, g.url, &websocket.DialOptions{
		HTTPClient: g.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FrameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q, got %q", FrameAuthenticated, env.Type)
	}
	return conn, nil
}

// resubscribe replays every live subscription and presence membership on
// a fresh connection.
func (g *Gateway) resubscribe(ctx context.Context) {
	for _, conv := range g.messages.conversations() {
		g.sendLogged(ctx, CommandSubscribe, SubscribePayload{ConversationID: conv, Topic: TopicMessages})
	}
	for _, conv := range g.reactions.conversations() {
		g.sendLogged(ctx, CommandSubscribe, SubscribePayload{ConversationID: conv, Topic: TopicReactions})
	}

	g.presenceMu.Lock()
	var members []*gatewayPresence
	for _, set := range g.presence {
		for p := range set {
			members = append(members, p)
		}
	}
	g.presenceMu.Unlock()
	joined := make(map[string]bool)
	for _, p := range members {
		if !joined[p.conversationID] {
			joined[p.conversationID] = true
			g.sendLogged(ctx, CommandSubscribe, SubscribePayload{ConversationID: p.conversationID, Topic: TopicPresence})
		}
		if p.lastState() == PresenceActive {
			g.sendLogged(ctx, CommandPresenceAnnounce, p.payload(PresenceActive))
		}
	}
}

// Close disconnects and ends every subscription and presence channel.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.state = StateDisconnected
	g.mu.Unlock()

	g.cancel()
	g.clearPendingPings()
	g.messages.closeAll()
	g.reactions.closeAll()

	g.presenceMu.Lock()
	for conv, set := range g.presence {
		for p := range set {
			p.closeSync()
		}
		delete(g.presence, conv)
	}
	g.presenceMu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a command on the live connection.
func (g *Gateway) Send(ctx context.Context, cmd *RealtimeCommand) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (g *Gateway) sendLogged(ctx context.Context, typ string, payload any) {
	if err := g.Send(ctx, &RealtimeCommand{Type: typ, Payload: payload}); err != nil && err != ErrNotConnected {
		g.log.Warn().Err(err).Str("command", typ).Msg("gateway command failed")
	}
}

// Ping sends a ping and waits for the matching pong.
func (g *Gateway) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", g.pingCounter.Add(1))
	ch := make(chan struct{})
	g.pendingMu.Lock()
	g.pendingPings[requestID] = ch
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pendingPings, requestID)
		g.pendingMu.Unlock()
	}()

	err := g.Send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(g.config.PingTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) clearPendingPings() {
	g.pendingMu.Lock()
	for k, ch := range g.pendingPings {
		close(ch)
		delete(g.pendingPings, k)
	}
	g.pendingMu.Unlock()
}

func (g *Gateway) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.mu.Lock()
			closed := g.closed
			current := g.conn == conn
			reconnect := current && !closed && g.config.AutoReconnect
			if current {
				g.conn = nil
				// Reconnecting is set before the lock is released so a
				// concurrent Connect cannot dial a second connection.
				g.state = StateDisconnected
				if reconnect {
					g.state = StateReconnecting
				}
			}
			g.mu.Unlock()
			if closed {
				return
			}
			g.log.Warn().Err(err).Msg("gateway connection lost")
			if reconnect {
				go g.reconnectLoop()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		g.dispatch(env)
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(g.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				g.log.Warn().Err(err).Msg("heartbeat failed, dropping connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (g *Gateway) reconnectLoop() {
	for g.recon.shouldReconnect() {
		attempt, delay := g.recon.nextDelay()
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return
		}
		g.state = StateReconnecting
		g.mu.Unlock()
		g.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("gateway reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := g.connect(g.ctx); err == nil {
			return
		}
	}
	g.setState(StateDisconnected)
	g.log.Error().Msg("gateway gave up reconnecting")
}

func (g *Gateway) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case FrameMessageEvent:
		var p MessageEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.log.Warn().Err(err).Msg("bad message event")
			return
		}
		conv := firstNonEmpty(p.ConversationID, p.Message.ConversationID)
		if n := g.messages.publish(conv, p.MessageEvent); n > 0 {
			g.log.Warn().Str("conversation_id", conv).Int("subscribers", n).Msg("subscriber buffer full, message event dropped")
		}
	case FrameReactionEvent:
		var p ReactionEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.log.Warn().Err(err).Msg("bad reaction event")
			return
		}
		if n := g.reactions.publish(p.ConversationID, p.ReactionEvent); n > 0 {
			g.log.Warn().Str("conversation_id", p.ConversationID).Int("subscribers", n).Msg("subscriber buffer full, reaction event dropped")
		}
	case FramePresenceSync:
		var p PresenceSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.log.Warn().Err(err).Msg("bad presence sync")
			return
		}
		g.presenceMu.Lock()
		for member := range g.presence[p.ConversationID] {
			deliverLatest(member.sync, p.Entries)
		}
		g.presenceMu.Unlock()
	case FramePong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			g.pendingMu.Lock()
			ch, ok := g.pendingPings[p.RequestID]
			if ok {
				delete(g.pendingPings, p.RequestID)
			}
			g.pendingMu.Unlock()
			if ok {
				close(ch)
			}
		}
	case FrameError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			g.log.Warn().Str("error", p.Message).Msg("gateway error frame")
		}
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// SubscribeMessages streams message events of a conversation.
func (g *Gateway) SubscribeMessages(ctx context.Context, conversationID string) (Subscription[MessageEvent], error) {
	return subscribe(ctx, g, g.messages, conversationID, TopicMessages)
}

// SubscribeReactions streams reaction events of a conversation.
func (g *Gateway) SubscribeReactions(ctx context.Context, conversationID string) (Subscription[ReactionEvent], error) {
	return subscribe(ctx, g, g.reactions, conversationID, TopicReactions)
}

func subscribe[T any](ctx context.Context, g *Gateway, f *fanout[T], conversationID, topic string) (Subscription[T], error) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	id, ch, first := f.add(conversationID, g.config.EventBuffer)
	if first {
		err := g.Send(ctx, &RealtimeCommand{Type: CommandSubscribe, Payload: SubscribePayload{ConversationID: conversationID, Topic: topic}})
		if err != nil && err != ErrNotConnected {
			f.remove(conversationID, id)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if f.remove(conversationID, id) {
				unsubCtx, stop := context.WithTimeout(g.ctx, 5*time.Second)
				defer stop()
				g.sendLogged(unsubCtx, CommandUnsubscribe, SubscribePayload{ConversationID: conversationID, Topic: topic})
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		case <-g.ctx.Done():
		}
	}()
	return &chanSubscription[T]{ch: ch, cancel: cancel}, nil
}

// ============================================================================
// Presence
// ============================================================================

// JoinPresence joins a conversation's presence group.
func (g *Gateway) JoinPresence(ctx context.Context, conversationID string, self Profile) (PresenceChannel, error) {
	p := &gatewayPresence{
		g:              g,
		conversationID: conversationID,
		self:           self,
		sync:           make(chan []PresenceEntry, 1),
		state:          PresenceIdle,
	}

	g.presenceMu.Lock()
	first := len(g.presence[conversationID]) == 0
	if g.presence[conversationID] == nil {
		g.presence[conversationID] = make(map[*gatewayPresence]struct{})
	}
	g.presence[conversationID][p] = struct{}{}
	g.presenceMu.Unlock()

	if first {
		err := g.Send(ctx, &RealtimeCommand{Type: CommandSubscribe, Payload: SubscribePayload{ConversationID: conversationID, Topic: TopicPresence}})
		if err != nil && err != ErrNotConnected {
			p.Leave()
			return nil, fmt.Errorf("join presence: %w", err)
		}
	}
	return p, nil
}

// gatewayPresence is a PresenceChannel carried over the gateway.
type gatewayPresence struct {
	g              *Gateway
	conversationID string
	self           Profile
	sync           chan []PresenceEntry

	mu     sync.Mutex
	state  PresenceState
	left   bool
	closed bool
}

func (p *gatewayPresence) payload(state PresenceState) AnnouncePayload {
	return AnnouncePayload{
		ConversationID: p.conversationID,
		ParticipantID:  p.self.ID,
		DisplayName:    p.self.DisplayName,
		State:          state,
	}
}

func (p *gatewayPresence) lastState() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *gatewayPresence) Announce(ctx context.Context, state PresenceState) error {
	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return ErrClosed
	}
	p.state = state
	p.mu.Unlock()
	return p.g.Send(ctx, &RealtimeCommand{Type: CommandPresenceAnnounce, Payload: p.payload(state)})
}

func (p *gatewayPresence) Sync() <-chan []PresenceEntry { return p.sync }

func (p *gatewayPresence) Leave() error {
	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return nil
	}
	p.left = true
	p.mu.Unlock()

	g := p.g
	g.presenceMu.Lock()
	set := g.presence[p.conversationID]
	_, member := set[p]
	delete(set, p)
	last := member && len(set) == 0
	if last {
		delete(g.presence, p.conversationID)
	}
	if member {
		p.closeSync()
	}
	g.presenceMu.Unlock()

	ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
	defer cancel()
	g.sendLogged(ctx, CommandPresenceLeave, p.payload(""))
	if last {
		g.sendLogged(ctx, CommandUnsubscribe, SubscribePayload{ConversationID: p.conversationID, Topic: TopicPresence})
	}
	return nil
}

// closeSync closes the sync channel once. Callers hold g.presenceMu.
func (p *gatewayPresence) closeSync() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.sync)
	}
}
