package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceTracker drives the local participant's presence in one
// conversation (idle → active → idle) and keeps the set of remote
// participants currently active. All timers live in the tracker's own
// goroutine and stop with it.
type PresenceTracker struct {
	ch        PresenceChannel
	self      Profile
	timeout   time.Duration
	heartbeat time.Duration
	log       zerolog.Logger
	metrics   *Metrics
	onChange  func(peers []string)

	signals chan bool

	mu    sync.RWMutex
	peers []string
	state PresenceState

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// PresenceOptions configures StartPresence.
type PresenceOptions struct {
	TypingTimeout time.Duration
	Heartbeat     time.Duration
	Logger        zerolog.Logger
	Metrics       *Metrics
	// OnChange is called from the tracker goroutine after every resync.
	OnChange func(peers []string)
}

// StartPresence announces the participant as active on ch and starts
// tracking. Close must be called on every exit path.
func StartPresence(ctx context.Context, ch PresenceChannel, self Profile, opts PresenceOptions) *PresenceTracker {
	if opts.TypingTimeout == 0 {
		opts.TypingTimeout = 3 * time.Second
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &PresenceTracker{
		ch:        ch,
		self:      self,
		timeout:   opts.TypingTimeout,
		heartbeat: opts.Heartbeat,
		log:       opts.Logger.With().Str("component", "presence").Str("participant_id", self.ID).Logger(),
		metrics:   opts.Metrics,
		onChange:  opts.OnChange,
		signals:   make(chan bool, 16),
		state:     PresenceIdle,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.announce(ctx, PresenceActive)
	go t.run(ctx)
	return t
}

// Typing reports a keystroke-level signal. true re-announces active and
// re-arms the inactivity timeout; false announces idle immediately.
func (t *PresenceTracker) Typing(typing bool) {
	select {
	case <-t.done:
	case t.signals <- typing:
	}
}

// Blur is called when the input loses focus.
func (t *PresenceTracker) Blur() {
	t.Typing(false)
}

// State returns what the local participant last announced.
func (t *PresenceTracker) State() PresenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Peers returns the remote participants currently active, sorted. The
// local participant is never included.
func (t *PresenceTracker) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.peers...)
}

// Close stops the timers and leaves the presence group. Safe to call more
// than once.
func (t *PresenceTracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		err = t.ch.Leave()
		t.mu.Lock()
		t.metrics.peers(-len(t.peers))
		t.peers = nil
		t.state = PresenceIdle
		t.mu.Unlock()
	})
	return err
}

func (t *PresenceTracker) run(ctx context.Context) {
	defer close(t.done)

	typingTimer := time.NewTimer(t.timeout)
	stopTimer(typingTimer)
	defer typingTimer.Stop()

	renew := time.NewTicker(t.heartbeat)
	defer renew.Stop()

	sync := t.ch.Sync()
	for {
		select {
		case <-ctx.Done():
			return

		case typing := <-t.signals:
			stopTimer(typingTimer)
			if typing {
				t.announce(ctx, PresenceActive)
				typingTimer.Reset(t.timeout)
			} else {
				t.announce(ctx, PresenceIdle)
			}

		case <-typingTimer.C:
			t.announce(ctx, PresenceIdle)

		case <-renew.C:
			if t.State() == PresenceActive {
				t.announce(ctx, PresenceActive)
			}

		case entries, ok := <-sync:
			if !ok {
				sync = nil
				continue
			}
			t.resync(entries)
		}
	}
}

func stopTimer(tm *time.Timer) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
}

func (t *PresenceTracker) announce(ctx context.Context, state PresenceState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	if err := t.ch.Announce(ctx, state); err != nil && ctx.Err() == nil {
		t.log.Warn().Err(err).Str("state", string(state)).Msg("presence announce failed")
	}
}

// resync replaces the peer set with the given full snapshot.
func (t *PresenceTracker) resync(entries []PresenceEntry) {
	seen := make(map[string]bool, len(entries))
	peers := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.ParticipantID == t.self.ID || seen[e.ParticipantID] {
			continue
		}
		seen[e.ParticipantID] = true
		peers = append(peers, e.ParticipantID)
	}
	sort.Strings(peers)

	t.mu.Lock()
	t.metrics.peers(len(peers) - len(t.peers))
	t.peers = peers
	t.mu.Unlock()

	if t.onChange != nil {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			t.onChange(append([]string(nil), peers...))
		}()
	}
}
