package chatsync

import (
	"sync"
)

// ConfirmOutcome reports how an authoritative message was folded into the store.
type ConfirmOutcome int

const (
	// ConfirmUnmatched means no local entry corresponds; the caller decides whether to insert.
	ConfirmUnmatched ConfirmOutcome = iota
	// ConfirmMerged means a pending (or failed) entry was promoted in place.
	ConfirmMerged
	// ConfirmDuplicate means the message was already confirmed; nothing changed.
	ConfirmDuplicate
)

// MessageStore is the ordered message log of one conversation. Order is
// fixed at insertion time: promoting an entry never moves it.
type MessageStore struct {
	mu      sync.RWMutex
	entries []*Message
	byID    map[string]*Message
	byToken map[string]*Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:    make(map[string]*Message),
		byToken: make(map[string]*Message),
	}
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Messages returns a copy of the log in display order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	return out
}

// Get looks an entry up by server ID or, for unconfirmed entries, by token.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.lookup(id); e != nil {
		return e.clone(), true
	}
	return Message{}, false
}

// FindByToken returns the entry carrying the given correlation token.
func (s *MessageStore) FindByToken(token string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byToken[token]; ok {
		return e.clone(), true
	}
	return Message{}, false
}

func (s *MessageStore) lookup(id string) *Message {
	if e, ok := s.byID[id]; ok {
		return e
	}
	return s.byToken[id]
}

// Replace loads the authoritative history (ascending by creation time).
// Local entries the history does not know about yet stay at the tail in
// their original order.
func (s *MessageStore) Replace(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(history)*2)
	for _, m := range history {
		known[m.ID] = true
		if m.Token != "" {
			known[m.Token] = true
		}
	}

	var local []*Message
	for _, e := range s.entries {
		if e.Status == StatusConfirmed || known[e.ID] || (e.Token != "" && known[e.Token]) {
			continue
		}
		local = append(local, e)
	}

	s.entries = s.entries[:0]
	s.byID = make(map[string]*Message, len(history)+len(local))
	s.byToken = make(map[string]*Message)
	for _, m := range history {
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		e := m.clone()
		e.Status = StatusConfirmed
		s.index(&e)
		s.entries = append(s.entries, &e)
	}
	for _, e := range local {
		s.index(e)
		s.entries = append(s.entries, e)
	}
}

func (s *MessageStore) index(e *Message) {
	if e.ID != "" {
		s.byID[e.ID] = e
	}
	if e.Token != "" {
		s.byToken[e.Token] = e
	}
}

// Append adds an optimistic entry at the tail. The entry's ID is its token.
// It reports false when the token is already present.
func (s *MessageStore) Append(m Message) bool {
	if m.Token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byToken[m.Token]; exists {
		return false
	}
	e := m.clone()
	e.ID = e.Token
	e.Status = StatusPending
	s.index(&e)
	s.entries = append(s.entries, &e)
	return true
}

// Insert adds a confirmed message that has no local counterpart, placed
// after every entry created at or before it. Reports false for duplicates
// by ID or token.
func (s *MessageStore) Insert(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(m.ID) != nil {
		return false
	}
	if m.Token != "" {
		if _, exists := s.byToken[m.Token]; exists {
			return false
		}
	}
	e := m.clone()
	e.Status = StatusConfirmed

	pos := len(s.entries)
	for pos > 0 && s.entries[pos-1].CreatedAt.After(e.CreatedAt) {
		pos--
	}
	s.entries = append(s.entries, nil)
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = &e
	s.index(&e)
	return true
}

// Confirm folds an authoritative message into the matching local entry.
// Matching is by correlation token; when the event carries none and
// contentMatch is set, the newest pending entry from the same sender with
// an identical body is used instead.
func (s *MessageStore) Confirm(m Message, contentMatch bool) ConfirmOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *Message
	if m.Token != "" {
		target = s.byToken[m.Token]
	}
	if target == nil {
		if e, ok := s.byID[m.ID]; ok && e.Status == StatusConfirmed {
			return ConfirmDuplicate
		}
	}
	if target == nil && m.Token == "" && contentMatch {
		for i := len(s.entries) - 1; i >= 0; i-- {
			e := s.entries[i]
			if e.Status == StatusPending && e.SenderID == m.SenderID &&
				e.Body.Kind == m.Body.Kind && e.Body.Text == m.Body.Text {
				target = e
				break
			}
		}
	}
	if target == nil {
		return ConfirmUnmatched
	}
	if target.Status == StatusConfirmed && target.ID == m.ID {
		return ConfirmDuplicate
	}
	if other, ok := s.byID[m.ID]; ok && other != target {
		// History already holds this row without its token: keep that
		// entry and fold the local one into it.
		s.drop(target)
		if m.Token != "" {
			other.Token = m.Token
		}
		for _, r := range target.Reactions {
			if r.Pending && !hasReaction(other.Reactions, r.ParticipantID, r.Emoji) {
				other.Reactions = append(other.Reactions, r)
			}
		}
		other.Status = StatusConfirmed
		s.mergeMutable(other, m)
		s.index(other)
		return ConfirmMerged
	}

	if target.ID != m.ID {
		delete(s.byID, target.ID)
	}
	target.ID = m.ID
	if m.Body.Kind != "" {
		target.Body = m.Body
	}
	if !m.CreatedAt.IsZero() {
		target.CreatedAt = m.CreatedAt
	}
	if m.Sender != nil {
		target.Sender = m.Sender
	}
	if m.ReplyTo != "" {
		target.ReplyTo = m.ReplyTo
	}
	target.Status = StatusConfirmed
	s.mergeMutable(target, m)
	s.index(target)
	return ConfirmMerged
}

// UpdateStatus applies an "updated" event: receipts, reactions, and the
// lifecycle status. Body and sender of a confirmed entry never change.
func (s *MessageStore) UpdateStatus(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(m.ID)
	if e == nil && m.Token != "" {
		e = s.byToken[m.Token]
	}
	if e == nil {
		return false
	}
	if e.Status != StatusConfirmed {
		if e.ID != m.ID {
			delete(s.byID, e.ID)
			e.ID = m.ID
		}
		if m.Body.Kind != "" {
			e.Body = m.Body
		}
		e.Status = StatusConfirmed
		s.index(e)
	}
	s.mergeMutable(e, m)
	return true
}

func (s *MessageStore) mergeMutable(e *Message, m Message) {
	if m.DeliveredAt != nil {
		e.DeliveredAt = m.DeliveredAt
	}
	if m.ReadAt != nil {
		e.ReadAt = m.ReadAt
	}
	if m.Receipts != nil {
		e.Receipts = append([]Receipt(nil), m.Receipts...)
	}
	if m.Reactions != nil {
		merged := append([]Reaction(nil), m.Reactions...)
		for _, r := range e.Reactions {
			if r.Pending && !hasReaction(merged, r.ParticipantID, r.Emoji) {
				merged = append(merged, r)
			}
		}
		e.Reactions = merged
	}
}

// Remove deletes an entry by ID.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(id)
	if e == nil {
		return false
	}
	s.drop(e)
	return true
}

// drop unlinks e from the log and both indexes.
func (s *MessageStore) drop(e *Message) {
	for i, x := range s.entries {
		if x == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if s.byID[e.ID] == e {
		delete(s.byID, e.ID)
	}
	if e.Token != "" && s.byToken[e.Token] == e {
		delete(s.byToken, e.Token)
	}
}

// Fail moves the pending entry with the given token to failed. Entries
// that are already confirmed or failed are left alone.
func (s *MessageStore) Fail(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok || e.Status != StatusPending {
		return false
	}
	e.Status = StatusFailed
	return true
}

// SetBody replaces the body of an unconfirmed entry, e.g. to drop a
// released media preview handle.
func (s *MessageStore) SetBody(token string, body Body) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok || e.Status == StatusConfirmed {
		return false
	}
	e.Body = body
	return true
}

// ============================================================================
// Reactions
// ============================================================================

func hasReaction(rs []Reaction, participantID, emoji string) bool {
	for _, r := range rs {
		if r.ParticipantID == participantID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// AddReaction appends a reaction to a message, enforcing at most one
// reaction per participant and emoji.
func (s *MessageStore) AddReaction(messageID string, r Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(messageID)
	if e == nil {
		return ErrNotFound
	}
	if hasReaction(e.Reactions, r.ParticipantID, r.Emoji) {
		return ErrDuplicateReaction
	}
	for _, x := range e.Reactions {
		if x.ID == r.ID {
			return ErrDuplicateReaction
		}
	}
	r.MessageID = e.ID
	e.Reactions = append(e.Reactions, r)
	return nil
}

// RemoveReaction removes exactly the reaction with the given ID.
func (s *MessageStore) RemoveReaction(messageID, reactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(messageID)
	if e == nil {
		return false
	}
	for i, r := range e.Reactions {
		if r.ID == reactionID {
			e.Reactions = append(e.Reactions[:i:i], e.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// PromoteReaction swaps a pending reaction for its authoritative record.
// If the authoritative record already arrived by event, the pending one is
// simply dropped.
func (s *MessageStore) PromoteReaction(messageID, tempID string, r Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(messageID)
	if e == nil {
		return
	}
	r.Pending = false
	r.MessageID = e.ID
	out := e.Reactions[:0:0]
	seen := false
	for _, x := range e.Reactions {
		if x.ID == r.ID {
			seen = true
		}
	}
	for _, x := range e.Reactions {
		if x.ID == tempID {
			if !seen {
				out = append(out, r)
				seen = true
			}
			continue
		}
		out = append(out, x)
	}
	e.Reactions = out
}

// ApplyReactionEvent folds a realtime reaction event in. Reports whether
// anything changed.
func (s *MessageStore) ApplyReactionEvent(ev ReactionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(ev.Reaction.MessageID)
	if e == nil {
		return false
	}
	r := ev.Reaction
	switch ev.Kind {
	case EventDeleted:
		for i, x := range e.Reactions {
			if x.ID == r.ID {
				e.Reactions = append(e.Reactions[:i:i], e.Reactions[i+1:]...)
				return true
			}
		}
		return false
	default:
		for i, x := range e.Reactions {
			if x.ID == r.ID {
				return false
			}
			if x.ParticipantID == r.ParticipantID && x.Emoji == r.Emoji {
				if !x.Pending {
					return false
				}
				r.Pending = false
				r.MessageID = e.ID
				e.Reactions[i] = r
				return true
			}
		}
		r.Pending = false
		r.MessageID = e.ID
		e.Reactions = append(e.Reactions, r)
		return true
	}
}
