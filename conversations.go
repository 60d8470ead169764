package chatsync

import (
	"context"
	"errors"
	"fmt"
)

// EnsureBroadcast returns the single broadcast conversation, creating it on
// first use. A concurrent creator winning the race is not an error.
func EnsureBroadcast(ctx context.Context, svc DataService, name string) (*Conversation, error) {
	c, err := svc.FindBroadcast(ctx)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find broadcast: %w", err)
	}
	c, err = svc.CreateConversation(ctx, KindBroadcast, name, nil)
	if errors.Is(err, ErrBroadcastExists) {
		return svc.FindBroadcast(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}
	return c, nil
}

// FindOrCreateDirect returns the direct conversation between a and b,
// creating it when none exists.
func FindOrCreateDirect(ctx context.Context, svc DataService, a, b string) (*Conversation, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("direct conversation needs two distinct participants")
	}
	list, err := svc.ListConversations(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, s := range list {
		if s.Kind != KindDirect || len(s.Members) != 2 {
			continue
		}
		for _, m := range s.Members {
			if m.ParticipantID == b {
				c := s.Conversation
				return &c, nil
			}
		}
	}
	c, err := svc.CreateConversation(ctx, KindDirect, "", []string{a, b})
	if err != nil {
		return nil, fmt.Errorf("create direct conversation: %w", err)
	}
	return c, nil
}

// UnreadCount returns how many of the summaries are unread.
func UnreadCount(list []ConversationSummary) int {
	n := 0
	for _, s := range list {
		if IsUnread(s.LastMessageAt, s.LastReadAt) {
			n++
		}
	}
	return n
}
