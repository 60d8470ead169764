package chatsync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Labels are the fallback names used when a conversation has no usable name.
type Labels struct {
	// DirectFallback names a direct counterpart with neither nickname nor profile name.
	DirectFallback string
	// DirectMissing names a direct conversation whose counterpart row is gone.
	DirectMissing string
	Group         string
	Broadcast     string
	// Unresolved is used when the conversation itself could not be loaded.
	Unresolved string
}

func (l *Labels) defaults() {
	if l.DirectFallback == "" {
		l.DirectFallback = "Friend"
	}
	if l.DirectMissing == "" {
		l.DirectMissing = "Direct Message"
	}
	if l.Group == "" {
		l.Group = "Group Chat"
	}
	if l.Broadcast == "" {
		l.Broadcast = "Class Chat"
	}
	if l.Unresolved == "" {
		l.Unresolved = "Conversation"
	}
}

// DefaultMaxMediaBytes is the upload limit when Config.MaxMediaBytes is unset.
const DefaultMaxMediaBytes = 10 << 20

// Config tunes a Room and its trackers. Zero values take defaults.
type Config struct {
	TypingTimeout        time.Duration
	PresenceTTL          time.Duration
	PresenceHeartbeat    time.Duration
	TokenPrefix          string
	ReactionTokenPrefix  string
	MaxMediaBytes        int64
	ContentMatchFallback *bool
	Labels               Labels
}

func (c *Config) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = 3 * time.Second
	}
	if c.PresenceHeartbeat == 0 {
		c.PresenceHeartbeat = c.PresenceTTL / 2
	}
	if c.TokenPrefix == "" {
		c.TokenPrefix = "client-"
	}
	if c.ReactionTokenPrefix == "" {
		c.ReactionTokenPrefix = "temp-react-"
	}
	if c.MaxMediaBytes == 0 {
		c.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if c.ContentMatchFallback == nil {
		on := true
		c.ContentMatchFallback = &on
	}
	c.Labels.defaults()
}

// TokenSource generates correlation tokens for optimistic entries.
type TokenSource func(prefix string) string

// NewToken returns prefix + millisecond timestamp + a random suffix, which
// keeps tokens outside the server ID space and unique across tabs.
func NewToken(prefix string) string {
	return fmt.Sprintf("%s%d-%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}
