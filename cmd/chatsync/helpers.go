package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/classroomx/chatsync"
	"github.com/classroomx/chatsync/rediscache"
	"github.com/rs/zerolog"
)

// newService creates a remote data service from the effective config.
func newService(cfg *Config, log zerolog.Logger) (*chatsync.RemoteService, error) {
	if cfg.Default.ParticipantID == "" {
		return nil, errors.New("no participant ID. Run 'chatsync init <token> --participant <id>' first")
	}
	opts := []chatsync.RemoteOption{chatsync.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewRemoteService(cfg.Auth.Token, opts...), nil
}

func selfProfile(cfg *Config) chatsync.Profile {
	return chatsync.Profile{ID: cfg.Default.ParticipantID, DisplayName: cfg.Default.DisplayName}
}

// newCache returns the shared Redis snapshot cache when one is configured,
// otherwise a process-local one.
func newCache(cfg *Config) chatsync.SnapshotCache {
	if cfg.Cache.RedisAddr != "" {
		return rediscache.Dial(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	}
	return chatsync.NewMemorySnapshotCache(0)
}

// describeError formats gateway errors as "code: message".
func describeError(err error) string {
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("API error %s: %s", apiErr.Code, apiErr.Message)
	}
	return err.Error()
}

func tick(state chatsync.DeliveryState, status chatsync.MessageStatus) string {
	switch {
	case status == chatsync.StatusFailed:
		return "!"
	case status == chatsync.StatusPending:
		return "…"
	case state == chatsync.DeliveryRead:
		return "✓✓"
	case state == chatsync.DeliveryDelivered:
		return "✓"
	}
	return ""
}

// formatMessage renders one line of a room transcript.
func formatMessage(m chatsync.Message, selfID string) string {
	if m.IsSystem() {
		return fmt.Sprintf("[%s] -- %s --", m.CreatedAt.Format("15:04"), m.Body.Text)
	}
	name := m.SenderID
	if m.Sender != nil && m.Sender.DisplayName != "" {
		name = m.Sender.DisplayName
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Format("15:04"), name, bodyText(m.Body))
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			emojis = append(emojis, r.Emoji)
		}
		fmt.Fprintf(&b, "  %s", strings.Join(emojis, ""))
	}
	if m.SenderID == selfID {
		if t := tick(chatsync.DeriveStatus(m, selfID), m.Status); t != "" {
			fmt.Fprintf(&b, "  %s", t)
		}
	}
	return b.String()
}

func bodyText(b chatsync.Body) string {
	switch b.Kind {
	case chatsync.BodyImage:
		return strings.TrimSpace("[media " + b.MediaURL + "] " + b.Text)
	case chatsync.BodyPost:
		return "[shared post " + b.PostID + "]"
	case chatsync.BodyProfile:
		return "[shared profile " + b.ProfileID + "]"
	}
	return b.Text
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
