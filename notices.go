package chatsync

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeLevel classifies a user-visible notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a short message meant for a toast-style surface.
type Notice struct {
	ID    string
	Level NoticeLevel
	Text  string
	At    time.Time
}

// NoticeBoard collects notices for the application root. Create one per
// application and hand it to every Room that should report to it.
type NoticeBoard struct {
	mu        sync.Mutex
	notices   []Notice
	listeners []func(Notice)
}

// NewNoticeBoard creates an empty board.
func NewNoticeBoard() *NoticeBoard {
	return &NoticeBoard{}
}

// Post records a notice and forwards it to listeners. Nil boards drop it.
func (b *NoticeBoard) Post(level NoticeLevel, text string) {
	if b == nil {
		return
	}
	n := Notice{ID: uuid.NewString(), Level: level, Text: text, At: time.Now()}
	b.mu.Lock()
	b.notices = append(b.notices, n)
	listeners := append([]func(Notice){}, b.listeners...)
	b.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() { recover() }() // listener panics must not break the poster
			l(n)
		}()
	}
}

// OnNotice registers a listener called synchronously for each new notice.
func (b *NoticeBoard) OnNotice(fn func(Notice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Notices returns the notices not yet dismissed, oldest first.
func (b *NoticeBoard) Notices() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notice(nil), b.notices...)
}

// Dismiss removes a notice by ID.
func (b *NoticeBoard) Dismiss(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.notices {
		if n.ID == id {
			b.notices = append(b.notices[:i], b.notices[i+1:]...)
			return
		}
	}
}
