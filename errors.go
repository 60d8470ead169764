package chatsync

import "errors"

var (
	// ErrNotFound is returned when a conversation, member, or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotMember is returned when a participant acts on a conversation it does not belong to.
	ErrNotMember = errors.New("not a member of the conversation")
	// ErrClosed is returned by operations on a closed room or subscription.
	ErrClosed = errors.New("closed")
	// ErrEmptyMessage is returned when a text send has no content.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrDuplicateReaction is returned when a participant already reacted with the same emoji.
	ErrDuplicateReaction = errors.New("reaction already exists")
	// ErrUnsupportedMedia is returned for media that is neither image nor video.
	ErrUnsupportedMedia = errors.New("only images and videos are supported")
	// ErrMediaTooLarge is returned when media exceeds Config.MaxMediaBytes.
	ErrMediaTooLarge = errors.New("media exceeds size limit")
	// ErrNotConnected is returned when the realtime gateway has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrBroadcastExists is returned when a second broadcast conversation is created.
	ErrBroadcastExists = errors.New("broadcast conversation already exists")
)
