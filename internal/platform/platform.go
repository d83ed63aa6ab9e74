// Package platform defines the boundary to the chat platform: the inbound
// events the bridge consumes and the outbound delivery primitives it calls.
// Concrete platform integrations (gateways, webhooks, slash commands) live
// behind these types and are not part of this module.
package platform

import (
	"context"
	"time"
)

// MessageEvent is a message received from a monitored channel.
type MessageEvent struct {
	MessageID  string    `json:"message_id"`
	ServerID   string    `json:"server_id"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"` // display name, falls back to username
	Username   string    `json:"username"`
	Content    string    `json:"content"`
	FromRelay  bool      `json:"from_relay"` // sent by a relay identity (our own output)
	Timestamp  time.Time `json:"timestamp"`

	// ReplyTo is set when the message references an earlier message.
	ReplyTo *MessageEvent `json:"reply_to,omitempty"`
}

// TypingEvent signals that a user started typing in a channel.
type TypingEvent struct {
	ServerID  string `json:"server_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// Platform is the outbound surface the bridge needs from the chat platform.
type Platform interface {
	// SendToChannel delivers text to a channel as the platform account itself.
	SendToChannel(ctx context.Context, channelID, text string) error

	// SendAsRelay delivers text through a channel-bound relay identity
	// (for example a webhook address).
	SendAsRelay(ctx context.Context, target, text string) error
}
