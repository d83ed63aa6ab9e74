// Package session implements the per-(server, channel, persona) session
// store: an in-memory cache backed by a JSON document on disk, written
// through a single-writer FIFO queue so durable state always converges to
// the order updates were issued in.
package session

import (
	"time"
)

// DeliveryMode selects how a generated reply is sent back to the channel.
type DeliveryMode string

const (
	// DeliverySelf sends the reply as the platform account itself.
	DeliverySelf DeliveryMode = "self"
	// DeliveryRelay sends the reply through a channel-bound relay identity.
	DeliveryRelay DeliveryMode = "relay"
)

// Config holds per-session formatting and timing options.
type Config struct {
	DebounceDelay     float64  `json:"debounceDelay,omitempty"` // quiet seconds before generation
	CacheTrigger      int      `json:"cacheTrigger,omitempty"`  // fragment count that forces generation
	UserTemplate      string   `json:"userTemplate,omitempty"`
	ReplyTemplate     string   `json:"replyTemplate,omitempty"`
	StripUserPatterns []string `json:"stripUserPatterns,omitempty"` // regexes removed from captured text
	StripBotPatterns  []string `json:"stripBotPatterns,omitempty"`  // regexes removed from generated text
	DropUserEmoji     bool     `json:"dropUserEmoji,omitempty"`
	DropBotEmoji      bool     `json:"dropBotEmoji,omitempty"`
	SplitLines        bool     `json:"splitLines,omitempty"` // deliver reply line by line
	SendGreeting      bool     `json:"sendGreeting,omitempty"`
	FreshConversation bool     `json:"freshConversation,omitempty"` // force a new conversation on reset
}

// DefaultConfig returns the session option defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 5,
		CacheTrigger:  5,
		UserTemplate:  "{name}: {message}",
		ReplyTemplate: "{name} (replying to {reply_name}: {reply_message}): {message}",
	}
}

// Session is the state of one persona bound to one channel.
type Session struct {
	PersonaID        string       `json:"personaId"`
	ConversationID   string       `json:"conversationId,omitempty"`
	DeliveryMode     DeliveryMode `json:"deliveryMode"`
	DeliveryTarget   string       `json:"deliveryTarget,omitempty"`
	AwaitingResponse bool         `json:"awaitingResponse"`
	LastActivity     time.Time    `json:"lastActivity"`
	MutedUsers       []string     `json:"mutedUsers,omitempty"`
	Config           Config       `json:"config"`
	SetupComplete    bool         `json:"setupComplete"`
}

// IsMuted reports whether a user is muted for this session.
func (s *Session) IsMuted(userID string) bool {
	for _, id := range s.MutedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// clone returns a deep copy of the session.
func (s *Session) clone() *Session {
	c := *s
	if s.MutedUsers != nil {
		c.MutedUsers = append([]string(nil), s.MutedUsers...)
	}
	if s.Config.StripUserPatterns != nil {
		c.Config.StripUserPatterns = append([]string(nil), s.Config.StripUserPatterns...)
	}
	if s.Config.StripBotPatterns != nil {
		c.Config.StripBotPatterns = append([]string(nil), s.Config.StripBotPatterns...)
	}
	return &c
}

// ChannelSessions maps persona name to session for a single channel.
type ChannelSessions map[string]*Session

// Clone deep-copies the channel's sessions.
func (cs ChannelSessions) Clone() ChannelSessions {
	if cs == nil {
		return nil
	}
	out := make(ChannelSessions, len(cs))
	for name, s := range cs {
		out[name] = s.clone()
	}
	return out
}
