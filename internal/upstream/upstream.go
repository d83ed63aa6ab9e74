// Package upstream defines the conversational-AI backend interface the
// dispatcher talks to, plus the error taxonomy that drives retry behavior.
package upstream

import (
	"context"
	"errors"
	"net"
)

// PersonaInfo describes an upstream character.
type PersonaInfo struct {
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Client is the upstream AI-backend surface. All calls are subject to
// timeouts; SendMessage can additionally fail with ErrSessionClosed when the
// conversation has expired server-side.
type Client interface {
	// FetchPersonaInfo resolves a persona id to its display info.
	FetchPersonaInfo(ctx context.Context, personaID string) (*PersonaInfo, error)

	// CreateConversation opens a new conversation for a persona and returns
	// its id and the persona's greeting text.
	CreateConversation(ctx context.Context, personaID string) (conversationID, greeting string, err error)

	// SendMessage sends text into a conversation and returns the reply.
	SendMessage(ctx context.Context, personaID, conversationID, text string) (string, error)
}

// ErrSessionClosed reports that the upstream conversation is closed or
// expired; recovery is recreating the conversation, not retrying as-is.
var ErrSessionClosed = errors.New("upstream: conversation closed")

// ErrRateLimited reports upstream throttling.
var ErrRateLimited = errors.New("upstream: rate limited")

// IsTransient reports whether an error is worth retrying with backoff:
// timeouts, cancellation-free network failures, and rate limits.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
