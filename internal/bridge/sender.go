package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/personacord/personacord/internal/platform"
	"github.com/personacord/personacord/internal/session"
)

// Sender delivers generated replies back to the platform, either as the
// platform account itself or through the session's relay identity.
type Sender struct {
	Platform platform.Platform
}

// Deliver sends text to the session's channel, honoring the session's
// delivery mode and line-splitting policy.
func (s *Sender) Deliver(ctx context.Context, sess *session.Session, channelID, text string) error {
	parts := []string{text}
	if sess.Config.SplitLines {
		parts = parts[:0]
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) != "" {
				parts = append(parts, line)
			}
		}
	}

	for _, part := range parts {
		var err error
		switch sess.DeliveryMode {
		case session.DeliveryRelay:
			if sess.DeliveryTarget == "" {
				return fmt.Errorf("relay mode without delivery target for channel %s", channelID)
			}
			err = s.Platform.SendAsRelay(ctx, sess.DeliveryTarget, part)
		default:
			err = s.Platform.SendToChannel(ctx, channelID, part)
		}
		if err != nil {
			return fmt.Errorf("deliver to channel %s: %w", channelID, err)
		}
	}

	log.Printf("[Sender] Delivered reply to channel %s (%s mode, %d parts)",
		channelID, sess.DeliveryMode, len(parts))
	return nil
}
