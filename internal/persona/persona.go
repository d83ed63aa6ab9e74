// Package persona loads declarative persona definitions from personas.yaml
// and applies them to the session store at startup.
package persona

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/personacord/personacord/internal/session"
)

// Definition binds one persona to one channel.
type Definition struct {
	Name           string  `yaml:"name"`
	PersonaID      string  `yaml:"persona_id"`
	ServerID       string  `yaml:"server_id"`
	ChannelID      string  `yaml:"channel_id"`
	DeliveryMode   string  `yaml:"delivery_mode,omitempty"`   // self | relay
	DeliveryTarget string  `yaml:"delivery_target,omitempty"` // relay address when mode is relay
	Options        Options `yaml:"options,omitempty"`
}

// Options mirrors the tunable session config in yaml form.
type Options struct {
	DebounceDelay     float64  `yaml:"debounce_delay,omitempty"`
	CacheTrigger      int      `yaml:"cache_trigger,omitempty"`
	UserTemplate      string   `yaml:"user_template,omitempty"`
	ReplyTemplate     string   `yaml:"reply_template,omitempty"`
	StripUserPatterns []string `yaml:"strip_user_patterns,omitempty"`
	StripBotPatterns  []string `yaml:"strip_bot_patterns,omitempty"`
	DropUserEmoji     bool     `yaml:"drop_user_emoji,omitempty"`
	DropBotEmoji      bool     `yaml:"drop_bot_emoji,omitempty"`
	SplitLines        bool     `yaml:"split_lines,omitempty"`
	SendGreeting      bool     `yaml:"send_greeting,omitempty"`
	FreshConversation bool     `yaml:"fresh_conversation,omitempty"`
}

type file struct {
	Personas []Definition `yaml:"personas"`
}

// Load reads persona definitions. A missing file is not an error; it just
// means setup happens through the admin surface instead.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Personas, nil
}

// Validate checks a definition for the fields setup cannot default.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("persona definition missing name")
	}
	if d.PersonaID == "" {
		return fmt.Errorf("persona %q missing persona_id", d.Name)
	}
	if d.ServerID == "" || d.ChannelID == "" {
		return fmt.Errorf("persona %q missing server_id/channel_id", d.Name)
	}
	if d.DeliveryMode == string(session.DeliveryRelay) && d.DeliveryTarget == "" {
		return fmt.Errorf("persona %q uses relay mode without delivery_target", d.Name)
	}
	return nil
}

// Session converts a definition into a session record.
func (d Definition) Session() session.Session {
	mode := session.DeliveryMode(d.DeliveryMode)
	if mode == "" {
		mode = session.DeliverySelf
	}
	return session.Session{
		PersonaID:      d.PersonaID,
		DeliveryMode:   mode,
		DeliveryTarget: d.DeliveryTarget,
		Config: session.Config{
			DebounceDelay:     d.Options.DebounceDelay,
			CacheTrigger:      d.Options.CacheTrigger,
			UserTemplate:      d.Options.UserTemplate,
			ReplyTemplate:     d.Options.ReplyTemplate,
			StripUserPatterns: d.Options.StripUserPatterns,
			StripBotPatterns:  d.Options.StripBotPatterns,
			DropUserEmoji:     d.Options.DropUserEmoji,
			DropBotEmoji:      d.Options.DropBotEmoji,
			SplitLines:        d.Options.SplitLines,
			SendGreeting:      d.Options.SendGreeting,
			FreshConversation: d.Options.FreshConversation,
		},
	}
}

// Apply upserts every valid definition into the store. Invalid entries are
// logged and skipped so one bad block never blocks the rest.
func Apply(store *session.Store, defs []Definition) int {
	applied := 0
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			log.Printf("[Persona] Skipping definition: %v", err)
			continue
		}
		store.CreateOrUpdate(d.ServerID, d.ChannelID, d.Name, d.Session())
		applied++
	}
	if applied > 0 {
		log.Printf("[Persona] Applied %d persona definitions", applied)
	}
	return applied
}
