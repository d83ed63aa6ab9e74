package session

import (
	"fmt"
	"log"
	"sort"
	"time"
)

// CreateOrUpdate upserts a persona's session for a channel. Missing config
// fields are filled from DefaultConfig; existing conversation ids survive
// an update unless the incoming session sets one.
func (st *Store) CreateOrUpdate(serverID, channelID, persona string, s Session) {
	if s.PersonaID == "" {
		log.Printf("[Session] Refusing setup without persona id for %q in channel %s", persona, channelID)
		return
	}
	if s.DeliveryMode == "" {
		s.DeliveryMode = DeliverySelf
	}
	if s.Config.DebounceDelay <= 0 {
		s.Config.DebounceDelay = DefaultConfig().DebounceDelay
	}
	if s.Config.CacheTrigger <= 0 {
		s.Config.CacheTrigger = DefaultConfig().CacheTrigger
	}
	if s.Config.UserTemplate == "" {
		s.Config.UserTemplate = DefaultConfig().UserTemplate
	}
	if s.Config.ReplyTemplate == "" {
		s.Config.ReplyTemplate = DefaultConfig().ReplyTemplate
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = time.Now()
	}

	data := st.Get(serverID, channelID)
	if data == nil {
		data = ChannelSessions{}
	}
	// FreshConversation discards the previous conversation so the next
	// generation starts one from scratch.
	if prev, ok := data[persona]; ok && s.ConversationID == "" && !s.Config.FreshConversation {
		s.ConversationID = prev.ConversationID
		s.SetupComplete = prev.SetupComplete
	}
	data[persona] = &s
	st.Update(serverID, channelID, data)
	log.Printf("[Session] Setup persona %q (id %s, mode %s) in channel %s",
		persona, s.PersonaID, s.DeliveryMode, channelID)
}

// SetConversationID pins an upstream conversation id on a session and marks
// setup incomplete so the greeting path runs again for the new conversation.
func (st *Store) SetConversationID(serverID, channelID, persona, conversationID string) error {
	ok := st.Mutate(serverID, channelID, persona, func(s *Session) {
		s.ConversationID = conversationID
		s.SetupComplete = false
	})
	if !ok {
		return fmt.Errorf("no session for persona %q in channel %s", persona, channelID)
	}
	return nil
}

// RemovePersona removes a single persona from a channel. When it was the
// last persona, the whole channel record (and its message cache) goes too.
func (st *Store) RemovePersona(serverID, channelID, persona string) error {
	data := st.Get(serverID, channelID)
	if data == nil {
		return fmt.Errorf("no sessions in channel %s", channelID)
	}
	if _, ok := data[persona]; !ok {
		return fmt.Errorf("no session for persona %q in channel %s", persona, channelID)
	}
	delete(data, persona)
	if len(data) == 0 {
		st.Remove(serverID, channelID)
		return nil
	}
	st.Update(serverID, channelID, data)
	log.Printf("[Session] Removed persona %q from channel %s", persona, channelID)
	return nil
}

// Mute adds a user to a persona's muted set.
func (st *Store) Mute(serverID, channelID, persona, userID string) error {
	ok := st.Mutate(serverID, channelID, persona, func(s *Session) {
		if !s.IsMuted(userID) {
			s.MutedUsers = append(s.MutedUsers, userID)
		}
	})
	if !ok {
		return fmt.Errorf("no session for persona %q in channel %s", persona, channelID)
	}
	return nil
}

// Unmute removes a user from a persona's muted set.
func (st *Store) Unmute(serverID, channelID, persona, userID string) error {
	ok := st.Mutate(serverID, channelID, persona, func(s *Session) {
		for i, id := range s.MutedUsers {
			if id == userID {
				s.MutedUsers = append(s.MutedUsers[:i], s.MutedUsers[i+1:]...)
				return
			}
		}
	})
	if !ok {
		return fmt.Errorf("no session for persona %q in channel %s", persona, channelID)
	}
	return nil
}

// Info is a flattened session listing entry.
type Info struct {
	ServerID       string
	ChannelID      string
	Persona        string
	PersonaID      string
	ConversationID string
	DeliveryMode   DeliveryMode
	SetupComplete  bool
	LastActivity   time.Time
}

// List returns every session, sorted for stable output.
func (st *Store) List() []Info {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []Info
	for serverID, srv := range st.cache {
		for channelID, data := range srv.Channels {
			for persona, s := range data {
				out = append(out, Info{
					ServerID:       serverID,
					ChannelID:      channelID,
					Persona:        persona,
					PersonaID:      s.PersonaID,
					ConversationID: s.ConversationID,
					DeliveryMode:   s.DeliveryMode,
					SetupComplete:  s.SetupComplete,
					LastActivity:   s.LastActivity,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].Persona < out[j].Persona
	})
	return out
}
