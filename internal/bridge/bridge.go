// Package bridge is the session and generation orchestrator. It consumes
// platform events, batches messages per channel, runs one inactivity monitor
// per (server, channel, persona), and turns quiet periods or full caches
// into generation requests with at most one in flight per persona.
package bridge

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/personacord/personacord/internal/dispatch"
	"github.com/personacord/personacord/internal/msgcache"
	"github.com/personacord/personacord/internal/platform"
	"github.com/personacord/personacord/internal/session"
)

// Bridge wires the session store, message cache, dispatcher, and platform
// delivery together. All mutable registries (monitors, processing personas,
// active generations) live here, injected nowhere else.
type Bridge struct {
	store      *session.Store
	cache      *msgcache.Cache
	dispatcher *dispatch.Dispatcher
	sender     *Sender

	// PollInterval is how often monitors re-read their session.
	PollInterval time.Duration
	// GraceWait is the pause before generating, to catch a user mid-sentence.
	GraceWait time.Duration

	mu          sync.Mutex
	monitors    map[string]bool        // persona key -> monitor running
	processing  map[string]bool        // persona key -> generation in flight
	generations map[string]*generation // persona key -> cancel handle

	runCtx context.Context
}

// generation is one scheduled generation task for a persona.
type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once // guards finish
}

// New creates a Bridge and hooks session removal to message-cache clearing.
func New(store *session.Store, cache *msgcache.Cache, dispatcher *dispatch.Dispatcher, p platform.Platform) *Bridge {
	b := &Bridge{
		store:        store,
		cache:        cache,
		dispatcher:   dispatcher,
		sender:       &Sender{Platform: p},
		PollInterval: 500 * time.Millisecond,
		GraceWait:    3 * time.Second,
		monitors:     make(map[string]bool),
		processing:   make(map[string]bool),
		generations:  make(map[string]*generation),
	}
	store.OnRemove = func(serverID, channelID string) {
		cache.Clear(serverID, channelID)
	}
	return b
}

// Start binds the bridge to its run context and spawns monitors for every
// session already in the store (sessions restored from disk keep watching
// their channels across restarts).
func (b *Bridge) Start(ctx context.Context) {
	b.runCtx = ctx
	for _, serverID := range b.store.Servers() {
		for _, channelID := range b.store.Channels(serverID) {
			b.EnsureMonitors(serverID, channelID)
		}
	}
}

func personaKey(serverID, channelID, persona string) string {
	return serverID + "/" + channelID + "/" + persona
}

// OnMessage handles a message-received event: mute and noise filtering,
// capture into the message cache, activity refresh, and monitor spawn.
func (b *Bridge) OnMessage(ev platform.MessageEvent) {
	if strings.HasPrefix(ev.Content, "#") || strings.HasPrefix(ev.Content, "//") {
		return
	}

	data := b.store.Get(ev.ServerID, ev.ChannelID)
	if len(data) == 0 {
		return
	}

	// Capture only when at least one persona still listens to this user.
	mutedForAll := true
	for _, s := range data {
		if !s.IsMuted(ev.AuthorID) {
			mutedForAll = false
			break
		}
	}
	if mutedForAll {
		return
	}

	// Relay-authored messages are our own output; they refresh activity but
	// are never captured.
	if !ev.FromRelay {
		cfg := firstConfig(data)
		if err := b.cache.Capture(ev.ServerID, ev.ChannelID, ev, cfg); err != nil {
			log.Printf("[Bridge] Capture skipped for channel %s: %v", ev.ChannelID, err)
		}
	}

	// Per-persona mutation: writing back the whole channel snapshot would
	// race concurrent store mutations (a conversation id committed by the
	// dispatcher in between must survive).
	now := time.Now()
	for name := range data {
		b.store.Mutate(ev.ServerID, ev.ChannelID, name, func(s *session.Session) {
			s.LastActivity = now
			s.AwaitingResponse = false
		})
	}

	b.EnsureMonitors(ev.ServerID, ev.ChannelID)
}

// OnTyping refreshes channel activity so the debounce window extends while a
// user is still typing. Safe at high frequency; durable writes coalesce.
func (b *Bridge) OnTyping(ev platform.TypingEvent) {
	b.store.Touch(ev.ServerID, ev.ChannelID, time.Now())
}

// firstConfig picks a formatting config for capture. Personas sharing a
// channel share formatting settings; the lowest-named one wins for
// determinism.
func firstConfig(data session.ChannelSessions) session.Config {
	var name string
	for n := range data {
		if name == "" || n < name {
			name = n
		}
	}
	return data[name].Config
}

func (b *Bridge) isProcessing(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processing[key]
}

// ActiveGenerations reports how many generations are in flight.
func (b *Bridge) ActiveGenerations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.processing)
}
