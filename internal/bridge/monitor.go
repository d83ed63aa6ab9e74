package bridge

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/personacord/personacord/internal/dispatch"
	"github.com/personacord/personacord/internal/msgcache"
	"github.com/personacord/personacord/internal/session"
)

// EnsureMonitors starts an inactivity monitor for every persona in the
// channel that does not have one yet. Monitors exit on their own when their
// session disappears.
func (b *Bridge) EnsureMonitors(serverID, channelID string) {
	data := b.store.Get(serverID, channelID)
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for persona := range data {
		key := personaKey(serverID, channelID, persona)
		if b.monitors[key] {
			continue
		}
		b.monitors[key] = true
		go b.monitorPersona(serverID, channelID, persona, key)
	}
}

// monitorPersona polls one persona's eligibility. It triggers a generation
// when the channel has pending fragments and either the debounce window has
// elapsed since the last activity or the cache hit its size trigger.
func (b *Bridge) monitorPersona(serverID, channelID, persona, key string) {
	defer func() {
		b.mu.Lock()
		delete(b.monitors, key)
		b.mu.Unlock()
	}()

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.runCtx.Done():
			return
		case <-ticker.C:
		}

		sess, ok := b.store.GetPersona(serverID, channelID, persona)
		if !ok {
			log.Printf("[Monitor] Persona %q gone from channel %s, stopping", persona, channelID)
			return
		}

		if sess.AwaitingResponse || b.isProcessing(key) {
			continue
		}

		count := b.cache.Count(serverID, channelID)
		if count == 0 {
			continue
		}

		quiet := time.Since(sess.LastActivity)
		debounce := time.Duration(sess.Config.DebounceDelay * float64(time.Second))
		if quiet >= debounce || count >= sess.Config.CacheTrigger {
			log.Printf("[Monitor] Triggering persona %q in channel %s (quiet %.1fs, %d fragments)",
				persona, channelID, quiet.Seconds(), count)
			b.trigger(serverID, channelID, persona, key)
		}
	}
}

// trigger supersedes any still-running generation for the persona
// (cancel, then await completion) and schedules a new one.
func (b *Bridge) trigger(serverID, channelID, persona, key string) {
	b.mu.Lock()
	prev := b.generations[key]
	b.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	b.mu.Lock()
	if b.processing[key] {
		b.mu.Unlock()
		return
	}
	b.processing[key] = true
	ctx, cancel := context.WithCancel(b.runCtx)
	gen := &generation{cancel: cancel, done: make(chan struct{})}
	b.generations[key] = gen
	b.mu.Unlock()

	go b.runGeneration(ctx, gen, serverID, channelID, persona, key)
}

// finishGeneration releases the persona's processing slot and clears the
// awaiting flag, so a failed or abandoned attempt can be retriggered without
// waiting for new user activity. Idempotent; it is the Finish hook the
// dispatcher runs on every exit path.
func (b *Bridge) finishGeneration(serverID, channelID, persona, key string, gen *generation) {
	gen.once.Do(func() {
		b.mu.Lock()
		delete(b.processing, key)
		if b.generations[key] == gen {
			delete(b.generations, key)
		}
		b.mu.Unlock()
		b.resetAwaiting(serverID, channelID, persona)
		gen.cancel()
		close(gen.done)
	})
}

// runGeneration marks the session awaiting, waits out the typing grace
// period, and submits the generation request. Delivery, cache clearing, and
// flag reset happen in the completion callback.
func (b *Bridge) runGeneration(ctx context.Context, gen *generation, serverID, channelID, persona, key string) {
	finish := func() { b.finishGeneration(serverID, channelID, persona, key, gen) }

	sess, ok := b.store.GetPersona(serverID, channelID, persona)
	if !ok {
		finish()
		return
	}

	markedAt := time.Now()
	b.store.Mutate(serverID, channelID, persona, func(s *session.Session) {
		s.AwaitingResponse = true
		s.LastActivity = markedAt
	})

	// Hold briefly: a message or typing event during the grace period means
	// the user is mid-thought, so yield and let the monitor re-trigger.
	select {
	case <-time.After(b.GraceWait):
	case <-ctx.Done():
		finish()
		return
	}

	cur, ok := b.store.GetPersona(serverID, channelID, persona)
	if !ok {
		finish()
		return
	}
	if cur.LastActivity.After(markedAt) {
		log.Printf("[Bridge] Activity during grace period in channel %s, delaying persona %q",
			channelID, persona)
		finish()
		return
	}

	req := &dispatch.Request{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		ChannelID: channelID,
		Persona:   persona,
		PersonaID: sess.PersonaID,
		Ctx:       ctx,
		Finish:    finish,
		OnGreeting: func(cbCtx context.Context, greeting string) error {
			cur, ok := b.store.GetPersona(serverID, channelID, persona)
			if !ok {
				return nil
			}
			return b.sender.Deliver(cbCtx, cur, channelID, greeting)
		},
		Callback: func(cbCtx context.Context, reply string, drained []msgcache.Fragment) error {
			return b.handleReply(cbCtx, serverID, channelID, persona, reply, drained)
		},
	}

	log.Printf("[Bridge] Queueing generation %s for persona %q in channel %s", req.ID, persona, channelID)
	// Submit runs Finish itself when the request's context ends first.
	if err := b.dispatcher.Submit(req); err != nil {
		log.Printf("[Bridge] Submit failed for persona %q in channel %s: %v", persona, channelID, err)
	}
}

// handleReply is the completion callback: deliver, clear exactly the drained
// fragments, reset flags. The awaiting flag resets even when delivery fails
// so future triggers can retry with the preserved cache.
func (b *Bridge) handleReply(ctx context.Context, serverID, channelID, persona, reply string, drained []msgcache.Fragment) error {
	defer func() {
		b.store.Mutate(serverID, channelID, persona, func(s *session.Session) {
			s.AwaitingResponse = false
			s.LastActivity = time.Now()
		})
	}()

	cur, ok := b.store.GetPersona(serverID, channelID, persona)
	if !ok {
		log.Printf("[Bridge] Persona %q no longer exists in channel %s, dropping reply", persona, channelID)
		return nil
	}

	if err := b.sender.Deliver(ctx, cur, channelID, reply); err != nil {
		// Keep the cache; the fragments feed the retry on the next trigger.
		return err
	}

	b.cache.ClearDrained(serverID, channelID, drained)
	return nil
}

func (b *Bridge) resetAwaiting(serverID, channelID, persona string) {
	b.store.Mutate(serverID, channelID, persona, func(s *session.Session) {
		s.AwaitingResponse = false
	})
}
