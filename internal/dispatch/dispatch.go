// Package dispatch serializes generation requests to the upstream AI
// backend: a FIFO queue consumed by a fixed worker pool, a weighted
// semaphore bounding concurrent upstream calls, exponential-backoff retries
// for transient failures, and one-shot conversation recreation when the
// upstream reports a closed session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/personacord/personacord/internal/msgcache"
	"github.com/personacord/personacord/internal/session"
	"github.com/personacord/personacord/internal/upstream"
)

// Fallback texts delivered in place of a generated reply. Users never see a
// raw error.
const (
	FallbackConnecting = "I'm having trouble connecting. Please try again later."
	FallbackError      = "An error occurred while generating a response. Please try again later."
	FallbackEmpty      = "I'm sorry, but I don't have a response at the moment. Could you please try again?"
)

// jobCooldown spaces consecutive jobs on a worker to smooth upstream rate.
const jobCooldown = 500 * time.Millisecond

// Request is one generation to perform. It is created by a trigger, consumed
// exactly once by a worker, and discarded after the callback runs.
type Request struct {
	ID        string
	ServerID  string
	ChannelID string
	Persona   string
	PersonaID string

	// Ctx cancels the generation; a superseding trigger cancels it and the
	// worker abandons the request at its next suspension point.
	Ctx context.Context

	// Callback delivers the final reply text and the drained fragments it
	// accounted for. Callback failures are logged, never propagated.
	Callback func(ctx context.Context, reply string, drained []msgcache.Fragment) error

	// OnGreeting, when set, delivers the greeting of a lazily created
	// conversation before the generated reply.
	OnGreeting func(ctx context.Context, greeting string) error

	// Finish always runs after the request completes, errors included, so a
	// persona can never stay wedged in processing state.
	Finish func()
}

// Dispatcher owns the request queue and worker pool.
type Dispatcher struct {
	store    *session.Store
	cache    *msgcache.Cache
	client   upstream.Client
	queue    chan *Request
	sem      *semaphore.Weighted
	creating singleflight.Group // one conversation creation per session key

	workers    int
	maxRetries int
	baseDelay  time.Duration

	wg sync.WaitGroup
}

// Options configures a Dispatcher. Zero values get defaults.
type Options struct {
	Workers       int
	MaxConcurrent int64
	MaxRetries    int
	BaseDelay     time.Duration
	QueueSize     int
}

// New creates a Dispatcher. Call Run to start the workers.
func New(store *session.Store, cache *msgcache.Cache, client upstream.Client, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	return &Dispatcher{
		store:      store,
		cache:      cache,
		client:     client,
		queue:      make(chan *Request, opts.QueueSize),
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
	}
}

// Submit enqueues a request. Blocks while the queue is full (backpressure is
// FIFO waiting, never rejection) unless the request's context ends first.
func (d *Dispatcher) Submit(req *Request) error {
	if req.Ctx == nil {
		req.Ctx = context.Background()
	}
	select {
	case d.queue <- req:
		log.Printf("[Dispatch] Queued request %s for persona %q in channel %s",
			req.ID, req.Persona, req.ChannelID)
		return nil
	case <-req.Ctx.Done():
		if req.Finish != nil {
			req.Finish()
		}
		return req.Ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have stopped.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[Dispatch] Starting %d workers", d.workers)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.process(ctx, req)

			select {
			case <-time.After(jobCooldown):
			case <-ctx.Done():
				return
			}
		}
	}
}

// process runs one generation end to end.
func (d *Dispatcher) process(ctx context.Context, req *Request) {
	if req.Finish != nil {
		defer req.Finish()
	}

	if err := req.Ctx.Err(); err != nil {
		log.Printf("[Dispatch] Request %s cancelled before processing", req.ID)
		return
	}

	sess, ok := d.store.GetPersona(req.ServerID, req.ChannelID, req.Persona)
	if !ok {
		log.Printf("[Dispatch] Session for persona %q in channel %s is gone, dropping request %s",
			req.Persona, req.ChannelID, req.ID)
		return
	}
	if sess.PersonaID == "" {
		log.Printf("[Dispatch] No persona id for %q in channel %s, aborting request %s",
			req.Persona, req.ChannelID, req.ID)
		return
	}

	conversationID, err := d.ensureConversation(req, sess)
	if err != nil {
		log.Printf("[Dispatch] Could not create conversation for persona %q in channel %s: %v",
			req.Persona, req.ChannelID, err)
		return
	}

	drained := d.cache.Drain(req.ServerID, req.ChannelID)
	if len(drained) == 0 {
		log.Printf("[Dispatch] No cached messages for channel %s, dropping request %s",
			req.ChannelID, req.ID)
		return
	}
	prompt := strings.Join(msgcache.Texts(drained), "\n")

	reply := d.generate(req, sess.PersonaID, conversationID, prompt)

	if req.Ctx.Err() != nil {
		// Superseded mid-generation; the next trigger re-reads the cache.
		log.Printf("[Dispatch] Request %s cancelled during generation", req.ID)
		return
	}

	reply = msgcache.StripPatterns(reply, sess.Config.StripBotPatterns)
	if sess.Config.DropBotEmoji {
		reply = msgcache.StripEmoji(reply)
	}
	if strings.TrimSpace(reply) == "" {
		log.Printf("[Dispatch] Empty reply for persona %q in channel %s, substituting",
			req.Persona, req.ChannelID)
		reply = FallbackEmpty
	}

	if req.Callback != nil {
		if err := req.Callback(req.Ctx, reply, drained); err != nil {
			log.Printf("[Dispatch] Callback failed for request %s: %v", req.ID, err)
		}
	}
}

// ensureConversation returns the session's conversation id, creating it
// exactly once per session under a single-flight guard when absent.
func (d *Dispatcher) ensureConversation(req *Request, sess *session.Session) (string, error) {
	if sess.ConversationID != "" {
		return sess.ConversationID, nil
	}

	key := req.ServerID + "/" + req.ChannelID + "/" + req.Persona
	v, err, _ := d.creating.Do(key, func() (any, error) {
		// Re-read: another flight may have created it already.
		cur, ok := d.store.GetPersona(req.ServerID, req.ChannelID, req.Persona)
		if ok && cur.ConversationID != "" {
			return cur.ConversationID, nil
		}

		if err := d.sem.Acquire(req.Ctx, 1); err != nil {
			return "", err
		}
		id, greeting, err := d.client.CreateConversation(req.Ctx, sess.PersonaID)
		d.sem.Release(1)
		if err != nil {
			return "", err
		}

		d.store.Mutate(req.ServerID, req.ChannelID, req.Persona, func(s *session.Session) {
			s.ConversationID = id
			s.SetupComplete = true
		})

		if greeting != "" && sess.Config.SendGreeting && req.OnGreeting != nil {
			greeting = msgcache.StripPatterns(greeting, sess.Config.StripBotPatterns)
			if err := req.OnGreeting(req.Ctx, greeting); err != nil {
				log.Printf("[Dispatch] Greeting delivery failed for persona %q: %v", req.Persona, err)
			}
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// generate calls upstream with retry. Transient failures back off
// exponentially; a closed upstream session recreates the conversation once
// and retries with a reduced budget; exhaustion yields a fallback string.
func (d *Dispatcher) generate(req *Request, personaID, conversationID, prompt string) string {
	reply, err := d.sendWithRetry(req, personaID, conversationID, prompt, d.maxRetries)
	if err == nil {
		return reply
	}

	if errors.Is(err, upstream.ErrSessionClosed) {
		log.Printf("[Dispatch] Conversation %s closed, recreating for persona %q", conversationID, req.Persona)
		newID, recreateErr := d.recreateConversation(req, personaID)
		if recreateErr != nil {
			log.Printf("[Dispatch] Recreation failed for persona %q: %v", req.Persona, recreateErr)
			return FallbackConnecting
		}
		reply, err = d.sendWithRetry(req, personaID, newID, prompt, d.maxRetries-1)
		if err == nil {
			return reply
		}
	}

	log.Printf("[Dispatch] Generation failed for request %s after retries: %v", req.ID, err)
	if upstream.IsTransient(err) {
		return FallbackConnecting
	}
	return FallbackError
}

// sendWithRetry attempts the upstream call up to attempts times, doubling
// the delay between transient failures.
func (d *Dispatcher) sendWithRetry(req *Request, personaID, conversationID, prompt string, attempts int) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	delay := d.baseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.sem.Acquire(req.Ctx, 1); err != nil {
			return "", err
		}
		reply, err := d.client.SendMessage(req.Ctx, personaID, conversationID, prompt)
		d.sem.Release(1)

		if err == nil {
			return reply, nil
		}
		lastErr = err

		if errors.Is(err, upstream.ErrSessionClosed) || !upstream.IsTransient(err) {
			return "", err
		}
		if attempt == attempts {
			break
		}

		log.Printf("[Dispatch] Attempt %d/%d failed for request %s, retrying in %s: %v",
			attempt, attempts, req.ID, delay, err)
		select {
		case <-time.After(delay):
		case <-req.Ctx.Done():
			return "", req.Ctx.Err()
		}
		delay *= 2
	}
	return "", fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// recreateConversation opens a replacement conversation and persists its id.
func (d *Dispatcher) recreateConversation(req *Request, personaID string) (string, error) {
	if err := d.sem.Acquire(req.Ctx, 1); err != nil {
		return "", err
	}
	id, _, err := d.client.CreateConversation(req.Ctx, personaID)
	d.sem.Release(1)
	if err != nil {
		return "", err
	}
	d.store.Mutate(req.ServerID, req.ChannelID, req.Persona, func(s *session.Session) {
		s.ConversationID = id
	})
	return id, nil
}

// QueueDepth reports the number of queued requests.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
