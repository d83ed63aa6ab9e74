package session

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/personacord/personacord/internal/redis"
)

// document is the on-disk layout: server -> channels -> channel -> sessions.
type document map[string]*serverRecord

type serverRecord struct {
	Channels map[string]ChannelSessions `json:"channels"`
}

// writeJob is one unit of durable work. A nil-data job with fromCache=false
// deletes the channel record. fromCache jobs snapshot the in-memory state at
// apply time, which lets high-frequency activity touches coalesce.
type writeJob struct {
	serverID  string
	channelID string
	data      ChannelSessions
	fromCache bool
}

// Store owns all session state. Reads never touch disk; writes hit the
// in-memory cache synchronously and the JSON file asynchronously through a
// single background writer, so durable ordering matches call ordering.
type Store struct {
	path string

	mu           sync.RWMutex
	cache        document
	touchPending map[string]bool // (server:channel) with a coalesced touch queued
	closed       bool
	pending      sync.WaitGroup // in-flight enqueues, waited on by Close

	// OnRemove, when set, runs after a channel's sessions are removed
	// (used to clear the channel's message cache).
	OnRemove func(serverID, channelID string)

	jobs chan writeJob
	done chan struct{}
}

// NewStore loads sessions.json from dataDir and starts the durable writer.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	st := &Store{
		path:         filepath.Join(dataDir, "sessions.json"),
		cache:        document{},
		touchPending: make(map[string]bool),
		jobs:         make(chan writeJob, 256),
		done:         make(chan struct{}),
	}
	if err := st.load(); err != nil {
		return nil, err
	}
	go st.runWriter()
	return st, nil
}

func (st *Store) load() error {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("[Session] Corrupt sessions file, starting empty: %v", err)
		return nil
	}
	st.cache = doc
	servers := len(doc)
	log.Printf("[Session] Loaded session cache for %d servers", servers)
	return nil
}

// Get returns a copy of the channel's sessions, or nil if none exist.
// Reads are served from the in-memory cache only.
func (st *Store) Get(serverID, channelID string) ChannelSessions {
	st.mu.RLock()
	defer st.mu.RUnlock()
	srv := st.cache[serverID]
	if srv == nil {
		return nil
	}
	return srv.Channels[channelID].Clone()
}

// GetPersona returns a copy of one persona's session.
func (st *Store) GetPersona(serverID, channelID, persona string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	srv := st.cache[serverID]
	if srv == nil {
		return nil, false
	}
	s, ok := srv.Channels[channelID][persona]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Update replaces the channel's sessions in the cache and queues a durable
// write. It returns as soon as the cache is updated; durability is
// asynchronous but applied in call order.
func (st *Store) Update(serverID, channelID string, data ChannelSessions) {
	snapshot := data.Clone()

	st.mu.Lock()
	st.setLocked(serverID, channelID, snapshot)
	st.mu.Unlock()

	st.enqueue(writeJob{serverID: serverID, channelID: channelID, data: snapshot.Clone()})
}

// enqueue hands a job to the writer unless the store is closed. The pending
// group keeps Close from racing an in-flight send against channel close.
func (st *Store) enqueue(job writeJob) bool {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		log.Printf("[Session] Write after close dropped for %s/%s", job.serverID, job.channelID)
		return false
	}
	st.pending.Add(1)
	st.mu.Unlock()

	st.jobs <- job
	st.pending.Done()
	return true
}

// Mutate applies fn to one persona's session under the store lock and queues
// a durable write for the channel. Returns false if the session is gone.
func (st *Store) Mutate(serverID, channelID, persona string, fn func(*Session)) bool {
	st.mu.Lock()
	srv := st.cache[serverID]
	if srv == nil || srv.Channels[channelID] == nil {
		st.mu.Unlock()
		return false
	}
	s, ok := srv.Channels[channelID][persona]
	if !ok {
		st.mu.Unlock()
		return false
	}
	fn(s)
	snapshot := srv.Channels[channelID].Clone()
	st.mu.Unlock()

	st.enqueue(writeJob{serverID: serverID, channelID: channelID, data: snapshot})
	return true
}

// Touch refreshes LastActivity for every persona in the channel. The cache
// update is synchronous; at most one durable write per channel is kept
// queued, so rapid typing events collapse into a single write.
func (st *Store) Touch(serverID, channelID string, at time.Time) {
	key := serverID + ":" + channelID

	st.mu.Lock()
	srv := st.cache[serverID]
	if srv == nil || len(srv.Channels[channelID]) == 0 {
		st.mu.Unlock()
		return
	}
	for _, s := range srv.Channels[channelID] {
		s.LastActivity = at
	}
	needsWrite := !st.touchPending[key] && !st.closed
	if needsWrite {
		st.touchPending[key] = true
	}
	st.mu.Unlock()

	if needsWrite {
		st.enqueue(writeJob{serverID: serverID, channelID: channelID, fromCache: true})
	}
}

// Remove drops the channel's sessions from the cache, queues a durable
// deletion, and fires OnRemove so the channel's message cache is cleared.
func (st *Store) Remove(serverID, channelID string) {
	st.mu.Lock()
	if srv := st.cache[serverID]; srv != nil {
		delete(srv.Channels, channelID)
		if len(srv.Channels) == 0 {
			delete(st.cache, serverID)
		}
	}
	st.mu.Unlock()

	st.enqueue(writeJob{serverID: serverID, channelID: channelID})
	if st.OnRemove != nil {
		st.OnRemove(serverID, channelID)
	}
	log.Printf("[Session] Removed sessions for server %s, channel %s", serverID, channelID)
}

// Servers returns the server ids present in the cache.
func (st *Store) Servers() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.cache))
	for id := range st.cache {
		out = append(out, id)
	}
	return out
}

// Channels returns the channel ids registered for a server.
func (st *Store) Channels(serverID string) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	srv := st.cache[serverID]
	if srv == nil {
		return nil
	}
	out := make([]string, 0, len(srv.Channels))
	for id := range srv.Channels {
		out = append(out, id)
	}
	return out
}

// setLocked writes a channel record into the cache. Caller holds st.mu.
func (st *Store) setLocked(serverID, channelID string, data ChannelSessions) {
	srv := st.cache[serverID]
	if srv == nil {
		srv = &serverRecord{Channels: make(map[string]ChannelSessions)}
		st.cache[serverID] = srv
	}
	if srv.Channels == nil {
		srv.Channels = make(map[string]ChannelSessions)
	}
	srv.Channels[channelID] = data
}

// runWriter consumes the job queue strictly in FIFO order. A failed write is
// logged and dropped; the in-memory cache stays authoritative until the next
// successful write to the same key.
func (st *Store) runWriter() {
	defer close(st.done)
	log.Println("[Session] Durable writer started")
	for job := range st.jobs {
		st.applyJob(job)
	}
	log.Println("[Session] Durable writer drained")
}

func (st *Store) applyJob(job writeJob) {
	data := job.data
	if job.fromCache {
		key := job.serverID + ":" + job.channelID
		st.mu.Lock()
		delete(st.touchPending, key)
		srv := st.cache[job.serverID]
		if srv != nil {
			data = srv.Channels[job.channelID].Clone()
		}
		st.mu.Unlock()
		if data == nil {
			return // channel removed while the touch was queued
		}
	}

	doc, err := st.readDocument()
	if err != nil {
		log.Printf("[Session] Durable read failed, dropping write for %s/%s: %v",
			job.serverID, job.channelID, err)
		return
	}

	if data == nil {
		if srv := doc[job.serverID]; srv != nil {
			delete(srv.Channels, job.channelID)
			if len(srv.Channels) == 0 {
				delete(doc, job.serverID)
			}
		}
	} else {
		srv := doc[job.serverID]
		if srv == nil {
			srv = &serverRecord{Channels: make(map[string]ChannelSessions)}
			doc[job.serverID] = srv
		}
		if srv.Channels == nil {
			srv.Channels = make(map[string]ChannelSessions)
		}
		srv.Channels[job.channelID] = data
	}

	if err := st.writeDocument(doc); err != nil {
		log.Printf("[Session] Durable write failed, dropping write for %s/%s: %v",
			job.serverID, job.channelID, err)
		return
	}

	st.mirror(job.serverID, job.channelID, data)
}

// mirror pushes the channel snapshot to Redis when available.
func (st *Store) mirror(serverID, channelID string, data ChannelSessions) {
	if !redis.IsAvailable() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	key := redis.SessionKey(serverID, channelID)
	if data == nil {
		redis.CacheDel(ctx, key)
		return
	}
	redis.CacheSetJSON(ctx, key, data, 24*time.Hour)
}

func (st *Store) readDocument() (document, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return nil, err
	}
	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		// Unreadable file: rebuild from this job onward.
		log.Printf("[Session] Corrupt sessions file, rewriting: %v", err)
		return document{}, nil
	}
	return doc, nil
}

func (st *Store) writeDocument(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}

// Close stops accepting writes and blocks until every queued durable write
// has been applied. No update issued before Close may be lost.
func (st *Store) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		<-st.done
		return
	}
	st.closed = true
	st.mu.Unlock()

	st.pending.Wait()
	close(st.jobs)
	<-st.done
}
