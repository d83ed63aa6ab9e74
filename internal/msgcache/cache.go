// Package msgcache holds the per-channel ordered fragments awaiting
// generation. Fragments are pre-formatted at capture time; generation drains
// them in insertion order and clears exactly what it drained, so anything
// captured mid-generation survives to the next cycle.
package msgcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/personacord/personacord/internal/platform"
	"github.com/personacord/personacord/internal/session"
)

// ErrLockTimeout is returned when a channel's capture lock cannot be
// acquired within the bound. Callers skip the capture and log; they must
// not block or retry.
var ErrLockTimeout = errors.New("msgcache: channel lock timeout")

// replyKey is the single reserved slot for reply fragments; later replies
// overwrite it in place instead of appending.
const replyKey = "Reply"

// lockTimeout bounds capture-lock acquisition.
const lockTimeout = 5 * time.Second

// seenLimit bounds the per-channel seen-message-id window.
const seenLimit = 256

// Fragment is one formatted cache entry.
type Fragment struct {
	Key  string `json:"key"`
	Text string `json:"text"`

	// author is the rendered display name, kept in memory to merge
	// consecutive fragments from the same author.
	author string
}

// channelState holds one channel's ordered fragments and seen-id window.
type channelState struct {
	lock    chan struct{} // capacity 1, held during mutation
	entries []Fragment
	counter int // Message{n} counter
	seenIDs []string
}

// Cache is the message cache for all channels, persisted as a JSON document.
type Cache struct {
	path string

	mu        sync.Mutex // guards channels map, snapshots, and persistence
	channels  map[string]*channelState
	snapshots map[string][]Fragment // last-known entries per channel, for persistence
}

func channelKey(serverID, channelID string) string {
	return serverID + "/" + channelID
}

// NewCache loads messages.json from dataDir, or starts empty.
func NewCache(dataDir string) (*Cache, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	c := &Cache{
		path:      filepath.Join(dataDir, "messages.json"),
		channels:  make(map[string]*channelState),
		snapshots: make(map[string][]Fragment),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	doc := map[string][]Fragment{}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("[Cache] Corrupt messages file, starting empty: %v", err)
		return nil
	}
	for key, entries := range doc {
		st := newChannelState()
		st.entries = entries
		st.counter = len(entries)
		c.channels[key] = st
		c.snapshots[key] = append([]Fragment(nil), entries...)
	}
	return nil
}

func newChannelState() *channelState {
	return &channelState{lock: make(chan struct{}, 1)}
}

// state returns the channel's state, creating it on first use.
func (c *Cache) state(serverID, channelID string) *channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := channelKey(serverID, channelID)
	st, ok := c.channels[key]
	if !ok {
		st = newChannelState()
		c.channels[key] = st
	}
	return st
}

// acquire takes the channel lock within lockTimeout.
func (st *channelState) acquire() error {
	timer := time.NewTimer(lockTimeout)
	defer timer.Stop()
	select {
	case st.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	}
}

func (st *channelState) release() { <-st.lock }

// Capture formats and appends an inbound message for a channel. The
// fragment is deduplicated by message id when the event carries one, by
// exact formatted text otherwise; consecutive fragments from the same
// author are merged into one entry. Lock contention past the bound is a
// soft failure: the capture is skipped and ErrLockTimeout returned.
func (c *Cache) Capture(serverID, channelID string, msg platform.MessageEvent, cfg session.Config) error {
	st := c.state(serverID, channelID)
	if err := st.acquire(); err != nil {
		log.Printf("[Cache] Lock timeout capturing for channel %s", channelID)
		return err
	}
	defer st.release()

	fragment, author := renderFragment(msg, cfg, time.Now())
	if strings.TrimSpace(fragment) == "" {
		return nil
	}

	if msg.ReplyTo != nil {
		st.setReply(fragment, author)
	} else {
		if st.isDuplicate(msg.MessageID, fragment) {
			log.Printf("[Cache] Skipping duplicate message for channel %s", channelID)
			return nil
		}
		st.appendOrMerge(fragment, author)
		st.remember(msg.MessageID)
	}

	c.persistChannel(channelKey(serverID, channelID), st.snapshotLocked())
	return nil
}

// setReply writes the reserved reply slot, overwriting any previous reply
// but keeping its position in the order.
func (st *channelState) setReply(fragment, author string) {
	for i := range st.entries {
		if st.entries[i].Key == replyKey {
			if st.entries[i].Text != fragment {
				st.entries[i].Text = fragment
				st.entries[i].author = author
			}
			return
		}
	}
	st.entries = append(st.entries, Fragment{Key: replyKey, Text: fragment, author: author})
}

// appendOrMerge groups consecutive same-author messages into one fragment.
func (st *channelState) appendOrMerge(fragment, author string) {
	if n := len(st.entries); n > 0 {
		last := &st.entries[n-1]
		sameAuthor := last.author != "" && last.author == author
		// Fallback heuristic for fragments loaded from disk, where the
		// author is unknown: templates that end with the display name.
		if !sameAuthor && last.author == "" {
			sameAuthor = strings.HasSuffix(last.Text, author)
		}
		if strings.HasPrefix(last.Key, "Message") && sameAuthor {
			last.Text += "\n" + fragment
			return
		}
	}
	st.counter++
	st.entries = append(st.entries, Fragment{
		Key:    fmt.Sprintf("Message%d", st.counter),
		Text:   fragment,
		author: author,
	})
}

// isDuplicate dedupes by message id when the event carried one (the id
// window outlives cache clears, so redelivery after a generation cycle is
// still dropped). Without an id, the check is scoped to the fragments
// currently pending: once a fragment is drained and cleared, an identical
// text may legitimately be said again.
func (st *channelState) isDuplicate(messageID, fragment string) bool {
	if messageID != "" {
		for _, id := range st.seenIDs {
			if id == messageID {
				return true
			}
		}
		return false
	}
	for _, e := range st.entries {
		if e.Text == fragment {
			return true
		}
		// Fragments merged into an entry are joined by newlines.
		if strings.Contains("\n"+e.Text+"\n", "\n"+fragment+"\n") {
			return true
		}
	}
	return false
}

func (st *channelState) remember(messageID string) {
	if messageID == "" {
		return
	}
	st.seenIDs = append(st.seenIDs, messageID)
	if len(st.seenIDs) > seenLimit {
		st.seenIDs = st.seenIDs[len(st.seenIDs)-seenLimit:]
	}
}

// Drain returns the channel's fragments in insertion order without mutating
// state. The returned snapshot's keys feed ClearDrained after generation.
func (c *Cache) Drain(serverID, channelID string) []Fragment {
	st := c.state(serverID, channelID)
	if err := st.acquire(); err != nil {
		log.Printf("[Cache] Lock timeout draining channel %s", channelID)
		return nil
	}
	defer st.release()

	out := make([]Fragment, len(st.entries))
	copy(out, st.entries)
	return out
}

// Count returns the number of fragments pending for a channel. On lock
// timeout it reports zero; the caller's next poll re-checks.
func (c *Cache) Count(serverID, channelID string) int {
	st := c.state(serverID, channelID)
	if err := st.acquire(); err != nil {
		return 0
	}
	defer st.release()
	return len(st.entries)
}

// ClearDrained removes exactly the fragments of a drain snapshot. Fragments
// captured after the drain began keep their place for the next cycle; a
// merged fragment that grew since the drain is kept with only the new tail.
func (c *Cache) ClearDrained(serverID, channelID string, drained []Fragment) {
	if len(drained) == 0 {
		return
	}
	st := c.state(serverID, channelID)
	if err := st.acquire(); err != nil {
		log.Printf("[Cache] Lock timeout clearing channel %s", channelID)
		return
	}
	defer st.release()

	byKey := make(map[string]string, len(drained))
	for _, f := range drained {
		byKey[f.Key] = f.Text
	}

	kept := st.entries[:0]
	for _, e := range st.entries {
		text, ok := byKey[e.Key]
		if !ok {
			kept = append(kept, e)
			continue
		}
		if e.Text == text {
			continue // exactly what the generation consumed
		}
		if strings.HasPrefix(e.Text, text+"\n") {
			// Same entry grew via merge while generation ran; keep the tail.
			e.Text = e.Text[len(text)+1:]
			kept = append(kept, e)
			continue
		}
		// Changed in place since the drain (an overwritten reply slot):
		// treat it like a post-drain capture and keep it whole.
		kept = append(kept, e)
	}
	st.entries = append([]Fragment(nil), kept...)

	c.persistChannel(channelKey(serverID, channelID), st.snapshotLocked())
	log.Printf("[Cache] Cleared %d processed fragments for channel %s", len(drained), channelID)
}

// Clear empties the channel's fragments and dedupe window entirely.
func (c *Cache) Clear(serverID, channelID string) {
	st := c.state(serverID, channelID)
	if err := st.acquire(); err != nil {
		log.Printf("[Cache] Lock timeout clearing channel %s", channelID)
		return
	}
	defer st.release()

	st.entries = nil
	st.counter = 0
	st.seenIDs = nil

	c.persistChannel(channelKey(serverID, channelID), nil)
	log.Printf("[Cache] Cleared message cache for server %s, channel %s", serverID, channelID)
}

// Texts flattens fragments into their prompt lines.
func Texts(fragments []Fragment) []string {
	out := make([]string, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, f.Text)
	}
	return out
}

// persistChannel records the channel's entries snapshot and rewrites the
// cache document. Failures are logged and dropped; in-memory state stays
// authoritative. The caller holds the channel lock; the snapshot it passes
// was copied under that lock.
func (c *Cache) persistChannel(key string, entries []Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(entries) == 0 {
		delete(c.snapshots, key)
	} else {
		c.snapshots[key] = entries
	}

	data, err := json.MarshalIndent(c.snapshots, "", "  ")
	if err != nil {
		log.Printf("[Cache] Marshal failed: %v", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Printf("[Cache] Persist failed: %v", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		log.Printf("[Cache] Persist rename failed: %v", err)
	}
}

// snapshotLocked copies the channel's entries. Caller holds the channel lock.
func (st *channelState) snapshotLocked() []Fragment {
	return append([]Fragment(nil), st.entries...)
}
