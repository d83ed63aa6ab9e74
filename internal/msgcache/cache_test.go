package msgcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personacord/personacord/internal/platform"
	"github.com/personacord/personacord/internal/session"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := NewCache(dir)
	require.NoError(t, err)
	return c, dir
}

func event(id, author, content string) platform.MessageEvent {
	return platform.MessageEvent{
		MessageID:  id,
		ServerID:   "srv",
		ChannelID:  "chan",
		AuthorID:   author,
		AuthorName: author,
		Username:   author,
		Content:    content,
	}
}

func TestCapture_AppendsInOrder(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "first"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("2", "bob", "second"), cfg))

	got := c.Drain("srv", "chan")
	require.Len(t, got, 2)
	assert.Equal(t, "Message1", got[0].Key)
	assert.Equal(t, "alice: first", got[0].Text)
	assert.Equal(t, "Message2", got[1].Key)
	assert.Equal(t, "bob: second", got[1].Text)
	assert.Equal(t, 2, c.Count("srv", "chan"))
}

func TestCapture_DedupesByMessageID(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))

	assert.Equal(t, 1, c.Count("srv", "chan"))
}

func TestCapture_DedupesByTextWithoutID(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("", "alice", "hello"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("", "alice", "hello"), cfg))

	assert.Equal(t, 1, c.Count("srv", "chan"))
}

func TestCapture_SameTextDifferentIDIsKept(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()
	cfg.UserTemplate = "{message}" // drop the author prefix so texts collide

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "ok"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("2", "bob", "ok"), cfg))

	// Different platform messages, same rendered text: both survive.
	got := c.Drain("srv", "chan")
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].Text)
	assert.Equal(t, "ok", got[1].Text)
}

func TestCapture_MergesConsecutiveSameAuthor(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "one"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("2", "alice", "two"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("3", "bob", "three"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("4", "alice", "four"), cfg))

	got := c.Drain("srv", "chan")
	require.Len(t, got, 3)
	assert.Equal(t, "alice: one\nalice: two", got[0].Text)
	assert.Equal(t, "bob: three", got[1].Text)
	assert.Equal(t, "alice: four", got[2].Text)
}

func TestCapture_ReplyOverwritesInPlace(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	original := event("1", "alice", "the question")
	reply1 := event("2", "bob", "answer one")
	reply1.ReplyTo = &original
	reply2 := event("3", "carol", "answer two")
	reply2.ReplyTo = &original

	require.NoError(t, c.Capture("srv", "chan", reply1, cfg))
	require.NoError(t, c.Capture("srv", "chan", event("4", "dave", "aside"), cfg))
	require.NoError(t, c.Capture("srv", "chan", reply2, cfg))

	got := c.Drain("srv", "chan")
	require.Len(t, got, 2)
	// The reply slot keeps its original position and carries only the latest reply.
	assert.Equal(t, "Reply", got[0].Key)
	assert.Contains(t, got[0].Text, "carol")
	assert.Contains(t, got[0].Text, "the question")
	assert.NotContains(t, got[0].Text, "answer one")
	assert.Equal(t, "dave: aside", got[1].Text)
}

func TestCapture_EmptyAfterStrippingIsSkipped(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()
	cfg.UserTemplate = "{message}"
	cfg.DropUserEmoji = true

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "🎉🎉"), cfg))
	assert.Equal(t, 0, c.Count("srv", "chan"))
}

func TestDrain_DoesNotMutate(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))

	first := c.Drain("srv", "chan")
	second := c.Drain("srv", "chan")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Count("srv", "chan"))
}

func TestClearDrained_RemovesExactlyTheSnapshot(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "before"), cfg))
	drained := c.Drain("srv", "chan")

	// A new message lands while generation runs.
	require.NoError(t, c.Capture("srv", "chan", event("2", "bob", "during"), cfg))

	c.ClearDrained("srv", "chan", drained)

	got := c.Drain("srv", "chan")
	require.Len(t, got, 1)
	assert.Equal(t, "bob: during", got[0].Text)
}

func TestClearDrained_KeepsMergedTail(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "before"), cfg))
	drained := c.Drain("srv", "chan")

	// Same author again: the fragment grows in place mid-generation.
	require.NoError(t, c.Capture("srv", "chan", event("2", "alice", "during"), cfg))

	c.ClearDrained("srv", "chan", drained)

	got := c.Drain("srv", "chan")
	require.Len(t, got, 1)
	assert.Equal(t, "alice: during", got[0].Text)
}

func TestCapture_TextDedupeResetsAfterClearDrained(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("", "alice", "ok"), cfg))
	drained := c.Drain("srv", "chan")
	c.ClearDrained("srv", "chan", drained)
	require.Equal(t, 0, c.Count("srv", "chan"))

	// Saying the same thing again in the next cycle is a new message.
	require.NoError(t, c.Capture("srv", "chan", event("", "alice", "ok"), cfg))
	assert.Equal(t, 1, c.Count("srv", "chan"))
}

func TestCapture_IDDedupeSurvivesClearDrained(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "ok"), cfg))
	c.ClearDrained("srv", "chan", c.Drain("srv", "chan"))

	// Redelivery of the same platform message stays a no-op.
	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "ok"), cfg))
	assert.Equal(t, 0, c.Count("srv", "chan"))
}

func TestClearDrained_KeepsReplyOverwrittenDuringGeneration(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	original := event("1", "alice", "the question")
	reply1 := event("2", "bob", "answer one")
	reply1.ReplyTo = &original

	require.NoError(t, c.Capture("srv", "chan", reply1, cfg))
	drained := c.Drain("srv", "chan")

	// A newer reply lands in the slot while generation runs.
	reply2 := event("3", "carol", "answer two")
	reply2.ReplyTo = &original
	require.NoError(t, c.Capture("srv", "chan", reply2, cfg))

	c.ClearDrained("srv", "chan", drained)

	got := c.Drain("srv", "chan")
	require.Len(t, got, 1)
	assert.Equal(t, "Reply", got[0].Key)
	assert.Contains(t, got[0].Text, "carol")
	assert.NotContains(t, got[0].Text, "answer one")
}

func TestClearDrained_EmptySnapshotIsNoop(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))
	c.ClearDrained("srv", "chan", nil)
	assert.Equal(t, 1, c.Count("srv", "chan"))
}

func TestClear_ResetsEverything(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))
	c.Clear("srv", "chan")

	assert.Equal(t, 0, c.Count("srv", "chan"))

	// The dedupe window resets too: the same message can be captured again.
	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))
	assert.Equal(t, 1, c.Count("srv", "chan"))
}

func TestCache_PersistsAcrossRestarts(t *testing.T) {
	c, dir := newTestCache(t)
	cfg := session.DefaultConfig()

	require.NoError(t, c.Capture("srv", "chan", event("1", "alice", "hello"), cfg))
	require.NoError(t, c.Capture("srv", "chan", event("2", "bob", "there"), cfg))

	c2, err := NewCache(dir)
	require.NoError(t, err)

	got := c2.Drain("srv", "chan")
	require.Len(t, got, 2)
	assert.Equal(t, "alice: hello", got[0].Text)
	assert.Equal(t, "bob: there", got[1].Text)

	// A reloaded fragment still dedupes an identical text-only capture.
	require.NoError(t, c2.Capture("srv", "chan", event("", "alice", "hello"), cfg))
	assert.Equal(t, 2, c2.Count("srv", "chan"))
}

func TestCache_ChannelsAreIndependent(t *testing.T) {
	c, _ := newTestCache(t)
	cfg := session.DefaultConfig()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Capture("srv", "a", event(fmt.Sprintf("a%d", i), "alice", fmt.Sprintf("m%d", i)), cfg))
	}
	require.NoError(t, c.Capture("srv", "b", event("b1", "bob", "other"), cfg))

	assert.Equal(t, 1, c.Count("srv", "a")) // merged: same author
	assert.Equal(t, 1, c.Count("srv", "b"))

	c.Clear("srv", "a")
	assert.Equal(t, 0, c.Count("srv", "a"))
	assert.Equal(t, 1, c.Count("srv", "b"))
}

func TestTexts(t *testing.T) {
	fragments := []Fragment{{Key: "Message1", Text: "a"}, {Key: "Reply", Text: "b"}}
	assert.Equal(t, []string{"a", "b"}, Texts(fragments))
	assert.Empty(t, Texts(nil))
}
