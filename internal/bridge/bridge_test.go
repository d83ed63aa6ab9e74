package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personacord/personacord/internal/dispatch"
	"github.com/personacord/personacord/internal/msgcache"
	"github.com/personacord/personacord/internal/platform"
	"github.com/personacord/personacord/internal/session"
	"github.com/personacord/personacord/internal/upstream"
)

// fakeUpstream replies with a fixed string and records prompts and the peak
// number of concurrent SendMessage calls. The first createFails calls to
// CreateConversation error out.
type fakeUpstream struct {
	mu          sync.Mutex
	prompts     []string
	reply       string
	delay       time.Duration
	cur         int
	peak        int
	createFails int
	createCalls int
}

func (f *fakeUpstream) FetchPersonaInfo(context.Context, string) (*upstream.PersonaInfo, error) {
	return &upstream.PersonaInfo{Name: "fake"}, nil
}

func (f *fakeUpstream) CreateConversation(context.Context, string) (string, string, error) {
	f.mu.Lock()
	f.createCalls++
	failing := f.createCalls <= f.createFails
	f.mu.Unlock()
	if failing {
		return "", "", errors.New("upstream unavailable")
	}
	return "conv-x", "", nil
}

func (f *fakeUpstream) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeUpstream) SendMessage(ctx context.Context, _, _, text string) (string, error) {
	f.mu.Lock()
	f.cur++
	if f.cur > f.peak {
		f.peak = f.cur
	}
	f.prompts = append(f.prompts, text)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.cur--
	reply := f.reply
	f.mu.Unlock()
	if reply == "" {
		reply = "ok"
	}
	return reply, nil
}

func (f *fakeUpstream) allPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeUpstream) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type bridgeEnv struct {
	store  *session.Store
	cache  *msgcache.Cache
	bridge *Bridge
	fp     *fakePlatform
	client *fakeUpstream
}

func newBridgeEnv(t *testing.T, client *fakeUpstream, workers int) *bridgeEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cache, err := msgcache.NewCache(dir)
	require.NoError(t, err)

	d := dispatch.New(store, cache, client, dispatch.Options{
		Workers:   workers,
		BaseDelay: time.Millisecond,
	})
	fp := &fakePlatform{}
	b := New(store, cache, d, fp)
	b.PollInterval = 5 * time.Millisecond
	b.GraceWait = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	b.Start(ctx)

	return &bridgeEnv{store: store, cache: cache, bridge: b, fp: fp, client: client}
}

func (e *bridgeEnv) addPersona(name string, debounce float64, trigger int) {
	e.store.CreateOrUpdate("srv", "chan", name, session.Session{
		PersonaID:      "pid-" + name,
		ConversationID: "conv-" + name,
		Config: session.Config{
			DebounceDelay: debounce,
			CacheTrigger:  trigger,
		},
	})
}

func msg(id, author, content string) platform.MessageEvent {
	return platform.MessageEvent{
		MessageID:  id,
		ServerID:   "srv",
		ChannelID:  "chan",
		AuthorID:   author,
		AuthorName: author,
		Username:   author,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func TestOnMessage_IgnoresCommentPrefixes(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.addPersona("mira", 60, 100)

	env.bridge.OnMessage(msg("1", "alice", "# out of character"))
	env.bridge.OnMessage(msg("2", "alice", "// also ignored"))

	assert.Equal(t, 0, env.cache.Count("srv", "chan"))
}

func TestOnMessage_NoSessionsNoCapture(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)

	env.bridge.OnMessage(msg("1", "alice", "hello"))
	assert.Equal(t, 0, env.cache.Count("srv", "chan"))
}

func TestOnMessage_CapturesAndRefreshesActivity(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.addPersona("mira", 60, 100)

	before := time.Now()
	env.bridge.OnMessage(msg("1", "alice", "hello"))

	assert.Equal(t, 1, env.cache.Count("srv", "chan"))
	got, ok := env.store.GetPersona("srv", "chan", "mira")
	require.True(t, ok)
	assert.False(t, got.LastActivity.Before(before))
	assert.False(t, got.AwaitingResponse)
}

func TestOnMessage_MutedForAllPersonasSkipsCapture(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.addPersona("mira", 60, 100)
	require.NoError(t, env.store.Mute("srv", "chan", "mira", "alice"))

	env.bridge.OnMessage(msg("1", "alice", "hello"))

	assert.Equal(t, 0, env.cache.Count("srv", "chan"))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, env.fp.channelSends())
}

func TestOnMessage_MutedForSomeStillCaptures(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.addPersona("mira", 60, 100)
	env.addPersona("kato", 60, 100)
	require.NoError(t, env.store.Mute("srv", "chan", "mira", "alice"))

	env.bridge.OnMessage(msg("1", "alice", "hello"))
	assert.Equal(t, 1, env.cache.Count("srv", "chan"))
}

func TestOnMessage_RelayAuthoredIsNotCaptured(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.addPersona("mira", 60, 100)

	ev := msg("1", "mira-relay", "generated text")
	ev.FromRelay = true

	before := time.Now()
	env.bridge.OnMessage(ev)

	assert.Equal(t, 0, env.cache.Count("srv", "chan"))
	got, _ := env.store.GetPersona("srv", "chan", "mira")
	assert.False(t, got.LastActivity.Before(before)) // still counts as activity
}

func TestOnMessage_SharedChannelUsesDeterministicFormatting(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)

	zeta := session.Session{PersonaID: "pid-z", ConversationID: "conv-z"}
	env.store.CreateOrUpdate("srv", "chan", "zeta", zeta)

	alpha := session.Session{PersonaID: "pid-a", ConversationID: "conv-a"}
	alpha.Config = session.DefaultConfig()
	alpha.Config.UserTemplate = "{message}"
	alpha.Config.DebounceDelay = 60
	alpha.Config.CacheTrigger = 100
	env.store.CreateOrUpdate("srv", "chan", "alpha", alpha)

	env.bridge.OnMessage(msg("1", "alice", "hello"))

	got := env.cache.Drain("srv", "chan")
	require.Len(t, got, 1)
	// "alpha" sorts before "zeta", so its template formats the capture.
	assert.Equal(t, "hello", got[0].Text)
}

func TestOnMessage_PreservesConcurrentConversationCommit(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.store.CreateOrUpdate("srv", "chan", "mira", session.Session{
		PersonaID: "pid-1",
		Config:    session.Config{DebounceDelay: 60, CacheTrigger: 1000},
	})

	// Activity refresh must not write back a stale channel snapshot over a
	// conversation id committed concurrently.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			env.bridge.OnMessage(msg(fmt.Sprintf("m%d", i), "alice", fmt.Sprintf("msg %d", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			id := fmt.Sprintf("conv-%d", i)
			env.store.Mutate("srv", "chan", "mira", func(s *session.Session) {
				s.ConversationID = id
			})
		}
	}()
	wg.Wait()

	got, ok := env.store.GetPersona("srv", "chan", "mira")
	require.True(t, ok)
	assert.Equal(t, "conv-99", got.ConversationID)
}

func TestOnTyping_RefreshesActivity(t *testing.T) {
	env := newBridgeEnv(t, &fakeUpstream{}, 1)
	env.addPersona("mira", 60, 100)

	old := time.Now().Add(-time.Minute)
	env.store.Mutate("srv", "chan", "mira", func(s *session.Session) {
		s.LastActivity = old
	})

	env.bridge.OnTyping(platform.TypingEvent{ServerID: "srv", ChannelID: "chan", UserID: "alice"})

	got, _ := env.store.GetPersona("srv", "chan", "mira")
	assert.True(t, got.LastActivity.After(old))
}
