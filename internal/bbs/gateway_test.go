package bbs

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshlink/meshmini/internal/config"
	"github.com/meshlink/meshmini/internal/mesh"
	"github.com/meshlink/meshmini/internal/store"
)

// fakeLink records outbound frames and serves a settable node directory.
type fakeLink struct {
	mu         sync.Mutex
	sent       []sentFrame
	nodes      []mesh.NodeEntry
	self       mesh.NodeEntry
	selfOK     bool
	sendErr    error
	reconnects int
}

type sentFrame struct {
	dest string
	text string
}

func (f *fakeLink) Send(dest, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{dest: dest, text: text})
	return nil
}

func (f *fakeLink) Nodes() []mesh.NodeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mesh.NodeEntry(nil), f.nodes...)
}

func (f *fakeLink) Self() (mesh.NodeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self, f.selfOK
}

func (f *fakeLink) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeLink) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// framesTo returns the texts sent to dest.
func (f *fakeLink) framesTo(dest string) []string {
	var out []string
	for _, fr := range f.frames() {
		if fr.dest == dest {
			out = append(out, fr.text)
		}
	}
	return out
}

// testClock is a settable wall clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *fakeLink, *testClock) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Board.TZ = "UTC"
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	link := &fakeLink{}
	g := New(cfg, st, link, nil, nil, logger)

	clock := &testClock{t: time.Unix(1700000000, 0)}
	g.now = clock.now
	g.started = clock.now().Add(-time.Minute) // past the startup grace

	if err := g.Seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return g, link, clock
}

// say pushes one command through the dispatcher, stepping the clock past
// the rate-limit window first.
func say(g *Gateway, clock *testClock, from, text string) {
	clock.advance(time.Duration(g.cfg.Board.RateSec+1) * time.Second)
	g.dispatch(from, text, clock.now())
}

func TestPostRoundTrip(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	say(g, clock, "!aaaaaaaa", "p hello")
	got := link.framesTo("!aaaaaaaa")
	if len(got) != 1 || got[0] != "posted #1" {
		t.Fatalf("post reply = %v, want [posted #1]", got)
	}

	link.clear()
	say(g, clock, "!aaaaaaaa", "r 1")
	got = link.framesTo("!aaaaaaaa")
	if len(got) != 1 {
		t.Fatalf("read reply = %v, want one frame", got)
	}
	if !strings.Contains(got[0], "#1") || !strings.Contains(got[0], "hello") {
		t.Errorf("read reply %q lacks #1/hello", got[0])
	}
}

func TestPostBodyKeepsInternalWhitespace(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	say(g, clock, "!aaaaaaaa", "p hello   world")
	if got := link.framesTo("!aaaaaaaa"); len(got) != 1 || got[0] != "posted #1" {
		t.Fatalf("post reply = %v", got)
	}
	post, err := g.store.GetPost(1)
	if err != nil {
		t.Fatal(err)
	}
	if post.Body != "hello   world" {
		t.Errorf("stored body = %q, want internal run kept", post.Body)
	}

	say(g, clock, "!aaaaaaaa", "reply 1 two  spaces")
	reply, err := g.store.GetPost(2)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Body != "two  spaces" {
		t.Errorf("reply body = %q, want internal run kept", reply.Body)
	}
}

func TestReplyChain(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	say(g, clock, "!aaaaaaaa", "p hello")
	link.clear()

	say(g, clock, "!bbbbbbbb", "reply 1 hi")
	got := link.framesTo("!bbbbbbbb")
	if len(got) != 1 || got[0] != "reply #2 -> #1" {
		t.Fatalf("reply ack = %v", got)
	}

	link.clear()
	say(g, clock, "!aaaaaaaa", "r 1")
	got = link.framesTo("!aaaaaaaa")
	if len(got) != 1 {
		t.Fatalf("read reply = %v", got)
	}
	if !strings.Contains(got[0], "↳") || !strings.Contains(got[0], "#2") ||
		!strings.Contains(got[0], "!bbbbbbbb") {
		t.Errorf("thread view %q lacks reply line", got[0])
	}
}

func TestReplyToMissingPost(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	say(g, clock, "!aaaaaaaa", "reply 9 nope")
	got := link.framesTo("!aaaaaaaa")
	if len(got) != 1 || got[0] != "no post #9" {
		t.Errorf("reply = %v, want [no post #9]", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	g, link, clock := newTestGateway(t, nil)
	say(g, clock, "!aaaaaaaa", "frobnicate")
	got := link.framesTo("!aaaaaaaa")
	if len(got) != 1 || got[0] != "unknown. send ? for menu" {
		t.Errorf("reply = %v", got)
	}

	g2, link2, clock2 := newTestGateway(t, func(c *config.Config) {
		c.Board.UnknownReply = false
	})
	say(g2, clock2, "!aaaaaaaa", "frobnicate")
	if got := link2.framesTo("!aaaaaaaa"); len(got) != 0 {
		t.Errorf("silent mode replied %v", got)
	}
}

func TestRateLimitDropsAndBypassSurvives(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	say(g, clock, "!aaaaaaaa", "p first")
	// Within the cooldown window.
	clock.advance(500 * time.Millisecond)
	g.dispatch("!aaaaaaaa", "p second", clock.now())

	got := link.framesTo("!aaaaaaaa")
	if len(got) != 1 || got[0] != "posted #1" {
		t.Fatalf("frames = %v, want only the first post ack", got)
	}

	// Bypass commands get through regardless.
	link.clear()
	g.dispatch("!aaaaaaaa", "?", clock.now())
	if got := link.framesTo("!aaaaaaaa"); len(got) == 0 {
		t.Error("bypass command produced no reply inside cooldown")
	}
}

func TestBlacklistSilentDropAfterDMFlush(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	if err := g.store.AddBlacklist("!bad00001"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.store.EnqueueDM("!bad00001", "!aaaaaaaa", "still yours", clock.now().Unix()); err != nil {
		t.Fatal(err)
	}

	say(g, clock, "!bad00001", "p spam")

	got := link.framesTo("!bad00001")
	if len(got) != 1 || got[0] != "[DM] still yours" {
		t.Fatalf("frames = %v, want only the queued DM", got)
	}
	if posts, err := g.store.RecentPosts(10); err != nil || len(posts) != 0 {
		t.Errorf("blacklisted post was stored: %v, %v", posts, err)
	}
}

func TestIntakeDedupByPacketID(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)
	clock.advance(3 * time.Second)

	pkt := mesh.Packet{From: 0xaaaaaaaa, ID: 77, Text: "p once"}
	g.process(pkt)
	g.process(pkt) // duplicate via second receive path

	got := link.framesTo("!aaaaaaaa")
	if len(got) != 1 {
		t.Fatalf("frames = %v, want a single ack", got)
	}
	if posts, _ := g.store.RecentPosts(10); len(posts) != 1 {
		t.Errorf("stored %d posts, want 1", len(posts))
	}
}

func TestIntakeFingerprintDedup(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)
	clock.advance(3 * time.Second)

	// Same sender and text, different packet ids inside the window.
	g.process(mesh.Packet{From: 0xaaaaaaaa, ID: 1, Text: "p twice"})
	g.process(mesh.Packet{From: 0xaaaaaaaa, ID: 2, Text: "p twice"})

	if got := link.framesTo("!aaaaaaaa"); len(got) != 1 {
		t.Fatalf("frames = %v, want one ack", got)
	}
}

func TestStartupGraceIgnoresReplay(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)
	g.started = clock.now() // just started

	g.process(mesh.Packet{From: 0xaaaaaaaa, ID: 5, Text: "p stale"})
	if got := link.frames(); len(got) != 0 {
		t.Errorf("replayed packet answered: %v", got)
	}
}

func TestAdminBootstrapAndGate(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	// Empty admin set: anyone may administer.
	say(g, clock, "!aaaaaaaa", "admins add !aaaaaaaa")
	got := link.framesTo("!aaaaaaaa")
	if len(got) != 1 || !strings.Contains(got[0], "!aaaaaaaa") {
		t.Fatalf("bootstrap add reply = %v", got)
	}

	// Now the set is non-empty and others are refused.
	link.clear()
	say(g, clock, "!bbbbbbbb", "admins add !bbbbbbbb")
	got = link.framesTo("!bbbbbbbb")
	if len(got) != 1 || got[0] != "admin only" {
		t.Errorf("non-admin reply = %v, want [admin only]", got)
	}
}

func TestHealthGating(t *testing.T) {
	t.Parallel()

	g, link, clock := newTestGateway(t, nil)
	if err := g.store.AddAdmin("!aaaaaaaa"); err != nil {
		t.Fatal(err)
	}
	say(g, clock, "!bbbbbbbb", "health")
	if got := link.framesTo("!bbbbbbbb"); len(got) != 1 || got[0] != "admin only" {
		t.Errorf("health to non-admin = %v", got)
	}

	pub, publink, pubclock := newTestGateway(t, func(c *config.Config) {
		c.Board.HealthPublic = true
	})
	if err := pub.store.AddAdmin("!aaaaaaaa"); err != nil {
		t.Fatal(err)
	}
	say(pub, pubclock, "!bbbbbbbb", "health")
	got := publink.framesTo("!bbbbbbbb")
	if len(got) != 1 || !strings.Contains(got[0], "posts=") {
		t.Errorf("public health = %v", got)
	}
}

func TestNoticeSetAndRead(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)
	if err := g.store.AddAdmin("!aaaaaaaa"); err != nil {
		t.Fatal(err)
	}

	say(g, clock, "!aaaaaaaa", "info set hall open saturday")
	if got := link.framesTo("!aaaaaaaa"); len(got) != 1 || got[0] != "notice updated" {
		t.Fatalf("info set reply = %v", got)
	}

	link.clear()
	say(g, clock, "!bbbbbbbb", "info")
	got := link.framesTo("!bbbbbbbb")
	if len(got) != 1 || !strings.Contains(got[0], "hall open saturday") {
		t.Fatalf("info reply = %v", got)
	}
	if !strings.Contains(got[0], "[Notice") {
		t.Errorf("info reply %q lacks notice title", got[0])
	}
}

func TestNoticeExpiry(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)
	if err := g.store.AddAdmin("!aaaaaaaa"); err != nil {
		t.Fatal(err)
	}

	say(g, clock, "!aaaaaaaa", "info set 2 closes soon")
	link.clear()

	clock.advance(3 * time.Hour)
	say(g, clock, "!bbbbbbbb", "info")
	got := link.framesTo("!bbbbbbbb")
	if len(got) != 1 || got[0] != "no notice set" {
		t.Errorf("expired notice reply = %v", got)
	}
}

func TestMenuOnQuestionMarkIncludesNotice(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)
	if err := g.store.SetKV("notice", "meeting 7pm"); err != nil {
		t.Fatal(err)
	}

	say(g, clock, "!aaaaaaaa", "?")
	got := link.framesTo("!aaaaaaaa")
	if len(got) != 2 {
		t.Fatalf("frames = %v, want notice then menu", got)
	}
	if !strings.Contains(got[0], "meeting 7pm") {
		t.Errorf("first frame %q is not the notice", got[0])
	}
	if !strings.HasPrefix(got[1], "["+g.cfg.Board.Name+"]") {
		t.Errorf("second frame %q is not the menu", got[1])
	}
}

func TestWatchdogReconnectsOnStaleRX(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, func(c *config.Config) {
		c.Link.RXStale = 5 * time.Second
	})

	g.resetLastRX(clock.now())
	clock.advance(10 * time.Second)
	g.reconnect(context.Background(), clock.now().Sub(g.LastRX()))

	link.mu.Lock()
	n := link.reconnects
	link.mu.Unlock()
	if n != 1 {
		t.Fatalf("reconnects = %d, want 1", n)
	}
	if got := clock.now().Sub(g.LastRX()); got != 0 {
		t.Errorf("lastRX not reset, idle = %v", got)
	}

	// The gateway answers normally afterwards.
	say(g, clock, "!aaaaaaaa", "?")
	if got := link.framesTo("!aaaaaaaa"); len(got) == 0 {
		t.Error("no menu reply after reconnect")
	}
}

func TestReconnectReArmsGrace(t *testing.T) {
	t.Parallel()
	g, link, clock := newTestGateway(t, nil)

	g.reconnect(context.Background(), time.Minute)

	// The device replays frames it heard while the port was down; right
	// after the reopen they are ignored.
	g.process(mesh.Packet{From: 0xaaaaaaaa, ID: 11, Text: "p replayed"})
	if got := link.frames(); len(got) != 0 {
		t.Fatalf("replayed packet answered: %v", got)
	}

	clock.advance(startupGrace + time.Second)
	g.process(mesh.Packet{From: 0xaaaaaaaa, ID: 12, Text: "p fresh"})
	if got := link.framesTo("!aaaaaaaa"); len(got) != 1 || got[0] != "posted #1" {
		t.Errorf("post after grace = %v, want [posted #1]", got)
	}
}

func TestFmtAgo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{3*time.Hour + 5*time.Minute, "3h05m"},
		{2*24*time.Hour + 7*time.Hour, "2d07h"},
		{-3 * time.Second, "0s"},
	}
	for _, tc := range cases {
		if got := fmtAgo(tc.d); got != tc.want {
			t.Errorf("fmtAgo(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestDedupFIFOEvicts(t *testing.T) {
	t.Parallel()

	f := newDedupFIFO(3)
	for i := uint64(1); i <= 4; i++ {
		f.Add(i)
	}
	if f.Contains(1) {
		t.Error("oldest entry not evicted")
	}
	for i := uint64(2); i <= 4; i++ {
		if !f.Contains(i) {
			t.Errorf("entry %d missing", i)
		}
	}
}
