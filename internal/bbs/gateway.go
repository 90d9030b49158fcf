// Package bbs implements the message board gateway: packet intake and
// deduplication, the command dispatcher, store-and-forward DMs, peer
// replication, and the link supervisor.
package bbs

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshlink/meshmini/internal/bus"
	"github.com/meshlink/meshmini/internal/config"
	"github.com/meshlink/meshmini/internal/mesh"
	gwmetrics "github.com/meshlink/meshmini/internal/metrics"
	"github.com/meshlink/meshmini/internal/store"
)

// Link is the radio connection the gateway drives. Implemented by
// radio.Link; tests substitute a fake.
type Link interface {
	Send(dest, text string) error
	Nodes() []mesh.NodeEntry
	Self() (mesh.NodeEntry, bool)
	Reconnect(ctx context.Context) error
	Close() error
}

// startupGrace is how long after start inbound packets are ignored. The
// device replays packets received while the host was away; acting on them
// would answer stale commands.
const startupGrace = 2 * time.Second

// fingerprintTTL bounds the (sender, text) duplicate window across the
// dual receive paths.
const fingerprintTTL = 10 * time.Second

// dedupCap is the size of the recent packet discriminator FIFO.
const dedupCap = 256

// Gateway is the message board service behind one radio node.
type Gateway struct {
	cfg     *config.Config
	store   *store.Store
	link    Link
	bus     *bus.Bus
	metrics *gwmetrics.Collector
	logger  *slog.Logger
	loc     *time.Location

	packets chan mesh.Packet
	started time.Time
	now     func() time.Time

	syncOn atomic.Bool

	mu         sync.Mutex
	lastRX     time.Time
	graceUntil time.Time
	lastCmd    map[string]time.Time
	seen       *dedupFIFO
	fprints    map[string]time.Time
	bootWarn   bool
}

// New assembles a gateway. The bus is optional; when present, Run drains
// it as the secondary receive path.
func New(cfg *config.Config, st *store.Store, link Link, b *bus.Bus, mc *gwmetrics.Collector, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Board.TZ)
	if err != nil {
		logger.Warn("unknown time zone, using UTC", slog.String("tz", cfg.Board.TZ))
		loc = time.UTC
	}

	g := &Gateway{
		cfg:     cfg,
		store:   st,
		link:    link,
		bus:     b,
		metrics: mc,
		logger:  logger.With(slog.String("component", "bbs")),
		loc:     loc,
		packets: make(chan mesh.Packet, 64),
		started: time.Now(),
		now:     time.Now,
		lastCmd: make(map[string]time.Time),
		seen:    newDedupFIFO(dedupCap),
		fprints: make(map[string]time.Time),
	}
	g.syncOn.Store(cfg.Sync.Enabled)
	g.lastRX = g.started
	return g
}

// Seed applies the configured admin and peer lists to the store. Idempotent;
// called once at startup.
func (g *Gateway) Seed() error {
	for _, raw := range g.cfg.Board.Admins {
		id, ok := mesh.CanonID(raw)
		if !ok {
			g.logger.Warn("ignoring malformed admin id", slog.String("id", raw))
			continue
		}
		if err := g.store.AddAdmin(id); err != nil {
			return err
		}
	}
	for _, raw := range g.cfg.Board.Peers {
		id, ok := mesh.CanonID(raw)
		if !ok {
			g.logger.Warn("ignoring malformed peer id", slog.String("id", raw))
			continue
		}
		if err := g.store.AddPeer(id); err != nil {
			return err
		}
	}
	return nil
}

// HandlePacket is the direct receive callback. Safe for concurrent use;
// never blocks the radio reader for long.
func (g *Gateway) HandlePacket(pkt mesh.Packet) {
	select {
	case g.packets <- pkt:
	default:
		g.dropped("queue_full")
		g.logger.Warn("intake queue full, packet dropped",
			slog.String("from", pkt.FromID))
	}
}

// Run consumes inbound packets until ctx is done. Packets from the direct
// callback and from the bus funnel into one queue so processing is
// sequential and arrival-ordered.
func (g *Gateway) Run(ctx context.Context) error {
	var busCh <-chan bus.Message
	if g.bus != nil {
		sub := g.bus.Subscribe(bus.TopicReceiveText)
		if sub != nil {
			defer sub.Unsubscribe()
			busCh = sub.Channel()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-g.packets:
			g.process(pkt)
		case msg, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			if pkt, isPkt := msg.Payload.(mesh.Packet); isPkt {
				g.process(pkt)
			}
		}
	}
}

// ---- intake -------------------------------------------------------------

// process runs one packet through intake and dispatch.
func (g *Gateway) process(pkt mesh.Packet) {
	now := g.now()

	g.mu.Lock()
	g.lastRX = now
	grace := g.graceUntil
	g.mu.Unlock()

	sender := g.canonSender(pkt)
	text := extractText(pkt)
	if text == "" {
		g.dropped("no_text")
		return
	}

	// The device replays frames received while the host was away, both at
	// startup and after a link reopen.
	if now.Sub(g.started) < startupGrace || now.Before(grace) {
		g.dropped("startup_grace")
		return
	}

	if g.isDuplicate(pkt, sender, text, now) {
		g.dropped("duplicate")
		return
	}

	if g.metrics != nil {
		g.metrics.PacketsReceived.Inc()
	}
	g.dispatch(sender, text, now)
}

// canonSender canonicalizes the sender to "!hhhhhhhh".
func (g *Gateway) canonSender(pkt mesh.Packet) string {
	if id, ok := mesh.CanonID(pkt.FromID); ok {
		return id
	}
	return mesh.FormatID(pkt.From)
}

// extractText pulls the command text out of a packet: the decoded text
// field first, the raw payload as UTF-8 second.
func extractText(pkt mesh.Packet) string {
	if pkt.Text != "" {
		return pkt.Text
	}
	if len(pkt.Payload) > 0 {
		return strings.ToValidUTF8(string(pkt.Payload), "�")
	}
	return ""
}

// isDuplicate suppresses redelivery across the dual receive paths: a
// bounded FIFO of packet discriminators plus a short-lived (sender, text)
// fingerprint for transports that re-number the duplicate.
func (g *Gateway) isDuplicate(pkt mesh.Packet, sender, text string, now time.Time) bool {
	disc := packetDiscriminator(pkt)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seen.Contains(disc) {
		return true
	}
	g.seen.Add(disc)

	fp := sender + "\x00" + text
	for k, exp := range g.fprints {
		if now.After(exp) {
			delete(g.fprints, k)
		}
	}
	if exp, ok := g.fprints[fp]; ok && now.Before(exp) {
		return true
	}
	g.fprints[fp] = now.Add(fingerprintTTL)
	return false
}

func packetDiscriminator(pkt mesh.Packet) uint64 {
	if pkt.ID != 0 {
		return uint64(pkt.ID)
	}
	return uint64(pkt.From)<<32 | uint64(pkt.RxTime)
}

// ---- rate limiting and authorization ------------------------------------

// rateLimited reports whether a non-bypass command from sender arrives
// inside the cooldown window. Accepted commands stamp the window.
func (g *Gateway) rateLimited(sender string, now time.Time) bool {
	if g.cfg.Board.RateSec <= 0 {
		return false
	}
	window := time.Duration(g.cfg.Board.RateSec) * time.Second

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastCmd[sender]; ok && now.Sub(last) < window {
		return true
	}
	g.lastCmd[sender] = now
	return false
}

// isAdmin reports whether sender may run admin commands. While the admin
// set is empty every sender qualifies, so a fresh install cannot lock its
// operator out; that mode is loudly logged.
func (g *Gateway) isAdmin(sender string) bool {
	n, err := g.store.AdminCount()
	if err != nil {
		g.logger.Error("admin lookup failed", slog.String("error", err.Error()))
		return false
	}
	if n == 0 {
		g.mu.Lock()
		warned := g.bootWarn
		g.bootWarn = true
		g.mu.Unlock()
		if !warned {
			g.logger.Warn("admin set empty: treating all senders as admin, set ADMINS")
		} else {
			g.logger.Warn("bootstrap admin action accepted", slog.String("from", sender))
		}
		return true
	}
	ok, err := g.store.IsAdmin(sender)
	if err != nil {
		g.logger.Error("admin lookup failed", slog.String("error", err.Error()))
		return false
	}
	return ok
}

// ---- outbound -----------------------------------------------------------

// reply pages lines and transmits them to dest. Transmit errors are logged
// and swallowed; mesh delivery is best-effort.
func (g *Gateway) reply(dest, title string, lines []string) {
	for _, page := range Pages(title, lines, g.cfg.Board.MaxText) {
		g.send(dest, page)
	}
}

// replyText is reply for a single preformatted message.
func (g *Gateway) replyText(dest, text string) {
	g.reply(dest, "", strings.Split(text, "\n"))
}

func (g *Gateway) send(dest, text string) {
	if err := g.link.Send(dest, text); err != nil {
		g.logger.Warn("send failed",
			slog.String("to", dest),
			slog.String("error", err.Error()))
		return
	}
	if g.metrics != nil {
		g.metrics.RepliesSent.Inc()
	}
}

func (g *Gateway) dropped(reason string) {
	if g.metrics != nil {
		g.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func (g *Gateway) countCommand(verb string) {
	if g.metrics != nil {
		g.metrics.Commands.WithLabelValues(verb).Inc()
	}
}

// LastRX returns the time of the most recently received packet.
func (g *Gateway) LastRX() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRX
}

func (g *Gateway) resetLastRX(t time.Time) {
	g.mu.Lock()
	g.lastRX = t
	g.mu.Unlock()
}

// armGrace restarts the replay-suppression window after a link reopen.
func (g *Gateway) armGrace(t time.Time) {
	g.mu.Lock()
	g.graceUntil = t.Add(startupGrace)
	g.mu.Unlock()
}

// boardName returns the display name, preferring the store override set by
// "name set" over the configured default.
func (g *Gateway) boardName() string {
	if v, ok, err := g.store.GetKV("name"); err == nil && ok && v != "" {
		return v
	}
	return g.cfg.Board.Name
}

// ---- dedup FIFO ---------------------------------------------------------

// dedupFIFO is a bounded set with FIFO eviction.
type dedupFIFO struct {
	cap   int
	order []uint64
	set   map[uint64]struct{}
}

func newDedupFIFO(capacity int) *dedupFIFO {
	return &dedupFIFO{
		cap: capacity,
		set: make(map[uint64]struct{}, capacity),
	}
}

func (f *dedupFIFO) Contains(v uint64) bool {
	_, ok := f.set[v]
	return ok
}

func (f *dedupFIFO) Add(v uint64) {
	if _, ok := f.set[v]; ok {
		return
	}
	if len(f.order) >= f.cap {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.set, oldest)
	}
	f.order = append(f.order, v)
	f.set[v] = struct{}{}
}
