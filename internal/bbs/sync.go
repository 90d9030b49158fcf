package bbs

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/meshlink/meshmini/internal/store"
)

// getCapPerINV bounds how many missing posts one inventory may trigger us
// to request, so a large peer backlog cannot amplify our uplink.
const getCapPerINV = 3

// uidLen is the length of a transfer UID.
const uidLen = 10

const uidAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newUID returns a fresh transfer identifier.
func newUID() string {
	b := make([]byte, uidLen)
	for i := range b {
		b[i] = uidAlphabet[rand.IntN(len(uidAlphabet))]
	}
	return string(b)
}

// handleSync processes one "#SYNC ..." frame. Frames from senders outside
// the peer set are dropped without reply; malformed frames are dropped
// silently too.
func (g *Gateway) handleSync(sender, frame string, now time.Time) {
	isPeer, err := g.store.IsPeer(sender)
	if err != nil {
		g.logger.Error("peer lookup failed", slog.String("error", err.Error()))
		return
	}
	if !isPeer {
		g.dropped("sync_not_peer")
		return
	}
	if err := g.store.TouchPeer(sender, now.Unix()); err != nil {
		g.logger.Error("peer touch failed", slog.String("error", err.Error()))
	}

	fields := strings.Fields(frame)
	if len(fields) < 2 {
		return
	}
	verb := strings.ToUpper(fields[1])
	if g.metrics != nil {
		g.metrics.SyncFramesIn.WithLabelValues(verb).Inc()
	}

	switch verb {
	case "INV":
		g.syncInv(sender, fields[2:])
	case "GET":
		g.syncGet(sender, fields[2:], now)
	case "POST":
		g.syncPostHeader(sender, fields[2:], now)
	case "PART":
		g.syncPart(frame)
	case "END":
		g.syncEnd(sender, fields[2:], now)
	}
}

// kvTokens parses "k=v" tokens, ignoring anything without an '='. Unknown
// keys are tolerated so the frame format can grow.
func kvTokens(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if k, v, ok := strings.Cut(f, "="); ok {
			out[k] = v
		}
	}
	return out
}

// ---- receive side -------------------------------------------------------

// syncInv requests up to getCapPerINV advertised posts we do not hold.
// Advertised ids are the sender's local ids; we track which we already
// pulled purely by the transfer UIDs, so a matching local id is only a
// heuristic to skip obviously-held posts.
func (g *Gateway) syncInv(sender string, fields []string) {
	ids, ok := kvTokens(fields)["ids"]
	if !ok {
		return
	}
	requested := 0
	for _, tok := range strings.Split(ids, ",") {
		if requested >= getCapPerINV {
			break
		}
		id, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		have, err := g.store.HasPost(id)
		if err != nil {
			g.logger.Error("post lookup failed", slog.String("error", err.Error()))
			return
		}
		if have {
			continue
		}
		g.sendSync(sender, "GET", fmt.Sprintf("#SYNC GET id=%d", id))
		requested++
	}
}

// syncPostHeader opens a reassembly buffer for an announced transfer.
func (g *Gateway) syncPostHeader(sender string, fields []string, now time.Time) {
	kv := kvTokens(fields)
	uid := kv["uid"]
	if uid == "" {
		return
	}
	applied, err := g.store.IsAppliedUID(uid)
	if err != nil {
		g.logger.Error("applied lookup failed", slog.String("error", err.Error()))
		return
	}
	if applied {
		return
	}
	total, err := strconv.Atoi(kv["n"])
	if err != nil || total <= 0 {
		total = 1
	}
	if err := g.store.MarkSeenUID(uid, now.Unix()); err != nil {
		g.logger.Error("seen mark failed", slog.String("error", err.Error()))
		return
	}
	if err := g.store.CreateRxBuf(uid, total, sender, now.Unix()); err != nil {
		g.logger.Error("rxbuf create failed", slog.String("error", err.Error()))
	}
}

// syncPart appends one chunk. The chunk is everything after the index
// token, verbatim; bodies may contain spaces and '='.
func (g *Gateway) syncPart(frame string) {
	// "#SYNC PART uid=<U> <i>/<T> <chunk>"
	parts := strings.SplitN(frame, " ", 5)
	if len(parts) < 5 {
		return
	}
	uid, ok := strings.CutPrefix(parts[2], "uid=")
	if !ok || uid == "" {
		return
	}
	idxStr, totalStr, ok := strings.Cut(parts[3], "/")
	if !ok {
		return
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx <= 0 {
		return
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil || total <= 0 {
		return
	}

	// Header lost: no buffer, drop the chunk.
	if _, err := g.store.GetRxBuf(uid); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("rxbuf lookup failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := g.store.AppendRxChunk(uid, idx, total, parts[4]); err != nil {
		g.logger.Error("rx chunk append failed", slog.String("error", err.Error()))
	}
}

// syncEnd assembles and applies a completed transfer. Application is
// idempotent: an already-applied UID only clears the buffer. Applied posts
// are not pushed back out to peers.
func (g *Gateway) syncEnd(sender string, fields []string, now time.Time) {
	uid := kvTokens(fields)["uid"]
	if uid == "" {
		return
	}
	applied, err := g.store.IsAppliedUID(uid)
	if err != nil {
		g.logger.Error("applied lookup failed", slog.String("error", err.Error()))
		return
	}
	if applied {
		if err := g.store.DeleteRxBuf(uid); err != nil {
			g.logger.Error("rxbuf delete failed", slog.String("error", err.Error()))
		}
		return
	}

	body, err := g.store.AssembleRx(uid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error("rx assemble failed", slog.String("error", err.Error()))
		}
		return
	}
	if body == "" {
		_ = g.store.DeleteRxBuf(uid)
		return
	}

	id, err := g.store.CreatePost(now.Unix(), "[peer]"+sender, body, 0)
	if err != nil {
		g.logger.Error("replicated post create failed", slog.String("error", err.Error()))
		return
	}
	if err := g.store.MarkAppliedUID(uid, now.Unix()); err != nil {
		g.logger.Error("applied mark failed", slog.String("error", err.Error()))
	}
	if err := g.store.DeleteRxBuf(uid); err != nil {
		g.logger.Error("rxbuf delete failed", slog.String("error", err.Error()))
	}
	if g.metrics != nil {
		g.metrics.PostsReplicated.Inc()
	}
	g.logger.Info("post replicated",
		slog.Int64("id", id),
		slog.String("uid", uid),
		slog.String("peer", sender))
}

// ---- send side ----------------------------------------------------------

// syncGet answers a pull request with a fresh transfer of the post.
func (g *Gateway) syncGet(sender string, fields []string, now time.Time) {
	idStr, ok := kvTokens(fields)["id"]
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return
	}
	post, err := g.store.GetPost(id)
	if err != nil {
		return // unknown id, nothing to send
	}
	g.sendTransfer(sender, post)
}

// sendTransfer emits POST, PART×N, END for one post. Every transfer gets a
// new UID; receivers dedup on their side.
func (g *Gateway) sendTransfer(peer string, post store.Post) {
	uid := newUID()
	chunks := splitChunks(post.Body, g.cfg.Sync.Chunk)

	replyTo := "-"
	if post.ReplyTo != 0 {
		replyTo = strconv.FormatInt(post.ReplyTo, 10)
	}
	g.sendSync(peer, "POST", fmt.Sprintf("#SYNC POST uid=%s id=%d ts=%d by=%s r=%s n=%d",
		uid, post.ID, post.TS, post.Author, replyTo, len(chunks)))
	for i, chunk := range chunks {
		g.sendSync(peer, "PART", fmt.Sprintf("#SYNC PART uid=%s %d/%d %s",
			uid, i+1, len(chunks), chunk))
	}
	g.sendSync(peer, "END", fmt.Sprintf("#SYNC END uid=%s", uid))
}

// pushPostToPeers eagerly replicates a freshly created local post.
func (g *Gateway) pushPostToPeers(id int64, _ time.Time) {
	if !g.syncOn.Load() {
		return
	}
	peers, err := g.store.Peers()
	if err != nil {
		g.logger.Error("peer list failed", slog.String("error", err.Error()))
		return
	}
	if len(peers) == 0 {
		return
	}
	post, err := g.store.GetPost(id)
	if err != nil {
		g.logger.Error("post lookup failed", slog.String("error", err.Error()))
		return
	}
	for _, p := range peers {
		g.sendTransfer(p.ID, post)
	}
}

// broadcastInventory advertises the most recent local post ids to every
// peer, ascending.
func (g *Gateway) broadcastInventory(_ time.Time) {
	peers, err := g.store.Peers()
	if err != nil {
		g.logger.Error("peer list failed", slog.String("error", err.Error()))
		return
	}
	if len(peers) == 0 {
		return
	}
	ids, err := g.store.RecentPostIDs(g.cfg.Sync.Inv)
	if err != nil {
		g.logger.Error("inventory query failed", slog.String("error", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}

	toks := make([]string, len(ids))
	for i, id := range ids {
		toks[i] = strconv.FormatInt(id, 10)
	}
	frame := "#SYNC INV ids=" + strings.Join(toks, ",")
	for _, p := range peers {
		g.sendSync(p.ID, "INV", frame)
	}
}

// sendSync transmits one protocol frame to a peer.
func (g *Gateway) sendSync(peer, verb, frame string) {
	if err := g.link.Send(peer, frame); err != nil {
		g.logger.Warn("sync send failed",
			slog.String("peer", peer),
			slog.String("verb", verb),
			slog.String("error", err.Error()))
		return
	}
	if g.metrics != nil {
		g.metrics.SyncFramesOut.WithLabelValues(verb).Inc()
	}
}

// splitChunks slices body into pieces of at most size bytes, cutting on
// UTF-8 boundaries.
func splitChunks(body string, size int) []string {
	if size <= 0 {
		size = 160
	}
	if body == "" {
		return []string{""}
	}
	var out []string
	for len(body) > size {
		cut := size
		for cut > 0 && !isRuneStart(body[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, body[:cut])
		body = body[cut:]
	}
	return append(out, body)
}
