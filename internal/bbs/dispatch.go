package bbs

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// syncSentinel marks peer replication frames on the text channel.
const syncSentinel = "#SYNC"

// recentWindow is how many posts "r" lists.
const recentWindow = 10

// listBodyLen truncates post bodies in the "r" listing; "r <id>" shows the
// full body.
const listBodyLen = 60

// dispatch routes one inbound text through the fixed check order: DM
// flush, sync sentinel, blacklist, bypass, rate limit, then the command
// table.
func (g *Gateway) dispatch(sender, text string, now time.Time) {
	// Queued DMs drain before anything else so a sender recovering from
	// an outage gets its mail even if it is about to be dropped below.
	g.flushDMs(sender, now)

	// Sync frames keep their raw tail: PART chunks are verbatim body
	// bytes and may end in whitespace.
	leftTrimmed := strings.TrimLeft(text, " \t\r\n")
	if strings.HasPrefix(leftTrimmed, syncSentinel) {
		g.handleSync(sender, leftTrimmed, now)
		return
	}
	trimmed := strings.TrimSpace(text)

	blacklisted, err := g.store.IsBlacklisted(sender)
	if err != nil {
		g.logger.Error("blacklist lookup failed", slog.String("error", err.Error()))
		return
	}
	if blacklisted {
		g.dropped("blacklist")
		return
	}

	if trimmed == "" {
		return
	}
	verb := strings.ToLower(firstToken(trimmed))

	if !isBypass(verb) && g.rateLimited(sender, now) {
		g.dropped("rate_limited")
		return
	}

	g.route(sender, verb, restOf(trimmed), now)
}

// firstToken returns the command keyword of a trimmed line.
func firstToken(trimmed string) string {
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// restOf strips the command keyword and the whitespace after it. Internal
// whitespace of the remainder stays untouched: it may be body text.
func restOf(trimmed string) string {
	i := strings.IndexAny(trimmed, " \t")
	if i < 0 {
		return ""
	}
	return strings.TrimLeft(trimmed[i:], " \t")
}

// cutToken splits one leading token off rest, dropping the separator run
// but no other whitespace.
func cutToken(rest string) (token, tail string) {
	i := strings.IndexAny(rest, " \t")
	if i < 0 {
		return rest, ""
	}
	return rest[:i], strings.TrimLeft(rest[i:], " \t")
}

// isBypass reports whether the command escapes rate limiting. Discovery
// and notice reads must always succeed.
func isBypass(verb string) bool {
	switch verb {
	case "?", "??", "h", "help", "menu":
		return true
	}
	return strings.HasPrefix(verb, "info")
}

// route invokes the handler for the command keyword.
func (g *Gateway) route(sender, verb, rest string, now time.Time) {
	switch verb {
	case "?", "h", "help", "menu":
		g.countCommand("menu")
		g.sendNotice(sender)
		g.send(sender, MenuText(g.boardName(), g.cfg.Board.MaxText))

	case "??":
		g.countCommand("help")
		g.reply(sender, "", helpLines())

	case "r", "read":
		g.countCommand("read")
		g.cmdRead(sender, rest)

	case "p", "post":
		g.countCommand("post")
		g.cmdPost(sender, rest, now)

	case "reply":
		g.countCommand("reply")
		g.cmdReply(sender, rest, now)

	case "info":
		g.countCommand("info")
		g.cmdInfo(sender, rest, now)

	case "status", "s":
		g.countCommand("status")
		g.replyText(sender, g.statusText())

	case "whoami":
		g.countCommand("whoami")
		g.replyText(sender, g.whoamiText(sender))

	case "whois":
		g.countCommand("whois")
		if rest == "" {
			g.replyText(sender, "usage: whois <short>")
			return
		}
		g.replyText(sender, g.whoisText(rest))

	case "lastseen":
		g.countCommand("lastseen")
		if rest == "" {
			g.replyText(sender, "usage: lastseen <short>")
			return
		}
		g.replyText(sender, g.lastseenText(rest))

	case "nodes":
		g.countCommand("nodes")
		g.reply(sender, "", g.nodesLines())

	case "dm", "msg":
		g.countCommand("dm")
		g.cmdDM(sender, rest, now)

	case "outbox":
		g.countCommand("outbox")
		g.cmdOutbox(sender)

	case "admins", "bl", "peer", "sync", "name", "health":
		g.countCommand(verb)
		g.adminRoute(sender, verb, rest, now)

	default:
		g.countCommand("unknown")
		if g.cfg.Board.UnknownReply {
			g.replyText(sender, "unknown. send ? for menu")
		}
	}
}

func helpLines() []string {
	return []string{
		"r            last posts",
		"r <id>       post + replies",
		"p <text>     new post",
		"reply <id> <text>",
		"dm <short> <text>  queue DM",
		"outbox       your queued DMs",
		"whois <q>    node lookup",
		"lastseen <q> time since heard",
		"nodes        node list",
		"info         notice | status | whoami",
		"?  menu      ?? this help",
	}
}

// ---- user commands ------------------------------------------------------

func (g *Gateway) cmdRead(sender, rest string) {
	if rest == "" {
		posts, err := g.store.RecentPosts(recentWindow)
		if err != nil {
			g.logger.Error("read posts failed", slog.String("error", err.Error()))
			return
		}
		if len(posts) == 0 {
			g.replyText(sender, "no posts yet. p <text> to start")
			return
		}
		lines := make([]string, 0, len(posts))
		for _, p := range posts {
			lines = append(lines, g.postListLine(p))
		}
		g.reply(sender, "", lines)
		return
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		g.replyText(sender, "usage: r [id]")
		return
	}
	post, err := g.store.GetPost(id)
	if err != nil {
		g.replyText(sender, fmt.Sprintf("no post #%d", id))
		return
	}
	lines := []string{
		fmt.Sprintf("#%d %s %s:", post.ID, g.stamp(post.TS), post.Author),
		post.Body,
	}
	replies, err := g.store.Replies(id)
	if err != nil {
		g.logger.Error("read replies failed", slog.String("error", err.Error()))
	}
	for _, r := range replies {
		lines = append(lines, "↳ "+g.postLine(r))
	}
	g.reply(sender, "", lines)
}

func (g *Gateway) cmdPost(sender, body string, now time.Time) {
	if body == "" {
		g.replyText(sender, "usage: p <text>")
		return
	}
	id, err := g.store.CreatePost(now.Unix(), sender, body, 0)
	if err != nil {
		g.logger.Error("create post failed", slog.String("error", err.Error()))
		g.replyText(sender, "store error, try again")
		return
	}
	g.replyText(sender, fmt.Sprintf("posted #%d", id))
	g.pushPostToPeers(id, now)
}

func (g *Gateway) cmdReply(sender, rest string, now time.Time) {
	parentStr, body := cutToken(rest)
	if body == "" {
		g.replyText(sender, "usage: reply <id> <text>")
		return
	}
	parent, err := strconv.ParseInt(parentStr, 10, 64)
	if err != nil || parent <= 0 {
		g.replyText(sender, "usage: reply <id> <text>")
		return
	}
	exists, err := g.store.HasPost(parent)
	if err != nil {
		g.logger.Error("post lookup failed", slog.String("error", err.Error()))
		return
	}
	if !exists {
		g.replyText(sender, fmt.Sprintf("no post #%d", parent))
		return
	}
	id, err := g.store.CreatePost(now.Unix(), sender, body, parent)
	if err != nil {
		g.logger.Error("create reply failed", slog.String("error", err.Error()))
		g.replyText(sender, "store error, try again")
		return
	}
	g.replyText(sender, fmt.Sprintf("reply #%d -> #%d", id, parent))
	g.pushPostToPeers(id, now)
}

// cmdInfo handles "info" (read) and the admin "info set" forms.
func (g *Gateway) cmdInfo(sender, rest string, now time.Time) {
	if rest == "" {
		if !g.sendNotice(sender) {
			g.replyText(sender, "no notice set")
		}
		return
	}

	sub, args := cutToken(rest)
	if !strings.EqualFold(sub, "set") {
		g.replyText(sender, "usage: info | info set [hours] <text>")
		return
	}
	if !g.isAdmin(sender) {
		g.replyText(sender, "admin only")
		return
	}
	if args == "" {
		g.replyText(sender, "usage: info set [hours] <text>")
		return
	}

	// Optional leading hour count sets an expiry.
	var expires int64
	if first, remainder := cutToken(args); remainder != "" {
		if hours, err := strconv.Atoi(first); err == nil && hours > 0 {
			expires = now.Unix() + int64(hours)*3600
			args = remainder
		}
	}

	if err := g.store.SetKV("notice", args); err != nil {
		g.logger.Error("notice update failed", slog.String("error", err.Error()))
		g.replyText(sender, "store error, try again")
		return
	}
	_ = g.store.SetKV("notice_ts", strconv.FormatInt(now.Unix(), 10))
	if expires > 0 {
		_ = g.store.SetKV("notice_expires_ts", strconv.FormatInt(expires, 10))
	} else {
		_ = g.store.DeleteKV("notice_expires_ts")
	}
	g.replyText(sender, "notice updated")
}
