package bbs

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// dmFlushCap bounds deliveries per sighting so a returning node does not
// trigger a burst beyond the duty cycle.
const dmFlushCap = 3

// bodyPreviewLen truncates DM bodies in listings.
const bodyPreviewLen = 40

// cmdDM handles both the user form ("dm <short> <text>") and the operator
// forms ("dm list|flush|purge").
func (g *Gateway) cmdDM(sender, rest string, now time.Time) {
	first, arg := cutToken(rest)
	switch sub := strings.ToLower(first); sub {
	case "list", "flush", "purge":
		if !g.isAdmin(sender) {
			g.replyText(sender, "admin only")
			return
		}
		g.dmAdmin(sender, sub, arg, now)
		return
	}

	short, body := cutToken(rest)
	if body == "" {
		g.replyText(sender, "usage: dm <short> <text>")
		return
	}

	matches := g.resolveShort(short)
	if len(matches) == 0 {
		g.replyText(sender, fmt.Sprintf("no node with short '%s'", short))
		return
	}
	target := matches[0]

	if _, err := g.store.EnqueueDM(target.ID, sender, body, now.Unix()); err != nil {
		g.logger.Error("dm enqueue failed", slog.String("error", err.Error()))
		g.replyText(sender, "store error, try again")
		return
	}
	if g.metrics != nil {
		g.metrics.DMsQueued.Inc()
	}
	label := target.ShortName
	if label == "" {
		label = short
	}
	g.replyText(sender, fmt.Sprintf("queued dm to %s (%s)", label, target.ID))
}

// cmdOutbox lists the sender's own undelivered DMs.
func (g *Gateway) cmdOutbox(sender string) {
	rows, err := g.store.OutboxFor(sender, 10)
	if err != nil {
		g.logger.Error("outbox query failed", slog.String("error", err.Error()))
		return
	}
	if len(rows) == 0 {
		g.replyText(sender, "outbox empty")
		return
	}
	lines := make([]string, 0, len(rows))
	for _, dm := range rows {
		lines = append(lines, fmt.Sprintf("#%d -> %s: %s", dm.ID, dm.ToID, preview(dm.Body)))
	}
	g.reply(sender, "outbox:", lines)
}

// dmAdmin implements the operator queue views. flush takes an optional
// recipient query, purge an optional row id; bare forms cover the whole
// queue.
func (g *Gateway) dmAdmin(sender, sub, arg string, now time.Time) {
	switch sub {
	case "list":
		rows, err := g.store.AllPendingDMs(10)
		if err != nil {
			g.logger.Error("dm list failed", slog.String("error", err.Error()))
			return
		}
		if len(rows) == 0 {
			g.replyText(sender, "dm queue empty")
			return
		}
		lines := make([]string, 0, len(rows))
		for _, dm := range rows {
			lines = append(lines, fmt.Sprintf("#%d %s -> %s: %s",
				dm.ID, dm.FromID, dm.ToID, preview(dm.Body)))
		}
		g.reply(sender, "dm queue:", lines)

	case "flush":
		if arg != "" {
			matches := g.resolveShort(arg)
			if len(matches) == 0 {
				g.replyText(sender, fmt.Sprintf("no node matching '%s'", arg))
				return
			}
			g.flushDMs(matches[0].ID, now)
			g.replyText(sender, "dm flush attempted for "+matches[0].ID)
			return
		}
		rows, err := g.store.AllPendingDMs(1000)
		if err != nil {
			g.logger.Error("dm flush query failed", slog.String("error", err.Error()))
			return
		}
		targets := make(map[string]struct{})
		for _, dm := range rows {
			targets[dm.ToID] = struct{}{}
		}
		for to := range targets {
			g.flushDMs(to, now)
		}
		g.replyText(sender, fmt.Sprintf("dm flush attempted for %d recipients", len(targets)))

	case "purge":
		if arg != "" {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || id <= 0 {
				g.replyText(sender, "usage: dm purge [id]")
				return
			}
			if err := g.store.DeleteDM(id); err != nil {
				g.logger.Error("dm purge delete failed", slog.String("error", err.Error()))
				g.replyText(sender, "store error, try again")
				return
			}
			g.replyText(sender, fmt.Sprintf("purged dm #%d", id))
			return
		}
		rows, err := g.store.AllPendingDMs(10000)
		if err != nil {
			g.logger.Error("dm purge query failed", slog.String("error", err.Error()))
			return
		}
		for _, dm := range rows {
			if err := g.store.DeleteDM(dm.ID); err != nil {
				g.logger.Error("dm purge delete failed", slog.String("error", err.Error()))
			}
		}
		g.replyText(sender, fmt.Sprintf("purged %d queued dms", len(rows)))
	}
}

// flushDMs drains up to dmFlushCap undelivered DMs addressed to id. Called
// on every sighting, before any other dispatch step. A row is marked
// delivered only after its frame was handed to the link.
func (g *Gateway) flushDMs(id string, now time.Time) {
	rows, err := g.store.PendingDMs(id, dmFlushCap)
	if err != nil {
		g.logger.Error("dm flush query failed", slog.String("error", err.Error()))
		return
	}
	for _, dm := range rows {
		if err := g.link.Send(id, "[DM] "+dm.Body); err != nil {
			g.logger.Warn("dm delivery failed",
				slog.String("to", id), slog.String("error", err.Error()))
			return
		}
		if g.metrics != nil {
			g.metrics.RepliesSent.Inc()
			g.metrics.DMsDelivered.Inc()
		}
		if err := g.store.MarkDMDelivered(dm.ID, now.Unix()); err != nil {
			g.logger.Error("dm delivered mark failed", slog.String("error", err.Error()))
			return
		}
		g.logger.Info("dm delivered",
			slog.Int64("id", dm.ID), slog.String("to", id))
	}
}

func preview(body string) string {
	if len(body) <= bodyPreviewLen {
		return body
	}
	cut := bodyPreviewLen
	for cut > 0 && !isRuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "…"
}
