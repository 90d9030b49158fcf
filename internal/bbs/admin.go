package bbs

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meshlink/meshmini/internal/mesh"
)

// adminRoute handles the operator command families. health may be public;
// everything else requires the admin predicate.
func (g *Gateway) adminRoute(sender, verb, rest string, now time.Time) {
	if verb == "health" {
		if !g.cfg.Board.HealthPublic && !g.isAdmin(sender) {
			g.replyText(sender, "admin only")
			return
		}
		full := strings.EqualFold(strings.TrimSpace(rest), "full")
		g.replyText(sender, g.healthText(full))
		return
	}

	if !g.isAdmin(sender) {
		g.replyText(sender, "admin only")
		return
	}

	sub, arg := cutToken(rest)
	sub = strings.ToLower(sub)

	switch verb {
	case "admins":
		g.idSetCommand(sender, sub, arg, "admins",
			g.store.AddAdmin, g.store.RemoveAdmin, g.store.Admins)

	case "bl":
		g.idSetCommand(sender, sub, arg, "blacklist",
			g.store.AddBlacklist, g.store.RemoveBlacklist, g.store.Blacklist)

	case "peer":
		g.peerCommand(sender, sub, arg)

	case "sync":
		g.syncCommand(sender, sub, now)

	case "name":
		if sub != "set" || arg == "" {
			g.replyText(sender, "usage: name set <text>")
			return
		}
		if err := g.store.SetKV("name", arg); err != nil {
			g.logger.Error("name update failed", slog.String("error", err.Error()))
			g.replyText(sender, "store error, try again")
			return
		}
		g.replyText(sender, "name set: "+arg)
	}
}

// idSetCommand implements the shared add|del|list grammar over a node-id
// set. Mutations are idempotent.
func (g *Gateway) idSetCommand(sender, sub, arg, what string,
	add, del func(string) error, list func() ([]string, error)) {

	switch sub {
	case "add", "del":
		id, ok := mesh.CanonID(arg)
		if !ok {
			g.replyText(sender, fmt.Sprintf("usage: %s %s !nodeid", what, sub))
			return
		}
		op := add
		if sub == "del" {
			op = del
		}
		if err := op(id); err != nil {
			g.logger.Error("id set mutation failed",
				slog.String("set", what), slog.String("error", err.Error()))
			g.replyText(sender, "store error, try again")
			return
		}
		g.replyText(sender, fmt.Sprintf("%s %s: %s", what, sub, id))

	case "list":
		ids, err := list()
		if err != nil {
			g.logger.Error("id set list failed",
				slog.String("set", what), slog.String("error", err.Error()))
			return
		}
		if len(ids) == 0 {
			g.replyText(sender, what+": (empty)")
			return
		}
		g.replyText(sender, what+": "+strings.Join(ids, " "))

	default:
		g.replyText(sender, fmt.Sprintf("usage: %s add|del|list", what))
	}
}

func (g *Gateway) peerCommand(sender, sub, arg string) {
	switch sub {
	case "add", "del":
		id, ok := mesh.CanonID(arg)
		if !ok {
			g.replyText(sender, "usage: peer add|del !nodeid")
			return
		}
		op := g.store.AddPeer
		if sub == "del" {
			op = g.store.RemovePeer
		}
		if err := op(id); err != nil {
			g.logger.Error("peer mutation failed", slog.String("error", err.Error()))
			g.replyText(sender, "store error, try again")
			return
		}
		g.replyText(sender, fmt.Sprintf("peer %s: %s", sub, id))

	case "list":
		peers, err := g.store.Peers()
		if err != nil {
			g.logger.Error("peer list failed", slog.String("error", err.Error()))
			return
		}
		if len(peers) == 0 {
			g.replyText(sender, "peers: (empty)")
			return
		}
		lines := make([]string, 0, len(peers))
		now := g.now()
		for _, p := range peers {
			seen := "never"
			if p.LastSeen > 0 {
				seen = fmtAgo(now.Sub(time.Unix(p.LastSeen, 0)))
			}
			lines = append(lines, fmt.Sprintf("%s %s", p.ID, seen))
		}
		g.reply(sender, "peers:", lines)

	default:
		g.replyText(sender, "usage: peer add|del|list")
	}
}

func (g *Gateway) syncCommand(sender, sub string, now time.Time) {
	switch sub {
	case "now":
		g.broadcastInventory(now)
		g.replyText(sender, "sync inventory sent")
	case "on":
		g.syncOn.Store(true)
		g.replyText(sender, "sync on")
	case "off":
		g.syncOn.Store(false)
		g.replyText(sender, "sync off")
	default:
		g.replyText(sender, "usage: sync now|on|off")
	}
}
