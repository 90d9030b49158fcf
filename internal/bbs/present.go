package bbs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/meshlink/meshmini/internal/mesh"
	"github.com/meshlink/meshmini/internal/store"
)

// ---- time formatting ----------------------------------------------------

// fmtAgo renders an elapsed duration the way radio operators read it:
// seconds up to 90s, minutes up to 90m, then h/m and d/h pairs.
func fmtAgo(d time.Duration) string {
	s := int(d.Seconds())
	if s < 0 {
		s = 0
	}
	switch {
	case s < 90:
		return fmt.Sprintf("%ds", s)
	case s < 90*60:
		return fmt.Sprintf("%dm", s/60)
	case s < 48*3600:
		return fmt.Sprintf("%dh%02dm", s/3600, (s/60)%60)
	default:
		return fmt.Sprintf("%dd%02dh", s/86400, (s/3600)%24)
	}
}

// stamp renders an epoch timestamp as "mm-dd HH:MM" in the board's zone.
func (g *Gateway) stamp(ts int64) string {
	return time.Unix(ts, 0).In(g.loc).Format("01-02 15:04")
}

// ---- node directory helpers ---------------------------------------------

// resolveShort finds directory entries whose short name matches q, widening
// from exact match to prefix to substring. Matching is case-insensitive.
// A "!id" query matches by node id instead.
func (g *Gateway) resolveShort(q string) []mesh.NodeEntry {
	if id, ok := mesh.CanonID(q); ok && strings.HasPrefix(q, "!") {
		for _, n := range g.link.Nodes() {
			if n.ID == id {
				return []mesh.NodeEntry{n}
			}
		}
		return nil
	}

	ql := strings.ToLower(q)
	var exact, prefix, sub, long []mesh.NodeEntry
	for _, n := range g.link.Nodes() {
		sn := strings.ToLower(n.ShortName)
		switch {
		case sn == ql:
			exact = append(exact, n)
		case sn != "" && strings.HasPrefix(sn, ql):
			prefix = append(prefix, n)
		case sn != "" && strings.Contains(sn, ql):
			sub = append(sub, n)
		case strings.Contains(strings.ToLower(n.LongName), ql):
			long = append(long, n)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	if len(prefix) > 0 {
		return prefix
	}
	if len(sub) > 0 {
		return sub
	}
	return long
}

// namesFor returns the short and long names the directory knows for id.
func (g *Gateway) namesFor(id string) (short, long string) {
	for _, n := range g.link.Nodes() {
		if n.ID == id {
			return n.ShortName, n.LongName
		}
	}
	return "", ""
}

// nodeLabel renders "SHORT (!id)" or just the id when unnamed.
func nodeLabel(n mesh.NodeEntry) string {
	if n.ShortName != "" {
		return fmt.Sprintf("%s (%s)", n.ShortName, n.ID)
	}
	return n.ID
}

// ---- command presentation -----------------------------------------------

func (g *Gateway) postLine(p store.Post) string {
	return fmt.Sprintf("#%d %s %s: %s", p.ID, g.stamp(p.TS), p.Author, p.Body)
}

// postListLine is postLine with the body truncated for the "r" listing.
func (g *Gateway) postListLine(p store.Post) string {
	body := p.Body
	if len(body) > listBodyLen {
		cut := listBodyLen
		for cut > 0 && !isRuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "…"
	}
	return fmt.Sprintf("#%d %s %s: %s", p.ID, g.stamp(p.TS), p.Author, body)
}

func (g *Gateway) statusText() string {
	long, short := "?", "?"
	if self, ok := g.link.Self(); ok {
		if self.LongName != "" {
			long = self.LongName
		}
		if self.ShortName != "" {
			short = self.ShortName
		}
	}
	up := g.now().Sub(g.started)
	return fmt.Sprintf("%s / %s / up %dh%02dm",
		long, short, int(up.Hours()), int(up.Minutes())%60)
}

func (g *Gateway) whoamiText(sender string) string {
	short, long := g.namesFor(sender)
	switch {
	case short == "" && long == "":
		return fmt.Sprintf("you are %s (no names known)", sender)
	case long == "":
		return fmt.Sprintf("you are %s short=%s", sender, short)
	default:
		return fmt.Sprintf("you are %s short=%s long=%s", sender, short, long)
	}
}

func (g *Gateway) whoisText(q string) string {
	matches := g.resolveShort(q)
	if len(matches) == 0 {
		return fmt.Sprintf("no node matching '%s'", q)
	}
	if len(matches) > 1 {
		labels := make([]string, 0, len(matches))
		for i, m := range matches {
			if i == 5 {
				labels = append(labels, fmt.Sprintf("+%d more", len(matches)-i))
				break
			}
			labels = append(labels, nodeLabel(m))
		}
		return "ambiguous: " + strings.Join(labels, ", ")
	}
	n := matches[0]
	long := n.LongName
	if long == "" {
		long = "(no long name)"
	}
	ago := "unknown"
	if n.LastHeard > 0 {
		ago = fmtAgo(g.now().Sub(time.Unix(n.LastHeard, 0)))
	}
	return fmt.Sprintf("%s - %s\nlast seen: %s", nodeLabel(n), long, ago)
}

func (g *Gateway) lastseenText(q string) string {
	matches := g.resolveShort(q)
	if len(matches) == 0 {
		return fmt.Sprintf("no node matching '%s'", q)
	}
	n := matches[0]
	if n.LastHeard == 0 {
		return nodeLabel(n) + ": last-seen unknown"
	}
	return nodeLabel(n) + ": " + fmtAgo(g.now().Sub(time.Unix(n.LastHeard, 0)))
}

// nodesLines lists the directory sorted by short name ascending, unnamed
// entries last.
func (g *Gateway) nodesLines() []string {
	nodes := g.link.Nodes()
	if len(nodes) == 0 {
		return []string{"(no nodes)"}
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, b := strings.ToLower(nodes[i].ShortName), strings.ToLower(nodes[j].ShortName)
		if (a == "") != (b == "") {
			return a != ""
		}
		if a != b {
			return a < b
		}
		return nodes[i].ID < nodes[j].ID
	})

	now := g.now()
	lines := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ago := "?"
		if n.LastHeard > 0 {
			ago = fmtAgo(now.Sub(time.Unix(n.LastHeard, 0)))
		}
		short := n.ShortName
		if short == "" {
			short = "----"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", short, n.ID, ago))
	}
	return lines
}

// ---- notice -------------------------------------------------------------

// notice returns the current notice text and its update timestamp, or
// ok=false when unset or expired.
func (g *Gateway) notice() (text string, ts int64, ok bool) {
	text, ok, err := g.store.GetKV("notice")
	if err != nil || !ok || text == "" {
		return "", 0, false
	}
	if raw, has, err := g.store.GetKV("notice_expires_ts"); err == nil && has {
		if exp, perr := strconv.ParseInt(raw, 10, 64); perr == nil && exp > 0 && g.now().Unix() >= exp {
			return "", 0, false
		}
	}
	if raw, has, err := g.store.GetKV("notice_ts"); err == nil && has {
		ts, _ = strconv.ParseInt(raw, 10, 64)
	}
	return text, ts, true
}

// sendNotice pages the notice to dest if one is set. Reports whether
// anything was sent.
func (g *Gateway) sendNotice(dest string) bool {
	text, ts, ok := g.notice()
	if !ok {
		return false
	}
	title := "[Notice]"
	if ts > 0 {
		title = "[Notice " + g.stamp(ts) + "]"
	}
	g.reply(dest, title, strings.Split(text, "\n"))
	return true
}

// ---- health -------------------------------------------------------------

func (g *Gateway) healthText(full bool) string {
	now := g.now()
	posts := "?"
	if ids, err := g.store.RecentPostIDs(1); err == nil {
		if len(ids) == 0 {
			posts = "0"
		} else {
			posts = strconv.FormatInt(ids[0], 10)
		}
	}
	dmq := 0
	if rows, err := g.store.AllPendingDMs(1000); err == nil {
		dmq = len(rows)
	}
	peers := 0
	if rows, err := g.store.Peers(); err == nil {
		peers = len(rows)
	}

	head := fmt.Sprintf("%s up %s posts=%s dmq=%d peers=%d lastrx=%s",
		g.boardName(), fmtAgo(now.Sub(g.started)), posts, dmq, peers,
		fmtAgo(now.Sub(g.LastRX())))
	if !full {
		return head
	}

	syncState := "off"
	if g.syncOn.Load() {
		syncState = "on"
	}
	admins := 0
	if n, err := g.store.AdminCount(); err == nil {
		admins = n
	}
	self := "?"
	if s, ok := g.link.Self(); ok {
		self = s.ID
	}
	return head + fmt.Sprintf("\nself=%s sync=%s admins=%d device=%s",
		self, syncState, admins, g.cfg.Link.Device)
}
