package bbs

import "strings"

// Menu items in display order. The removal order below is a deployment
// contract: operators shrinking MAX_TEXT get predictable menus.
var menuItems = []string{
	"r list",
	"r <id>",
	"p <text>",
	"reply <id> <text>",
	"info",
	"status",
	"whoami",
	"nodes",
	"whois <short>",
	"dm <short> <text>",
	"??",
}

// menuRemovalOrder lists items dropped first when the menu exceeds the MTU,
// least essential first.
var menuRemovalOrder = []string{
	"dm <short> <text>",
	"whois <short>",
	"nodes",
	"whoami",
	"status",
	"info",
	"reply <id> <text>",
	"p <text>",
	"r <id>",
}

// MenuText builds the single-frame menu for the given board name, shrunk
// until it fits in mtu bytes.
func MenuText(name string, mtu int) string {
	items := make([]string, len(menuItems))
	copy(items, menuItems)

	render := func() string {
		return "[" + name + "] " + strings.Join(items, " | ")
	}

	if m := render(); len(m) <= mtu {
		return m
	}
	for _, drop := range menuRemovalOrder {
		for i, item := range items {
			if item == drop {
				items = append(items[:i], items[i+1:]...)
				break
			}
		}
		if m := render(); len(m) <= mtu {
			return m
		}
	}

	if m := "[" + name + "] r list | p | r <id> | ??"; len(m) <= mtu {
		return m
	}
	return "[BBS] r|p|r#|??"
}
