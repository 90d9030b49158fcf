package bbs

import (
	"strings"
	"testing"
)

func TestMenuFitsEveryMTU(t *testing.T) {
	t.Parallel()

	for mtu := 12; mtu <= 240; mtu++ {
		m := MenuText("MeshLink BBS", mtu)
		if m == "[BBS] r|p|r#|??" {
			continue // terminal fallback, exempt from the bound
		}
		if len(m) > mtu {
			t.Errorf("MenuText(mtu=%d) length %d: %q", mtu, len(m), m)
		}
	}
}

func TestMenuFullWhenRoomy(t *testing.T) {
	t.Parallel()

	m := MenuText("MeshLink BBS", 240)
	if !strings.HasPrefix(m, "[MeshLink BBS] ") {
		t.Errorf("menu %q lacks name prefix", m)
	}
	for _, item := range []string{"r list", "dm <short> <text>", "whois <short>", "??"} {
		if !strings.Contains(m, item) {
			t.Errorf("menu %q missing %q", m, item)
		}
	}
}

func TestMenuRemovalOrder(t *testing.T) {
	t.Parallel()

	full := MenuText("MeshLink BBS", 240)
	// Shrink just enough to force drops; the first casualty must be dm,
	// then whois, while "r list" survives to the end.
	m := MenuText("MeshLink BBS", len(full)-1)
	if strings.Contains(m, "dm <short>") {
		t.Errorf("menu %q still lists dm after first shrink", m)
	}
	if !strings.Contains(m, "whois") && strings.Contains(m, "nodes") {
		t.Errorf("menu %q dropped whois before nodes", m)
	}
	if !strings.Contains(m, "r list") {
		t.Errorf("menu %q dropped r list", m)
	}
}

func TestMenuTinyFallback(t *testing.T) {
	t.Parallel()

	if m := MenuText("MeshLink BBS", 12); m != "[BBS] r|p|r#|??" {
		t.Errorf("MenuText(12) = %q", m)
	}

	// With room for it, the named fallback is preferred.
	name := "X"
	m := MenuText(name, 30)
	if m != "[X] r list | p | r <id> | ??" {
		// A shrunk item list that fits is also acceptable as long as it
		// is within budget.
		if len(m) > 30 {
			t.Errorf("MenuText(30) = %q exceeds budget", m)
		}
	}
}
