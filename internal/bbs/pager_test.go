package bbs

import (
	"fmt"
	"strings"
	"testing"
)

func TestPagesSingleFrameHasNoPrefix(t *testing.T) {
	t.Parallel()

	pages := Pages("", []string{"one", "two"}, 140)
	if len(pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(pages))
	}
	if strings.HasPrefix(pages[0], "(") {
		t.Errorf("single page %q carries a prefix", pages[0])
	}
	if pages[0] != "one\ntwo" {
		t.Errorf("page = %q", pages[0])
	}
}

func TestPagesSplitAndPrefix(t *testing.T) {
	t.Parallel()

	var lines []string
	for i := range 12 {
		lines = append(lines, fmt.Sprintf("line number %02d with padding", i))
	}
	mtu := 60
	pages := Pages("", lines, mtu)
	if len(pages) < 2 {
		t.Fatalf("pages = %d, want several", len(pages))
	}
	for i, p := range pages {
		if len(p) > mtu {
			t.Errorf("page %d length %d > %d: %q", i, len(p), mtu, p)
		}
		wantPrefix := fmt.Sprintf("(%d/%d) ", i+1, len(pages))
		if !strings.HasPrefix(p, wantPrefix) {
			t.Errorf("page %d = %q, want prefix %q", i, p, wantPrefix)
		}
	}
}

func TestPagesReconstructInput(t *testing.T) {
	t.Parallel()

	lines := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	pages := Pages("", lines, 20)

	var got []string
	for i, p := range pages {
		body := p
		if len(pages) > 1 {
			prefix := fmt.Sprintf("(%d/%d) ", i+1, len(pages))
			body = strings.TrimPrefix(p, prefix)
		}
		got = append(got, strings.Split(body, "\n")...)
	}
	if strings.Join(got, "|") != strings.Join(lines, "|") {
		t.Errorf("reassembled %v, want %v", got, lines)
	}
}

func TestPagesRepeatTitle(t *testing.T) {
	t.Parallel()

	lines := []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc", "dddddddddd"}
	pages := Pages("list:", lines, 30)
	if len(pages) < 2 {
		t.Fatalf("pages = %d, want several", len(pages))
	}
	for i, p := range pages {
		if !strings.Contains(p, "list:") {
			t.Errorf("page %d %q lost its title", i, p)
		}
	}
}

func TestPagesHardWrapsOverlongLine(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 100)
	pages := Pages("", []string{long}, 40)
	var total int
	for i, p := range pages {
		if len(p) > 40 {
			t.Errorf("page %d length %d > 40", i, len(p))
		}
		body := p
		if len(pages) > 1 {
			if _, rest, ok := strings.Cut(p, ") "); ok {
				body = rest
			}
		}
		total += len(strings.ReplaceAll(body, "\n", ""))
	}
	if total != 100 {
		t.Errorf("wrapped bytes = %d, want 100", total)
	}
}

func TestPagesTitledOverlongLineFitsMTU(t *testing.T) {
	t.Parallel()

	title := "[Notice 01-02 03:04]"
	mtu := 140
	pages := Pages(title, []string{strings.Repeat("x", 200)}, mtu)
	if len(pages) < 2 {
		t.Fatalf("pages = %d, want several", len(pages))
	}
	var total int
	for i, p := range pages {
		if len(p) > mtu {
			t.Errorf("page %d length %d > %d: %q", i, len(p), mtu, p)
		}
		if !strings.Contains(p, title) {
			t.Errorf("page %d %q lost its title", i, p)
		}
		body := p
		if _, rest, ok := strings.Cut(p, ") "); ok {
			body = rest
		}
		body = strings.TrimPrefix(body, title+"\n")
		total += len(strings.ReplaceAll(body, "\n", ""))
	}
	if total != 200 {
		t.Errorf("wrapped bytes = %d, want 200", total)
	}
}

func TestPagesWidePrefixStillFitsMTU(t *testing.T) {
	t.Parallel()

	var lines []string
	for range 120 {
		lines = append(lines, strings.Repeat("a", 8))
	}
	mtu := 24
	pages := Pages("", lines, mtu)
	if len(pages) < 100 {
		t.Fatalf("pages = %d, want a three-digit count", len(pages))
	}
	for i, p := range pages {
		if len(p) > mtu {
			t.Errorf("page %d length %d > %d: %q", i, len(p), mtu, p)
		}
	}
}

func TestPagesUTF8SafeWrap(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 60) // 2 bytes each
	for _, p := range Pages("", []string{long}, 25) {
		body := p
		if _, rest, ok := strings.Cut(p, ") "); ok {
			body = rest
		}
		for _, line := range strings.Split(body, "\n") {
			if !utf8Valid(line) {
				t.Fatalf("page line %q split inside a rune", line)
			}
		}
	}
}

func utf8Valid(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}
