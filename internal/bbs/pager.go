package bbs

import (
	"fmt"
)

// Pages splits lines into mesh frames of at most mtu bytes. Each page
// opens with title (when non-empty) and lines are packed greedily. Pages
// carry a "(i/N) " prefix only when there is more than one. A single line
// longer than the page budget is hard-wrapped.
func Pages(title string, lines []string, mtu int) []string {
	if mtu <= 0 {
		mtu = 140
	}

	pages := packPages(title, lines, mtu)
	if len(pages) <= 1 {
		return pages
	}

	// Repack with headroom for the prefix. The reserve depends on the page
	// count and repacking can raise it, so iterate until it settles.
	reserve := prefixLen(len(pages))
	for {
		budget := mtu - reserve
		if budget < 12 {
			budget = 12
		}
		pages = packPages(title, lines, budget)
		if next := prefixLen(len(pages)); next > reserve {
			reserve = next
			continue
		}
		break
	}
	for i := range pages {
		pages[i] = fmt.Sprintf("(%d/%d) %s", i+1, len(pages), pages[i])
	}
	return pages
}

// prefixLen is the byte length of the "(i/N) " prefix on an n-page reply.
func prefixLen(n int) int {
	return len(fmt.Sprintf("(%d/%d) ", n, n))
}

func packPages(title string, lines []string, budget int) []string {
	// Every page repeats the title, so wrapped parts must leave room for
	// it and the joining newline.
	lineRoom := budget
	if title != "" {
		lineRoom = budget - len(title) - 1
		if lineRoom < 1 {
			lineRoom = 1
		}
	}

	var pages []string
	cur := title
	hasBody := false

	for _, line := range lines {
		if line == "" {
			continue
		}
		for _, part := range hardWrap(line, lineRoom) {
			need := len(cur) + len(part)
			if cur != "" {
				need++ // joining newline
			}
			if need > budget && hasBody {
				pages = append(pages, cur)
				cur = title
				hasBody = false
			}
			if cur != "" {
				cur += "\n"
			}
			cur += part
			hasBody = true
		}
	}
	if hasBody || (len(pages) == 0 && cur != "") {
		pages = append(pages, cur)
	}
	return pages
}

// hardWrap splits a single overlong line at byte boundaries, avoiding cuts
// inside a UTF-8 sequence.
func hardWrap(line string, budget int) []string {
	if budget <= 0 || len(line) <= budget {
		return []string{line}
	}
	var out []string
	for len(line) > budget {
		cut := budget
		for cut > 0 && !isRuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = budget
		}
		out = append(out, line[:cut])
		line = line[cut:]
	}
	if line != "" {
		out = append(out, line)
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xc0 != 0x80 }
