package mesh_test

import (
	"testing"

	"github.com/meshlink/meshmini/internal/mesh"
)

func TestFormatID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		num  uint32
		want string
	}{
		{0, "!00000000"},
		{0xdeadbeef, "!deadbeef"},
		{0x1, "!00000001"},
		{0xffffffff, "!ffffffff"},
		{0x0a0b0c0d, "!0a0b0c0d"},
	}

	for _, tc := range cases {
		if got := mesh.FormatID(tc.num); got != tc.want {
			t.Errorf("FormatID(%#x) = %q, want %q", tc.num, got, tc.want)
		}
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		want   uint32
		wantOK bool
	}{
		{"!deadbeef", 0xdeadbeef, true},
		{"deadbeef", 0xdeadbeef, true},
		{"!DEADBEEF", 0xdeadbeef, true},
		{" !00000001 ", 1, true},
		{"!0", 0, true},
		{"", 0, false},
		{"!", 0, false},
		{"!deadbeef0", 0, false}, // 9 hex digits
		{"!nothexxx", 0, false},
		{"^all", 0, false},
	}

	for _, tc := range cases {
		got, ok := mesh.ParseID(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("ParseID(%q) = (%#x, %v), want (%#x, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestCanonIDShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     any
		want   string
		wantOK bool
	}{
		{uint32(0xdeadbeef), "!deadbeef", true},
		{int(0xdeadbeef), "!deadbeef", true},
		{int64(0x1deadbeef), "!deadbeef", true}, // masked to 32 bits
		{uint64(0xcafe), "!0000cafe", true},
		{"deadbeef", "!deadbeef", true},
		{"!deadbeef", "!deadbeef", true},
		{"!DeadBeef", "!deadbeef", true},
		{"bogus", "", false},
		{3.14, "", false},
		{nil, "", false},
	}

	for _, tc := range cases {
		got, ok := mesh.CanonID(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("CanonID(%v) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

// Canonicalization must round-trip: canon(parse(canon(n))) == canon(n).
func TestCanonRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []uint32{0, 1, 0xdeadbeef, 0xffffffff, 0x12345678} {
		id := mesh.FormatID(n)
		back, ok := mesh.ParseID(id)
		if !ok || back != n {
			t.Fatalf("ParseID(FormatID(%#x)) = (%#x, %v)", n, back, ok)
		}
		again, ok := mesh.CanonID(id)
		if !ok || again != id {
			t.Fatalf("CanonID(%q) = (%q, %v), want identity", id, again, ok)
		}
	}
}

func TestValidID(t *testing.T) {
	t.Parallel()

	valid := []string{"!deadbeef", "!00000000", "!ffffffff"}
	invalid := []string{"deadbeef", "!DEADBEEF", "!deadbee", "!deadbeef0", "", "!deadbeeg"}

	for _, s := range valid {
		if !mesh.ValidID(s) {
			t.Errorf("ValidID(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if mesh.ValidID(s) {
			t.Errorf("ValidID(%q) = true, want false", s)
		}
	}
}
