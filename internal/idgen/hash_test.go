package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeBase36PadsToLength(t *testing.T) {
	got := EncodeBase36([]byte{0x00, 0x01}, 6)
	if len(got) != 6 {
		t.Fatalf("len(%q) = %d, want 6", got, len(got))
	}
	if got != "000001" {
		t.Fatalf("EncodeBase36 = %q, want %q", got, "000001")
	}
}

func TestEncodeBase36TruncatesToLeastSignificantDigits(t *testing.T) {
	// 0xFFFFFFFF is far more than 3 base36 digits can hold; the result must
	// keep the least-significant digits, not overflow the requested length.
	got := EncodeBase36([]byte{0xff, 0xff, 0xff, 0xff}, 3)
	if len(got) != 3 {
		t.Fatalf("len(%q) = %d, want 3", got, len(got))
	}
}

func TestGenerateHashIDIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := GenerateHashID("bd", "fix the bug", "desc", "alice", ts, 6, 0)
	b := GenerateHashID("bd", "fix the bug", "desc", "alice", ts, 6, 0)
	if a != b {
		t.Fatalf("GenerateHashID not deterministic: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, "bd-") {
		t.Fatalf("GenerateHashID = %q, want bd- prefix", a)
	}
}

func TestGenerateHashIDNonceBreaksCollisions(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := GenerateHashID("bd", "same title", "same desc", "alice", ts, 6, 0)
	b := GenerateHashID("bd", "same title", "same desc", "alice", ts, 6, 1)
	if a == b {
		t.Fatal("different nonces produced identical hash ids")
	}
}

func TestHashSegment(t *testing.T) {
	cases := map[string]string{
		"bd-ab12cd": "ab12cd",
		"bd-":       "",
		"noseparator": "",
	}
	for id, want := range cases {
		if got := HashSegment(id); got != want {
			t.Errorf("HashSegment(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestMatchFragment(t *testing.T) {
	id := "bd-ab12cd34"
	if !MatchFragment(id, "2cd3") {
		t.Fatal("expected fragment contained in hash segment to match")
	}
	if MatchFragment(id, "zzzz") {
		t.Fatal("unrelated fragment should not match")
	}
	if MatchFragment(id, "") {
		t.Fatal("empty fragment should never match")
	}
}
