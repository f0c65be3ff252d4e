package tsid

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateLength(t *testing.T) {
	id := Generate()
	if len(id) != encodedLen {
		t.Fatalf("expected %d characters, got %d (%s)", encodedLen, len(id), id)
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(alphabet, rune(id[i])) {
			t.Errorf("character %c not in Crockford alphabet", id[i])
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := Generate()
		if seen[id] {
			t.Fatalf("duplicate TSID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestGenerateSortable(t *testing.T) {
	first := Generate()
	time.Sleep(5 * time.Millisecond)
	second := Generate()
	if !(first < second) {
		t.Errorf("TSIDs not time-ordered: %s >= %s", first, second)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := Generate()
	after := time.Now().Add(time.Second)

	ts, err := Timestamp(id)
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Errorf("embedded timestamp %v outside [%v, %v]", ts, before, after)
	}
}

func TestNumericRoundTrip(t *testing.T) {
	id := Generate()
	n, err := ToInt64(id)
	if err != nil {
		t.Fatalf("ToInt64: %v", err)
	}
	if got := FromInt64(n); got != id {
		t.Errorf("round trip mismatch: %s != %s", got, id)
	}
}

func TestDecodeCaseAndAliases(t *testing.T) {
	id := Generate()
	lower := strings.ToLower(id)
	a, err := ToInt64(id)
	if err != nil {
		t.Fatalf("ToInt64(%s): %v", id, err)
	}
	b, err := ToInt64(lower)
	if err != nil {
		t.Fatalf("ToInt64(%s): %v", lower, err)
	}
	if a != b {
		t.Errorf("case-insensitive decode mismatch: %d != %d", a, b)
	}

	if _, err := ToInt64("not-a-tsid!!!"); err == nil {
		t.Error("expected error for invalid characters")
	}
	if _, err := ToInt64("short"); err == nil {
		t.Error("expected error for wrong length")
	}
}
