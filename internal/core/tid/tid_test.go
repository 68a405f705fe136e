package tid

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"beatbridge/internal/platform/statedir"
)

func newTestClock(t *testing.T) *Clock {
	t.Helper()
	dir := statedir.Static(t.TempDir())
	c, err := New(dir, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	micros := uint64(1718481600123456)
	clockID := uint16(7)
	s := encode(micros, clockID)

	if len(s) != Length {
		t.Fatalf("encode() length = %d, want %d", len(s), Length)
	}
	if !Valid(s) {
		t.Fatalf("encode() produced invalid TID %q", s)
	}
	if got := DecodeMicros(s); got != micros {
		t.Fatalf("DecodeMicros() = %d, want %d", got, micros)
	}
	if got := ClockIDOf(s); got != clockID {
		t.Fatalf("ClockIDOf() = %d, want %d", got, clockID)
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"13 valid chars", "234567abcdefg", true},
		{"wrong length", "23456", false},
		{"bad symbol", "1234567abcdef", false}, // '1' not in alphabet
		{"round-tripped valid", encode(1_000_000, 3), true},
	}

	for _, c := range cases {
		if got := Valid(c.in); got != c.want {
			t.Errorf("%s: Valid(%q) = %v, want %v", c.name, c.in, got, c.want)
		}
	}
}

func TestValidRejectsReservedHighBit(t *testing.T) {
	// Force a first character whose alphabet index is >= 16 ('k' is index 16).
	s := "k234567abcdef"
	if Valid(s) {
		t.Fatalf("Valid(%q) = true, want false (reserved high bit)", s)
	}
}

func TestNextFromTimeStrictlyMonotonicSameTimestamp(t *testing.T) {
	c := newTestClock(t)
	base := time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, c.NextFromTime(base))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids[%d]=%q not strictly greater than ids[%d]=%q", i, ids[i], i-1, ids[i-1])
		}
	}
}

func TestNextFromTimeMonotonicAcrossDisorderedSchedule(t *testing.T) {
	c := newTestClock(t)
	base := time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC)

	schedule := []time.Duration{
		0, 2 * time.Second, time.Second, 5 * time.Second, -10 * time.Second, 3 * time.Second,
	}

	var ids []string
	for _, d := range schedule {
		ids = append(ids, c.NextFromTime(base.Add(d)))
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("emitted TIDs are not in strictly increasing lexicographic order: %v", ids)
		}
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids[%d]=%q not strictly greater than ids[%d]=%q", i, ids[i], i-1, ids[i-1])
		}
	}
}

func TestDecodeMicrosMatchesInputWhenStrictlyLater(t *testing.T) {
	c := newTestClock(t)
	t1 := time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC)
	id := c.NextFromTime(t1)
	if got, want := DecodeMicros(id), uint64(t1.UnixMicro()); got != want {
		t.Fatalf("DecodeMicros() = %d, want %d", got, want)
	}
}

func TestMonotonicAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	procA, err := New(statedir.Static(dir), true)
	if err != nil {
		t.Fatalf("New (A): %v", err)
	}
	base := time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC)
	lastA := procA.NextFromTime(base)

	// Force the reserved upper bound to disk so a "restart" actually observes it
	// (debounced persistence reserves ahead of the last emission).
	if err := procA.persist(State{LastMicros: procA.state.LastMicros, ClockID: procA.state.ClockID, SchemaVersion: schemaVersion}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	procB, err := New(statedir.Static(dir), true)
	if err != nil {
		t.Fatalf("New (B): %v", err)
	}
	earlier := base.Add(-1 * time.Second)
	nextB := procB.NextFromTime(earlier)

	if nextB <= lastA {
		t.Fatalf("process B's TID %q is not strictly greater than process A's last %q", nextB, lastA)
	}
}

func TestStatePersistedAtoimcally(t *testing.T) {
	dir := t.TempDir()
	c, err := New(statedir.Static(dir), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.NextNow()

	path := filepath.Join(dir, "state", "tid-clock.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected state file at %s: %v", path, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file should not survive a successful rename")
	}
}
