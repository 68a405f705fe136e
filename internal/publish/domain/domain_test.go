package domain

import (
	"testing"
	"time"
)

func TestWithDefaultsSubstitutesUnknownTrack(t *testing.T) {
	p := PlayRecord{TrackName: "  "}
	got := p.WithDefaults()
	if got.TrackName != UnknownTrack {
		t.Fatalf("TrackName = %q, want %q", got.TrackName, UnknownTrack)
	}
}

func TestWithDefaultsLeavesNonEmptyTrackAlone(t *testing.T) {
	p := PlayRecord{TrackName: "Hyperballad"}
	got := p.WithDefaults()
	if got.TrackName != "Hyperballad" {
		t.Fatalf("TrackName = %q, want unchanged", got.TrackName)
	}
}

func TestRecordKeyStableAcrossCaseAndWidthVariants(t *testing.T) {
	played := time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC)

	a := PlayRecord{
		Artists:    []Artist{{Name: "Björk"}},
		TrackName:  "Hyperballad",
		PlayedTime: played,
	}
	b := PlayRecord{
		Artists:    []Artist{{Name: "BJÖRK"}},
		TrackName:  "ｈｙｐｅｒｂａｌｌａｄ", // full-width variant
		PlayedTime: played,
	}

	if a.RecordKey() != b.RecordKey() {
		t.Fatalf("RecordKey differs across case/width variants:\n  a=%q\n  b=%q", a.RecordKey(), b.RecordKey())
	}
}

func TestRecordKeyDiffersOnPlayedTime(t *testing.T) {
	a := PlayRecord{
		Artists:    []Artist{{Name: "Björk"}},
		TrackName:  "Hyperballad",
		PlayedTime: time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC),
	}
	b := a
	b.PlayedTime = a.PlayedTime.Add(time.Second)

	if a.RecordKey() == b.RecordKey() {
		t.Fatalf("RecordKey should differ when playedTime differs")
	}
}

func TestPrimaryArtistEmptyWhenNoArtists(t *testing.T) {
	p := PlayRecord{}
	if got := p.PrimaryArtist(); got != "" {
		t.Fatalf("PrimaryArtist() = %q, want empty", got)
	}
}
