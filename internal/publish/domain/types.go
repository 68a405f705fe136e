// Package domain holds the publisher's core data types: the canonical
// play record, its dedup fingerprint, the borrowed session handle, and the
// loop's output shape.
package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// keySeparator joins RecordKey components. Chosen to be unlikely to appear
// in artist/track names themselves.
const keySeparator = "\x1f"

// UnknownTrack substitutes for a source record with no track title (§3).
const UnknownTrack = "Unknown Track"

// Artist is one contributor to a play (§3 PlayRecord).
type Artist struct {
	Name          string `json:"name" validate:"required"`
	MusicBrainzID string `json:"musicBrainzId,omitempty"`
}

// PlayRecord is the canonical unit of work the publisher consumes (§3).
type PlayRecord struct {
	SchemaTag   string    `json:"-" validate:"required"`
	TrackName   string    `json:"trackName" validate:"required"`
	Artists     []Artist  `json:"artists" validate:"required,min=1,dive"`
	PlayedTime  time.Time `json:"playedTime" validate:"required"`
	ClientAgent string    `json:"clientAgent,omitempty"`
	ServiceHost string    `json:"serviceHost,omitempty"`
	OriginURL   string    `json:"originUrl,omitempty"`

	ReleaseName   string `json:"releaseName,omitempty"`
	ReleaseMBID   string `json:"releaseMbid,omitempty"`
	RecordingMBID string `json:"recordingMbid,omitempty"`
}

// WithDefaults returns a copy with source-absent fields substituted per
// §3 (an empty track name becomes UnknownTrack).
func (p PlayRecord) WithDefaults() PlayRecord {
	if strings.TrimSpace(p.TrackName) == "" {
		p.TrackName = UnknownTrack
	}
	return p
}

// PrimaryArtist returns the first artist's name, or "" if there are none.
func (p PlayRecord) PrimaryArtist() string {
	if len(p.Artists) == 0 {
		return ""
	}
	return p.Artists[0].Name
}

var keyCaser = cases.Fold() // Unicode case-folding, locale-independent

// RecordKey is the deduplication fingerprint: normalized first-artist name,
// normalized track name, and the played-time ISO string, joined by a
// reserved separator (§3). Normalization case-folds and width-folds
// (full-width/half-width) before the lowercase-trim-join, so the fingerprint
// is stable across source formats that differ only in Unicode form.
func (p PlayRecord) RecordKey() string {
	artist := normalizeKeyPart(p.PrimaryArtist())
	track := normalizeKeyPart(p.TrackName)
	played := p.PlayedTime.UTC().Format(time.RFC3339)
	return strings.Join([]string{artist, track, played}, keySeparator)
}

func normalizeKeyPart(s string) string {
	s = width.Fold.String(s)
	s = keyCaser.String(s)
	return strings.TrimSpace(s)
}

// Session is the authenticated handle borrowed from the auth collaborator;
// read-only within the core (§3).
type Session struct {
	AccountID  string
	PDSBaseURL string
	AuthTokens AuthTokens
}

// AuthTokens carries whatever bearer credential the PDS client presents on
// each request; opaque to everything except the transport layer.
type AuthTokens struct {
	AccessJWT  string
	RefreshJWT string
}

// Result is the publisher loop's output (§4.F "Output").
type Result struct {
	SuccessCount      int  `json:"successCount"`
	ErrorCount        int  `json:"errorCount"`
	SkippedDuplicates int  `json:"skippedDuplicates"`
	Untried           int  `json:"untried"`
	Cancelled         bool `json:"cancelled"`
}
