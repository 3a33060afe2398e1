// Package track models the media tracks a manifest resolves to: the
// shared track base, the video/audio/subtitle variants, chapters, and the
// collection that owns them.
package track

import (
	"fmt"

	"golang.org/x/text/language"

	"github.com/ripline/ripline/internal/drm"
)

// Type is the track's media kind.
type Type string

// Track kinds.
const (
	TypeVideo    Type = "video"
	TypeAudio    Type = "audio"
	TypeSubtitle Type = "subtitle"
)

// State is a track's position in the download lifecycle. Transitions only
// move forward.
type State string

// Lifecycle states.
const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateDownloaded  State = "downloaded"
	StateDecrypting  State = "decrypting"
	StateDecrypted   State = "decrypted"
	StateRepackaged  State = "repackaged"
	StateMuxed       State = "muxed"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// LocatorKind says how a track's media is addressed.
type LocatorKind int

// Locator kinds.
const (
	// LocatorURL addresses a directly downloadable file.
	LocatorURL LocatorKind = iota

	// LocatorDASH addresses a representation inside an MPD; segments are
	// resolved in a second phase from the stored document.
	LocatorDASH

	// LocatorHLS addresses an invariant media playlist that is fetched
	// and parsed in a second phase.
	LocatorHLS
)

// Locator carries everything needed to resolve a track's segments without
// refetching the manifest it came from.
type Locator struct {
	Kind LocatorKind

	// URL is the direct file URL (LocatorURL) or the invariant playlist
	// URL (LocatorHLS).
	URL string

	// ManifestURL is the address the manifest was fetched from; relative
	// segment references resolve against it.
	ManifestURL string

	// Document is the raw MPD text for LocatorDASH tracks.
	Document string

	// PeriodIndex, AdaptationIndex and RepresentationID address one
	// representation within the document.
	PeriodIndex      int
	AdaptationIndex  int
	RepresentationID string
}

// Segment is one downloadable piece of a track.
type Segment struct {
	// URL is the absolute segment address.
	URL string

	// ByteRange is an inclusive "start-end" range within URL, empty when
	// the whole resource is the segment.
	ByteRange string

	// Duration is the segment duration in seconds, when known.
	Duration float64
}

// Hook is an optional lifecycle callback. The zero value (nil) is a no-op;
// each hook fires at most once per track.
type Hook func(*Track)

// Track is the shared base of every downloadable track.
type Track struct {
	// ID is deterministic across parses of the same manifest entry.
	ID string

	Type    Type
	Locator Locator

	// Language is the track language; OriginalLang marks it as the title's
	// original language.
	Language     language.Tag
	OriginalLang bool

	Name string

	// DRM holds the protection descriptors discovered for this track, in
	// priority order after selection.
	DRM []drm.Descriptor

	// NeedsProxy marks tracks whose segment hosts require the service
	// proxy even when the metadata does not.
	NeedsProxy bool

	// NeedsRepack marks downloads that need a container repack before
	// muxing.
	NeedsRepack bool

	// SegmentFilter, when set, drops segments it returns false for before
	// download. Used for trimming ads and recap markers out of the list.
	SegmentFilter func(Segment) bool

	// LocalPath is where the downloaded (and possibly decrypted) file
	// lives once the track reaches StateDownloaded.
	LocalPath string

	// Lifecycle hooks.
	OnDownloaded Hook
	OnDecrypted  Hook
	OnRepacked   Hook

	state State

	// Hook latches. Plain bools: a track's lifecycle is driven by the one
	// worker that owns it, and Track values must stay freely copyable while
	// parsers assemble them.
	downloadedFired bool
	decryptedFired  bool
	repackedFired   bool
}

// Base returns the shared track data; it makes every variant an Entry.
func (t *Track) Base() *Track { return t }

// State returns the current lifecycle state.
func (t *Track) State() State {
	if t.state == "" {
		return StatePending
	}
	return t.state
}

// SetState advances the lifecycle state.
func (t *Track) SetState(s State) { t.state = s }

// FireDownloaded invokes OnDownloaded once.
func (t *Track) FireDownloaded() {
	if t.downloadedFired {
		return
	}
	t.downloadedFired = true
	if t.OnDownloaded != nil {
		t.OnDownloaded(t)
	}
}

// FireDecrypted invokes OnDecrypted once.
func (t *Track) FireDecrypted() {
	if t.decryptedFired {
		return
	}
	t.decryptedFired = true
	if t.OnDecrypted != nil {
		t.OnDecrypted(t)
	}
}

// FireRepacked invokes OnRepacked once.
func (t *Track) FireRepacked() {
	if t.repackedFired {
		return
	}
	t.repackedFired = true
	if t.OnRepacked != nil {
		t.OnRepacked(t)
	}
}

// Protected reports whether any DRM descriptor is attached.
func (t *Track) Protected() bool { return len(t.DRM) > 0 }

// Entry is any track variant.
type Entry interface {
	Base() *Track
}

// Video is a video track.
type Video struct {
	Track

	Codec   VideoCodec
	Range   Range
	Bitrate int // bits per second
	Width   int
	Height  int
	FPS     float64
}

// Resolution renders the track's dimensions as "1920x1080".
func (v *Video) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

func (v *Video) String() string {
	return fmt.Sprintf("VID | %s | %s | %s @ %d kb/s | %s",
		v.Codec, v.Range, v.Resolution(), v.Bitrate/1000, v.Language)
}

// Audio is an audio track.
type Audio struct {
	Track

	Codec   AudioCodec
	Bitrate int // bits per second
	// Channels is the channel count; fractional layouts like 5.1 are kept
	// as declared.
	Channels float64
	// JOC is the Dolby Atmos object count, 0 when absent.
	JOC int
	// Descriptive marks audio-description tracks.
	Descriptive bool
}

func (a *Audio) String() string {
	atmos := ""
	if a.JOC > 0 {
		atmos = " (Atmos)"
	}
	return fmt.Sprintf("AUD | %s%s | %.1f ch @ %d kb/s | %s",
		a.Codec, atmos, a.Channels, a.Bitrate/1000, a.Language)
}

// Subtitle is a subtitle track.
type Subtitle struct {
	Track

	Codec SubtitleCodec

	// Forced subtitles cover foreign dialogue within same-language audio.
	Forced bool
	// ClosedCaption and SDH both transcribe sound cues; CC comes from
	// broadcast caption streams, SDH from authored subtitle tracks.
	ClosedCaption bool
	SDH           bool
}

// Validate enforces flag exclusivity: a track cannot be both CC and SDH,
// and a forced track can be neither.
func (s *Subtitle) Validate() error {
	if s.ClosedCaption && s.SDH {
		return fmt.Errorf("subtitle %s: cannot be both closed-caption and SDH", s.ID)
	}
	if s.Forced && (s.ClosedCaption || s.SDH) {
		return fmt.Errorf("subtitle %s: forced is exclusive with closed-caption and SDH", s.ID)
	}
	return nil
}

func (s *Subtitle) String() string {
	flags := ""
	switch {
	case s.ClosedCaption:
		flags = " [CC]"
	case s.SDH:
		flags = " [SDH]"
	case s.Forced:
		flags = " [forced]"
	}
	return fmt.Sprintf("SUB | %s | %s%s", s.Codec, s.Language, flags)
}

// Chapter is a named timeline marker. Chapters are not downloadable
// tracks but live in the same collection.
type Chapter struct {
	Number    int
	Name      string
	Timestamp string // "HH:MM:SS.mmm"
}
