// Package dash parses MPEG-DASH MPD documents into the unified track
// model and resolves representations into ordered segment lists.
//
// Parsing and segment resolution are two phases: Parse builds tracks
// whose locators carry the raw document plus element handles, and
// ResolveSegments later expands the referenced representation into
// concrete segment URLs. Only the first non-filtered period is used.
package dash

import (
	"encoding/xml"
	"fmt"
)

// MPD is the root element of a DASH manifest. Element and attribute
// names match by local name, so namespaced documents decode the same
// as plain ones.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// Period is a content period. Multi-period manifests are common for
// ad-stitched content; only the first non-filtered one is parsed.
type Period struct {
	ID             string          `xml:"id,attr"`
	Duration       string          `xml:"duration,attr"`
	BaseURL        string          `xml:"BaseURL"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet groups interchangeable representations of one track.
type AdaptationSet struct {
	ID           string `xml:"id,attr"`
	ContentType  string `xml:"contentType,attr"`
	MimeType     string `xml:"mimeType,attr"`
	Codecs       string `xml:"codecs,attr"`
	Lang         string `xml:"lang,attr"`
	FrameRate    string `xml:"frameRate,attr"`
	AudioTrackID string `xml:"audioTrackId,attr"`
	Width        int    `xml:"width,attr"`
	Height       int    `xml:"height,attr"`

	AudioChannelConfigurations []Property          `xml:"AudioChannelConfiguration"`
	Accessibility              []Property          `xml:"Accessibility"`
	Roles                      []Property          `xml:"Role"`
	EssentialProperties        []Property          `xml:"EssentialProperty"`
	SupplementalProperties     []Property          `xml:"SupplementalProperty"`
	ContentProtections         []ContentProtection `xml:"ContentProtection"`

	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *SegmentList     `xml:"SegmentList"`

	Representations []Representation `xml:"Representation"`
}

// Representation is one encoded rendition within an adaptation set.
type Representation struct {
	ID           string `xml:"id,attr"`
	Bandwidth    int    `xml:"bandwidth,attr"`
	Codecs       string `xml:"codecs,attr"`
	MimeType     string `xml:"mimeType,attr"`
	ContentType  string `xml:"contentType,attr"`
	Lang         string `xml:"lang,attr"`
	Width        int    `xml:"width,attr"`
	Height       int    `xml:"height,attr"`
	FrameRate    string `xml:"frameRate,attr"`
	AudioTrackID string `xml:"audioTrackId,attr"`
	BaseURL      string `xml:"BaseURL"`

	AudioChannelConfigurations []Property          `xml:"AudioChannelConfiguration"`
	EssentialProperties        []Property          `xml:"EssentialProperty"`
	SupplementalProperties     []Property          `xml:"SupplementalProperty"`
	ContentProtections         []ContentProtection `xml:"ContentProtection"`

	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *SegmentList     `xml:"SegmentList"`
	SegmentBase     *SegmentBase     `xml:"SegmentBase"`
}

// Property is a generic scheme/value descriptor element, used for
// Role, Accessibility, AudioChannelConfiguration and the
// Essential/Supplemental property pairs.
type Property struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// ContentProtection declares a DRM system for the enclosing element.
// The pssh child and default_KID attribute carry the CENC data.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"default_KID,attr"`
	KID         string `xml:"kid,attr"`
	PSSH        string `xml:"pssh"`
}

// SegmentTemplate describes templated segment addressing, either
// timeline-driven or duration-driven.
type SegmentTemplate struct {
	Initialization string           `xml:"initialization,attr"`
	Media          string           `xml:"media,attr"`
	Duration       string           `xml:"duration,attr"`
	Timescale      string           `xml:"timescale,attr"`
	StartNumber    string           `xml:"startNumber,attr"`
	Timeline       *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline is an explicit list of segment time spans.
type SegmentTimeline struct {
	Segments []TimelineSegment `xml:"S"`
}

// TimelineSegment is one S element. T and R are kept as strings so an
// absent attribute is distinguishable from zero.
type TimelineSegment struct {
	T string `xml:"t,attr"`
	D int64  `xml:"d,attr"`
	R int64  `xml:"r,attr"`
}

// SegmentList enumerates segments explicitly.
type SegmentList struct {
	Initialization *Initialization `xml:"Initialization"`
	SegmentURLs    []SegmentURL    `xml:"SegmentURL"`
}

// Initialization points at the init segment, optionally byte-ranged.
type Initialization struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

// SegmentURL is one explicit media segment reference.
type SegmentURL struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr"`
}

// SegmentBase indicates a single-resource representation addressed by
// byte ranges. Its timescale doubles as an FPS fallback for video.
type SegmentBase struct {
	Timescale      string          `xml:"timescale,attr"`
	Initialization *Initialization `xml:"Initialization"`
}

// Unmarshal decodes an MPD document.
func Unmarshal(document []byte) (*MPD, error) {
	var mpd MPD
	if err := xml.Unmarshal(document, &mpd); err != nil {
		return nil, fmt.Errorf("decoding mpd: %w", err)
	}
	return &mpd, nil
}
