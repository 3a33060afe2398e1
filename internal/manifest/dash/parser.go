package dash

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/lang"
	"github.com/ripline/ripline/internal/manifest"
	"github.com/ripline/ripline/internal/track"
)

const (
	widevineSchemeURN = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"
	trickModeScheme   = "http://dashif.org/guidelines/trickmode"
	roleScheme        = "urn:mpeg:dash:role:2011"
	audioPurposeScm   = "urn:tva:metadata:cs:AudioPurposeCS:2007"
	ddpComplexityScm  = "tag:dolby.com,2018:dash:EC3_ExtensionComplexityIndex:2018"

	cicpPrimariesScheme = "urn:mpeg:mpegB:cicp:ColourPrimaries"
	cicpTransferScheme  = "urn:mpeg:mpegB:cicp:TransferCharacteristics"
	cicpMatrixScheme    = "urn:mpeg:mpegB:cicp:MatrixCoefficients"
)

// PeriodFilter decides whether a period is skipped during parsing.
// Returning true skips the period.
type PeriodFilter func(index int, period *Period) bool

// repIDLangPattern extracts a language subtag from representation IDs of
// the common "{name}_{lang}={bitrate}" shape.
var repIDLangPattern = regexp.MustCompile(`\w+_(\w+)=\d+`)

// Parse converts an MPD document into a track collection. Only the first
// period not rejected by filter contributes tracks; trick-mode adaptation
// sets and image (thumbnail) content are skipped. Services routinely ship
// non-unique representation IDs, so track IDs are derived by hashing the
// codec, language, bitrate, base URL, element IDs and per-type attributes
// together.
func Parse(document []byte, manifestURL string, fallback language.Tag, filter PeriodFilter) (*track.Collection, error) {
	mpd, err := Unmarshal(document)
	if err != nil {
		return nil, err
	}

	col := track.NewCollection()

	for pi := range mpd.Periods {
		period := &mpd.Periods[pi]
		if filter != nil && filter(pi, period) {
			continue
		}

		for ai := range period.AdaptationSets {
			adaptation := &period.AdaptationSets[ai]
			if isTrickMode(adaptation) {
				// trick-mode streams only exist for fast seeking
				continue
			}

			for ri := range adaptation.Representations {
				rep := &adaptation.Representations[ri]
				entry, err := parseRepresentation(mpd, period, adaptation, rep, pi, ai, string(document), manifestURL, fallback)
				if err != nil {
					return nil, err
				}
				if entry == nil {
					continue
				}
				if err := col.Add(entry); err != nil {
					return nil, err
				}
			}
		}

		// tracks come from the first main-content period only
		break
	}

	return col, nil
}

func parseRepresentation(
	mpd *MPD,
	period *Period,
	adaptation *AdaptationSet,
	rep *Representation,
	periodIndex, adaptationIndex int,
	document, manifestURL string,
	fallback language.Tag,
) (track.Entry, error) {
	codecs := firstNonEmpty(rep.Codecs, adaptation.Codecs)
	contentType := firstNonEmpty(rep.ContentType, adaptation.ContentType)
	mimeType := firstNonEmpty(rep.MimeType, adaptation.MimeType)

	if contentType == "" && mimeType != "" {
		contentType = strings.SplitN(mimeType, "/", 2)[0]
	}
	if contentType == "" {
		return nil, fmt.Errorf("representation %q: %w: no contentType or mimeType", rep.ID, manifest.ErrUnsupportedContentType)
	}

	if mimeType == "application/mp4" || contentType == "application" {
		// likely mp4-boxed subtitles
		if _, err := track.SubtitleCodecFromCodecs(codecs); err != nil {
			return nil, fmt.Errorf("representation %q: %w: %q with codecs %q", rep.ID, manifest.ErrUnsupportedContentType, contentType, codecs)
		}
		contentType = "text"
	}

	if contentType == "text" && mimeType != "" && !strings.Contains(mimeType, "/mp4") {
		// the mime subtype names the subtitle codec more reliably
		if parts := strings.SplitN(mimeType, "/", 2); len(parts) == 2 {
			codecs = parts[1]
		}
	}

	if contentType == "image" {
		// seekbar thumbnails
		return nil, nil
	}

	trackLang, ok := representationLanguage(adaptation, rep, fallback)
	if !ok {
		return nil, fmt.Errorf("representation %q: %w", rep.ID, manifest.ErrLanguageUndetermined)
	}

	descriptors, err := collectDRM(append(append([]ContentProtection{}, rep.ContentProtections...), adaptation.ContentProtections...))
	if err != nil {
		return nil, fmt.Errorf("representation %q: %w", rep.ID, err)
	}

	base := track.Track{
		Type: track.TypeVideo,
		Locator: track.Locator{
			Kind:             track.LocatorDASH,
			ManifestURL:      manifestURL,
			Document:         document,
			PeriodIndex:      periodIndex,
			AdaptationIndex:  adaptationIndex,
			RepresentationID: rep.ID,
		},
		Language:     trackLang,
		OriginalLang: !lang.IsUndetermined(fallback) && lang.IsCloseMatch(trackLang, fallback),
		DRM:          descriptors,
	}

	var (
		entry    track.Entry
		typeArgs string
	)

	switch contentType {
	case "video":
		codec, err := track.VideoCodecFromCodecs(codecs)
		if err != nil {
			return nil, fmt.Errorf("representation %q: %w", rep.ID, err)
		}
		base.Type = track.TypeVideo
		video := &track.Video{
			Track:   base,
			Codec:   codec,
			Range:   videoRange(codecs, adaptation, rep),
			Bitrate: rep.Bandwidth,
			Width:   firstNonZero(rep.Width, adaptation.Width),
			Height:  firstNonZero(rep.Height, adaptation.Height),
			FPS:     videoFPS(adaptation, rep),
		}
		typeArgs = fmt.Sprintf("range=%s;bitrate=%d;width=%d;height=%d;fps=%g",
			video.Range, video.Bitrate, video.Width, video.Height, video.FPS)
		entry = video

	case "audio":
		codec, err := track.AudioCodecFromCodecs(codecs)
		if err != nil {
			return nil, fmt.Errorf("representation %q: %w", rep.ID, err)
		}
		channels, err := audioChannels(adaptation, rep)
		if err != nil {
			return nil, fmt.Errorf("representation %q: %w", rep.ID, err)
		}
		base.Type = track.TypeAudio
		audio := &track.Audio{
			Track:       base,
			Codec:       codec,
			Bitrate:     rep.Bandwidth,
			Channels:    channels,
			JOC:         ddpComplexityIndex(adaptation, rep),
			Descriptive: isDescriptive(adaptation),
		}
		typeArgs = fmt.Sprintf("bitrate=%d;channels=%g;joc=%d;descriptive=%t",
			audio.Bitrate, audio.Channels, audio.JOC, audio.Descriptive)
		entry = audio

	case "text":
		codec, err := track.SubtitleCodecFromCodecs(firstNonEmpty(codecs, "vtt"))
		if err != nil {
			return nil, fmt.Errorf("representation %q: %w", rep.ID, err)
		}
		base.Type = track.TypeSubtitle
		sub := &track.Subtitle{
			Track:         base,
			Codec:         codec,
			Forced:        isForced(adaptation),
			ClosedCaption: isClosedCaption(adaptation),
		}
		typeArgs = fmt.Sprintf("forced=%t;cc=%t", sub.Forced, sub.ClosedCaption)
		entry = sub

	default:
		return nil, fmt.Errorf("representation %q: %w: %q", rep.ID, manifest.ErrUnsupportedContentType, contentType)
	}

	entry.Base().ID = representationID(period, adaptation, rep, codecs, trackLang, typeArgs)
	return entry, nil
}

// representationID hashes the attributes that together distinguish a
// rendition, since the declared IDs alone are frequently reused across
// languages or bitrates.
func representationID(period *Period, adaptation *AdaptationSet, rep *Representation, codecs string, trackLang language.Tag, typeArgs string) string {
	baseURL := strings.SplitN(rep.BaseURL, "?", 2)[0]
	audioTrackID := firstNonEmpty(rep.AudioTrackID, adaptation.AudioTrackID)
	composite := fmt.Sprintf("%s-%s-%d-%s-[%s %s %s]-%s",
		codecs, trackLang, rep.Bandwidth, baseURL,
		audioTrackID, rep.ID, period.ID, typeArgs)
	sum := md5.Sum([]byte(composite))
	return hex.EncodeToString(sum[:])
}

func representationLanguage(adaptation *AdaptationSet, rep *Representation, fallback language.Tag) (language.Tag, bool) {
	candidates := []string{rep.Lang}
	if m := repIDLangPattern.FindStringSubmatch(rep.ID); m != nil {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, adaptation.Lang)
	if !lang.IsUndetermined(fallback) {
		candidates = append(candidates, fallback.String())
	}
	return lang.FirstValid(candidates...)
}

func videoRange(codecs string, adaptation *AdaptationSet, rep *Representation) track.Range {
	if track.IsDolbyVisionCodec(codecs) {
		return track.RangeDV
	}

	props := make([]Property, 0,
		len(rep.SupplementalProperties)+len(adaptation.SupplementalProperties)+
			len(rep.EssentialProperties)+len(adaptation.EssentialProperties))
	props = append(props, rep.SupplementalProperties...)
	props = append(props, adaptation.SupplementalProperties...)
	props = append(props, rep.EssentialProperties...)
	props = append(props, adaptation.EssentialProperties...)

	return track.RangeFromCICP(
		propertyInt(props, cicpPrimariesScheme),
		propertyInt(props, cicpTransferScheme),
		propertyInt(props, cicpMatrixScheme),
	)
}

func videoFPS(adaptation *AdaptationSet, rep *Representation) float64 {
	rate := firstNonEmpty(rep.FrameRate, adaptation.FrameRate)
	if rate == "" && rep.SegmentBase != nil {
		rate = rep.SegmentBase.Timescale
	}
	return parseFrameRate(rate)
}

// parseFrameRate handles both plain ("25") and fractional
// ("30000/1001") frame rates. Unparseable input yields zero.
func parseFrameRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	if num, den, ok := strings.Cut(rate, "/"); ok {
		n, errN := strconv.ParseFloat(num, 64)
		d, errD := strconv.ParseFloat(den, 64)
		if errN != nil || errD != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, err := strconv.ParseFloat(rate, 64)
	if err != nil {
		return 0
	}
	return f
}

func audioChannels(adaptation *AdaptationSet, rep *Representation) (float64, error) {
	configs := rep.AudioChannelConfigurations
	if len(configs) == 0 {
		configs = adaptation.AudioChannelConfigurations
	}
	if len(configs) == 0 {
		return 0, nil
	}
	return parseChannels(configs[0].Value)
}

// parseChannels converts a channel descriptor to a count-and-layout
// float, e.g. "2ch" to 2.0 and "5.1" to 5.1. The Dolby hex layouts
// A000 and F801 map to stereo and 5.1.
func parseChannels(value string) (float64, error) {
	switch strings.ToUpper(value) {
	case "":
		return 0, nil
	case "A000":
		return 2.0, nil
	case "F801":
		return 5.1, nil
	}
	numeric := strings.Replace(value, "ch", "", 1)
	f, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0, fmt.Errorf("unsupported channels value %q", value)
	}
	return f, nil
}

func ddpComplexityIndex(adaptation *AdaptationSet, rep *Representation) int {
	props := append(append([]Property{}, rep.SupplementalProperties...), adaptation.SupplementalProperties...)
	return propertyInt(props, ddpComplexityScm)
}

func isTrickMode(adaptation *AdaptationSet) bool {
	props := append(append([]Property{}, adaptation.EssentialProperties...), adaptation.SupplementalProperties...)
	for _, p := range props {
		if p.SchemeIDURI == trickModeScheme {
			return true
		}
	}
	return false
}

func isDescriptive(adaptation *AdaptationSet) bool {
	for _, p := range adaptation.Accessibility {
		if (p.SchemeIDURI == roleScheme && p.Value == "descriptive") ||
			(p.SchemeIDURI == audioPurposeScm && p.Value == "1") {
			return true
		}
	}
	return false
}

func isForced(adaptation *AdaptationSet) bool {
	for _, p := range adaptation.Roles {
		if p.SchemeIDURI == roleScheme && (p.Value == "forced-subtitle" || p.Value == "forced_subtitle") {
			return true
		}
	}
	return false
}

func isClosedCaption(adaptation *AdaptationSet) bool {
	for _, p := range adaptation.Roles {
		if p.SchemeIDURI == roleScheme && p.Value == "caption" {
			return true
		}
	}
	return false
}

func propertyInt(props []Property, scheme string) int {
	for _, p := range props {
		if p.SchemeIDURI != scheme {
			continue
		}
		v, err := strconv.Atoi(p.Value)
		if err != nil {
			return 0
		}
		return v
	}
	return 0
}

// collectDRM builds Widevine descriptors from ContentProtection
// elements. Non-Widevine schemes are ignored. A protection that carries
// a PSSH but no key ID borrows a default_KID from any sibling element.
func collectDRM(protections []ContentProtection) ([]drm.Descriptor, error) {
	var descriptors []drm.Descriptor

	for _, protection := range protections {
		if !strings.EqualFold(protection.SchemeIDURI, widevineSchemeURN) {
			continue
		}
		if protection.PSSH == "" {
			continue
		}

		pssh, err := drm.ParsePSSHBase64(strings.TrimSpace(protection.PSSH))
		if err != nil {
			return nil, fmt.Errorf("content protection pssh: %w", err)
		}

		var kids []uuid.UUID
		if protection.KID != "" {
			raw, err := base64.StdEncoding.DecodeString(protection.KID)
			if err != nil || len(raw) != 16 {
				return nil, fmt.Errorf("content protection kid %q is not a base64 UUID", protection.KID)
			}
			kid, err := uuid.FromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("content protection kid: %w", err)
			}
			kids = append(kids, kid)
		}
		if protection.DefaultKID != "" {
			kid, err := drm.ParseKID(protection.DefaultKID)
			if err != nil {
				return nil, fmt.Errorf("content protection default_KID: %w", err)
			}
			kids = append(kids, kid)
		}
		if len(pssh.KeyIDs) == 0 && len(kids) == 0 {
			// odd manifest, borrow a default_KID declared elsewhere
			for _, other := range protections {
				if other.DefaultKID == "" {
					continue
				}
				kid, err := drm.ParseKID(other.DefaultKID)
				if err != nil {
					return nil, fmt.Errorf("content protection default_KID: %w", err)
				}
				kids = append(kids, kid)
				break
			}
		}

		wv, err := drm.NewWidevine(pssh, kids...)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, wv)
	}

	return descriptors, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
