// Package hls parses HLS master playlists into the unified track model
// and resolves variant media playlists into segment lists.
//
// The grafov decoder supplies the structured playlist; attributes it
// does not surface (EXT-X-SESSION-KEY, VIDEO-RANGE, CHANNELS) are read
// from the raw tag text alongside it.
package hls

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grafov/m3u8"
	"golang.org/x/text/language"

	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/lang"
	"github.com/ripline/ripline/internal/manifest"
	"github.com/ripline/ripline/internal/track"
)

const (
	widevineKeyFormat = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"

	characteristicDescribesVideo = "public.accessibility.describes-video"
	characteristicDescribesAudio = "public.accessibility.describes-music-and-sound"
)

// Parse converts a master playlist into a track collection. Variant
// streams become video or audio tracks depending on their CODECS
// attribute; EXT-X-MEDIA renditions become audio and subtitle tracks.
// HLS carries no per-variant language, so variants take the fallback
// language and are assumed to be the original recording.
func Parse(document []byte, manifestURL string, fallback language.Tag) (*track.Collection, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(document), true)
	if err != nil {
		return nil, fmt.Errorf("decoding playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, manifest.ErrNotMaster
	}
	master := playlist.(*m3u8.MasterPlaylist)

	raw := scanRawTags(document)

	sessionDRM, err := sessionDescriptors(raw.sessionKeys, manifestURL)
	if err != nil {
		return nil, err
	}

	col := track.NewCollection()
	audioCodecByGroup := make(map[string]track.AudioCodec)
	seenMedia := make(map[string]struct{})

	for _, variant := range master.Variants {
		if variant == nil || variant.Iframe {
			continue
		}

		if variant.Audio != "" && variant.Codecs != "" {
			codec, err := track.AudioCodecFromCodecs(variant.Codecs)
			if err != nil {
				return nil, fmt.Errorf("variant %q: %w", variant.URI, err)
			}
			audioCodecByGroup[variant.Audio] = codec
		}

		entry, err := parseVariant(variant, raw, manifestURL, fallback, sessionDRM)
		if err != nil {
			return nil, err
		}
		if err := col.Add(entry); err != nil {
			return nil, err
		}

		for _, alt := range variant.Alternatives {
			if alt == nil || alt.URI == "" {
				continue
			}
			serial := mediaSerial(alt)
			if _, ok := seenMedia[serial]; ok {
				continue
			}
			seenMedia[serial] = struct{}{}

			entry, err := parseAlternative(alt, serial, raw, manifestURL, fallback, sessionDRM, audioCodecByGroup)
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

	return col, nil
}

func parseVariant(variant *m3u8.Variant, raw rawTags, manifestURL string, fallback language.Tag, sessionDRM []drm.Descriptor) (track.Entry, error) {
	serial := variantSerial(variant)

	base := track.Track{
		ID:   trackID(serial),
		Type: track.TypeVideo,
		Locator: track.Locator{
			Kind:        track.LocatorHLS,
			URL:         joinURL(manifestURL, variant.URI),
			ManifestURL: manifestURL,
		},
		Language:     fallback,
		OriginalLang: true, // variants carry no language of their own
		Name:         variant.Name,
		DRM:          drm.CloneDescriptors(sessionDRM),
	}

	// a variant whose codecs only declare audio is an audio-only stream;
	// no codecs at all is assumed to be video
	var videoCodec track.VideoCodec
	if variant.Codecs != "" {
		var err error
		videoCodec, err = track.VideoCodecFromCodecs(variant.Codecs)
		if err != nil {
			codec, err := track.AudioCodecFromCodecs(variant.Codecs)
			if err != nil {
				return nil, fmt.Errorf("variant %q: %w", variant.URI, err)
			}
			base.Type = track.TypeAudio
			return &track.Audio{
				Track:   base,
				Codec:   codec,
				Bitrate: int(variant.Bandwidth),
			}, nil
		}
	}

	width, height := parseResolution(variant.Resolution)
	return &track.Video{
		Track:   base,
		Codec:   videoCodec,
		Range:   variantRange(variant, raw),
		Bitrate: int(variant.Bandwidth),
		Width:   width,
		Height:  height,
		FPS:     variant.FrameRate,
	}, nil
}

func parseAlternative(
	alt *m3u8.Alternative,
	serial string,
	raw rawTags,
	manifestURL string,
	fallback language.Tag,
	sessionDRM []drm.Descriptor,
	audioCodecByGroup map[string]track.AudioCodec,
) (track.Entry, error) {
	mediaType := strings.ToUpper(alt.Type)
	if mediaType != "AUDIO" && mediaType != "SUBTITLES" {
		return nil, nil
	}

	trackLang, ok := lang.FirstValid(alt.Language, fallback.String())
	if !ok {
		return nil, fmt.Errorf("media %q: %w", alt.Name, manifest.ErrLanguageUndetermined)
	}

	base := track.Track{
		ID:   trackID(serial),
		Type: track.TypeAudio,
		Locator: track.Locator{
			Kind:        track.LocatorHLS,
			URL:         joinURL(manifestURL, alt.URI),
			ManifestURL: manifestURL,
		},
		Language:     trackLang,
		OriginalLang: !lang.IsUndetermined(fallback) && lang.IsCloseMatch(trackLang, fallback),
		Name:         alt.Name,
	}

	attrs := raw.mediaAttrs[alt.URI]
	characteristics := attrs["CHARACTERISTICS"]

	if mediaType == "AUDIO" {
		base.DRM = drm.CloneDescriptors(sessionDRM)

		codec, ok := audioCodecByGroup[alt.GroupId]
		if !ok {
			return nil, fmt.Errorf("media %q: no variant declares codecs for audio group %q", alt.Name, alt.GroupId)
		}
		channels, joc, err := parseHLSChannels(attrs["CHANNELS"])
		if err != nil {
			return nil, fmt.Errorf("media %q: %w", alt.Name, err)
		}
		return &track.Audio{
			Track:       base,
			Codec:       codec,
			Channels:    channels,
			JOC:         joc,
			Descriptive: strings.Contains(characteristics, characteristicDescribesVideo),
		}, nil
	}

	base.Type = track.TypeSubtitle
	return &track.Subtitle{
		Track:  base,
		Codec:  track.SubtitleVTT, // renditions never state a subtitle codec
		Forced: alt.Forced == "YES",
		SDH:    strings.Contains(characteristics, characteristicDescribesAudio),
	}, nil
}

// trackID is the truncated digest of a playlist entry's serialized
// text; HLS entries have no declared IDs to key on.
func trackID(serial string) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(serial))), 16)
}

func variantSerial(v *m3u8.Variant) string {
	return fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=%q,RESOLUTION=%s,AUDIO=%q,SUBTITLES=%q,NAME=%q\n%s",
		v.Bandwidth, v.Codecs, v.Resolution, v.Audio, v.Subtitles, v.Name, v.URI)
}

func mediaSerial(a *m3u8.Alternative) string {
	return fmt.Sprintf("#EXT-X-MEDIA:TYPE=%s,GROUP-ID=%q,NAME=%q,LANGUAGE=%q,URI=%q",
		strings.ToUpper(a.Type), a.GroupId, a.Name, a.Language, a.URI)
}

func variantRange(variant *m3u8.Variant, raw rawTags) track.Range {
	if track.IsDolbyVisionCodec(variant.Codecs) {
		return track.RangeDV
	}
	return track.RangeFromVideoRangeTag(raw.streamAttrs[variant.URI]["VIDEO-RANGE"])
}

func parseResolution(resolution string) (width, height int) {
	w, h, ok := strings.Cut(resolution, "x")
	if !ok {
		return 0, 0
	}
	width, _ = strconv.Atoi(w)
	height, _ = strconv.Atoi(h)
	return width, height
}

// parseHLSChannels converts a CHANNELS attribute to a channel count and
// JOC object count. "16/JOC" means Dolby Atmos carried in a 5.1 bed.
func parseHLSChannels(value string) (channels float64, joc int, err error) {
	if value == "" {
		return 0, 0, nil
	}
	if count, ok := strings.CutSuffix(value, "/JOC"); ok {
		joc, err = strconv.Atoi(count)
		if err != nil {
			return 0, 0, fmt.Errorf("unsupported channels value %q", value)
		}
		return 5.1, joc, nil
	}
	channels, err = strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unsupported channels value %q", value)
	}
	return channels, 0, nil
}

// sessionKey is one EXT-X-KEY or EXT-X-SESSION-KEY declaration.
type sessionKey struct {
	Method    string
	URI       string
	IV        string
	Keyformat string
}

// keyDescriptor converts a key declaration into a DRM descriptor. baseURL
// is the playlist the tag came from; AES-128 key URIs may be relative to
// it. Widevine URIs are data URIs and are parsed, never fetched.
func keyDescriptor(k sessionKey, baseURL string) (drm.Descriptor, error) {
	switch {
	case k.Method == "AES-128":
		ck, err := drm.NewClearKey(joinURL(baseURL, k.URI), k.IV)
		if err != nil {
			return nil, fmt.Errorf("clearkey: %w", err)
		}
		return ck, nil

	case k.Method == "ISO-23001-7":
		// the URI's last comma part is the default KID
		parts := strings.Split(k.URI, ",")
		kid, err := drm.ParseKID(parts[len(parts)-1])
		if err != nil {
			return nil, fmt.Errorf("key kid: %w", err)
		}
		wv, err := drm.NewWidevine(drm.NewWidevinePSSH([]uuid.UUID{kid}))
		if err != nil {
			return nil, err
		}
		return wv, nil

	case strings.EqualFold(k.Keyformat, widevineKeyFormat):
		parts := strings.Split(k.URI, ",")
		pssh, err := drm.ParsePSSHBase64(parts[len(parts)-1])
		if err != nil {
			return nil, fmt.Errorf("key pssh: %w", err)
		}
		wv, err := drm.NewWidevine(pssh)
		if err != nil {
			return nil, err
		}
		return wv, nil

	default:
		return nil, fmt.Errorf("%w: %s %s", drm.ErrUnsupportedKeySystem, k.Method, k.Keyformat)
	}
}

// sessionDescriptors converts the master playlist's session keys. An
// explicit METHOD=NONE disables protection outright; otherwise at least
// one declared key system must be supported.
func sessionDescriptors(keys []sessionKey, manifestURL string) ([]drm.Descriptor, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	for _, k := range keys {
		if k.Method == "NONE" {
			return nil, nil
		}
	}

	var descriptors []drm.Descriptor
	var lastErr error
	for _, k := range keys {
		d, err := keyDescriptor(k, manifestURL)
		if err != nil {
			lastErr = err
			continue
		}
		descriptors = append(descriptors, d)
	}
	if len(descriptors) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return descriptors, nil
}

// rawTags carries master playlist attributes the decoder does not
// expose, read straight from the tag lines.
type rawTags struct {
	sessionKeys []sessionKey
	// attribute maps keyed by the rendition/variant URI
	mediaAttrs  map[string]map[string]string
	streamAttrs map[string]map[string]string
}

var attributePattern = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^",]+)`)

func parseAttributes(line string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attributePattern.FindAllStringSubmatch(line, -1) {
		attrs[m[1]] = strings.Trim(m[2], `"`)
	}
	return attrs
}

func scanRawTags(document []byte) rawTags {
	raw := rawTags{
		mediaAttrs:  make(map[string]map[string]string),
		streamAttrs: make(map[string]map[string]string),
	}

	var pendingStream map[string]string
	for _, line := range strings.Split(string(document), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-SESSION-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-SESSION-KEY:"))
			raw.sessionKeys = append(raw.sessionKeys, sessionKey{
				Method:    attrs["METHOD"],
				URI:       attrs["URI"],
				IV:        attrs["IV"],
				Keyformat: attrs["KEYFORMAT"],
			})
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))
			if uri := attrs["URI"]; uri != "" {
				raw.mediaAttrs[uri] = attrs
			}
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingStream = parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
		case line != "" && !strings.HasPrefix(line, "#"):
			if pendingStream != nil {
				raw.streamAttrs[line] = pendingStream
				pendingStream = nil
			}
		}
	}
	return raw
}
