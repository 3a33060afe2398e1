package track

import (
	"fmt"
	"strings"
)

// VideoCodec identifies a video track's codec family.
type VideoCodec string

// Supported video codecs.
const (
	VideoAVC  VideoCodec = "H.264"
	VideoHEVC VideoCodec = "H.265"
	VideoVC1  VideoCodec = "VC-1"
	VideoVP8  VideoCodec = "VP8"
	VideoVP9  VideoCodec = "VP9"
	VideoAV1  VideoCodec = "AV1"
)

// Extension returns the conventional file extension for the codec.
func (c VideoCodec) Extension() string {
	switch c {
	case VideoAVC:
		return "h264"
	case VideoHEVC:
		return "h265"
	case VideoVC1:
		return "vc1"
	case VideoVP8, VideoVP9, VideoAV1:
		return strings.ToLower(string(c))
	default:
		return "mp4"
	}
}

// VideoCodecFromCodecs maps an RFC 6381 codecs string (or a bare codec
// tag) to a video codec. Dolby Vision sample entries map onto the AVC or
// HEVC families they carry.
func VideoCodecFromCodecs(codecs string) (VideoCodec, error) {
	for _, codec := range strings.Split(codecs, ",") {
		tag := strings.ToLower(strings.TrimSpace(codec))
		if i := strings.IndexByte(tag, '.'); i >= 0 {
			tag = tag[:i]
		}
		switch tag {
		case "avc1", "avc2", "avc3", "dva1", "dvav":
			return VideoAVC, nil
		case "hev1", "hvc1", "dvhe", "dvh1":
			return VideoHEVC, nil
		case "vc-1", "vc1":
			return VideoVC1, nil
		case "vp08", "vp8":
			return VideoVP8, nil
		case "vp09", "vp9":
			return VideoVP9, nil
		case "av01", "av1":
			return VideoAV1, nil
		}
	}
	return "", fmt.Errorf("no video codec in %q", codecs)
}

// VideoCodecFromMIME maps a MIME subtype to a video codec.
func VideoCodecFromMIME(mime string) (VideoCodec, error) {
	switch strings.ToLower(subtype(mime)) {
	case "avc", "h264", "h.264":
		return VideoAVC, nil
	case "hevc", "h265", "h.265":
		return VideoHEVC, nil
	case "vc-1", "vc1":
		return VideoVC1, nil
	case "vp8":
		return VideoVP8, nil
	case "vp9":
		return VideoVP9, nil
	case "av1":
		return VideoAV1, nil
	default:
		return "", fmt.Errorf("unrecognised video mime %q", mime)
	}
}

// AudioCodec identifies an audio track's codec family.
type AudioCodec string

// Supported audio codecs.
const (
	AudioAAC    AudioCodec = "AAC"
	AudioAC3    AudioCodec = "DD"
	AudioEC3    AudioCodec = "DD+"
	AudioOpus   AudioCodec = "OPUS"
	AudioVorbis AudioCodec = "VORB"
	AudioDTS    AudioCodec = "DTS"
	AudioALAC   AudioCodec = "ALAC"
	AudioFLAC   AudioCodec = "FLAC"
)

// Extension returns the conventional file extension for the codec.
func (c AudioCodec) Extension() string {
	switch c {
	case AudioAAC:
		return "aac"
	case AudioAC3:
		return "ac3"
	case AudioEC3:
		return "eac3"
	case AudioVorbis:
		return "ogg"
	default:
		return strings.ToLower(string(c))
	}
}

// AudioCodecFromCodecs maps an RFC 6381 codecs string to an audio codec.
func AudioCodecFromCodecs(codecs string) (AudioCodec, error) {
	for _, codec := range strings.Split(codecs, ",") {
		tag := strings.ToLower(strings.TrimSpace(codec))
		if i := strings.IndexByte(tag, '.'); i >= 0 {
			tag = tag[:i]
		}
		switch tag {
		case "mp4a", "aac", "he-aac", "aac-lc", "stereo":
			return AudioAAC, nil
		case "ac-3", "ac3":
			return AudioAC3, nil
		case "ec-3", "ec3", "eac-3", "eac3", "atmos":
			return AudioEC3, nil
		case "opus":
			return AudioOpus, nil
		case "vorb", "vorbis":
			return AudioVorbis, nil
		case "dts":
			return AudioDTS, nil
		case "alac":
			return AudioALAC, nil
		case "flac":
			return AudioFLAC, nil
		}
	}
	return "", fmt.Errorf("no audio codec in %q", codecs)
}

// AudioCodecFromMIME maps a MIME subtype to an audio codec.
func AudioCodecFromMIME(mime string) (AudioCodec, error) {
	switch strings.ToLower(subtype(mime)) {
	case "aac", "mp4a":
		return AudioAAC, nil
	case "ac-3", "ac3":
		return AudioAC3, nil
	case "ec-3", "ec3", "eac-3", "eac3":
		return AudioEC3, nil
	case "opus":
		return AudioOpus, nil
	case "vorbis":
		return AudioVorbis, nil
	case "dts":
		return AudioDTS, nil
	case "alac":
		return AudioALAC, nil
	case "flac":
		return AudioFLAC, nil
	default:
		return "", fmt.Errorf("unrecognised audio mime %q", mime)
	}
}

// SubtitleCodec identifies a subtitle track's format.
type SubtitleCodec string

// Supported subtitle formats. The fragmented formats (fTTML, fVTT) are
// MP4-carried variants that need repackaging into their text forms.
const (
	SubtitleSubRip SubtitleCodec = "SRT"
	SubtitleSSA    SubtitleCodec = "SSA"
	SubtitleASS    SubtitleCodec = "ASS"
	SubtitleTTML   SubtitleCodec = "TTML"
	SubtitleVTT    SubtitleCodec = "VTT"
	SubtitleFTTML  SubtitleCodec = "STPP" // fragmented TTML
	SubtitleFVTT   SubtitleCodec = "WVTT" // fragmented WebVTT
)

// Extension returns the conventional file extension for the format.
func (c SubtitleCodec) Extension() string {
	return strings.ToLower(string(c))
}

// Fragmented reports whether the format is MP4-carried and needs
// repackaging after download.
func (c SubtitleCodec) Fragmented() bool {
	return c == SubtitleFTTML || c == SubtitleFVTT
}

// SubtitleCodecFromCodecs maps a codecs string to a subtitle format.
func SubtitleCodecFromCodecs(codecs string) (SubtitleCodec, error) {
	for _, codec := range strings.Split(codecs, ",") {
		tag := strings.ToLower(strings.TrimSpace(codec))
		if i := strings.IndexByte(tag, '.'); i >= 0 {
			tag = tag[:i]
		}
		switch tag {
		case "srt", "subrip":
			return SubtitleSubRip, nil
		case "ssa":
			return SubtitleSSA, nil
		case "ass":
			return SubtitleASS, nil
		case "ttml", "dfxp":
			return SubtitleTTML, nil
		case "vtt", "webvtt":
			return SubtitleVTT, nil
		case "stpp":
			return SubtitleFTTML, nil
		case "wvtt":
			return SubtitleFVTT, nil
		}
	}
	return "", fmt.Errorf("no subtitle codec in %q", codecs)
}

// SubtitleCodecFromMIME maps a MIME type or subtype to a subtitle format.
func SubtitleCodecFromMIME(mime string) (SubtitleCodec, error) {
	switch strings.ToLower(subtype(mime)) {
	case "srt", "x-subrip", "subrip":
		return SubtitleSubRip, nil
	case "ssa":
		return SubtitleSSA, nil
	case "ass":
		return SubtitleASS, nil
	case "ttml", "ttml+xml", "dfxp", "dfxp+xml":
		return SubtitleTTML, nil
	case "vtt", "webvtt", "vtt+xml":
		return SubtitleVTT, nil
	case "stpp", "ttml+mp4":
		return SubtitleFTTML, nil
	case "wvtt", "vtt+mp4":
		return SubtitleFVTT, nil
	default:
		return "", fmt.Errorf("unrecognised subtitle mime %q", mime)
	}
}

// subtype strips the "type/" prefix of a MIME type, if present.
func subtype(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return mime
}
