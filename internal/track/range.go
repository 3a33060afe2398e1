package track

import "strings"

// Range is a video track's dynamic range.
type Range string

// Known dynamic ranges.
const (
	RangeSDR    Range = "SDR"
	RangeHLG    Range = "HLG"
	RangeHDR10  Range = "HDR10"
	RangeHDR10P Range = "HDR10+"
	RangeDV     Range = "DV"
)

// RangeFromCICP maps ISO/IEC 23091-2 colour values to a dynamic range.
// Unknown or absent values resolve to SDR: services frequently omit or
// misreport CICP on SDR content, and transfer 5 is treated as 6 for the
// same reason.
func RangeFromCICP(primaries, transfer, matrix int) Range {
	if transfer == 5 {
		transfer = 6
	}

	switch {
	case primaries == 0 && transfer == 0 && matrix == 0:
		return RangeSDR
	case primaries == 5 || primaries == 6:
		// BT.601 is always SDR regardless of the declared transfer.
		return RangeSDR
	case transfer == 16:
		return RangeHDR10
	case transfer == 18:
		return RangeHLG
	default:
		return RangeSDR
	}
}

// RangeFromVideoRangeTag maps an HLS VIDEO-RANGE attribute to a dynamic
// range. An empty tag means SDR.
func RangeFromVideoRangeTag(tag string) Range {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "", "SDR":
		return RangeSDR
	case "HLG":
		return RangeHLG
	case "PQ":
		return RangeHDR10
	default:
		return RangeSDR
	}
}

// dolbyVisionPrefixes are sample entry codes that mark Dolby Vision
// streams even when CICP claims otherwise.
var dolbyVisionPrefixes = []string{"dva1", "dvav", "dvhe", "dvh1"}

// IsDolbyVisionCodec reports whether a codecs string declares Dolby Vision.
func IsDolbyVisionCodec(codecs string) bool {
	for _, codec := range strings.Split(codecs, ",") {
		tag := strings.ToLower(strings.TrimSpace(codec))
		for _, prefix := range dolbyVisionPrefixes {
			if strings.HasPrefix(tag, prefix) {
				return true
			}
		}
	}
	return false
}
