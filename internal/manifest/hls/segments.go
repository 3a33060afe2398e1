package hls

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/grafov/m3u8"

	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/manifest"
	"github.com/ripline/ripline/internal/track"
)

// Plan is the resolved download plan for one variant playlist: an
// optional init segment, media segments in playback order, and the
// playlist's own key as a descriptor when it declares one.
type Plan struct {
	Init     *track.Segment
	Segments []track.Segment
	Key      drm.Descriptor
}

// ResolveSegments expands a media (invariant) playlist into concrete
// segments. EXT-X-BYTERANGE values are converted to closed byte ranges,
// chaining offsets across range-continuation segments. A playlist that
// switches keys mid-stream is rejected: single-key assembly cannot
// decrypt it correctly.
func ResolveSegments(document []byte, playlistURL string) (*Plan, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(document), true)
	if err != nil {
		return nil, fmt.Errorf("decoding playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("playlist %q is not a media playlist", playlistURL)
	}
	media := playlist.(*m3u8.MediaPlaylist)

	plan := &Plan{}

	current := media.Key
	if initMap := media.Map; initMap != nil {
		plan.Init = &track.Segment{
			URL:       joinURL(playlistURL, initMap.URI),
			ByteRange: mapByteRange(initMap),
		}
	}

	var rangeOffset int64
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}

		if seg.Key != nil {
			if current != nil && !sameKey(current, seg.Key) {
				return nil, fmt.Errorf("playlist %q: %w", playlistURL, manifest.ErrKeyRotation)
			}
			current = seg.Key
		}
		if plan.Init == nil && seg.Map != nil {
			plan.Init = &track.Segment{
				URL:       joinURL(playlistURL, seg.Map.URI),
				ByteRange: mapByteRange(seg.Map),
			}
		}

		segment := track.Segment{
			URL:      joinURL(playlistURL, seg.URI),
			Duration: seg.Duration,
		}
		if seg.Limit > 0 {
			offset := seg.Offset
			if offset == 0 && rangeOffset > 0 {
				// a continuation range starts where the previous ended
				offset = rangeOffset
			}
			segment.ByteRange = fmt.Sprintf("%d-%d", offset, offset+seg.Limit-1)
			rangeOffset = offset + seg.Limit
		}
		plan.Segments = append(plan.Segments, segment)
	}

	if len(plan.Segments) == 0 {
		return nil, fmt.Errorf("playlist %q has no segments", playlistURL)
	}

	if current != nil && current.Method != "" && current.Method != "NONE" {
		descriptor, err := keyDescriptor(sessionKey{
			Method:    current.Method,
			URI:       current.URI,
			IV:        current.IV,
			Keyformat: current.Keyformat,
		}, playlistURL)
		if err != nil {
			return nil, fmt.Errorf("playlist %q: %w", playlistURL, err)
		}
		plan.Key = descriptor
	}

	return plan, nil
}

func sameKey(a, b *m3u8.Key) bool {
	return a.Method == b.Method && a.URI == b.URI && a.IV == b.IV && a.Keyformat == b.Keyformat
}

func mapByteRange(m *m3u8.Map) string {
	if m.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", m.Offset, m.Offset+m.Limit-1)
}

// joinURL resolves ref against base, tolerating unparseable input by
// returning ref unchanged.
func joinURL(base, ref string) string {
	if ref == "" {
		return base
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
