// Package manifest holds the error taxonomy shared by the DASH and HLS
// parsers. The parsers themselves live in the dash and hls subpackages.
package manifest

import "errors"

// Parse and resolution errors. Parse errors are fatal for the whole
// manifest; resolution errors are fatal only for the affected track.
var (
	// ErrUnsupportedContentType indicates a manifest entry whose content
	// type could not be classified as video, audio, or subtitle.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrLanguageUndetermined indicates no candidate yielded a valid,
	// determined language tag for a track.
	ErrLanguageUndetermined = errors.New("track language cannot be determined")

	// ErrNoSegmentStrategy indicates a representation with no segment
	// template, no segment list, and no base URL to download.
	ErrNoSegmentStrategy = errors.New("no segment strategy for representation")

	// ErrNotMaster indicates an HLS playlist that is not a master
	// playlist where one is required.
	ErrNotMaster = errors.New("playlist is not a master playlist")

	// ErrKeyRotation indicates a media playlist that changes keys
	// mid-stream, which single-key assembly cannot honor.
	ErrKeyRotation = errors.New("mid-stream key rotation is not supported")
)
