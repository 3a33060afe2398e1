package download

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

// directional entities some packagers leave as literal text in subtitle
// payloads. Only these two are rewritten; everything else passes through
// untouched.
var (
	lrmEntity = []byte("&lrm;")
	rlmEntity = []byte("&rlm;")
	lrmRune   = []byte("‎")
	rlmRune   = []byte("‏")
)

// NormalizeSubtitleSegment re-encodes a plain-text subtitle segment to
// UTF-8 and replaces literal &lrm;/&rlm; entities with their directional
// mark code points. It applies per segment, to non-fragmented subtitle
// formats only, and never to still-encrypted payloads.
func NormalizeSubtitleSegment(data []byte) []byte {
	data = ensureUTF8(data)
	data = bytes.ReplaceAll(data, lrmEntity, lrmRune)
	data = bytes.ReplaceAll(data, rlmEntity, rlmRune)
	return data
}

// ensureUTF8 returns data as UTF-8 text. Already-valid input is returned
// unchanged; otherwise Windows-1252 is tried first, then whatever encoding
// the charset detector names.
func ensureUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	if decoded, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
		return decoded
	}
	enc, _, _ := charset.DetermineEncoding(data, "")
	if enc != nil {
		if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
			return decoded
		}
	}
	return data
}
