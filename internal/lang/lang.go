// Package lang provides BCP-47 language tag helpers for track metadata.
//
// Manifests are wildly inconsistent about language information: tags may be
// missing, syntactically invalid, or explicitly undetermined ("und"). These
// helpers centralise the validation and matching rules used when normalising
// manifest data into tracks.
package lang

import (
	"strings"

	"golang.org/x/text/language"
)

// Parse parses a candidate language tag. It returns the canonical tag and
// true only if the tag is syntactically valid and not undetermined.
func Parse(candidate string) (language.Tag, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return language.Und, false
	}
	tag, err := language.Parse(candidate)
	if err != nil {
		return language.Und, false
	}
	if IsUndetermined(tag) {
		return language.Und, false
	}
	return tag, true
}

// IsUndetermined reports whether the tag carries no usable language
// information ("und" and friends).
func IsUndetermined(tag language.Tag) bool {
	base, _ := tag.Base()
	return tag == language.Und || base.String() == "und"
}

// FirstValid returns the first candidate that parses to a valid,
// determined language tag. The boolean is false when none qualify.
func FirstValid(candidates ...string) (language.Tag, bool) {
	for _, candidate := range candidates {
		if tag, ok := Parse(candidate); ok {
			return tag, true
		}
	}
	return language.Und, false
}

// IsCloseMatch reports whether two tags refer to close enough languages to
// be considered the same for track-selection purposes (e.g. "en" matches
// "en-US", but not "de").
func IsCloseMatch(a, b language.Tag) bool {
	if a == b {
		return true
	}
	if IsUndetermined(a) || IsUndetermined(b) {
		return false
	}
	matcher := language.NewMatcher([]language.Tag{b})
	_, _, confidence := matcher.Match(a)
	return confidence >= language.High
}
