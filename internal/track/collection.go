package track

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/language"

	"github.com/ripline/ripline/internal/lang"
)

// ErrDuplicateTrack is returned when a track with the same ID is already
// in the collection.
var ErrDuplicateTrack = errors.New("duplicate track id")

// Collection owns the tracks parsed from one manifest, by kind.
type Collection struct {
	Videos    []*Video
	Audio     []*Audio
	Subtitles []*Subtitle
	Chapters  []Chapter

	ids map[string]struct{}
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{ids: make(map[string]struct{})}
}

// Len returns the number of downloadable tracks (chapters excluded).
func (c *Collection) Len() int {
	return len(c.Videos) + len(c.Audio) + len(c.Subtitles)
}

// Tracks returns every downloadable track: videos, then audio, then
// subtitles.
func (c *Collection) Tracks() []Entry {
	out := make([]Entry, 0, c.Len())
	for _, v := range c.Videos {
		out = append(out, v)
	}
	for _, a := range c.Audio {
		out = append(out, a)
	}
	for _, s := range c.Subtitles {
		out = append(out, s)
	}
	return out
}

// Add inserts a track, rejecting duplicates by ID. Subtitles are
// validated on the way in.
func (c *Collection) Add(e Entry) error {
	base := e.Base()
	if base.ID == "" {
		return fmt.Errorf("track has no id")
	}
	if c.ids == nil {
		c.ids = make(map[string]struct{})
	}
	if _, ok := c.ids[base.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTrack, base.ID)
	}
	switch t := e.(type) {
	case *Video:
		c.Videos = append(c.Videos, t)
	case *Audio:
		c.Audio = append(c.Audio, t)
	case *Subtitle:
		if err := t.Validate(); err != nil {
			return err
		}
		c.Subtitles = append(c.Subtitles, t)
	default:
		return fmt.Errorf("unsupported track type %T", e)
	}
	c.ids[base.ID] = struct{}{}
	return nil
}

// AddOrSkip inserts a track, logging and skipping duplicates instead of
// failing. Manifests routinely repeat a rendition across variants.
func (c *Collection) AddOrSkip(e Entry, logger *slog.Logger) (bool, error) {
	err := c.Add(e)
	if errors.Is(err, ErrDuplicateTrack) {
		if logger != nil {
			logger.Debug("skipping duplicate track", slog.String("id", e.Base().ID))
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddChapter appends a chapter, numbering it after the last one when its
// number is unset.
func (c *Collection) AddChapter(ch Chapter) {
	if ch.Number == 0 {
		ch.Number = len(c.Chapters) + 1
	}
	c.Chapters = append(c.Chapters, ch)
}

// SortVideos orders videos by descending bitrate, then brings the given
// languages (in order, original language first within each) to the front.
func (c *Collection) SortVideos(byLanguage ...language.Tag) {
	sort.SliceStable(c.Videos, func(i, j int) bool {
		return c.Videos[i].Bitrate > c.Videos[j].Bitrate
	})
	for idx := len(byLanguage) - 1; idx >= 0; idx-- {
		want := byLanguage[idx]
		sort.SliceStable(c.Videos, func(i, j int) bool {
			return rankLang(&c.Videos[i].Track, want) < rankLang(&c.Videos[j].Track, want)
		})
	}
}

// SortAudio orders audio by descending bitrate with descriptive tracks
// last, then brings the given languages to the front.
func (c *Collection) SortAudio(byLanguage ...language.Tag) {
	sort.SliceStable(c.Audio, func(i, j int) bool {
		return c.Audio[i].Bitrate > c.Audio[j].Bitrate
	})
	sort.SliceStable(c.Audio, func(i, j int) bool {
		return !c.Audio[i].Descriptive && c.Audio[j].Descriptive
	})
	for idx := len(byLanguage) - 1; idx >= 0; idx-- {
		want := byLanguage[idx]
		sort.SliceStable(c.Audio, func(i, j int) bool {
			return rankLang(&c.Audio[i].Track, want) < rankLang(&c.Audio[j].Track, want)
		})
	}
}

// SortSubtitles orders subtitles alphabetically by language with, per
// language, plain tracks first, then SDH/CC, then forced.
func (c *Collection) SortSubtitles(byLanguage ...language.Tag) {
	weight := func(s *Subtitle) int {
		switch {
		case s.Forced:
			return 2
		case s.SDH || s.ClosedCaption:
			return 1
		default:
			return 0
		}
	}
	sort.SliceStable(c.Subtitles, func(i, j int) bool {
		a, b := c.Subtitles[i], c.Subtitles[j]
		if a.Language.String() != b.Language.String() {
			return a.Language.String() < b.Language.String()
		}
		return weight(a) < weight(b)
	})
	for idx := len(byLanguage) - 1; idx >= 0; idx-- {
		want := byLanguage[idx]
		sort.SliceStable(c.Subtitles, func(i, j int) bool {
			return rankLang(&c.Subtitles[i].Track, want) < rankLang(&c.Subtitles[j].Track, want)
		})
	}
}

// rankLang orders tracks matching want (original language first) before
// the rest.
func rankLang(t *Track, want language.Tag) int {
	if !lang.IsCloseMatch(want, t.Language) {
		return 2
	}
	if t.OriginalLang {
		return 0
	}
	return 1
}

// SelectVideos keeps only videos the predicate accepts.
func (c *Collection) SelectVideos(keep func(*Video) bool) {
	kept := c.Videos[:0]
	for _, v := range c.Videos {
		if keep(v) {
			kept = append(kept, v)
		} else {
			delete(c.ids, v.ID)
		}
	}
	c.Videos = kept
}

// SelectAudio keeps only audio tracks the predicate accepts.
func (c *Collection) SelectAudio(keep func(*Audio) bool) {
	kept := c.Audio[:0]
	for _, a := range c.Audio {
		if keep(a) {
			kept = append(kept, a)
		} else {
			delete(c.ids, a.ID)
		}
	}
	c.Audio = kept
}

// SelectSubtitles keeps only subtitles the predicate accepts.
func (c *Collection) SelectSubtitles(keep func(*Subtitle) bool) {
	kept := c.Subtitles[:0]
	for _, s := range c.Subtitles {
		if keep(s) {
			kept = append(kept, s)
		} else {
			delete(c.ids, s.ID)
		}
	}
	c.Subtitles = kept
}

// ByResolution is a video predicate accepting the given frame heights.
// Widths are checked too so anamorphic and crop variants of a standard
// resolution still match.
func ByResolution(heights ...int) func(*Video) bool {
	want := make(map[int]struct{}, len(heights))
	for _, h := range heights {
		want[h] = struct{}{}
	}
	return func(v *Video) bool {
		if _, ok := want[v.Height]; ok {
			return true
		}
		_, ok := want[v.Width*9/16]
		return ok
	}
}

// ByLanguage is a predicate factory over track language.
func ByLanguage(langs ...language.Tag) func(*Track) bool {
	return func(t *Track) bool {
		for _, l := range langs {
			if lang.IsCloseMatch(l, t.Language) {
				return true
			}
		}
		return false
	}
}

// AudioPerLanguage trims audio to at most n tracks per language, keeping
// current order (call SortAudio first).
func (c *Collection) AudioPerLanguage(n int) {
	if n < 1 {
		return
	}
	counts := make(map[string]int)
	c.SelectAudio(func(a *Audio) bool {
		base, _ := a.Language.Base()
		counts[base.String()]++
		return counts[base.String()] <= n
	})
}

// String renders the collection as a listing, one track per line.
func (c *Collection) String() string {
	var b strings.Builder
	for i, e := range c.Tracks() {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%v", e)
	}
	return b.String()
}
