package dash

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/ripline/ripline/internal/manifest"
	"github.com/ripline/ripline/internal/track"
)

// Plan is the resolved download plan for one representation: an optional
// init segment followed by media segments in playback order.
type Plan struct {
	Init     *track.Segment
	Segments []track.Segment
}

var absoluteURLPattern = regexp.MustCompile(`(?i)^https?://`)

// templateFieldPatterns match the printf-style form of template fields,
// e.g. $Number%05d$.
var templateFieldPatterns = map[string]*regexp.Regexp{
	"Bandwidth":        regexp.MustCompile(`\$Bandwidth%([0-9a-zA-Z]+)\$`),
	"Number":           regexp.MustCompile(`\$Number%([0-9a-zA-Z]+)\$`),
	"RepresentationID": regexp.MustCompile(`\$RepresentationID%([0-9a-zA-Z]+)\$`),
	"Time":             regexp.MustCompile(`\$Time%([0-9a-zA-Z]+)\$`),
}

// ResolveSegments expands a DASH track locator into concrete segment
// URLs. Addressing strategies are tried in fixed order: SegmentTemplate,
// SegmentList, then the representation BaseURL as a single whole-file
// segment. A representation with none of the three cannot be downloaded.
func ResolveSegments(loc track.Locator) (*Plan, error) {
	if loc.Kind != track.LocatorDASH {
		return nil, fmt.Errorf("locator is not a DASH manifest reference")
	}

	mpd, err := Unmarshal([]byte(loc.Document))
	if err != nil {
		return nil, err
	}

	if loc.PeriodIndex < 0 || loc.PeriodIndex >= len(mpd.Periods) {
		return nil, fmt.Errorf("period index %d out of range", loc.PeriodIndex)
	}
	period := &mpd.Periods[loc.PeriodIndex]

	if loc.AdaptationIndex < 0 || loc.AdaptationIndex >= len(period.AdaptationSets) {
		return nil, fmt.Errorf("adaptation set index %d out of range", loc.AdaptationIndex)
	}
	adaptation := &period.AdaptationSets[loc.AdaptationIndex]

	var rep *Representation
	for i := range adaptation.Representations {
		if adaptation.Representations[i].ID == loc.RepresentationID {
			rep = &adaptation.Representations[i]
			break
		}
	}
	if rep == nil {
		return nil, fmt.Errorf("representation %q not found in adaptation set %d", loc.RepresentationID, loc.AdaptationIndex)
	}

	manifestBase := mpd.BaseURL
	if manifestBase == "" || !absoluteURLPattern.MatchString(manifestBase) {
		manifestBase = joinURL(loc.ManifestURL, manifestBase)
	}
	periodBase := joinURL(manifestBase, period.BaseURL)
	repBase := joinURL(periodBase, rep.BaseURL)

	template := rep.SegmentTemplate
	if template == nil {
		template = adaptation.SegmentTemplate
	}
	list := rep.SegmentList
	if list == nil {
		list = adaptation.SegmentList
	}

	switch {
	case template != nil:
		return resolveTemplate(mpd, period, rep, template, repBase, loc.ManifestURL)
	case list != nil:
		return resolveList(list, repBase), nil
	case repBase != "":
		// SegmentBase or bare BaseURL, downloaded as one resource
		return &Plan{Segments: []track.Segment{{URL: repBase}}}, nil
	default:
		return nil, fmt.Errorf("representation %q: %w", rep.ID, manifest.ErrNoSegmentStrategy)
	}
}

func resolveTemplate(mpd *MPD, period *Period, rep *Representation, template *SegmentTemplate, repBase, manifestURL string) (*Plan, error) {
	if template.Media == "" {
		return nil, fmt.Errorf("representation %q: %w: segment template has no media attribute", rep.ID, manifest.ErrNoSegmentStrategy)
	}

	var manifestQuery string
	if u, err := url.Parse(manifestURL); err == nil {
		manifestQuery = u.RawQuery
	}

	absolutize := func(value string) (string, error) {
		if !absoluteURLPattern.MatchString(value) {
			if repBase == "" {
				return "", fmt.Errorf("segment url %q is relative and no base url is available", value)
			}
			value = joinURL(repBase, value)
		}
		// segment requests inherit the manifest's auth query params
		if u, err := url.Parse(value); err == nil && u.RawQuery == "" && manifestQuery != "" {
			value += "?" + manifestQuery
		}
		return value, nil
	}

	media, err := absolutize(template.Media)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}

	if template.Initialization != "" {
		initURL, err := absolutize(template.Initialization)
		if err != nil {
			return nil, err
		}
		plan.Init = &track.Segment{URL: replaceFields(initURL, map[string]any{
			"Bandwidth":        rep.Bandwidth,
			"RepresentationID": rep.ID,
		})}
	}

	startNumber := 1
	if template.StartNumber != "" {
		if n, err := strconv.Atoi(template.StartNumber); err == nil {
			startNumber = n
		}
	}
	timescale := 1.0
	if template.Timescale != "" {
		if ts, err := strconv.ParseFloat(template.Timescale, 64); err == nil && ts > 0 {
			timescale = ts
		}
	}

	if template.Timeline != nil {
		number := startNumber
		var current int64
		for _, s := range template.Timeline.Segments {
			if s.T != "" {
				if t, err := strconv.ParseInt(s.T, 10, 64); err == nil {
					current = t
				}
			}
			for i := int64(0); i <= s.R; i++ {
				plan.Segments = append(plan.Segments, track.Segment{
					URL: replaceFields(media, map[string]any{
						"Bandwidth":        rep.Bandwidth,
						"Number":           number,
						"RepresentationID": rep.ID,
						"Time":             current,
					}),
					Duration: float64(s.D) / timescale,
				})
				current += s.D
				number++
			}
		}
		return plan, nil
	}

	durText := period.Duration
	if durText == "" {
		durText = mpd.MediaPresentationDuration
	}
	if durText == "" {
		return nil, fmt.Errorf("representation %q: period duration could not be determined", rep.ID)
	}
	periodDuration, err := parseISODuration(durText)
	if err != nil {
		return nil, fmt.Errorf("representation %q: %w", rep.ID, err)
	}
	segmentDuration, err := strconv.ParseFloat(template.Duration, 64)
	if err != nil || segmentDuration <= 0 {
		return nil, fmt.Errorf("representation %q: segment template duration %q is invalid", rep.ID, template.Duration)
	}

	secondsPerSegment := segmentDuration / timescale
	total := int(math.Ceil(periodDuration / secondsPerSegment))
	for n := startNumber; n < startNumber+total; n++ {
		plan.Segments = append(plan.Segments, track.Segment{
			URL: replaceFields(media, map[string]any{
				"Bandwidth":        rep.Bandwidth,
				"Number":           n,
				"RepresentationID": rep.ID,
				"Time":             n,
			}),
			Duration: secondsPerSegment,
		})
	}
	return plan, nil
}

func resolveList(list *SegmentList, repBase string) *Plan {
	plan := &Plan{}

	if list.Initialization != nil {
		src := list.Initialization.SourceURL
		if src == "" {
			src = repBase
		} else if !absoluteURLPattern.MatchString(src) {
			src = joinURL(repBase, src)
		}
		plan.Init = &track.Segment{URL: src, ByteRange: list.Initialization.Range}
	}

	for _, su := range list.SegmentURLs {
		media := su.Media
		if media == "" {
			media = repBase
		} else if !absoluteURLPattern.MatchString(media) {
			media = joinURL(repBase, media)
		}
		plan.Segments = append(plan.Segments, track.Segment{URL: media, ByteRange: su.MediaRange})
	}

	return plan
}

// joinURL resolves ref against base. An empty ref yields base; an
// unparseable base yields ref as-is.
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

// replaceFields substitutes $Field$ and printf-style $Field%05d$
// template expressions.
func replaceFields(u string, fields map[string]any) string {
	for name, value := range fields {
		u = strings.ReplaceAll(u, "$"+name+"$", fmt.Sprint(value))
		if m := templateFieldPatterns[name].FindStringSubmatch(u); m != nil {
			u = strings.Replace(u, m[0], fmt.Sprintf("%"+m[1], value), 1)
		}
	}
	return u
}

var durationPartPattern = regexp.MustCompile(`([\d.]+)([HMS])`)

// parseISODuration converts the PT duration form used by MPD duration
// attributes to seconds. The degenerate P0Y0M0DT prefix some encoders
// emit is accepted too.
func parseISODuration(d string) (float64, error) {
	s := strings.ToUpper(d)
	switch {
	case strings.HasPrefix(s, "P0Y0M0DT"):
		s = s[8:]
	case strings.HasPrefix(s, "PT"):
		s = s[2:]
	default:
		return 0, fmt.Errorf("invalid duration %q", d)
	}

	var total float64
	for _, m := range durationPartPattern.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", d)
		}
		switch m[2] {
		case "H":
			total += v * 3600
		case "M":
			total += v * 60
		case "S":
			total += v
		}
	}
	return total, nil
}
